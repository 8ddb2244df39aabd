package store

import (
	"io"
	"time"

	"github.com/aau-network-security/cloakwatch/store/models"
)

// Tx is the unit of work of a single discovery. Everything written through it is
// committed together or not at all.
type Tx interface {
	// returns nil if the source has no destination with the normalized url
	MatchDestination(sourceID uint, normalized string) (*models.Destination, error)
	InsertDestination(d *models.Destination) error
	TouchDestination(d *models.Destination, t time.Time) error
	InsertTakedownStatus(ts *models.TakedownStatus) error

	// returns nil if no source with the url exists
	FindSource(url string) (*models.Source, error)
	InsertSource(src *models.Source) error

	// returns nil if the hunt type has no detection with the normalized url
	MatchDetection(huntType string, normalized string) (*models.Detection, error)
	InsertDetection(d *models.Detection) error
	UpdateDetection(d *models.Detection) error
	InsertStatusChange(c *models.DetectionStatusChange) error
}

type Repository interface {
	// runs fn in a transaction that is rolled back if fn returns an error
	Transact(fn func(Tx) error) error

	Sources() ([]*models.Source, error)
	DeleteSource(id uint) error
	// last time a scam destination of the source was seen, zero if never
	LastScamActivity(sourceID uint) (time.Time, error)

	ActiveDestinations() ([]*models.MonitoredDestination, error)
	// sets the flag of the service unless already set, returns whether it was set now
	FlagDestination(destID uint, svc models.Service, t time.Time) (bool, error)
	// records the destination as unresolvable and stops checking it
	MarkUnresolvable(destID uint, t time.Time) (bool, error)
	TouchChecked(destID uint, t time.Time) error

	io.Closer
}

// AddSource registers a source unless one with the same url exists
func AddSource(r Repository, src *models.Source) (bool, error) {
	added := false
	err := r.Transact(func(tx Tx) error {
		existing, err := tx.FindSource(src.Url)
		if err != nil {
			return err
		}
		if existing != nil {
			*src = *existing
			return nil
		}
		if src.CreatedAt.IsZero() {
			src.CreatedAt = time.Now()
		}
		if err := tx.InsertSource(src); err != nil {
			return err
		}
		added = true
		return nil
	})
	return added, err
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*Memory)(nil)
)
