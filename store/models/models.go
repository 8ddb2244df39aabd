package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ----- BEGIN MONITORING -----

// A redirect entry point that is followed periodically
type Source struct {
	ID             uint   `gorm:"primary_key" pg:",pk"`
	Url            string `gorm:"unique_index"`
	ResolutionType string
	RegexPattern   string // legacy single-destination flow only
	CreatedAt      time.Time
}

// The observed result of following a source
type Destination struct {
	ID            uint   `gorm:"primary_key" pg:",pk"`
	SourceID      uint   `gorm:"unique_index:idx_destination_source_url"`
	Url           string
	NormalizedUrl string `gorm:"unique_index:idx_destination_source_url"`
	FirstSeen     time.Time
	LastSeen      time.Time
	IsScam        bool `gorm:"not null" sql:",notnull"`
}

// Takedown progress of a single destination, one row per destination.
// Flag timestamps are written at most once.
type TakedownStatus struct {
	ID                    uint `gorm:"primary_key" pg:",pk"`
	DestinationID         uint `gorm:"unique_index"`
	SafebrowsingFlaggedAt *time.Time
	NetcraftFlaggedAt     *time.Time
	SmartscreenFlaggedAt  *time.Time
	DnsUnresolvableAt     *time.Time
	LastChecked           *time.Time
	CheckActive           bool `gorm:"not null" sql:",notnull"`
}

// An external verdict service a destination can be flagged by
type Service string

const (
	SafeBrowsing Service = "safebrowsing"
	Netcraft     Service = "netcraft"
	SmartScreen  Service = "smartscreen"
)

var Services = []Service{SafeBrowsing, Netcraft, SmartScreen}

// FlaggedAt returns the write-once flag timestamp of the given service
func (ts *TakedownStatus) FlaggedAt(svc Service) *time.Time {
	switch svc {
	case SafeBrowsing:
		return ts.SafebrowsingFlaggedAt
	case Netcraft:
		return ts.NetcraftFlaggedAt
	case SmartScreen:
		return ts.SmartscreenFlaggedAt
	}
	return nil
}

// SetFlaggedAt sets the flag timestamp of the service unless it is already set.
// Returns whether the status changed.
func (ts *TakedownStatus) SetFlaggedAt(svc Service, t time.Time) bool {
	var field **time.Time
	switch svc {
	case SafeBrowsing:
		field = &ts.SafebrowsingFlaggedAt
	case Netcraft:
		field = &ts.NetcraftFlaggedAt
	case SmartScreen:
		field = &ts.SmartscreenFlaggedAt
	default:
		return false
	}
	if *field != nil {
		return false
	}
	*field = &t
	return true
}

// a destination joined with its takedown status, as consumed by the takedown monitor
type MonitoredDestination struct {
	Destination
	Status TakedownStatus
}

// ----- END MONITORING -----

// ----- BEGIN HUNTING -----

type Signals struct {
	Fullscreen        bool `json:"fullscreen"`
	KeyboardLock      bool `json:"keyboard_lock"`
	PointerLock       bool `json:"pointer_lock"`
	ThirdPartyHosting bool `json:"third_party_hosting"`
	IPAddress         bool `json:"ip_address"`
	PageLoadFrozen    bool `json:"page_load_frozen"` // advisory, never weighted
	WorkerBomb        bool `json:"worker_bomb"`
}

// Merge returns the union of both signal sets
func (s Signals) Merge(o Signals) Signals {
	return Signals{
		Fullscreen:        s.Fullscreen || o.Fullscreen,
		KeyboardLock:      s.KeyboardLock || o.KeyboardLock,
		PointerLock:       s.PointerLock || o.PointerLock,
		ThirdPartyHosting: s.ThirdPartyHosting || o.ThirdPartyHosting,
		IPAddress:         s.IPAddress || o.IPAddress,
		PageLoadFrozen:    s.PageLoadFrozen || o.PageLoadFrozen,
		WorkerBomb:        s.WorkerBomb || o.WorkerBomb,
	}
}

// Value renders the signals as json text, []byte would be written as bytea
func (s Signals) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *Signals) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = Signals{}
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.Errorf("cannot scan %T into signals", src)
	}
}

// A finding of the hunting pipeline (search ads, typosquats, ad networks)
type Detection struct {
	ID              uint   `gorm:"primary_key" pg:",pk"`
	HuntType        string `gorm:"unique_index:idx_detection_hunt_url"`
	InitialUrl      string
	FinalUrl        string
	NormalizedUrl   string   `gorm:"unique_index:idx_detection_hunt_url"`
	RedirectPath    []string `gorm:"type:text[]" pg:",array"`
	IsScam          bool     `gorm:"not null" sql:",notnull"`
	ConfidenceScore float64  `sql:",notnull"`
	Signals         Signals  `gorm:"type:jsonb"`
	FirstSeen       time.Time
	LastSeen        time.Time
}

// Verdict flip of a detection
type DetectionStatusChange struct {
	ID             uint `gorm:"primary_key" pg:",pk"`
	DetectionID    uint `gorm:"index"`
	PreviousStatus bool `gorm:"not null" sql:",notnull"`
	NewStatus      bool `gorm:"not null" sql:",notnull"`
	Reason         string
	Timestamp      time.Time
}

// ----- END HUNTING -----

// All returns an empty instance of every persisted model, in dependency order
func All() []interface{} {
	return []interface{}{
		&Source{},
		&Destination{},
		&TakedownStatus{},
		&Detection{},
		&DetectionStatusChange{},
	}
}
