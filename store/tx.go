package store

import (
	"time"

	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/go-pg/pg"
	errs "github.com/pkg/errors"
)

type pgTx struct {
	tx    *pg.Tx
	cache *cache

	// cache entries to add once the transaction commits
	destinations map[string]*models.Destination
	detections   map[string]*models.Detection
	locked       map[string]bool
}

// lock takes a transaction scoped advisory lock on a dedup key. A concurrent transaction
// matching the same key waits until this one commits or rolls back, and then sees its rows.
func (t *pgTx) lock(key string) error {
	if t.locked[key] {
		return nil
	}
	if _, err := t.tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key); err != nil {
		return errs.Wrapf(err, "lock %s", key)
	}
	if t.locked == nil {
		t.locked = make(map[string]bool)
	}
	t.locked[key] = true
	return nil
}

func (t *pgTx) pendDestination(d *models.Destination) {
	if t.destinations == nil {
		t.destinations = make(map[string]*models.Destination)
	}
	cp := *d
	t.destinations[destinationKey(d.SourceID, d.NormalizedUrl)] = &cp
}

func (t *pgTx) pendDetection(d *models.Detection) {
	if t.detections == nil {
		t.detections = make(map[string]*models.Detection)
	}
	cp := *d
	t.detections[detectionKey(d.HuntType, d.NormalizedUrl)] = &cp
}

func (t *pgTx) MatchDestination(sourceID uint, normalized string) (*models.Destination, error) {
	k := destinationKey(sourceID, normalized)
	if err := t.lock(lockName("destination", k)); err != nil {
		return nil, err
	}
	if d, ok := t.destinations[k]; ok {
		cp := *d
		return &cp, nil
	}
	if v, ok := t.cache.destinationByUrl.Get(k); ok {
		cp := *v.(*models.Destination)
		return &cp, nil
	}

	var d models.Destination
	err := t.tx.Model(&d).
		Where("source_id = ?", sourceID).
		Where("normalized_url = ?", normalized).
		Order("id ASC").
		Limit(1).
		Select()
	switch {
	case err == pg.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, errs.Wrap(err, "select destination")
	}
	return &d, nil
}

func (t *pgTx) InsertDestination(d *models.Destination) error {
	if err := t.tx.Insert(d); err != nil {
		return errs.Wrap(err, "insert destination")
	}
	t.pendDestination(d)
	return nil
}

func (t *pgTx) TouchDestination(d *models.Destination, ts time.Time) error {
	d.LastSeen = ts
	if _, err := t.tx.Model(d).Column("last_seen").WherePK().Update(); err != nil {
		return errs.Wrap(err, "update destination")
	}
	t.pendDestination(d)
	return nil
}

func (t *pgTx) InsertTakedownStatus(ts *models.TakedownStatus) error {
	return errs.Wrap(t.tx.Insert(ts), "insert takedown status")
}

func (t *pgTx) FindSource(url string) (*models.Source, error) {
	if err := t.lock(lockName("source", url)); err != nil {
		return nil, err
	}
	var src models.Source
	err := t.tx.Model(&src).Where("url = ?", url).Limit(1).Select()
	switch {
	case err == pg.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, errs.Wrap(err, "select source")
	}
	return &src, nil
}

func (t *pgTx) InsertSource(src *models.Source) error {
	return errs.Wrap(t.tx.Insert(src), "insert source")
}

func (t *pgTx) MatchDetection(huntType string, normalized string) (*models.Detection, error) {
	k := detectionKey(huntType, normalized)
	if err := t.lock(lockName("detection", k)); err != nil {
		return nil, err
	}
	if d, ok := t.detections[k]; ok {
		cp := *d
		return &cp, nil
	}
	if v, ok := t.cache.detectionByUrl.Get(k); ok {
		cp := *v.(*models.Detection)
		return &cp, nil
	}

	var d models.Detection
	err := t.tx.Model(&d).
		Where("hunt_type = ?", huntType).
		Where("normalized_url = ?", normalized).
		Order("id ASC").
		Limit(1).
		Select()
	switch {
	case err == pg.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, errs.Wrap(err, "select detection")
	}
	return &d, nil
}

func (t *pgTx) InsertDetection(d *models.Detection) error {
	if err := t.tx.Insert(d); err != nil {
		return errs.Wrap(err, "insert detection")
	}
	t.pendDetection(d)
	return nil
}

func (t *pgTx) UpdateDetection(d *models.Detection) error {
	_, err := t.tx.Model(d).
		Column("final_url", "redirect_path", "is_scam", "confidence_score", "signals", "last_seen").
		WherePK().
		Update()
	if err != nil {
		return errs.Wrap(err, "update detection")
	}
	t.pendDetection(d)
	return nil
}

func (t *pgTx) InsertStatusChange(c *models.DetectionStatusChange) error {
	return errs.Wrap(t.tx.Insert(c), "insert detection status change")
}
