package discovery

import (
	"context"
	"time"

	"github.com/aau-network-security/cloakwatch/alert"
	"github.com/aau-network-security/cloakwatch/metrics"
	"github.com/aau-network-security/cloakwatch/store"
	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Observation is the outcome of following and classifying a single url
type Observation struct {
	SourceID     uint   // set for monitored sources
	HuntType     string // set for hunted detections
	InitialUrl   string
	FinalUrl     string
	RedirectPath []string
	IsScam       bool
	Confidence   float64
	Signals      models.Signals
}

type Transactor interface {
	Transact(fn func(store.Tx) error) error
}

// CandidateEnroller turns a cloaker candidate into a source
type CandidateEnroller interface {
	Enroll(ctx context.Context, tx store.Tx, candidate string) (*models.Source, error)
}

// Reporter receives newly confirmed scam urls for outward reporting
type Reporter interface {
	Add(url string)
}

type Recorder struct {
	repo     Transactor
	alerter  alert.Alerter
	enroller CandidateEnroller
	reporter Reporter
	metrics  metrics.Recorder
	now      func() time.Time
}

type RecorderOpt func(*Recorder)

func WithEnroller(e CandidateEnroller) RecorderOpt {
	return func(r *Recorder) {
		r.enroller = e
	}
}

func WithReporter(rep Reporter) RecorderOpt {
	return func(r *Recorder) {
		r.reporter = rep
	}
}

func WithMetrics(m metrics.Recorder) RecorderOpt {
	return func(r *Recorder) {
		r.metrics = m
	}
}

func NewRecorder(repo Transactor, alerter alert.Alerter, opts ...RecorderOpt) *Recorder {
	r := &Recorder{
		repo:    repo,
		alerter: alerter,
		metrics: metrics.Disabled(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CloakerCandidate returns the hop right before the final destination, or an empty
// string if the path has no such hop
func CloakerCandidate(path []string) string {
	if len(path) < 2 {
		return ""
	}
	final := path[len(path)-1]
	for i := len(path) - 2; i >= 0; i-- {
		if path[i] != final && path[i] != "" {
			return path[i]
		}
	}
	return ""
}

// RecordDestination stores what a source resolved to. An observation matching an
// existing destination of the same source only refreshes it. A new scam destination
// gets a takedown status, an alert and an attempt to enroll its cloaker, all within
// the same transaction.
// Returns whether the destination is new.
func (r *Recorder) RecordDestination(ctx context.Context, obs Observation) (*models.Destination, bool, error) {
	now := r.now()
	normalized := store.NormalizeUrl(obs.FinalUrl)

	var (
		dest  *models.Destination
		isNew bool
	)
	err := r.repo.Transact(func(tx store.Tx) error {
		existing, err := tx.MatchDestination(obs.SourceID, normalized)
		if err != nil {
			return err
		}
		if existing != nil {
			dest = existing
			return tx.TouchDestination(existing, now)
		}

		isNew = true
		dest = &models.Destination{
			SourceID:      obs.SourceID,
			Url:           obs.FinalUrl,
			NormalizedUrl: normalized,
			FirstSeen:     now,
			LastSeen:      now,
			IsScam:        obs.IsScam,
		}
		if err := tx.InsertDestination(dest); err != nil {
			return err
		}
		if !obs.IsScam {
			return nil
		}

		status := &models.TakedownStatus{
			DestinationID: dest.ID,
			CheckActive:   true,
		}
		if err := tx.InsertTakedownStatus(status); err != nil {
			return err
		}
		return r.onNewScam(ctx, tx, alert.NewScamDestination, obs)
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "record destination %s", obs.FinalUrl)
	}

	r.count(isNew, obs.IsScam, "destination")
	if isNew && obs.IsScam && r.reporter != nil {
		r.reporter.Add(obs.FinalUrl)
	}
	return dest, isNew, nil
}

// RecordDetection stores the outcome of a hunt. A repeated detection is refreshed and
// every flip of its verdict is written to its status history.
func (r *Recorder) RecordDetection(ctx context.Context, obs Observation) (*models.Detection, bool, error) {
	now := r.now()
	normalized := store.NormalizeUrl(obs.FinalUrl)

	var (
		det       *models.Detection
		isNew     bool
		turnedBad bool
	)
	err := r.repo.Transact(func(tx store.Tx) error {
		existing, err := tx.MatchDetection(obs.HuntType, normalized)
		if err != nil {
			return err
		}
		if existing == nil {
			isNew = true
			det = &models.Detection{
				HuntType:        obs.HuntType,
				InitialUrl:      obs.InitialUrl,
				FinalUrl:        obs.FinalUrl,
				NormalizedUrl:   normalized,
				RedirectPath:    obs.RedirectPath,
				IsScam:          obs.IsScam,
				ConfidenceScore: obs.Confidence,
				Signals:         obs.Signals,
				FirstSeen:       now,
				LastSeen:        now,
			}
			if err := tx.InsertDetection(det); err != nil {
				return err
			}
			if !obs.IsScam {
				return nil
			}
			turnedBad = true
			return r.onNewScam(ctx, tx, alert.NewScamDetection, obs)
		}

		det = existing
		prev := det.IsScam
		det.FinalUrl = obs.FinalUrl
		det.RedirectPath = obs.RedirectPath
		det.IsScam = obs.IsScam
		det.ConfidenceScore = obs.Confidence
		det.Signals = obs.Signals
		det.LastSeen = now
		if err := tx.UpdateDetection(det); err != nil {
			return err
		}
		if prev == obs.IsScam {
			return nil
		}

		change := &models.DetectionStatusChange{
			DetectionID:    det.ID,
			PreviousStatus: prev,
			NewStatus:      obs.IsScam,
			Reason:         "reclassified",
			Timestamp:      now,
		}
		if err := tx.InsertStatusChange(change); err != nil {
			return err
		}
		if !obs.IsScam {
			return nil
		}
		turnedBad = true
		return r.onNewScam(ctx, tx, alert.DetectionFlipped, obs)
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "record detection %s", obs.FinalUrl)
	}

	r.count(isNew, obs.IsScam, "detection")
	if turnedBad && r.reporter != nil {
		r.reporter.Add(obs.FinalUrl)
	}
	return det, isNew, nil
}

func (r *Recorder) count(isNew, isScam bool, kind string) {
	status := "seen"
	if isNew {
		status = "new"
	}
	if isScam {
		status += "-scam"
	}
	r.metrics.Hit(status, kind, 1)
}

// alerts on a new scam and tries to enroll its cloaker. A failed alert aborts the
// discovery, a failed enrollment does not.
func (r *Recorder) onNewScam(ctx context.Context, tx store.Tx, kind alert.Kind, obs Observation) error {
	sig := obs.Signals
	a := alert.Alert{
		Kind:         kind,
		Url:          obs.FinalUrl,
		RedirectPath: obs.RedirectPath,
		Confidence:   obs.Confidence,
		Signals:      &sig,
		Time:         r.now(),
	}
	if obs.HuntType != "" {
		a.Fields = map[string]string{"hunt": obs.HuntType}
	}
	if err := r.alerter.Alert(ctx, a); err != nil {
		return errors.Wrap(err, "alert")
	}

	candidate := CloakerCandidate(obs.RedirectPath)
	if candidate == "" || r.enroller == nil {
		return nil
	}
	src, err := r.enroller.Enroll(ctx, tx, candidate)
	if err != nil {
		log.Debug().Msgf("failed to enroll cloaker candidate %s: %s", candidate, err)
		return nil
	}
	if src == nil {
		return nil
	}

	log.Info().Str("url", src.Url).Str("type", src.ResolutionType).Msg("enrolled cloaker")
	enrolled := alert.Alert{
		Kind:   alert.CloakerEnrolled,
		Url:    src.Url,
		Fields: map[string]string{"type": src.ResolutionType, "destination": obs.FinalUrl},
		Time:   r.now(),
	}
	if err := r.alerter.Alert(ctx, enrolled); err != nil {
		log.Debug().Msgf("failed to alert enrollment of %s: %s", src.Url, err)
	}
	return nil
}
