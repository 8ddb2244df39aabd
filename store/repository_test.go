package store

import (
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/aau-network-security/cloakwatch/store/models"
	tst "github.com/aau-network-security/cloakwatch/testing"
	"github.com/pkg/errors"
)

// the same scenarios run against every repository implementation
func repositories(t *testing.T) map[string]func(t *testing.T) Repository {
	return map[string]func(t *testing.T) Repository{
		"memory": func(t *testing.T) Repository {
			return NewMemory()
		},
		"postgres": func(t *testing.T) Repository {
			return openStore(t)
		},
	}
}

func insertScamDestination(r Repository, src *models.Source, url string, ts time.Time) (*models.Destination, error) {
	d := &models.Destination{
		SourceID:      src.ID,
		Url:           url,
		NormalizedUrl: NormalizeUrl(url),
		FirstSeen:     ts,
		LastSeen:      ts,
		IsScam:        true,
	}
	err := r.Transact(func(tx Tx) error {
		if err := tx.InsertDestination(d); err != nil {
			return err
		}
		return tx.InsertTakedownStatus(&models.TakedownStatus{
			DestinationID: d.ID,
			CheckActive:   true,
		})
	})
	return d, err
}

func TestRepository_AddSource(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			r := open(t)
			defer r.Close()

			src := &models.Source{Url: "https://src.example/a", ResolutionType: "header"}
			added, err := AddSource(r, src)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if !added || src.ID == 0 {
				t.Fatalf("expected source to be added with an id, but got %+v", src)
			}

			dup := &models.Source{Url: "https://src.example/a", ResolutionType: "browser"}
			added, err = AddSource(r, dup)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if added {
				t.Fatalf("expected duplicate source to be skipped")
			}
			if dup.ID != src.ID || dup.ResolutionType != "header" {
				t.Fatalf("expected existing source to be returned, but got %+v", dup)
			}

			sources, err := r.Sources()
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if len(sources) != 1 {
				t.Fatalf("expected %d source, but got %d", 1, len(sources))
			}
		})
	}
}

func TestRepository_TransactRollback(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			r := open(t)
			defer r.Close()

			src := &models.Source{Url: "https://src.example/b"}
			if _, err := AddSource(r, src); err != nil {
				t.Fatalf("unexpected error: %s", err)
			}

			failure := errors.New("alerting failed")
			err := r.Transact(func(tx Tx) error {
				d := &models.Destination{SourceID: src.ID, Url: "https://scam.example", NormalizedUrl: "scam.example/", IsScam: true}
				if err := tx.InsertDestination(d); err != nil {
					return err
				}
				if err := tx.InsertTakedownStatus(&models.TakedownStatus{DestinationID: d.ID, CheckActive: true}); err != nil {
					return err
				}
				return failure
			})
			if err != failure {
				t.Fatalf("expected the callback error, but got %v", err)
			}

			active, err := r.ActiveDestinations()
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if len(active) != 0 {
				t.Fatalf("expected rollback to leave no takedown status, but got %d", len(active))
			}
			err = r.Transact(func(tx Tx) error {
				d, err := tx.MatchDestination(src.ID, "scam.example/")
				if err != nil {
					return err
				}
				if d != nil {
					return fmt.Errorf("expected no destination after rollback, but got %+v", d)
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestRepository_Flags(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			r := open(t)
			defer r.Close()

			src := &models.Source{Url: "https://src.example/c"}
			if _, err := AddSource(r, src); err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			now := time.Now().UTC().Truncate(time.Second)
			d, err := insertScamDestination(r, src, "https://scam.example/c", now)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}

			set, err := r.FlagDestination(d.ID, models.Netcraft, now)
			if err != nil || !set {
				t.Fatalf("expected first flag to be set, but got %t (%v)", set, err)
			}
			set, err = r.FlagDestination(d.ID, models.Netcraft, now.Add(time.Hour))
			if err != nil || set {
				t.Fatalf("expected second flag to be ignored, but got %t (%v)", set, err)
			}
			if _, err := r.FlagDestination(d.ID, models.Service("bing"), now); err == nil {
				t.Fatalf("expected error for unknown service")
			}
			if err := r.TouchChecked(d.ID, now); err != nil {
				t.Fatalf("unexpected error: %s", err)
			}

			active, err := r.ActiveDestinations()
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if len(active) != 1 {
				t.Fatalf("expected %d active destination, but got %d", 1, len(active))
			}
			st := active[0].Status
			if st.NetcraftFlaggedAt == nil || !st.NetcraftFlaggedAt.Equal(now) {
				t.Fatalf("expected netcraft flag at %s, but got %v", now, st.NetcraftFlaggedAt)
			}
			if st.SafebrowsingFlaggedAt != nil || st.SmartscreenFlaggedAt != nil {
				t.Fatalf("expected other flags to be untouched, but got %+v", st)
			}
			if st.LastChecked == nil {
				t.Fatalf("expected last checked to be set")
			}

			marked, err := r.MarkUnresolvable(d.ID, now)
			if err != nil || !marked {
				t.Fatalf("expected destination to be marked unresolvable, but got %t (%v)", marked, err)
			}
			marked, err = r.MarkUnresolvable(d.ID, now.Add(time.Hour))
			if err != nil || marked {
				t.Fatalf("expected second mark to be ignored, but got %t (%v)", marked, err)
			}
			active, err = r.ActiveDestinations()
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if len(active) != 0 {
				t.Fatalf("expected no active destinations, but got %d", len(active))
			}
		})
	}
}

func TestRepository_DeleteSource(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			r := open(t)
			defer r.Close()

			keep := &models.Source{Url: "https://src.example/keep"}
			drop := &models.Source{Url: "https://src.example/drop"}
			for _, src := range []*models.Source{keep, drop} {
				if _, err := AddSource(r, src); err != nil {
					t.Fatalf("unexpected error: %s", err)
				}
			}
			old := time.Now().UTC().Add(-30 * 24 * time.Hour).Truncate(time.Second)
			if _, err := insertScamDestination(r, keep, "https://scam.example/keep", old); err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if _, err := insertScamDestination(r, drop, "https://scam.example/drop", old); err != nil {
				t.Fatalf("unexpected error: %s", err)
			}

			last, err := r.LastScamActivity(drop.ID)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if !last.Equal(old) {
				t.Fatalf("expected last activity %s, but got %s", old, last)
			}

			if err := r.DeleteSource(drop.ID); err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			sources, err := r.Sources()
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if len(sources) != 1 || sources[0].ID != keep.ID {
				t.Fatalf("expected only the kept source, but got %v", sources)
			}
			active, err := r.ActiveDestinations()
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if len(active) != 1 || active[0].SourceID != keep.ID {
				t.Fatalf("expected takedown statuses of the deleted source to be gone, but got %d", len(active))
			}

			last, err = r.LastScamActivity(drop.ID)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if !last.IsZero() {
				t.Fatalf("expected no activity, but got %s", last)
			}
		})
	}
}

func TestRepository_Detections(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			r := open(t)
			defer r.Close()

			now := time.Now().UTC().Truncate(time.Second)
			det := &models.Detection{
				HuntType:      "search-ads",
				InitialUrl:    "https://ad.example/click",
				FinalUrl:      "https://scam.example/x?gclid=1",
				NormalizedUrl: NormalizeUrl("https://scam.example/x?gclid=1"),
				RedirectPath:  []string{"https://ad.example/click", "https://scam.example/x?gclid=1"},
				Signals:       models.Signals{Fullscreen: true},
				FirstSeen:     now,
				LastSeen:      now,
			}
			err := r.Transact(func(tx Tx) error {
				return tx.InsertDetection(det)
			})
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}

			err = r.Transact(func(tx Tx) error {
				match, err := tx.MatchDetection("search-ads", NormalizeUrl("https://scam.example/x?gclid=2"))
				if err != nil {
					return err
				}
				if match == nil || match.ID != det.ID {
					return fmt.Errorf("expected detection %d to match, but got %+v", det.ID, match)
				}
				if !match.Signals.Fullscreen || len(match.RedirectPath) != 2 {
					return fmt.Errorf("expected stored signals and path, but got %+v", match)
				}
				other, err := tx.MatchDetection("typosquat", match.NormalizedUrl)
				if err != nil {
					return err
				}
				if other != nil {
					return fmt.Errorf("expected no match across hunt types, but got %+v", other)
				}
				match.IsScam = true
				if err := tx.UpdateDetection(match); err != nil {
					return err
				}
				return tx.InsertStatusChange(&models.DetectionStatusChange{
					DetectionID:    match.ID,
					PreviousStatus: false,
					NewStatus:      true,
					Reason:         "reclassified",
					Timestamp:      now,
				})
			})
			if err != nil {
				t.Fatal(err)
			}
		})
	}
}

func openStore(t *testing.T) *Store {
	tst.SkipWithoutDB(t)
	conf := Config{
		User:     envOr("CLOAKWATCH_TEST_DB_USER", "postgres"),
		Password: envOr("CLOAKWATCH_TEST_DB_PASSWORD", "postgres"),
		DBName:   envOr("CLOAKWATCH_TEST_DB_NAME", "cloakwatch"),
		Host:     os.Getenv(tst.DBHostEnv),
		Port:     5432,
	}
	if p, err := strconv.Atoi(os.Getenv(tst.DBPortEnv)); err == nil {
		conf.Port = p
	}

	g, err := conf.Open()
	if err != nil {
		t.Fatalf("failed to open gorm database: %s", err)
	}
	if err := tst.ResetDb(g); err != nil {
		t.Fatalf("failed to reset database: %s", err)
	}

	s, err := NewStore(conf, DefaultOpts)
	if err != nil {
		t.Fatalf("failed to open store: %s", err)
	}
	return s
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func TestRepository_ConcurrentMatch(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			r := open(t)
			defer r.Close()

			src := &models.Source{Url: "https://src.example/race"}
			if _, err := AddSource(r, src); err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			rawUrl := "https://scam.example/race"
			normalized := NormalizeUrl(rawUrl)

			// match-or-insert, waiting between the miss and the insert
			record := func(matched chan<- struct{}, hold time.Duration) (bool, error) {
				inserted := false
				err := r.Transact(func(tx Tx) error {
					d, err := tx.MatchDestination(src.ID, normalized)
					if err != nil {
						return err
					}
					if matched != nil {
						close(matched)
					}
					if d != nil {
						return tx.TouchDestination(d, time.Now())
					}
					time.Sleep(hold)
					inserted = true
					return tx.InsertDestination(&models.Destination{
						SourceID:      src.ID,
						Url:           rawUrl,
						NormalizedUrl: normalized,
						IsScam:        true,
					})
				})
				return inserted, err
			}

			type result struct {
				inserted bool
				err      error
			}
			matched := make(chan struct{})
			first := make(chan result, 1)
			go func() {
				inserted, err := record(matched, 200*time.Millisecond)
				first <- result{inserted, err}
			}()

			<-matched
			second, err := record(nil, 0)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			res := <-first
			if res.err != nil {
				t.Fatalf("unexpected error: %s", res.err)
			}
			if !res.inserted || second {
				t.Fatalf("expected only the first transaction to insert, but got %t and %t", res.inserted, second)
			}
		})
	}
}
