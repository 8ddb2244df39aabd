package hunt

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aau-network-security/cloakwatch/app"
	"github.com/aau-network-security/cloakwatch/discovery"
	"github.com/aau-network-security/cloakwatch/metrics"
	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/aau-network-security/cloakwatch/verify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var (
	DefaultOpts = Opts{
		Threshold:   0.98,
		Concurrency: 10,
		Timeout:     60 * time.Second,
	}
)

type Opts struct {
	Threshold   float64
	Concurrency int
	Timeout     time.Duration // per candidate
}

type Config struct {
	Interval    int             `yaml:"interval"` // seconds, 0 disables hunting
	Threshold   float64         `yaml:"threshold"`
	Concurrency int             `yaml:"concurrency"`
	Typosquat   TyposquatConfig `yaml:"typosquat"`
	Lists       []ListConfig    `yaml:"lists"`
}

func (c *Config) IsValid() error {
	ce := app.NewConfigErr()
	if c.Interval < 0 {
		ce.Add("hunt interval cannot be negative")
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		ce.Add("hunt threshold must be within [0, 1]")
	}
	for _, l := range c.Lists {
		if l.Location == "" {
			ce.Add("hunt list " + l.Name + " requires a location")
		}
	}
	if ce.IsError() {
		return &ce
	}
	return nil
}

// Feeds creates the configured candidate feeds
func (c *Config) Feeds(dns Resolver) ([]Feed, error) {
	var feeds []Feed
	if len(c.Typosquat.Brands) > 0 {
		feeds = append(feeds, NewTyposquatFeed(c.Typosquat, dns, c.Concurrency))
	}
	client := &http.Client{Timeout: 5 * time.Minute}
	for _, l := range c.Lists {
		sf, err := NewStaticFeed(l, client)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, sf)
	}
	return feeds, nil
}

// Feed yields candidate urls of a single hunt type
type Feed interface {
	Name() string
	Candidates(ctx context.Context) ([]string, error)
}

type Verifier interface {
	Verify(ctx context.Context, url string, threshold float64) (*verify.Result, error)
}

type Recorder interface {
	RecordDetection(ctx context.Context, obs discovery.Observation) (*models.Detection, bool, error)
}

type Hunter struct {
	feeds     []Feed
	verifier  Verifier
	recorder  Recorder
	opts      Opts
	errLogger app.ErrLogger
	metrics   metrics.Recorder
}

type HunterOpt func(*Hunter)

func WithErrLogger(el app.ErrLogger) HunterOpt {
	return func(h *Hunter) {
		h.errLogger = el
	}
}

func WithMetrics(m metrics.Recorder) HunterOpt {
	return func(h *Hunter) {
		h.metrics = m
	}
}

func NewHunter(feeds []Feed, v Verifier, rec Recorder, opts Opts, hopts ...HunterOpt) *Hunter {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultOpts.Threshold
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultOpts.Concurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOpts.Timeout
	}
	h := &Hunter{
		feeds:     feeds,
		verifier:  v,
		recorder:  rec,
		opts:      opts,
		errLogger: app.NewZeroLogger(nil, zerolog.ErrorLevel),
		metrics:   metrics.Disabled(),
	}
	for _, opt := range hopts {
		opt(h)
	}
	return h
}

type RunResult struct {
	Candidates int
	Scams      int
	Failures   int
}

// Run verifies the candidates of every feed and records them as detections of the feed's
// hunt type. A failing feed or candidate is logged and skipped.
func (h *Hunter) Run(ctx context.Context) (RunResult, error) {
	var res RunResult
	for _, f := range h.feeds {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		candidates, err := f.Candidates(ctx)
		if err != nil {
			res.Failures++
			h.errLogger.Log(err, app.LogOptions{Msg: "hunt feed"}.WithTag("feed", f.Name()))
			continue
		}
		fr := h.hunt(ctx, f.Name(), candidates)
		res.Candidates += fr.Candidates
		res.Scams += fr.Scams
		res.Failures += fr.Failures
	}
	log.Info().
		Int("candidates", res.Candidates).
		Int("scams", res.Scams).
		Int("failures", res.Failures).
		Msg("hunt done")
	return res, ctx.Err()
}

func (h *Hunter) hunt(ctx context.Context, huntType string, candidates []string) RunResult {
	var (
		res RunResult
		m   sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(int64(h.opts.Concurrency))
	)
	for _, c := range candidates {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(c string) {
			defer sem.Release(1)
			defer wg.Done()

			cctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
			defer cancel()
			isScam, err := h.check(cctx, huntType, c)

			m.Lock()
			defer m.Unlock()
			res.Candidates++
			if err != nil {
				res.Failures++
				h.metrics.Hit("failed", huntType, 1)
				log.Debug().Msgf("hunt %s candidate %s: %s", huntType, c, err)
				return
			}
			if isScam {
				res.Scams++
			}
		}(c)
	}
	wg.Wait()
	return res
}

func (h *Hunter) check(ctx context.Context, huntType string, candidate string) (bool, error) {
	vr, err := h.verifier.Verify(ctx, candidate, h.opts.Threshold)
	if err != nil {
		return false, err
	}
	path := vr.RedirectPath
	if len(path) == 0 {
		path = []string{candidate, vr.FinalUrl}
	}
	_, _, err = h.recorder.RecordDetection(ctx, discovery.Observation{
		HuntType:     huntType,
		InitialUrl:   candidate,
		FinalUrl:     vr.FinalUrl,
		RedirectPath: path,
		IsScam:       vr.IsScam(),
		Confidence:   vr.Verdict.Confidence,
		Signals:      vr.Signals,
	})
	if err != nil {
		return false, errors.Wrap(err, "record detection")
	}
	return vr.IsScam(), nil
}
