package takedown

import (
	"context"
	"sync"
	"time"

	"github.com/aau-network-security/cloakwatch/app"
	"github.com/aau-network-security/cloakwatch/metrics"
	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

type Repository interface {
	ActiveDestinations() ([]*models.MonitoredDestination, error)
	FlagDestination(destID uint, svc models.Service, t time.Time) (bool, error)
	MarkUnresolvable(destID uint, t time.Time) (bool, error)
	TouchChecked(destID uint, t time.Time) error
}

type Lookuper interface {
	Lookup(ctx context.Context, urls []string) (map[string]bool, error)
}

// Checker decides on a single url whether the service flags it
type Checker interface {
	Check(ctx context.Context, url string) (bool, error)
}

type Resolver interface {
	ResolvableUrl(ctx context.Context, url string) (bool, error)
}

type resetter interface {
	Reset()
}

// Flagger receives destinations flagged during a sweep
type Flagger interface {
	Flagged(url string, svc models.Service)
}

type Monitor struct {
	repo         Repository
	safebrowsing Lookuper
	checkers     map[models.Service]Checker
	dns          Resolver
	opts         Opts
	errLogger    app.ErrLogger
	metrics      metrics.Recorder
	flagger      Flagger
	now          func() time.Time
}

type MonitorOpt func(*Monitor)

func WithMetrics(m metrics.Recorder) MonitorOpt {
	return func(mon *Monitor) {
		mon.metrics = m
	}
}

func WithErrLogger(el app.ErrLogger) MonitorOpt {
	return func(mon *Monitor) {
		mon.errLogger = el
	}
}

func WithFlagger(f Flagger) MonitorOpt {
	return func(mon *Monitor) {
		mon.flagger = f
	}
}

func NewMonitor(repo Repository, sb Lookuper, netcraft Checker, smartscreen Checker, dns Resolver, opts Opts, mopts ...MonitorOpt) *Monitor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultOpts.Concurrency
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultOpts.CheckTimeout
	}
	m := &Monitor{
		repo:         repo,
		safebrowsing: sb,
		checkers: map[models.Service]Checker{
			models.Netcraft:    netcraft,
			models.SmartScreen: smartscreen,
		},
		dns:       dns,
		opts:      opts,
		errLogger: app.NewZeroLogger(nil, zerolog.ErrorLevel),
		metrics:   metrics.Disabled(),
		now:       time.Now,
	}
	for _, opt := range mopts {
		opt(m)
	}
	return m
}

// SweepResult summarises the transitions of a single sweep
type SweepResult struct {
	Checked      int
	Flagged      map[models.Service]int
	Unresolvable int
	Failures     int
}

type sweepCounter struct {
	sync.Mutex
	res SweepResult
}

func (c *sweepCounter) flagged(svc models.Service) {
	c.Lock()
	defer c.Unlock()
	c.res.Flagged[svc]++
}

func (c *sweepCounter) failure() {
	c.Lock()
	defer c.Unlock()
	c.res.Failures++
}

func (c *sweepCounter) unresolvable() {
	c.Lock()
	defer c.Unlock()
	c.res.Unresolvable++
}

func (c *sweepCounter) checked() {
	c.Lock()
	defer c.Unlock()
	c.res.Checked++
}

// Sweep advances the takedown state of every actively checked destination.
// External failures are logged and count as not flagged. Only a persistence failure
// while listing destinations aborts the sweep.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	cnt := &sweepCounter{res: SweepResult{Flagged: make(map[models.Service]int)}}

	dests, err := m.repo.ActiveDestinations()
	if err != nil {
		return cnt.res, errors.Wrap(err, "list active destinations")
	}
	log.Debug().Msgf("sweeping %d destinations", len(dests))
	m.metrics.Gauge("takedown-active", float64(len(dests)))

	for _, c := range m.checkers {
		if r, ok := c.(resetter); ok {
			r.Reset()
		}
	}

	m.sweepSafeBrowsing(ctx, dests, cnt)

	sem := semaphore.NewWeighted(int64(m.opts.Concurrency))
	wg := sync.WaitGroup{}
	for _, d := range dests {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(d *models.MonitoredDestination) {
			defer sem.Release(1)
			defer wg.Done()
			m.checkDestination(ctx, d, cnt)
		}(d)
	}
	wg.Wait()

	log.Info().
		Int("checked", cnt.res.Checked).
		Int("unresolvable", cnt.res.Unresolvable).
		Int("failures", cnt.res.Failures).
		Msg("takedown sweep done")
	return cnt.res, ctx.Err()
}

func (m *Monitor) sweepSafeBrowsing(ctx context.Context, dests []*models.MonitoredDestination, cnt *sweepCounter) {
	if m.safebrowsing == nil {
		return
	}
	byUrl := make(map[string][]*models.MonitoredDestination)
	var urls []string
	for _, d := range dests {
		if d.Status.SafebrowsingFlaggedAt != nil {
			continue
		}
		if _, ok := byUrl[d.Url]; !ok {
			urls = append(urls, d.Url)
		}
		byUrl[d.Url] = append(byUrl[d.Url], d)
	}
	if len(urls) == 0 {
		return
	}

	flagged, err := m.safebrowsing.Lookup(ctx, urls)
	if err != nil {
		cnt.failure()
		m.errLogger.Log(err, app.LogOptions{Msg: "safebrowsing lookup"})
	}
	for u := range flagged {
		for _, d := range byUrl[u] {
			m.flag(d, models.SafeBrowsing, cnt)
		}
	}
}

func (m *Monitor) flag(d *models.MonitoredDestination, svc models.Service, cnt *sweepCounter) {
	now := m.now()
	set, err := m.repo.FlagDestination(d.ID, svc, now)
	if err != nil {
		cnt.failure()
		m.errLogger.Log(err, app.LogOptions{Msg: "flag destination"}.WithTag("service", string(svc)))
		return
	}
	if !set {
		return
	}
	d.Status.SetFlaggedAt(svc, now)
	cnt.flagged(svc)
	m.metrics.Hit("flagged", string(svc), 1)
	log.Info().Str("url", d.Url).Str("service", string(svc)).Msg("destination flagged")
	if m.flagger != nil {
		m.flagger.Flagged(d.Url, svc)
	}
}

// checkDestination runs the per destination checks. An NXDOMAIN answer ends monitoring
// of the destination and skips the remaining checks. The other services are checked
// concurrently and independently of each other.
func (m *Monitor) checkDestination(ctx context.Context, d *models.MonitoredDestination, cnt *sweepCounter) {
	defer func() {
		cnt.checked()
		if err := m.repo.TouchChecked(d.ID, m.now()); err != nil {
			m.errLogger.Log(err, app.LogOptions{Msg: "touch checked"})
		}
	}()

	if m.dns != nil {
		dctx, cancel := context.WithTimeout(ctx, m.opts.CheckTimeout)
		ok, err := m.dns.ResolvableUrl(dctx, d.Url)
		cancel()
		switch {
		case err != nil:
			// transient, treated as resolvable until the next sweep
			log.Debug().Msgf("dns check of %s: %s", d.Url, err)
		case !ok:
			set, err := m.repo.MarkUnresolvable(d.ID, m.now())
			if err != nil {
				cnt.failure()
				m.errLogger.Log(err, app.LogOptions{Msg: "mark unresolvable"})
				return
			}
			if set {
				cnt.unresolvable()
				m.metrics.Hit("unresolvable", "dns", 1)
				log.Info().Str("url", d.Url).Msg("destination no longer resolves")
			}
			return
		}
	}

	wg := sync.WaitGroup{}
	for svc, c := range m.checkers {
		if c == nil || d.Status.FlaggedAt(svc) != nil {
			continue
		}
		wg.Add(1)
		go func(svc models.Service, c Checker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.opts.CheckTimeout)
			defer cancel()
			flagged, err := c.Check(cctx, d.Url)
			if err != nil {
				cnt.failure()
				log.Debug().Msgf("%s check of %s: %s", svc, d.Url, err)
				return
			}
			if flagged {
				m.flag(d, svc, cnt)
			}
		}(svc, c)
	}
	wg.Wait()
}
