package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/aau-network-security/cloakwatch/app"
	"github.com/aau-network-security/cloakwatch/discovery"
	"github.com/aau-network-security/cloakwatch/metrics"
	"github.com/aau-network-security/cloakwatch/resolver"
	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/aau-network-security/cloakwatch/verify"
	"github.com/dlclark/regexp2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var (
	DefaultOpts = Opts{
		Threshold:   0.7,
		Concurrency: 5,
		PruneWindow: 14 * 24 * time.Hour,
		Timeout:     60 * time.Second,
	}
)

type Opts struct {
	Threshold   float64       // minimum classifier confidence for a scam verdict
	Concurrency int           // sources re-checked at the same time
	PruneWindow time.Duration // sources without scam activity for this long are pruned
	Timeout     time.Duration // per source
}

type Repository interface {
	Sources() ([]*models.Source, error)
	DeleteSource(id uint) error
	LastScamActivity(sourceID uint) (time.Time, error)
}

type Resolver interface {
	Resolve(ctx context.Context, t resolver.Type, src string) (string, error)
}

type Verifier interface {
	Verify(ctx context.Context, url string, threshold float64) (*verify.Result, error)
}

type Recorder interface {
	RecordDestination(ctx context.Context, obs discovery.Observation) (*models.Destination, bool, error)
}

type DNS interface {
	ResolvableUrl(ctx context.Context, url string) (bool, error)
}

type InvalidRegexErr struct {
	Pattern string
	Err     error
}

func (err InvalidRegexErr) Error() string {
	return "invalid source pattern " + err.Pattern + ": " + err.Err.Error()
}

// Monitor periodically follows every registered source and records where it leads
type Monitor struct {
	repo      Repository
	resolver  Resolver
	verifier  Verifier
	recorder  Recorder
	dns       DNS
	opts      Opts
	errLogger app.ErrLogger
	metrics   metrics.Recorder
	now       func() time.Time
}

type MonitorOpt func(*Monitor)

func WithErrLogger(el app.ErrLogger) MonitorOpt {
	return func(m *Monitor) {
		m.errLogger = el
	}
}

func WithMetrics(mr metrics.Recorder) MonitorOpt {
	return func(m *Monitor) {
		m.metrics = mr
	}
}

func New(repo Repository, r Resolver, v Verifier, rec Recorder, dns DNS, opts Opts, mopts ...MonitorOpt) *Monitor {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultOpts.Threshold
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultOpts.Concurrency
	}
	if opts.PruneWindow <= 0 {
		opts.PruneWindow = DefaultOpts.PruneWindow
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOpts.Timeout
	}
	m := &Monitor{
		repo:      repo,
		resolver:  r,
		verifier:  v,
		recorder:  rec,
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

type RecheckResult struct {
	Checked  int
	New      int
	Failures int
}

// Recheck follows every source once. A failing source is logged and counted, it
// never aborts the others.
func (m *Monitor) Recheck(ctx context.Context) (RecheckResult, error) {
	var res RecheckResult
	sources, err := m.repo.Sources()
	if err != nil {
		return res, errors.Wrap(err, "list sources")
	}
	log.Debug().Msgf("re-checking %d sources", len(sources))

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(int64(m.opts.Concurrency))
	)
	for _, src := range sources {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(src *models.Source) {
			defer sem.Release(1)
			defer wg.Done()

			sctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
			defer cancel()
			isNew, err := m.recheckSource(sctx, src)

			mu.Lock()
			defer mu.Unlock()
			res.Checked++
			if err != nil {
				res.Failures++
				m.metrics.Hit("failed", "recheck", 1)
				m.errLogger.Log(err, app.LogOptions{Msg: "re-check source"}.WithTag("source", src.Url))
				return
			}
			if isNew {
				res.New++
			}
		}(src)
	}
	wg.Wait()

	log.Info().
		Int("checked", res.Checked).
		Int("new", res.New).
		Int("failures", res.Failures).
		Msg("source re-check done")
	return res, ctx.Err()
}

func (m *Monitor) recheckSource(ctx context.Context, src *models.Source) (bool, error) {
	t, err := resolver.ParseType(src.ResolutionType)
	if err != nil {
		return false, err
	}
	dest, err := m.resolver.Resolve(ctx, t, src.Url)
	if err != nil {
		return false, errors.Wrapf(err, "resolve %s", src.Url)
	}
	if dest == "" {
		log.Debug().Msgf("%s did not redirect", src.Url)
		return false, nil
	}

	var obs discovery.Observation
	if src.RegexPattern != "" {
		obs, err = matchPattern(src, dest)
	} else {
		obs, err = m.verifyDestination(ctx, src, dest)
	}
	if err != nil {
		return false, err
	}

	_, isNew, err := m.recorder.RecordDestination(ctx, obs)
	return isNew, err
}

// legacy sources decide by pattern instead of by classifier
func matchPattern(src *models.Source, dest string) (discovery.Observation, error) {
	re, err := regexp2.Compile(src.RegexPattern, regexp2.None)
	if err != nil {
		return discovery.Observation{}, InvalidRegexErr{Pattern: src.RegexPattern, Err: err}
	}
	re.MatchTimeout = time.Second
	matched, err := re.MatchString(dest)
	if err != nil {
		return discovery.Observation{}, errors.Wrap(err, "match source pattern")
	}
	obs := discovery.Observation{
		SourceID:     src.ID,
		InitialUrl:   src.Url,
		FinalUrl:     dest,
		RedirectPath: []string{src.Url, dest},
		IsScam:       matched,
	}
	if matched {
		obs.Confidence = 1
	}
	return obs, nil
}

func (m *Monitor) verifyDestination(ctx context.Context, src *models.Source, dest string) (discovery.Observation, error) {
	res, err := m.verifier.Verify(ctx, dest, m.opts.Threshold)
	if err != nil {
		return discovery.Observation{}, err
	}
	path := []string{src.Url}
	for _, hop := range res.RedirectPath {
		if hop != path[len(path)-1] {
			path = append(path, hop)
		}
	}
	if res.FinalUrl != path[len(path)-1] {
		path = append(path, res.FinalUrl)
	}
	return discovery.Observation{
		SourceID:     src.ID,
		InitialUrl:   src.Url,
		FinalUrl:     res.FinalUrl,
		RedirectPath: path,
		IsScam:       res.IsScam(),
		Confidence:   res.Verdict.Confidence,
		Signals:      res.Signals,
	}, nil
}

// Prune deletes sources whose host no longer exists and sources that have not led to a
// scam within the prune window. Sources younger than the window are kept.
func (m *Monitor) Prune(ctx context.Context) (int, error) {
	sources, err := m.repo.Sources()
	if err != nil {
		return 0, errors.Wrap(err, "list sources")
	}

	pruned := 0
	cutoff := m.now().Add(-m.opts.PruneWindow)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		reason, err := m.pruneReason(ctx, src, cutoff)
		if err != nil {
			m.errLogger.Log(err, app.LogOptions{Msg: "prune source"}.WithTag("source", src.Url))
			continue
		}
		if reason == "" {
			continue
		}
		if err := m.repo.DeleteSource(src.ID); err != nil {
			m.errLogger.Log(err, app.LogOptions{Msg: "delete source"}.WithTag("source", src.Url))
			continue
		}
		pruned++
		m.metrics.Hit("pruned", reason, 1)
		log.Info().Str("source", src.Url).Str("reason", reason).Msg("pruned source")
	}
	return pruned, nil
}

func (m *Monitor) pruneReason(ctx context.Context, src *models.Source, cutoff time.Time) (string, error) {
	if m.dns != nil {
		ok, err := m.dns.ResolvableUrl(ctx, src.Url)
		if err != nil {
			log.Debug().Msgf("dns check of source %s: %s", src.Url, err)
		} else if !ok {
			return "nxdomain", nil
		}
	}
	if src.CreatedAt.After(cutoff) {
		return "", nil
	}
	last, err := m.repo.LastScamActivity(src.ID)
	if err != nil {
		return "", err
	}
	if last.Before(cutoff) {
		return "inactive", nil
	}
	return "", nil
}
