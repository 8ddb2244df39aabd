package report

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aau-network-security/cloakwatch/app"
	"github.com/aau-network-security/cloakwatch/metrics"
	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	ClosedErr = errors.New("report queue is shut down")
)

type UnknownServiceErr struct {
	Name string
}

func (err UnknownServiceErr) Error() string {
	return "unknown report service: " + err.Name
}

// Service is a downstream service with its own pending set
type Service struct {
	Name      string
	Submitter Submitter
	Cap       int     // urls per interval, 0 is unlimited
	Rate      float64 // submissions per second, 0 is unlimited
}

type service struct {
	Service
	limiter  *rate.Limiter
	pending  map[string]struct{}
	draining bool
}

// take removes up to cap urls from the pending set, in lexical order
func (s *service) take() ([]string, int) {
	urls := make([]string, 0, len(s.pending))
	for u := range s.pending {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	if s.Cap > 0 && len(urls) > s.Cap {
		urls = urls[:s.Cap]
	}
	for _, u := range urls {
		delete(s.pending, u)
	}
	return urls, len(s.pending)
}

type Queue struct {
	m        sync.Mutex
	services map[string]*service
	names    []string
	interval time.Duration
	closed   bool
	stopping chan struct{}
	drains   sync.WaitGroup

	errLogger app.ErrLogger
	metrics   metrics.Recorder
}

type QueueOpt func(*Queue)

func WithMetrics(m metrics.Recorder) QueueOpt {
	return func(q *Queue) {
		q.metrics = m
	}
}

func WithErrLogger(el app.ErrLogger) QueueOpt {
	return func(q *Queue) {
		q.errLogger = el
	}
}

func NewQueue(interval time.Duration, services []Service, opts ...QueueOpt) *Queue {
	q := &Queue{
		services:  make(map[string]*service),
		interval:  interval,
		stopping:  make(chan struct{}),
		errLogger: app.NewZeroLogger(nil, zerolog.ErrorLevel),
		metrics:   metrics.Disabled(),
	}
	for _, s := range services {
		var limiter *rate.Limiter
		if s.Rate > 0 {
			limiter = rate.NewLimiter(rate.Limit(s.Rate), 1)
		}
		q.services[s.Name] = &service{
			Service: s,
			limiter: limiter,
			pending: make(map[string]struct{}),
		}
		q.names = append(q.names, s.Name)
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// New creates a queue from configuration
func New(conf Config, opts ...QueueOpt) (*Queue, error) {
	var services []Service
	for _, sc := range conf.Services {
		sub, err := NewSubmitter(sc)
		if err != nil {
			return nil, err
		}
		if sc.Kind == KindNetcraft && sc.Cap == 0 {
			sc.Cap = DefaultNetcraftCap
		}
		services = append(services, Service{
			Name:      sc.Name,
			Submitter: sub,
			Cap:       sc.Cap,
			Rate:      sc.Rate,
		})
	}
	return NewQueue(time.Duration(conf.Interval)*time.Second, services, opts...), nil
}

// Add queues the url for every service. Adding a queued url is a no-op.
func (q *Queue) Add(url string) {
	q.m.Lock()
	defer q.m.Unlock()
	if q.closed {
		log.Warn().Str("url", url).Msg("report queue is shut down, dropping url")
		return
	}
	for _, s := range q.services {
		s.pending[url] = struct{}{}
	}
}

// AddTo queues the url for a single service
func (q *Queue) AddTo(name string, url string) error {
	q.m.Lock()
	defer q.m.Unlock()
	if q.closed {
		return ClosedErr
	}
	s, ok := q.services[name]
	if !ok {
		return UnknownServiceErr{Name: name}
	}
	s.pending[url] = struct{}{}
	return nil
}

// Remove drops a pending url from a service, unknown services are ignored
func (q *Queue) Remove(name string, url string) {
	q.m.Lock()
	defer q.m.Unlock()
	if s, ok := q.services[name]; ok {
		delete(s.pending, url)
	}
}

// Flagged drops urls a service already flags from that service's queue
func (q *Queue) Flagged(url string, svc models.Service) {
	q.Remove(string(svc), url)
}

// Len returns the number of pending urls of a service
func (q *Queue) Len(name string) int {
	q.m.Lock()
	defer q.m.Unlock()
	if s, ok := q.services[name]; ok {
		return len(s.pending)
	}
	return 0
}

// Flush drains every service independently and waits for all of them. A capped
// service submits one chunk and keeps draining in the background, pausing a full
// interval between chunks. Services still draining from an earlier flush are skipped.
func (q *Queue) Flush(ctx context.Context) error {
	q.m.Lock()
	if q.closed {
		q.m.Unlock()
		return ClosedErr
	}
	var started []*service
	for _, name := range q.names {
		s := q.services[name]
		if s.draining || len(s.pending) == 0 {
			continue
		}
		s.draining = true
		started = append(started, s)
	}
	q.m.Unlock()

	wg := sync.WaitGroup{}
	for _, s := range started {
		wg.Add(1)
		q.drains.Add(1)
		go func(s *service) {
			defer wg.Done()
			if !q.drainChunk(ctx, s) {
				q.finish(s)
				return
			}
			go q.continueDrain(ctx, s)
		}(s)
	}
	wg.Wait()
	return nil
}

// drainChunk submits the next chunk of the service and returns whether the
// service must pause before submitting more
func (q *Queue) drainChunk(ctx context.Context, s *service) bool {
	q.m.Lock()
	batch, remaining := s.take()
	q.m.Unlock()
	q.metrics.Gauge("report-queue-"+s.Name, float64(remaining))
	if len(batch) == 0 {
		return false
	}
	q.submit(ctx, s, batch)
	return remaining > 0 && s.Cap > 0
}

func (q *Queue) continueDrain(ctx context.Context, s *service) {
	defer q.finish(s)
	for {
		log.Debug().Msgf("%s: cap reached, pausing for %s", s.Name, q.interval)
		select {
		case <-time.After(q.interval):
		case <-q.stopping:
			return
		case <-ctx.Done():
			return
		}
		if !q.drainChunk(ctx, s) {
			return
		}
	}
}

func (q *Queue) finish(s *service) {
	q.m.Lock()
	s.draining = false
	q.m.Unlock()
	q.drains.Done()
}

// submit hands the batch to the service. The urls are gone from the queue whatever the outcome.
func (q *Queue) submit(ctx context.Context, s *service, batch []string) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			q.metrics.Hit("failed", s.Name, len(batch))
			q.errLogger.Log(errors.Wrap(err, "wait for rate limit"), app.LogOptions{Msg: "report"}.WithTag("service", s.Name))
			return
		}
	}
	if err := s.Submitter.Submit(ctx, batch); err != nil {
		q.metrics.Hit("failed", s.Name, len(batch))
		q.errLogger.Log(err, app.LogOptions{Msg: "report"}.WithTag("service", s.Name))
		return
	}
	q.metrics.Hit("submitted", s.Name, len(batch))
	log.Info().Str("service", s.Name).Int("urls", len(batch)).Msg("reported urls")
}

// Shutdown stops pending pauses, waits for in-flight drains and runs a final flush.
// The final flush honors per interval caps, urls beyond a cap are dropped.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.m.Lock()
	if q.closed {
		q.m.Unlock()
		return ClosedErr
	}
	close(q.stopping)
	q.m.Unlock()

	done := make(chan struct{})
	go func() {
		q.drains.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for report drains")
	}

	if err := q.Flush(ctx); err != nil {
		return err
	}
	q.drains.Wait()

	q.m.Lock()
	defer q.m.Unlock()
	q.closed = true
	for _, name := range q.names {
		if n := len(q.services[name].pending); n > 0 {
			log.Warn().Str("service", name).Int("urls", n).Msg("dropping urls beyond the submission cap")
		}
	}
	return nil
}
