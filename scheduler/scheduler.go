package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aau-network-security/cloakwatch/app"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type TaskFunc func(ctx context.Context) error

// Loop runs a task at a fixed interval. Every tick starts the task without waiting
// for earlier runs, unless NoOverlap is set, in which case a tick is skipped while a
// run is still in flight.
type Loop struct {
	Name      string
	Interval  time.Duration
	Task      TaskFunc
	NoOverlap bool

	running int32
	skipped int32
}

// Skipped returns the number of ticks dropped because of an in-flight run
func (l *Loop) Skipped() int {
	return int(atomic.LoadInt32(&l.skipped))
}

func (l *Loop) tick(ctx context.Context, wg *sync.WaitGroup, el app.ErrLogger) {
	if l.NoOverlap && !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		atomic.AddInt32(&l.skipped, 1)
		log.Debug().Msgf("%s: previous run still in progress, skipping tick", l.Name)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if l.NoOverlap {
			defer atomic.StoreInt32(&l.running, 0)
		}
		defer func() {
			if r := recover(); r != nil {
				el.Log(errors.Errorf("panic: %v", r), app.LogOptions{Msg: "scheduled task"}.WithTag("loop", l.Name))
			}
		}()

		start := time.Now()
		if err := l.Task(ctx); err != nil {
			el.Log(err, app.LogOptions{Msg: "scheduled task"}.WithTag("loop", l.Name))
			return
		}
		log.Debug().Msgf("%s: finished in %s", l.Name, time.Since(start))
	}()
}

// Run ticks until the context is done. The first tick happens immediately.
func (l *Loop) Run(ctx context.Context, wg *sync.WaitGroup, el app.ErrLogger) {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	l.tick(ctx, wg, el)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			log.Debug().Msgf("%s: tick at %s, next at %s", l.Name, t.Format(time.RFC3339), t.Add(l.Interval).Format(time.RFC3339))
			l.tick(ctx, wg, el)
		}
	}
}

// Drainer is flushed one last time when the scheduler stops
type Drainer interface {
	Shutdown(ctx context.Context) error
}

type Scheduler struct {
	loops     []*Loop
	drainer   Drainer
	errLogger app.ErrLogger

	m       sync.Mutex
	cancel  context.CancelFunc
	loopsWg sync.WaitGroup
	tasksWg sync.WaitGroup
}

func New(el app.ErrLogger, drainer Drainer, loops ...*Loop) *Scheduler {
	if el == nil {
		el = app.NewZeroLogger(nil, zerolog.ErrorLevel)
	}
	return &Scheduler{
		loops:     loops,
		drainer:   drainer,
		errLogger: el,
	}
}

var (
	AlreadyStartedErr = errors.New("scheduler is already started")
	NotStartedErr     = errors.New("scheduler is not started")
)

// Start launches every loop with a positive interval
func (s *Scheduler) Start(ctx context.Context) error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.cancel != nil {
		return AlreadyStartedErr
	}
	ctx, s.cancel = context.WithCancel(ctx)

	for _, l := range s.loops {
		if l.Interval <= 0 {
			log.Info().Msgf("%s: disabled", l.Name)
			continue
		}
		log.Info().Msgf("%s: every %s", l.Name, l.Interval)
		s.loopsWg.Add(1)
		go func(l *Loop) {
			defer s.loopsWg.Done()
			l.Run(ctx, &s.tasksWg, s.errLogger)
		}(l)
	}
	return nil
}

// Stop ends all loops, waits for in-flight tasks and drains the report queue.
// The context bounds the whole shutdown. When it carries a deadline, in-flight tasks get
// half of the remaining time so the drain is never started with an expired context.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.cancel == nil {
		return NotStartedErr
	}
	s.cancel()
	s.loopsWg.Wait()

	taskCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithDeadline(ctx, time.Now().Add(time.Until(deadline)/2))
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		s.tasksWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-taskCtx.Done():
		log.Warn().Msg("in-flight tasks did not finish before shutdown deadline")
	}

	if s.drainer == nil {
		return nil
	}
	if err := s.drainer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "drain report queue")
	}
	return nil
}
