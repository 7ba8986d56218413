package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mailvec/stats"
)

type StageFunc func(context.Context) error

// Runner runs pipeline stages as goroutines under one cancellable context.
// The first stage error cancels every other stage.
type Runner struct {
	name   string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	subMu       sync.Mutex
	subscribers []chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

func New(parent context.Context, name string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		name:   name,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		since:  time.Now(),
	}
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

// EmitEvent delivers evt to every subscriber. Events emitted after
// cancellation are dropped.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.Lock()
	subs := r.subscribers
	r.subMu.Unlock()

	for _, ch := range subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats registers fn as an event consumer. Subscribers must be
// registered before the first stage is added.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				r.fail(err)
				return
			}
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Wait blocks until every stage has returned, then drains the stats
// subscribers. It returns the first stage error, or the parent's
// cancellation cause.
func (r *Runner) Wait() error {
	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	err := r.Err()
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "pipeline", r.name, "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "pipeline", r.name, "duration", duration)
	return nil
}

func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
