// Package worker pulls deliveries from the broker and runs each one through
// the pipeline on its own goroutine, bounded by a fixed number of slots.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/sungwon/push-worker/internal/message"
	"github.com/sungwon/push-worker/internal/metrics"
	"github.com/sungwon/push-worker/internal/pipeline"
	"github.com/sungwon/push-worker/internal/queue"
)

// Processor runs one parsed notification to an outcome.
type Processor interface {
	Run(ctx context.Context, msg *message.Notification) pipeline.Outcome
}

// DeadLetterRouter publishes a failed notification to the dead-letter
// destination.
type DeadLetterRouter interface {
	Route(ctx context.Context, msg *message.Notification, reason string) error
}

// Config controls the consumption loop.
type Config struct {
	Concurrency     int           `mapstructure:"concurrency"`
	ProcessTimeout  time.Duration `mapstructure:"process_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ReceiveBackoff  time.Duration `mapstructure:"receive_backoff"`
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout"`
}

// DefaultConfig returns the default loop settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:     10,
		ProcessTimeout:  30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		ReceiveBackoff:  time.Second,
		FinalizeTimeout: 5 * time.Second,
	}
}

// ErrInvalidConcurrency is returned by NewLoop for a non-positive limit.
var ErrInvalidConcurrency = errors.New("worker concurrency must be greater than zero")

// Loop is the consumption loop. Every delivery it receives gets exactly
// one Ack or Reject.
type Loop struct {
	consumer queue.Consumer
	proc     Processor
	dlq      DeadLetterRouter
	cfg      Config
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// NewLoop creates a Loop. Zero durations in cfg take their defaults.
func NewLoop(consumer queue.Consumer, proc Processor, dlq DeadLetterRouter, cfg Config, log zerolog.Logger) (*Loop, error) {
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConcurrency, cfg.Concurrency)
	}

	def := DefaultConfig()
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = def.ProcessTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = def.ReceiveBackoff
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = def.FinalizeTimeout
	}

	return &Loop{
		consumer: consumer,
		proc:     proc,
		dlq:      dlq,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		log:      log.With().Str("component", "worker").Logger(),
	}, nil
}

// Run receives deliveries until ctx is cancelled or the consumer closes,
// then waits up to ShutdownTimeout for in-flight deliveries to be
// finalized. It returns an error if the consumer closed on its own or the
// drain timed out.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info().Int("concurrency", l.cfg.Concurrency).Msg("consumption loop started")

	// In-flight deliveries must finish even after ctx is cancelled.
	handleCtx := context.WithoutCancel(ctx)

	var runErr error
	for {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			break
		}

		d, err := l.consumer.Next(ctx)
		if err != nil {
			l.sem.Release(1)
			if errors.Is(err, queue.ErrClosed) {
				if ctx.Err() == nil {
					runErr = err
				}
				break
			}

			metrics.ReceiveErrorsTotal.Inc()
			l.log.Error().Err(err).Dur("backoff", l.cfg.ReceiveBackoff).Msg("receive failed")
			if !sleep(ctx, l.cfg.ReceiveBackoff) {
				break
			}
			continue
		}

		metrics.DeliveriesReceivedTotal.Inc()
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.sem.Release(1)
			l.handle(handleCtx, d)
		}()
	}

	if err := l.drain(); err != nil {
		return err
	}
	l.log.Info().Msg("consumption loop stopped")
	return runErr
}

func (l *Loop) drain() error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(l.cfg.ShutdownTimeout):
		l.log.Warn().Dur("shutdown_timeout", l.cfg.ShutdownTimeout).Msg("in-flight deliveries did not finish in time")
		return fmt.Errorf("drain timed out after %s", l.cfg.ShutdownTimeout)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// handle processes one delivery and finalizes it.
func (l *Loop) handle(ctx context.Context, d *queue.Delivery) {
	start := time.Now()
	metrics.InFlight.Inc()
	defer func() {
		metrics.InFlight.Dec()
		metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	procCtx, cancel := context.WithTimeout(ctx, l.cfg.ProcessTimeout)
	dec := l.process(procCtx, d)
	cancel()

	finCtx, cancel := context.WithTimeout(ctx, l.cfg.FinalizeTimeout)
	defer cancel()
	l.finalize(finCtx, d, dec)
}
