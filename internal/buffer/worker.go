package buffer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kronberger-droid/nanonis-tipctl/internal/logging"
	"github.com/kronberger-droid/nanonis-tipctl/internal/metrics"
	"github.com/kronberger-droid/nanonis-tipctl/internal/telemetry"
)

const (
	reconnectBackoffMin = 20 * time.Millisecond
	reconnectBackoffMax = 2 * time.Second
)

// FrameSource is the subset of telemetry.Reader the worker depends on,
// narrowed so tests can substitute a fake without a real socket.
type FrameSource interface {
	Next(ctx context.Context) (telemetry.Frame, error)
	Close() error
}

// Dialer opens (or reopens) a FrameSource, used to transparently reconnect
// the underlying telemetry stream when it fails mid-run.
type Dialer func(ctx context.Context) (FrameSource, error)

// Reader is the Buffered Reader: owns a background worker draining a
// telemetry stream into a bounded ring, with reconnect-with-backoff on
// stream failure so a transient drop does not end the session.
type Reader struct {
	ring   *ring
	dial   Dialer
	logger *slog.Logger

	start    time.Time
	stopped  atomic.Bool
	wg       sync.WaitGroup
	sleepFn  func(time.Duration)
	terminal atomic.Value // error
}

// Option configures a Reader.
type Option func(*Reader)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReader constructs a Buffered Reader with the given ring capacity. Run
// must be called to start the background worker.
func NewReader(capacity int, dial Dialer, opts ...Option) *Reader {
	r := &Reader{
		ring:    newRing(capacity),
		dial:    dial,
		logger:  logging.L(),
		sleepFn: time.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the background worker. It returns once the first connection
// attempt has been made; the worker continues in the background until
// Stop is called or ctx is cancelled.
func (r *Reader) Run(ctx context.Context) error {
	src, err := r.dial(ctx)
	if err != nil {
		return err
	}
	r.start = time.Now()
	r.wg.Add(1)
	go r.loop(ctx, src)
	return nil
}

func (r *Reader) loop(ctx context.Context, src FrameSource) {
	defer r.wg.Done()
	backoff := reconnectBackoffMin
	for {
		if r.stopped.Load() {
			_ = src.Close()
			return
		}
		if err := ctx.Err(); err != nil {
			r.terminal.Store(err)
			_ = src.Close()
			return
		}
		vals, err := src.Next(ctx)
		if err == nil {
			now := time.Now()
			r.ring.push(TimestampedFrame{Values: vals, At: now, Elapsed: now.Sub(r.start)})
			metrics.SetBufferOccupancy(r.ring.stats().Count)
			backoff = reconnectBackoffMin
			continue
		}
		if ctx.Err() != nil {
			r.terminal.Store(ctx.Err())
			_ = src.Close()
			return
		}
		r.logger.Warn("telemetry_stream_error", "error", err, "backoff", backoff)
		_ = src.Close()
		metrics.IncTelemetryReconnect()

		r.sleepFn(backoff)
		backoff *= 2
		if backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}

		newSrc, dialErr := r.dial(ctx)
		if dialErr != nil {
			if errors.Is(dialErr, context.Canceled) || errors.Is(dialErr, context.DeadlineExceeded) {
				return
			}
			continue
		}
		src = newSrc
	}
}

// Recent returns frames with At >= now-d, oldest first.
func (r *Reader) Recent(d time.Duration) []TimestampedFrame { return r.ring.recent(d, time.Now()) }

// Between returns frames with t0 <= At <= t1, oldest first; empty if the
// window predates the ring's current contents.
func (r *Reader) Between(t0, t1 time.Time) []TimestampedFrame { return r.ring.between(t0, t1) }

// Stats reports the ring's current occupancy.
func (r *Reader) Stats() Stats { return r.ring.stats() }

// Stop signals the worker, joins it, and propagates any terminal error. Safe
// to call more than once.
func (r *Reader) Stop() error {
	r.stopped.Store(true)
	r.wg.Wait()
	if v := r.terminal.Load(); v != nil {
		return v.(error)
	}
	return nil
}
