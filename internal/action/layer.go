package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kronberger-droid/nanonis-tipctl/internal/buffer"
	"github.com/kronberger-droid/nanonis-tipctl/internal/control"
	"github.com/kronberger-droid/nanonis-tipctl/internal/logging"
	"github.com/kronberger-droid/nanonis-tipctl/internal/metrics"
)

const (
	retryBackoffMin = 20 * time.Millisecond
	retryBackoffMax = 500 * time.Millisecond
)

// ExperimentData holds an executed action's Result, a vector of frames
// spanning the requested capture window, and the recorded (t_start, t_end).
type ExperimentData struct {
	Result Result
	Frames []buffer.TimestampedFrame
	TStart time.Time
	TEnd   time.Time
}

// Layer is the Action Layer: executes Actions against a Control Client,
// optionally capturing a Buffered Reader window around the call, and
// retries TransientProtocol failures up to a configurable budget.
type Layer struct {
	client      *control.Client
	reader      *buffer.Reader
	logger      *slog.Logger
	retryBudget int
	sleepFn     func(time.Duration)

	mu    sync.Mutex
	store map[string]Result
	last  Result
}

// Option configures a Layer.
type Option func(*Layer)

func WithLogger(l *slog.Logger) Option {
	return func(layer *Layer) {
		if l != nil {
			layer.logger = l
		}
	}
}

func WithRetryBudget(n int) Option {
	return func(layer *Layer) {
		if n >= 0 {
			layer.retryBudget = n
		}
	}
}

// NewLayer constructs an Action Layer over client, optionally capturing
// windows from reader (nil disables ExecuteWithWindow).
func NewLayer(client *control.Client, reader *buffer.Reader, opts ...Option) *Layer {
	l := &Layer{
		client:      client,
		reader:      reader,
		logger:      logging.L(),
		retryBudget: 2,
		sleepFn:     time.Sleep,
		store:       make(map[string]Result),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Execute runs a against the Control Client, retrying TransientProtocol
// failures up to the configured budget with bounded backoff.
func (l *Layer) Execute(ctx context.Context, a Action) (Result, error) {
	start := time.Now()
	defer func() { metrics.ObserveActionDuration(a.Kind.String(), time.Since(start).Seconds()) }()
	attempts := l.retryBudget + 1
	backoff := retryBackoffMin
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		res, err := l.dispatch(ctx, a)
		if err == nil {
			metrics.IncActionExecution(a.Kind.String(), "ok")
			if a.Kind != Store && a.Kind != Retrieve {
				l.mu.Lock()
				l.last = res
				l.mu.Unlock()
			}
			return res, nil
		}
		cls := classify(err)
		aerr := &ActionError{Kind: a.Kind, Classification: cls, Err: err}
		if cls != TransientProtocol {
			metrics.IncActionExecution(a.Kind.String(), cls.String())
			return Result{Kind: a.Kind, Status: Failed, Reason: err.Error()}, aerr
		}
		lastErr = aerr
		metrics.IncActionRetry(cls.String())
		l.logger.Warn("action_retry", "action", a.Kind.String(), "attempt", attempt, "error", err)
		if attempt < attempts-1 {
			l.sleepFn(backoff)
			backoff *= 2
			if backoff > retryBackoffMax {
				backoff = retryBackoffMax
			}
		}
	}
	metrics.IncActionExecution(a.Kind.String(), "transient_exhausted")
	return Result{Kind: a.Kind, Status: Failed, Reason: lastErr.Error()}, lastErr
}

// ExecuteWithWindow records t_start before dispatch and t_end after, then
// asks the Buffered Reader for [t_start-pre, t_end+post].
func (l *Layer) ExecuteWithWindow(ctx context.Context, a Action, pre, post time.Duration) (ExperimentData, error) {
	if l.reader == nil {
		return ExperimentData{}, fmt.Errorf("action: no buffered reader configured for window capture")
	}
	tStart := time.Now()
	res, err := l.Execute(ctx, a)
	tEnd := time.Now()
	frames := l.reader.Between(tStart.Add(-pre), tEnd.Add(post))
	data := ExperimentData{Result: res, Frames: frames, TStart: tStart, TEnd: tEnd}
	return data, err
}

// Store saves a Result under key for later Retrieve by a subsequent action.
func (l *Layer) Store(key string, r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store[key] = r
}

// Retrieve returns a previously stored Result, if any.
func (l *Layer) Retrieve(key string) (Result, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.store[key]
	return r, ok
}

// lastResult returns the Result of the most recently executed non-Store,
// non-Retrieve action, used by the Store action to capture "what just ran".
func (l *Layer) lastResult() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}
