// Package registry implements the Signal Registry: a cached index<->name
// mapping for the controller's signal list, with fuzzy name resolution and
// a seeded, confidence-tagged logger-slot assignment (the controller
// exposes no query for which signal is wired to which data-logger channel).
package registry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kronberger-droid/nanonis-tipctl/internal/logging"
	"github.com/kronberger-droid/nanonis-tipctl/internal/metrics"
)

// Confidence tags how trustworthy a logger-slot mapping is, since the
// controller never confirms it directly.
type Confidence int

const (
	Confirmed Confidence = iota
	Assumed
	Missing
	Conflicted
)

func (c Confidence) String() string {
	switch c {
	case Confirmed:
		return "Confirmed"
	case Assumed:
		return "Assumed"
	case Missing:
		return "Missing"
	case Conflicted:
		return "Conflicted"
	default:
		return "Unknown"
	}
}

// Signal is one entry in the controller's signal list.
type Signal struct {
	Index      int
	Name       string
	LoggerSlot int // -1 if not seeded
	Confidence Confidence
}

// Resolution is the result of resolving a requested name.
type Resolution struct {
	Index       int
	LoggerSlot  int
	Confidence  Confidence
	Suggestions []string // populated on a fuzzy miss
}

// Lister fetches the controller's live signal name list, indexed by
// position. Satisfied by *control.Client's SignalsNamesGet.
type Lister interface {
	SignalsNamesGet(ctx context.Context) ([]string, error)
}

// Registry caches the signal list with a TTL and resolves names to indices.
type Registry struct {
	lister Lister
	ttl    time.Duration
	logger *slog.Logger

	mu          sync.RWMutex
	signals     []Signal
	byName      map[string]int // normalized name -> index into signals
	loggerSlots map[int]int    // signal index -> logger slot, seeded from config
	refreshedAt time.Time
}

// Option configures a Registry.
type Option func(*Registry)

func WithTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSeededLoggerSlots seeds logger-slot assignments from configuration,
// since the server exposes no query for RT-slot assignments.
func WithSeededLoggerSlots(slots map[int]int) Option {
	return func(r *Registry) {
		for k, v := range slots {
			r.loggerSlots[k] = v
		}
	}
}

// New constructs a Registry over lister with a default 5-minute TTL.
func New(lister Lister, opts ...Option) *Registry {
	r := &Registry{
		lister:      lister,
		ttl:         5 * time.Minute,
		logger:      logging.L(),
		loggerSlots: make(map[int]int),
		byName:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh fetches the current signal list, replacing the cache.
func (r *Registry) Refresh(ctx context.Context) error {
	names, err := r.lister.SignalsNamesGet(ctx)
	if err != nil {
		return err
	}
	signals := make([]Signal, len(names))
	byName := make(map[string]int, len(names))
	r.mu.RLock()
	slots := make(map[int]int, len(r.loggerSlots))
	for k, v := range r.loggerSlots {
		slots[k] = v
	}
	r.mu.RUnlock()

	for i, name := range names {
		sig := Signal{Index: i, Name: name, LoggerSlot: -1, Confidence: Missing}
		if slot, ok := slots[i]; ok {
			sig.LoggerSlot = slot
			sig.Confidence = Assumed
		}
		signals[i] = sig
		byName[normalize(name)] = i
	}

	r.mu.Lock()
	r.signals = signals
	r.byName = byName
	r.refreshedAt = time.Now()
	r.mu.Unlock()
	r.logger.Info("registry_refreshed", "count", len(signals))
	return nil
}

// ensureFresh refreshes the cache if the TTL has elapsed.
func (r *Registry) ensureFresh(ctx context.Context) error {
	r.mu.RLock()
	stale := time.Since(r.refreshedAt) > r.ttl
	r.mu.RUnlock()
	if stale {
		return r.Refresh(ctx)
	}
	return nil
}

// Resolve maps name to (index, logger_slot_if_any, confidence). On an exact
// normalized miss it returns fuzzy candidates ranked by similarity.
func (r *Registry) Resolve(ctx context.Context, name string) (Resolution, error) {
	if err := r.ensureFresh(ctx); err != nil {
		return Resolution{}, err
	}
	norm := normalize(name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if idx, ok := r.byName[norm]; ok {
		metrics.IncRegistryCacheHit()
		sig := r.signals[idx]
		return Resolution{Index: sig.Index, LoggerSlot: sig.LoggerSlot, Confidence: sig.Confidence}, nil
	}

	metrics.IncRegistryCacheMiss()
	metrics.IncRegistryFuzzyMatch()
	candidates := fuzzyRank(norm, r.signals, 3)
	return Resolution{Index: -1, LoggerSlot: -1, Confidence: Missing, Suggestions: candidates}, nil
}

// normalize folds case and collapses whitespace for lookup.
func normalize(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
