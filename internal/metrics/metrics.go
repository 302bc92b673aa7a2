package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kronberger-droid/nanonis-tipctl/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	WireDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wire_decode_errors_total",
		Help: "Total wire codec decode failures (short reads, bad tags, length mismatches).",
	})
	ControlRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "control_requests_total",
		Help: "Total control-client requests by command name.",
	}, []string{"command"})
	ControlErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "control_errors_total",
		Help: "Total control-client errors by classification.",
	}, []string{"where"})
	ControlReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "control_reconnects_total",
		Help: "Total transparent reconnects performed by the control client.",
	})
	ControlRequestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "control_request_latency_seconds",
		Help:    "Round-trip latency of control-client requests.",
		Buckets: prometheus.DefBuckets,
	})
	TelemetryFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_frames_total",
		Help: "Total telemetry frames decoded from the data-logger stream.",
	})
	TelemetryMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_malformed_frames_total",
		Help: "Total malformed telemetry frames rejected by the stream reader.",
	})
	TelemetryReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_reconnects_total",
		Help: "Total reconnect attempts by the buffered reader's telemetry worker.",
	})
	BufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buffer_dropped_frames_total",
		Help: "Total frames evicted from the ring buffer due to capacity (drop-oldest).",
	})
	BufferOccupancy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buffer_occupancy",
		Help: "Current number of frames held in the ring buffer.",
	})
	ActionExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "action_executions_total",
		Help: "Total action executions by action kind and outcome.",
	}, []string{"action", "outcome"})
	ActionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "action_retries_total",
		Help: "Total action-level retries by classification.",
	}, []string{"classification"})
	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "action_duration_seconds",
		Help:    "Wall-clock duration of action executions by action kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})
	RegistryCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_cache_hits_total",
		Help: "Total signal registry lookups served from cache.",
	})
	RegistryCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_cache_misses_total",
		Help: "Total signal registry lookups whose normalized name had no exact match.",
	})
	RegistryFuzzyMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_fuzzy_matches_total",
		Help: "Total signal lookups that fell back to fuzzy-ranked suggestions after an exact-match miss.",
	})
	EngineCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tipprep_cycles_total",
		Help: "Total tip-preparation cycles executed.",
	})
	EngineClassification = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tipprep_classification",
		Help: "Current tip classification (1 for the active label, 0 otherwise).",
	}, []string{"classification"})
	EngineState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tipprep_state",
		Help: "Current engine state (1 for the active state, 0 otherwise).",
	}, []string{"state"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrControlIO        = "control_io"
	ErrControlTimeout   = "control_timeout"
	ErrControlProtocol  = "control_protocol"
	ErrControlHardware  = "control_hardware_reject"
	ErrControlValidate  = "control_validation"
	ErrTelemetryIO      = "telemetry_io"
	ErrTelemetryDecode  = "telemetry_decode"
	ErrBufferExhausted  = "buffer_exhausted"
	ErrRegistryNotFound = "registry_not_found"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid scraping Prometheus in-process).
var (
	localControlErrors   uint64
	localTelemetryFrames uint64
	localBufferDrops     uint64
	localActionRetries   uint64
	localEngineCycles    uint64
)

// Snapshot is a cheap copy of local counters, used by periodic log lines.
type Snapshot struct {
	ControlErrors   uint64
	TelemetryFrames uint64
	BufferDrops     uint64
	ActionRetries   uint64
	EngineCycles    uint64
}

func Snap() Snapshot {
	return Snapshot{
		ControlErrors:   atomic.LoadUint64(&localControlErrors),
		TelemetryFrames: atomic.LoadUint64(&localTelemetryFrames),
		BufferDrops:     atomic.LoadUint64(&localBufferDrops),
		ActionRetries:   atomic.LoadUint64(&localActionRetries),
		EngineCycles:    atomic.LoadUint64(&localEngineCycles),
	}
}

func IncControlRequest(command string) { ControlRequests.WithLabelValues(command).Inc() }

func ObserveControlLatency(seconds float64) { ControlRequestLatency.Observe(seconds) }

func IncControlError(where string) {
	ControlErrors.WithLabelValues(where).Inc()
	atomic.AddUint64(&localControlErrors, 1)
}

func IncControlReconnect() { ControlReconnects.Inc() }

func IncTelemetryFrame() {
	TelemetryFrames.Inc()
	atomic.AddUint64(&localTelemetryFrames, 1)
}

func IncTelemetryMalformed() { TelemetryMalformed.Inc() }

func IncTelemetryReconnect() { TelemetryReconnects.Inc() }

func IncBufferDrop() {
	BufferDrops.Inc()
	atomic.AddUint64(&localBufferDrops, 1)
}

func SetBufferOccupancy(n int) { BufferOccupancy.Set(float64(n)) }

func IncActionExecution(action, outcome string) {
	ActionExecutions.WithLabelValues(action, outcome).Inc()
}

func IncActionRetry(classification string) {
	ActionRetries.WithLabelValues(classification).Inc()
	atomic.AddUint64(&localActionRetries, 1)
}

func ObserveActionDuration(action string, seconds float64) {
	ActionDuration.WithLabelValues(action).Observe(seconds)
}

func IncRegistryCacheHit()   { RegistryCacheHits.Inc() }
func IncRegistryCacheMiss()  { RegistryCacheMisses.Inc() }
func IncRegistryFuzzyMatch() { RegistryFuzzyMatches.Inc() }

func IncEngineCycle() {
	EngineCycles.Inc()
	atomic.AddUint64(&localEngineCycles, 1)
}

// SetEngineClassification flips the active classification gauge to 1 and the rest to 0.
func SetEngineClassification(active string, all []string) {
	for _, c := range all {
		v := 0.0
		if c == active {
			v = 1.0
		}
		EngineClassification.WithLabelValues(c).Set(v)
	}
}

// SetEngineState flips the active state gauge to 1 and the rest to 0.
func SetEngineState(active string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == active {
			v = 1.0
		}
		EngineState.WithLabelValues(s).Set(v)
	}
}

// InitBuildInfo sets the build info gauge and pre-registers bounded error label series.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrControlIO, ErrControlTimeout, ErrControlProtocol, ErrControlHardware, ErrControlValidate,
		ErrTelemetryIO, ErrTelemetryDecode, ErrBufferExhausted, ErrRegistryNotFound,
	} {
		ControlErrors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
