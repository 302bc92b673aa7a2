package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// appConfig is the flag+env-resolved configuration for the demo binary.
// Core packages never see this struct; main.go translates it into the
// plain config structs control/telemetry/tipprep accept.
type appConfig struct {
	controlHost string
	controlPort int
	dataPort    int
	channels    string // comma-separated signal names, resolved through the registry
	oversampl   int

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration

	connectTimeout time.Duration
	readTimeout    time.Duration
	retryBudget    int

	primarySignalName string
	sharpMin          float64
	sharpMax          float64
	maxCycles         int
	maxDuration       time.Duration
	verifyCount       int
	initialBias       float64
	maxBiasVolts      float64
	pulseVoltage      float64
	withdraw          bool

	bufferCapacity int

	showVersion bool
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	controlHost := flag.String("control-host", "127.0.0.1", "Nanonis control TCP host")
	controlPort := flag.Int("control-port", 6501, "Nanonis control TCP port")
	dataPort := flag.Int("data-port", 6590, "Nanonis data-logger TCP port")
	channels := flag.String("channels", "Current (A)", "Comma-separated signal names to stream, resolved via the signal registry")
	oversampl := flag.Int("oversampling", 0, "Data-logger oversampling factor (0 = leave at controller default)")

	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")

	connectTimeout := flag.Duration("connect-timeout", 5*time.Second, "Control socket connect timeout")
	readTimeout := flag.Duration("read-timeout", 10*time.Second, "Control socket read timeout")
	retryBudget := flag.Int("retry-budget", 2, "Action Layer transient-error retry budget")

	primarySignalName := flag.String("primary-signal", "Current (A)", "Name of the signal the engine classifies on, resolved via the signal registry")
	sharpMin := flag.Float64("sharp-min", -1.0, "Lower bound of the Sharp classification window")
	sharpMax := flag.Float64("sharp-max", 1.0, "Upper bound of the Sharp classification window")
	maxCycles := flag.Int("max-cycles", 50, "Abort after this many pulse cycles (0 = unlimited)")
	maxDuration := flag.Duration("max-duration", 5*time.Minute, "Abort after this much wall time")
	verifyCount := flag.Int("verify-count", 3, "Consecutive Good reads required before advancing Blunt -> Sharp")
	initialBias := flag.Float64("initial-bias", 0.1, "Bias volts applied at the start of a run")
	maxBiasVolts := flag.Float64("max-bias-volts", 4.0, "Clamp applied to every pulse voltage")
	pulseVoltage := flag.Float64("pulse-voltage", 2.5, "Fixed pulse strategy voltage")
	withdraw := flag.Bool("withdraw-on-exit", true, "Withdraw the tip during shutdown regardless of exit status")

	bufferCapacity := flag.Int("buffer-capacity", 4096, "Buffered Reader ring capacity (frames)")

	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.controlHost = *controlHost
	cfg.controlPort = *controlPort
	cfg.dataPort = *dataPort
	cfg.channels = *channels
	cfg.oversampl = *oversampl
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.connectTimeout = *connectTimeout
	cfg.readTimeout = *readTimeout
	cfg.retryBudget = *retryBudget
	cfg.primarySignalName = *primarySignalName
	cfg.sharpMin = *sharpMin
	cfg.sharpMax = *sharpMax
	cfg.maxCycles = *maxCycles
	cfg.maxDuration = *maxDuration
	cfg.verifyCount = *verifyCount
	cfg.initialBias = *initialBias
	cfg.maxBiasVolts = *maxBiasVolts
	cfg.pulseVoltage = *pulseVoltage
	cfg.withdraw = *withdraw
	cfg.bufferCapacity = *bufferCapacity
	cfg.showVersion = *showVersion

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, cfg.showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, cfg.showVersion
	}
	return cfg, cfg.showVersion
}

// validate performs semantic validation only; it never dials a socket.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.controlPort <= 0 || c.controlPort > 65535 {
		return fmt.Errorf("control-port out of range: %d", c.controlPort)
	}
	if c.dataPort <= 0 || c.dataPort > 65535 {
		return fmt.Errorf("data-port out of range: %d", c.dataPort)
	}
	if c.oversampl < 0 {
		return errors.New("oversampling must be >= 0")
	}
	if len(c.channelNames()) == 0 {
		return errors.New("channels must name at least one signal")
	}
	if strings.TrimSpace(c.primarySignalName) == "" {
		return errors.New("primary-signal must not be empty")
	}
	if c.sharpMin > c.sharpMax {
		return fmt.Errorf("sharp-min (%v) must be <= sharp-max (%v)", c.sharpMin, c.sharpMax)
	}
	if c.maxCycles < 0 {
		return errors.New("max-cycles must be >= 0")
	}
	if c.maxDuration <= 0 {
		return errors.New("max-duration must be > 0")
	}
	if c.verifyCount <= 0 {
		return errors.New("verify-count must be > 0")
	}
	if c.retryBudget < 0 {
		return errors.New("retry-budget must be >= 0")
	}
	if c.bufferCapacity <= 0 {
		return errors.New("buffer-capacity must be > 0")
	}
	return nil
}

// channelNames parses the comma-separated channels flag into trimmed names.
func (c *appConfig) channelNames() []string {
	parts := strings.Split(c.channels, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// applyEnvOverrides maps TIPCTL_* environment variables onto fields whose
// flag was not explicitly set on the command line. Flags win over env,
// env wins over the flag default.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	str := func(flagName, envName string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			*dst = v
		}
	}
	intVal := func(flagName, envName string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("invalid %s: %w", envName, err)
				}
				return
			}
			*dst = n
		}
	}
	floatVal := func(flagName, envName string, dst *float64) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("invalid %s: %w", envName, err)
				}
				return
			}
			*dst = f
		}
	}
	durVal := func(flagName, envName string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("invalid %s: %w", envName, err)
				}
				return
			}
			*dst = d
		}
	}
	boolVal := func(flagName, envName string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	str("control-host", "TIPCTL_CONTROL_HOST", &c.controlHost)
	intVal("control-port", "TIPCTL_CONTROL_PORT", &c.controlPort)
	intVal("data-port", "TIPCTL_DATA_PORT", &c.dataPort)
	str("channels", "TIPCTL_CHANNELS", &c.channels)
	intVal("oversampling", "TIPCTL_OVERSAMPLING", &c.oversampl)
	str("log-format", "TIPCTL_LOG_FORMAT", &c.logFormat)
	str("log-level", "TIPCTL_LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "TIPCTL_METRICS_ADDR", &c.metricsAddr)
	durVal("log-metrics-interval", "TIPCTL_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	durVal("connect-timeout", "TIPCTL_CONNECT_TIMEOUT", &c.connectTimeout)
	durVal("read-timeout", "TIPCTL_READ_TIMEOUT", &c.readTimeout)
	intVal("retry-budget", "TIPCTL_RETRY_BUDGET", &c.retryBudget)
	str("primary-signal", "TIPCTL_PRIMARY_SIGNAL", &c.primarySignalName)
	floatVal("sharp-min", "TIPCTL_SHARP_MIN", &c.sharpMin)
	floatVal("sharp-max", "TIPCTL_SHARP_MAX", &c.sharpMax)
	intVal("max-cycles", "TIPCTL_MAX_CYCLES", &c.maxCycles)
	durVal("max-duration", "TIPCTL_MAX_DURATION", &c.maxDuration)
	intVal("verify-count", "TIPCTL_VERIFY_COUNT", &c.verifyCount)
	floatVal("initial-bias", "TIPCTL_INITIAL_BIAS", &c.initialBias)
	floatVal("max-bias-volts", "TIPCTL_MAX_BIAS_VOLTS", &c.maxBiasVolts)
	floatVal("pulse-voltage", "TIPCTL_PULSE_VOLTAGE", &c.pulseVoltage)
	boolVal("withdraw-on-exit", "TIPCTL_WITHDRAW_ON_EXIT", &c.withdraw)
	intVal("buffer-capacity", "TIPCTL_BUFFER_CAPACITY", &c.bufferCapacity)

	return firstErr
}
