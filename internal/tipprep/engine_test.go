package tipprep

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kronberger-droid/nanonis-tipctl/internal/action"
	"github.com/kronberger-droid/nanonis-tipctl/internal/control"
	"github.com/kronberger-droid/nanonis-tipctl/internal/eventlog"
	"github.com/kronberger-droid/nanonis-tipctl/internal/wire"
)

// fakeController answers named commands with a canned, possibly stateful,
// response body. It mirrors the Action Layer's own test double since a
// tipprep cycle drives the same command surface.
type fakeController struct {
	ln net.Listener

	mu       sync.Mutex
	counts   map[string]int
	handlers map[string]func() wire.Value
	status   map[string]uint32 // command -> hardware status tail to attach once
}

func startFakeController(t *testing.T) *fakeController {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fc := &fakeController{
		ln:       ln,
		counts:   make(map[string]int),
		handlers: make(map[string]func() wire.Value),
		status:   make(map[string]uint32),
	}
	go fc.acceptLoop()
	return fc
}

func (fc *fakeController) on(command string, respond func() wire.Value) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.handlers[command] = respond
}

func (fc *fakeController) rejectOnce(command string, status uint32) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.status[command] = status
}

func (fc *fakeController) countOf(command string) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.counts[command]
}

func (fc *fakeController) acceptLoop() {
	for {
		conn, err := fc.ln.Accept()
		if err != nil {
			return
		}
		go fc.serve(conn)
	}
}

func (fc *fakeController) serve(conn net.Conn) {
	defer conn.Close()
	c := wire.Codec{}
	for {
		h, err := c.ReadHeader(conn)
		if err != nil {
			return
		}
		body := make([]byte, h.BodyLen)
		if h.BodyLen > 0 {
			if _, err := readFull(conn, body); err != nil {
				return
			}
		}
		fc.mu.Lock()
		fc.counts[h.Command]++
		respond := fc.handlers[h.Command]
		status := fc.status[h.Command]
		if status != 0 {
			delete(fc.status, h.Command)
		}
		fc.mu.Unlock()

		if !h.ResponseExpected {
			continue
		}
		var respBody bytes.Buffer
		switch {
		case h.Command == "FolMe.XYPosGet":
			// ReadPiezoPosition decodes two raw F64 values, not a
			// length-prefixed ArrayF64.
			c.EncodeValue(&respBody, wire.F64(0))
			c.EncodeValue(&respBody, wire.F64(0))
		case respond != nil:
			if err := c.EncodeValue(&respBody, respond()); err != nil {
				return
			}
		}
		if status != 0 {
			c.WriteErrorTail(&respBody, wire.ErrorTail{Status: status, Description: "rejected"})
		}
		if err := c.WriteHeader(conn, wire.Header{Command: h.Command, BodyLen: uint32(respBody.Len()), ResponseExpected: false}); err != nil {
			return
		}
		if _, err := conn.Write(respBody.Bytes()); err != nil {
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (fc *fakeController) addr() string { return fc.ln.Addr().String() }
func (fc *fakeController) close()       { fc.ln.Close() }

func dialLayer(t *testing.T, fc *fakeController) (*action.Layer, *control.Client) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(fc.addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	client := control.NewClient(host, port)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Dial(ctx); err != nil {
		t.Fatalf("dial: %v", err)
	}
	layer := action.NewLayer(client, nil, action.WithRetryBudget(0))
	return layer, client
}

// wireStubs serves a constant primary signal and a not-running auto-approach
// status. FolMe.XYPosGet is answered with (0, 0) inside serve; every other
// command gets an empty response body.
func wireStubs(fc *fakeController, primary float64) {
	fc.on("Signals.ValGet", func() wire.Value { return wire.F32(float32(primary)) })
	fc.on("AutoApproach.OnOffGet", func() wire.Value { return wire.U32(0) })
}

func newTestEngine(layer *action.Layer, cfg Config, strategy PulseStrategy) (*Engine, *eventlog.JSONLSink, *bytes.Buffer) {
	var buf bytes.Buffer
	sink := eventlog.NewJSONLSink(&buf)
	return New(cfg, layer, strategy, sink), sink, &buf
}

func TestEngineFixedPulseReachesStable(t *testing.T) {
	fc := startFakeController(t)
	defer fc.close()
	wireStubs(fc, -5.0) // placeholder; overridden below with a call-counted reading

	// The first read classifies Bad (forces one pulse+reposition); every
	// read after that classifies Good so verification completes.
	var reads int
	fc.on("Signals.ValGet", func() wire.Value {
		reads++
		if reads == 1 {
			return wire.F32(-2.0)
		}
		return wire.F32(-0.5)
	})

	layer, client := dialLayer(t, fc)
	defer client.Close()

	cfg := Config{
		SharpBounds:      Bounds{Min: -1.5, Max: 0},
		MaxCycles:        5,
		MaxDuration:      5 * time.Second,
		VerifyCount:      2,
		PrimarySignalIdx: 0,
		SampleWindow:     time.Millisecond,
	}
	strategy := &FixedStrategy{Voltage: 4.0, Polarity: PolarityPositive}
	eng, _, buf := newTestEngine(layer, cfg, strategy)

	status, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != Completed {
		t.Fatalf("status = %v, want Completed", status)
	}
	if eng.State() != Stable {
		t.Fatalf("state = %v, want Stable", eng.State())
	}
	if buf.Len() == 0 {
		t.Fatalf("expected eventlog records to be written")
	}
}

func TestEngineAbortsOnCycleLimit(t *testing.T) {
	fc := startFakeController(t)
	defer fc.close()
	wireStubs(fc, -5.0) // always Bad, never classifies Good

	layer, client := dialLayer(t, fc)
	defer client.Close()

	cfg := Config{
		SharpBounds:      Bounds{Min: -1.5, Max: 0},
		MaxCycles:        2,
		MaxDuration:      5 * time.Second,
		VerifyCount:      2,
		PrimarySignalIdx: 0,
		SampleWindow:     time.Millisecond,
	}
	strategy := &FixedStrategy{Voltage: 4.0, Polarity: PolarityPositive}
	eng, _, _ := newTestEngine(layer, cfg, strategy)

	status, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != AbortedByLimit {
		t.Fatalf("status = %v, want AbortedByLimit", status)
	}
	if eng.State() != Aborted {
		t.Fatalf("state = %v, want Aborted", eng.State())
	}
}

func TestEngineStabilitySweepPass(t *testing.T) {
	fc := startFakeController(t)
	defer fc.close()
	wireStubs(fc, -0.5) // already Good, reaches Sharp on first try

	layer, client := dialLayer(t, fc)
	defer client.Close()

	cfg := Config{
		SharpBounds:      Bounds{Min: -1.5, Max: 0},
		MaxCycles:        3,
		MaxDuration:      5 * time.Second,
		VerifyCount:      1,
		PrimarySignalIdx: 0,
		SampleWindow:     time.Millisecond,
		CheckStability:   true,
		Stability: action.StabilityParams{
			BiasLo:             0.2,
			BiasHi:             2.0,
			Steps:              5,
			StepPeriod:         time.Millisecond,
			Polarity:           action.Both,
			PrimarySignalIndex: 0,
			AllowedChange:      0.4,
			Window:             time.Millisecond,
		},
	}
	strategy := &FixedStrategy{Voltage: 4.0, Polarity: PolarityPositive}
	eng, _, _ := newTestEngine(layer, cfg, strategy)

	status, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != Completed {
		t.Fatalf("status = %v, want Completed", status)
	}
	if eng.State() != Stable {
		t.Fatalf("state = %v, want Stable", eng.State())
	}
	if fc.countOf("Bias.Set") < cfg.Stability.Steps {
		t.Fatalf("expected at least %d bias writes for the sweep, got %d", cfg.Stability.Steps, fc.countOf("Bias.Set"))
	}
}

func TestEngineHardwareRejectAborts(t *testing.T) {
	fc := startFakeController(t)
	defer fc.close()
	wireStubs(fc, -5.0)
	fc.rejectOnce("Bias.Set", 7)

	layer, client := dialLayer(t, fc)
	defer client.Close()

	cfg := Config{
		SharpBounds:      Bounds{Min: -1.5, Max: 0},
		MaxCycles:        5,
		MaxDuration:      5 * time.Second,
		VerifyCount:      1,
		PrimarySignalIdx: 0,
		SampleWindow:     time.Millisecond,
		InitialBias:      1.0,
	}
	strategy := &FixedStrategy{Voltage: 4.0, Polarity: PolarityPositive}
	eng, _, _ := newTestEngine(layer, cfg, strategy)

	status, err := eng.Run(context.Background())
	if err == nil {
		t.Fatalf("expected an error from the rejected initial bias write")
	}
	if status != Failed {
		t.Fatalf("status = %v, want Failed", status)
	}
}

func TestSteppingStrategyEscalates(t *testing.T) {
	s := &SteppingStrategy{Lo: 2, Hi: 6, Steps: 4, CyclesBeforeStep: 1, Threshold: 0.1, Polarity: PolarityPositive}
	want := []float64{2.0, 10.0 / 3.0, 14.0 / 3.0, 6.0}
	for i, w := range want {
		v, _ := s.NextPulse(CycleOutcome{Classification: Bad, PrimarySignal: 0, PriorPrimarySignal: 0})
		if diff := v - w; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("step %d: voltage = %v, want %v", i, v, w)
		}
	}
}

func TestClassifyAndObserve(t *testing.T) {
	eng := &Engine{cfg: Config{SharpBounds: Bounds{Min: -1, Max: 1}}}
	if c := eng.observe(0.5); c != Good {
		t.Fatalf("classify(0.5) = %v, want Good", c)
	}
	if eng.goodStreak != 1 {
		t.Fatalf("goodStreak = %d, want 1", eng.goodStreak)
	}
	if c := eng.observe(5); c != Bad {
		t.Fatalf("classify(5) = %v, want Bad", c)
	}
	if eng.goodStreak != 0 {
		t.Fatalf("goodStreak = %d, want 0 after a Bad reading", eng.goodStreak)
	}
}
