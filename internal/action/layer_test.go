package action

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kronberger-droid/nanonis-tipctl/internal/control"
	"github.com/kronberger-droid/nanonis-tipctl/internal/wire"
)

// fakeController answers named commands with a canned response body,
// counting how many times each command was received.
type fakeController struct {
	ln net.Listener

	mu        sync.Mutex
	counts    map[string]int
	handlers  map[string]func() wire.Value
	dropFirst map[string]bool
}

func startFakeController(t *testing.T) *fakeController {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fc := &fakeController{
		ln:        ln,
		counts:    make(map[string]int),
		handlers:  make(map[string]func() wire.Value),
		dropFirst: make(map[string]bool),
	}
	go fc.acceptLoop()
	return fc
}

func (fc *fakeController) on(command string, respond func() wire.Value) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.handlers[command] = respond
}

// dropFirstCall makes the server close the connection without responding
// the first time command is received, simulating a dropped socket that the
// Control Client's own one-shot reconnect must recover from.
func (fc *fakeController) dropFirstCall(command string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.dropFirst[command] = true
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
		drop := fc.dropFirst[h.Command]
		if drop {
			fc.dropFirst[h.Command] = false
		}
		fc.mu.Unlock()

		if drop {
			return
		}
		if !h.ResponseExpected {
			continue
		}
		var respBody bytes.Buffer
		if respond != nil {
			if err := c.EncodeValue(&respBody, respond()); err != nil {
				return
			}
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

func dialLayer(t *testing.T, fc *fakeController) (*Layer, *control.Client) {
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
	layer := NewLayer(client, nil)
	layer.sleepFn = func(time.Duration) {}
	return layer, client
}

func TestLayerReadBias(t *testing.T) {
	fc := startFakeController(t)
	defer fc.close()
	fc.on("Bias.Get", func() wire.Value { return wire.F32(-0.5) })

	layer, client := dialLayer(t, fc)
	defer client.Close()

	res, err := layer.Execute(context.Background(), Action{Kind: ReadBias})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Scalars["bias"] != -0.5 {
		t.Fatalf("bias = %v, want -0.5", res.Scalars["bias"])
	}
}

func TestLayerSurvivesOneDroppedConnection(t *testing.T) {
	fc := startFakeController(t)
	defer fc.close()
	fc.on("Bias.Get", func() wire.Value { return wire.F32(1.25) })
	fc.dropFirstCall("Bias.Get")

	layer, client := dialLayer(t, fc)
	defer client.Close()

	res, err := layer.Execute(context.Background(), Action{Kind: ReadBias})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Scalars["bias"] != 1.25 {
		t.Fatalf("bias = %v, want 1.25", res.Scalars["bias"])
	}
}

func TestLayerValidationDoesNotRetry(t *testing.T) {
	fc := startFakeController(t)
	defer fc.close()

	layer, client := dialLayer(t, fc)
	defer client.Close()

	_, err := layer.Execute(context.Background(), Action{Kind: SetBias, Bias: 1000})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if fc.countOf("Bias.Set") != 0 {
		t.Fatalf("expected no request to reach server, got %d", fc.countOf("Bias.Set"))
	}
}

func TestLayerStoreRetrieve(t *testing.T) {
	fc := startFakeController(t)
	defer fc.close()
	fc.on("Bias.Get", func() wire.Value { return wire.F32(2.5) })

	layer, client := dialLayer(t, fc)
	defer client.Close()

	ctx := context.Background()
	if _, err := layer.Execute(ctx, Action{Kind: ReadBias}); err != nil {
		t.Fatalf("ReadBias: %v", err)
	}
	if _, err := layer.Execute(ctx, Action{Kind: Store, Key: "baseline"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	res, err := layer.Execute(ctx, Action{Kind: Retrieve, Key: "baseline"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.Scalars["bias"] != 2.5 {
		t.Fatalf("retrieved bias = %v, want 2.5", res.Scalars["bias"])
	}
}
