// Package control implements the Nanonis Control Client: a single connected
// endpoint that serializes named command calls over one TCP socket, matching
// responses to requests strictly FIFO, with a bounded connect/read timeout
// and a one-shot transparent reconnect on failure.
package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kronberger-droid/nanonis-tipctl/internal/logging"
	"github.com/kronberger-droid/nanonis-tipctl/internal/metrics"
	"github.com/kronberger-droid/nanonis-tipctl/internal/wire"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReadTimeout    = 5 * time.Second
	defaultRetryBudget    = 1
)

// Dialer abstracts net.Dial for testability.
type Dialer func(network, addr string) (net.Conn, error)

// Client owns one connected endpoint to a Nanonis control port. Commands on
// a Client are strictly serialized: a single worker goroutine performs all
// socket I/O so that responses are matched to requests by FIFO order, with
// no multiplexing on the socket.
type Client struct {
	host string
	port int
	addr string

	connectTimeout time.Duration
	readTimeout    time.Duration
	retryBudget    int
	dial           Dialer
	logger         *slog.Logger

	constraints Constraints

	mu     sync.Mutex // guards conn and closed; held only around connect/reconnect bookkeeping
	conn   net.Conn
	closed bool

	jobs chan job
	wg   sync.WaitGroup

	readyOnce sync.Once
	readyCh   chan struct{}
}

type job struct {
	run    func() (wire.Value, error)
	result chan jobResult
}

type jobResult struct {
	val wire.Value
	err error
}

// Option configures a Client.
type Option func(*Client)

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.readTimeout = d
		}
	}
}

// WithRetryBudget sets how many transparent reconnects a single request may
// trigger before surfacing ErrIO/ErrTimeout. The spec calls for exactly one;
// tests may widen it.
func WithRetryBudget(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retryBudget = n
		}
	}
}

func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dial = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithConstraints(cs Constraints) Option {
	return func(c *Client) { c.constraints = cs }
}

// NewClient constructs a Client for host:port. Dial must be called before use.
func NewClient(host string, port int, opts ...Option) *Client {
	c := &Client{
		host:           host,
		port:           port,
		addr:           net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		connectTimeout: defaultConnectTimeout,
		readTimeout:    defaultReadTimeout,
		retryBudget:    defaultRetryBudget,
		dial:           net.Dial,
		logger:         logging.L(),
		constraints:    DefaultConstraints(),
		jobs:           make(chan job, 64),
		readyCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the configured host:port.
func (c *Client) Addr() string { return c.addr }

// Ready is closed once the first successful connection is established.
func (c *Client) Ready() <-chan struct{} { return c.readyCh }

// Dial connects to the controller and starts the command worker.
func (c *Client) Dial(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.worker()
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialContext(ctx, d, c.dial, "tcp", c.addr)
	if err != nil {
		metrics.IncControlError(metrics.ErrControlIO)
		return fmt.Errorf("%w: dial %s: %v", ErrIO, c.addr, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.readyCh) })
	c.logger.Info("control_connected", "addr", c.addr)
	return nil
}

// dialContext dials respecting ctx cancellation and d.Timeout even when the
// injected Dialer ignores both (net.Dial does).
func dialContext(ctx context.Context, d net.Dialer, dial Dialer, network, addr string) (net.Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := dial(network, addr)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	metrics.IncControlReconnect()
	c.logger.Warn("control_reconnecting", "addr", c.addr)
	return c.connect(ctx)
}

// worker is the single goroutine performing all socket I/O for this client,
// guaranteeing FIFO request/response ordering on the socket.
func (c *Client) worker() {
	defer c.wg.Done()
	for j := range c.jobs {
		v, err := j.run()
		j.result <- jobResult{val: v, err: err}
	}
}

// call submits a request/response round trip and blocks for its result.
// encodeBody writes the request body; decodeBody parses the response body.
// On IoError/Timeout the round trip is retried after one transparent
// reconnect, bounded by retryBudget.
func (c *Client) call(ctx context.Context, command string, responseExpected bool, encodeBody func(io.Writer) error, decodeResp func(io.Reader) (wire.Value, error)) (wire.Value, error) {
	if c.closedFlag() {
		return nil, ErrClosed
	}
	start := time.Now()
	result := make(chan jobResult, 1)
	c.jobs <- job{
		run: func() (wire.Value, error) {
			return c.roundTrip(ctx, command, responseExpected, encodeBody, decodeResp)
		},
		result: result,
	}
	select {
	case r := <-result:
		metrics.IncControlRequest(command)
		metrics.ObserveControlLatency(time.Since(start).Seconds())
		if r.err != nil {
			metrics.IncControlError(mapErrToMetric(r.err))
		}
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) roundTrip(ctx context.Context, command string, responseExpected bool, encodeBody func(io.Writer) error, decodeResp func(io.Reader) (wire.Value, error)) (wire.Value, error) {
	attempts := c.retryBudget + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := c.attemptRoundTrip(command, responseExpected, encodeBody, decodeResp)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !isReconnectable(err) {
			return nil, err
		}
		if attempt < attempts-1 {
			if rErr := c.reconnect(ctx); rErr != nil {
				return nil, rErr
			}
		}
	}
	return nil, lastErr
}

func isReconnectable(err error) bool {
	return isIOOrTimeout(err)
}

func (c *Client) attemptRoundTrip(command string, responseExpected bool, encodeBody func(io.Writer) error, decodeResp func(io.Reader) (wire.Value, error)) (wire.Value, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("%w: not connected", ErrIO)
	}

	var body bytes.Buffer
	if encodeBody != nil {
		if err := encodeBody(&body); err != nil {
			return nil, fmt.Errorf("%w: encode %s body: %v", ErrIO, command, err)
		}
	}

	codec := wire.Codec{}
	var req bytes.Buffer
	if err := codec.WriteHeader(&req, wire.Header{Command: command, BodyLen: uint32(body.Len()), ResponseExpected: responseExpected}); err != nil {
		return nil, err
	}
	req.Write(body.Bytes())

	_ = conn.SetWriteDeadline(time.Now().Add(c.readTimeout))
	if _, err := conn.Write(req.Bytes()); err != nil {
		return nil, ioOrTimeout(err)
	}

	if !responseExpected {
		return nil, nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	respHeader, err := codec.ReadHeader(conn)
	if err != nil {
		return nil, ioOrTimeout(err)
	}
	respBody := io.LimitReader(conn, int64(respHeader.BodyLen))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, respBody); err != nil {
		return nil, ioOrTimeout(err)
	}

	var val wire.Value
	if decodeResp != nil {
		val, err = decodeResp(&buf)
		if err != nil {
			return nil, err
		}
	}
	if buf.Len() >= 8 { // enough left over for a status+size error tail
		tail, tErr := codec.ReadErrorTail(&buf)
		if tErr == nil && tail.Status != 0 {
			return nil, hardwareReject(command, tail.Status, tail.Description)
		}
	}
	return val, nil
}

func ioOrTimeout(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}

func isIOOrTimeout(err error) bool {
	return err != nil && (errors.Is(err, ErrIO) || errors.Is(err, ErrTimeout))
}

func (c *Client) closedFlag() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops the worker and closes the underlying socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	close(c.jobs)
	c.wg.Wait()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
