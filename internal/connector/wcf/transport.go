// Package wcf implements the binary TCP transport to the ERP's WCF services.
// Envelopes travel as sized records over pooled, session-bound connections.
package wcf

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tjfontaine/erp-mcp-gateway/internal/connector"
	"github.com/tjfontaine/erp-mcp-gateway/internal/connector/soap"
)

// Name is the transport name used for breakers, logs and metrics.
const Name = "wcf"

// PoolReporter receives connection-level outcomes.
type PoolReporter interface {
	RecordSuccess(pool string)
	RecordFailure(pool string, err error)
}

// Config holds the endpoint and pool settings.
type Config struct {
	Addr        string
	PoolSize    int
	DialTimeout time.Duration
}

// Option configures a Transport.
type Option func(*Transport)

// WithPoolReporter reports connection outcomes to r.
func WithPoolReporter(r PoolReporter) Option {
	return func(t *Transport) { t.reporter = r }
}

type conn struct {
	net.Conn
	r *bufio.Reader
}

// Transport calls ERP services over pooled TCP connections.
type Transport struct {
	addr     string
	dialer   net.Dialer
	reporter PoolReporter

	slots chan struct{}
	idle  chan *conn

	mu     sync.Mutex
	closed bool
}

// New creates a Transport. Connections are dialed lazily.
func New(cfg Config, opts ...Option) *Transport {
	size := cfg.PoolSize
	if size <= 0 {
		size = 4
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	t := &Transport{
		addr:   cfg.Addr,
		dialer: net.Dialer{Timeout: dialTimeout},
		slots:  make(chan struct{}, size),
		idle:   make(chan *conn, size),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the transport name.
func (t *Transport) Name() string { return Name }

// PoolName is the name this transport reports its pool under.
func (t *Transport) PoolName() string { return Name + "://" + t.addr }

// Call sends the request envelope and waits for the reply on one pooled connection.
func (t *Transport) Call(ctx context.Context, req *connector.Request) (*connector.Response, error) {
	payload, err := soap.Marshal(req.Action(), req.CorrelationID, req.Body)
	if err != nil {
		return nil, err
	}

	c, err := t.acquire(ctx)
	if err != nil {
		t.report(err)
		return nil, connector.Classify(Name, err)
	}

	kind, reply, err := t.roundTrip(ctx, c, payload)
	t.release(c, err == nil)
	t.report(err)
	if err != nil {
		return nil, connector.Classify(Name, err)
	}

	if kind == recordFault {
		return nil, &connector.TransportError{Transport: Name, Kind: connector.KindFault, Err: fmt.Errorf("channel fault: %s", reply)}
	}

	content, fault, err := soap.Unmarshal(reply)
	if err != nil {
		return nil, &connector.TransportError{Transport: Name, Kind: connector.KindFault, Err: err}
	}
	if fault != nil {
		if fault.IsClient() {
			code := ""
			if fault.Detail != nil {
				code = fault.Detail.ErrorCode
			}
			return nil, &connector.BusinessError{Code: connector.BusinessCode(code), Message: fault.Message()}
		}
		return nil, &connector.TransportError{Transport: Name, Kind: connector.KindFault, Err: fault}
	}
	return &connector.Response{Transport: Name, Body: content}, nil
}

func (t *Transport) roundTrip(ctx context.Context, c *conn, payload []byte) (byte, []byte, error) {
	deadline, _ := ctx.Deadline()
	if err := c.SetDeadline(deadline); err != nil {
		return 0, nil, err
	}

	// Unblock I/O when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := writeFrame(c, recordSizedEnvelope, payload); err != nil {
		return 0, nil, t.ctxErr(ctx, err)
	}
	kind, reply, err := readFrame(c.r)
	if err != nil {
		return 0, nil, t.ctxErr(ctx, err)
	}
	if kind != recordSizedEnvelope && kind != recordFault {
		return 0, nil, fmt.Errorf("unexpected record type 0x%02x", kind)
	}
	return kind, reply, nil
}

func (t *Transport) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

func (t *Transport) acquire(ctx context.Context) (*conn, error) {
	select {
	case t.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case c := <-t.idle:
		return c, nil
	default:
	}

	nc, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		<-t.slots
		return nil, fmt.Errorf("failed to dial %s: %w", t.addr, err)
	}
	return &conn{Conn: nc, r: bufio.NewReader(nc)}, nil
}

func (t *Transport) release(c *conn, healthy bool) {
	defer func() { <-t.slots }()

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if !healthy || closed {
		_ = c.Close()
		return
	}
	select {
	case t.idle <- c:
	default:
		_ = c.Close()
	}
}

func (t *Transport) report(err error) {
	if t.reporter == nil {
		return
	}
	if err == nil {
		t.reporter.RecordSuccess(t.PoolName())
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	t.reporter.RecordFailure(t.PoolName(), err)
}

// Probe dials the endpoint once to check reachability.
func (t *Transport) Probe(ctx context.Context) error {
	nc, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return err
	}
	return nc.Close()
}

// Close closes idle connections. In-flight connections are closed on release.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	for {
		select {
		case c := <-t.idle:
			_ = c.Close()
		default:
			return nil
		}
	}
}
