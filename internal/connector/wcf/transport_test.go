package wcf

import (
	"bufio"
	"context"
	"encoding/xml"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/erp-mcp-gateway/internal/connector"
	"github.com/tjfontaine/erp-mcp-gateway/internal/connector/soap"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
)

type ping struct {
	XMLName xml.Name `xml:"Ping"`
	Value   string   `xml:"Value"`
}

type pong struct {
	XMLName xml.Name `xml:"Pong"`
	Value   string   `xml:"Value"`
}

// fakeServer answers every envelope with handler's record.
type fakeServer struct {
	ln      net.Listener
	accepts atomic.Int32
	handler func(body []byte) (byte, []byte)
	wg      sync.WaitGroup
}

func newFakeServer(t *testing.T, handler func(body []byte) (byte, []byte)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, handler: handler}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeServer) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepts.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer c.Close()
			r := bufio.NewReader(c)
			for {
				_, payload, err := readFrame(r)
				if err != nil {
					return
				}
				body, _, _ := soap.Unmarshal(payload)
				kind, reply := s.handler(body)
				if reply == nil {
					return
				}
				if err := writeFrame(c, kind, reply); err != nil {
					return
				}
			}
		}()
	}
}

func echo(body []byte) (byte, []byte) {
	var p ping
	_ = xml.Unmarshal(body, &p)
	out, _ := soap.Marshal("", "", pong{Value: p.Value})
	return recordSizedEnvelope, out
}

type recorder struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (r *recorder) RecordSuccess(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
}

func (r *recorder) RecordFailure(string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

func TestCall_RoundTripReusesConnection(t *testing.T) {
	srv := newFakeServer(t, echo)
	rec := &recorder{}
	tr := New(Config{Addr: srv.ln.Addr().String(), PoolSize: 2}, WithPoolReporter(rec))
	defer tr.Close()

	for _, v := range []string{"a", "b", "c"} {
		resp, err := tr.Call(context.Background(), &connector.Request{Service: "S", Operation: "ping", Body: ping{Value: v}})
		require.NoError(t, err)

		var p pong
		require.NoError(t, resp.Decode(&p))
		assert.Equal(t, v, p.Value)
	}

	assert.Equal(t, int32(1), srv.accepts.Load(), "sequential calls share one pooled connection")
	assert.Equal(t, 3, rec.successes)
}

func TestCall_PoolBoundsConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := newFakeServer(t, func(body []byte) (byte, []byte) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		return echo(body)
	})
	tr := New(Config{Addr: srv.ln.Addr().String(), PoolSize: 2})
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Call(context.Background(), &connector.Request{Service: "S", Operation: "ping", Body: ping{Value: "x"}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.LessOrEqual(t, srv.accepts.Load(), int32(2))
}

func TestCall_ClientFaultIsBusinessError(t *testing.T) {
	srv := newFakeServer(t, func([]byte) (byte, []byte) {
		return recordSizedEnvelope, []byte(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault><faultcode>s:Client</faultcode><faultstring>rejected</faultstring><detail><ErrorCode>INSUFFICIENT_STOCK</ErrorCode></detail></s:Fault></s:Body></s:Envelope>`)
	})
	tr := New(Config{Addr: srv.ln.Addr().String()})
	defer tr.Close()

	_, err := tr.Call(context.Background(), &connector.Request{Service: "S", Operation: "op"})
	var be *connector.BusinessError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, domain.CodeInsufficientStock, be.Code)
}

func TestCall_ChannelFault(t *testing.T) {
	srv := newFakeServer(t, func([]byte) (byte, []byte) {
		return recordFault, []byte("http://schemas.microsoft.com/ws/2006/05/framing/faults/EndpointNotFound")
	})
	tr := New(Config{Addr: srv.ln.Addr().String()})
	defer tr.Close()

	_, err := tr.Call(context.Background(), &connector.Request{Service: "S", Operation: "op"})
	var te *connector.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, connector.KindFault, te.Kind)
	assert.Contains(t, err.Error(), "EndpointNotFound")
}

func TestCall_DialFailureIsReported(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	rec := &recorder{}
	tr := New(Config{Addr: addr, DialTimeout: time.Second}, WithPoolReporter(rec))

	_, err = tr.Call(context.Background(), &connector.Request{Service: "S", Operation: "op"})
	var te *connector.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, connector.KindConnection, te.Kind)
	assert.Equal(t, 1, rec.failures)
	assert.Error(t, tr.Probe(context.Background()))
}

func TestCall_TimeoutWhileWaitingForReply(t *testing.T) {
	release := make(chan struct{})
	srv := newFakeServer(t, func(body []byte) (byte, []byte) {
		<-release
		return 0, nil
	})
	defer close(release)
	tr := New(Config{Addr: srv.ln.Addr().String()})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Call(ctx, &connector.Request{Service: "S", Operation: "op"})
	var te *connector.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, connector.KindTimeout, te.Kind)
}
