package connector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/erp-mcp-gateway/internal/circuit"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
)

type fakeTransport struct {
	name string

	mu    sync.Mutex
	calls int
	errs  []error
	body  string
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Call(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		if len(f.errs) > 1 {
			f.errs = f.errs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	return &Response{Transport: f.name, Body: []byte(f.body)}, nil
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func transportErr(name string) error {
	return &TransportError{Transport: name, Kind: KindConnection, Err: errors.New("connection refused")}
}

var testBreaker = circuit.Config{FailureThreshold: 3, OpenDuration: time.Minute}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func req() *Request {
	return &Request{Service: "CustomerService", Operation: "find"}
}

func TestAdapter_AutoFallsBackAndSticks(t *testing.T) {
	primary := &fakeTransport{name: "aif", errs: []error{transportErr("aif")}}
	alt := &fakeTransport{name: "wcf", body: "<ok/>"}

	var fallbacks []string
	a := NewAdapter(primary, alt, ModeAuto, testBreaker,
		WithLogger(quietLogger()),
		WithFallbackHook(func(from, to string) { fallbacks = append(fallbacks, from+"->"+to) }))

	resp, err := a.Call(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, "wcf", resp.Transport)
	assert.Equal(t, "<ok/>", string(resp.Body))
	assert.True(t, a.PrefersAlternate())
	assert.Equal(t, []string{"aif->wcf"}, fallbacks)

	// Sticky: the alternate now goes first.
	_, err = a.Call(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 2, alt.Calls())
}

func TestAdapter_HTTPModeDoesNotStick(t *testing.T) {
	primary := &fakeTransport{name: "aif", errs: []error{transportErr("aif"), nil}}
	alt := &fakeTransport{name: "wcf"}
	a := NewAdapter(primary, alt, ModeHTTP, testBreaker, WithLogger(quietLogger()))

	_, err := a.Call(context.Background(), req())
	require.NoError(t, err)
	assert.False(t, a.PrefersAlternate())

	resp, err := a.Call(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, "aif", resp.Transport)
}

func TestAdapter_AltFirstFallbackIsNotRemembered(t *testing.T) {
	primary := &fakeTransport{name: "aif"}
	alt := &fakeTransport{name: "wcf", errs: []error{transportErr("wcf"), nil}}
	a := NewAdapter(primary, alt, ModeAlt, testBreaker, WithLogger(quietLogger()))

	resp, err := a.Call(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, "aif", resp.Transport)

	resp, err = a.Call(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, "wcf", resp.Transport, "alternate is still tried first")
}

func TestAdapter_StickyAlternateFallsBackToPrimaryWithoutClearing(t *testing.T) {
	primary := &fakeTransport{name: "aif", errs: []error{transportErr("aif"), nil}}
	alt := &fakeTransport{name: "wcf", errs: []error{nil, transportErr("wcf"), nil}}
	a := NewAdapter(primary, alt, ModeAuto, testBreaker, WithLogger(quietLogger()))

	_, err := a.Call(context.Background(), req())
	require.NoError(t, err)
	require.True(t, a.PrefersAlternate())

	resp, err := a.Call(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, "aif", resp.Transport)
	assert.True(t, a.PrefersAlternate())

	a.ResetPreference()
	assert.False(t, a.PrefersAlternate())
}

func TestAdapter_BusinessErrorDoesNotFallBack(t *testing.T) {
	blocked := &BusinessError{Code: domain.CodeCustomerBlocked, Message: "customer C-1 is blocked"}
	primary := &fakeTransport{name: "aif", errs: []error{blocked}}
	alt := &fakeTransport{name: "wcf"}
	a := NewAdapter(primary, alt, ModeAuto, testBreaker, WithLogger(quietLogger()))

	_, err := a.Call(context.Background(), req())
	require.ErrorIs(t, err, blocked)
	assert.Zero(t, alt.Calls())
	assert.False(t, a.PrefersAlternate())
	assert.Equal(t, circuit.StateClosed, a.Breakers()[0].State())
}

func TestAdapter_BothFail(t *testing.T) {
	primaryErr := transportErr("aif")
	altErr := transportErr("wcf")
	a := NewAdapter(
		&fakeTransport{name: "aif", errs: []error{primaryErr}},
		&fakeTransport{name: "wcf", errs: []error{altErr}},
		ModeAuto, testBreaker, WithLogger(quietLogger()))

	_, err := a.Call(context.Background(), req())
	require.Error(t, err)
	var fe *FallbackError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, primaryErr)
	assert.ErrorIs(t, err, altErr)
	assert.False(t, a.PrefersAlternate())
}

func TestAdapter_OneBreakerPerTransport(t *testing.T) {
	primary := &fakeTransport{name: "aif", errs: []error{transportErr("aif")}}
	alt := &fakeTransport{name: "wcf"}
	a := NewAdapter(primary, alt, ModeHTTP, circuit.Config{FailureThreshold: 2, OpenDuration: time.Minute},
		WithLogger(quietLogger()))

	for i := 0; i < 2; i++ {
		_, err := a.Call(context.Background(), req())
		require.NoError(t, err)
	}

	breakers := a.Breakers()
	require.Len(t, breakers, 2)
	assert.Equal(t, "aif", breakers[0].Name())
	assert.Equal(t, circuit.StateOpen, breakers[0].State())
	assert.Equal(t, circuit.StateClosed, breakers[1].State())

	// Open primary is skipped without being called.
	_, err := a.Call(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, 2, primary.Calls())
}

func TestAdapter_NoAlternate(t *testing.T) {
	primaryErr := transportErr("aif")
	a := NewAdapter(&fakeTransport{name: "aif", errs: []error{primaryErr}}, nil, ModeAuto, testBreaker)

	_, err := a.Call(context.Background(), req())
	require.ErrorIs(t, err, primaryErr)
	assert.Len(t, a.Breakers(), 1)
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"", "auto", "http", "alt"} {
		_, err := ParseMode(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseMode("carrier-pigeon")
	assert.Error(t, err)
}
