// Package safehttp builds HTTP clients for calling subscriber-supplied URLs.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrPrivateAddress is returned when a dial lands on a loopback, private or
// link-local address and private targets are not allowed.
type ErrPrivateAddress struct {
	IP net.IP
}

func (e *ErrPrivateAddress) Error() string {
	return fmt.Sprintf("access to private IP %s is denied", e.IP)
}

// Options configures NewClient.
type Options struct {
	// Timeout bounds a whole request including reading the response.
	Timeout time.Duration
	// DialTimeout bounds connection setup. Defaults to 5s.
	DialTimeout time.Duration
	// AllowPrivate permits loopback and private-range targets.
	AllowPrivate bool
}

// NewTransport returns a transport that rejects connections to private or
// loopback IP ranges unless opts.AllowPrivate is set, reducing SSRF risk.
func NewTransport(opts Options) *http.Transport {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &http.Transport{
		Proxy:               nil,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: dialTimeout}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if opts.AllowPrivate {
				return conn, nil
			}

			host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
			ip := net.ParseIP(host)
			if ip == nil {
				conn.Close()
				return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
			}

			if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
				conn.Close()
				return nil, &ErrPrivateAddress{IP: ip}
			}

			return conn, nil
		},
	}
}

// NewClient returns an instrumented client over NewTransport.
func NewClient(opts Options) *http.Client {
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: otelhttp.NewTransport(NewTransport(opts)),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
