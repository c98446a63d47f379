// Package aif implements the HTTP SOAP transport to the ERP's application
// integration framework services.
package aif

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/erp-mcp-gateway/internal/connector"
	"github.com/tjfontaine/erp-mcp-gateway/internal/connector/soap"
)

// Name is the transport name used for breakers, logs and metrics.
const Name = "aif"

const maxResponseBytes = 8 << 20

// Config holds the endpoint settings.
type Config struct {
	URL     string
	Timeout time.Duration
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// Transport calls ERP services as SOAP over HTTP.
type Transport struct {
	baseURL string
	client  *http.Client
}

// New creates a Transport. The default client is instrumented with otelhttp.
func New(cfg Config, opts ...Option) *Transport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	t := &Transport{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the transport name.
func (t *Transport) Name() string { return Name }

// Call posts the request envelope to the service endpoint.
func (t *Transport) Call(ctx context.Context, req *connector.Request) (*connector.Response, error) {
	action := req.Action()
	payload, err := soap.Marshal(action, req.CorrelationID, req.Body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s", t.baseURL, req.Service)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "text/xml; charset=utf-8")
	httpReq.Header.Set("SOAPAction", `"`+action+`"`)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, connector.Classify(Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, connector.Classify(Name, fmt.Errorf("failed to read response: %w", err))
	}

	content, fault, parseErr := soap.Unmarshal(body)
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

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &connector.TransportError{
			Transport: Name,
			Kind:      connector.KindFault,
			Err:       fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.Service),
		}
	}
	if parseErr != nil {
		return nil, &connector.TransportError{Transport: Name, Kind: connector.KindFault, Err: parseErr}
	}

	return &connector.Response{Transport: Name, Body: content}, nil
}
