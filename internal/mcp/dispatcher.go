// Package mcp serves the JSON-RPC tool protocol. One Dispatcher handles
// envelopes for both the stream listener and the HTTP /mcp endpoint.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pipeline"
	"github.com/tjfontaine/erp-mcp-gateway/internal/tools"
)

// DomainError is the JSON-RPC code for taxonomy failures other than
// validation and internal errors. data.code carries the taxonomy code.
const DomainError = -32000

// Request is an inbound envelope. ID is kept raw so it is echoed back unchanged.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorData accompanies tool failures.
type ErrorData struct {
	Code          domain.ErrorCode `json:"code"`
	CorrelationID string           `json:"correlationId,omitempty"`
}

// ToolCallParams are the params of tools/call.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Pipeline runs tool calls. *pipeline.Executor implements it.
type Pipeline interface {
	Execute(ctx context.Context, credentials string, call pipeline.Call) *domain.ToolResponse
	Registry() *tools.Registry
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Dispatcher routes envelopes to protocol methods.
type Dispatcher struct {
	pipeline Pipeline
	info     mcp.Implementation
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithServerInfo sets the name and version reported by initialize.
func WithServerInfo(name, version string) Option {
	return func(d *Dispatcher) { d.info = mcp.Implementation{Name: name, Version: version} }
}

// NewDispatcher creates a Dispatcher over p.
func NewDispatcher(p Pipeline, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pipeline: p,
		info:     mcp.Implementation{Name: "erp-mcp-gateway", Version: "dev"},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleMessage decodes one raw envelope and dispatches it. It returns nil
// when no reply must be sent.
func (d *Dispatcher) HandleMessage(ctx context.Context, credentials string, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil || req.Method == "" {
		msg := "invalid request envelope"
		if err != nil {
			msg = fmt.Sprintf("parse error: %v", err)
		}
		d.logger.Debug("malformed envelope", slog.String("error", msg))
		return errorResponse(nil, mcp.PARSE_ERROR, msg, nil)
	}
	return d.Handle(ctx, credentials, &req)
}

// Handle dispatches a decoded envelope.
func (d *Dispatcher) Handle(ctx context.Context, credentials string, req *Request) *Response {
	if req.Method == "initialized" || isNotificationMethod(req.Method) {
		return nil
	}

	var resp *Response
	switch req.Method {
	case string(mcp.MethodInitialize):
		resp = result(req.ID, d.initialize())
	case string(mcp.MethodPing):
		resp = result(req.ID, struct{}{})
	case string(mcp.MethodToolsList):
		resp = result(req.ID, mcp.ListToolsResult{Tools: d.pipeline.Registry().List()})
	case string(mcp.MethodToolsCall):
		resp = d.callTool(ctx, credentials, req)
	default:
		resp = errorResponse(req.ID, mcp.METHOD_NOT_FOUND, fmt.Sprintf("method not found: %s", req.Method), nil)
	}

	if len(req.ID) == 0 {
		return nil
	}
	return resp
}

func isNotificationMethod(method string) bool {
	return strings.HasPrefix(method, "notifications/")
}

func (d *Dispatcher) initialize() initializeResult {
	return initializeResult{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		ServerInfo:   d.info,
		Instructions: "ERP tools: customers, inventory, sales orders and payments. Write tools accept an idempotency_key.",
	}
}

func (d *Dispatcher) callTool(ctx context.Context, credentials string, req *Request) *Response {
	var params ToolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, mcp.INVALID_PARAMS, fmt.Sprintf("invalid params: %v", err), nil)
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, mcp.INVALID_PARAMS, "params.name is required", nil)
	}
	if _, ok := d.pipeline.Registry().Lookup(params.Name); !ok {
		return errorResponse(req.ID, mcp.INVALID_PARAMS, fmt.Sprintf("unknown tool: %s", params.Name), nil)
	}

	resp := d.pipeline.Execute(ctx, credentials, pipeline.Call{Tool: params.Name, Arguments: params.Arguments})
	if !resp.Success {
		return errorResponse(req.ID, rpcCode(resp.Error.Code), resp.Error.Message, ErrorData{
			Code:          resp.Error.Code,
			CorrelationID: resp.CorrelationID,
		})
	}

	return result(req.ID, mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(string(resp.Result))},
		StructuredContent: resp,
	})
}

// rpcCode maps a taxonomy code to a JSON-RPC error code.
func rpcCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeValidation:
		return mcp.INVALID_PARAMS
	case domain.CodeInternal:
		return mcp.INTERNAL_ERROR
	default:
		return DomainError
	}
}

func result(id json.RawMessage, v any) *Response {
	return &Response{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Result: v}
}

func errorResponse(id json.RawMessage, code int, message string, data any) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}
