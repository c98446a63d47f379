package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pipeline"
	"github.com/tjfontaine/erp-mcp-gateway/internal/webhook"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// adminRole is required for webhook administration.
const adminRole = "admin"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, te *domain.ToolError) {
	AddLogField(r.Context(), "error_code", string(te.Code))
	writeJSON(w, te.HTTPStatusCode(), domain.Failed(te))
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.ValidationError("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Health.Status())
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.deps.Pipeline.Registry().List()})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var call pipeline.Call
	if err := decodeBody(r, &call); err != nil {
		writeError(w, r, pipeline.Classify(err))
		return
	}
	if call.Tool == "" {
		writeError(w, r, domain.ValidationError("tool is required"))
		return
	}

	AddLogField(r.Context(), "tool", call.Tool)
	resp := s.deps.Pipeline.Execute(r.Context(), Credentials(r.Context()), call)
	AddLogField(r.Context(), "correlation_id", resp.CorrelationID)

	status := http.StatusOK
	if !resp.Success {
		status = resp.Error.HTTPStatusCode()
		AddLogField(r.Context(), "error_code", string(resp.Error.Code))
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		AddError(r.Context(), err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	resp := s.deps.Dispatcher.HandleMessage(r.Context(), Credentials(r.Context()), body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if resp.Error != nil {
		AddLogField(r.Context(), "rpc_error", strconv.Itoa(resp.Error.Code))
	}
	writeJSON(w, http.StatusOK, resp)
}

// requireAdmin admits callers holding the admin role. Without an auth
// provider every caller is admitted.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		token := Credentials(r.Context())
		if token == "" {
			writeError(w, r, domain.ForbiddenError("credentials required"))
			return
		}
		id, err := s.deps.Auth.Authenticate(r.Context(), token)
		if err != nil || id == nil {
			s.logger.Debug("admin authentication failed", slog.Any("error", err))
			writeError(w, r, domain.ForbiddenError("authentication failed"))
			return
		}
		if !id.HasRole(adminRole) {
			writeError(w, r, domain.ForbiddenError("admin role required"))
			return
		}
		AddLogField(r.Context(), "user_id", id.UserID)
		next.ServeHTTP(w, r)
	})
}

func listOptions(r *http.Request) ports.ListOptions {
	opts := ports.ListOptions{Limit: 50}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		opts.Limit = min(v, 500)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		opts.Offset = v
	}
	return opts
}

func (s *Server) webhookError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case webhook.IsNotFound(err):
		writeError(w, r, domain.NewToolError(domain.CodeNotFound, "subscription not found"))
	default:
		var te *domain.ToolError
		if errors.As(err, &te) {
			writeError(w, r, te)
			return
		}
		AddError(r.Context(), err)
		writeError(w, r, domain.InternalError())
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req webhook.SubscribeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, pipeline.Classify(err))
		return
	}
	sub, err := s.deps.Webhooks.Subscribe(r.Context(), req)
	if err != nil {
		s.webhookError(w, r, err)
		return
	}
	AddLogField(r.Context(), "subscription_id", sub.ID)
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Webhooks.List(r.Context(), listOptions(r))
	if err != nil {
		s.webhookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Webhooks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.webhookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "subscription_id", id)
	if err := s.deps.Webhooks.Unsubscribe(r.Context(), id); err != nil {
		s.webhookError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := s.deps.Webhooks.Deliveries(r.Context(), chi.URLParam(r, "id"), listOptions(r))
	if err != nil {
		s.webhookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}
