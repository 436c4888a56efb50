package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/gigachain-team/giga-agent/internal/observability"
	"github.com/gigachain-team/giga-agent/internal/tracing"
	"github.com/gigachain-team/giga-agent/pkg/toolschema"
)

const maxRequestBody = 32 << 20

// error codes of the uniform error body
const (
	CodeNotFound         = "tool_not_found"
	CodeInvalidArguments = "invalid_arguments"
	CodeBadRequest       = "bad_request"
	CodeTimeout          = "timeout"
	CodeExecution        = "execution_failed"
)

type invokeRequest struct {
	Kwargs       map[string]any `json:"kwargs"`
	ThreadID     string         `json:"thread_id"`
	CheckpointID string         `json:"checkpoint_id"`
}

// ErrorBody is the body of every non-200 response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed call.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server exposes an Executor over HTTP.
type Server struct {
	executor *Executor
	logger   zerolog.Logger
	server   *http.Server
}

// NewServer creates a server for exec.
func NewServer(exec *Executor, logger zerolog.Logger) *Server {
	observability.EnsureRegistered()
	return &Server{executor: exec, logger: logger}
}

// Handler returns the HTTP routes: GET /tools, POST /{tool}, /metrics and
// /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tools", s.handleList)
	mux.HandleFunc("POST /{tool}", s.handleInvoke)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Int("tools", len(s.executor.List())).Msg("Starting tool server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown tool server: %w", err)
	}
	s.logger.Info().Msg("Tool server stopped")
	return nil
}

type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	defs := s.executor.List()
	out := make([]toolInfo, 0, len(defs))
	for _, d := range defs {
		schema := d.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, toolInfo{Name: d.Name, Description: d.Description, InputSchema: toolschema.Simplify(schema)})
	}
	observability.RecordHTTPRequest("tools", "list", http.StatusOK)
	writeJSON(w, http.StatusOK, out)
}

// routeLabel keeps the metric label set bounded: names the executor does
// not know share one label.
func (s *Server) routeLabel(name string) string {
	if _, ok := s.executor.Get(name); ok {
		return name
	}
	return "unknown"
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("tool")
	route := s.routeLabel(name)
	ctx := tracing.NewRequestContext(r.Context())
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("tool", name).Logger()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.fail(w, route, http.StatusBadRequest, CodeBadRequest, "read body: "+err.Error())
		return
	}
	var req invokeRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.fail(w, route, http.StatusBadRequest, CodeBadRequest, "decode body: "+err.Error())
			return
		}
	}
	if req.ThreadID != "" {
		ctx = tracing.WithThreadID(ctx, req.ThreadID)
	}

	result, err := s.executor.Execute(ctx, name, req.Kwargs, Call{ThreadID: req.ThreadID, CheckpointID: req.CheckpointID})
	if err != nil {
		switch {
		case errors.Is(err, ErrToolNotFound):
			s.fail(w, route, http.StatusNotFound, CodeNotFound, err.Error())
		case errors.Is(err, toolschema.ErrInvalidArguments):
			s.fail(w, route, http.StatusUnprocessableEntity, CodeInvalidArguments, err.Error())
		case errors.Is(err, ErrTimeout):
			s.fail(w, route, http.StatusGatewayTimeout, CodeTimeout, err.Error())
		default:
			logger.Warn().Err(err).Msg("Tool call failed")
			s.fail(w, route, http.StatusInternalServerError, CodeExecution, err.Error())
		}
		return
	}

	data, err := encodeData(result)
	if err != nil {
		s.fail(w, route, http.StatusInternalServerError, CodeExecution, "encode result: "+err.Error())
		return
	}
	observability.RecordHTTPRequest("tools", route, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{"data": data})
}

// encodeData renders a result as the JSON string carried in "data". Strings
// are sent as they are.
func encodeData(result any) (string, error) {
	if s, ok := result.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *Server) fail(w http.ResponseWriter, route string, status int, code, message string) {
	observability.RecordHTTPRequest("tools", route, status)
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
