package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/gigachain-team/giga-agent/internal/observability"
	"github.com/gigachain-team/giga-agent/internal/tracing"
	"github.com/gigachain-team/giga-agent/pkg/agent"
	"github.com/gigachain-team/giga-agent/pkg/checkpoint"
)

const maxBodyBytes = 8 << 20

// ThreadRunner drives threads. *agent.Controller implements it.
type ThreadRunner interface {
	Run(ctx context.Context, threadID string, in agent.Input) (*agent.State, error)
	Resume(ctx context.Context, threadID string, decision agent.Decision) (*agent.State, error)
	State(ctx context.Context, threadID string) (*agent.State, error)
	History(ctx context.Context, threadID string) ([]checkpoint.Checkpoint, error)
	Abort(threadID string) bool
	IsRunning(threadID string) bool
}

// Server is the thread API: runs, resumes, state and event streams.
type Server struct {
	host           string
	port           int
	tickInterval   time.Duration
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	broadcaster    *EventBroadcaster
	auth           *AuthHandler
	limiters       *LimiterPool
	runner         ThreadRunner
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	TickInterval time.Duration
	// RequestsPerMinute and MaxConcurrentRuns bound runs per client address.
	RequestsPerMinute int
	MaxConcurrentRuns int
	Runner            ThreadRunner
	// Clients and Broadcaster are shared with the controller's event sink.
	// Both are created when nil.
	Clients     *ClientRegistry
	Broadcaster *EventBroadcaster
	Logger      zerolog.Logger
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("thread runner is required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}
	clients := cfg.Clients
	if clients == nil {
		clients = NewClientRegistry()
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = NewEventBroadcaster(clients, cfg.Logger)
	}

	return &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		tickInterval: cfg.TickInterval,
		clients:      clients,
		broadcaster:  broadcaster,
		auth:         NewAuthHandler(cfg.SharedSecret),
		limiters:     NewLimiterPool(cfg.RequestsPerMinute, cfg.MaxConcurrentRuns),
		runner:       cfg.Runner,
		logger:       cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the shared secret guards the stream
			},
		},
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads", s.route("create_thread", s.handleCreateThread))
	mux.HandleFunc("POST /threads/{id}/runs", s.route("run", s.limited(s.handleRun)))
	mux.HandleFunc("POST /threads/{id}/resume", s.route("resume", s.limited(s.handleResume)))
	mux.HandleFunc("POST /threads/{id}/abort", s.route("abort", s.handleAbort))
	mux.HandleFunc("GET /threads/{id}", s.route("get_thread", s.handleGetThread))
	mux.HandleFunc("GET /threads/{id}/history", s.route("history", s.handleHistory))
	mux.HandleFunc("GET /threads/{id}/stream", s.handleStream)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start starts the Gateway Server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the Gateway Server
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast("server.shutdown", map[string]any{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight runs completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast("tick", map[string]any{"status": "alive"})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// route wraps a handler with authentication and request metrics.
func (s *Server) route(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() { observability.RecordHTTPRequest("gateway", name, rec.status) }()

		if !s.auth.Authorize(r) {
			fail(rec, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid secret")
			return
		}
		if s.shuttingDown() {
			fail(rec, http.StatusServiceUnavailable, CodeInternal, "server is shutting down")
			return
		}

		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		ctx := tracing.WithTraceID(r.Context(), traceID)
		if id := r.PathValue("id"); id != "" {
			ctx = tracing.WithThreadID(ctx, id)
		}
		rec.Header().Set("X-Trace-Id", traceID)
		h(rec, r.WithContext(ctx))
	}
}

// limited applies the per-address run limits.
func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limiter := s.limiters.For(clientKey(r))
		if ok, reason := limiter.Acquire(); !ok {
			fail(w, http.StatusTooManyRequests, CodeRateLimited, reason)
			return
		}
		defer limiter.Release()
		h(w, r)
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ThreadID string `json:"thread_id"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		fail(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	threadID := body.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	if _, err := s.runner.State(r.Context(), threadID); err == nil {
		fail(w, http.StatusConflict, CodeConflict, "thread already exists")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"thread_id": threadID})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	var in agent.Input
	if err := decodeBody(r, &in, false); err != nil {
		fail(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Files) == 0 {
		fail(w, http.StatusBadRequest, CodeBadRequest, "content is required")
		return
	}

	s.execute(w, r, threadID, func(ctx context.Context) (*agent.State, error) {
		return s.runner.Run(ctx, threadID, in)
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	var decision agent.Decision
	if err := decodeBody(r, &decision, false); err != nil {
		fail(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if err := decision.Validate(); err != nil {
		fail(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	s.execute(w, r, threadID, func(ctx context.Context) (*agent.State, error) {
		return s.runner.Resume(ctx, threadID, decision)
	})
}

// execute runs fn detached from the request so a dropped connection does
// not cancel the turn. With ?wait=false it answers 202 right away and the
// outcome is delivered on the stream.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, threadID string, fn func(ctx context.Context) (*agent.State, error)) {
	ctx := tracing.Detach(r.Context())
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if r.URL.Query().Get("wait") == "false" {
		if s.runner.IsRunning(threadID) {
			fail(w, http.StatusConflict, CodeConflict, agent.ErrThreadBusy.Error())
			return
		}
		s.inFlightReqs.Add(1)
		go func() {
			defer s.inFlightReqs.Done()
			defer func() {
				if p := recover(); p != nil {
					logger.Error().Interface("panic", p).Msg("Background run panicked")
				}
			}()
			if _, err := fn(ctx); err != nil {
				logger.Warn().Err(err).Msg("Background run failed")
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"thread_id": threadID, "running": true})
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	st, err := fn(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Run failed")
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newThreadView(st, false))
}

func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrThreadBusy),
		errors.Is(err, agent.ErrAwaitingApproval),
		errors.Is(err, agent.ErrNotAwaiting):
		fail(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, checkpoint.ErrNotFound):
		fail(w, http.StatusNotFound, CodeNotFound, err.Error())
	default:
		fail(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": s.runner.Abort(r.PathValue("id"))})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	st, err := s.runner.State(r.Context(), threadID)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newThreadView(st, s.runner.IsRunning(threadID)))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.runner.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeRunError(w, err)
		return
	}
	if history == nil {
		history = []checkpoint.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": history})
}

// handleStream subscribes a websocket client to a thread's events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Authorize(r) {
		observability.RecordHTTPRequest("gateway", "stream", http.StatusUnauthorized)
		fail(w, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid secret")
		return
	}
	if s.shuttingDown() {
		observability.RecordHTTPRequest("gateway", "stream", http.StatusServiceUnavailable)
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	observability.RecordHTTPRequest("gateway", "stream", http.StatusSwitchingProtocols)

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ThreadID:     r.PathValue("id"),
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("thread_id", client.ThreadID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	hello, _ := json.Marshal(EventMessage{
		Type:      "event",
		Event:     "stream.connected",
		ThreadID:  client.ThreadID,
		Data:      map[string]any{"client_id": clientID, "running": s.runner.IsRunning(client.ThreadID)},
		Timestamp: time.Now().UnixMilli(),
	})
	if err := client.WriteMessage(websocket.TextMessage, hello); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to greet client")
		conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

// handleClient reads until the client goes away. Incoming frames only keep
// the connection alive.
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.UpdateActivity(client.ID)
	}
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

// decodeBody decodes a JSON body; an empty body is an error unless
// optional.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func fail(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
