package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"VibeGuard/internal/auth"
	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/observability/metrics"
	"VibeGuard/pkg/logger"
)

const maxBodyBytes = 64 << 10

// Server 通过 HTTP 暴露助手。所有路由只需要 ledger:read。
type Server struct {
	agent   *Agent
	auth    *auth.Service
	cfg     Config
	handler http.Handler
}

// NewServer wires the routes.
func NewServer(cfg Config, ag *Agent, authSvc *auth.Service) (*Server, error) {
	switch {
	case ag == nil || ag.Tools() == nil:
		return nil, errors.New("agent: agent with a toolbox is required")
	case authSvc == nil:
		return nil, errors.New("agent: auth service is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{agent: ag, auth: authSvc, cfg: cfg}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mw := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermLedgerRead}},
		AuditEvent:          "agent_call",
		OnError:             writeError,
	})
	read := func(h http.HandlerFunc) http.Handler { return mw(h) }

	s.handle(mux, "GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	s.handle(mux, "GET /agent/v1/tools", read(s.handleListTools))
	s.handle(mux, "POST /agent/v1/tools/{name}", read(s.handleInvokeTool))
	s.handle(mux, "POST /agent/v1/chat", read(s.handleChat))
	s.handle(mux, "GET /agent/v1/history", read(s.handleHistory))
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	}))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.agent.Tools().List()})
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "request body too large"))
		return
	}
	result, err := s.agent.Tools().Invoke(r.Context(), auth.UserIDFromContext(r.Context()), r.PathValue("name"), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"))
		return
	}
	result, err := s.agent.Chat(r.Context(), auth.UserIDFromContext(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.agent.ListHistory(auth.UserIDFromContext(r.Context()), limit)})
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Named("agent").Error("请求处理失败", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="mira"`)
	}
	var body errorBody
	body.Error.Code = string(xerrors.CodeOf(err))
	body.Error.Message = xerrors.UserMessage(err)
	writeJSON(w, status, body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
