package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"VibeGuard/internal/auth"
	"VibeGuard/internal/execution"
	"VibeGuard/internal/ledger"
	"VibeGuard/internal/observability/metrics"
	"VibeGuard/internal/query"
	"VibeGuard/internal/txparams"
	"VibeGuard/internal/verification"
)

// QueryService is the read-only surface served under ledger:read.
type QueryService interface {
	GetBalances(ctx context.Context, userID string) ([]ledger.Balance, error)
	GetTransactionHistory(ctx context.Context, userID string, q query.HistoryQuery) (query.Page[ledger.Transaction], error)
	GetRewardHistory(ctx context.Context, userID string, q query.HistoryQuery) (query.Page[ledger.Reward], error)
	GetTransaction(ctx context.Context, userID, id string) (ledger.Transaction, error)
	ResolveHandle(ctx context.Context, handle string) (ledger.Wallet, error)
	GetStakePositions(ctx context.Context, userID string) ([]ledger.StakePosition, error)
	GetMultiplierBreakdown(ctx context.Context, userID string) (query.MultiplierBreakdown, error)
	EstimateTransaction(ctx context.Context, in query.EstimateParams) (query.Estimate, error)
}

// VerificationService issues challenges and validates proofs.
type VerificationService interface {
	RequestVerification(ctx context.Context, userID string, params txparams.LockedParams) (*verification.RequestHandle, error)
	ValidatePin(ctx context.Context, sub verification.PinSubmission) (*verification.ValidationResult, error)
	ValidateBiometric(ctx context.Context, sub verification.BiometricSubmission) (*verification.ValidationResult, error)
}

// ExecutionService performs token-gated mutations.
type ExecutionService interface {
	SendPayment(ctx context.Context, userID, tokenHandle string, req execution.SendPaymentRequest) (*execution.Receipt, error)
	StakeVibe(ctx context.Context, userID, tokenHandle string, req execution.StakeRequest) (*execution.Receipt, error)
	Unstake(ctx context.Context, userID, tokenHandle string, req execution.StakeRequest) (*execution.Receipt, error)
	CreatePaymentRequest(ctx context.Context, userID, tokenHandle string, req execution.PaymentRequestRequest) (*execution.Receipt, error)
}

// Services 汇总 API 依赖的业务服务。
type Services struct {
	Auth         *auth.Service
	Query        QueryService
	Verification VerificationService
	Execution    ExecutionService
}

// Options 控制 HTTP 服务器参数。
type Options struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server 负责暴露 REST 接口。
type Server struct {
	opts     Options
	services Services
	handler  http.Handler
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options, services Services) (*Server, error) {
	switch {
	case services.Auth == nil:
		return nil, errors.New("api: auth service is required")
	case services.Query == nil:
		return nil, errors.New("api: query service is required")
	case services.Verification == nil:
		return nil, errors.New("api: verification service is required")
	case services.Execution == nil:
		return nil, errors.New("api: execution service is required")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{opts: opts, services: services}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	read := s.guard(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermLedgerRead}},
		AuditEvent:          "ledger_read",
	})
	verify := s.guard(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermFundsVerify}},
		HumanOnly:           true,
		AuditEvent:          "verification_call",
	})
	execute := s.guard(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermFundsExecute}},
		HumanOnly:           true,
		AuditEvent:          "execution_call",
	})

	s.handle(mux, "GET /healthz", http.HandlerFunc(handleHealth))
	s.handle(mux, "GET /metrics", metrics.Handler())
	s.handle(mux, "POST /api/v1/auth/token", http.HandlerFunc(s.handleToken))

	s.handle(mux, "GET /api/v1/balances", read(s.handleBalances))
	s.handle(mux, "GET /api/v1/transactions", read(s.handleTransactions))
	s.handle(mux, "GET /api/v1/transactions/{id}", read(s.handleTransaction))
	s.handle(mux, "GET /api/v1/rewards", read(s.handleRewards))
	s.handle(mux, "GET /api/v1/stake-positions", read(s.handleStakePositions))
	s.handle(mux, "GET /api/v1/multiplier", read(s.handleMultiplier))
	s.handle(mux, "GET /api/v1/handles/{handle}", read(s.handleResolveHandle))
	s.handle(mux, "POST /api/v1/estimates", read(s.handleEstimate))

	s.handle(mux, "POST /api/v1/verifications", verify(s.handleRequestVerification))
	s.handle(mux, "POST /api/v1/verifications/{id}/pin", verify(s.handleValidatePin))
	s.handle(mux, "POST /api/v1/verifications/{id}/biometric", verify(s.handleValidateBiometric))

	s.handle(mux, "POST /api/v1/execution/send", execute(s.handleSend))
	s.handle(mux, "POST /api/v1/execution/stake", execute(s.handleStake))
	s.handle(mux, "POST /api/v1/execution/unstake", execute(s.handleUnstake))
	s.handle(mux, "POST /api/v1/execution/payment-requests", execute(s.handlePaymentRequest))

	return mux
}

// guard 返回把处理函数包进鉴权中间件的包装器。
func (s *Server) guard(cfg auth.MiddlewareConfig) func(http.HandlerFunc) http.Handler {
	cfg.OnError = writeAuthError
	mw := s.services.Auth.Middleware(cfg)
	return func(h http.HandlerFunc) http.Handler {
		return mw(h)
	}
}

// handle registers h and records request metrics under the route pattern.
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
		Addr:              s.opts.Address,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.services.Auth.Authenticate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
