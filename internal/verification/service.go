package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"VibeGuard/internal/chain"
	"VibeGuard/internal/delivery"
	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/ledger"
	"VibeGuard/internal/observability/metrics"
	"VibeGuard/internal/policy"
	"VibeGuard/internal/txparams"
	"VibeGuard/internal/vtoken"
	"VibeGuard/pkg/logger"
)

// Deliverer sends a message to a user over one kind of channel.
type Deliverer interface {
	Deliver(ctx context.Context, userID string, kind delivery.Kind, msg delivery.Message) (string, error)
}

// Config 是验证服务的可调参数。
type Config struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RateLimit   int           `yaml:"rate_limit"`
	RateWindow  time.Duration `yaml:"rate_window"`
	PinHash     HashParams    `yaml:"pin_hash"`
	// Retention keeps terminal requests readable for audit after expiry.
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// WithDefaults fills zero values: 3 attempts, 3 requests per 10 minutes.
func (c Config) WithDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 3
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 10 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	c.PinHash = c.PinHash.withDefaults()
	return c
}

// Dependencies wires the service. Biometric may be nil when no tier
// requires it.
type Dependencies struct {
	Policy    *policy.Holder
	Resolver  *chain.Resolver
	Requests  RequestStore
	Tokens    vtoken.Store
	Codec     *vtoken.Codec
	Limiter   RateLimiter
	Delivery  Deliverer
	Biometric BiometricVerifier
	Now       func() time.Time
}

// Service 负责验证请求的完整生命周期。
type Service struct {
	deps  Dependencies
	cfg   Config
	now   func() time.Time
	log   *slog.Logger
	audit *slog.Logger
}

// NewService validates deps and applies config defaults.
func NewService(deps Dependencies, cfg Config) (*Service, error) {
	switch {
	case deps.Policy == nil:
		return nil, errors.New("verification: policy is required")
	case deps.Resolver == nil:
		return nil, errors.New("verification: chain resolver is required")
	case deps.Requests == nil:
		return nil, errors.New("verification: request store is required")
	case deps.Tokens == nil:
		return nil, errors.New("verification: token store is required")
	case deps.Codec == nil:
		return nil, errors.New("verification: token codec is required")
	case deps.Delivery == nil:
		return nil, errors.New("verification: delivery dispatcher is required")
	}
	cfg = cfg.WithDefaults()
	if deps.Limiter == nil {
		deps.Limiter = NewMemoryRateLimiter(cfg.RateLimit, cfg.RateWindow)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		deps:  deps,
		cfg:   cfg,
		now:   now,
		log:   logger.Named("verification"),
		audit: logger.Audit().With(slog.String("component", "verification")),
	}, nil
}

// RequestHandle is returned to the UI. It never carries a PIN.
type RequestHandle struct {
	RequestID          string                `json:"request_id"`
	Tier               int                   `json:"tier"`
	Methods            []policy.Method       `json:"methods"`
	ExpiresAt          time.Time             `json:"expires_at"`
	Params             txparams.LockedParams `json:"params"`
	ParamsHash         string                `json:"params_hash"`
	BiometricChallenge string                `json:"biometric_challenge,omitempty"`
}

// RequestVerification classifies params, creates one factor per required
// method and dispatches the PINs out of band.
func (s *Service) RequestVerification(ctx context.Context, userID string, params txparams.LockedParams) (*RequestHandle, error) {
	userID = strings.TrimSpace(userID)
	if params.UserID == "" {
		params.UserID = userID
	}
	if userID == "" || params.UserID != userID {
		return nil, fmt.Errorf("%w: params belong to another user", txparams.ErrInvalidParams)
	}
	if strings.TrimSpace(params.Nonce) == "" {
		params.Nonce = uuid.NewString()
	}
	locked, err := params.Normalize(s.deps.Resolver)
	if err != nil {
		return nil, err
	}

	now := s.now()
	allowed, err := s.deps.Limiter.Allow(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if !allowed {
		metrics.ObserveOutcome("verification", "rate_limited")
		s.audit.Warn("verification rate limited", slog.String("user_id", userID))
		return nil, ErrRateLimited
	}

	tier := s.deps.Policy.Current().TierFor(locked.Type, locked.Amount, locked.Currency)
	req := &Request{
		ID:                uuid.NewString(),
		UserID:            userID,
		Params:            locked,
		ParamsHash:        locked.Hash(),
		Tier:              tier.Tier,
		TokenTTL:          tier.TokenTTL,
		AttemptsRemaining: s.cfg.MaxAttempts,
		State:             StateRequested,
		CreatedAt:         now,
		ExpiresAt:         now.Add(tier.TokenTTL),
	}

	handle := &RequestHandle{
		RequestID:  req.ID,
		Tier:       tier.Tier,
		Methods:    append([]policy.Method(nil), tier.RequiredMethods...),
		ExpiresAt:  req.ExpiresAt,
		Params:     locked,
		ParamsHash: req.ParamsHash,
	}
	pins := make(map[int]string, len(tier.RequiredMethods))
	for _, method := range tier.RequiredMethods {
		factor := Factor{Method: method}
		switch {
		case method.IsPIN():
			pin, err := generatePIN()
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "")
			}
			factor.Salt, factor.PinHash, err = s.cfg.PinHash.hashPIN(pin)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "")
			}
			factor.PinParams = s.cfg.PinHash
			pins[len(req.Factors)] = pin
		case method == policy.MethodBiometric:
			if s.deps.Biometric == nil {
				return nil, xerrors.New(xerrors.CodeInitializationFailure, "biometric verification is not configured")
			}
			challenge, err := generateChallenge()
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "")
			}
			factor.Challenge = challenge
			handle.BiometricChallenge = challenge
		default:
			return nil, fmt.Errorf("verification: unsupported method %q", method)
		}
		req.Factors = append(req.Factors, factor)
	}

	// 先投递再落库：任一渠道失败时请求从未存在，用户只需重新发起。
	for idx := range req.Factors {
		pin, ok := pins[idx]
		if !ok {
			continue
		}
		method := req.Factors[idx].Method
		deliveryID, err := s.deps.Delivery.Deliver(ctx, userID, kindFor(method), pinMessage(pin, locked, tier.TokenTTL))
		if err != nil {
			metrics.ObserveOutcome("verification", "delivery_failed")
			s.audit.Warn("verification discarded, delivery failed",
				slog.String("user_id", userID),
				slog.String("request_id", req.ID),
				slog.String("method", string(method)),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		req.Factors[idx].DeliveryID = deliveryID
	}

	if err := s.deps.Requests.Create(ctx, req); err != nil {
		return nil, err
	}
	metrics.ObserveOutcome("verification", "requested")
	s.audit.Info("verification requested",
		slog.String("user_id", userID),
		slog.String("request_id", req.ID),
		slog.Int("tier", tier.Tier),
		slog.String("type", string(locked.Type)),
		slog.String("amount", locked.Amount.String()),
		slog.String("currency", locked.Currency),
		slog.String("params_hash", req.ParamsHash),
		slog.Time("expires_at", req.ExpiresAt),
	)
	return handle, nil
}

// PinSubmission is one attempt at a PIN factor. Method may be empty when
// only one PIN factor is outstanding. UserID, when set, must own the request.
type PinSubmission struct {
	RequestID string
	UserID    string
	Method    policy.Method
	PIN       string
	ClientIP  string
	UserAgent string
}

// BiometricSubmission is one attempt at the biometric factor.
type BiometricSubmission struct {
	RequestID string
	UserID    string
	Assertion string
	ClientIP  string
	UserAgent string
}

// ValidationResult reports either the remaining factors or the issued token.
type ValidationResult struct {
	RequestID      string          `json:"request_id"`
	Pending        []policy.Method `json:"pending,omitempty"`
	Token          string          `json:"token,omitempty"`
	TokenExpiresAt time.Time       `json:"token_expires_at,omitempty"`
}

// Complete reports whether a token was issued.
func (r *ValidationResult) Complete() bool {
	return r != nil && r.Token != ""
}

// ValidatePin checks a PIN against its salted hash. The Argon2id derivation
// runs on a snapshot outside the store's critical section; only the outcome
// is applied atomically, after checking the factor's salt is unchanged.
func (s *Service) ValidatePin(ctx context.Context, sub PinSubmission) (*ValidationResult, error) {
	current, err := s.deps.Requests.Get(ctx, sub.RequestID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != "" && sub.UserID != current.UserID {
		return nil, ErrRequestNotFound
	}
	pin := strings.TrimSpace(sub.PIN)
	checked, salt, match := -1, "", false
	if openForValidation(current.Clone(), s.now()) == nil {
		if idx, err := pinFactor(current, sub.Method); err == nil {
			f := current.Factors[idx]
			checked, salt = idx, f.Salt
			match = s.pinParams(f).verifyPIN(pin, f.Salt, f.PinHash)
		}
	}

	now := s.now()
	req, err := s.deps.Requests.Update(ctx, sub.RequestID, func(r *Request) error {
		if err := openForValidation(r, now); err != nil {
			return err
		}
		idx, err := pinFactor(r, sub.Method)
		if err != nil {
			return err
		}
		if idx != checked || r.Factors[idx].Salt != salt {
			return fmt.Errorf("%w: PIN factor changed, resubmit", ErrInvalidRequest)
		}
		if !match {
			return failAttempt(r)
		}
		r.Factors[idx].VerifiedAt = now
		completeIfDone(r)
		return nil
	})
	return s.finish(ctx, req, err, sub.ClientIP, sub.UserAgent, now)
}

// pinParams 返回签发该因子时使用的 Argon2id 参数；旧记录没有保存参数时沿用当前配置。
func (s *Service) pinParams(f Factor) HashParams {
	if f.PinParams == (HashParams{}) {
		return s.cfg.PinHash
	}
	return f.PinParams
}

// ValidateBiometric checks a device assertion over the request challenge.
func (s *Service) ValidateBiometric(ctx context.Context, sub BiometricSubmission) (*ValidationResult, error) {
	if s.deps.Biometric == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "biometric verification is not configured")
	}
	current, err := s.deps.Requests.Get(ctx, sub.RequestID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != "" && sub.UserID != current.UserID {
		return nil, ErrRequestNotFound
	}
	idx := current.factor(policy.MethodBiometric)
	if idx < 0 {
		return nil, fmt.Errorf("%w: no outstanding biometric factor", ErrInvalidRequest)
	}
	challenge := current.Factors[idx].Challenge

	// 设备密钥查询在锁外完成，结果再在原子更新中落地。
	ok, verr := s.deps.Biometric.Verify(ctx, current.UserID, current.ID, challenge, sub.Assertion)
	if verr != nil {
		return nil, verr
	}
	now := s.now()
	req, err := s.deps.Requests.Update(ctx, sub.RequestID, func(r *Request) error {
		if err := openForValidation(r, now); err != nil {
			return err
		}
		i := r.factor(policy.MethodBiometric)
		if i < 0 || r.Factors[i].Challenge != challenge {
			return fmt.Errorf("%w: biometric challenge changed", ErrInvalidRequest)
		}
		if !ok {
			return failAttempt(r)
		}
		r.Factors[i].VerifiedAt = now
		completeIfDone(r)
		return nil
	})
	return s.finish(ctx, req, err, sub.ClientIP, sub.UserAgent, now)
}

// finish records the outcome of an attempt and issues the token once the
// request has been consumed.
func (s *Service) finish(ctx context.Context, req *Request, err error, clientIP, userAgent string, now time.Time) (*ValidationResult, error) {
	if err != nil {
		s.auditFailure(req, err)
		return nil, err
	}
	result := &ValidationResult{RequestID: req.ID}
	if req.State != StateValidated {
		result.Pending = req.Pending()
		s.audit.Info("verification factor accepted",
			slog.String("user_id", req.UserID),
			slog.String("request_id", req.ID),
			slog.Int("pending", len(result.Pending)),
		)
		return result, nil
	}

	token := vtoken.Token{
		ID:               req.TokenID,
		UserID:           req.UserID,
		RequestID:        req.ID,
		ParamsHash:       req.ParamsHash,
		IssuedAt:         now,
		ExpiresAt:        now.Add(req.TokenTTL),
		IssuingIP:        clientIP,
		IssuingUserAgent: userAgent,
	}
	if err := s.deps.Tokens.Save(ctx, token); err != nil {
		s.log.Error("token save failed after request was consumed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	handle, err := s.deps.Codec.Encode(token)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "")
	}
	// validated 状态本身已拒绝再次校验，这里失败只影响审计字段。
	if _, err := s.deps.Requests.Update(ctx, req.ID, func(r *Request) error {
		if r.State == StateValidated {
			r.State = StateConsumed
			r.ConsumedAt = now
		}
		return nil
	}); err != nil {
		s.log.Warn("mark request consumed failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
	metrics.ObserveOutcome("verification", "token_issued")
	s.audit.Info("verification token issued",
		slog.String("user_id", req.UserID),
		slog.String("request_id", req.ID),
		slog.String("token_id", token.ID),
		slog.String("params_hash", token.ParamsHash),
		slog.Time("expires_at", token.ExpiresAt),
		slog.String("client_ip", clientIP),
	)
	result.Token = handle
	result.TokenExpiresAt = token.ExpiresAt
	return result, nil
}

func (s *Service) auditFailure(req *Request, err error) {
	attrs := []any{slog.String("code", string(xerrors.CodeOf(err)))}
	if req != nil {
		attrs = append(attrs,
			slog.String("user_id", req.UserID),
			slog.String("request_id", req.ID),
			slog.Int("attempts_remaining", req.AttemptsRemaining),
			slog.String("state", string(req.State)),
		)
	}
	switch {
	case errors.Is(err, ErrAttemptsExhausted):
		metrics.ObserveOutcome("verification", "exhausted")
		s.audit.Warn("verification exhausted", attrs...)
	case errors.Is(err, ErrExpired):
		metrics.ObserveOutcome("verification", "expired")
		s.audit.Info("verification expired", attrs...)
	case errors.Is(err, ErrPinMismatch):
		metrics.ObserveOutcome("verification", "mismatch")
		s.audit.Info("verification proof mismatch", attrs...)
	default:
		s.audit.Info("verification rejected", attrs...)
	}
}

// openForValidation enforces the state machine before any attempt. An
// expired request is moved to expired whatever the submitted proof.
func openForValidation(r *Request, now time.Time) error {
	switch r.State {
	case StateExhausted:
		return ErrAttemptsExhausted
	case StateExpired:
		return ErrExpired
	case StateConsumed, StateValidated:
		return fmt.Errorf("%w: request already consumed", ErrInvalidRequest)
	}
	if r.Expired(now) {
		r.State = StateExpired
		return ErrExpired
	}
	return nil
}

func pinFactor(r *Request, method policy.Method) (int, error) {
	if method != "" {
		if !method.IsPIN() {
			return -1, fmt.Errorf("%w: %q is not a PIN method", ErrInvalidRequest, method)
		}
		idx := r.factor(method)
		if idx < 0 {
			return -1, fmt.Errorf("%w: no outstanding %s factor", ErrInvalidRequest, method)
		}
		return idx, nil
	}
	found := -1
	for i, f := range r.Factors {
		if f.Method.IsPIN() && !f.Verified() {
			if found >= 0 {
				return -1, fmt.Errorf("%w: method is required when several PINs are outstanding", ErrInvalidRequest)
			}
			found = i
		}
	}
	if found < 0 {
		return -1, fmt.Errorf("%w: no outstanding PIN factor", ErrInvalidRequest)
	}
	return found, nil
}

func failAttempt(r *Request) error {
	r.AttemptsRemaining--
	if r.AttemptsRemaining <= 0 {
		r.AttemptsRemaining = 0
		r.State = StateExhausted
		return ErrAttemptsExhausted
	}
	return xerrors.New(CodePinMismatch, "proof did not match",
		xerrors.WithMetadata("attempts_remaining", strconv.Itoa(r.AttemptsRemaining)))
}

// completeIfDone moves the request to validated once every factor is
// verified. The token ID is fixed here so request and token reference each
// other; finish marks the request consumed after the token is stored.
func completeIfDone(r *Request) {
	if len(r.Pending()) > 0 {
		return
	}
	r.State = StateValidated
	r.TokenID = uuid.NewString()
}

// AttemptsRemaining extracts the counter carried by a PIN_MISMATCH error.
func AttemptsRemaining(err error) (int, bool) {
	e, ok := xerrors.From(err)
	if !ok || e.Code() != CodePinMismatch {
		return 0, false
	}
	n, convErr := strconv.Atoi(e.Metadata()["attempts_remaining"])
	if convErr != nil {
		return 0, false
	}
	return n, true
}

func kindFor(method policy.Method) delivery.Kind {
	if method == policy.MethodEmailPin {
		return delivery.KindEmail
	}
	return delivery.KindSMS
}

func pinMessage(pin string, params txparams.LockedParams, ttl time.Duration) delivery.Message {
	minutes := int(ttl.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	action := string(params.Type)
	if params.Destination != "" {
		action += " to " + params.Destination
	}
	return delivery.Message{
		Subject: "Your VibeGuard verification code",
		Body: fmt.Sprintf("VibeGuard code: %s. It confirms %s %s %s and expires in %d min. Never share this code.",
			pin, action, params.Amount.String(), ledger.NormalizeCurrency(params.Currency), minutes),
	}
}
