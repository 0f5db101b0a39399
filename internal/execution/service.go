// Package execution 是唯一能够改变账本状态的服务。每个操作都必须携带验证服务
// 签发的一次性令牌，且请求参数的哈希必须与令牌绑定的哈希逐字节一致。
package execution

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"VibeGuard/internal/chain"
	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/ledger"
	"VibeGuard/internal/observability/metrics"
	"VibeGuard/internal/txparams"
	"VibeGuard/internal/vtoken"
	"VibeGuard/internal/web3"
	"VibeGuard/pkg/logger"
)

// MismatchPolicy decides what happens to a token presented with params
// that do not match its hash.
type MismatchPolicy string

const (
	// MismatchBurn consumes the token so it cannot be replayed.
	MismatchBurn MismatchPolicy = "burn"
	// MismatchKeep leaves the token usable with the original params.
	MismatchKeep MismatchPolicy = "keep"
)

// ParseMismatchPolicy accepts "burn" (default for empty) or "keep".
func ParseMismatchPolicy(raw string) (MismatchPolicy, error) {
	switch MismatchPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", MismatchBurn:
		return MismatchBurn, nil
	case MismatchKeep:
		return MismatchKeep, nil
	default:
		return "", fmt.Errorf("unknown on_params_mismatch policy %q", raw)
	}
}

// Config 是执行服务的配置。
type Config struct {
	OnParamsMismatch MismatchPolicy `yaml:"on_params_mismatch"`
	// StakeCurrency is the token StakeVibe and Unstake operate on.
	StakeCurrency string `yaml:"stake_currency"`
}

// Publisher hands a freshly appended transaction to settlement.
type Publisher interface {
	Publish(ctx context.Context, tx ledger.Transaction) error
}

// Dependencies wires the service. Settlement may be nil, in which case
// pending transactions are picked up by settlement recovery.
type Dependencies struct {
	Ledger     ledger.Store
	Tokens     vtoken.Store
	Codec      *vtoken.Codec
	Resolver   *chain.Resolver
	Fees       web3.FeeOracle
	Settlement Publisher
	Now        func() time.Time
}

// Receipt 是执行成功后返回的回执。
type Receipt struct {
	TransactionID string          `json:"transaction_id"`
	Type          ledger.TxType   `json:"type"`
	Status        ledger.TxStatus `json:"status"`
	Currency      string          `json:"currency"`
	Chain         string          `json:"chain"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SendPaymentRequest must repeat the verified params exactly.
type SendPaymentRequest struct {
	Currency    string          `json:"currency"`
	Chain       string          `json:"chain"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
	Nonce       string          `json:"nonce"`
}

// StakeRequest is used by StakeVibe and Unstake.
type StakeRequest struct {
	Chain  string          `json:"chain"`
	Amount decimal.Decimal `json:"amount"`
	Nonce  string          `json:"nonce"`
}

// PaymentRequestRequest asks Payer to pay the caller.
type PaymentRequestRequest struct {
	Currency string          `json:"currency"`
	Chain    string          `json:"chain"`
	Amount   decimal.Decimal `json:"amount"`
	Payer    string          `json:"payer"`
	Nonce    string          `json:"nonce"`
}

const lockStripes = 64

// Service gates every mutation behind a verification token.
type Service struct {
	deps  Dependencies
	cfg   Config
	now   func() time.Time
	locks [lockStripes]sync.Mutex
	log   *slog.Logger
	audit *slog.Logger
}

// NewService validates deps. The mismatch policy defaults to burn.
func NewService(deps Dependencies, cfg Config) (*Service, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("execution: ledger is required")
	case deps.Tokens == nil:
		return nil, errors.New("execution: token store is required")
	case deps.Codec == nil:
		return nil, errors.New("execution: token codec is required")
	case deps.Resolver == nil:
		return nil, errors.New("execution: chain resolver is required")
	case deps.Fees == nil:
		return nil, errors.New("execution: fee oracle is required")
	}
	policy, err := ParseMismatchPolicy(string(cfg.OnParamsMismatch))
	if err != nil {
		return nil, err
	}
	cfg.OnParamsMismatch = policy
	if strings.TrimSpace(cfg.StakeCurrency) == "" {
		cfg.StakeCurrency = "vibe"
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		deps:  deps,
		cfg:   cfg,
		now:   now,
		log:   logger.Named("execution"),
		audit: logger.Audit().With(slog.String("component", "execution")),
	}, nil
}

// SendPayment moves funds to an address or handle.
func (s *Service) SendPayment(ctx context.Context, userID, tokenHandle string, req SendPaymentRequest) (*Receipt, error) {
	return s.execute(ctx, userID, tokenHandle, txparams.LockedParams{
		Type:        ledger.TxSend,
		Currency:    req.Currency,
		Chain:       req.Chain,
		Amount:      req.Amount,
		Destination: req.Destination,
		Nonce:       req.Nonce,
	})
}

// StakeVibe moves VIBE from the available book into a stake position.
func (s *Service) StakeVibe(ctx context.Context, userID, tokenHandle string, req StakeRequest) (*Receipt, error) {
	return s.execute(ctx, userID, tokenHandle, txparams.LockedParams{
		Type:     ledger.TxStake,
		Currency: s.cfg.StakeCurrency,
		Chain:    req.Chain,
		Amount:   req.Amount,
		Nonce:    req.Nonce,
	})
}

// Unstake releases staked VIBE back to the available book, minus the fee.
func (s *Service) Unstake(ctx context.Context, userID, tokenHandle string, req StakeRequest) (*Receipt, error) {
	return s.execute(ctx, userID, tokenHandle, txparams.LockedParams{
		Type:     ledger.TxUnstake,
		Currency: s.cfg.StakeCurrency,
		Chain:    req.Chain,
		Amount:   req.Amount,
		Nonce:    req.Nonce,
	})
}

// CreatePaymentRequest records a request for Payer to pay the caller. No
// funds move.
func (s *Service) CreatePaymentRequest(ctx context.Context, userID, tokenHandle string, req PaymentRequestRequest) (*Receipt, error) {
	return s.execute(ctx, userID, tokenHandle, txparams.LockedParams{
		Type:        ledger.TxPaymentRequest,
		Currency:    req.Currency,
		Chain:       req.Chain,
		Amount:      req.Amount,
		Destination: req.Payer,
		Nonce:       req.Nonce,
	})
}

// execute runs the gate: token checks, hash comparison, single-use CAS,
// balance check and append. Exactly one transaction is appended per pass.
func (s *Service) execute(ctx context.Context, userID, tokenHandle string, params txparams.LockedParams) (*Receipt, error) {
	token, err := s.lookupToken(ctx, userID, tokenHandle)
	if err != nil {
		return nil, s.reject(userID, token.ID, err)
	}
	now := s.now()
	if token.Expired(now) {
		return nil, s.reject(userID, token.ID, fmt.Errorf("%w: expired", ErrInvalidToken))
	}
	if token.Used {
		return nil, s.reject(userID, token.ID, ErrTokenAlreadyUsed)
	}

	params.UserID = userID
	locked, normErr := params.Normalize(s.deps.Resolver)
	if normErr != nil || !txparams.HashEqual(locked.Hash(), token.ParamsHash) {
		return nil, s.mismatch(ctx, token, now, normErr)
	}

	// 令牌被消费前完成所有可能失败的外部查询，避免无谓地烧掉令牌。
	fee, err := s.deps.Fees.EstimateFee(ctx, locked.Chain, locked.Currency, locked.Type)
	if err != nil {
		return nil, err
	}
	recipient, err := s.recipientOf(ctx, locked)
	if err != nil {
		return nil, err
	}

	if _, err := s.deps.Tokens.Consume(ctx, token.ID, now); err != nil {
		switch {
		case errors.Is(err, vtoken.ErrAlreadyUsed):
			return nil, s.reject(userID, token.ID, ErrTokenAlreadyUsed)
		case errors.Is(err, vtoken.ErrExpired), errors.Is(err, vtoken.ErrNotFound):
			return nil, s.reject(userID, token.ID, fmt.Errorf("%w: %v", ErrInvalidToken, err))
		default:
			return nil, err
		}
	}
	s.audit.Info("verification token redeemed",
		slog.String("user_id", userID),
		slog.String("token_id", token.ID),
		slog.String("request_id", token.RequestID),
	)

	tx := ledger.Transaction{
		ID:              uuid.NewString(),
		UserID:          userID,
		Type:            locked.Type,
		Currency:        ledger.NormalizeCurrency(locked.Currency),
		Chain:           ledger.NormalizeChain(locked.Chain),
		Amount:          locked.Amount,
		Fee:             fee.Amount,
		Destination:     locked.Destination,
		RecipientUserID: recipient,
		Status:          ledger.StatusPending,
		Reference:       "vreq:" + token.RequestID,
		CreatedAt:       now,
	}
	if err := s.appendLocked(ctx, &tx); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return nil, s.reject(userID, token.ID, err)
		}
		return nil, err
	}

	metrics.ObserveOutcome("execution", "transaction_created")
	s.audit.Info("transaction created",
		slog.String("user_id", userID),
		slog.String("transaction_id", tx.ID),
		slog.String("type", string(tx.Type)),
		slog.String("amount", tx.Amount.String()),
		slog.String("fee", tx.Fee.String()),
		slog.String("currency", tx.Currency),
		slog.String("chain", tx.Chain),
		slog.String("token_id", token.ID),
	)
	if s.deps.Settlement != nil {
		if err := s.deps.Settlement.Publish(ctx, tx); err != nil {
			// 交易已是 pending，结算恢复任务会重新投递。
			s.log.Warn("publish to settlement failed",
				slog.String("transaction_id", tx.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return &Receipt{
		TransactionID: tx.ID,
		Type:          tx.Type,
		Status:        tx.Status,
		Currency:      tx.Currency,
		Chain:         tx.Chain,
		Amount:        tx.Amount,
		Fee:           tx.Fee,
		CreatedAt:     tx.CreatedAt,
	}, nil
}

// lookupToken decodes the handle and loads the authoritative token record.
func (s *Service) lookupToken(ctx context.Context, userID, handle string) (vtoken.Token, error) {
	claims, err := s.deps.Codec.Decode(strings.TrimSpace(handle))
	if err != nil {
		return vtoken.Token{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject != userID {
		return vtoken.Token{ID: claims.TokenID}, fmt.Errorf("%w: token belongs to another user", ErrInvalidToken)
	}
	token, err := s.deps.Tokens.Get(ctx, claims.TokenID)
	switch {
	case errors.Is(err, vtoken.ErrNotFound):
		return vtoken.Token{ID: claims.TokenID}, fmt.Errorf("%w: unknown token", ErrInvalidToken)
	case err != nil:
		return vtoken.Token{}, err
	}
	if token.UserID != userID || !txparams.HashEqual(token.ParamsHash, claims.ParamsHash) {
		return token, fmt.Errorf("%w: token record does not match handle", ErrInvalidToken)
	}
	return token, nil
}

// mismatch applies the configured policy. With burn the token is consumed
// so a tampered request cannot be followed by a replay.
func (s *Service) mismatch(ctx context.Context, token vtoken.Token, now time.Time, cause error) error {
	burned := false
	if s.cfg.OnParamsMismatch == MismatchBurn {
		if _, err := s.deps.Tokens.Consume(ctx, token.ID, now); err == nil {
			burned = true
		} else if !errors.Is(err, vtoken.ErrAlreadyUsed) {
			s.log.Warn("burn token after mismatch failed",
				slog.String("token_id", token.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	metrics.ObserveOutcome("execution", "params_mismatch")
	s.audit.Warn("params mismatch",
		slog.String("user_id", token.UserID),
		slog.String("token_id", token.ID),
		slog.Bool("burned", burned),
	)
	if cause != nil {
		return fmt.Errorf("%w: %v", ErrParamsMismatch, cause)
	}
	return ErrParamsMismatch
}

func (s *Service) reject(userID, tokenID string, err error) error {
	code := xerrors.CodeOf(err)
	metrics.ObserveOutcome("execution", strings.ToLower(string(code)))
	s.audit.Warn("execution rejected",
		slog.String("user_id", userID),
		slog.String("token_id", tokenID),
		slog.String("code", string(code)),
		slog.String("reason", err.Error()),
	)
	return err
}

// recipientOf resolves a handle destination to its ledger user so a
// confirmed send is credited internally.
func (s *Service) recipientOf(ctx context.Context, locked txparams.LockedParams) (string, error) {
	if locked.Type != ledger.TxSend || !strings.HasPrefix(locked.Destination, "@") {
		return "", nil
	}
	wallet, err := s.deps.Ledger.ResolveHandle(ctx, strings.TrimPrefix(locked.Destination, "@"))
	if err != nil {
		return "", err
	}
	return wallet.UserID, nil
}

// appendLocked checks funds and appends under the user's lock so two
// tokens cannot spend the same balance. The ledger refuses negative books
// as a second line across replicas.
func (s *Service) appendLocked(ctx context.Context, tx *ledger.Transaction) error {
	mu := &s.locks[stripe(tx.UserID)]
	mu.Lock()
	defer mu.Unlock()

	if err := s.checkFunds(ctx, *tx); err != nil {
		return err
	}
	wallets, err := s.deps.Ledger.ReadWallets(ctx, tx.UserID)
	if err != nil {
		return err
	}
	for _, w := range wallets {
		if w.Currency == tx.Currency && w.Chain == tx.Chain {
			tx.SourceWallet = w.Address
			break
		}
	}
	if err := s.deps.Ledger.AppendTransaction(ctx, *tx); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return err
	}
	return nil
}

func (s *Service) checkFunds(ctx context.Context, tx ledger.Transaction) error {
	switch tx.Type {
	case ledger.TxSend, ledger.TxStake:
		balance, err := s.deps.Ledger.ReadBalance(ctx, tx.UserID, tx.Currency, tx.Chain)
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return fmt.Errorf("%w: no %s wallet on %s", ErrInsufficientFunds, tx.Currency, tx.Chain)
		}
		if err != nil {
			return err
		}
		need := tx.Amount.Add(tx.Fee)
		if balance.Amount.LessThan(need) {
			return fmt.Errorf("%w: available %s, need %s", ErrInsufficientFunds, balance.Amount, need)
		}
	case ledger.TxUnstake:
		if tx.Amount.LessThanOrEqual(tx.Fee) {
			return fmt.Errorf("%w: amount does not cover the unstake fee %s", ErrInsufficientFunds, tx.Fee)
		}
		positions, err := s.deps.Ledger.ReadStakePositions(ctx, tx.UserID)
		if err != nil {
			return err
		}
		staked := decimal.Zero
		for _, p := range positions {
			if p.Currency == tx.Currency && p.Chain == tx.Chain {
				staked = staked.Add(p.Amount)
			}
		}
		if staked.LessThan(tx.Amount) {
			return fmt.Errorf("%w: staked %s, need %s", ErrInsufficientFunds, staked, tx.Amount)
		}
	}
	return nil
}

func stripe(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % lockStripes)
}
