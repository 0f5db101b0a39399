package api

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"VibeGuard/internal/auth"
	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/execution"
	"VibeGuard/internal/ledger"
	"VibeGuard/internal/policy"
	"VibeGuard/internal/query"
	"VibeGuard/internal/txparams"
	"VibeGuard/internal/verification"
)

// TokenHeader carries the verification token handle on execution routes.
const TokenHeader = "X-Verification-Token"

var errMissingVerificationToken = xerrors.New(execution.CodeInvalidToken, "missing verification token")

// 查询路由，所有 user_id 都取自已认证主体，从不信任请求参数。

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.services.Query.GetBalances(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q, err := historyQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.services.Query.GetTransactionHistory(r.Context(), auth.UserIDFromContext(r.Context()), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.services.Query.GetTransaction(r.Context(), auth.UserIDFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	q, err := historyQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.services.Query.GetRewardHistory(r.Context(), auth.UserIDFromContext(r.Context()), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleStakePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.services.Query.GetStakePositions(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handleMultiplier(w http.ResponseWriter, r *http.Request) {
	breakdown, err := s.services.Query.GetMultiplierBreakdown(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

// handleResolveHandle exposes only the public part of a wallet.
func (s *Server) handleResolveHandle(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.services.Query.ResolveHandle(r.Context(), r.PathValue("handle"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"handle":   wallet.Handle,
		"currency": wallet.Currency,
		"chain":    wallet.Chain,
		"address":  wallet.Address,
	})
}

// transactionBody 是报价与发起验证共用的请求体。
type transactionBody struct {
	Type        ledger.TxType   `json:"type"`
	Currency    string          `json:"currency"`
	Chain       string          `json:"chain"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination,omitempty"`
	Nonce       string          `json:"nonce,omitempty"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var body transactionBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	est, err := s.services.Query.EstimateTransaction(r.Context(), query.EstimateParams{
		UserID:      auth.UserIDFromContext(r.Context()),
		Type:        body.Type,
		Currency:    body.Currency,
		Chain:       body.Chain,
		Amount:      body.Amount,
		Destination: body.Destination,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// 验证路由。

func (s *Server) handleRequestVerification(w http.ResponseWriter, r *http.Request) {
	var body transactionBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	handle, err := s.services.Verification.RequestVerification(r.Context(), userID, txparams.LockedParams{
		Type:        body.Type,
		Currency:    body.Currency,
		Chain:       body.Chain,
		Amount:      body.Amount,
		Destination: body.Destination,
		Nonce:       body.Nonce,
		UserID:      userID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

type pinBody struct {
	Method policy.Method `json:"method,omitempty"`
	PIN    string        `json:"pin"`
}

func (s *Server) handleValidatePin(w http.ResponseWriter, r *http.Request) {
	var body pinBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.services.Verification.ValidatePin(r.Context(), verification.PinSubmission{
		RequestID: r.PathValue("id"),
		UserID:    auth.UserIDFromContext(r.Context()),
		Method:    body.Method,
		PIN:       body.PIN,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type biometricBody struct {
	Assertion string `json:"assertion"`
}

func (s *Server) handleValidateBiometric(w http.ResponseWriter, r *http.Request) {
	var body biometricBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.services.Verification.ValidateBiometric(r.Context(), verification.BiometricSubmission{
		RequestID: r.PathValue("id"),
		UserID:    auth.UserIDFromContext(r.Context()),
		Assertion: body.Assertion,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// 执行路由。令牌句柄只从请求头读取，避免出现在访问日志的查询串里。

func verificationToken(r *http.Request) (string, error) {
	handle := strings.TrimSpace(r.Header.Get(TokenHeader))
	if handle == "" {
		return "", errMissingVerificationToken
	}
	return handle, nil
}

// executeWith decodes the body into a fresh T and hands it to call.
func executeWith[T any](w http.ResponseWriter, r *http.Request, call func(userID, handle string, req T) (*execution.Receipt, error)) {
	handle, err := verificationToken(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req T
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	receipt, err := call(auth.UserIDFromContext(r.Context()), handle, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	executeWith(w, r, func(userID, handle string, req execution.SendPaymentRequest) (*execution.Receipt, error) {
		return s.services.Execution.SendPayment(r.Context(), userID, handle, req)
	})
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	executeWith(w, r, func(userID, handle string, req execution.StakeRequest) (*execution.Receipt, error) {
		return s.services.Execution.StakeVibe(r.Context(), userID, handle, req)
	})
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	executeWith(w, r, func(userID, handle string, req execution.StakeRequest) (*execution.Receipt, error) {
		return s.services.Execution.Unstake(r.Context(), userID, handle, req)
	})
}

func (s *Server) handlePaymentRequest(w http.ResponseWriter, r *http.Request) {
	executeWith(w, r, func(userID, handle string, req execution.PaymentRequestRequest) (*execution.Receipt, error) {
		return s.services.Execution.CreatePaymentRequest(r.Context(), userID, handle, req)
	})
}
