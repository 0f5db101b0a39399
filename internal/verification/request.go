// Package verification 实现带外验证流程：风险分级、PIN 下发与校验、生物识别
// 断言校验，以及在全部因子通过后签发一次性验证令牌。
//
// 请求状态机: requested → validated → consumed | expired | exhausted。
// 终态请求只读，不会再被校验。
package verification

import (
	"context"
	"net/http"
	"time"

	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/policy"
	"VibeGuard/internal/txparams"
)

// State 是验证请求所处的阶段。
type State string

const (
	StateRequested State = "requested"
	StateValidated State = "validated"
	StateConsumed  State = "consumed"
	StateExpired   State = "expired"
	StateExhausted State = "exhausted"
)

// Terminal reports whether the request can no longer be validated.
func (s State) Terminal() bool {
	return s == StateConsumed || s == StateExpired || s == StateExhausted
}

// Factor is one proof the user must supply. PIN factors keep only the
// salted hash; biometric factors keep the challenge nonce.
type Factor struct {
	Method     policy.Method `json:"method"`
	PinHash    string        `json:"pin_hash,omitempty"`
	Salt       string        `json:"salt,omitempty"`
	PinParams  HashParams    `json:"pin_params,omitempty"`
	Challenge  string        `json:"challenge,omitempty"`
	DeliveryID string        `json:"delivery_id,omitempty"`
	VerifiedAt time.Time     `json:"verified_at,omitempty"`
}

// Verified reports whether the factor has been satisfied.
func (f Factor) Verified() bool {
	return !f.VerifiedAt.IsZero()
}

// Request is a pending out-of-band challenge for one set of locked params.
type Request struct {
	ID                string                `json:"id"`
	UserID            string                `json:"user_id"`
	Params            txparams.LockedParams `json:"params"`
	ParamsHash        string                `json:"params_hash"`
	Tier              int                   `json:"tier"`
	TokenTTL          time.Duration         `json:"token_ttl"`
	Factors           []Factor              `json:"factors"`
	AttemptsRemaining int                   `json:"attempts_remaining"`
	State             State                 `json:"state"`
	TokenID           string                `json:"token_id,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	ExpiresAt         time.Time             `json:"expires_at"`
	ConsumedAt        time.Time             `json:"consumed_at,omitempty"`
}

// Expired reports whether now is past the request deadline.
func (r *Request) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Pending lists the methods that still need a proof.
func (r *Request) Pending() []policy.Method {
	var out []policy.Method
	for _, f := range r.Factors {
		if !f.Verified() {
			out = append(out, f.Method)
		}
	}
	return out
}

// factor returns the index of the unverified factor for method, or -1.
func (r *Request) factor(method policy.Method) int {
	for i, f := range r.Factors {
		if f.Method == method && !f.Verified() {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so stores never share factor slices.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Factors = append([]Factor(nil), r.Factors...)
	return &out
}

// RequestStore persists verification requests.
type RequestStore interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	// Update applies fn atomically. Whatever fn leaves in the request is
	// persisted even when fn returns an error, so a failed attempt can
	// still be recorded; fn's error is then returned as is.
	Update(ctx context.Context, id string, fn func(*Request) error) (*Request, error)
	Delete(ctx context.Context, id string) error
	// Sweep marks expired requests inert and reports how many changed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

const (
	CodeRateLimited       xerrors.Code = "RATE_LIMITED"
	CodeExpired           xerrors.Code = "VERIFICATION_EXPIRED"
	CodeAttemptsExhausted xerrors.Code = "ATTEMPTS_EXHAUSTED"
	CodePinMismatch       xerrors.Code = "PIN_MISMATCH"
	CodeInvalidRequest    xerrors.Code = "INVALID_REQUEST"
)

var (
	ErrRateLimited       = xerrors.New(CodeRateLimited, "too many verification requests")
	ErrExpired           = xerrors.New(CodeExpired, "verification expired")
	ErrAttemptsExhausted = xerrors.New(CodeAttemptsExhausted, "verification attempts exhausted")
	// ErrPinMismatch 携带剩余次数元数据 attempts_remaining。
	ErrPinMismatch     = xerrors.New(CodePinMismatch, "proof did not match")
	ErrInvalidRequest  = xerrors.New(CodeInvalidRequest, "verification request is not valid")
	ErrRequestNotFound = xerrors.New(CodeInvalidRequest, "verification request not found")
)

func init() {
	xerrors.Register(CodeRateLimited, xerrors.Attributes{
		Message:     "too many verification requests",
		Severity:    xerrors.SeverityWarning,
		HTTPStatus:  http.StatusTooManyRequests,
		UserMessage: "too many verification requests, try again later",
	})
	xerrors.Register(CodeExpired, xerrors.Attributes{
		Message:     "verification expired",
		Severity:    xerrors.SeverityInfo,
		HTTPStatus:  http.StatusGone,
		UserMessage: "verification expired, request a new PIN",
	})
	xerrors.Register(CodeAttemptsExhausted, xerrors.Attributes{
		Message:     "verification attempts exhausted",
		Severity:    xerrors.SeverityWarning,
		HTTPStatus:  http.StatusForbidden,
		UserMessage: "too many wrong attempts, request a new PIN",
	})
	xerrors.Register(CodePinMismatch, xerrors.Attributes{
		Message:     "proof did not match",
		Severity:    xerrors.SeverityInfo,
		HTTPStatus:  http.StatusUnauthorized,
		UserMessage: "incorrect PIN",
	})
	xerrors.Register(CodeInvalidRequest, xerrors.Attributes{
		Message:    "verification request is not valid",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}
