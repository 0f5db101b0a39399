// Package vtoken 实现一次性验证令牌：存储、原子消费 (CAS) 与签名句柄编解码。
// 存储是令牌状态的唯一权威，句柄只是携带令牌 ID 的不透明凭证。
package vtoken

import (
	"context"
	"net/http"
	"time"

	xerrors "VibeGuard/internal/errors"
)

// Token is bound to the hash of the exact parameters that were verified.
type Token struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	RequestID        string    `json:"request_id"`
	ParamsHash       string    `json:"params_hash"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	Used             bool      `json:"used"`
	UsedAt           time.Time `json:"used_at,omitempty"`
	IssuingIP        string    `json:"issuing_ip,omitempty"`
	IssuingUserAgent string    `json:"issuing_user_agent,omitempty"`
}

// Expired reports whether the token can no longer be redeemed at now.
func (t Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Store persists tokens. Consume must be linearizable per token: of any
// number of concurrent calls for the same unused token exactly one wins.
type Store interface {
	Save(ctx context.Context, token Token) error
	Get(ctx context.Context, id string) (Token, error)
	// Consume flips used from false to true and returns the token as it
	// was before the flip.
	Consume(ctx context.Context, id string, now time.Time) (Token, error)
	// Prune drops tokens that expired before now and reports how many.
	Prune(ctx context.Context, now time.Time) (int, error)
}

const (
	CodeTokenNotFound  xerrors.Code = "VTOKEN_NOT_FOUND"
	CodeTokenExpired   xerrors.Code = "VTOKEN_EXPIRED"
	CodeTokenUsed      xerrors.Code = "VTOKEN_USED"
	CodeTokenMalformed xerrors.Code = "VTOKEN_MALFORMED"
)

var (
	ErrNotFound    = xerrors.New(CodeTokenNotFound, "token not found")
	ErrExpired     = xerrors.New(CodeTokenExpired, "token expired")
	ErrAlreadyUsed = xerrors.New(CodeTokenUsed, "token already used")
	// ErrMalformed 表示句柄签名无效或无法解析。
	ErrMalformed = xerrors.New(CodeTokenMalformed, "token handle malformed")
)

func init() {
	for code, message := range map[xerrors.Code]string{
		CodeTokenNotFound:  "token not found",
		CodeTokenExpired:   "token expired",
		CodeTokenUsed:      "token already used",
		CodeTokenMalformed: "token handle malformed",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:    message,
			Severity:   xerrors.SeverityWarning,
			HTTPStatus: http.StatusForbidden,
		})
	}
}
