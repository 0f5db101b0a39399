package execution

import (
	"net/http"

	xerrors "VibeGuard/internal/errors"
)

const (
	CodeInvalidToken      xerrors.Code = "INVALID_TOKEN"
	CodeParamsMismatch    xerrors.Code = "PARAMS_MISMATCH"
	CodeTokenAlreadyUsed  xerrors.Code = "TOKEN_ALREADY_USED"
	CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"
)

// 执行阶段的错误对该令牌都是终局的，统一提示用户重新验证，不允许自动重试。
const reverifyMessage = "verification required again"

var (
	ErrInvalidToken      = xerrors.New(CodeInvalidToken, "verification token is not valid")
	ErrParamsMismatch    = xerrors.New(CodeParamsMismatch, "request does not match the verified parameters")
	ErrTokenAlreadyUsed  = xerrors.New(CodeTokenAlreadyUsed, "verification token already used")
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
)

func init() {
	register := func(code xerrors.Code, message string, status int, severity xerrors.Severity) {
		xerrors.Register(code, xerrors.Attributes{
			Message:     message,
			Severity:    severity,
			Retryable:   false,
			HTTPStatus:  status,
			UserMessage: reverifyMessage,
		})
	}
	register(CodeInvalidToken, "verification token is not valid", http.StatusForbidden, xerrors.SeverityWarning)
	register(CodeParamsMismatch, "request does not match the verified parameters", http.StatusForbidden, xerrors.SeverityCritical)
	register(CodeTokenAlreadyUsed, "verification token already used", http.StatusConflict, xerrors.SeverityWarning)
	register(CodeInsufficientFunds, "insufficient funds", http.StatusConflict, xerrors.SeverityInfo)
}
