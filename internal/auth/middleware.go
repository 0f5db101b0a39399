package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	xerrors "VibeGuard/internal/errors"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表，"*" 为默认。
	RequiredPermissions map[string][]string
	// HumanOnly 拒绝 AI 代理主体，即便它持有所需权限。
	HumanOnly bool
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
	// OnError 输出拒绝响应，默认写纯文本。
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	onError := cfg.OnError
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			status := xerrors.HTTPStatus(err)
			http.Error(w, http.StatusText(status), status)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 认证请求。
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				s.deny(r, "access_denied", err, nil)
				onError(w, r, err)
				return
			}
			if cfg.HumanOnly && subject.IsAgent() {
				s.deny(r, "agent_denied", ErrAgentForbidden, subject)
				onError(w, r, ErrAgentForbidden)
				return
			}
			// 授权请求。
			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if len(perms) > 0 {
				if err := subject.Authorize(perms...); err != nil {
					s.deny(r, "permission_denied", err, subject)
					onError(w, r, err)
					return
				}
			}
			// 记录审计日志。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithSubject(r.Context(), subject)
			next.ServeHTTP(aw, r.WithContext(ctx))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				slog.String("event", event),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("user_id", subject.UserID),
				slog.String("kind", string(subject.Kind)),
			)
		})
	}
}

func (s *Service) deny(r *http.Request, event string, err error, subject *Subject) {
	attrs := []any{
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.Int("status", xerrors.HTTPStatus(err)),
		slog.String("error", err.Error()),
	}
	if subject != nil {
		attrs = append(attrs, slog.String("user_id", subject.UserID), slog.String("kind", string(subject.Kind)))
	}
	if errors.Is(err, ErrAgentForbidden) {
		s.audit.Error(event, attrs...)
		return
	}
	s.audit.Warn(event, attrs...)
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
