package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	xerrors "VibeGuard/internal/errors"
)

// CodeAgentForbidden 标记 AI 代理越界访问资金路由，总是触发告警。
const CodeAgentForbidden xerrors.Code = "AGENT_FORBIDDEN"

func init() {
	xerrors.Register(CodeAgentForbidden, xerrors.Attributes{
		Message:    "agent subjects cannot call this route",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusForbidden,
	})
}

// Common errors returned by the authentication subsystem.
var (
	ErrInvalidCredentials = xerrors.New(xerrors.CodeUnauthenticated, "invalid credentials")
	ErrUnsupportedGrant   = xerrors.New(xerrors.CodeInvalidArgument, "unsupported grant type")
	ErrInvalidToken       = xerrors.New(xerrors.CodeUnauthenticated, "invalid token")
	ErrMissingToken       = xerrors.New(xerrors.CodeUnauthenticated, "missing bearer token")
	ErrPermissionDenied   = xerrors.New(xerrors.CodePermissionDenied, "permission denied")
	ErrSubjectRevoked     = xerrors.New(xerrors.CodePermissionDenied, "subject is disabled")
	ErrAgentForbidden     = xerrors.New(CodeAgentForbidden, "agent subjects cannot call this route")
)

// 权限名称。
const (
	PermLedgerRead   = "ledger:read"
	PermFundsVerify  = "funds:verify"
	PermFundsExecute = "funds:execute"
)

// Kind 区分真人用户与代表用户只读访问的 AI 代理。
type Kind string

const (
	KindHuman Kind = "human"
	KindAgent Kind = "agent"
)

// ParseKind defaults an empty kind to human.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case "", KindHuman:
		return KindHuman, nil
	case KindAgent:
		return KindAgent, nil
	default:
		return "", fmt.Errorf("unknown subject kind %q", raw)
	}
}

// Store abstracts the persistent account catalogue used by the authentication
// service. Implementations must be safe for concurrent use.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadSubject(ctx context.Context, accountID int64) (*Subject, error)
}

// SeedWriter is implemented by stores that can upsert seed accounts for
// bootstrapping.
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// User represents a persisted account with credentials.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// Subject captures the information embedded in access tokens and passed to
// request handlers via context. UserID is the ledger user the account acts
// for.
type Subject struct {
	ID          int64
	UserID      string
	Username    string
	Kind        Kind
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.Kind == "" {
		s.Kind = KindHuman
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// Normalise ensures internal caches are populated for exported use cases.
func (s *Subject) Normalise() {
	s.normalise()
}

// IsAgent reports whether the subject is an AI agent.
func (s *Subject) IsAgent() bool {
	return s != nil && s.Kind == KindAgent
}

// HasPermission reports whether the subject has the specified permission.
// Agent subjects never hold funds permissions, whatever the store says.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	permission = strings.ToLower(strings.TrimSpace(permission))
	if s.IsAgent() && permission != PermLedgerRead {
		return false
	}
	_, ok := s.permissionsSet[permission]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone creates a copy of the subject suitable for embedding in tokens.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		UserID:      s.UserID,
		Username:    s.Username,
		Kind:        s.Kind,
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// TokenRequest describes the payload accepted by the token issuance endpoint.
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

// TokenPair contains the issued access and refresh tokens.
type TokenPair struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	Subject          *Subject `json:"-"`
}

// Config configures the authentication service.
type Config struct {
	JWT   JWTOptions `yaml:"jwt"`
	Seeds []Seed     `yaml:"seeds"`
}

// JWTOptions contains parameters for local JWT issuance. TTLs are seconds.
type JWTOptions struct {
	Secret     string   `yaml:"secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   []string `yaml:"audience"`
	AccessTTL  int64    `yaml:"access_ttl"`
	RefreshTTL int64    `yaml:"refresh_ttl"`
}

// Seed defines an initial account to bootstrap.
type Seed struct {
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	UserID      string   `yaml:"user_id"`
	Kind        Kind     `yaml:"kind"`
	Permissions []string `yaml:"permissions"`
	Disabled    bool     `yaml:"disabled"`
}

// DefaultPermissions 返回某类主体的默认权限。
func DefaultPermissions(kind Kind) []string {
	if kind == KindAgent {
		return []string{PermLedgerRead}
	}
	return []string{PermLedgerRead, PermFundsVerify, PermFundsExecute}
}
