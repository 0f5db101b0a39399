package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"VibeGuard/internal/auth"
)

// SQLAuthStore reads API accounts and their permissions from MySQL. Seeding
// lives in provision.AuthStore.
type SQLAuthStore struct {
	db *sql.DB
}

// NewSQLAuthStore wraps an open pool.
func NewSQLAuthStore(db *sql.DB) *SQLAuthStore {
	return &SQLAuthStore{db: db}
}

// FindUserByUsername implements auth.Store.
func (s *SQLAuthStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	const query = `SELECT id, username, password_hash, disabled FROM auth_users WHERE username = ?`
	row := s.db.QueryRowContext(ctx, query, strings.TrimSpace(username))
	var user auth.User
	var disabled int
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	user.Disabled = disabled == 1
	return &user, nil
}

// LoadSubject loads the account together with its permissions.
func (s *SQLAuthStore) LoadSubject(ctx context.Context, accountID int64) (*auth.Subject, error) {
	const userQuery = `SELECT id, user_id, username, kind, disabled FROM auth_users WHERE id = ?`
	row := s.db.QueryRowContext(ctx, userQuery, accountID)
	var subject auth.Subject
	var kind string
	var disabled int
	if err := row.Scan(&subject.ID, &subject.UserID, &subject.Username, &kind, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("查询用户信息失败: %w", err)
	}
	parsed, err := auth.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	subject.Kind = parsed
	subject.Disabled = disabled == 1

	perms, err := s.collectStrings(ctx, `SELECT permission FROM auth_user_permissions WHERE account_id = ?`, subject.ID)
	if err != nil {
		return nil, err
	}
	subject.Permissions = perms
	subject.Normalise()
	return &subject, nil
}

func (s *SQLAuthStore) collectStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询列表失败: %w", err)
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("解析列表失败: %w", err)
		}
		result = append(result, strings.ToLower(strings.TrimSpace(value)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历列表失败: %w", err)
	}
	sort.Strings(result)
	return result, nil
}
