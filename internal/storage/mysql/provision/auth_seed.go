package provision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"VibeGuard/internal/auth"
	"VibeGuard/internal/storage/mysql"
)

// AuthStore 在只读的 mysql.SQLAuthStore 之上补充种子账号写入，
// auth.NewService 通过 auth.SeedWriter 发现它。
type AuthStore struct {
	*mysql.SQLAuthStore
	db *sql.DB
}

// NewAuthStore wraps an open, writable pool.
func NewAuthStore(db *sql.DB) *AuthStore {
	return &AuthStore{SQLAuthStore: mysql.NewSQLAuthStore(db), db: db}
}

var _ auth.SeedWriter = (*AuthStore)(nil)

// ApplySeed upserts a bootstrap account and its permissions.
func (s *AuthStore) ApplySeed(ctx context.Context, seed auth.Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed username cannot be empty")
	}
	if strings.TrimSpace(seed.UserID) == "" {
		return errors.New("seed user_id cannot be empty")
	}
	kind, err := auth.ParseKind(string(seed.Kind))
	if err != nil {
		return err
	}
	passwordHash, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}
	perms := seed.Permissions
	if len(perms) == 0 {
		perms = auth.DefaultPermissions(kind)
	}

	now := time.Now().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	const upsertUser = `INSERT INTO auth_users (username, user_id, kind, password_hash, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE user_id = VALUES(user_id), kind = VALUES(kind), password_hash = VALUES(password_hash), disabled = VALUES(disabled), updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
	res, execErr := tx.ExecContext(ctx, upsertUser, username, strings.TrimSpace(seed.UserID), string(kind), passwordHash, boolToInt(seed.Disabled), now, now)
	if execErr != nil {
		err = fmt.Errorf("保存用户失败: %w", execErr)
		return err
	}
	accountID, execErr := res.LastInsertId()
	if execErr != nil {
		err = fmt.Errorf("获取用户ID失败: %w", execErr)
		return err
	}

	if _, execErr = tx.ExecContext(ctx, `DELETE FROM auth_user_permissions WHERE account_id = ?`, accountID); execErr != nil {
		err = fmt.Errorf("清理用户权限失败: %w", execErr)
		return err
	}
	for _, perm := range dedupeValues(perms) {
		if _, execErr = tx.ExecContext(ctx, `INSERT INTO auth_user_permissions (account_id, permission, assigned_at) VALUES (?, ?, ?)`, accountID, perm, now); execErr != nil {
			err = fmt.Errorf("绑定用户权限失败: %w", execErr)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交种子数据失败: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dedupeValues(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		seen[strings.ToLower(value)] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
