package provision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"VibeGuard/internal/delivery"
)

// ContactDirectory 从 user_contacts 读取用户的带外联系方式。
type ContactDirectory struct {
	db *sql.DB
}

// NewContactDirectory wraps db.
func NewContactDirectory(db *sql.DB) *ContactDirectory {
	return &ContactDirectory{db: db}
}

var _ delivery.Directory = (*ContactDirectory)(nil)

// Contact implements delivery.Directory.
func (d *ContactDirectory) Contact(ctx context.Context, userID string) (delivery.Contact, error) {
	var contact delivery.Contact
	row := d.db.QueryRowContext(ctx, `SELECT phone, email FROM user_contacts WHERE user_id = ?`, userID)
	if err := row.Scan(&contact.Phone, &contact.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return delivery.Contact{}, delivery.ErrNoDestination
		}
		return delivery.Contact{}, fmt.Errorf("查询联系方式失败: %w", err)
	}
	return contact, nil
}

// Upsert stores or replaces a user's contact details.
func (d *ContactDirectory) Upsert(ctx context.Context, userID string, contact delivery.Contact) error {
	const query = `INSERT INTO user_contacts (user_id, phone, email, updated_at) VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE phone = VALUES(phone), email = VALUES(email), updated_at = VALUES(updated_at)`
	if _, err := d.db.ExecContext(ctx, query, userID, contact.Phone, contact.Email, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("保存联系方式失败: %w", err)
	}
	return nil
}

// DeviceKeyStore 保存生物识别设备登记的 HMAC 密钥。未登记时返回空密钥，
// 由校验方判定为未登记。
type DeviceKeyStore struct {
	db *sql.DB
}

// NewDeviceKeyStore wraps db.
func NewDeviceKeyStore(db *sql.DB) *DeviceKeyStore {
	return &DeviceKeyStore{db: db}
}

// DeviceKey returns the enrolled key, or nil when the user has none.
func (s *DeviceKeyStore) DeviceKey(ctx context.Context, userID string) ([]byte, error) {
	var key []byte
	err := s.db.QueryRowContext(ctx, `SELECT key_material FROM device_keys WHERE user_id = ?`, userID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询设备密钥失败: %w", err)
	}
	return key, nil
}

// Enroll stores or replaces a user's device key.
func (s *DeviceKeyStore) Enroll(ctx context.Context, userID string, key []byte) error {
	if len(key) == 0 {
		return errors.New("设备密钥不能为空")
	}
	const query = `INSERT INTO device_keys (user_id, key_material, enrolled_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE key_material = VALUES(key_material), enrolled_at = VALUES(enrolled_at)`
	if _, err := s.db.ExecContext(ctx, query, userID, key, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("保存设备密钥失败: %w", err)
	}
	return nil
}
