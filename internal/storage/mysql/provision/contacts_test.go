package provision

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"

	"VibeGuard/internal/delivery"
	"VibeGuard/internal/storage/mysql/mysqltest"
)

func TestContactDirectoryAndDeviceKeys(t *testing.T) {
	t.Parallel()

	db, drv := mysqltest.NewDB(t,
		mysqltest.Query(`SELECT phone, email FROM user_contacts WHERE user_id = ?`, mysqltest.Rows{
			Columns: []string{"phone", "email"},
			Values:  [][]driver.Value{{"+77010000000", "alice@example.com"}},
		}),
		mysqltest.Query(`SELECT phone, email FROM user_contacts WHERE user_id = ?`, mysqltest.Rows{Columns: []string{"phone", "email"}}),
		mysqltest.Query(`SELECT key_material FROM device_keys WHERE user_id = ?`, mysqltest.Rows{Columns: []string{"key_material"}}),
		mysqltest.Exec(`INSERT INTO device_keys (user_id, key_material, enrolled_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE key_material = VALUES(key_material), enrolled_at = VALUES(enrolled_at)`, mysqltest.Result{RowsAffected: 1}),
	)
	defer drv.AssertConsumed(t)

	ctx := context.Background()
	contacts := NewContactDirectory(db)
	contact, err := contacts.Contact(ctx, "alice")
	if err != nil || contact.Email != "alice@example.com" {
		t.Fatalf("unexpected contact %+v err=%v", contact, err)
	}
	if _, err := contacts.Contact(ctx, "ghost"); !errors.Is(err, delivery.ErrNoDestination) {
		t.Fatalf("expected no destination, got %v", err)
	}

	keys := NewDeviceKeyStore(db)
	key, err := keys.DeviceKey(ctx, "alice")
	if err != nil || key != nil {
		t.Fatalf("expected no key, got %x err=%v", key, err)
	}
	if err := keys.Enroll(ctx, "alice", nil); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
	if err := keys.Enroll(ctx, "alice", []byte("device-secret")); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
}
