package mysql

import (
	"context"
	"database/sql/driver"
	"testing"

	"VibeGuard/internal/auth"
	"VibeGuard/internal/storage/mysql/mysqltest"
)

func TestSQLAuthStoreLoadSubject(t *testing.T) {
	t.Parallel()

	db, drv := mysqltest.NewDB(t,
		mysqltest.Query(`SELECT id, user_id, username, kind, disabled FROM auth_users WHERE id = ?`, mysqltest.Rows{
			Columns: []string{"id", "user_id", "username", "kind", "disabled"},
			Values:  [][]driver.Value{{int64(7), "alice", "mira-alice", "agent", int64(0)}},
		}).WithArgs(7),
		mysqltest.Query(`SELECT permission FROM auth_user_permissions WHERE account_id = ?`, mysqltest.Rows{
			Columns: []string{"permission"},
			Values:  [][]driver.Value{{"ledger:read"}, {"FUNDS:EXECUTE"}},
		}),
	)
	defer drv.AssertConsumed(t)

	subject, err := NewSQLAuthStore(db).LoadSubject(context.Background(), 7)
	if err != nil {
		t.Fatalf("load subject failed: %v", err)
	}
	if subject.UserID != "alice" || subject.Kind != auth.KindAgent {
		t.Fatalf("unexpected subject %+v", subject)
	}
	if !subject.HasPermission(auth.PermLedgerRead) || subject.HasPermission(auth.PermFundsExecute) {
		t.Fatalf("agent permissions not clamped: %+v", subject.Permissions)
	}
}
