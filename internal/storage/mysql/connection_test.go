package mysql

import (
	"strings"
	"testing"
)

func TestReadOnlyDSN(t *testing.T) {
	t.Parallel()

	dsn, err := readOnlyDSN("agent:secret@tcp(127.0.0.1:3306)/vibeguard?parseTime=false")
	if err != nil {
		t.Fatalf("read only dsn failed: %v", err)
	}
	if !strings.Contains(dsn, "transaction_read_only=1") {
		t.Fatalf("expected read only session variable in %q", dsn)
	}
	if _, err := readOnlyDSN(" "); err == nil {
		t.Fatalf("expected empty dsn to be rejected")
	}
}
