package mysql

import (
	"database/sql"
	"errors"
	"strings"
	"testing"
)

func TestBindingStoreStatements(t *testing.T) {
	if _, err := NewBindingStore(nil, ""); !errors.Is(err, ErrDBRequired) {
		t.Fatalf("expected ErrDBRequired, got %v", err)
	}
	if _, err := NewBindingStore(&sql.DB{}, "bad name"); !errors.Is(err, ErrInvalidTableName) {
		t.Fatalf("expected ErrInvalidTableName, got %v", err)
	}

	store, err := NewBindingStore(&sql.DB{}, "")
	if err != nil {
		t.Fatalf("binding store: %v", err)
	}
	if !strings.Contains(store.selectStmt, "FROM `agent_binding` WHERE id = ?") {
		t.Fatalf("unexpected select: %s", store.selectStmt)
	}
	if !strings.Contains(store.upsertStmt, "ON DUPLICATE KEY UPDATE") {
		t.Fatalf("expected upsert: %s", store.upsertStmt)
	}
}
