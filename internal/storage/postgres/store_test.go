package postgres

import (
	"context"
	"testing"
)

func TestChainID(t *testing.T) {
	id, err := chainID("5777")
	if err != nil || id != 5777 {
		t.Fatalf("unexpected result: %d %v", id, err)
	}
	if _, err := chainID("ganache"); err == nil {
		t.Fatalf("expected error for non-numeric network")
	}
}

func TestNewStoreRequiresDSN(t *testing.T) {
	if _, err := NewStore(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
