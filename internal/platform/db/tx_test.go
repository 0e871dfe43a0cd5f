package db

import (
	"context"
	"testing"
)

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestConn_FallsBackToPool(t *testing.T) {
	// A nil pool is still returned as the Querier when no tx is present.
	q := Conn(context.Background(), nil)
	if q == nil {
		t.Fatal("expected a non-nil querier interface value")
	}
}
