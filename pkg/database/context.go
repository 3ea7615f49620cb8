package database

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type contextKey string

const (
	// TxScopeKey is the context key for storing the active transaction.
	TxScopeKey contextKey = "txScope"
)

// TxScope carries the transaction repositories must run their statements on.
type TxScope struct {
	Tx pgx.Tx
}

// GetTxScope retrieves the transaction scope from context.
// Returns nil and false if not present.
func GetTxScope(ctx context.Context) (*TxScope, bool) {
	scope, ok := ctx.Value(TxScopeKey).(*TxScope)
	return scope, ok
}

// SetTxScope stores the transaction scope in context.
func SetTxScope(ctx context.Context, scope *TxScope) context.Context {
	return context.WithValue(ctx, TxScopeKey, scope)
}
