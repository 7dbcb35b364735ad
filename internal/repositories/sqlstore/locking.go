package sqlstore

import (
	"context"

	"github.com/finitefield/order-engine/internal/platform/database"
)

// lockingRead returns the suffix that turns a SELECT into a locking read when ctx carries a MySQL
// transaction. SQLite runs on a single connection, so its transactions are already serialised.
func lockingRead(ctx context.Context, dialect database.Dialect) string {
	_, inTx := database.TxFromContext(ctx)
	return forUpdateClause(dialect, inTx)
}

func forUpdateClause(dialect database.Dialect, inTx bool) string {
	if inTx && dialect == database.DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}
