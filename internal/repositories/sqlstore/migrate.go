package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/finitefield/order-engine/internal/platform/database"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Migrate applies the idempotent schema for the provider's dialect.
func Migrate(ctx context.Context, provider *database.Provider) error {
	raw, err := schemaFS.ReadFile(fmt.Sprintf("schema/%s.sql", provider.Dialect()))
	if err != nil {
		return fmt.Errorf("sqlstore: read schema: %w", err)
	}
	db, err := provider.DB(ctx)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: apply schema: %w", err)
		}
	}
	return nil
}
