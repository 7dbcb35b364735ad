package sqlstore

import (
	"context"
	"errors"
	"strings"

	"github.com/finitefield/order-engine/internal/platform/database"
	"github.com/finitefield/order-engine/internal/repositories"
)

// CounterRepository issues sequence values from the counters table.
type CounterRepository struct {
	db *database.Provider
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository constructs a CounterRepository.
func NewCounterRepository(provider *database.Provider) *CounterRepository {
	return &CounterRepository{db: provider}
}

// Next increments the named counter and returns the new value. Inside a unit of work the row lock is
// held until commit, so a rolled back order does not consume a number.
func (r *CounterRepository) Next(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("counters.next: name is required")
	}

	var value int64
	err := r.db.RunInTx(ctx, func(ctx context.Context) error {
		q, err := r.db.Conn(ctx)
		if err != nil {
			return err
		}
		res, err := q.ExecContext(ctx, `UPDATE counters SET value = value + 1 WHERE name = ?`, name)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			if _, err := q.ExecContext(ctx, `INSERT INTO counters (name, value) VALUES (?, 1)`, name); err != nil {
				return err
			}
			value = 1
			return nil
		}
		return q.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, name).Scan(&value)
	})
	if err != nil {
		return 0, database.WrapError("counters.next", err)
	}
	return value, nil
}
