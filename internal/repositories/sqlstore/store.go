package sqlstore

import (
	"context"
	"errors"

	"github.com/finitefield/order-engine/internal/platform/database"
	"github.com/finitefield/order-engine/internal/repositories"
)

// Store implements repositories.Registry on top of a MySQL or SQLite database.
type Store struct {
	db *database.Provider

	products *ProductRepository
	carts    *CartRepository
	orders   *OrderRepository
	history  *OrderHistoryRepository
	counters *CounterRepository
	outbox   *OutboxRepository
}

var _ repositories.Registry = (*Store)(nil)

// New wires every SQL repository to the shared provider.
func New(provider *database.Provider) (*Store, error) {
	if provider == nil {
		return nil, errors.New("sqlstore: database provider is required")
	}
	return &Store{
		db:       provider,
		products: NewProductRepository(provider),
		carts:    NewCartRepository(provider),
		orders:   NewOrderRepository(provider),
		history:  NewOrderHistoryRepository(provider),
		counters: NewCounterRepository(provider),
		outbox:   NewOutboxRepository(provider),
	}, nil
}

func (s *Store) Products() repositories.ProductRepository          { return s.products }
func (s *Store) Carts() repositories.CartRepository                { return s.carts }
func (s *Store) Orders() repositories.OrderRepository              { return s.orders }
func (s *Store) OrderHistory() repositories.OrderHistoryRepository { return s.history }
func (s *Store) Counters() repositories.CounterRepository          { return s.counters }
func (s *Store) Outbox() repositories.OutboxRepository             { return s.outbox }

// RunInTx delegates to the provider so repository calls made with the callback context share one transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.RunInTx(ctx, fn)
}

// Close releases the underlying connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close(ctx)
}
