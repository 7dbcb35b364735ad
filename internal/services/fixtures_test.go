package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/finitefield/order-engine/internal/domain"
	"github.com/finitefield/order-engine/internal/platform/config"
	"github.com/finitefield/order-engine/internal/platform/database"
	"github.com/finitefield/order-engine/internal/repositories"
	"github.com/finitefield/order-engine/internal/repositories/sqlstore"
)

var baseTime = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%06d", n.Add(1))
	}
}

type stubUserDirectory struct {
	missing map[string]bool
	err     error
}

func (s *stubUserDirectory) UserExists(_ context.Context, userID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return !s.missing[userID], nil
}

type captureAudit struct {
	mu      sync.Mutex
	records []AuditLogRecord
}

func (c *captureAudit) Record(_ context.Context, record AuditLogRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
}

func (c *captureAudit) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.records))
	for _, record := range c.records {
		out = append(out, record.Action)
	}
	return out
}

// orderFixture wires the real services over a migrated database, a throwaway SQLite file by default.
type orderFixture struct {
	store     *sqlstore.Store
	ids       func() func() string
	clock     *fakeClock
	users     *stubUserDirectory
	audit     *captureAudit
	inventory InventoryService
	orders    OrderService
	carts     CartService
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	provider, err := database.NewProvider(config.DatabaseConfig{
		Driver: config.DatabaseDriverSQLite,
		Name:   filepath.Join(t.TempDir(), "orders.db"),
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return newOrderFixtureOn(t, provider, sequentialIDs)
}

// newOrderFixtureOn migrates provider and wires the services over it. ids supplies the id generator
// for each order service the fixture builds.
func newOrderFixtureOn(t *testing.T, provider *database.Provider, ids func() func() string) *orderFixture {
	t.Helper()
	ctx := context.Background()
	if err := sqlstore.Migrate(ctx, provider); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	store, err := sqlstore.New(provider)
	if err != nil {
		t.Fatalf("sqlstore.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	f := &orderFixture{
		store: store,
		ids:   ids,
		clock: &fakeClock{now: baseTime},
		users: &stubUserDirectory{missing: map[string]bool{}},
		audit: &captureAudit{},
	}

	f.inventory, err = NewInventoryService(InventoryServiceDeps{Products: store.Products()})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}
	f.orders = f.newOrderService(t, store.Carts())
	f.carts, err = NewCartService(CartServiceDeps{
		Repository: store.Carts(),
		Products:   store.Products(),
		UnitOfWork: store,
		Clock:      f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}
	return f
}

// newOrderService builds an order service over the fixture's store with the given cart repository.
func (f *orderFixture) newOrderService(t *testing.T, carts repositories.CartRepository) OrderService {
	t.Helper()
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:      f.store.Orders(),
		History:     f.store.OrderHistory(),
		Products:    f.store.Products(),
		Carts:       carts,
		Counters:    f.store.Counters(),
		Outbox:      f.store.Outbox(),
		Inventory:   f.inventory,
		Users:       f.users,
		Audit:       f.audit,
		UnitOfWork:  f.store,
		Clock:       f.clock.Now,
		IDGenerator: f.ids(),
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func (f *orderFixture) seedProduct(t *testing.T, id string, price string, stock int) {
	t.Helper()
	err := f.store.Products().Upsert(context.Background(), domain.Product{
		ID:            id,
		Name:          "Product " + id,
		SKU:           "SKU-" + id,
		Price:         decimal.RequireFromString(price),
		StockQuantity: stock,
		ManageStock:   true,
		Active:        true,
		UpdatedAt:     baseTime,
	})
	if err != nil {
		t.Fatalf("seed product %s: %v", id, err)
	}
}

func (f *orderFixture) addToCart(t *testing.T, userID, productID string, qty int) {
	t.Helper()
	if _, err := f.carts.AddItem(context.Background(), AddCartItemCommand{UserID: userID, ProductID: productID, Quantity: qty}); err != nil {
		t.Fatalf("add %s to cart of %s: %v", productID, userID, err)
	}
}

func (f *orderFixture) stockOf(t *testing.T, productID string) int {
	t.Helper()
	available, err := f.inventory.Available(context.Background(), productID)
	if err != nil {
		t.Fatalf("Available(%s): %v", productID, err)
	}
	return available
}

func (f *orderFixture) checkout(t *testing.T, userID string) Order {
	t.Helper()
	order, err := f.orders.CreateFromCart(context.Background(), checkoutCommand(userID))
	if err != nil {
		t.Fatalf("CreateFromCart(%s): %v", userID, err)
	}
	return order
}

func checkoutCommand(userID string) CreateOrderFromCartCommand {
	return CreateOrderFromCartCommand{
		CustomerID: userID,
		ActorID:    userID,
		Delivery: DeliveryInfo{
			Address: Address{
				Recipient:  "Hanako Sato",
				Line1:      "1-2-3 Shibuya",
				City:       "Tokyo",
				PostalCode: "150-0002",
				Country:    "jp",
			},
		},
	}
}
