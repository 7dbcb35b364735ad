package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/finitefield/order-engine/internal/domain"
	"github.com/finitefield/order-engine/internal/platform/pagination"
	"github.com/finitefield/order-engine/internal/platform/textutil"
	"github.com/finitefield/order-engine/internal/repositories"
)

const (
	orderIDPrefix   = "ord_"
	itemIDPrefix    = "oit_"
	historyIDPrefix = "osh_"

	orderCounterName       = "orders"
	defaultOrderCurrency   = "USD"
	maxNotesLength         = 1000
	maxReasonLength        = 500
	maxInstructionsLength  = 500
	maxAddressFieldLength  = 200
	maxPostalCodeLength    = 20
	maxPhoneLength         = 32
	orderCreatedReason     = "order created"
	addressUpdatedAction   = "order.address.update"
	orderCreatedAuditEvent = "order.create"
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	History     repositories.OrderHistoryRepository
	Products    repositories.ProductRepository
	Carts       repositories.CartRepository
	Counters    repositories.CounterRepository
	Outbox      repositories.OutboxRepository
	Inventory   InventoryService
	Users       UserDirectory
	Audit       AuditSink
	UnitOfWork  repositories.UnitOfWork
	Metrics     Metrics
	Currency    string
	Clock       func() time.Time
	IDGenerator func() string
	EventIDs    func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	history    repositories.OrderHistoryRepository
	products   repositories.ProductRepository
	carts      repositories.CartRepository
	counters   repositories.CounterRepository
	outbox     repositories.OutboxRepository
	inventory  InventoryService
	users      UserDirectory
	audit      AuditSink
	unitOfWork repositories.UnitOfWork
	metrics    Metrics
	currency   string
	clock      func() time.Time
	newID      func() string
	newEventID func() string
	logger     func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("order service: order repository is required")
	case deps.History == nil:
		return nil, errors.New("order service: history repository is required")
	case deps.Products == nil:
		return nil, errors.New("order service: product repository is required")
	case deps.Carts == nil:
		return nil, errors.New("order service: cart repository is required")
	case deps.Counters == nil:
		return nil, errors.New("order service: counter repository is required")
	case deps.Outbox == nil:
		return nil, errors.New("order service: outbox repository is required")
	case deps.Inventory == nil:
		return nil, errors.New("order service: inventory service is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	eventIDs := deps.EventIDs
	if eventIDs == nil {
		eventIDs = newEventID
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultOrderCurrency
	}

	return &orderService{
		orders:     deps.Orders,
		history:    deps.History,
		products:   deps.Products,
		carts:      deps.Carts,
		counters:   deps.Counters,
		outbox:     deps.Outbox,
		inventory:  deps.Inventory,
		users:      deps.Users,
		audit:      deps.Audit,
		unitOfWork: unit,
		metrics:    metrics,
		currency:   currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:      idGen,
		newEventID: eventIDs,
		logger:     logger,
	}, nil
}

// CreateFromCart reserves stock for every cart line and persists a pending order. Either every line is
// reserved and the cart is cleared, or nothing changes.
func (s *orderService) CreateFromCart(ctx context.Context, cmd CreateOrderFromCartCommand) (order Order, err error) {
	started := time.Now()
	defer func() { s.observe(ctx, "create", started, err) }()

	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Order{}, &ValidationError{Field: "customerId", Reason: "is required"}
	}
	delivery, err := normalizeDelivery(cmd.Delivery)
	if err != nil {
		return Order{}, err
	}
	currency := s.currency
	if trimmed := strings.TrimSpace(cmd.Currency); trimmed != "" {
		currency = strings.ToUpper(trimmed)
	}
	if !validCurrency(currency) {
		return Order{}, &ValidationError{Field: "currency", Reason: "must be a three letter ISO code"}
	}
	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		actor = customerID
	}
	notes := textutil.CleanText(cmd.Notes, maxNotesLength)

	if s.users != nil {
		exists, err := s.users.UserExists(ctx, customerID)
		if err != nil {
			return Order{}, fmt.Errorf("%w: lookup customer: %w", ErrUnavailable, err)
		}
		if !exists {
			return Order{}, &NotFoundError{Kind: "customer", ID: customerID}
		}
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		now := s.now()
		lines, err := s.carts.ListItems(txCtx, customerID)
		if err != nil {
			return mapRepositoryError(err, "", "")
		}
		if len(lines) == 0 {
			return &EmptyCartError{CustomerID: customerID}
		}
		// Reserving in product id order keeps row lock acquisition consistent across concurrent checkouts.
		slices.SortFunc(lines, func(a, b CartItem) int { return strings.Compare(a.ProductID, b.ProductID) })

		order = Order{
			ID:         orderIDPrefix + s.newID(),
			CustomerID: customerID,
			Status:     domain.OrderStatusPending,
			OrderDate:  now,
			Delivery:   delivery,
			Discount:   decimal.Zero,
			Tax:        decimal.Zero,
			Shipping:   decimal.Zero,
			Currency:   currency,
			Notes:      notes,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		items := make([]OrderItem, 0, len(lines))
		for _, line := range lines {
			item, err := s.reserveLine(txCtx, order.ID, line)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		order.Items = items
		order.Subtotal = subtotalOf(items)
		order.Total = order.Subtotal.Sub(order.Discount).Add(order.Tax).Add(order.Shipping)

		number, err := s.generateOrderNumber(txCtx, now)
		if err != nil {
			return err
		}
		order.OrderNumber = number

		if err := s.orders.Insert(txCtx, order); err != nil {
			return mapRepositoryError(err, "", "")
		}
		if err := s.appendHistory(txCtx, order.ID, "", domain.OrderStatusPending, actor, orderCreatedReason, now); err != nil {
			return err
		}
		if err := s.enqueueEvent(txCtx, orderEventCreated, order, "", actor, "", now); err != nil {
			return err
		}
		removed, err := s.carts.Clear(txCtx, customerID)
		if err != nil {
			return mapRepositoryError(err, "", "")
		}
		// A concurrent checkout that consumed the same cart first leaves fewer lines behind.
		if removed != len(lines) {
			return fmt.Errorf("%w: cart of customer %q changed during checkout", ErrOrderConflict, customerID)
		}
		return nil
	})
	if err != nil {
		return Order{}, mapRepositoryError(err, "", "")
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"customerId":  order.CustomerID,
		"items":       len(order.Items),
		"total":       order.Total.String(),
	})
	s.recordAudit(ctx, orderCreatedAuditEvent, order, actor, "", orderCreatedReason)
	return order, nil
}

func (s *orderService) reserveLine(ctx context.Context, orderID string, line CartItem) (OrderItem, error) {
	product, err := s.products.FindByID(ctx, line.ProductID)
	if err != nil {
		return OrderItem{}, mapRepositoryError(err, "product", line.ProductID)
	}
	if !product.Active {
		return OrderItem{}, &NotFoundError{Kind: "product", ID: line.ProductID}
	}
	if line.Quantity <= 0 {
		return OrderItem{}, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("of product %q must be positive", line.ProductID)}
	}

	reserved := false
	if product.ManageStock {
		ok, err := s.inventory.TryDecrement(ctx, product.ID, line.Quantity)
		if err != nil {
			return OrderItem{}, err
		}
		if !ok {
			available, err := s.inventory.Available(ctx, product.ID)
			if err != nil {
				return OrderItem{}, err
			}
			return OrderItem{}, &InsufficientStockError{
				ProductID: product.ID,
				Requested: line.Quantity,
				Available: available,
			}
		}
		reserved = true
	}

	unitPrice := line.UnitPrice
	if unitPrice.IsNegative() {
		return OrderItem{}, &ValidationError{Field: "unitPrice", Reason: fmt.Sprintf("of product %q must not be negative", line.ProductID)}
	}
	return OrderItem{
		ID:            itemIDPrefix + s.newID(),
		OrderID:       orderID,
		ProductID:     product.ID,
		ProductName:   product.Name,
		SKU:           product.SKU,
		Description:   product.Description,
		UnitPrice:     unitPrice,
		Quantity:      line.Quantity,
		Discount:      decimal.Zero,
		Tax:           decimal.Zero,
		TotalPrice:    unitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))),
		StockReserved: reserved,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, &ValidationError{Field: "orderId", Reason: "is required"}
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, "order", orderID)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if filter.Pagination.PageSize < 0 {
		return domain.CursorPage[Order]{}, &ValidationError{Field: "pageSize", Reason: "must not be negative"}
	}
	for _, status := range filter.Status {
		if !status.Valid() {
			return domain.CursorPage[Order]{}, &ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not a known status", status)}
		}
	}
	if from, to := filter.DateRange.From, filter.DateRange.To; from != nil && to != nil && from.After(*to) {
		return domain.CursorPage[Order]{}, &ValidationError{Field: "dateRange", Reason: "start must not be after end"}
	}
	filter.CustomerID = strings.TrimSpace(filter.CustomerID)

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[Order]{}, &ValidationError{Field: "pageToken", Reason: "is invalid"}
		}
		return domain.CursorPage[Order]{}, mapRepositoryError(err, "", "")
	}
	return page, nil
}

func (s *orderService) ListHistory(ctx context.Context, orderID string) ([]OrderStatusHistory, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	entries, err := s.history.ListByOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return nil, mapRepositoryError(err, "", "")
	}
	return entries, nil
}

// UpdateAddress replaces delivery details while the order has not entered fulfilment.
func (s *orderService) UpdateAddress(ctx context.Context, cmd UpdateOrderAddressCommand) (order Order, err error) {
	started := time.Now()
	defer func() { s.observe(ctx, "update_address", started, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, &ValidationError{Field: "orderId", Reason: "is required"}
	}
	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		return Order{}, &ValidationError{Field: "actorId", Reason: "is required"}
	}
	delivery, err := normalizeDelivery(cmd.Delivery)
	if err != nil {
		return Order{}, err
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, "order", orderID)
		}
		if current.Status != domain.OrderStatusPending && current.Status != domain.OrderStatusConfirmed {
			return &InvalidTransitionError{OrderID: orderID, Current: current.Status, Attempted: "update_address"}
		}

		now := s.now()
		current.Delivery = delivery
		current.UpdatedAt = now
		matched, err := s.orders.UpdateDelivery(txCtx, current, current.Status)
		if err != nil {
			return mapRepositoryError(err, "order", orderID)
		}
		if !matched {
			return s.lostRace(txCtx, orderID, "update_address")
		}
		if err := s.enqueueEvent(txCtx, orderEventAddressUpdated, current, "", actor, "", now); err != nil {
			return err
		}
		order = current
		return nil
	})
	if err != nil {
		return Order{}, mapRepositoryError(err, "", "")
	}

	s.recordAudit(ctx, addressUpdatedAction, order, actor, "", "")
	return order, nil
}

// lostRace reloads the order after a compare-and-set miss so the caller learns the status that won.
// The reload is a locking read on MySQL, so it returns the committed row rather than the snapshot.
func (s *orderService) lostRace(ctx context.Context, orderID, attempted string) error {
	latest, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return mapRepositoryError(err, "order", orderID)
	}
	return &InvalidTransitionError{OrderID: orderID, Current: latest.Status, Attempted: attempted}
}

func (s *orderService) appendHistory(ctx context.Context, orderID string, from, to domain.OrderStatus, actor, reason string, now time.Time) error {
	entry := OrderStatusHistory{
		ID:        historyIDPrefix + s.newID(),
		OrderID:   orderID,
		OldStatus: from,
		NewStatus: to,
		ChangedAt: now,
		ChangedBy: actor,
		Reason:    reason,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return mapRepositoryError(err, "", "")
	}
	return nil
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderCounterName)
	if err != nil {
		return "", mapRepositoryError(err, "", "")
	}
	return fmt.Sprintf("ORD-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) recordAudit(ctx context.Context, action string, order Order, actor string, previous domain.OrderStatus, reason string) {
	if s.audit == nil {
		return
	}
	metadata := map[string]any{
		"orderNumber": order.OrderNumber,
		"status":      string(order.Status),
	}
	if previous != "" {
		metadata["previousStatus"] = string(previous)
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	if action == addressUpdatedAction {
		metadata["recipient"] = order.Delivery.Address.Recipient
		metadata["phone"] = order.Delivery.Address.Phone
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:                 actor,
		Action:                action,
		TargetRef:             "/orders/" + order.ID,
		OccurredAt:            order.UpdatedAt,
		Metadata:              metadata,
		SensitiveMetadataKeys: []string{"recipient", "phone"},
	})
}

func (s *orderService) observe(ctx context.Context, operation string, started time.Time, err error) {
	outcome := outcomeOf(err)
	s.metrics.ObserveOrderOperation(operation, outcome, time.Since(started))
	if err != nil && outcome == "error" {
		s.logger(ctx, "order.operation.failed", map[string]any{
			"operation": operation,
			"error":     err.Error(),
		})
	}
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOrderEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrInventoryInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrOrderInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotImplemented):
		return "not_implemented"
	case errors.Is(err, ErrOrderConflict):
		return "conflict"
	default:
		return "error"
	}
}

func subtotalOf(items []OrderItem) decimal.Decimal {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.TotalPrice)
	}
	return subtotal
}

func normalizeDelivery(info DeliveryInfo) (DeliveryInfo, error) {
	addr := info.Address
	out := DeliveryInfo{
		Address: Address{
			Recipient:  textutil.CleanLine(addr.Recipient, maxAddressFieldLength),
			Line1:      textutil.CleanLine(addr.Line1, maxAddressFieldLength),
			Line2:      textutil.CleanLine(addr.Line2, maxAddressFieldLength),
			City:       textutil.CleanLine(addr.City, maxAddressFieldLength),
			State:      textutil.CleanLine(addr.State, maxAddressFieldLength),
			PostalCode: strings.ToUpper(textutil.CleanLine(addr.PostalCode, maxPostalCodeLength)),
			Country:    strings.ToUpper(textutil.CleanLine(addr.Country, 0)),
			Phone:      textutil.CleanLine(addr.Phone, maxPhoneLength),
		},
		Instructions: textutil.CleanText(info.Instructions, maxInstructionsLength),
	}

	required := []struct {
		field string
		value string
	}{
		{"delivery.address.recipient", out.Address.Recipient},
		{"delivery.address.line1", out.Address.Line1},
		{"delivery.address.city", out.Address.City},
		{"delivery.address.postalCode", out.Address.PostalCode},
		{"delivery.address.country", out.Address.Country},
	}
	for _, r := range required {
		if r.value == "" {
			return DeliveryInfo{}, &ValidationError{Field: r.field, Reason: "is required"}
		}
	}
	if !isUpperAlpha(out.Address.Country, 2) {
		return DeliveryInfo{}, &ValidationError{Field: "delivery.address.country", Reason: "must be a two letter ISO code"}
	}
	return out, nil
}

func validCurrency(code string) bool {
	return isUpperAlpha(code, 3)
}

func isUpperAlpha(value string, length int) bool {
	if len(value) != length {
		return false
	}
	for _, r := range value {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
