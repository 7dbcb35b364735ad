package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/finitefield/order-engine/internal/repositories"
)

const defaultMaxLineQuantity = 99

var errCartRepositoryRequired = errors.New("cart service: repository is required")

// CartServiceDeps wires the repositories used by cart operations.
type CartServiceDeps struct {
	Repository      repositories.CartRepository
	Products        repositories.ProductRepository
	UnitOfWork      repositories.UnitOfWork
	MaxLineQuantity int
	Clock           func() time.Time
	Logger          func(context.Context, string, map[string]any)
}

type cartService struct {
	repo        repositories.CartRepository
	products    repositories.ProductRepository
	unitOfWork  repositories.UnitOfWork
	maxQuantity int
	now         func() time.Time
	logger      func(context.Context, string, map[string]any)
}

var _ CartService = (*cartService)(nil)

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	maxQuantity := deps.MaxLineQuantity
	if maxQuantity <= 0 {
		maxQuantity = defaultMaxLineQuantity
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		repo:        deps.Repository,
		products:    deps.Products,
		unitOfWork:  unit,
		maxQuantity: maxQuantity,
		now:         func() time.Time { return clock().UTC() },
		logger:      logger,
	}, nil
}

func (s *cartService) ListItems(ctx context.Context, userID string) ([]CartItem, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, &ValidationError{Field: "userId", Reason: "is required"}
	}
	items, err := s.repo.ListItems(ctx, uid)
	if err != nil {
		return nil, mapRepositoryError(err, "", "")
	}
	return items, nil
}

// AddItem adds quantity units of a product, merging with an existing line. The unit price is
// snapshotted from the catalogue at the time of the call.
func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (CartItem, error) {
	uid, productID, err := s.validateLine(cmd.UserID, cmd.ProductID, cmd.Quantity)
	if err != nil {
		return CartItem{}, err
	}

	var saved CartItem
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		product, err := s.products.FindByID(txCtx, productID)
		if err != nil {
			return mapRepositoryError(err, "product", productID)
		}
		if !product.Active {
			return &NotFoundError{Kind: "product", ID: productID}
		}

		now := s.now()
		line := CartItem{UserID: uid, ProductID: productID, AddedAt: now}
		existing, found, err := s.findLine(txCtx, uid, productID)
		if err != nil {
			return err
		}
		if found {
			line = existing
		}
		line.Quantity += cmd.Quantity
		if line.Quantity > s.maxQuantity {
			return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must not exceed %d per product", s.maxQuantity)}
		}
		line.UnitPrice = product.Price
		line.UpdatedAt = now

		if err := s.repo.UpsertItem(txCtx, line); err != nil {
			return mapRepositoryError(err, "", "")
		}
		saved = line
		return nil
	})
	if err != nil {
		return CartItem{}, mapRepositoryError(err, "", "")
	}

	s.logger(ctx, "cart.item.added", map[string]any{
		"userId":    uid,
		"productId": productID,
		"quantity":  saved.Quantity,
	})
	return saved, nil
}

// UpdateQuantity replaces the quantity of an existing line without refreshing its price snapshot.
func (s *cartService) UpdateQuantity(ctx context.Context, cmd UpdateCartItemCommand) (CartItem, error) {
	uid, productID, err := s.validateLine(cmd.UserID, cmd.ProductID, cmd.Quantity)
	if err != nil {
		return CartItem{}, err
	}
	if cmd.Quantity > s.maxQuantity {
		return CartItem{}, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must not exceed %d per product", s.maxQuantity)}
	}

	var saved CartItem
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		line, found, err := s.findLine(txCtx, uid, productID)
		if err != nil {
			return err
		}
		if !found {
			return &NotFoundError{Kind: "cart_item", ID: productID}
		}
		line.Quantity = cmd.Quantity
		line.UpdatedAt = s.now()
		if err := s.repo.UpsertItem(txCtx, line); err != nil {
			return mapRepositoryError(err, "", "")
		}
		saved = line
		return nil
	})
	if err != nil {
		return CartItem{}, mapRepositoryError(err, "", "")
	}
	return saved, nil
}

func (s *cartService) RemoveItem(ctx context.Context, userID, productID string) error {
	uid := strings.TrimSpace(userID)
	pid := strings.TrimSpace(productID)
	if uid == "" {
		return &ValidationError{Field: "userId", Reason: "is required"}
	}
	if pid == "" {
		return &ValidationError{Field: "productId", Reason: "is required"}
	}
	if err := s.repo.RemoveItem(ctx, uid, pid); err != nil {
		return mapRepositoryError(err, "cart_item", pid)
	}
	return nil
}

func (s *cartService) validateLine(userID, productID string, quantity int) (string, string, error) {
	uid := strings.TrimSpace(userID)
	pid := strings.TrimSpace(productID)
	switch {
	case uid == "":
		return "", "", &ValidationError{Field: "userId", Reason: "is required"}
	case pid == "":
		return "", "", &ValidationError{Field: "productId", Reason: "is required"}
	case quantity <= 0:
		return "", "", &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	return uid, pid, nil
}

func (s *cartService) findLine(ctx context.Context, userID, productID string) (CartItem, bool, error) {
	items, err := s.repo.ListItems(ctx, userID)
	if err != nil {
		return CartItem{}, false, mapRepositoryError(err, "", "")
	}
	for _, item := range items {
		if item.ProductID == productID {
			return item, true, nil
		}
	}
	return CartItem{}, false, nil
}
