package services

import (
	"errors"
	"fmt"

	domain "github.com/finitefield/order-engine/internal/domain"
	"github.com/finitefield/order-engine/internal/repositories"
)

var (
	// ErrOrderEmptyCart indicates checkout was attempted with no cart lines.
	ErrOrderEmptyCart = errors.New("order: cart is empty")
	// ErrInventoryInsufficientStock indicates a product could not cover the requested quantity.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrOrderInvalidState indicates an operation is not allowed from the order's current status.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrNotFound indicates a referenced customer, product, cart line or order does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput signals the caller provided invalid data.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotImplemented marks declared operations that have no transition yet.
	ErrNotImplemented = errors.New("not implemented")
	// ErrOrderConflict indicates a concurrent writer won or a uniqueness constraint failed.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrUnavailable indicates a backing store could not be reached.
	ErrUnavailable = errors.New("service unavailable")
)

// EmptyCartError is returned when a customer checks out without cart lines.
type EmptyCartError struct {
	CustomerID string
}

func (e *EmptyCartError) Error() string {
	return fmt.Sprintf("order: cart of customer %q is empty", e.CustomerID)
}

func (e *EmptyCartError) Unwrap() error { return ErrOrderEmptyCart }

// InsufficientStockError reports the first product that could not be reserved.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: product %q has %d available, %d requested", e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInventoryInsufficientStock }

// InvalidTransitionError reports the status observed when an operation was refused.
type InvalidTransitionError struct {
	OrderID   string
	Current   domain.OrderStatus
	Attempted string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order: cannot %s order %q in status %q", e.Attempted, e.OrderID, e.Current)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrOrderInvalidState }

// NotFoundError names the kind of entity that was missing.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError names the offending input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// NotImplementedTransitionError is returned for statuses that are declared but unreachable.
type NotImplementedTransitionError struct {
	Attempted string
}

func (e *NotImplementedTransitionError) Error() string {
	return fmt.Sprintf("order: %s transition is not implemented", e.Attempted)
}

func (e *NotImplementedTransitionError) Unwrap() error { return ErrNotImplemented }

// mapRepositoryError translates repository categories into service errors. The original error stays in
// the chain so transaction retry classification still sees driver errors.
func mapRepositoryError(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if isServiceError(err) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			if kind != "" {
				return &NotFoundError{Kind: kind, ID: id}
			}
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %w", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	return err
}

func isServiceError(err error) bool {
	for _, sentinel := range []error{
		ErrOrderEmptyCart, ErrInventoryInsufficientStock, ErrOrderInvalidState, ErrNotFound,
		ErrInvalidInput, ErrNotImplemented, ErrOrderConflict, ErrUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
