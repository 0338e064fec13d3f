package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/bazaarline/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates a transition outside the allowed-next table.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderProductUnavailable indicates a cart line refers to a product that cannot be sold.
	ErrOrderProductUnavailable = errors.New("order: product unavailable")

	// ErrInventoryInvalidInput signals an invalid movement request.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryInsufficientStock indicates the movement would leave stock negative without backorder.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInventoryProductNotFound indicates the product has no stock record.
	ErrInventoryProductNotFound = errors.New("inventory: product not found")

	// ErrSettlementInvalidInput signals invalid settlement arguments.
	ErrSettlementInvalidInput = errors.New("settlement: invalid input")
	// ErrSettlementNotFound indicates the settlement could not be located.
	ErrSettlementNotFound = errors.New("settlement: not found")
	// ErrSettlementLocked indicates a paid or failed settlement would have to change.
	ErrSettlementLocked = errors.New("settlement: locked")
	// ErrSettlementInvalidState indicates the settlement is not in the state the operation requires.
	ErrSettlementInvalidState = errors.New("settlement: invalid state")

	// ErrPaymentInvalidInput signals a malformed payment outcome.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")

	// ErrConcurrencyConflict indicates a write based on a stale version. Callers retry with fresh data.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrRepositoryUnavailable indicates the ledger store could not be reached.
	ErrRepositoryUnavailable = errors.New("repository unavailable")
)

// mapRepositoryError translates repository failures into service sentinels. notFound is
// used for missing records of the aggregate the caller operates on.
func mapRepositoryError(err, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if code, ok := repositories.InventoryErrorCodeOf(err); ok {
		switch code {
		case repositories.InventoryErrorInsufficientStock:
			return fmt.Errorf("%w: %v", ErrInventoryInsufficientStock, err)
		case repositories.InventoryErrorProductNotFound:
			return fmt.Errorf("%w: %v", ErrInventoryProductNotFound, err)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			if notFound == nil {
				return err
			}
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
		}
	}
	return err
}

// isServiceError reports whether err already carries a service sentinel and must not be remapped.
func isServiceError(err error) bool {
	for _, target := range []error{
		ErrOrderInvalidInput, ErrOrderNotFound, ErrOrderInvalidState, ErrOrderProductUnavailable,
		ErrInventoryInvalidInput, ErrInventoryInsufficientStock, ErrInventoryProductNotFound,
		ErrSettlementInvalidInput, ErrSettlementNotFound, ErrSettlementLocked, ErrSettlementInvalidState,
		ErrPaymentInvalidInput, ErrConcurrencyConflict, ErrRepositoryUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// mapTxError maps an error returned from a unit of work, keeping sentinels raised inside it.
func mapTxError(err, notFound error) error {
	if err == nil || isServiceError(err) {
		return err
	}
	return mapRepositoryError(err, notFound)
}
