package repositories

import (
	"errors"
	"fmt"
)

// InventoryErrorCode enumerates repository error causes for stock writes.
type InventoryErrorCode string

const (
	// InventoryErrorInsufficientStock indicates a write would leave stock negative without backorder.
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	// InventoryErrorProductNotFound indicates the product has no stock record.
	InventoryErrorProductNotFound InventoryErrorCode = "inventory_product_not_found"
)

// InventoryError carries a machine readable code for stock failures raised by the store itself,
// e.g. the non-negative stock constraint.
type InventoryError struct {
	ProductID string
	Code      InventoryErrorCode
	Message   string
	Err       error
}

func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("product %s: %s", e.ProductID, e.Message)
}

func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInventoryError constructs a typed inventory error.
func NewInventoryError(productID string, code InventoryErrorCode, err error) *InventoryError {
	message := string(code)
	if err != nil {
		message = fmt.Sprintf("%s: %v", code, err)
	}
	return &InventoryError{ProductID: productID, Code: code, Message: message, Err: err}
}

// InventoryErrorCodeOf extracts the inventory code from err, if any.
func InventoryErrorCodeOf(err error) (InventoryErrorCode, bool) {
	var invErr *InventoryError
	if errors.As(err, &invErr) && invErr != nil {
		return invErr.Code, true
	}
	return "", false
}
