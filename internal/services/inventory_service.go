package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/platform/textutil"
	"github.com/bazaarline/api/internal/repositories"
)

const movementIDPrefix = "mov_"

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Products    repositories.ProductRepository
	History     repositories.InventoryHistoryRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	products   repositories.ProductRepository
	history    repositories.InventoryHistoryRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Products == nil {
		return nil, errors.New("inventory service: product repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("inventory service: inventory history repository is required")
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

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		products:   deps.Products,
		history:    deps.History,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// ApplyMovement writes the new stock and the ledger entry in one unit of work.
func (s *inventoryService) ApplyMovement(ctx context.Context, cmd InventoryMovementCommand) (InventoryMovement, error) {
	ctx, span := startSpan(ctx, "InventoryService.ApplyMovement",
		attribute.String("product.id", cmd.ProductID),
		attribute.String("movement.type", string(cmd.Type)),
		attribute.Int("movement.delta", cmd.Delta))
	defer span.End()

	productID := strings.TrimSpace(cmd.ProductID)
	if err := validateMovement(productID, cmd); err != nil {
		return InventoryMovement{}, endSpan(span, err)
	}

	var movement InventoryMovement
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		product, err := s.products.FindForUpdate(txCtx, productID)
		if err != nil {
			return mapRepositoryError(err, ErrInventoryProductNotFound)
		}

		stockAfter := product.Stock + cmd.Delta
		if stockAfter < 0 && !product.AllowBackorder {
			return fmt.Errorf("%w: product %s has %d, requested %d", ErrInventoryInsufficientStock, productID, product.Stock, -cmd.Delta)
		}

		if _, err := s.products.UpdateStock(txCtx, productID, stockAfter, product.Version); err != nil {
			return mapRepositoryError(err, ErrInventoryProductNotFound)
		}

		movement = InventoryMovement{
			ID:               movementIDPrefix + s.newID(),
			ProductID:        productID,
			QuantityChange:   cmd.Delta,
			StockAfterChange: stockAfter,
			Type:             cmd.Type,
			OrderID:          trimmedPtr(cmd.OrderID),
			UserID:           trimmedPtr(cmd.UserID),
			Note:             textutil.SanitizeNote(cmd.Note),
			CreatedAt:        s.clock(),
		}
		if err := s.history.Append(txCtx, movement); err != nil {
			return mapRepositoryError(err, ErrInventoryProductNotFound)
		}
		return nil
	})
	if err != nil {
		return InventoryMovement{}, endSpan(span, mapTxError(err, ErrInventoryProductNotFound))
	}

	s.logger(ctx, "inventory.movement.applied", map[string]any{
		"productId":  productID,
		"type":       string(cmd.Type),
		"delta":      cmd.Delta,
		"stockAfter": movement.StockAfterChange,
	})
	return movement, nil
}

func (s *inventoryService) ListMovements(ctx context.Context, productID string) ([]InventoryMovement, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	if _, err := s.products.FindByID(ctx, productID); err != nil {
		return nil, mapRepositoryError(err, ErrInventoryProductNotFound)
	}
	movements, err := s.history.ListByProduct(ctx, productID)
	if err != nil {
		return nil, mapRepositoryError(err, ErrInventoryProductNotFound)
	}
	return movements, nil
}

// VerifyLedger replays the product's movements from zero and compares the result with the cached stock.
func (s *inventoryService) VerifyLedger(ctx context.Context, productID string) (InventoryLedgerReport, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return InventoryLedgerReport{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}

	var report InventoryLedgerReport
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		product, err := s.products.FindByID(txCtx, productID)
		if err != nil {
			return mapRepositoryError(err, ErrInventoryProductNotFound)
		}
		movements, err := s.history.ListByProduct(txCtx, productID)
		if err != nil {
			return mapRepositoryError(err, ErrInventoryProductNotFound)
		}
		replayed := domain.ReplayStock(movements)
		report = InventoryLedgerReport{
			ProductID:   productID,
			Stock:       product.Stock,
			Replayed:    replayed,
			Movements:   len(movements),
			Consistent:  replayed == product.Stock,
			GeneratedAt: s.clock(),
		}
		return nil
	})
	if err != nil {
		return InventoryLedgerReport{}, mapTxError(err, ErrInventoryProductNotFound)
	}
	if !report.Consistent {
		s.logger(ctx, "inventory.ledger.drift", map[string]any{
			"productId": productID,
			"stock":     report.Stock,
			"replayed":  report.Replayed,
		})
	}
	return report, nil
}

func validateMovement(productID string, cmd InventoryMovementCommand) error {
	if productID == "" {
		return fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	if !cmd.Type.Valid() {
		return fmt.Errorf("%w: unknown movement type %q", ErrInventoryInvalidInput, cmd.Type)
	}
	if cmd.Delta == 0 {
		return fmt.Errorf("%w: quantity change must be non-zero", ErrInventoryInvalidInput)
	}
	switch cmd.Type {
	case domain.MovementTypeSale, domain.MovementTypeDamage:
		if cmd.Delta > 0 {
			return fmt.Errorf("%w: %s movements must decrease stock", ErrInventoryInvalidInput, cmd.Type)
		}
	case domain.MovementTypeReturn, domain.MovementTypePurchase, domain.MovementTypeProduction:
		if cmd.Delta < 0 {
			return fmt.Errorf("%w: %s movements must increase stock", ErrInventoryInvalidInput, cmd.Type)
		}
	}
	return nil
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
