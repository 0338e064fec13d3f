package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/platform/pagination"
	"github.com/bazaarline/api/internal/repositories"
)

type orderRepository struct{ s *Store }

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.s.view(ctx, func(st *state) error {
		if _, exists := st.orders[order.ID]; exists {
			return conflict("order.insert", "order %s already exists", order.ID)
		}
		if _, exists := st.orderNumbers[order.OrderNumber]; exists {
			return conflict("order.insert", "order number %s already exists", order.OrderNumber)
		}
		for _, item := range order.Items {
			if _, ok := st.products[item.ProductID]; !ok {
				return notFound("order.insert", "product %s not found", item.ProductID)
			}
		}
		order.Version = 1
		st.orders[order.ID] = cloneOrder(order)
		st.orderNumbers[order.OrderNumber] = order.ID
		return nil
	})
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	var updated domain.Order
	err := r.s.view(ctx, func(st *state) error {
		current, ok := st.orders[order.ID]
		if !ok {
			return notFound("order.update", "order %s not found", order.ID)
		}
		if current.Version != order.Version {
			return conflict("order.update", "order %s version %d is stale (current %d)", order.ID, order.Version, current.Version)
		}
		order.Version = current.Version + 1
		order.OrderNumber = current.OrderNumber
		order.CreatedAt = current.CreatedAt
		st.orders[order.ID] = cloneOrder(order)
		updated = cloneOrder(order)
		return nil
	})
	return updated, err
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	var order domain.Order
	err := r.s.view(ctx, func(st *state) error {
		found, ok := st.orders[orderID]
		if !ok {
			return notFound("order.get", "order %s not found", orderID)
		}
		order = cloneOrder(found)
		return nil
	})
	return order, err
}

// FindForUpdate needs no lock beyond the store-wide transaction lock.
func (r orderRepository) FindForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	return r.FindByID(ctx, orderID)
}

func (r orderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	var order domain.Order
	err := r.s.view(ctx, func(st *state) error {
		id, ok := st.orderNumbers[orderNumber]
		if !ok {
			return notFound("order.getByNumber", "order %s not found", orderNumber)
		}
		order = cloneOrder(st.orders[id])
		return nil
	})
	return order, err
}

func (r orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	var matched []domain.Order
	err = r.s.view(ctx, func(st *state) error {
		for _, order := range st.orders {
			if matchOrder(order, filter) && !cursor.Before(order.CreatedAt, order.ID) {
				matched = append(matched, cloneOrder(order))
			}
		}
		return nil
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	slices.SortFunc(matched, func(a, b domain.Order) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})
	page, next, err := pagination.Trim(matched, filter.Pagination.PageSize, func(o domain.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	return domain.CursorPage[domain.Order]{Items: page, NextPageToken: next}, nil
}

func matchOrder(order domain.Order, filter repositories.OrderListFilter) bool {
	if filter.CustomerID != "" && order.CustomerID != filter.CustomerID {
		return false
	}
	if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
		return false
	}
	if filter.SupplierID != "" && !slices.ContainsFunc(order.Items, func(item domain.OrderItem) bool {
		return item.SupplierID == filter.SupplierID
	}) {
		return false
	}
	if from := filter.CreatedAt.From; from != nil && order.CreatedAt.Before(*from) {
		return false
	}
	if to := filter.CreatedAt.To; to != nil && order.CreatedAt.After(*to) {
		return false
	}
	return true
}

type historyRepository struct{ s *Store }

func (r historyRepository) Append(ctx context.Context, entry domain.OrderStatusHistory) error {
	return r.s.view(ctx, func(st *state) error {
		if _, ok := st.orders[entry.OrderID]; !ok {
			return notFound("history.append", "order %s not found", entry.OrderID)
		}
		st.history = append(st.history, entry)
		return nil
	})
}

func (r historyRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error) {
	var out []domain.OrderStatusHistory
	err := r.s.view(ctx, func(st *state) error {
		for _, entry := range st.history {
			if entry.OrderID == orderID {
				out = append(out, entry)
			}
		}
		return nil
	})
	return out, err
}

type productRepository struct{ s *Store }

func (r productRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	var product domain.Product
	err := r.s.view(ctx, func(st *state) error {
		found, ok := st.products[productID]
		if !ok {
			return notFound("product.get", "product %s not found", productID)
		}
		product = found
		return nil
	})
	return product, err
}

func (r productRepository) FindForUpdate(ctx context.Context, productID string) (domain.Product, error) {
	return r.FindByID(ctx, productID)
}

func (r productRepository) UpdateStock(ctx context.Context, productID string, stock int, expectedVersion int64) (int64, error) {
	var version int64
	err := r.s.view(ctx, func(st *state) error {
		product, ok := st.products[productID]
		if !ok {
			return repositories.NewInventoryError(productID, repositories.InventoryErrorProductNotFound, nil)
		}
		if product.Version != expectedVersion {
			return conflict("product.updateStock", "product %s version %d is stale (current %d)", productID, expectedVersion, product.Version)
		}
		if stock < 0 && !product.AllowBackorder {
			return repositories.NewInventoryError(productID, repositories.InventoryErrorInsufficientStock, nil)
		}
		product.Stock = stock
		product.Version++
		st.products[productID] = product
		version = product.Version
		return nil
	})
	return version, err
}

// Upsert writes catalog fields. Stock is owned by the inventory ledger: new products start at
// zero and existing ones keep their projection.
func (r productRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	var stored domain.Product
	err := r.s.view(ctx, func(st *state) error {
		if current, ok := st.products[product.ID]; ok {
			product.Stock = current.Stock
			product.Version = current.Version + 1
			product.CreatedAt = current.CreatedAt
		} else {
			product.Stock = 0
			product.Version = 1
		}
		st.products[product.ID] = product
		stored = product
		return nil
	})
	return stored, err
}

type inventoryRepository struct{ s *Store }

func (r inventoryRepository) Append(ctx context.Context, movement domain.InventoryMovement) error {
	return r.s.view(ctx, func(st *state) error {
		if _, ok := st.products[movement.ProductID]; !ok {
			return notFound("inventory.append", "product %s not found", movement.ProductID)
		}
		if movement.QuantityChange == 0 {
			return conflict("inventory.append", "movement %s has no quantity change", movement.ID)
		}
		st.movements = append(st.movements, movement)
		return nil
	})
}

func (r inventoryRepository) ListByProduct(ctx context.Context, productID string) ([]domain.InventoryMovement, error) {
	var out []domain.InventoryMovement
	err := r.s.view(ctx, func(st *state) error {
		for _, movement := range st.movements {
			if movement.ProductID == productID {
				out = append(out, movement)
			}
		}
		return nil
	})
	return out, err
}

type paymentRepository struct{ s *Store }

func (r paymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	return r.s.view(ctx, func(st *state) error {
		if _, exists := st.payments[payment.ID]; exists {
			return conflict("payment.insert", "payment %s already exists", payment.ID)
		}
		if _, ok := st.orders[payment.OrderID]; !ok {
			return notFound("payment.insert", "order %s not found", payment.OrderID)
		}
		if payment.GatewayTransactionID != "" {
			for _, existing := range st.payments {
				if sameGatewayRecord(existing, payment) {
					return conflict("payment.insert", "gateway transaction %s already recorded", payment.GatewayTransactionID)
				}
			}
		}
		st.payments[payment.ID] = payment
		st.paymentOrder = append(st.paymentOrder, payment.ID)
		return nil
	})
}

func sameGatewayRecord(a, b domain.Payment) bool {
	return a.Gateway == b.Gateway &&
		a.GatewayTransactionID == b.GatewayTransactionID &&
		a.Type == b.Type &&
		ptrValue(a.SupplierID) == ptrValue(b.SupplierID)
}

func ptrValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r paymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	return r.s.view(ctx, func(st *state) error {
		current, ok := st.payments[payment.ID]
		if !ok {
			return notFound("payment.update", "payment %s not found", payment.ID)
		}
		payment.CreatedAt = current.CreatedAt
		st.payments[payment.ID] = payment
		return nil
	})
}

func (r paymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	var payment domain.Payment
	err := r.s.view(ctx, func(st *state) error {
		found, ok := st.payments[paymentID]
		if !ok {
			return notFound("payment.get", "payment %s not found", paymentID)
		}
		payment = found
		return nil
	})
	return payment, err
}

func (r paymentRepository) FindByGatewayTransaction(ctx context.Context, gateway, transactionID string) (domain.Payment, error) {
	var payment domain.Payment
	err := r.s.view(ctx, func(st *state) error {
		for _, id := range st.paymentOrder {
			candidate := st.payments[id]
			if candidate.Gateway == gateway && candidate.GatewayTransactionID == transactionID {
				payment = candidate
				return nil
			}
		}
		return notFound("payment.getByGateway", "%s transaction %s not found", gateway, transactionID)
	})
	return payment, err
}

func (r paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	var out []domain.Payment
	err := r.s.view(ctx, func(st *state) error {
		for _, id := range st.paymentOrder {
			if payment := st.payments[id]; payment.OrderID == orderID {
				out = append(out, payment)
			}
		}
		return nil
	})
	return out, err
}

type settlementRepository struct{ s *Store }

func (r settlementRepository) Insert(ctx context.Context, settlement domain.SupplierSettlement) error {
	return r.s.view(ctx, func(st *state) error {
		if _, exists := st.settlements[settlement.ID]; exists {
			return conflict("settlement.insert", "settlement %s already exists", settlement.ID)
		}
		if _, ok := st.orders[settlement.OrderID]; !ok {
			return notFound("settlement.insert", "order %s not found", settlement.OrderID)
		}
		if settlement.Kind == domain.SettlementKindRegular {
			for _, id := range st.settleOrder {
				existing := st.settlements[id]
				if existing.Kind == domain.SettlementKindRegular && existing.OrderID == settlement.OrderID && existing.SupplierID == settlement.SupplierID {
					return conflict("settlement.insert", "order %s already has a settlement for supplier %s", settlement.OrderID, settlement.SupplierID)
				}
			}
		}
		settlement.Version = 1
		st.settlements[settlement.ID] = settlement
		st.settleOrder = append(st.settleOrder, settlement.ID)
		return nil
	})
}

func (r settlementRepository) Update(ctx context.Context, settlement domain.SupplierSettlement) (domain.SupplierSettlement, error) {
	var updated domain.SupplierSettlement
	err := r.s.view(ctx, func(st *state) error {
		current, ok := st.settlements[settlement.ID]
		if !ok {
			return notFound("settlement.update", "settlement %s not found", settlement.ID)
		}
		if current.Version != settlement.Version {
			return conflict("settlement.update", "settlement %s version %d is stale (current %d)", settlement.ID, settlement.Version, current.Version)
		}
		settlement.Version = current.Version + 1
		settlement.CreatedAt = current.CreatedAt
		st.settlements[settlement.ID] = settlement
		updated = settlement
		return nil
	})
	return updated, err
}

func (r settlementRepository) FindByID(ctx context.Context, settlementID string) (domain.SupplierSettlement, error) {
	var settlement domain.SupplierSettlement
	err := r.s.view(ctx, func(st *state) error {
		found, ok := st.settlements[settlementID]
		if !ok {
			return notFound("settlement.get", "settlement %s not found", settlementID)
		}
		settlement = found
		return nil
	})
	return settlement, err
}

func (r settlementRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.SupplierSettlement, error) {
	var out []domain.SupplierSettlement
	err := r.s.view(ctx, func(st *state) error {
		for _, id := range st.settleOrder {
			if settlement := st.settlements[id]; settlement.OrderID == orderID {
				out = append(out, settlement)
			}
		}
		return nil
	})
	return out, err
}

func (r settlementRepository) List(ctx context.Context, filter repositories.SettlementListFilter) (domain.CursorPage[domain.SupplierSettlement], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.SupplierSettlement]{}, err
	}

	var matched []domain.SupplierSettlement
	err = r.s.view(ctx, func(st *state) error {
		for _, id := range st.settleOrder {
			settlement := st.settlements[id]
			switch {
			case filter.SupplierID != "" && settlement.SupplierID != filter.SupplierID:
			case filter.OrderID != "" && settlement.OrderID != filter.OrderID:
			case len(filter.Status) > 0 && !slices.Contains(filter.Status, settlement.Status):
			case cursor.Before(settlement.CreatedAt, settlement.ID):
			default:
				matched = append(matched, settlement)
			}
		}
		return nil
	})
	if err != nil {
		return domain.CursorPage[domain.SupplierSettlement]{}, err
	}

	slices.SortStableFunc(matched, func(a, b domain.SupplierSettlement) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})
	page, next, err := pagination.Trim(matched, filter.Pagination.PageSize, func(s domain.SupplierSettlement) pagination.Cursor {
		return pagination.Cursor{CreatedAt: s.CreatedAt, ID: s.ID}
	})
	if err != nil {
		return domain.CursorPage[domain.SupplierSettlement]{}, err
	}
	return domain.CursorPage[domain.SupplierSettlement]{Items: page, NextPageToken: next}, nil
}

type counterRepository struct{ s *Store }

func (r counterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if strings.TrimSpace(counterID) == "" || step <= 0 {
		return 0, repositories.NewCounterError(counterID, repositories.CounterErrorInvalidInput, "counter id and positive step are required")
	}
	var value int64
	err := r.s.view(ctx, func(st *state) error {
		st.counters[counterID] += step
		value = st.counters[counterID]
		return nil
	})
	return value, err
}
