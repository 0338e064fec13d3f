package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/platform/pagination"
	pgplatform "github.com/bazaarline/api/internal/platform/postgres"
	"github.com/bazaarline/api/internal/repositories"
)

const orderColumns = `o.id, o.order_number, o.order_type, o.customer_id, o.contact, o.billing_address,
	o.shipping_address, o.currency, o.sub_total, o.tax_total, o.shipping_total, o.discount_total,
	o.order_total, o.status, o.payment_status, o.shipping_status, o.confirmed_at, o.paid_at,
	o.shipped_at, o.delivered_at, o.cancelled_at, o.refunded_at, o.notes, o.cancel_reason,
	o.version, o.created_at, o.updated_at`

const itemColumns = `id, order_id, product_id, supplier_id, name, image_url, sku, brand, weight,
	dimensions, quantity, unit_price, tax_amount, discount_amount, total_price, commission_rate,
	status, created_at, updated_at`

type orderRepository struct {
	pool *pgxpool.Pool
}

func (r *orderRepository) Insert(ctx context.Context, order domain.Order) error {
	q := pgplatform.Conn(ctx, r.pool)
	m := order.Milestones
	_, err := q.Exec(ctx, `INSERT INTO orders (id, order_number, order_type, customer_id, contact,
		billing_address, shipping_address, currency, sub_total, tax_total, shipping_total,
		discount_total, order_total, status, payment_status, shipping_status, confirmed_at, paid_at,
		shipped_at, delivered_at, cancelled_at, refunded_at, notes, cancel_reason, version,
		created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,1,$25,$26)`,
		order.ID, order.OrderNumber, order.Type, order.CustomerID, order.Contact,
		order.BillingAddress, order.ShippingAddress, order.Currency, order.Totals.SubTotal,
		order.Totals.TaxTotal, order.Totals.ShippingTotal, order.Totals.DiscountTotal,
		order.Totals.OrderTotal, order.Status, order.PaymentStatus, order.ShippingStatus,
		m.ConfirmedAt, m.PaidAt, m.ShippedAt, m.DeliveredAt, m.CancelledAt, m.RefundedAt,
		order.Notes, order.CancelReason, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return pgplatform.WrapError("order.insert", err)
	}
	if err := upsertItems(ctx, q, order.Items); err != nil {
		return pgplatform.WrapError("order.insert", err)
	}
	return nil
}

func (r *orderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	q := pgplatform.Conn(ctx, r.pool)
	m := order.Milestones
	err := q.QueryRow(ctx, `UPDATE orders SET
		customer_id = $3, contact = $4, billing_address = $5, shipping_address = $6,
		sub_total = $7, tax_total = $8, shipping_total = $9, discount_total = $10, order_total = $11,
		status = $12, payment_status = $13, shipping_status = $14, confirmed_at = $15, paid_at = $16,
		shipped_at = $17, delivered_at = $18, cancelled_at = $19, refunded_at = $20, notes = $21,
		cancel_reason = $22, updated_at = $23, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`,
		order.ID, order.Version, order.CustomerID, order.Contact, order.BillingAddress,
		order.ShippingAddress, order.Totals.SubTotal, order.Totals.TaxTotal,
		order.Totals.ShippingTotal, order.Totals.DiscountTotal, order.Totals.OrderTotal,
		order.Status, order.PaymentStatus, order.ShippingStatus, m.ConfirmedAt, m.PaidAt,
		m.ShippedAt, m.DeliveredAt, m.CancelledAt, m.RefundedAt, order.Notes, order.CancelReason,
		order.UpdatedAt,
	).Scan(&order.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, staleOrMissing(ctx, q, "order.update", "orders", order.ID)
	}
	if err != nil {
		return domain.Order{}, pgplatform.WrapError("order.update", err)
	}
	if err := upsertItems(ctx, q, order.Items); err != nil {
		return domain.Order{}, pgplatform.WrapError("order.update", err)
	}
	return order, nil
}

func upsertItems(ctx context.Context, q pgplatform.Querier, items []domain.OrderItem) error {
	for position, item := range items {
		_, err := q.Exec(ctx, `INSERT INTO order_items (id, order_id, position, product_id, supplier_id,
			name, image_url, sku, brand, weight, dimensions, quantity, unit_price, tax_amount,
			discount_amount, total_price, commission_rate, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
			ON CONFLICT (id) DO UPDATE SET
				tax_amount = EXCLUDED.tax_amount,
				discount_amount = EXCLUDED.discount_amount,
				total_price = EXCLUDED.total_price,
				status = EXCLUDED.status,
				updated_at = EXCLUDED.updated_at`,
			item.ID, item.OrderID, position, item.ProductID, item.SupplierID, item.Name,
			item.ImageURL, item.SKU, item.Brand, item.Weight, item.Dimensions, item.Quantity,
			item.UnitPrice, item.TaxAmount, item.DiscountAmount, item.TotalPrice,
			item.CommissionRate, item.Status, item.CreatedAt, item.UpdatedAt)
		if err != nil {
			return fmt.Errorf("item %s: %w", item.ID, err)
		}
	}
	return nil
}

func (r *orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.find(ctx, "order.get", "o.id = $1", orderID, "")
}

func (r *orderRepository) FindForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	return r.find(ctx, "order.getForUpdate", "o.id = $1", orderID, " FOR UPDATE")
}

func (r *orderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	return r.find(ctx, "order.getByNumber", "o.order_number = $1", orderNumber, "")
}

func (r *orderRepository) find(ctx context.Context, op, where, arg, lock string) (domain.Order, error) {
	q := pgplatform.Conn(ctx, r.pool)
	order, err := scanOrder(q.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders o WHERE "+where+lock, arg))
	if err != nil {
		return domain.Order{}, pgplatform.WrapError(op, err)
	}
	items, err := loadItems(ctx, q, []string{order.ID})
	if err != nil {
		return domain.Order{}, pgplatform.WrapError(op, err)
	}
	order.Items = items[order.ID]
	return order, nil
}

func (r *orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := pagination.Normalize(filter.Pagination.PageSize)

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.CustomerID != "" {
		conds = append(conds, "o.customer_id = "+arg(filter.CustomerID))
	}
	if filter.SupplierID != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM order_items i WHERE i.order_id = o.id AND i.supplier_id = "+arg(filter.SupplierID)+")")
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			statuses[i] = string(status)
		}
		conds = append(conds, "o.status = ANY("+arg(statuses)+")")
	}
	if from := filter.CreatedAt.From; from != nil {
		conds = append(conds, "o.created_at >= "+arg(*from))
	}
	if to := filter.CreatedAt.To; to != nil {
		conds = append(conds, "o.created_at <= "+arg(*to))
	}
	if !cursor.IsZero() {
		conds = append(conds, "(o.created_at, o.id) > ("+arg(cursor.CreatedAt)+", "+arg(cursor.ID)+")")
	}

	query := "SELECT " + orderColumns + " FROM orders o"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY o.created_at, o.id LIMIT " + arg(pageSize+1)

	q := pgplatform.Conn(ctx, r.pool)
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pgplatform.WrapError("order.list", err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pgplatform.WrapError("order.list", err)
	}

	page, next, err := pagination.Trim(orders, pageSize, func(o domain.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	ids := make([]string, len(page))
	for i, order := range page {
		ids[i] = order.ID
	}
	items, err := loadItems(ctx, q, ids)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pgplatform.WrapError("order.list", err)
	}
	for i := range page {
		page[i].Items = items[page[i].ID]
	}
	return domain.CursorPage[domain.Order]{Items: page, NextPageToken: next}, nil
}

func loadItems(ctx context.Context, q pgplatform.Querier, orderIDs []string) (map[string][]domain.OrderItem, error) {
	out := make(map[string][]domain.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, "SELECT "+itemColumns+" FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position", orderIDs)
	if err != nil {
		return nil, err
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderItem, error) {
		var item domain.OrderItem
		err := row.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.SupplierID, &item.Name,
			&item.ImageURL, &item.SKU, &item.Brand, &item.Weight, &item.Dimensions, &item.Quantity,
			&item.UnitPrice, &item.TaxAmount, &item.DiscountAmount, &item.TotalPrice,
			&item.CommissionRate, &item.Status, &item.CreatedAt, &item.UpdatedAt)
		return item, err
	})
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		out[item.OrderID] = append(out[item.OrderID], item)
	}
	return out, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o domain.Order
		m = &o.Milestones
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &o.Type, &o.CustomerID, &o.Contact, &o.BillingAddress,
		&o.ShippingAddress, &o.Currency, &o.Totals.SubTotal, &o.Totals.TaxTotal,
		&o.Totals.ShippingTotal, &o.Totals.DiscountTotal, &o.Totals.OrderTotal, &o.Status,
		&o.PaymentStatus, &o.ShippingStatus, &m.ConfirmedAt, &m.PaidAt, &m.ShippedAt,
		&m.DeliveredAt, &m.CancelledAt, &m.RefundedAt, &o.Notes, &o.CancelReason, &o.Version,
		&o.CreatedAt, &o.UpdatedAt)
	return o, err
}

type historyRepository struct {
	pool *pgxpool.Pool
}

func (r *historyRepository) Append(ctx context.Context, entry domain.OrderStatusHistory) error {
	_, err := pgplatform.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO order_status_history
		(id, order_id, from_status, to_status, note, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.ID, entry.OrderID, entry.FromStatus, entry.ToStatus, entry.Note, entry.Actor, entry.CreatedAt)
	return pgplatform.WrapError("history.append", err)
}

func (r *historyRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error) {
	rows, err := pgplatform.Conn(ctx, r.pool).Query(ctx, `SELECT id, order_id, from_status, to_status, note, actor, created_at
		FROM order_status_history WHERE order_id = $1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, pgplatform.WrapError("history.list", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderStatusHistory, error) {
		var e domain.OrderStatusHistory
		err := row.Scan(&e.ID, &e.OrderID, &e.FromStatus, &e.ToStatus, &e.Note, &e.Actor, &e.CreatedAt)
		return e, err
	})
	return entries, pgplatform.WrapError("history.list", err)
}
