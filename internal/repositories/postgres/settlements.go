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

const paymentColumns = `id, order_id, supplier_id, payment_type, amount, fee_amount, net_amount,
	currency, status, gateway, gateway_transaction_id, gateway_reference, notes, created_at, updated_at`

type paymentRepository struct {
	pool *pgxpool.Pool
}

func (r *paymentRepository) Insert(ctx context.Context, p domain.Payment) error {
	_, err := pgplatform.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.OrderID, p.SupplierID, p.Type, p.Amount, p.FeeAmount, p.NetAmount, p.Currency,
		p.Status, p.Gateway, p.GatewayTransactionID, p.GatewayReference, p.Notes, p.CreatedAt, p.UpdatedAt)
	return pgplatform.WrapError("payment.insert", err)
}

func (r *paymentRepository) Update(ctx context.Context, p domain.Payment) error {
	tag, err := pgplatform.Conn(ctx, r.pool).Exec(ctx, `UPDATE payments SET
		amount = $2, fee_amount = $3, net_amount = $4, status = $5, gateway = $6,
		gateway_transaction_id = $7, gateway_reference = $8, notes = $9, updated_at = $10
		WHERE id = $1`,
		p.ID, p.Amount, p.FeeAmount, p.NetAmount, p.Status, p.Gateway, p.GatewayTransactionID,
		p.GatewayReference, p.Notes, p.UpdatedAt)
	if err != nil {
		return pgplatform.WrapError("payment.update", err)
	}
	if tag.RowsAffected() == 0 {
		return pgplatform.NotFound("payment.update", "payment %s not found", p.ID)
	}
	return nil
}

func (r *paymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	payment, err := scanPayment(pgplatform.Conn(ctx, r.pool).QueryRow(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE id = $1", paymentID))
	return payment, pgplatform.WrapError("payment.get", err)
}

func (r *paymentRepository) FindByGatewayTransaction(ctx context.Context, gateway, transactionID string) (domain.Payment, error) {
	payment, err := scanPayment(pgplatform.Conn(ctx, r.pool).QueryRow(ctx,
		"SELECT "+paymentColumns+` FROM payments WHERE gateway = $1 AND gateway_transaction_id = $2
		ORDER BY created_at, id LIMIT 1`, gateway, transactionID))
	return payment, pgplatform.WrapError("payment.getByGateway", err)
}

func (r *paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	rows, err := pgplatform.Conn(ctx, r.pool).Query(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY created_at, id", orderID)
	if err != nil {
		return nil, pgplatform.WrapError("payment.list", err)
	}
	payments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Payment, error) {
		return scanPayment(row)
	})
	return payments, pgplatform.WrapError("payment.list", err)
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.SupplierID, &p.Type, &p.Amount, &p.FeeAmount,
		&p.NetAmount, &p.Currency, &p.Status, &p.Gateway, &p.GatewayTransactionID,
		&p.GatewayReference, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

const settlementColumns = `id, order_id, supplier_id, kind, adjusts_settlement_id, currency,
	gross_amount, commission_rate, commission_amount, net_amount, status, payment_id,
	reference_transaction_id, settlement_date, notes, version, created_at, updated_at`

type settlementRepository struct {
	pool *pgxpool.Pool
}

func (r *settlementRepository) Insert(ctx context.Context, s domain.SupplierSettlement) error {
	_, err := pgplatform.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO supplier_settlements (`+settlementColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1,$16,$17)`,
		s.ID, s.OrderID, s.SupplierID, s.Kind, s.AdjustsSettlementID, s.Currency, s.GrossAmount,
		s.CommissionRate, s.CommissionAmount, s.NetAmount, s.Status, s.PaymentID,
		s.ReferenceTransactionID, s.SettlementDate, s.Notes, s.CreatedAt, s.UpdatedAt)
	return pgplatform.WrapError("settlement.insert", err)
}

func (r *settlementRepository) Update(ctx context.Context, s domain.SupplierSettlement) (domain.SupplierSettlement, error) {
	q := pgplatform.Conn(ctx, r.pool)
	err := q.QueryRow(ctx, `UPDATE supplier_settlements SET
		gross_amount = $3, commission_rate = $4, commission_amount = $5, net_amount = $6,
		status = $7, payment_id = $8, reference_transaction_id = $9, settlement_date = $10,
		notes = $11, updated_at = $12, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`,
		s.ID, s.Version, s.GrossAmount, s.CommissionRate, s.CommissionAmount, s.NetAmount, s.Status,
		s.PaymentID, s.ReferenceTransactionID, s.SettlementDate, s.Notes, s.UpdatedAt,
	).Scan(&s.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SupplierSettlement{}, staleOrMissing(ctx, q, "settlement.update", "supplier_settlements", s.ID)
	}
	if err != nil {
		return domain.SupplierSettlement{}, pgplatform.WrapError("settlement.update", err)
	}
	return s, nil
}

func (r *settlementRepository) FindByID(ctx context.Context, settlementID string) (domain.SupplierSettlement, error) {
	settlement, err := scanSettlement(pgplatform.Conn(ctx, r.pool).QueryRow(ctx,
		"SELECT "+settlementColumns+" FROM supplier_settlements WHERE id = $1", settlementID))
	return settlement, pgplatform.WrapError("settlement.get", err)
}

func (r *settlementRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.SupplierSettlement, error) {
	rows, err := pgplatform.Conn(ctx, r.pool).Query(ctx,
		"SELECT "+settlementColumns+" FROM supplier_settlements WHERE order_id = $1 ORDER BY seq", orderID)
	if err != nil {
		return nil, pgplatform.WrapError("settlement.listByOrder", err)
	}
	settlements, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.SupplierSettlement, error) {
		return scanSettlement(row)
	})
	return settlements, pgplatform.WrapError("settlement.listByOrder", err)
}

func (r *settlementRepository) List(ctx context.Context, filter repositories.SettlementListFilter) (domain.CursorPage[domain.SupplierSettlement], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.SupplierSettlement]{}, err
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
	if filter.SupplierID != "" {
		conds = append(conds, "supplier_id = "+arg(filter.SupplierID))
	}
	if filter.OrderID != "" {
		conds = append(conds, "order_id = "+arg(filter.OrderID))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			statuses[i] = string(status)
		}
		conds = append(conds, "status = ANY("+arg(statuses)+")")
	}
	if !cursor.IsZero() {
		conds = append(conds, "(created_at, id) > ("+arg(cursor.CreatedAt)+", "+arg(cursor.ID)+")")
	}

	query := "SELECT " + settlementColumns + " FROM supplier_settlements"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id LIMIT " + arg(pageSize+1)

	rows, err := pgplatform.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.SupplierSettlement]{}, pgplatform.WrapError("settlement.list", err)
	}
	settlements, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.SupplierSettlement, error) {
		return scanSettlement(row)
	})
	if err != nil {
		return domain.CursorPage[domain.SupplierSettlement]{}, pgplatform.WrapError("settlement.list", err)
	}
	page, next, err := pagination.Trim(settlements, pageSize, func(s domain.SupplierSettlement) pagination.Cursor {
		return pagination.Cursor{CreatedAt: s.CreatedAt, ID: s.ID}
	})
	if err != nil {
		return domain.CursorPage[domain.SupplierSettlement]{}, err
	}
	return domain.CursorPage[domain.SupplierSettlement]{Items: page, NextPageToken: next}, nil
}

func scanSettlement(row rowScanner) (domain.SupplierSettlement, error) {
	var s domain.SupplierSettlement
	err := row.Scan(&s.ID, &s.OrderID, &s.SupplierID, &s.Kind, &s.AdjustsSettlementID, &s.Currency,
		&s.GrossAmount, &s.CommissionRate, &s.CommissionAmount, &s.NetAmount, &s.Status,
		&s.PaymentID, &s.ReferenceTransactionID, &s.SettlementDate, &s.Notes, &s.Version,
		&s.CreatedAt, &s.UpdatedAt)
	return s, err
}
