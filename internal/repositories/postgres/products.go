package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/bazaarline/api/internal/domain"
	pgplatform "github.com/bazaarline/api/internal/platform/postgres"
	"github.com/bazaarline/api/internal/repositories"
)

const productColumns = `id, supplier_id, name, sku, brand, image_url, weight, dimensions, price,
	commission_rate, published, stock, allow_backorder, version, created_at, updated_at`

const stockConstraint = "products_stock_non_negative"

type productRepository struct {
	pool *pgxpool.Pool
}

func (r *productRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	product, err := scanProduct(pgplatform.Conn(ctx, r.pool).QueryRow(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = $1", productID))
	return product, pgplatform.WrapError("product.get", err)
}

// FindForUpdate locks the product row so concurrent movements on the same product serialise.
func (r *productRepository) FindForUpdate(ctx context.Context, productID string) (domain.Product, error) {
	product, err := scanProduct(pgplatform.Conn(ctx, r.pool).QueryRow(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = $1 FOR UPDATE", productID))
	return product, pgplatform.WrapError("product.getForUpdate", err)
}

func (r *productRepository) UpdateStock(ctx context.Context, productID string, stock int, expectedVersion int64) (int64, error) {
	q := pgplatform.Conn(ctx, r.pool)
	var version int64
	err := q.QueryRow(ctx, `UPDATE products SET stock = $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $3 RETURNING version`, productID, stock, expectedVersion).Scan(&version)
	switch {
	case err == nil:
		return version, nil
	case pgplatform.CheckViolation(err, stockConstraint):
		return 0, repositories.NewInventoryError(productID, repositories.InventoryErrorInsufficientStock, nil)
	case errors.Is(err, pgx.ErrNoRows):
		found, existsErr := exists(ctx, q, "products", productID)
		if existsErr != nil {
			return 0, pgplatform.WrapError("product.updateStock", existsErr)
		}
		if !found {
			return 0, repositories.NewInventoryError(productID, repositories.InventoryErrorProductNotFound, nil)
		}
		return 0, pgplatform.WrapError("product.updateStock", pgplatform.ErrStaleVersion)
	default:
		return 0, pgplatform.WrapError("product.updateStock", err)
	}
}

// Upsert writes catalog fields only. New rows start with zero stock and existing stock is kept,
// since the inventory ledger owns the projection.
func (r *productRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	stored, err := scanProduct(pgplatform.Conn(ctx, r.pool).QueryRow(ctx, `INSERT INTO products
		(id, supplier_id, name, sku, brand, image_url, weight, dimensions, price, commission_rate,
		 published, stock, allow_backorder, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0,$12,1,$13,$13)
		ON CONFLICT (id) DO UPDATE SET
			supplier_id = EXCLUDED.supplier_id,
			name = EXCLUDED.name,
			sku = EXCLUDED.sku,
			brand = EXCLUDED.brand,
			image_url = EXCLUDED.image_url,
			weight = EXCLUDED.weight,
			dimensions = EXCLUDED.dimensions,
			price = EXCLUDED.price,
			commission_rate = EXCLUDED.commission_rate,
			published = EXCLUDED.published,
			allow_backorder = EXCLUDED.allow_backorder,
			version = products.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING `+productColumns,
		product.ID, product.SupplierID, product.Name, product.SKU, product.Brand, product.ImageURL,
		product.Weight, product.Dimensions, product.Price, product.CommissionRate, product.Published,
		product.AllowBackorder, product.UpdatedAt))
	if pgplatform.CheckViolation(err, stockConstraint) {
		return domain.Product{}, repositories.NewInventoryError(product.ID, repositories.InventoryErrorInsufficientStock, err)
	}
	return stored, pgplatform.WrapError("product.upsert", err)
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.SupplierID, &p.Name, &p.SKU, &p.Brand, &p.ImageURL, &p.Weight,
		&p.Dimensions, &p.Price, &p.CommissionRate, &p.Published, &p.Stock, &p.AllowBackorder,
		&p.Version, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

type inventoryRepository struct {
	pool *pgxpool.Pool
}

func (r *inventoryRepository) Append(ctx context.Context, movement domain.InventoryMovement) error {
	_, err := pgplatform.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO inventory_history
		(id, product_id, quantity_change, stock_after_change, movement_type, order_id, user_id, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		movement.ID, movement.ProductID, movement.QuantityChange, movement.StockAfterChange,
		movement.Type, movement.OrderID, movement.UserID, movement.Note, movement.CreatedAt)
	return pgplatform.WrapError("inventory.append", err)
}

func (r *inventoryRepository) ListByProduct(ctx context.Context, productID string) ([]domain.InventoryMovement, error) {
	rows, err := pgplatform.Conn(ctx, r.pool).Query(ctx, `SELECT id, product_id, quantity_change,
		stock_after_change, movement_type, order_id, user_id, note, created_at
		FROM inventory_history WHERE product_id = $1 ORDER BY seq`, productID)
	if err != nil {
		return nil, pgplatform.WrapError("inventory.list", err)
	}
	movements, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.InventoryMovement, error) {
		var m domain.InventoryMovement
		err := row.Scan(&m.ID, &m.ProductID, &m.QuantityChange, &m.StockAfterChange, &m.Type,
			&m.OrderID, &m.UserID, &m.Note, &m.CreatedAt)
		return m, err
	})
	return movements, pgplatform.WrapError("inventory.list", err)
}

type counterRepository struct {
	pool *pgxpool.Pool
}

func (r *counterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if counterID == "" || step <= 0 {
		return 0, repositories.NewCounterError(counterID, repositories.CounterErrorInvalidInput, "counter id and positive step are required")
	}
	var value int64
	err := pgplatform.Conn(ctx, r.pool).QueryRow(ctx, `INSERT INTO counters (id, value) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET value = counters.value + EXCLUDED.value, updated_at = now()
		RETURNING value`, counterID, step).Scan(&value)
	return value, pgplatform.WrapError("counter.next", err)
}
