// Package postgres implements the repositories registry on PostgreSQL through pgx. Repositories
// join the transaction carried on the context and fall back to the pool otherwise.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pgplatform "github.com/bazaarline/api/internal/platform/postgres"
	"github.com/bazaarline/api/internal/repositories"
)

// Registry is the PostgreSQL backed repositories.Registry.
type Registry struct {
	provider *pgplatform.Provider
	pool     *pgxpool.Pool
	health   repositories.HealthRepository
	txOpts   []pgplatform.TxOption
}

var _ repositories.Registry = (*Registry)(nil)

// Option customises the registry.
type Option func(*Registry)

// WithHealth attaches the health repository exposed by Health().
func WithHealth(health repositories.HealthRepository) Option {
	return func(r *Registry) {
		r.health = health
	}
}

// WithTxOptions sets options applied to every RunInTx call.
func WithTxOptions(opts ...pgplatform.TxOption) Option {
	return func(r *Registry) {
		r.txOpts = append(r.txOpts, opts...)
	}
}

// NewRegistry opens the provider's pool and returns a registry bound to it.
func NewRegistry(ctx context.Context, provider *pgplatform.Provider, opts ...Option) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("postgres registry: provider is required")
	}
	pool, err := provider.Pool(ctx)
	if err != nil {
		return nil, err
	}
	registry := &Registry{provider: provider, pool: pool}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry, nil
}

// RunInTx runs fn inside one database transaction. Deadlocks are retried by the platform layer.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return pgplatform.RunInTx(ctx, r.pool, func(ctx context.Context, _ pgx.Tx) error {
		return fn(ctx)
	}, r.txOpts...)
}

// Close releases the underlying pool.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository { return &orderRepository{pool: r.pool} }

func (r *Registry) StatusHistory() repositories.StatusHistoryRepository {
	return &historyRepository{pool: r.pool}
}

func (r *Registry) Products() repositories.ProductRepository { return &productRepository{pool: r.pool} }

func (r *Registry) InventoryHistory() repositories.InventoryHistoryRepository {
	return &inventoryRepository{pool: r.pool}
}

func (r *Registry) Payments() repositories.PaymentRepository { return &paymentRepository{pool: r.pool} }

func (r *Registry) Settlements() repositories.SettlementRepository {
	return &settlementRepository{pool: r.pool}
}

func (r *Registry) Counters() repositories.CounterRepository { return &counterRepository{pool: r.pool} }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

type rowScanner interface {
	Scan(dest ...any) error
}

// exists reports whether a row with id is present in table. table is always a constant.
func exists(ctx context.Context, q pgplatform.Querier, table, id string) (bool, error) {
	var found bool
	err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&found)
	return found, err
}

// staleOrMissing classifies an optimistic write that matched no row.
func staleOrMissing(ctx context.Context, q pgplatform.Querier, op, table, id string) error {
	found, err := exists(ctx, q, table, id)
	if err != nil {
		return pgplatform.WrapError(op, err)
	}
	if !found {
		return pgplatform.NotFound(op, "%s %s not found", table, id)
	}
	return pgplatform.WrapError(op, pgplatform.ErrStaleVersion)
}
