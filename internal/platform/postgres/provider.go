package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bazaarline/api/internal/platform/config"
)

const defaultConnectTimeout = 10 * time.Second

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("postgres: provider is closed")

// Provider lazily initialises a shared pgx connection pool.
type Provider struct {
	cfg            config.DatabaseConfig
	connectTimeout time.Duration
	configure      []func(*pgxpool.Config)

	mu   sync.Mutex
	pool *pgxpool.Pool

	closed atomic.Bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithConnectTimeout overrides the timeout used when opening the pool.
func WithConnectTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.connectTimeout = timeout
		}
	}
}

// WithPoolConfig applies extra tuning to the parsed pool configuration.
func WithPoolConfig(fn func(*pgxpool.Config)) ProviderOption {
	return func(p *Provider) {
		if fn != nil {
			p.configure = append(p.configure, fn)
		}
	}
}

// NewProvider constructs a Provider using the supplied configuration.
func NewProvider(cfg config.DatabaseConfig, opts ...ProviderOption) *Provider {
	provider := &Provider{
		cfg:            cfg,
		connectTimeout: defaultConnectTimeout,
	}
	if cfg.ConnectTimeout > 0 {
		provider.connectTimeout = cfg.ConnectTimeout
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

// Pool returns the lazily initialised pool. Concurrent callers share one initialisation.
func (p *Provider) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	if ctx == nil {
		return nil, errors.New("postgres: context is required")
	}
	if p.closed.Load() {
		return nil, ErrProviderClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return nil, ErrProviderClosed
	}
	if p.pool != nil {
		return p.pool, nil
	}

	pool, err := p.createPool(ctx)
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return pool, nil
}

func (p *Provider) createPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(p.cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if p.cfg.MaxConns > 0 {
		poolCfg.MaxConns = p.cfg.MaxConns
	}
	if p.cfg.MinConns > 0 {
		poolCfg.MinConns = p.cfg.MinConns
	}
	if p.cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = p.cfg.MaxConnLifetime
	}
	for _, fn := range p.configure {
		fn(poolCfg)
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, WrapError("ping", err)
	}
	return pool, nil
}

// Ping verifies connectivity, initialising the pool when needed.
func (p *Provider) Ping(ctx context.Context) error {
	pool, err := p.Pool(ctx)
	if err != nil {
		return err
	}
	return WrapError("ping", pool.Ping(ctx))
}

// RunInTx executes fn inside a transaction on the provider's pool.
func (p *Provider) RunInTx(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	pool, err := p.Pool(ctx)
	if err != nil {
		return err
	}
	return RunInTx(ctx, pool, fn, opts...)
}

// Close releases the pool. The Provider cannot be reused afterwards.
func (p *Provider) Close(context.Context) error {
	if p == nil || p.closed.Swap(true) {
		return nil
	}
	p.mu.Lock()
	pool := p.pool
	p.pool = nil
	p.mu.Unlock()

	if pool != nil {
		pool.Close()
	}
	return nil
}
