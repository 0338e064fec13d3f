// Package memory implements the repositories registry in process. Every RunInTx works on a private
// copy of the state under a store-wide lock and swaps it in on success, so transactions are
// serialised and a failed one leaves no trace.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/repositories"
)

type state struct {
	orders       map[string]domain.Order
	orderNumbers map[string]string
	history      []domain.OrderStatusHistory
	products     map[string]domain.Product
	movements    []domain.InventoryMovement
	payments     map[string]domain.Payment
	paymentOrder []string
	settlements  map[string]domain.SupplierSettlement
	settleOrder  []string
	counters     map[string]int64
}

func newState() *state {
	return &state{
		orders:       make(map[string]domain.Order),
		orderNumbers: make(map[string]string),
		products:     make(map[string]domain.Product),
		payments:     make(map[string]domain.Payment),
		settlements:  make(map[string]domain.SupplierSettlement),
		counters:     make(map[string]int64),
	}
}

func (s *state) clone() *state {
	orders := make(map[string]domain.Order, len(s.orders))
	for id, order := range s.orders {
		orders[id] = cloneOrder(order)
	}
	return &state{
		orders:       orders,
		orderNumbers: maps.Clone(s.orderNumbers),
		history:      slices.Clone(s.history),
		products:     maps.Clone(s.products),
		movements:    slices.Clone(s.movements),
		payments:     maps.Clone(s.payments),
		paymentOrder: slices.Clone(s.paymentOrder),
		settlements:  maps.Clone(s.settlements),
		settleOrder:  slices.Clone(s.settleOrder),
		counters:     maps.Clone(s.counters),
	}
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	return order
}

// Store is an in-memory repositories.Registry.
type Store struct {
	mu     sync.Mutex
	state  *state
	health repositories.HealthRepository
}

var _ repositories.Registry = (*Store)(nil)

// Option customises the store.
type Option func(*Store)

// WithHealth attaches the health repository exposed by Health().
func WithHealth(health repositories.HealthRepository) Option {
	return func(s *Store) {
		s.health = health
	}
}

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{state: newState()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type txKey struct{}

type tx struct {
	store *Store
	state *state
}

// RunInTx runs fn against a private copy of the state. Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("memory: transaction function is nil")
	}
	if current, ok := ctx.Value(txKey{}).(*tx); ok && current.store == s {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := &tx{store: s, state: s.state.clone()}
	if err := fn(context.WithValue(ctx, txKey{}, work)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work.state
	return nil
}

// view runs fn with the state visible to ctx. Outside a transaction the store lock is held for the
// duration of fn and writes apply immediately.
func (s *Store) view(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if current, ok := ctx.Value(txKey{}).(*tx); ok && current.store == s {
		return fn(current.state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Orders() repositories.OrderRepository { return orderRepository{s} }

func (s *Store) StatusHistory() repositories.StatusHistoryRepository { return historyRepository{s} }

func (s *Store) Products() repositories.ProductRepository { return productRepository{s} }

func (s *Store) InventoryHistory() repositories.InventoryHistoryRepository {
	return inventoryRepository{s}
}

func (s *Store) Payments() repositories.PaymentRepository { return paymentRepository{s} }

func (s *Store) Settlements() repositories.SettlementRepository { return settlementRepository{s} }

func (s *Store) Counters() repositories.CounterRepository { return counterRepository{s} }

func (s *Store) Health() repositories.HealthRepository { return s.health }

// Error implements repositories.RepositoryError.
type Error struct {
	op       string
	msg      string
	notFound bool
	conflict bool
}

func (e *Error) Error() string { return fmt.Sprintf("memory %s: %s", e.op, e.msg) }

func (e *Error) IsNotFound() bool    { return e != nil && e.notFound }
func (e *Error) IsConflict() bool    { return e != nil && e.conflict }
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, format string, args ...any) error {
	return &Error{op: op, msg: fmt.Sprintf(format, args...), notFound: true}
}

func conflict(op, format string, args ...any) error {
	return &Error{op: op, msg: fmt.Sprintf(format, args...), conflict: true}
}
