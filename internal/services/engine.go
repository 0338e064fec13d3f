package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bazaarline/api/internal/repositories"
)

// Engine groups the services that make up the order lifecycle, wired over one registry.
type Engine struct {
	Inventory   InventoryService
	Orders      OrderService
	Settlements SettlementService
	Counters    CounterService
	Checkout    CheckoutService
	// System is nil when the registry exposes no health repository.
	System SystemService
}

// EngineDeps carries the collaborators shared by every service of the engine.
type EngineDeps struct {
	Registry    repositories.Registry
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
	Build       BuildInfo
}

// NewEngine constructs the services bottom-up: inventory, state machine, settlements, then the
// checkout orchestrator that coordinates them.
func NewEngine(deps EngineDeps) (*Engine, error) {
	reg := deps.Registry
	if reg == nil {
		return nil, errors.New("engine: repository registry is required")
	}

	inventory, err := NewInventoryService(InventoryServiceDeps{
		Products:    reg.Products(),
		History:     reg.InventoryHistory(),
		UnitOfWork:  reg,
		Clock:       deps.Clock,
		IDGenerator: deps.IDGenerator,
		Logger:      deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	orders, err := NewOrderService(OrderServiceDeps{
		Orders:      reg.Orders(),
		History:     reg.StatusHistory(),
		Inventory:   inventory,
		UnitOfWork:  reg,
		Events:      deps.Events,
		Clock:       deps.Clock,
		IDGenerator: deps.IDGenerator,
		Logger:      deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	settlements, err := NewSettlementService(SettlementServiceDeps{
		Settlements: reg.Settlements(),
		Payments:    reg.Payments(),
		UnitOfWork:  reg,
		Events:      deps.Events,
		Clock:       deps.Clock,
		IDGenerator: deps.IDGenerator,
		Logger:      deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	counters, err := NewCounterService(CounterServiceDeps{Repository: reg.Counters(), Clock: deps.Clock})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	checkout, err := NewCheckoutService(CheckoutServiceDeps{
		Products:    reg.Products(),
		Orders:      reg.Orders(),
		History:     reg.StatusHistory(),
		Payments:    reg.Payments(),
		OrderFlow:   orders,
		Inventory:   inventory,
		Settlements: settlements,
		Counters:    counters,
		UnitOfWork:  reg,
		Events:      deps.Events,
		Clock:       deps.Clock,
		IDGenerator: deps.IDGenerator,
		Logger:      deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	engine := &Engine{
		Inventory:   inventory,
		Orders:      orders,
		Settlements: settlements,
		Counters:    counters,
		Checkout:    checkout,
	}

	if health := reg.Health(); health != nil {
		engine.System, err = NewSystemService(SystemServiceDeps{
			HealthRepository: health,
			Orders:           reg.Orders(),
			Settlements:      reg.Settlements(),
			Clock:            deps.Clock,
			Build:            deps.Build,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}
	return engine, nil
}
