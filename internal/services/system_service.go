package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/repositories"
)

// SystemHealthReport is the readiness view served by the health endpoints.
type SystemHealthReport = domain.SystemHealthReport

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemService exposes readiness and consistency checks over the ledger.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	AuditOrder(ctx context.Context, orderID string) (OrderAuditReport, error)
}

// OrderAuditReport lists the money invariants an order currently violates.
type OrderAuditReport struct {
	OrderID       string
	OrderNumber   string
	Consistent    bool
	Discrepancies []string
	CheckedAt     time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Orders           repositories.OrderRepository
	Settlements      repositories.SettlementRepository
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	healthRepo  repositories.HealthRepository
	orders      repositories.OrderRepository
	settlements repositories.SettlementRepository
	clock       func() time.Time
	build       BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the system utility service providing health reports and audits.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	switch {
	case deps.HealthRepository == nil:
		return nil, errors.New("system service: health repository is required")
	case deps.Orders == nil:
		return nil, errors.New("system service: order repository is required")
	case deps.Settlements == nil:
		return nil, errors.New("system service: settlement repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		healthRepo:  deps.HealthRepository,
		orders:      deps.Orders,
		settlements: deps.Settlements,
		clock: func() time.Time {
			return clock().UTC()
		},
		build: build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	report.GeneratedAt = ensureTimestamp(report.GeneratedAt, now)
	report.Version = chooseFirstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = chooseFirstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = chooseFirstNonEmpty(report.Environment, s.build.Environment)

	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	if len(report.Checks) == 0 {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}

	if strings.TrimSpace(string(report.Status)) == "" {
		report.Status = deriveStatus(report.Checks)
	}

	return report, nil
}

// AuditOrder re-derives the totals from the lines and compares the settlement ledger with
// the active gross per supplier.
func (s *systemService) AuditOrder(ctx context.Context, orderID string) (OrderAuditReport, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return OrderAuditReport{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return OrderAuditReport{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	settlements, err := s.settlements.ListByOrder(ctx, orderID)
	if err != nil {
		return OrderAuditReport{}, mapRepositoryError(err, ErrSettlementNotFound)
	}

	var issues []string
	if !order.Totals.Balanced() {
		issues = append(issues, fmt.Sprintf("order total %s does not match its components", order.Totals.OrderTotal.StringFixed(domain.MoneyPlaces)))
	}
	derived := domain.TotalsFromItems(order.Items, order.Totals.ShippingTotal, order.Totals.DiscountTotal)
	if !derived.SubTotal.Equal(order.Totals.SubTotal) {
		issues = append(issues, fmt.Sprintf("subtotal %s differs from active lines %s",
			order.Totals.SubTotal.StringFixed(domain.MoneyPlaces), derived.SubTotal.StringFixed(domain.MoneyPlaces)))
	}

	expected := domain.ActiveGrossBySupplier(order.Items)
	recorded := domain.SettlementGrossBySupplier(settlements)
	suppliers := lo.Uniq(append(lo.Keys(expected), lo.Keys(recorded)...))
	slices.Sort(suppliers)
	for _, supplierID := range suppliers {
		want := expected[supplierID]
		got := recorded[supplierID]
		if !want.Round(domain.MoneyPlaces).Equal(got.Round(domain.MoneyPlaces)) {
			issues = append(issues, fmt.Sprintf("supplier %s settled %s, active lines %s",
				supplierID, got.StringFixed(domain.MoneyPlaces), want.StringFixed(domain.MoneyPlaces)))
		}
	}
	for _, settlement := range settlements {
		net := settlement.GrossAmount.Sub(settlement.CommissionAmount)
		if !net.Equal(settlement.NetAmount) {
			issues = append(issues, fmt.Sprintf("settlement %s net %s is not gross minus commission %s",
				settlement.ID, settlement.NetAmount.StringFixed(domain.MoneyPlaces), net.StringFixed(domain.MoneyPlaces)))
		}
		if settlement.Kind == domain.SettlementKindRegular && settlement.GrossAmount.LessThan(decimal.Zero) {
			issues = append(issues, fmt.Sprintf("regular settlement %s is negative", settlement.ID))
		}
	}

	return OrderAuditReport{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Consistent:    len(issues) == 0,
		Discrepancies: issues,
		CheckedAt:     s.clock(),
	}, nil
}

func ensureTimestamp(ts time.Time, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) domain.HealthStatus {
	if len(checks) == 0 {
		return domain.HealthStatusOK
	}
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
			continue
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
