package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/repositories"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

var _ repositories.HealthRepository = stubHealthRepository{}

func newSystemService(t *testing.T, f *fixture, health repositories.HealthRepository, now time.Time) SystemService {
	t.Helper()
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: health,
		Orders:           f.store.Orders(),
		Settlements:      f.store.Settlements(),
		Clock:            fixedClock(now),
		Build: BuildInfo{
			Version:     "1.4.0",
			CommitSHA:   "abc123",
			Environment: "test",
			StartedAt:   now.Add(-90 * time.Second),
		},
	})
	require.NoError(t, err)
	return svc
}

func TestSystemServiceHealthReportFillsBuildInfo(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	svc := newSystemService(t, f, stubHealthRepository{report: domain.SystemHealthReport{
		Checks: map[string]domain.SystemHealthCheck{
			"database": {Status: domain.HealthStatusOK},
			"pubsub":   {Status: domain.HealthStatusDegraded},
		},
	}}, now)

	report, err := svc.HealthReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusDegraded, report.Status)
	assert.Equal(t, "1.4.0", report.Version)
	assert.Equal(t, "abc123", report.CommitSHA)
	assert.Equal(t, "test", report.Environment)
	assert.Equal(t, 90*time.Second, report.Uptime)
	assert.Equal(t, now, report.GeneratedAt)
}

func TestSystemServiceHealthReportPropagatesErrors(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("probe crashed")
	svc := newSystemService(t, f, stubHealthRepository{err: boom}, time.Now())

	_, err := svc.HealthReport(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestSystemServiceAuditOrderAfterLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "50", Stock: 5})
	f.seedProduct(productSeed{ID: "p2", SupplierID: "sup-b", Price: "10", Stock: 5})
	svc := newSystemService(t, f, stubHealthRepository{}, time.Now())

	order := f.placeOrder(line("p1", 1), line("p2", 2))
	f.capture(order)
	_, err := f.checkout.CancelItem(ctx, CancelOrderItemCommand{OrderID: order.ID, ItemID: order.Items[1].ID})
	require.NoError(t, err)

	report, err := svc.AuditOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Discrepancies)
	assert.Equal(t, order.OrderNumber, report.OrderNumber)
}

func TestSystemServiceAuditOrderReportsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "50", Stock: 5})
	svc := newSystemService(t, f, stubHealthRepository{}, time.Now())
	order := f.placeOrder(line("p1", 1))

	settlement := f.orderSettlements(order.ID)[0]
	settlement.GrossAmount = money("45.00")
	_, err := f.store.Settlements().Update(ctx, settlement)
	require.NoError(t, err)

	report, err := svc.AuditOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Len(t, report.Discrepancies, 2)

	_, err = svc.AuditOrder(ctx, "ord_missing")
	require.ErrorIs(t, err, ErrOrderNotFound)
}
