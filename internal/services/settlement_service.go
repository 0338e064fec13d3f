package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/platform/textutil"
	"github.com/bazaarline/api/internal/repositories"
)

const (
	settlementIDPrefix = "stl_"
	paymentIDPrefix    = "pay_"
)

// SettlementServiceDeps bundles collaborators required to construct the settlement service.
type SettlementServiceDeps struct {
	Settlements repositories.SettlementRepository
	Payments    repositories.PaymentRepository
	UnitOfWork  repositories.UnitOfWork
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type settlementService struct {
	settlements repositories.SettlementRepository
	payments    repositories.PaymentRepository
	unitOfWork  repositories.UnitOfWork
	events      eventSink
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

// NewSettlementService wires dependencies into a concrete SettlementService implementation.
func NewSettlementService(deps SettlementServiceDeps) (SettlementService, error) {
	if deps.Settlements == nil {
		return nil, errors.New("settlement service: settlement repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("settlement service: payment repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &settlementService{
		settlements: deps.Settlements,
		payments:    deps.Payments,
		unitOfWork:  unit,
		events:      eventSink{publisher: deps.Events, logger: logger},
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// supplierShare is what one supplier is owed for the active lines of an order.
type supplierShare struct {
	SupplierID string
	Gross      decimal.Decimal
	Rate       decimal.Decimal
	Commission decimal.Decimal
}

func (s supplierShare) Net() decimal.Decimal {
	return s.Gross.Sub(s.Commission)
}

// supplierShares groups the order lines by supplier in order of first appearance. Suppliers
// whose lines are all inactive get a zero share so their settlements can be brought down.
func supplierShares(order Order) []supplierShare {
	suppliers := lo.Uniq(lo.Map(order.Items, func(item OrderItem, _ int) string { return item.SupplierID }))
	grouped := lo.GroupBy(order.Items, func(item OrderItem) string { return item.SupplierID })

	shares := make([]supplierShare, 0, len(suppliers))
	for _, supplierID := range suppliers {
		lines := grouped[supplierID]
		active := lo.Filter(lines, func(item OrderItem, _ int) bool {
			return item.Status == domain.OrderItemStatusActive
		})
		share := supplierShare{
			SupplierID: supplierID,
			Gross:      decimal.Zero,
			Rate:       lines[0].CommissionRate,
			Commission: decimal.Zero,
		}
		if len(active) == 0 {
			shares = append(shares, share)
			continue
		}

		share.Gross = domain.RoundMoney(lo.Reduce(active, func(acc decimal.Decimal, item OrderItem, _ int) decimal.Decimal {
			return acc.Add(item.TotalPrice)
		}, decimal.Zero))

		uniform := lo.EveryBy(active, func(item OrderItem) bool {
			return item.CommissionRate.Equal(active[0].CommissionRate)
		})
		if uniform {
			share.Rate = active[0].CommissionRate
			share.Commission = domain.Commission(share.Gross, share.Rate)
		} else {
			share.Commission = domain.RoundMoney(lo.Reduce(active, func(acc decimal.Decimal, item OrderItem, _ int) decimal.Decimal {
				return acc.Add(domain.Commission(item.TotalPrice, item.CommissionRate))
			}, decimal.Zero))
			if share.Gross.IsPositive() {
				share.Rate = share.Commission.Mul(decimal.NewFromInt(100)).Div(share.Gross).Round(domain.MoneyPlaces)
			}
		}
		shares = append(shares, share)
	}
	return shares
}

// settlementLedger indexes an order's settlement records.
type settlementLedger struct {
	regular     map[string]SupplierSettlement
	adjustments map[string][]SupplierSettlement
}

func indexSettlements(records []SupplierSettlement) settlementLedger {
	ledger := settlementLedger{
		regular:     make(map[string]SupplierSettlement),
		adjustments: make(map[string][]SupplierSettlement),
	}
	for _, record := range records {
		if record.Kind == domain.SettlementKindAdjustment {
			ledger.adjustments[record.SupplierID] = append(ledger.adjustments[record.SupplierID], record)
			continue
		}
		ledger.regular[record.SupplierID] = record
	}
	return ledger
}

// effective folds the supplier's adjustments into its regular settlement.
func (l settlementLedger) effective(regular SupplierSettlement) supplierShare {
	share := supplierShare{
		SupplierID: regular.SupplierID,
		Gross:      regular.GrossAmount,
		Rate:       regular.CommissionRate,
		Commission: regular.CommissionAmount,
	}
	for _, adj := range l.adjustments[regular.SupplierID] {
		share.Gross = share.Gross.Add(adj.GrossAmount)
		share.Commission = share.Commission.Add(adj.CommissionAmount)
	}
	return share
}

func sameAmounts(a, b supplierShare) bool {
	return a.Gross.Equal(b.Gross) && a.Commission.Equal(b.Commission)
}

func (s *settlementService) ComputeSettlements(ctx context.Context, order Order) ([]SupplierSettlement, error) {
	ctx, span := startSpan(ctx, "SettlementService.ComputeSettlements", attribute.String("order.id", order.ID))
	defer span.End()

	if strings.TrimSpace(order.ID) == "" {
		return nil, endSpan(span, fmt.Errorf("%w: order id is required", ErrSettlementInvalidInput))
	}

	var result []SupplierSettlement
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		result = nil
		existing, err := s.settlements.ListByOrder(txCtx, order.ID)
		if err != nil {
			return mapRepositoryError(err, ErrSettlementNotFound)
		}
		ledger := indexSettlements(existing)

		for _, share := range supplierShares(order) {
			current, ok := ledger.regular[share.SupplierID]
			if !ok {
				if share.Gross.IsZero() {
					continue
				}
				created, err := s.insertRegular(txCtx, order, share)
				if err != nil {
					return err
				}
				result = append(result, created)
				continue
			}

			if current.Status == domain.SettlementStatusPending {
				updated, err := s.overwritePending(txCtx, current, share)
				if err != nil {
					return err
				}
				result = append(result, updated)
				continue
			}

			if !sameAmounts(ledger.effective(current), share) {
				return fmt.Errorf("%w: settlement %s for supplier %s is %s", ErrSettlementLocked, current.ID, current.SupplierID, current.Status)
			}
			result = append(result, current)
		}
		return nil
	})
	if err != nil {
		return nil, endSpan(span, mapTxError(err, ErrSettlementNotFound))
	}
	return result, nil
}

// ReconcileSettlements brings settlements in line with the order's active lines. Pending records
// are overwritten; paid or failed records are kept and a negative adjustment is appended. Paid
// records additionally get a supplier-scoped refund payment unless RefundPaymentID names the
// gateway refund that already moved the money.
func (s *settlementService) ReconcileSettlements(ctx context.Context, cmd SettlementReconcileCommand) (SettlementReconciliation, error) {
	order := cmd.Order
	ctx, span := startSpan(ctx, "SettlementService.ReconcileSettlements", attribute.String("order.id", order.ID))
	defer span.End()

	if strings.TrimSpace(order.ID) == "" {
		return SettlementReconciliation{}, endSpan(span, fmt.Errorf("%w: order id is required", ErrSettlementInvalidInput))
	}
	reason := textutil.SanitizeNote(cmd.Reason)

	var result SettlementReconciliation
	err := s.events.runInTx(ctx, s.unitOfWork, func(txCtx context.Context) error {
		result = SettlementReconciliation{}
		existing, err := s.settlements.ListByOrder(txCtx, order.ID)
		if err != nil {
			return mapRepositoryError(err, ErrSettlementNotFound)
		}
		ledger := indexSettlements(existing)

		for _, share := range supplierShares(order) {
			current, ok := ledger.regular[share.SupplierID]
			if !ok {
				if share.Gross.IsZero() {
					continue
				}
				created, err := s.insertRegular(txCtx, order, share)
				if err != nil {
					return err
				}
				result.Settlements = append(result.Settlements, created)
				continue
			}

			if current.Status == domain.SettlementStatusPending {
				updated, err := s.overwritePending(txCtx, current, share)
				if err != nil {
					return err
				}
				result.Settlements = append(result.Settlements, updated)
				continue
			}

			result.Settlements = append(result.Settlements, current)
			effective := ledger.effective(current)
			if sameAmounts(effective, share) {
				continue
			}

			adjustment, refund, err := s.compensate(txCtx, order, current, effective, share, reason, cmd.RefundPaymentID)
			if err != nil {
				return err
			}
			result.Adjustments = append(result.Adjustments, adjustment)
			if refund != nil {
				result.Refunds = append(result.Refunds, *refund)
			}
			s.events.emit(txCtx, OrderEvent{
				Type:          eventSettlementAdjusted,
				OrderID:       order.ID,
				OrderNumber:   order.OrderNumber,
				SupplierID:    current.SupplierID,
				SettlementID:  adjustment.ID,
				CurrentStatus: string(adjustment.Status),
				ActorID:       cmd.ActorID,
				OccurredAt:    adjustment.CreatedAt,
				Metadata: map[string]any{
					"adjusts":     current.ID,
					"grossAmount": adjustment.GrossAmount.StringFixed(domain.MoneyPlaces),
				},
			})
		}
		return nil
	})
	if err != nil {
		return SettlementReconciliation{}, endSpan(span, mapTxError(err, ErrSettlementNotFound))
	}

	if len(result.Adjustments) > 0 {
		s.logger(ctx, "settlement.reconciled", map[string]any{
			"orderId":     order.ID,
			"adjustments": len(result.Adjustments),
			"refunds":     len(result.Refunds),
		})
	}
	return result, nil
}

func (s *settlementService) compensate(ctx context.Context, order Order, locked SupplierSettlement, effective, target supplierShare, reason string, refundPaymentID *string) (SupplierSettlement, *Payment, error) {
	now := s.clock()
	gross := domain.RoundMoney(target.Gross.Sub(effective.Gross))
	commission := domain.RoundMoney(target.Commission.Sub(effective.Commission))

	adjustment := SupplierSettlement{
		ID:                  settlementIDPrefix + s.newID(),
		OrderID:             order.ID,
		SupplierID:          locked.SupplierID,
		Kind:                domain.SettlementKindAdjustment,
		AdjustsSettlementID: &locked.ID,
		Currency:            locked.Currency,
		GrossAmount:         gross,
		CommissionRate:      locked.CommissionRate,
		CommissionAmount:    commission,
		NetAmount:           gross.Sub(commission),
		Status:              domain.SettlementStatusPending,
		Notes:               adjustmentNote(locked, reason),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	var refund *Payment
	switch {
	case refundPaymentID != nil:
		adjustment.PaymentID = refundPaymentID
	case locked.Status == domain.SettlementStatusPaid && gross.IsNegative():
		supplierID := locked.SupplierID
		amount := gross.Neg()
		refund = &Payment{
			ID:         paymentIDPrefix + s.newID(),
			OrderID:    order.ID,
			SupplierID: &supplierID,
			Type:       domain.PaymentTypeRefund,
			Amount:     amount,
			FeeAmount:  decimal.Zero,
			NetAmount:  amount,
			Currency:   locked.Currency,
			Status:     domain.PaymentStatusPending,
			Notes:      adjustment.Notes,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.payments.Insert(ctx, *refund); err != nil {
			return SupplierSettlement{}, nil, mapRepositoryError(err, ErrOrderNotFound)
		}
		adjustment.PaymentID = &refund.ID
	}

	if err := s.settlements.Insert(ctx, adjustment); err != nil {
		return SupplierSettlement{}, nil, mapRepositoryError(err, ErrSettlementNotFound)
	}
	adjustment.Version = 1
	return adjustment, refund, nil
}

func adjustmentNote(locked SupplierSettlement, reason string) string {
	note := fmt.Sprintf("Adjusts %s settlement %s", locked.Status, locked.ID)
	if reason != "" {
		note += ". " + reason
	}
	return note
}

func (s *settlementService) insertRegular(ctx context.Context, order Order, share supplierShare) (SupplierSettlement, error) {
	now := s.clock()
	settlement := SupplierSettlement{
		ID:               settlementIDPrefix + s.newID(),
		OrderID:          order.ID,
		SupplierID:       share.SupplierID,
		Kind:             domain.SettlementKindRegular,
		Currency:         order.Currency,
		GrossAmount:      share.Gross,
		CommissionRate:   share.Rate,
		CommissionAmount: share.Commission,
		NetAmount:        share.Net(),
		Status:           domain.SettlementStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.settlements.Insert(ctx, settlement); err != nil {
		return SupplierSettlement{}, mapRepositoryError(err, ErrSettlementNotFound)
	}
	settlement.Version = 1
	return settlement, nil
}

func (s *settlementService) overwritePending(ctx context.Context, current SupplierSettlement, share supplierShare) (SupplierSettlement, error) {
	if sameAmounts(supplierShare{Gross: current.GrossAmount, Commission: current.CommissionAmount}, share) &&
		current.CommissionRate.Equal(share.Rate) {
		return current, nil
	}
	current.GrossAmount = share.Gross
	current.CommissionRate = share.Rate
	current.CommissionAmount = share.Commission
	current.NetAmount = share.Net()
	current.UpdatedAt = s.clock()
	updated, err := s.settlements.Update(ctx, current)
	if err != nil {
		return SupplierSettlement{}, mapRepositoryError(err, ErrSettlementNotFound)
	}
	return updated, nil
}

func (s *settlementService) MarkPaid(ctx context.Context, cmd SettlementMarkPaidCommand) (SupplierSettlement, error) {
	ctx, span := startSpan(ctx, "SettlementService.MarkPaid", attribute.String("settlement.id", cmd.SettlementID))
	defer span.End()

	settlementID := strings.TrimSpace(cmd.SettlementID)
	if settlementID == "" {
		return SupplierSettlement{}, endSpan(span, fmt.Errorf("%w: settlement id is required", ErrSettlementInvalidInput))
	}
	reference := strings.TrimSpace(cmd.ReferenceTransactionID)
	if reference == "" {
		return SupplierSettlement{}, endSpan(span, fmt.Errorf("%w: reference transaction id is required", ErrSettlementInvalidInput))
	}

	var result SupplierSettlement
	err := s.events.runInTx(ctx, s.unitOfWork, func(txCtx context.Context) error {
		current, err := s.settlements.FindByID(txCtx, settlementID)
		if err != nil {
			return mapRepositoryError(err, ErrSettlementNotFound)
		}
		if current.Status != domain.SettlementStatusPending {
			return fmt.Errorf("%w: settlement %s is %s", ErrSettlementInvalidState, settlementID, current.Status)
		}

		now := s.clock()
		current.Status = domain.SettlementStatusPaid
		current.SettlementDate = &now
		current.ReferenceTransactionID = reference
		if paymentID := trimmedPtr(cmd.PaymentID); paymentID != nil {
			current.PaymentID = paymentID
		}
		current.UpdatedAt = now

		updated, err := s.settlements.Update(txCtx, current)
		if err != nil {
			return mapRepositoryError(err, ErrSettlementNotFound)
		}
		result = updated

		s.events.emit(txCtx, OrderEvent{
			Type:           eventSettlementPaid,
			OrderID:        updated.OrderID,
			SupplierID:     updated.SupplierID,
			SettlementID:   updated.ID,
			PreviousStatus: string(domain.SettlementStatusPending),
			CurrentStatus:  string(updated.Status),
			ActorID:        cmd.ActorID,
			OccurredAt:     now,
			Metadata: map[string]any{
				"referenceTransactionId": reference,
				"netAmount":              updated.NetAmount.StringFixed(domain.MoneyPlaces),
			},
		})
		return nil
	})
	if err != nil {
		return SupplierSettlement{}, endSpan(span, mapTxError(err, ErrSettlementNotFound))
	}
	return result, nil
}

func (s *settlementService) MarkFailed(ctx context.Context, cmd SettlementMarkFailedCommand) (SupplierSettlement, error) {
	settlementID := strings.TrimSpace(cmd.SettlementID)
	if settlementID == "" {
		return SupplierSettlement{}, fmt.Errorf("%w: settlement id is required", ErrSettlementInvalidInput)
	}

	var result SupplierSettlement
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := s.settlements.FindByID(txCtx, settlementID)
		if err != nil {
			return mapRepositoryError(err, ErrSettlementNotFound)
		}
		if current.Status != domain.SettlementStatusPending {
			return fmt.Errorf("%w: settlement %s is %s", ErrSettlementInvalidState, settlementID, current.Status)
		}
		current.Status = domain.SettlementStatusFailed
		if reason := textutil.SanitizeNote(cmd.Reason); reason != "" {
			current.Notes = strings.TrimSpace(current.Notes + " " + reason)
		}
		current.UpdatedAt = s.clock()

		updated, err := s.settlements.Update(txCtx, current)
		if err != nil {
			return mapRepositoryError(err, ErrSettlementNotFound)
		}
		result = updated
		return nil
	})
	if err != nil {
		return SupplierSettlement{}, mapTxError(err, ErrSettlementNotFound)
	}

	s.logger(ctx, "settlement.failed", map[string]any{
		"settlementId": result.ID,
		"orderId":      result.OrderID,
		"supplierId":   result.SupplierID,
		"actor":        cmd.ActorID,
	})
	return result, nil
}

func (s *settlementService) ListOrderSettlements(ctx context.Context, orderID string) ([]SupplierSettlement, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrSettlementInvalidInput)
	}
	settlements, err := s.settlements.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, mapRepositoryError(err, ErrSettlementNotFound)
	}
	return settlements, nil
}

func (s *settlementService) ListSettlements(ctx context.Context, filter SettlementFilter) (domain.CursorPage[SupplierSettlement], error) {
	for _, status := range filter.Status {
		if !status.Valid() {
			return domain.CursorPage[SupplierSettlement]{}, fmt.Errorf("%w: unknown status %q", ErrSettlementInvalidInput, status)
		}
	}
	filter.SupplierID = strings.TrimSpace(filter.SupplierID)
	filter.OrderID = strings.TrimSpace(filter.OrderID)

	page, err := s.settlements.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[SupplierSettlement]{}, mapRepositoryError(err, ErrSettlementNotFound)
	}
	return page, nil
}
