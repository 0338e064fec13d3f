package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/platform/auth"
	"github.com/bazaarline/api/internal/platform/httpx"
	"github.com/bazaarline/api/internal/services"
)

const maxInternalBody = 16 * 1024

// InternalHandlers serves service-to-service endpoints authenticated with HMAC signatures.
type InternalHandlers struct {
	hmac        *auth.HMACValidator
	inventory   services.InventoryService
	orders      services.OrderService
	checkout    services.CheckoutService
	settlements services.SettlementService
	system      services.SystemService
}

// InternalHandlersDeps bundles the services reachable from internal callers.
type InternalHandlersDeps struct {
	HMAC        *auth.HMACValidator
	Inventory   services.InventoryService
	Orders      services.OrderService
	Checkout    services.CheckoutService
	Settlements services.SettlementService
	System      services.SystemService
}

// NewInternalHandlers constructs the internal handlers.
func NewInternalHandlers(deps InternalHandlersDeps) *InternalHandlers {
	return &InternalHandlers{
		hmac:        deps.HMAC,
		inventory:   deps.Inventory,
		orders:      deps.Orders,
		checkout:    deps.Checkout,
		settlements: deps.Settlements,
		system:      deps.System,
	}
}

// Routes registers the /internal endpoints, one signing caller per area.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(g chi.Router) {
		h.requireCaller(g, auth.CallerWarehouse)
		g.Post("/inventory/movements", h.applyMovement)
		g.Get("/inventory/{productID}/movements", h.listMovements)
		g.Get("/inventory/{productID}/ledger", h.verifyLedger)
	})
	r.Group(func(g chi.Router) {
		h.requireCaller(g, auth.CallerPayments)
		g.Post("/payments/outcomes", h.recordOutcome)
	})
	r.Group(func(g chi.Router) {
		h.requireCaller(g, auth.CallerFinance)
		g.Get("/orders/{orderID}/audit", h.auditOrder)
		g.Post("/orders/{orderID}:reconcile", h.reconcileOrder)
	})
}

func (h *InternalHandlers) requireCaller(r chi.Router, callers ...string) {
	if h.hmac != nil {
		r.Use(h.hmac.RequireCaller(callers...))
	}
}

type movementRequest struct {
	ProductID string  `json:"productId"`
	Delta     int     `json:"delta"`
	Type      string  `json:"type"`
	OrderID   *string `json:"orderId"`
	UserID    *string `json:"userId"`
	Note      string  `json:"note"`
}

type movementResponse struct {
	Movement movementPayload `json:"movement"`
}

type movementListResponse struct {
	Items []movementPayload `json:"items"`
}

type ledgerResponse struct {
	ProductID   string `json:"productId"`
	Stock       int    `json:"stock"`
	Replayed    int    `json:"replayed"`
	Movements   int    `json:"movements"`
	Consistent  bool   `json:"consistent"`
	GeneratedAt string `json:"generatedAt"`
}

type paymentOutcomeRequest struct {
	OrderID       string          `json:"orderId"`
	Kind          string          `json:"kind"`
	Gateway       string          `json:"gateway"`
	TransactionID string          `json:"transactionId"`
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	FeeAmount     decimal.Decimal `json:"feeAmount"`
	Currency      string          `json:"currency"`
	Message       string          `json:"message"`
	OccurredAt    *time.Time      `json:"occurredAt"`
}

type auditResponse struct {
	OrderID       string   `json:"orderId"`
	OrderNumber   string   `json:"orderNumber"`
	Consistent    bool     `json:"consistent"`
	Discrepancies []string `json:"discrepancies"`
	CheckedAt     string   `json:"checkedAt"`
}

type reconcileRequest struct {
	Reason string `json:"reason"`
}

type reconcileResponse struct {
	Settlements []settlementPayload `json:"settlements"`
	Adjustments []settlementPayload `json:"adjustments"`
	Refunds     []string            `json:"refundPaymentIds"`
}

func (h *InternalHandlers) applyMovement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req movementRequest
	if err := httpx.DecodeJSON(r, maxInternalBody, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	movement, err := h.inventory.ApplyMovement(ctx, services.InventoryMovementCommand{
		ProductID: strings.TrimSpace(req.ProductID),
		Delta:     req.Delta,
		Type:      domain.MovementType(strings.TrimSpace(req.Type)),
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		Note:      req.Note,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, movementResponse{Movement: buildMovementPayload(movement)})
}

func (h *InternalHandlers) listMovements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	movements, err := h.inventory.ListMovements(ctx, chi.URLParam(r, "productID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]movementPayload, 0, len(movements))
	for _, m := range movements {
		items = append(items, buildMovementPayload(m))
	}
	httpx.WriteJSON(w, http.StatusOK, movementListResponse{Items: items})
}

func (h *InternalHandlers) verifyLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := h.inventory.VerifyLedger(ctx, chi.URLParam(r, "productID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	status := http.StatusOK
	if !report.Consistent {
		status = http.StatusConflict
	}
	httpx.WriteJSON(w, status, ledgerResponse{
		ProductID:   report.ProductID,
		Stock:       report.Stock,
		Replayed:    report.Replayed,
		Movements:   report.Movements,
		Consistent:  report.Consistent,
		GeneratedAt: formatTime(report.GeneratedAt),
	})
}

func (h *InternalHandlers) recordOutcome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req paymentOutcomeRequest
	if err := httpx.DecodeJSON(r, maxInternalBody, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	outcome := services.PaymentOutcome{
		OrderID:       strings.TrimSpace(req.OrderID),
		Kind:          domain.PaymentOutcomeKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		Gateway:       strings.TrimSpace(req.Gateway),
		TransactionID: strings.TrimSpace(req.TransactionID),
		Reference:     strings.TrimSpace(req.Reference),
		Amount:        req.Amount,
		FeeAmount:     req.FeeAmount,
		Currency:      req.Currency,
		Message:       req.Message,
	}
	if req.OccurredAt != nil {
		outcome.OccurredAt = req.OccurredAt.UTC()
	}

	order, err := h.checkout.RecordPaymentOutcome(ctx, outcome)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, "")})
}

func (h *InternalHandlers) auditOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_unavailable", "audit service unavailable", http.StatusServiceUnavailable))
		return
	}
	report, err := h.system.AuditOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	discrepancies := report.Discrepancies
	if discrepancies == nil {
		discrepancies = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, auditResponse{
		OrderID:       report.OrderID,
		OrderNumber:   report.OrderNumber,
		Consistent:    report.Consistent,
		Discrepancies: discrepancies,
		CheckedAt:     formatTime(report.CheckedAt),
	})
}

func (h *InternalHandlers) reconcileOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req reconcileRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	actor := ""
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		actor = identity.UID
	}
	result, err := h.settlements.ReconcileSettlements(ctx, services.SettlementReconcileCommand{
		Order:   order,
		ActorID: actor,
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	refunds := make([]string, 0, len(result.Refunds))
	for _, payment := range result.Refunds {
		refunds = append(refunds, payment.ID)
	}
	httpx.WriteJSON(w, http.StatusOK, reconcileResponse{
		Settlements: buildSettlementPayloads(result.Settlements),
		Adjustments: buildSettlementPayloads(result.Adjustments),
		Refunds:     refunds,
	})
}
