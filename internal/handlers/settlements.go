package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/platform/auth"
	"github.com/bazaarline/api/internal/platform/httpx"
	"github.com/bazaarline/api/internal/platform/pagination"
	"github.com/bazaarline/api/internal/services"
)

const maxSettlementCommandBody = 4 * 1024

// SettlementHandlers lets suppliers read their settlements and finance admins record payouts.
type SettlementHandlers struct {
	guard       *ActorGuard
	settlements services.SettlementService
}

// NewSettlementHandlers constructs settlement handlers.
func NewSettlementHandlers(guard *ActorGuard, settlements services.SettlementService) *SettlementHandlers {
	return &SettlementHandlers{guard: guard, settlements: settlements}
}

// Routes registers the /settlements endpoints.
func (h *SettlementHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	useAll(r, h.guard.Require(auth.RoleSupplier, auth.RoleAdmin))
	r.Get("/", h.listSettlements)
	r.Post("/{settlementID}:markPaid", h.markPaid)
	r.Post("/{settlementID}:markFailed", h.markFailed)
}

type markPaidRequest struct {
	ReferenceTransactionID string  `json:"referenceTransactionId"`
	PaymentID              *string `json:"paymentId"`
}

type markFailedRequest struct {
	Reason string `json:"reason"`
}

type settlementResponse struct {
	Settlement settlementPayload `json:"settlement"`
}

func (h *SettlementHandlers) listSettlements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	page, err := pagination.FromRequest(r, pagination.Options{DefaultPageSize: 20})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	query := r.URL.Query()
	filter := services.SettlementFilter{
		OrderID:    strings.TrimSpace(query.Get("orderId")),
		Pagination: domain.Pagination{PageSize: page.PageSize, PageToken: page.PageToken},
	}
	for _, raw := range splitQueryValues(query["status"]) {
		filter.Status = append(filter.Status, domain.SettlementStatus(strings.ToLower(raw)))
	}

	requested := strings.TrimSpace(query.Get("supplierId"))
	if scope := supplierScope(identity); scope != "" {
		if requested != "" && requested != scope {
			writeForbidden(w, r, "suppliers may only list their own settlements")
			return
		}
		requested = scope
	}
	filter.SupplierID = requested

	result, err := h.settlements.ListSettlements(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, settlementListResponse{
		Items:         buildSettlementPayloads(result.Items),
		NextPageToken: result.NextPageToken,
	})
}

func (h *SettlementHandlers) markPaid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireFinance(w, r)
	if !ok {
		return
	}
	var req markPaidRequest
	if err := httpx.DecodeJSON(r, maxSettlementCommandBody, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	settlement, err := h.settlements.MarkPaid(ctx, services.SettlementMarkPaidCommand{
		SettlementID:           strings.TrimSpace(chi.URLParam(r, "settlementID")),
		ReferenceTransactionID: req.ReferenceTransactionID,
		PaymentID:              req.PaymentID,
		ActorID:                identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, settlementResponse{Settlement: buildSettlementPayload(settlement)})
}

func (h *SettlementHandlers) markFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireFinance(w, r)
	if !ok {
		return
	}
	var req markFailedRequest
	if err := httpx.DecodeJSON(r, maxSettlementCommandBody, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	settlement, err := h.settlements.MarkFailed(ctx, services.SettlementMarkFailedCommand{
		SettlementID: strings.TrimSpace(chi.URLParam(r, "settlementID")),
		Reason:       req.Reason,
		ActorID:      identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, settlementResponse{Settlement: buildSettlementPayload(settlement)})
}

// requireFinance admits only admins to payout bookkeeping.
func (h *SettlementHandlers) requireFinance(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return nil, false
	}
	if !isPrivileged(identity) {
		writeForbidden(w, r, "payouts are recorded by admins only")
		return nil, false
	}
	return identity, true
}
