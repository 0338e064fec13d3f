package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/platform/auth"
	"github.com/bazaarline/api/internal/platform/httpx"
	"github.com/bazaarline/api/internal/platform/pagination"
	"github.com/bazaarline/api/internal/services"
)

const maxOrderCommandBody = 4 * 1024

// supplierTargets are the order statuses a supplier may move its orders into.
var supplierTargets = map[domain.OrderStatus]struct{}{
	domain.OrderStatusProcessing: {},
	domain.OrderStatusShipped:    {},
	domain.OrderStatusDelivered:  {},
}

// OrderHandlers exposes order reads and lifecycle commands to customers, suppliers and admins.
type OrderHandlers struct {
	guard       *ActorGuard
	orders      services.OrderService
	checkout    services.CheckoutService
	settlements services.SettlementService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(guard *ActorGuard, orders services.OrderService, checkout services.CheckoutService, settlements services.SettlementService) *OrderHandlers {
	return &OrderHandlers{
		guard:       guard,
		orders:      orders,
		checkout:    checkout,
		settlements: settlements,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	useAll(r, h.guard.Require(auth.RoleCustomer, auth.RoleSupplier, auth.RoleAdmin))
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/history", h.listHistory)
	r.Get("/{orderID}/settlements", h.listOrderSettlements)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:transition", h.transitionOrder)
	r.Post("/{orderID}:ship", h.updateShipping)
	r.Post("/{orderID}/items/{itemID}:cancel", h.cancelItem)
}

type cancelOrderRequest struct {
	Reason          string `json:"reason"`
	Notes           string `json:"notes"`
	ExpectedVersion *int64 `json:"expectedVersion"`
}

type transitionOrderRequest struct {
	Status          string `json:"status"`
	Note            string `json:"note"`
	Reason          string `json:"reason"`
	ExpectedVersion *int64 `json:"expectedVersion"`
}

type shippingStatusRequest struct {
	Status          string `json:"status"`
	Note            string `json:"note"`
	ExpectedVersion *int64 `json:"expectedVersion"`
}

type historyResponse struct {
	Items []historyPayload `json:"items"`
}

type orderSettlementsResponse struct {
	Items []settlementPayload `json:"items"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
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
	filter := services.OrderListFilter{
		Pagination: domain.Pagination{PageSize: page.PageSize, PageToken: page.PageToken},
	}
	for _, raw := range splitQueryValues(query["status"]) {
		filter.Status = append(filter.Status, domain.OrderStatus(raw))
	}
	for param, target := range map[string]**time.Time{
		"createdAfter":  &filter.CreatedAt.From,
		"createdBefore": &filter.CreatedAt.To,
	} {
		raw := strings.TrimSpace(query.Get(param))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", param+" must be an RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		*target = &ts
	}

	switch {
	case isPrivileged(identity):
		filter.CustomerID = strings.TrimSpace(query.Get("customerId"))
		filter.SupplierID = strings.TrimSpace(query.Get("supplierId"))
	case identity.HasRole(auth.RoleSupplier):
		filter.SupplierID = identity.SupplierID
	default:
		filter.CustomerID = identity.UID
	}

	result, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	scope := supplierScope(identity)
	items := make([]orderPayload, 0, len(result.Items))
	for _, order := range result.Items {
		items = append(items, buildOrderPayload(order, scope))
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{Items: items, NextPageToken: result.NextPageToken})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	identity, order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, supplierScope(identity))})
}

func (h *OrderHandlers) listHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}
	entries, err := h.orders.ListStatusHistory(ctx, order.ID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, historyResponse{Items: buildHistoryPayload(entries)})
}

func (h *OrderHandlers) listOrderSettlements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}
	if !isPrivileged(identity) && !identity.HasRole(auth.RoleSupplier) {
		writeForbidden(w, r, "settlements are visible to suppliers and admins only")
		return
	}
	settlements, err := h.settlements.ListOrderSettlements(ctx, order.ID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if scope := supplierScope(identity); scope != "" {
		visible := settlements[:0]
		for _, s := range settlements {
			if s.SupplierID == scope {
				visible = append(visible, s)
			}
		}
		settlements = visible
	}
	httpx.WriteJSON(w, http.StatusOK, orderSettlementsResponse{Items: buildSettlementPayloads(settlements)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}
	if !isPrivileged(identity) && order.CustomerID != identity.UID {
		writeForbidden(w, r, "only the customer or an admin may cancel an order")
		return
	}

	var req cancelOrderRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	updated, err := h.checkout.Cancel(ctx, services.CancelOrderCommand{
		OrderID:         order.ID,
		Reason:          req.Reason,
		Notes:           req.Notes,
		ActorID:         identity.UID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated, "")})
}

func (h *OrderHandlers) cancelItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}
	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))

	allowed := isPrivileged(identity) || order.CustomerID == identity.UID
	if !allowed && identity.HasRole(auth.RoleSupplier) {
		for _, item := range order.Items {
			if item.ID == itemID && item.SupplierID == identity.SupplierID {
				allowed = true
				break
			}
		}
	}
	if !allowed {
		writeForbidden(w, r, "item cannot be cancelled by this actor")
		return
	}

	var req cancelOrderRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	updated, err := h.checkout.CancelItem(ctx, services.CancelOrderItemCommand{
		OrderID:         order.ID,
		ItemID:          itemID,
		Reason:          req.Reason,
		ActorID:         identity.UID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated, supplierScope(identity))})
}

func (h *OrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}

	var req transitionOrderRequest
	if err := httpx.DecodeJSON(r, maxOrderCommandBody, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	target := domain.OrderStatus(strings.TrimSpace(req.Status))

	if !isPrivileged(identity) {
		_, supplierMove := supplierTargets[target]
		if !identity.HasRole(auth.RoleSupplier) || !supplierMove {
			writeForbidden(w, r, "status change not permitted for this actor")
			return
		}
	}

	var (
		updated services.Order
		err     error
	)
	if target == domain.OrderStatusCancelled {
		updated, err = h.checkout.Cancel(ctx, services.CancelOrderCommand{
			OrderID:         order.ID,
			Reason:          req.Reason,
			Notes:           req.Note,
			ActorID:         identity.UID,
			ExpectedVersion: req.ExpectedVersion,
		})
	} else {
		updated, err = h.orders.Transition(ctx, services.OrderTransitionCommand{
			OrderID:         order.ID,
			Target:          target,
			Note:            req.Note,
			Reason:          req.Reason,
			ActorID:         identity.UID,
			ExpectedVersion: req.ExpectedVersion,
		})
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated, supplierScope(identity))})
}

func (h *OrderHandlers) updateShipping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}
	if !isPrivileged(identity) && !identity.HasRole(auth.RoleSupplier) {
		writeForbidden(w, r, "shipping status is maintained by suppliers and admins")
		return
	}

	var req shippingStatusRequest
	if err := httpx.DecodeJSON(r, maxOrderCommandBody, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	updated, err := h.orders.UpdateShippingStatus(ctx, services.OrderShippingStatusCommand{
		OrderID:         order.ID,
		Status:          domain.ShippingStatus(strings.TrimSpace(req.Status)),
		Note:            req.Note,
		ActorID:         identity.UID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated, supplierScope(identity))})
}

// loadVisibleOrder fetches the order named in the path. Orders the actor may not see are
// reported as missing.
func (h *OrderHandlers) loadVisibleOrder(w http.ResponseWriter, r *http.Request) (*auth.Identity, services.Order, bool) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return nil, services.Order{}, false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return nil, services.Order{}, false
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return nil, services.Order{}, false
	}
	if !canViewOrder(identity, order) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return nil, services.Order{}, false
	}
	return identity, order, true
}

func canViewOrder(identity *auth.Identity, order services.Order) bool {
	if isPrivileged(identity) || order.CustomerID == identity.UID {
		return true
	}
	if !identity.HasRole(auth.RoleSupplier) {
		return false
	}
	for _, item := range order.Items {
		if identity.CanActForSupplier(item.SupplierID) {
			return true
		}
	}
	return false
}

// supplierScope is the supplier a non-admin supplier actor is limited to, or "".
func supplierScope(identity *auth.Identity) string {
	if identity == nil || isPrivileged(identity) || !identity.HasRole(auth.RoleSupplier) {
		return ""
	}
	return identity.SupplierID
}

// decodeOptionalBody decodes a JSON body when one is present.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := httpx.DecodeJSON(r, maxOrderCommandBody, dst); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.WriteDecodeError(w, r, err)
		return false
	}
	return true
}

func splitQueryValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
