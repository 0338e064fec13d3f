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

const maxCheckoutRequestBody = 32 * 1024

// CheckoutHandlers exposes order placement.
type CheckoutHandlers struct {
	guard    *ActorGuard
	checkout services.CheckoutService
	limiter  *customerLimiter
}

// CheckoutOption customises checkout handlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutRateLimit caps checkout attempts per customer to limit per window.
func WithCheckoutRateLimit(limit int, window time.Duration, clock func() time.Time) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newCustomerLimiter(limit, window, clock)
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by actor tokens.
func NewCheckoutHandlers(guard *ActorGuard, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		guard:    guard,
		checkout: checkout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /checkout endpoints.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	useAll(r, h.guard.Require(auth.RoleCustomer, auth.RoleAdmin))
	if h.limiter != nil {
		r = r.With(h.limiter.middleware)
	}
	r.Post("/", h.placeOrder)
}

type checkoutLineRequest struct {
	ProductID      string          `json:"productId"`
	Quantity       int             `json:"quantity"`
	TaxAmount      decimal.Decimal `json:"taxAmount"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
}

type checkoutRequest struct {
	CustomerID      string                 `json:"customerId"`
	Type            string                 `json:"type"`
	Currency        string                 `json:"currency"`
	Lines           []checkoutLineRequest  `json:"lines"`
	Contact         domain.ContactSnapshot `json:"contact"`
	BillingAddress  domain.AddressSnapshot `json:"billingAddress"`
	ShippingAddress domain.AddressSnapshot `json:"shippingAddress"`
	ShippingTotal   decimal.Decimal        `json:"shippingTotal"`
	DiscountTotal   decimal.Decimal        `json:"discountTotal"`
	Notes           string                 `json:"notes"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

func (h *CheckoutHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if err := httpx.DecodeJSON(r, maxCheckoutRequestBody, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	customerID := identity.UID
	if requested := strings.TrimSpace(req.CustomerID); requested != "" && requested != identity.UID {
		if !isPrivileged(identity) {
			writeForbidden(w, r, "orders can only be placed for the authenticated customer")
			return
		}
		customerID = requested
	}

	lines := make([]services.CheckoutLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, services.CheckoutLine{
			ProductID:      strings.TrimSpace(line.ProductID),
			Quantity:       line.Quantity,
			TaxAmount:      line.TaxAmount,
			DiscountAmount: line.DiscountAmount,
		})
	}

	orderType := domain.OrderType(strings.ToLower(strings.TrimSpace(req.Type)))
	if orderType == "" {
		orderType = domain.OrderTypeProduct
	}

	order, err := h.checkout.Checkout(ctx, services.CheckoutCommand{
		CustomerID:      customerID,
		Type:            orderType,
		Currency:        req.Currency,
		Lines:           lines,
		Contact:         req.Contact,
		BillingAddress:  req.BillingAddress,
		ShippingAddress: req.ShippingAddress,
		ShippingTotal:   req.ShippingTotal,
		DiscountTotal:   req.DiscountTotal,
		Notes:           req.Notes,
		ActorID:         identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order, "")})
}
