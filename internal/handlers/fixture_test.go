package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/payments"
	"github.com/bazaarline/api/internal/platform/auth"
	"github.com/bazaarline/api/internal/platform/idempotency"
	"github.com/bazaarline/api/internal/repositories/memory"
	"github.com/bazaarline/api/internal/services"
)

const (
	testActorSecret   = "actor-signing-secret"
	testStripeSecret  = "whsec_handlers"
	testCustomerID    = "cust-1"
	testSupplierA     = "sup-a"
	testSupplierB     = "sup-b"
	testAdminID       = "admin-1"
	testOtherCustomer = "cust-2"
)

var testHMACSecrets = auth.StaticSecrets{
	auth.CallerWarehouse: "warehouse-secret",
	auth.CallerPayments:  "payments-secret",
	auth.CallerFinance:   "finance-secret",
}

type testEnv struct {
	t      *testing.T
	store  *memory.Store
	signer *auth.HMACValidator
	engine *services.Engine
	router http.Handler
	keys   atomic.Int64
	nonces atomic.Int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	var ids atomic.Int64
	store := memory.New()
	engine, err := services.NewEngine(services.EngineDeps{
		Registry:    store,
		IDGenerator: func() string { return fmt.Sprintf("%06d", ids.Add(1)) },
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	stripeParser, err := payments.NewStripeWebhookParser(payments.StripeWebhookConfig{Secret: testStripeSecret})
	if err != nil {
		t.Fatalf("stripe parser: %v", err)
	}
	registry, err := payments.NewRegistry(map[string]payments.WebhookParser{"stripe": stripeParser})
	if err != nil {
		t.Fatalf("payments registry: %v", err)
	}

	guard := NewActorGuard(auth.NewAuthenticator(testActorSecret), idempotency.Middleware(idempotency.NewMemoryStore()))
	validator := auth.NewHMACValidator(testHMACSecrets, auth.NewInMemoryNonceStore())

	router := NewRouter(
		WithCheckoutRoutes(NewCheckoutHandlers(guard, engine.Checkout).Routes),
		WithOrderRoutes(NewOrderHandlers(guard, engine.Orders, engine.Checkout, engine.Settlements).Routes),
		WithSettlementRoutes(NewSettlementHandlers(guard, engine.Settlements).Routes),
		WithWebhookRoutes(NewPaymentWebhookHandlers(registry, engine.Checkout).Routes),
		WithInternalRoutes(NewInternalHandlers(InternalHandlersDeps{
			HMAC:        validator,
			Inventory:   engine.Inventory,
			Orders:      engine.Orders,
			Checkout:    engine.Checkout,
			Settlements: engine.Settlements,
			System:      &stubSystemService{audit: services.OrderAuditReport{Consistent: true}},
		}).Routes),
	)

	return &testEnv{t: t, store: store, engine: engine, router: router, signer: validator}
}

func (e *testEnv) seedProduct(id, supplierID, price string, stock int) {
	e.t.Helper()
	ctx := context.Background()
	_, err := e.store.Products().Upsert(ctx, domain.Product{
		ID:             id,
		SupplierID:     supplierID,
		Name:           gofakeit.ProductName(),
		SKU:            "SKU-" + id,
		Price:          decimal.RequireFromString(price),
		CommissionRate: decimal.RequireFromString("10"),
		Published:      true,
	})
	if err != nil {
		e.t.Fatalf("seed product: %v", err)
	}
	if stock > 0 {
		if _, err := e.engine.Inventory.ApplyMovement(ctx, services.InventoryMovementCommand{
			ProductID: id,
			Delta:     stock,
			Type:      domain.MovementTypePurchase,
		}); err != nil {
			e.t.Fatalf("seed stock: %v", err)
		}
	}
}

func (e *testEnv) stock(productID string) int {
	e.t.Helper()
	product, err := e.store.Products().FindByID(context.Background(), productID)
	if err != nil {
		e.t.Fatalf("find product: %v", err)
	}
	return product.Stock
}

func (e *testEnv) token(identity auth.Identity) string {
	e.t.Helper()
	token, err := auth.IssueActorToken(testActorSecret, "", identity, time.Now(), time.Hour)
	if err != nil {
		e.t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) customer() string {
	return e.token(auth.Identity{UID: testCustomerID, Roles: []string{auth.RoleCustomer}})
}

func (e *testEnv) otherCustomer() string {
	return e.token(auth.Identity{UID: testOtherCustomer, Roles: []string{auth.RoleCustomer}})
}

func (e *testEnv) supplier(supplierID string) string {
	return e.token(auth.Identity{UID: "user-" + supplierID, SupplierID: supplierID, Roles: []string{auth.RoleSupplier}})
}

func (e *testEnv) admin() string {
	return e.token(auth.Identity{UID: testAdminID, Roles: []string{auth.RoleAdmin}})
}

// do sends an actor request. Unsafe methods get a fresh idempotency key.
func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	key := ""
	if method != http.MethodGet {
		key = "key-" + strconv.FormatInt(e.keys.Add(1), 10)
	}
	return e.doWithKey(method, path, token, body, key)
}

func (e *testEnv) doWithKey(method, path, token string, body any, key string) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// signed sends an internal request signed for caller with the test secrets.
func (e *testEnv) signed(method, path, caller string, body []byte) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.signedBy(e.signer, method, path, caller, body)
}

func (e *testEnv) signedBy(signer *auth.HMACValidator, method, path, caller string, body []byte) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if err := signer.SignRequest(req, caller, "nonce-"+strconv.FormatInt(e.nonces.Add(1), 10)); err != nil {
		e.t.Fatalf("sign request: %v", err)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func checkoutBody(lines ...map[string]any) map[string]any {
	address := map[string]any{
		"firstName":  gofakeit.FirstName(),
		"lastName":   gofakeit.LastName(),
		"line1":      gofakeit.Street(),
		"city":       gofakeit.City(),
		"postalCode": gofakeit.Zip(),
		"country":    "us",
	}
	return map[string]any{
		"currency":        "usd",
		"lines":           lines,
		"contact":         map[string]any{"name": gofakeit.Name(), "email": gofakeit.Email()},
		"billingAddress":  address,
		"shippingAddress": address,
	}
}

func lineBody(productID string, quantity int) map[string]any {
	return map[string]any{"productId": productID, "quantity": quantity}
}

// placeOrder checks out as the default customer and returns the created order.
func (e *testEnv) placeOrder(lines ...map[string]any) orderPayload {
	e.t.Helper()
	rr := e.do(http.MethodPost, "/api/v1/checkout", e.customer(), checkoutBody(lines...))
	if rr.Code != http.StatusCreated {
		e.t.Fatalf("checkout: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	return decodeOrder(e.t, rr)
}

func decodeOrder(t *testing.T, rr *httptest.ResponseRecorder) orderPayload {
	t.Helper()
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	return resp.Order
}

func decodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rr.Body.String())
	}
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	code, _ := body["error"].(string)
	return code
}
