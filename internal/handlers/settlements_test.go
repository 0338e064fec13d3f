package handlers

import (
	"net/http"
	"testing"
)

func TestSettlementHandlers_ListScopesSuppliers(t *testing.T) {
	env := newTestEnv(t)
	env.seedProduct("p1", testSupplierA, "25.00", 5)
	env.seedProduct("p2", testSupplierB, "10.00", 5)
	order := env.placeOrder(lineBody("p1", 1), lineBody("p2", 1))

	own := decodeJSON[settlementListResponse](t, env.do(http.MethodGet, "/api/v1/settlements", env.supplier(testSupplierA), nil))
	if len(own.Items) != 1 || own.Items[0].SupplierID != testSupplierA {
		t.Fatalf("expected only supplier A settlements, got %+v", own.Items)
	}

	if rr := env.do(http.MethodGet, "/api/v1/settlements?supplierId="+testSupplierB, env.supplier(testSupplierA), nil); rr.Code != http.StatusForbidden {
		t.Fatalf("foreign supplier: expected status 403, got %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/api/v1/settlements", env.customer(), nil); rr.Code != http.StatusForbidden {
		t.Fatalf("customer: expected status 403, got %d", rr.Code)
	}

	all := decodeJSON[settlementListResponse](t, env.do(http.MethodGet, "/api/v1/settlements?orderId="+order.ID+"&status=PENDING", env.admin(), nil))
	if len(all.Items) != 2 {
		t.Fatalf("admin: expected 2 pending settlements, got %d", len(all.Items))
	}

	if rr := env.do(http.MethodGet, "/api/v1/settlements?status=lost", env.admin(), nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown status: expected status 400, got %d", rr.Code)
	}
}

func TestSettlementHandlers_MarkPaidAndFailed(t *testing.T) {
	env := newTestEnv(t)
	env.seedProduct("p1", testSupplierA, "25.00", 5)
	env.seedProduct("p2", testSupplierB, "10.00", 5)
	env.placeOrder(lineBody("p1", 1), lineBody("p2", 1))

	page := decodeJSON[settlementListResponse](t, env.do(http.MethodGet, "/api/v1/settlements", env.admin(), nil))
	ids := map[string]string{}
	for _, item := range page.Items {
		ids[item.SupplierID] = item.ID
	}
	paidPath := "/api/v1/settlements/" + ids[testSupplierA] + ":markPaid"
	failedPath := "/api/v1/settlements/" + ids[testSupplierB] + ":markFailed"

	if rr := env.do(http.MethodPost, paidPath, env.supplier(testSupplierA), map[string]any{"referenceTransactionId": "po_1"}); rr.Code != http.StatusForbidden {
		t.Fatalf("supplier: expected status 403, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, paidPath, env.admin(), map[string]any{}); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing reference: expected status 400, got %d", rr.Code)
	}

	rr := env.do(http.MethodPost, paidPath, env.admin(), map[string]any{"referenceTransactionId": "po_1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	paid := decodeJSON[settlementResponse](t, rr).Settlement
	if paid.Status != "paid" || paid.ReferenceTransactionID != "po_1" || paid.SettlementDate == "" {
		t.Fatalf("unexpected paid settlement %+v", paid)
	}
	if rr := env.do(http.MethodPost, paidPath, env.admin(), map[string]any{"referenceTransactionId": "po_2"}); rr.Code != http.StatusConflict {
		t.Fatalf("repeat payout: expected status 409, got %d", rr.Code)
	}

	rr = env.do(http.MethodPost, failedPath, env.admin(), map[string]any{"reason": "iban rejected"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if failed := decodeJSON[settlementResponse](t, rr).Settlement; failed.Status != "failed" || failed.Notes != "iban rejected" {
		t.Fatalf("unexpected failed settlement %+v", failed)
	}

	if rr := env.do(http.MethodPost, "/api/v1/settlements/stl_missing:markFailed", env.admin(), map[string]any{"reason": "x"}); rr.Code != http.StatusNotFound {
		t.Fatalf("missing settlement: expected status 404, got %d", rr.Code)
	}
}
