package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"vanityhub/ledger/internal/display"
	"vanityhub/ledger/internal/domain"
	"vanityhub/ledger/internal/metrics"
	"vanityhub/ledger/internal/service"
	"vanityhub/ledger/internal/store"
	"vanityhub/ledger/internal/store/memory"
)

// newTestAPI wires the real service over an in-memory backend so handler
// tests exercise the complete request path.
func newTestAPI(t *testing.T) http.Handler {
	t.Helper()

	reg := prometheus.NewRegistry()
	svc, err := service.New(service.Params{Store: store.New(memory.New())})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Init(t.Context()); err != nil {
		t.Fatalf("init: %v", err)
	}
	metrics.NewLedgerMetrics(reg).IncInsert(metrics.InsertCreated)
	return New(svc, Options{AllowedOrigin: "*", Metrics: metrics.Handler(reg)}).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (body: %s)", err, rec.Body.String())
	}
}

const createBody = `{
  "booking": {
    "id": "appt-123",
    "clientId": "client-ayu",
    "location": "Kemang",
    "service": {"name": "Balayage", "price": "50"},
    "products": [{"name": "Argan oil", "price": "12.50", "quantity": 2}]
  },
  "discountPercentage": "20"
}`

func TestHandleHealth(t *testing.T) {
	h := newTestAPI(t)
	rec := do(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestCreateSaleThenDuplicate(t *testing.T) {
	h := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/api/v1/sales", createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var first domain.SaleResponse
	decodeBody(t, rec, &first)
	if first.Sale.Amount.StringFixed(2) != "65.00" {
		t.Fatalf("expected 65.00, got %s", first.Sale.Amount.StringFixed(2))
	}

	rec = do(t, h, http.MethodPost, "/api/v1/sales", createBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rec.Code)
	}
	var second domain.SaleResponse
	decodeBody(t, rec, &second)
	if !second.Duplicate || second.Sale.ID != first.Sale.ID {
		t.Fatalf("expected the original sale back, got %+v", second)
	}
}

func TestCreateSaleValidation(t *testing.T) {
	h := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/api/v1/sales", `{"booking": {"clientId": "c"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing booking id, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "booking.id") {
		t.Fatalf("expected json field name in message, got %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/sales", `{"booking": {"id": "a", "clientId": "c"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty booking, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/sales", `{"booking": {"id": "a"}, "tip": 5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestRecordGetPatchDelete(t *testing.T) {
	h := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/api/v1/sales/record", map[string]any{
		"id":       "sale-1",
		"clientId": "walk-in",
		"amount":   "50",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/v1/sales/sale-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPatch, "/api/v1/sales/sale-1", `{"amount": "45"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var patched struct {
		Sale domain.LedgerEvent `json:"sale"`
	}
	decodeBody(t, rec, &patched)
	if patched.Sale.ServiceAmount.String() != "45" {
		t.Fatalf("expected split to follow amount, got %s", patched.Sale.ServiceAmount)
	}

	rec = do(t, h, http.MethodPatch, "/api/v1/sales/sale-1", `{"serviceAmount": "1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invariant violation, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodDelete, "/api/v1/sales/sale-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/sales/sale-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodDelete, "/api/v1/sales/sale-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for second delete, got %d", rec.Code)
	}
}

func TestListSalesFilters(t *testing.T) {
	h := newTestAPI(t)
	if rec := do(t, h, http.MethodPost, "/api/v1/sales", createBody); rec.Code != http.StatusCreated {
		t.Fatalf("seed: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/sales/record", `{"clientId": "client-dewi", "amount": "20"}`); rec.Code != http.StatusCreated {
		t.Fatalf("seed record: %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/api/v1/sales?clientId=client-ayu&compositeType=consolidated", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Sales []domain.LedgerEvent `json:"sales"`
		Count int                  `json:"count"`
	}
	decodeBody(t, rec, &body)
	if body.Count != 1 || body.Sales[0].ClientID != "client-ayu" {
		t.Fatalf("unexpected filter result %+v", body)
	}

	to := time.Now().UTC().Add(-24 * time.Hour).Format(time.DateOnly)
	rec = do(t, h, http.MethodGet, "/api/v1/sales?to="+to, nil)
	decodeBody(t, rec, &body)
	if body.Count != 0 {
		t.Fatalf("expected no sales before %s, got %d", to, body.Count)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/sales?channel=fax", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown channel, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/sales?from=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad from, got %d", rec.Code)
	}
}

func TestDisplayEndpoints(t *testing.T) {
	h := newTestAPI(t)
	rec := do(t, h, http.MethodPost, "/api/v1/sales", createBody)
	var created domain.SaleResponse
	decodeBody(t, rec, &created)

	rec = do(t, h, http.MethodGet, "/api/v1/sales/"+created.Sale.ID+"/display", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var b display.Breakdown
	decodeBody(t, rec, &b)
	if b.ServiceAmount != "40.00" || b.ProductAmount != "25.00" || b.OriginalAmount != "75.00" || b.FinalAmount != "65.00" {
		t.Fatalf("unexpected breakdown %+v", b)
	}
	if b.DiscountLabel != "20% off" {
		t.Fatalf("unexpected label %q", b.DiscountLabel)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/sales/display", `{"amount": "abc", "serviceAmount": [}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("malformed input must still project, got %d", rec.Code)
	}
	decodeBody(t, rec, &b)
	if b.FinalAmount != "0.00" {
		t.Fatalf("expected zero projection, got %+v", b)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/sales/missing/display", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	h := newTestAPI(t)
	rec := do(t, h, http.MethodPost, "/api/v1/sales/cleanup", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]int
	decodeBody(t, rec, &body)
	if body["removed"] != 0 {
		t.Fatalf("expected nothing removed, got %d", body["removed"])
	}

	rec = do(t, h, http.MethodGet, "/api/v1/sales/cleanup", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestMetricsAndCORS(t *testing.T) {
	h := newTestAPI(t)
	rec := do(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ledger_inserts_total") {
		t.Fatalf("expected metrics output, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodOptions, "/api/v1/sales", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header")
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		store.ErrNotFound:     http.StatusNotFound,
		store.ErrInvalidEvent: http.StatusBadRequest,
		errValidation:         http.StatusBadRequest,
		store.ErrNotOpen:      http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}
