package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tokosegar/backend/internal/domain"
	"tokosegar/backend/internal/service"
	"tokosegar/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, 0)
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, "*")
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["access_token"] == "" || body["access_token"] == nil {
		t.Fatalf("expected access_token in response, got %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cashier", "cashier123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["products"] == nil {
		t.Fatalf("expected products key in response, got %v", body)
	}
}

// TestCheckoutAndLookupBySaleNumber runs a full POS checkout against the
// seeded catalogue and then fetches the resulting sale by its number.
func TestCheckoutAndLookupBySaleNumber(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	product := fetchProduct(t, api, token, "SKU-MIE-01")

	sale := doCheckout(t, api, token, csrf, domain.SaleCreateRequest{
		Channel:       domain.ChannelPOS,
		PaymentMethod: domain.PaymentCash,
		Lines: []domain.SaleLineRequest{
			{ProductID: product.ID, Qty: 2},
		},
	})

	if !strings.HasPrefix(sale.Number, "INV-") {
		t.Fatalf("expected POS sale number with INV- prefix, got %q", sale.Number)
	}
	if sale.TotalCents != 2*product.PriceCents {
		t.Fatalf("expected total %d, got %d", 2*product.PriceCents, sale.TotalCents)
	}
	if sale.ProfitCents <= 0 {
		t.Fatalf("expected positive profit snapshot, got %d", sale.ProfitCents)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sales/"+sale.Number, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on lookup by number, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCheckout_UnknownPaymentMethodRejected(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	product := fetchProduct(t, api, token, "SKU-KOPI-01")

	payload, _ := json.Marshal(domain.SaleCreateRequest{
		Channel:       domain.ChannelPOS,
		PaymentMethod: "CASH ",
		Lines: []domain.SaleLineRequest{
			{ProductID: product.ID, Qty: 1},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown payment method, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCheckout_OversellReturnsConflict(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	product := fetchProduct(t, api, token, "SKU-ROTI-01")

	payload, _ := json.Marshal(domain.SaleCreateRequest{
		Channel:       domain.ChannelPOS,
		PaymentMethod: domain.PaymentCash,
		Lines: []domain.SaleLineRequest{
			{ProductID: product.ID, Qty: product.StockQty + 1},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversell, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestVoidSale_ManagerPINRequired(t *testing.T) {
	api := newTestAPI(t)
	adminToken := loginAs(t, api, "admin", "admin123")
	csrf := fetchCSRFToken(t, api)

	product := fetchProduct(t, api, adminToken, "SKU-TELUR-01")
	sale := doCheckout(t, api, adminToken, csrf, domain.SaleCreateRequest{
		Channel:       domain.ChannelPOS,
		PaymentMethod: domain.PaymentCash,
		Lines: []domain.SaleLineRequest{
			{ProductID: product.ID, Qty: 1},
		},
	})

	voidURL := "/api/v1/sales/" + sale.Number + "/void"

	// Wrong PIN is rejected before any state changes.
	badPayload, _ := json.Marshal(domain.VoidSaleRequest{Reason: "mistake", ManagerPIN: "999999"})
	req := httptest.NewRequest(http.MethodPost, voidURL, bytes.NewReader(badPayload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong pin, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	// Correct PIN voids the sale.
	goodPayload, _ := json.Marshal(domain.VoidSaleRequest{Reason: "mistake", ManagerPIN: "123456"})
	req = httptest.NewRequest(http.MethodPost, voidURL, bytes.NewReader(goodPayload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("X-CSRF-Token", csrf)
	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for void with correct pin, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var result domain.VoidSaleResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode void result: %v", err)
	}
	if result.SaleNumber != sale.Number {
		t.Fatalf("expected void result for %s, got %s", sale.Number, result.SaleNumber)
	}
	if result.CashReversedCents != sale.TotalCents {
		t.Fatalf("expected cash reversal %d, got %d", sale.TotalCents, result.CashReversedCents)
	}

	// The sale is gone afterwards.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/sales/"+sale.Number, nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after void, got %d", rec.Code)
	}
}

func TestVoidSale_CashierForbidden(t *testing.T) {
	api := newTestAPI(t)
	cashierToken := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.VoidSaleRequest{Reason: "mistake", ManagerPIN: "123456"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales/INV-00001/void", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cashierToken)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier void, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestSettleDeferredSale(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	product := fetchProduct(t, api, token, "SKU-SUSU-01")
	sale := doCheckout(t, api, token, csrf, domain.SaleCreateRequest{
		Channel:       domain.ChannelOnline,
		PaymentMethod: domain.PaymentCOD,
		Lines: []domain.SaleLineRequest{
			{ProductID: product.ID, Qty: 1},
		},
	})
	if sale.PaymentCollected {
		t.Fatalf("expected deferred sale to start uncollected")
	}

	payload, _ := json.Marshal(map[string]int64{"amount_cents": sale.TotalCents})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales/"+sale.Number+"/settle", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on settlement, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var result domain.SettlementResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode settlement result: %v", err)
	}
	if result.Account != domain.AccountCash {
		t.Fatalf("expected settlement into cash account, got %q", result.Account)
	}
	if result.AmountCents != sale.TotalCents {
		t.Fatalf("expected settled amount %d, got %d", sale.TotalCents, result.AmountCents)
	}

	// Settling twice conflicts.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/sales/"+sale.Number+"/settle", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second settlement, got %d", rec.Code)
	}
}

func TestValuationReport_AdminOnly(t *testing.T) {
	api := newTestAPI(t)
	cashierToken := loginAs(t, api, "cashier", "cashier123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/valuation", nil)
	req.Header.Set("Authorization", "Bearer "+cashierToken)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	adminToken := loginAs(t, api, "admin", "admin123")
	req = httptest.NewRequest(http.MethodGet, "/api/v1/reports/valuation", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var report domain.ValuationReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Lines) == 0 || report.TotalValueCents <= 0 {
		t.Fatalf("expected non-empty valuation of seeded stock, got %+v", report)
	}
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes
// (used to confirm test infrastructure is sound).
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}

// fetchProduct resolves a seeded product through the public lookup endpoint.
func fetchProduct(t *testing.T, api *API, token string, sku string) domain.Product {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products/"+sku, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup %s failed: %d %s", sku, rec.Code, rec.Body.String())
	}

	var body struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode product: %v", err)
	}
	if body.Product.ID == "" {
		t.Fatalf("expected product for %s, got %+v", sku, body)
	}
	return body.Product
}

func doCheckout(t *testing.T, api *API, token string, csrf string, req domain.SaleCreateRequest) domain.Sale {
	t.Helper()

	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal checkout request: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader(payload))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout failed: %d %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode checkout response: %v", err)
	}
	if body.Sale.ID == "" {
		t.Fatalf("expected sale in response, got %s", rec.Body.String())
	}
	return body.Sale
}

func loginAs(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	payload, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	// Distinct RemoteAddr per login call keeps the limiter out of the way.
	req.RemoteAddr = fmt.Sprintf("198.51.100.%d:4000", loginCounter())
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

var loginSeq int

func loginCounter() int {
	loginSeq = (loginSeq + 1) % 200
	return loginSeq + 1
}
