package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"botica/backend/internal/domain"
	"botica/backend/internal/service"
	"botica/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, 30)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

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
	if body["rol"] != domain.RoleAdmin {
		t.Fatalf("expected ADMIN role, got %v", body["rol"])
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
	token := loginAsAdmin(t, api)

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
	if body["productos"] == nil {
		t.Fatalf("expected productos key in response, got %v", body)
	}
}

func TestHandleSales_CreateAndCancel(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(map[string]any{
		"items": []map[string]any{
			{"producto_id": 6, "cantidad": 2, "precio_unitario": 25.00, "es_unidad": true},
		},
		"metodo_pago": "EFECTIVO",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var created struct {
		Sale domain.Sale `json:"venta"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if created.Sale.ID < 1 {
		t.Fatalf("expected sale id, got %+v", created.Sale)
	}
	if created.Sale.Total != domain.Money(5000) {
		t.Fatalf("expected total 50.00, got %s", created.Sale.Total)
	}
	if created.Sale.Status != domain.SaleStatusCompleted {
		t.Fatalf("expected COMPLETADO, got %s", created.Sale.Status)
	}

	cancelURL := "/api/v1/sales/" + strconv.FormatInt(created.Sale.ID, 10) + "/cancel"
	cancelReq := httptest.NewRequest(http.MethodPost, cancelURL, bytes.NewReader([]byte("{}")))
	cancelReq.Header.Set("Content-Type", "application/json")
	cancelReq.Header.Set("Authorization", "Bearer "+token)
	cancelReq.Header.Set("X-CSRF-Token", csrf)
	cancelRec := httptest.NewRecorder()

	handler.ServeHTTP(cancelRec, cancelReq)

	if cancelRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on cancel, got %d (body: %s)", cancelRec.Code, cancelRec.Body.String())
	}
	var cancelled struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(cancelRec.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("decode cancel response: %v", err)
	}
	if cancelled.Message == "" {
		t.Fatalf("expected confirmation message, got body %s", cancelRec.Body.String())
	}

	// Second cancel hits the already-cancelled guard.
	againReq := httptest.NewRequest(http.MethodPost, cancelURL, bytes.NewReader([]byte("{}")))
	againReq.Header.Set("Content-Type", "application/json")
	againReq.Header.Set("Authorization", "Bearer "+token)
	againReq.Header.Set("X-CSRF-Token", csrf)
	againRec := httptest.NewRecorder()

	handler.ServeHTTP(againRec, againReq)

	if againRec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on repeat cancel, got %d (body: %s)", againRec.Code, againRec.Body.String())
	}
}

func TestHandleDebtors_ReturnsBareArray(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/clients/debtors", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var debtors []domain.Client
	if err := json.NewDecoder(rec.Body).Decode(&debtors); err != nil {
		t.Fatalf("expected a top-level array of clients, got %s", rec.Body.String())
	}
}

func TestHandleSales_InsufficientStockConflict(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(map[string]any{
		"items": []map[string]any{
			{"producto_id": 6, "cantidad": 100000, "precio_unitario": 25.00, "es_unidad": true},
		},
		"metodo_pago": "EFECTIVO",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient stock, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleCashOpen_SecondOpenConflicts(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	open := func() *httptest.ResponseRecorder {
		payload, _ := json.Marshal(map[string]any{"monto_inicial": 100.00})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/cash/open", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-CSRF-Token", csrf)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := open(); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first open, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if rec := open(); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second open, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleCategories_CashierCannotMutate(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cajero", "cajero123")
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(map[string]string{"nombre": "Dermocosmética"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/categories", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier category create, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleAlertSummary(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts/summary?dias=400", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var summary domain.AlertSummary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.WindowDays != 365 {
		t.Fatalf("expected window capped at 365, got %d", summary.WindowDays)
	}
	if summary.ExpiringCount != len(summary.Expiring) {
		t.Fatalf("expiring count %d does not match list length %d", summary.ExpiringCount, len(summary.Expiring))
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
