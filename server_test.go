package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/ge_backend/config"
	"bitbucket.org/mmdatafocus/ge_backend/models"
	"bitbucket.org/mmdatafocus/ge_backend/utils"
)

type testUser struct {
	id    int
	name  string
	roles []string
}

var (
	userRequester   = testUser{1, "Aye Aye", []string{"Requester"}}
	userManager     = testUser{2, "Ko Ko", []string{"Manager"}}
	userSenior      = testUser{3, "Daw Hla", []string{"SeniorApprover"}}
	userClerk       = testUser{5, "Mya Mya", []string{"FinanceClerk"}}
	userFinApprover = testUser{6, "Zaw Zaw", []string{"FinanceApprover"}}
	userProcessor   = testUser{7, "Thida", []string{"PaymentProcessor"}}
	userBudget      = testUser{8, "Budget Office", []string{"BudgetOfficer"}}
)

func setupServer(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := filepath.Join(t.TempDir(), "server.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), config.GormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	config.UseDB(db)
	config.UseRedis(nil)
	config.SetApprovalPolicy(&config.ApprovalPolicy{
		ExecutiveThreshold:   decimal.NewFromInt(50000),
		QuoteThreshold:       decimal.NewFromInt(10000),
		QuotesAboveThreshold: 3,
	})
	if err := models.MigrateTable(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		config.SetApprovalPolicy(nil)
		config.UseDB(nil)
		_ = sqlDB.Close()
	})
	return newRouter(config.GetLogger())
}

func call(t *testing.T, r *gin.Engine, u testUser, method, path string, body interface{}, headers ...string) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if u.id != 0 {
		token, err := utils.JwtGenerate(u.id, u.name, u.roles)
		if err != nil {
			t.Fatalf("JwtGenerate: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	out := map[string]interface{}{}
	if w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return w.Code, out
}

func mustCall(t *testing.T, r *gin.Engine, u testUser, want int, method, path string, body interface{}, headers ...string) map[string]interface{} {
	t.Helper()
	code, out := call(t, r, u, method, path, body, headers...)
	if code != want {
		t.Fatalf("%s %s: expected %d, got %d (%v)", method, path, want, code, out)
	}
	return out
}

func idOf(t *testing.T, out map[string]interface{}) int {
	t.Helper()
	id, ok := out["id"].(float64)
	if !ok {
		t.Fatalf("response has no id: %v", out)
	}
	return int(id)
}

func amountOf(t *testing.T, out map[string]interface{}, field string) decimal.Decimal {
	t.Helper()
	raw := fmt.Sprint(out[field])
	d, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("%s: not a decimal: %q", field, raw)
	}
	return d
}

func createLine(t *testing.T, r *gin.Engine, original string) int {
	t.Helper()
	out := mustCall(t, r, userBudget, http.StatusCreated, http.MethodPost, "/api/budget-lines", gin.H{
		"cost_centre_id":  "CC-OPS",
		"fiscal_year":     2026,
		"line_code":       "GL-" + original,
		"original_amount": original,
	})
	return idOf(t, out)
}

func approvedRequest(t *testing.T, r *gin.Engine, lineId int, amount string) int {
	t.Helper()
	req := mustCall(t, r, userRequester, http.StatusCreated, http.MethodPost, "/api/ge-requests", gin.H{
		"budget_line_id": lineId,
		"request_type":   "Travel",
		"title":          "Site visit to Mandalay",
		"amount":         amount,
	})
	id := idOf(t, req)
	mustCall(t, r, userRequester, http.StatusOK, http.MethodPost, fmt.Sprintf("/api/ge-requests/%d/submit", id), nil)
	mustCall(t, r, userManager, http.StatusOK, http.MethodPost, fmt.Sprintf("/api/ge-requests/%d/decisions", id), gin.H{"decision": "Approve"})
	return id
}

func TestHTTPRequestToPayment(t *testing.T) {
	r := setupServer(t)
	lineId := createLine(t, r, "500000")
	reqId := approvedRequest(t, r, lineId, "4800")

	final := mustCall(t, r, userSenior, http.StatusOK, http.MethodPost, fmt.Sprintf("/api/ge-requests/%d/decisions", reqId), gin.H{"decision": "Approve"})
	if final["status"] != "Approved" {
		t.Fatalf("expected Approved, got %v", final["status"])
	}

	commitment := mustCall(t, r, userClerk, http.StatusOK, http.MethodGet, fmt.Sprintf("/api/ge-requests/%d/commitment", reqId), nil)
	commitmentId := idOf(t, commitment)
	if code, _ := call(t, r, userFinApprover, http.MethodPost, fmt.Sprintf("/api/ge-requests/%d/commitment", reqId), nil); code != http.StatusConflict {
		t.Fatalf("second commitment: expected 409, got %d", code)
	}

	line := mustCall(t, r, userBudget, http.StatusOK, http.MethodGet, fmt.Sprintf("/api/budget-lines/%d", lineId), nil)
	if got := amountOf(t, line, "committed_amount"); !got.Equal(decimal.NewFromInt(4800)) {
		t.Fatalf("committed after commitment: expected 4800, got %s", got)
	}

	voucherBody := gin.H{
		"payee":          "Golden Travels",
		"amount":         "4800",
		"payment_method": "EFT",
		"bank_name":      "KBZ",
		"account_number": "0012345678",
	}
	path := fmt.Sprintf("/api/commitments/%d/vouchers", commitmentId)
	voucher := mustCall(t, r, userClerk, http.StatusCreated, http.MethodPost, path, voucherBody, "Idempotency-Key", "pv-1")
	voucherId := idOf(t, voucher)
	again := mustCall(t, r, userClerk, http.StatusCreated, http.MethodPost, path, voucherBody, "Idempotency-Key", "pv-1")
	if idOf(t, again) != voucherId {
		t.Fatalf("idempotent retry created a second voucher")
	}

	mustCall(t, r, userFinApprover, http.StatusOK, http.MethodPost, fmt.Sprintf("/api/vouchers/%d/approve", voucherId), nil)
	paid := mustCall(t, r, userProcessor, http.StatusOK, http.MethodPost, fmt.Sprintf("/api/vouchers/%d/process", voucherId), gin.H{"bank_reference": "TRX-1"})
	if paid["status"] != "Paid" {
		t.Fatalf("expected Paid, got %v", paid["status"])
	}

	commitment = mustCall(t, r, userClerk, http.StatusOK, http.MethodGet, fmt.Sprintf("/api/commitments/%d", commitmentId), nil)
	if commitment["status"] != "Closed" {
		t.Fatalf("expected Closed commitment, got %v", commitment["status"])
	}
	line = mustCall(t, r, userBudget, http.StatusOK, http.MethodGet, fmt.Sprintf("/api/budget-lines/%d", lineId), nil)
	if got := amountOf(t, line, "expended_amount"); !got.Equal(decimal.NewFromInt(4800)) {
		t.Fatalf("expended: expected 4800, got %s", got)
	}
	if got := amountOf(t, line, "available_amount"); !got.Equal(decimal.NewFromInt(495200)) {
		t.Fatalf("available: expected 495200, got %s", got)
	}

	code, _ := call(t, r, userProcessor, http.MethodPost, fmt.Sprintf("/api/vouchers/%d/process", voucherId), gin.H{"bank_reference": "TRX-2"})
	if code != http.StatusConflict {
		t.Fatalf("second process: expected 409, got %d", code)
	}

	report := mustCall(t, r, userBudget, http.StatusOK, http.MethodPost, "/internal/ops/reconcile", nil)
	if report["drift_count"] != float64(0) {
		t.Fatalf("expected a clean ledger, got %v", report)
	}
}

func TestHTTPAutoDenyCarriesRequest(t *testing.T) {
	r := setupServer(t)
	lineId := createLine(t, r, "2000")
	reqId := approvedRequest(t, r, lineId, "4800")

	code, out := call(t, r, userSenior, http.MethodPost, fmt.Sprintf("/api/ge-requests/%d/decisions", reqId), gin.H{"decision": "Approve"})
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%v)", code, out)
	}
	if out["code"] != models.ErrorCodeInsufficientBudget {
		t.Fatalf("expected %s, got %v", models.ErrorCodeInsufficientBudget, out["code"])
	}
	req, ok := out["ge_request"].(map[string]interface{})
	if !ok || req["status"] != "Denied" {
		t.Fatalf("expected denied request in body, got %v", out["ge_request"])
	}
}

func TestHTTPAuthAndRouting(t *testing.T) {
	r := setupServer(t)

	if code, _ := call(t, r, testUser{}, http.MethodGet, "/api/budget-lines", nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", code)
	}
	if code, _ := call(t, r, userRequester, http.MethodPost, "/internal/ops/reconcile", nil); code != http.StatusForbidden {
		t.Fatalf("requester on ops: expected 403, got %d", code)
	}
	if code, _ := call(t, r, userRequester, http.MethodGet, "/api/ge-requests/abc", nil); code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", code)
	}
	if code, out := call(t, r, userRequester, http.MethodGet, "/api/ge-requests/999", nil); code != http.StatusNotFound || out["code"] != "NOT_FOUND" {
		t.Fatalf("missing request: expected 404 NOT_FOUND, got %d %v", code, out)
	}
	if code, _ := call(t, r, userRequester, http.MethodGet, "/nowhere", nil); code != http.StatusNotFound {
		t.Fatalf("unknown route: expected 404, got %d", code)
	}
	if code, out := call(t, r, userRequester, http.MethodPost, "/api/budget-lines", gin.H{"cost_centre_id": "CC", "fiscal_year": 2026, "line_code": "X", "original_amount": "10"}); code != http.StatusConflict {
		t.Fatalf("requester creating a budget line: expected 409, got %d %v", code, out)
	}
}

func TestErrorBody(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   interface{}
	}{
		{&models.ValidationError{Field: "amount", Message: "must be positive"}, http.StatusBadRequest, models.ErrorCodeValidation},
		{utils.ErrorRecordNotFound, http.StatusNotFound, "NOT_FOUND"},
		{&models.InvalidTransitionError{Entity: "GERequest", From: "Denied", Action: "Approve"}, http.StatusConflict, models.ErrorCodeInvalidTransition},
		{&models.InsufficientBudgetError{BudgetLineId: 1}, http.StatusUnprocessableEntity, models.ErrorCodeInsufficientBudget},
		{&models.InsufficientCommitmentBalanceError{CommitmentId: 1}, http.StatusUnprocessableEntity, models.ErrorCodeInsufficientCommitmentBalance},
		{&models.InconsistentLedgerError{Entity: "BudgetLine"}, http.StatusInternalServerError, models.ErrorCodeInconsistentLedger},
		{errors.New("boom"), http.StatusInternalServerError, nil},
	}
	for _, tc := range cases {
		status, body := errorBody(fmt.Errorf("wrapped: %w", tc.err))
		if status != tc.status {
			t.Fatalf("%T: expected status %d, got %d", tc.err, tc.status, status)
		}
		if body["code"] != tc.code {
			t.Fatalf("%T: expected code %v, got %v", tc.err, tc.code, body["code"])
		}
	}
}

func TestRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(func() *redis.Client { return client }, 2, time.Minute)
	r := gin.New()
	r.Use(rl.RateLimitMiddleware)
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for i := 1; i <= 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		want := http.StatusNoContent
		if i == 3 {
			want = http.StatusTooManyRequests
		}
		if w.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, w.Code)
		}
	}

	off := NewRateLimiter(func() *redis.Client { return nil }, 1, time.Minute)
	r = gin.New()
	r.Use(off.RateLimitMiddleware)
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		if w.Code != http.StatusNoContent {
			t.Fatalf("without redis: expected pass-through, got %d", w.Code)
		}
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" https://a.example , ,https://b.example")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", got)
	}
	if splitAndTrim("  ") != nil {
		t.Fatalf("blank input should yield nil")
	}
}
