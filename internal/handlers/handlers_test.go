package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"patternhub/api_credits/internal/cache"
	"patternhub/api_credits/internal/ledger"
	"patternhub/api_credits/internal/notify"
	"patternhub/api_credits/internal/quota"
	"patternhub/api_credits/internal/unlocks"
	"patternhub/api_credits/pkg/api/bursar"
	"patternhub/api_credits/pkg/logging"
	"patternhub/api_credits/pkg/monitoring"
)

func now() time.Time {
	return time.Now()
}

// recordingNotifier captures published events for assertions. Publish runs
// in a handler goroutine, so events arrive on a channel.
type recordingNotifier struct {
	events chan notify.Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(chan notify.Event, 8)}
}

func (n *recordingNotifier) Publish(_ context.Context, event notify.Event) {
	n.events <- event
}

func (n *recordingNotifier) next(t *testing.T) notify.Event {
	t.Helper()
	select {
	case event := <-n.events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
		return notify.Event{}
	}
}

type fixture struct {
	handlers *Handlers
	notifier *recordingNotifier
	mock     sqlmock.Sqlmock
	redis    *miniredis.Miniredis
	router   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := logging.NewLogger()
	mc := monitoring.NewMetricsCollector("bursar", "test", "none")
	metrics := NewMetrics(mc)
	notifier := newRecordingNotifier()

	h := NewHandlers(
		ledger.NewService(db, logger),
		unlocks.NewRegistry(db, logger),
		cache.New(client, logger).WithLookupCounter(metrics.CacheLookups),
		quota.NewLimiter(client, logger, map[string]int64{"free": 2}),
		notifier,
		logger,
		metrics,
	)

	router := gin.New()
	identity := func(c *gin.Context) {
		c.Set("user_id", "user-1")
		c.Set("role", "free")
	}
	user := router.Group("/", identity)
	service := router.Group("/")
	h.RegisterRoutes(user, service)

	return &fixture{handlers: h, notifier: notifier, mock: mock, redis: mr, router: router}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func expectSpendTx(mock sqlmock.Sqlmock, balance, cost int64) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance FROM credit_accounts").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(balance))
	mock.ExpectExec("UPDATE credit_accounts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_ledger").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestSpendCredits_Success(t *testing.T) {
	f := newFixture(t)

	// Seed a cached view that the spend must invalidate.
	f.redis.Set("users:unlocks:user-1", "stale")
	f.redis.Set("patterns:view:all", "stale")

	expectSpendTx(f.mock, 100, 60)
	f.mock.ExpectExec("INSERT INTO unlock_grants").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := f.do(t, http.MethodPost, "/credits/spend", bursar.SpendRequest{
		Scope:    "pattern",
		TargetID: "p-1",
		Cost:     60,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp bursar.SpendResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success || resp.NewBalance != 40 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Unlock == nil || resp.Unlock.Scope != "pattern" {
		t.Fatalf("expected unlock grant in response, got %+v", resp.Unlock)
	}

	if f.redis.Exists("users:unlocks:user-1") {
		t.Fatal("expected user unlocks cache to be invalidated")
	}
	if f.redis.Exists("patterns:view:all") {
		t.Fatal("expected pattern view cache to be invalidated")
	}

	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSpendCredits_PublishesSpendAndUnlockEvents(t *testing.T) {
	f := newFixture(t)

	expectSpendTx(f.mock, 100, 60)
	f.mock.ExpectExec("INSERT INTO unlock_grants").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := f.do(t, http.MethodPost, "/credits/spend", bursar.SpendRequest{
		Scope:    "pattern",
		TargetID: "p-1",
		Cost:     60,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	spent := f.notifier.next(t)
	if spent.Type != notify.EventCreditsSpent {
		t.Fatalf("expected %s first, got %s", notify.EventCreditsSpent, spent.Type)
	}
	if spent.Amount != 60 || spent.Balance != 40 {
		t.Fatalf("unexpected spend event: %+v", spent)
	}

	unlocked := f.notifier.next(t)
	if unlocked.Type != notify.EventUnlockCreated {
		t.Fatalf("expected %s second, got %s", notify.EventUnlockCreated, unlocked.Type)
	}
	if unlocked.Scope != "pattern" || unlocked.TargetID != "p-1" {
		t.Fatalf("unexpected unlock event: %+v", unlocked)
	}
}

func TestSpendCredits_InsufficientBalance(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT balance FROM credit_accounts").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(40))
	f.mock.ExpectRollback()

	w := f.do(t, http.MethodPost, "/credits/spend", bursar.SpendRequest{
		Scope:    "pattern",
		TargetID: "p-1",
		Cost:     50,
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var resp bursar.InsufficientCreditsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Success {
		t.Fatal("expected success=false")
	}
	if resp.Required != 50 || resp.Available != 40 {
		t.Fatalf("unexpected amounts: %+v", resp)
	}
	if resp.Error != "Insufficient credits. Required: 50, Available: 40" {
		t.Fatalf("unexpected error message: %q", resp.Error)
	}

	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSpendCredits_ValidationRejects(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		req  bursar.SpendRequest
	}{
		{"bad scope", bursar.SpendRequest{Scope: "bundle", TargetID: "p-1", Cost: 10}},
		{"missing target", bursar.SpendRequest{Scope: "pattern", Cost: 10}},
		{"non-positive cost", bursar.SpendRequest{Scope: "lifetime", Cost: -5}},
	}
	for _, tc := range cases {
		w := f.do(t, http.MethodPost, "/credits/spend", tc.req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, w.Code)
		}
	}
}

func TestSpendCredits_GrantFailureAfterCommit(t *testing.T) {
	f := newFixture(t)

	expectSpendTx(f.mock, 100, 60)
	f.mock.ExpectExec("INSERT INTO unlock_grants").
		WillReturnError(context.DeadlineExceeded)

	w := f.do(t, http.MethodPost, "/credits/spend", bursar.SpendRequest{
		Scope:    "pattern",
		TargetID: "p-1",
		Cost:     60,
	})

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}

	var resp bursar.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error == "" || resp.Error == "Failed to spend credits" {
		t.Fatalf("expected the distinct orphaned-spend message, got %q", resp.Error)
	}

	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetBalance(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery("SELECT user_id, balance").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "balance", "lifetime_earned", "lifetime_spent",
			"contribution_count", "tier", "badges", "created_at", "updated_at",
		}).AddRow("user-1", 340, 600, 260, 7, "silver", []byte(`["first_pattern"]`), now(), now()))

	w := f.do(t, http.MethodGet, "/credits/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp bursar.BalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Balance != 340 || resp.Tier != "silver" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.NextTierThreshold != 2000 {
		t.Fatalf("expected next threshold 2000, got %d", resp.NextTierThreshold)
	}

	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetUnlocks_CachesSecondRead(t *testing.T) {
	f := newFixture(t)

	rows := sqlmock.NewRows([]string{"scope", "target_id"}).
		AddRow("pattern", "p-1").
		AddRow("category", "go-concurrency")
	f.mock.ExpectQuery("SELECT scope, target_id FROM unlock_grants").
		WithArgs("user-1").
		WillReturnRows(rows)

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodGet, "/credits/unlocks", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("read %d: expected 200, got %d", i+1, w.Code)
		}

		var resp bursar.UnlocksResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("read %d: failed to decode response: %v", i+1, err)
		}
		if resp.HasLifetimeAccess {
			t.Fatalf("read %d: unexpected lifetime access", i+1)
		}
		if len(resp.Patterns) != 1 || resp.Patterns[0] != "p-1" {
			t.Fatalf("read %d: unexpected patterns: %v", i+1, resp.Patterns)
		}
	}

	// Only one database read expected; the second response came from cache.
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetLedger_Paginates(t *testing.T) {
	f := newFixture(t)

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "amount", "entry_type", "source", "metadata", "balance_after", "created_at",
	}).AddRow("e-2", "user-1", -60, "spend", "unlock_pattern", []byte(`{}`), 40, now()).
		AddRow("e-1", "user-1", 100, "earn", "pattern_approved", []byte(`{}`), 100, now())
	f.mock.ExpectQuery("SELECT id, user_id, amount").
		WithArgs("user-1", 10, 0).
		WillReturnRows(rows)
	f.mock.ExpectQuery("SELECT COUNT").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	w := f.do(t, http.MethodGet, "/credits/ledger?limit=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp bursar.LedgerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Entries) != 2 || resp.Total != 2 || resp.Limit != 10 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Entries[0].Amount != -60 {
		t.Fatalf("expected newest entry first, got %+v", resp.Entries[0])
	}

	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAwardCredits(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT balance, lifetime_earned FROM credit_accounts").
		WithArgs("user-2").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "lifetime_earned"}).AddRow(0, 450))
	f.mock.ExpectExec("UPDATE credit_accounts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO credit_ledger").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	w := f.do(t, http.MethodPost, "/credits/award", bursar.AwardRequest{
		UserID: "user-2",
		Amount: 100,
		Source: "pattern_approved",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp bursar.AwardResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.NewBalance != 100 || resp.Tier != "silver" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	event := f.notifier.next(t)
	if event.Type != notify.EventCreditsAwarded || event.Tier != "silver" {
		t.Fatalf("unexpected award event: %+v", event)
	}

	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQuotaMiddleware_DeniesOverLimit(t *testing.T) {
	f := newFixture(t)
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/ping", func(c *gin.Context) {
		c.Set("user_id", "user-1")
		c.Set("role", "free")
	}, f.handlers.QuotaMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// Fixture limit for role free is 2.
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("request %d: missing rate limit header", i+1)
		}
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected remaining 0, got %q", w.Header().Get("X-RateLimit-Remaining"))
	}
}
