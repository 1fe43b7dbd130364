package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atmx/parimutuel/internal/api"
	"github.com/atmx/parimutuel/internal/auth"
	"github.com/atmx/parimutuel/internal/ledger"
	"github.com/atmx/parimutuel/internal/model"
	"github.com/atmx/parimutuel/internal/store"
)

func principal(b byte) model.ID {
	var id model.ID
	for i := range id {
		id[i] = b
	}
	return id
}

var (
	creator = principal(0xc0)
	alice   = principal(0xa1)
	bob     = principal(0xb0)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	router http.Handler
	clock  *testClock
}

// newTestEnv serves an in-memory ledger with signatures disabled, so the
// caller is named by header.
func newTestEnv(t *testing.T, faucet bool) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	l := ledger.New(store.NewMemoryStore(0), ledger.WithClock(clock.Now), ledger.WithLogger(logger))
	svc := api.NewService(l, nil, faucet, logger)
	router := api.NewRouter(svc, api.RouterConfig{
		Verifier:    auth.NewVerifier(false, time.Minute, nil, logger),
		CORSOrigins: []string{"*"},
	})
	return &testEnv{router: router, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, caller *model.ID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set(auth.HeaderCaller, caller.Hex())
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) fund(t *testing.T, account model.ID, amount string) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/accounts/"+account.Hex()+"/deposit", nil, map[string]string{"amount": amount})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func (e *testEnv) createMarket(t *testing.T, body map[string]any) api.MarketView {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/markets", &creator, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create market: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var v api.MarketView
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode market: %v", err)
	}
	return v
}

func (e *testEnv) bet(t *testing.T, market model.ID, bettor model.ID, side, amount string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/markets/"+market.Hex()+"/bet", &bettor,
		map[string]string{"side": side, "amount": amount})
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return body["code"]
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	if got := errorCode(t, w); got != code {
		t.Errorf("expected code %q, got %q", code, got)
	}
}

// --- Market lifecycle ---

func TestMarketLifecycle(t *testing.T) {
	e := newTestEnv(t, true)
	e.fund(t, alice, "100")
	e.fund(t, bob, "300")

	m := e.createMarket(t, map[string]any{"question": "Will it snow?", "expires_in_hours": 2})
	if m.Status != model.StatusOpen {
		t.Errorf("expected open market, got %s", m.Status)
	}
	if !m.EndTime.Equal(e.clock.Now().Add(2 * time.Hour)) {
		t.Errorf("expected end two hours out, got %s", m.EndTime)
	}

	if w := e.bet(t, m.ID, alice, "yes", "100"); w.Code != http.StatusOK {
		t.Fatalf("alice bet: %d %s", w.Code, w.Body.String())
	}
	w := e.bet(t, m.ID, bob, "NO", "300")
	if w.Code != http.StatusOK {
		t.Fatalf("bob bet: %d %s", w.Code, w.Body.String())
	}
	var rec model.BetRecord
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.NoAmount != 300 || rec.Bettor != bob {
		t.Errorf("unexpected record %+v", rec)
	}

	w = e.do(t, "GET", "/api/v1/markets/"+m.ID.Hex(), nil, nil)
	var view api.MarketView
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.TotalPool != 400 || view.Escrow != 400 {
		t.Errorf("expected total and escrow 400, got %d/%d", view.TotalPool, view.Escrow)
	}
	if view.ImpliedYes.String() != "0.25" || view.NoMultiplier.StringFixed(4) != "1.3333" {
		t.Errorf("unexpected odds: implied yes %s, no multiplier %s", view.ImpliedYes, view.NoMultiplier)
	}

	w = e.do(t, "POST", "/api/v1/markets/"+m.ID.Hex()+"/resolve", &creator, map[string]string{"outcome": "no"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.Status != model.StatusResolved || view.Outcome != model.OutcomeNo {
		t.Errorf("expected resolved NO, got %s/%s", view.Status, view.Outcome)
	}

	w = e.do(t, "POST", "/api/v1/markets/"+m.ID.Hex()+"/claim", &bob, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("claim: %d %s", w.Code, w.Body.String())
	}
	var claim api.ClaimResponse
	json.Unmarshal(w.Body.Bytes(), &claim)
	if claim.Payout != 400 {
		t.Errorf("expected payout 400, got %d", claim.Payout)
	}

	expectError(t, e.do(t, "POST", "/api/v1/markets/"+m.ID.Hex()+"/claim", &bob, nil),
		http.StatusConflict, "AlreadyClaimed")
	expectError(t, e.do(t, "POST", "/api/v1/markets/"+m.ID.Hex()+"/claim", &alice, nil),
		http.StatusUnprocessableEntity, "NothingToClaim")

	w = e.do(t, "GET", "/api/v1/accounts/"+bob.Hex(), nil, nil)
	var acct api.AccountResponse
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.Balance != 400 {
		t.Errorf("expected bob balance 400, got %d", acct.Balance)
	}
}

// --- Market creation ---

func TestCreateMarket_Validation(t *testing.T) {
	e := newTestEnv(t, false)

	w := e.do(t, "POST", "/api/v1/markets", nil, map[string]any{"question": "Q?"})
	expectError(t, w, http.StatusUnauthorized, "Unauthorized")

	w = e.do(t, "POST", "/api/v1/markets", &creator, map[string]any{"question": "  "})
	expectError(t, w, http.StatusBadRequest, "InvalidRequest")

	w = e.do(t, "POST", "/api/v1/markets", &creator, map[string]any{"question": strings.Repeat("x", model.MaxQuestionLen+1)})
	expectError(t, w, http.StatusBadRequest, "QuestionTooLong")

	w = e.do(t, "POST", "/api/v1/markets", &creator, map[string]any{
		"question":         "Q?",
		"end_time":         "2026-06-01T00:00:00Z",
		"expires_in_hours": 1,
	})
	expectError(t, w, http.StatusBadRequest, "InvalidRequest")

	for _, hours := range []float64{-1, 1e13, 100*365*24 + 1} {
		w = e.do(t, "POST", "/api/v1/markets", &creator, map[string]any{"question": "Q?", "expires_in_hours": hours})
		expectError(t, w, http.StatusBadRequest, "InvalidRequest")
	}

	w = e.do(t, "GET", "/api/v1/markets", nil, nil)
	var views []api.MarketView
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 0 {
		t.Errorf("rejected requests must not create markets, found %d", len(views))
	}
}

func TestCreateMarket_EndTime(t *testing.T) {
	e := newTestEnv(t, false)
	m := e.createMarket(t, map[string]any{"question": "Q?", "end_time": "2026-06-01T10:30:00Z"})
	if !m.EndTime.Equal(time.Date(2026, 6, 1, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("unexpected end time %s", m.EndTime)
	}
	if m.Creator != creator {
		t.Errorf("expected creator %s, got %s", creator, m.Creator)
	}
}

func TestListMarkets_StatusFilter(t *testing.T) {
	e := newTestEnv(t, false)
	e.createMarket(t, map[string]any{"question": "short", "expires_in_hours": 1})
	e.createMarket(t, map[string]any{"question": "long", "expires_in_hours": 48})
	e.clock.Advance(2 * time.Hour)

	w := e.do(t, "GET", "/api/v1/markets?status=open", nil, nil)
	var views []api.MarketView
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 1 || views[0].Question != "long" {
		t.Errorf("expected only the long market open, got %+v", views)
	}

	w = e.do(t, "GET", "/api/v1/markets?status=expired", nil, nil)
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 1 || views[0].Question != "short" {
		t.Errorf("expected only the short market expired, got %+v", views)
	}
}

// --- Betting ---

func TestPlaceBet_Errors(t *testing.T) {
	e := newTestEnv(t, true)
	e.fund(t, alice, "50")
	m := e.createMarket(t, map[string]any{"question": "Q?", "expires_in_hours": 1})

	expectError(t, e.bet(t, m.ID, alice, "maybe", "10"), http.StatusBadRequest, "InvalidSide")
	expectError(t, e.bet(t, m.ID, alice, "yes", "0"), http.StatusBadRequest, "InvalidAmount")
	expectError(t, e.bet(t, m.ID, alice, "yes", "-3"), http.StatusBadRequest, "InvalidAmount")
	expectError(t, e.bet(t, m.ID, alice, "yes", "51"), http.StatusUnprocessableEntity, "InsufficientFunds")
	expectError(t, e.bet(t, principal(0x09), alice, "yes", "5"), http.StatusNotFound, "MarketNotFound")

	w := e.do(t, "POST", "/api/v1/markets/not-hex/bet", &alice, map[string]string{"side": "yes", "amount": "1"})
	expectError(t, w, http.StatusBadRequest, "InvalidRequest")

	e.clock.Advance(time.Hour)
	expectError(t, e.bet(t, m.ID, alice, "yes", "5"), http.StatusConflict, "Ended")
}

func TestPlaceBet_NumericAmount(t *testing.T) {
	e := newTestEnv(t, true)
	e.fund(t, alice, "50")
	m := e.createMarket(t, map[string]any{"question": "Q?", "expires_in_hours": 1})

	w := e.do(t, "POST", "/api/v1/markets/"+m.ID.Hex()+"/bet", &alice, map[string]any{"side": "yes", "amount": 20})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetBet_Projection(t *testing.T) {
	e := newTestEnv(t, true)
	e.fund(t, alice, "100")
	e.fund(t, bob, "300")
	m := e.createMarket(t, map[string]any{"question": "Q?", "expires_in_hours": 1})
	e.bet(t, m.ID, alice, "yes", "100")
	e.bet(t, m.ID, bob, "no", "300")

	w := e.do(t, "GET", "/api/v1/markets/"+m.ID.Hex()+"/bets/"+alice.Hex(), nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var v api.BetView
	json.Unmarshal(w.Body.Bytes(), &v)
	if v.PayoutIfYes != 400 || v.PayoutIfNo != 0 {
		t.Errorf("expected projections 400/0, got %d/%d", v.PayoutIfYes, v.PayoutIfNo)
	}

	w = e.do(t, "GET", "/api/v1/markets/"+m.ID.Hex()+"/bets/"+creator.Hex(), nil, nil)
	expectError(t, w, http.StatusNotFound, "BetRecordNotFound")

	w = e.do(t, "GET", "/api/v1/markets/"+m.ID.Hex()+"/bets", nil, nil)
	var records []model.BetRecord
	json.Unmarshal(w.Body.Bytes(), &records)
	if len(records) != 2 {
		t.Errorf("expected 2 records, got %d", len(records))
	}
}

// --- Resolution ---

func TestResolve_Errors(t *testing.T) {
	e := newTestEnv(t, false)
	m := e.createMarket(t, map[string]any{"question": "Q?", "expires_in_hours": 1})
	path := "/api/v1/markets/" + m.ID.Hex() + "/resolve"

	expectError(t, e.do(t, "POST", path, &alice, map[string]string{"outcome": "yes"}),
		http.StatusForbidden, "NotEnded")
	expectError(t, e.do(t, "POST", path, &creator, map[string]string{"outcome": "2"}),
		http.StatusBadRequest, "InvalidOutcome")
	expectError(t, e.do(t, "POST", path, &creator, map[string]string{"outcome": "perhaps"}),
		http.StatusBadRequest, "InvalidOutcome")

	e.clock.Advance(time.Hour)
	if w := e.do(t, "POST", path, &alice, map[string]string{"outcome": "1"}); w.Code != http.StatusOK {
		t.Fatalf("anyone may resolve after the deadline: %d %s", w.Code, w.Body.String())
	}
	expectError(t, e.do(t, "POST", path, &creator, map[string]string{"outcome": "yes"}),
		http.StatusConflict, "Resolved")
	expectError(t, e.do(t, "POST", "/api/v1/markets/"+m.ID.Hex()+"/claim", &alice, nil),
		http.StatusNotFound, "BetRecordNotFound")
}

// --- Accounts ---

func TestDeposit_FaucetDisabled(t *testing.T) {
	e := newTestEnv(t, false)
	w := e.do(t, "POST", "/api/v1/accounts/"+alice.Hex()+"/deposit", nil, map[string]string{"amount": "10"})
	expectError(t, w, http.StatusForbidden, "FaucetDisabled")
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, false)
	w := e.do(t, "GET", "/health", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("unexpected health response %d %s", w.Code, w.Body.String())
	}
}
