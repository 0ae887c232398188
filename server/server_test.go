package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/kewi-labs-io/otc-agent-sub003/auth"
	"github.com/kewi-labs-io/otc-agent-sub003/chain"
	"github.com/kewi-labs-io/otc-agent-sub003/chain/memory"
	"github.com/kewi-labs-io/otc-agent-sub003/inventory"
	"github.com/kewi-labs-io/otc-agent-sub003/models"
	"github.com/kewi-labs-io/otc-agent-sub003/negotiation"
	"github.com/kewi-labs-io/otc-agent-sub003/oracle"
	"github.com/kewi-labs-io/otc-agent-sub003/quotes"
	"github.com/kewi-labs-io/otc-agent-sub003/settlement"
)

const jwtSecret = "server-test-jwt-secret"

type apiFixture struct {
	srv  *Server
	desk *memory.Ledger
	now  *time.Time

	agentToken    string
	approverToken string
	operatorToken string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	prices := oracle.NewPosted(0, 0)
	prices.SetNowFunc(clock)
	if err := prices.Post("0xtoken", 2*oracle.Usd8dUnit, "test"); err != nil {
		t.Fatalf("post token price: %v", err)
	}
	if err := prices.Post("ETH", 2000*oracle.Usd8dUnit, "test"); err != nil {
		t.Fatalf("post eth price: %v", err)
	}

	desk := memory.NewLedger(memory.Config{PayCurrency: "ETH", PayCurrencyDecimals: 18}, prices)
	desk.SetNowFunc(clock)

	repo := inventory.NewRepo(db)
	repo.SetNowFunc(clock)

	ledger := quotes.NewLedger(quotes.NewMemoryStore(), quotes.NewSigner([]byte("quote-secret")), time.Hour)
	ledger.SetNowFunc(clock)

	orch := settlement.NewOrchestrator(db, repo, ledger,
		map[string]chain.Adapter{"memory": desk},
		settlement.NewMetrics(prometheus.NewRegistry()), nil,
		settlement.Options{Prices: prices})
	orch.SetNowFunc(clock)

	verifier, err := auth.NewVerifier([]byte(jwtSecret), "desk", "desk-api")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	srv := New(Deps{
		DB:       db,
		Repo:     repo,
		Ledger:   ledger,
		Orch:     orch,
		Policy:   negotiation.DefaultPolicy(),
		Prices:   prices,
		Verifier: verifier,
	})

	f := &apiFixture{
		srv:           srv,
		desk:          desk,
		agentToken:    mintToken(t, "agent-7", auth.RoleAgent),
		approverToken: mintToken(t, "approver-1", auth.RoleApprover),
		operatorToken: mintToken(t, "operator-1", auth.RoleOperator),
	}
	f.now = &now
	return f
}

func mintToken(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	token, err := auth.Issue([]byte(jwtSecret), "desk", "desk-api", subject, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (f *apiFixture) do(t *testing.T, method, path, token, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (f *apiFixture) seedConsignment(t *testing.T) string {
	t.Helper()
	f.desk.Credit("0xtoken", "seller-1", 5_000_000_000)
	rec := f.do(t, http.MethodPost, "/api/v1/consignments", f.operatorToken, `{
		"chain": "memory",
		"tokenId": "0xtoken",
		"tokenDecimals": 6,
		"consigner": "seller-1",
		"amount": 5000000000,
		"isNegotiable": false,
		"fixedDiscountBps": 1000,
		"fixedLockupDays": 180
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create consignment: %d %s", rec.Code, rec.Body.String())
	}
	var cons models.Consignment
	decodeInto(t, rec, &cons)
	return cons.ID.String()
}

func TestHealthzIsOpen(t *testing.T) {
	f := newAPIFixture(t)
	if rec := f.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	f := newAPIFixture(t)
	if rec := f.do(t, http.MethodPost, "/api/v1/quotes", "", `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request = %d", rec.Code)
	}
}

func TestRoleBoundaries(t *testing.T) {
	f := newAPIFixture(t)
	if rec := f.do(t, http.MethodPost, "/api/v1/consignments", f.agentToken, `{}`); rec.Code != http.StatusForbidden {
		t.Fatalf("agent creating consignment = %d, want 403", rec.Code)
	}
	dealID := uuid.NewString()
	if rec := f.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/approve", f.agentToken, `{}`); rec.Code != http.StatusForbidden {
		t.Fatalf("agent approving deal = %d, want 403", rec.Code)
	}
}

func TestCreateQuoteRejectsBadBody(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/quotes", f.agentToken, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body = %d", rec.Code)
	}
	var body map[string]any
	decodeInto(t, rec, &body)
	if body["kind"] != "validation" {
		t.Fatalf("kind = %v", body["kind"])
	}
}

func TestUnknownDealIsNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/deals/"+uuid.NewString(), f.agentToken, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown deal = %d", rec.Code)
	}
}

func TestQuoteToClaimOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	f.seedConsignment(t)

	rec := f.do(t, http.MethodPost, "/api/v1/quotes", f.agentToken, `{
		"entityId": "entity-1",
		"beneficiary": "buyer-1",
		"tokenId": "0xtoken",
		"chain": "memory",
		"tokenAmount": "1000000000"
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create quote: %d %s", rec.Code, rec.Body.String())
	}
	var quote quotes.Quote
	decodeInto(t, rec, &quote)
	if quote.DiscountBps != 1000 || quote.LockupDays != 180 {
		t.Fatalf("non-negotiable consignment terms not applied: %d bps / %d days", quote.DiscountBps, quote.LockupDays)
	}
	if quote.Signature == "" {
		t.Fatalf("quote must be signed")
	}
	// 1000 tokens at 2 USD with 10% off.
	if quote.TotalUsd != "2000" || quote.DiscountedUsd != "1800" {
		t.Fatalf("usd estimates = %q / %q", quote.TotalUsd, quote.DiscountedUsd)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/quotes/"+quote.QuoteID+"/verify", f.agentToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("verify quote: %d %s", rec.Code, rec.Body.String())
	}

	// Active lookup returns the same quote.
	rec = f.do(t, http.MethodGet, "/api/v1/quotes/active?entity=entity-1", f.agentToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("active quote: %d", rec.Code)
	}
	var active quotes.Quote
	decodeInto(t, rec, &active)
	if active.QuoteID != quote.QuoteID {
		t.Fatalf("active quote id = %s, want %s", active.QuoteID, quote.QuoteID)
	}

	// Agents cannot approve quotes.
	rec = f.do(t, http.MethodPost, "/api/v1/quotes/"+quote.QuoteID+"/status", f.agentToken, `{"status":"approved"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("agent approving quote = %d, want 403", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/quotes/"+quote.QuoteID+"/status", f.approverToken, `{"status":"approved","evidence":"desk sign-off"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve quote: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/deals", f.agentToken, fmt.Sprintf(`{"quoteId":%q}`, quote.QuoteID))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create deal: %d %s", rec.Code, rec.Body.String())
	}
	var deal models.Deal
	decodeInto(t, rec, &deal)
	if deal.State != models.DealPending {
		t.Fatalf("deal state = %s", deal.State)
	}
	dealPath := "/api/v1/deals/" + deal.ID.String()

	rec = f.do(t, http.MethodPost, dealPath+"/approve", f.approverToken, `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve deal: %d %s", rec.Code, rec.Body.String())
	}

	f.desk.Credit("ETH", "buyer-1", 1_000_000_000_000_000_000)
	rec = f.do(t, http.MethodPost, dealPath+"/fulfill", f.agentToken, `{"payer":"buyer-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("fulfill deal: %d %s", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &deal)
	if deal.State != models.DealFulfilled {
		t.Fatalf("deal state = %s", deal.State)
	}
	if deal.PaidAmount != 900_000_000_000_000_000 {
		t.Fatalf("paid = %d wei", deal.PaidAmount)
	}

	// Claiming during the lockup is a conflict.
	rec = f.do(t, http.MethodPost, dealPath+"/claim", f.agentToken, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("locked claim = %d, want 409", rec.Code)
	}

	*f.now = f.now.Add(181 * 24 * time.Hour)
	rec = f.do(t, http.MethodPost, dealPath+"/claim", f.agentToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("claim: %d %s", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &deal)
	if deal.State != models.DealClaimed {
		t.Fatalf("deal state = %s", deal.State)
	}
}

func TestCancelReleasesDealOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	f.seedConsignment(t)

	rec := f.do(t, http.MethodPost, "/api/v1/quotes", f.agentToken, `{
		"entityId": "entity-1",
		"beneficiary": "buyer-1",
		"tokenId": "0xtoken",
		"chain": "memory",
		"tokenAmount": "1000000000"
	}`)
	var quote quotes.Quote
	decodeInto(t, rec, &quote)
	f.do(t, http.MethodPost, "/api/v1/quotes/"+quote.QuoteID+"/status", f.approverToken, `{"status":"approved"}`)
	rec = f.do(t, http.MethodPost, "/api/v1/deals", f.agentToken, fmt.Sprintf(`{"quoteId":%q}`, quote.QuoteID))
	var deal models.Deal
	decodeInto(t, rec, &deal)

	rec = f.do(t, http.MethodPost, "/api/v1/deals/"+deal.ID.String()+"/cancel", f.approverToken, `{"reason":"buyer walked"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &deal)
	if deal.State != models.DealCancelled || deal.CancelReason != "buyer walked" {
		t.Fatalf("deal after cancel = %s %q", deal.State, deal.CancelReason)
	}

	// Approving a cancelled deal is a conflict.
	rec = f.do(t, http.MethodPost, "/api/v1/deals/"+deal.ID.String()+"/approve", f.approverToken, `{}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("approve after cancel = %d, want 409", rec.Code)
	}
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	f := newAPIFixture(t)
	f.seedConsignment(t)

	rec := f.do(t, http.MethodPost, "/api/v1/quotes", f.agentToken, `{
		"entityId": "entity-1",
		"beneficiary": "buyer-1",
		"tokenId": "0xtoken",
		"chain": "memory",
		"tokenAmount": "1000000000"
	}`)
	var quote quotes.Quote
	decodeInto(t, rec, &quote)
	f.do(t, http.MethodPost, "/api/v1/quotes/"+quote.QuoteID+"/status", f.approverToken, `{"status":"approved"}`)

	body := fmt.Sprintf(`{"quoteId":%q}`, quote.QuoteID)
	first := f.do(t, http.MethodPost, "/api/v1/deals", f.agentToken, body, "Idempotency-Key", "deal-req-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("first create: %d %s", first.Code, first.Body.String())
	}
	second := f.do(t, http.MethodPost, "/api/v1/deals", f.agentToken, body, "Idempotency-Key", "deal-req-1")
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status = %d", second.Code)
	}
	if !strings.Contains(second.Body.String(), extractDealID(t, first)) {
		t.Fatalf("replay must return the original deal")
	}

	// Without the key, a second execution is rejected by the quote state machine.
	third := f.do(t, http.MethodPost, "/api/v1/deals", f.agentToken, body)
	if third.Code != http.StatusConflict {
		t.Fatalf("duplicate execution = %d, want 409", third.Code)
	}
}

func extractDealID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var deal models.Deal
	decodeInto(t, rec, &deal)
	return deal.ID.String()
}
