package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"guardrail/pkg/approval"
	"guardrail/pkg/audit"
	"guardrail/pkg/auth"
	"guardrail/pkg/clock"
	"guardrail/pkg/engine"
	"guardrail/pkg/feeds"
	"guardrail/pkg/metrics"
	"guardrail/pkg/models"
	"guardrail/pkg/oracle"
	"guardrail/pkg/policy"
	"guardrail/pkg/registry"
	"guardrail/pkg/sentinel"
	"guardrail/pkg/store"
	"guardrail/pkg/stream"
)

type testServer struct {
	handler http.Handler
	srv     *Server
	clk     *clock.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC))

	policies := policy.NewMemoryStore()
	decisions := &memoryLog{sink: audit.NewMemorySink(256)}
	reg := metrics.NewRegistry()
	hub := stream.NewHub()

	notify := func(dec models.Decision) {
		reg.IncDecision(dec.Allowed, dec.Reason)
		_ = decisions.Append(nil, dec)
		hub.Publish(stream.DecisionEvent(dec))
	}
	eval := engine.New(policies, engine.WithClock(clk), engine.WithNotifier(notify))

	adapter := feeds.NewAdapter(clk, store.NewMemoryCache())
	seqSource := sentinel.NewStaticSource(0, clk.Now().Add(-2*time.Hour))
	seq, err := sentinel.New(seqSource, clk, time.Hour)
	if err != nil {
		t.Fatalf("sentinel: %v", err)
	}

	s := &Server{
		Policies:  policies,
		Engine:    eval,
		Approvals: approval.New(policies, clk),
		Registry:  registry.New(clk),
		Feeds:     adapter,
		Oracle:    oracle.New(adapter, clk),
		Sentinel:  seq,
		Decisions: decisions,
		Metrics:   reg,
		Hub:       hub,
		AuthMode:  "off",
	}
	r := chi.NewRouter()
	s.Routes(r, auth.Middleware("off", ""))
	return &testServer{handler: r, srv: s, clk: clk}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestEvaluateEndToEnd(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/policies", models.Policy{
		Resource:              "vault-1",
		OpType:                models.OpERC20Mint,
		Active:                true,
		MaxAmountPerOperation: 1000,
	})
	if rec.Code != 201 {
		t.Fatalf("create policy: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/v1/evaluate", engine.Request{
		Resource: "vault-1", Operator: "op-1", OpType: models.OpERC20Mint, Amount: 500,
	})
	if rec.Code != 200 {
		t.Fatalf("evaluate: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var dec models.Decision
	decodeBody(t, rec, &dec)
	if !dec.Allowed || dec.ID == "" {
		t.Fatalf("decision=%+v", dec)
	}

	rec = ts.do(t, http.MethodPost, "/v1/evaluate", engine.Request{
		Resource: "vault-1", Operator: "op-1", OpType: models.OpERC20Mint, Amount: 1001,
	})
	decodeBody(t, rec, &dec)
	if dec.Allowed || dec.Reason != models.ReasonExceedsMaxAmount {
		t.Fatalf("over-limit decision=%+v", dec)
	}

	// Both evaluations land in the decision log, newest first.
	rec = ts.do(t, http.MethodGet, "/v1/decisions?resource=vault-1", nil)
	var page struct {
		Items []models.Decision `json:"items"`
	}
	decodeBody(t, rec, &page)
	if len(page.Items) != 2 {
		t.Fatalf("decision log len=%d", len(page.Items))
	}
	if page.Items[0].Allowed || !page.Items[1].Allowed {
		t.Fatalf("decision order: %+v", page.Items)
	}
}

func TestEvaluateValidation(t *testing.T) {
	ts := newTestServer(t)
	cases := []engine.Request{
		{Operator: "op-1", OpType: models.OpERC20Mint},
		{Resource: "vault-1", OpType: models.OpERC20Mint},
		{Resource: "vault-1", Operator: "op-1"},
	}
	for i, req := range cases {
		if rec := ts.do(t, http.MethodPost, "/v1/evaluate", req); rec.Code != 400 {
			t.Fatalf("case %d: status=%d", i, rec.Code)
		}
	}
}

func TestEvaluateRejectsUnknownOpType(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v1/policies", models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint, Active: true, MaxAmountPerOperation: 100,
	})

	// A misspelled op type matches no policy; it must be rejected at the
	// boundary instead of passing as unrestricted.
	req := engine.Request{Resource: "vault-1", Operator: "op-1", OpType: "ERC20_MNIT", Amount: 1_000_000}
	if rec := ts.do(t, http.MethodPost, "/v1/evaluate", req); rec.Code != 400 {
		t.Fatalf("evaluate: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, "/v1/can-operate", req); rec.Code != 400 {
		t.Fatalf("can-operate: status=%d body=%s", rec.Code, rec.Body.String())
	}

	// The well-formed spelling still enforces the limit.
	req.OpType = models.OpERC20Mint
	rec := ts.do(t, http.MethodPost, "/v1/evaluate", req)
	var dec models.Decision
	decodeBody(t, rec, &dec)
	if dec.Allowed || dec.Reason != models.ReasonExceedsMaxAmount {
		t.Fatalf("decision=%+v", dec)
	}
}

func TestCanOperateDoesNotCommitOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v1/policies", models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint, Active: true, DailyLimit: 1000,
	})

	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, "/v1/can-operate", engine.Request{
			Resource: "vault-1", Operator: "op-1", OpType: models.OpERC20Mint, Amount: 900,
		})
		var dec models.Decision
		decodeBody(t, rec, &dec)
		if !dec.Allowed || !dec.DryRun {
			t.Fatalf("probe %d: %+v", i, dec)
		}
	}
	if rec := ts.do(t, http.MethodGet, "/v1/tracking/vault-1/op-1/erc20_mint", nil); rec.Code != 404 {
		t.Fatalf("probes must not create tracking state: status=%d", rec.Code)
	}
}

func TestPolicyCRUD(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(t, http.MethodGet, "/v1/policies/vault-1/ERC20_MINT", nil); rec.Code != 404 {
		t.Fatalf("missing policy: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/policies", models.Policy{Resource: "vault-1", OpType: "NOT_AN_OP"}); rec.Code != 400 {
		t.Fatalf("invalid op type: status=%d", rec.Code)
	}

	ts.do(t, http.MethodPost, "/v1/policies", models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint, Active: true, MaxAmountPerOperation: 1000,
	})

	// Path op types are case-insensitive.
	rec := ts.do(t, http.MethodGet, "/v1/policies/vault-1/erc20_mint", nil)
	if rec.Code != 200 {
		t.Fatalf("get: status=%d", rec.Code)
	}
	var pol models.Policy
	decodeBody(t, rec, &pol)
	if pol.MaxAmountPerOperation != 1000 {
		t.Fatalf("policy=%+v", pol)
	}

	rec = ts.do(t, http.MethodPut, "/v1/policies/vault-1/ERC20_MINT", models.Policy{
		Active: true, MaxAmountPerOperation: 2000,
	})
	if rec.Code != 200 {
		t.Fatalf("update: status=%d body=%s", rec.Code, rec.Body.String())
	}

	if rec := ts.do(t, http.MethodDelete, "/v1/policies/vault-1/ERC20_MINT", nil); rec.Code != 200 {
		t.Fatalf("deactivate: status=%d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/v1/policies/vault-1/ERC20_MINT", nil)
	decodeBody(t, rec, &pol)
	if pol.Active {
		t.Fatalf("policy must stay readable but inactive")
	}
	if rec := ts.do(t, http.MethodDelete, "/v1/policies/other/ERC20_MINT", nil); rec.Code != 404 {
		t.Fatalf("deactivate missing: status=%d", rec.Code)
	}
}

func TestWhitelistEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v1/policies", models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Transfer, Active: true, RequiresWhitelist: true,
	})

	eval := func() models.Decision {
		rec := ts.do(t, http.MethodPost, "/v1/evaluate", engine.Request{
			Resource: "vault-1", Operator: "op-1", OpType: models.OpERC20Transfer, Amount: 1, Target: "0xabc",
		})
		var dec models.Decision
		decodeBody(t, rec, &dec)
		return dec
	}

	if dec := eval(); dec.Allowed || dec.Reason != models.ReasonNotWhitelisted {
		t.Fatalf("before whitelist: %+v", dec)
	}
	rec := ts.do(t, http.MethodPost, "/v1/policies/vault-1/whitelist", map[string]string{"target": "0xabc", "action": "add"})
	if rec.Code != 200 {
		t.Fatalf("add: status=%d", rec.Code)
	}
	if dec := eval(); !dec.Allowed {
		t.Fatalf("after whitelist: %+v", dec)
	}
	ts.do(t, http.MethodPost, "/v1/policies/vault-1/whitelist", map[string]string{"target": "0xabc", "action": "remove"})
	if dec := eval(); dec.Allowed {
		t.Fatalf("after removal: %+v", dec)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/policies/vault-1/whitelist", map[string]string{"target": "x", "action": "purge"}); rec.Code != 400 {
		t.Fatalf("unknown action: status=%d", rec.Code)
	}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v1/policies", models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Burn, Active: true,
		RequiresApproval: true, ApprovalThreshold: 2,
	})

	rec := ts.do(t, http.MethodPost, "/v1/approvals", map[string]interface{}{
		"resource": "vault-1", "requester": "alice", "op_type": "ERC20_BURN", "amount": 100,
	})
	if rec.Code != 201 {
		t.Fatalf("request: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID uint64 `json:"id"`
	}
	decodeBody(t, rec, &created)
	if created.ID != 1 {
		t.Fatalf("first request id=%d", created.ID)
	}

	approve := func(approver string) *httptest.ResponseRecorder {
		return ts.do(t, http.MethodPost, fmt.Sprintf("/v1/approvals/vault-1/%d/approve", created.ID),
			map[string]string{"approver": approver})
	}

	// Below threshold the execute call conflicts.
	approve("signer-1")
	if rec := ts.do(t, http.MethodPost, "/v1/approvals/vault-1/1/execute", map[string]string{"caller": "alice"}); rec.Code != 409 {
		t.Fatalf("premature execute: status=%d", rec.Code)
	}
	if rec := approve("signer-1"); rec.Code != 409 {
		t.Fatalf("duplicate approval: status=%d", rec.Code)
	}
	if rec := approve("signer-2"); rec.Code != 200 {
		t.Fatalf("second approval: status=%d", rec.Code)
	}

	if rec := ts.do(t, http.MethodPost, "/v1/approvals/vault-1/1/execute", map[string]string{"caller": "mallory"}); rec.Code != 403 {
		t.Fatalf("non-requester execute: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/approvals/vault-1/1/execute", map[string]string{"caller": "alice"}); rec.Code != 200 {
		t.Fatalf("execute: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, "/v1/approvals/vault-1/1/execute", map[string]string{"caller": "alice"}); rec.Code != 409 {
		t.Fatalf("re-execute: status=%d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/approvals/vault-1/1", nil)
	var req models.ApprovalRequest
	decodeBody(t, rec, &req)
	if !req.Executed || req.Approvals != 2 {
		t.Fatalf("request=%+v", req)
	}
	if rec := ts.do(t, http.MethodGet, "/v1/approvals/vault-1/99", nil); rec.Code != 404 {
		t.Fatalf("missing request: status=%d", rec.Code)
	}

	// No approval requirement on the policy means no request can be opened.
	ts.do(t, http.MethodPost, "/v1/policies", models.Policy{
		Resource: "vault-2", OpType: models.OpERC20Burn, Active: true,
	})
	if rec := ts.do(t, http.MethodPost, "/v1/approvals", map[string]interface{}{
		"resource": "vault-2", "requester": "alice", "op_type": "ERC20_BURN", "amount": 1,
	}); rec.Code != 409 {
		t.Fatalf("not-required request: status=%d", rec.Code)
	}
}

func TestApprovalRequiresCallerInOffMode(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/approvals", map[string]interface{}{
		"resource": "vault-1", "op_type": "ERC20_BURN", "amount": 1,
	})
	if rec.Code != 400 {
		t.Fatalf("missing requester: status=%d", rec.Code)
	}
}

func TestPriceEndpoints(t *testing.T) {
	ts := newTestServer(t)
	now := ts.clk.Now()

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"answer":"230000000000","updated_at":%d}`, now.Unix())
	}))
	defer feed.Close()

	rec := ts.do(t, http.MethodPost, "/v1/feeds", models.PriceFeedConfig{
		Asset: "XAU", Endpoint: feed.URL, Decimals: 8, HeartbeatSeconds: 3600,
		Active: true, Category: models.CategoryPreciousMetal,
	})
	if rec.Code != 201 {
		t.Fatalf("register feed: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, "/v1/feeds", models.PriceFeedConfig{Asset: "XAG", Decimals: 8, HeartbeatSeconds: 3600}); rec.Code != 400 {
		t.Fatalf("feed without endpoint: status=%d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/prices/XAU", nil)
	if rec.Code != 200 {
		t.Fatalf("get price: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var quote models.PriceQuote
	decodeBody(t, rec, &quote)
	if quote.Price.String() != "2300000000000000000000" {
		t.Fatalf("price=%s want 2300e18", quote.Price)
	}
	if quote.ConfidenceBps != 10000 {
		t.Fatalf("confidence=%d", quote.ConfidenceBps)
	}

	if rec := ts.do(t, http.MethodGet, "/v1/prices/UNKNOWN", nil); rec.Code != 404 {
		t.Fatalf("unknown asset: status=%d", rec.Code)
	}

	// Staleness past heartbeat is a hard failure on GetPrice, a soft one on try.
	ts.clk.Advance(2 * time.Hour)
	rec = ts.do(t, http.MethodGet, "/v1/prices/XAU", nil)
	if rec.Code != 422 {
		t.Fatalf("stale price: status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodGet, "/v1/prices/XAU/try", nil)
	if rec.Code != 200 {
		t.Fatalf("try price: status=%d", rec.Code)
	}
	decodeBody(t, rec, &quote)
	if quote.Valid {
		t.Fatalf("stale try quote must be invalid: %+v", quote)
	}
	// The cached last good quote survives the staleness window.
	if rec := ts.do(t, http.MethodGet, "/v1/prices/XAU/last-good", nil); rec.Code != 200 {
		t.Fatalf("last good: status=%d", rec.Code)
	}

	rec = ts.do(t, http.MethodPatch, "/v1/feeds/XAU", map[string]interface{}{"active": false})
	if rec.Code != 200 {
		t.Fatalf("patch feed: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPatch, "/v1/feeds/MISSING", map[string]interface{}{"active": false}); rec.Code != 404 {
		t.Fatalf("patch missing feed: status=%d", rec.Code)
	}
}

func TestValuationEndpoint(t *testing.T) {
	ts := newTestServer(t)
	now := ts.clk.Now()

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"answer":"230000000000","updated_at":%d}`, now.Unix())
	}))
	defer feed.Close()
	ts.do(t, http.MethodPost, "/v1/feeds", models.PriceFeedConfig{
		Asset: "XAU", Endpoint: feed.URL, Decimals: 8, HeartbeatSeconds: 3600,
		Active: true, Category: models.CategoryPreciousMetal,
	})
	ts.do(t, http.MethodPost, "/v1/oracle/quality-discounts", map[string]interface{}{
		"category": "PRECIOUS_METAL", "grade": "LBMA", "bps": 0,
	})

	rec := ts.do(t, http.MethodPost, "/v1/valuations", map[string]interface{}{
		"asset": "XAU", "amount": "10000000000000000000", "grade": "LBMA",
	})
	if rec.Code != 200 {
		t.Fatalf("valuation: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var val oracle.Valuation
	decodeBody(t, rec, &val)
	if val.AdjustedValueUSD.String() != "23000" {
		t.Fatalf("usd=%s", val.AdjustedValueUSD)
	}

	if rec := ts.do(t, http.MethodPost, "/v1/valuations", map[string]interface{}{
		"asset": "XAU", "amount": "-5", "grade": "LBMA",
	}); rec.Code != 400 {
		t.Fatalf("negative amount: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/oracle/quality-discounts", map[string]interface{}{
		"category": "PRECIOUS_METAL", "grade": "SCRAP", "bps": 5001,
	}); rec.Code != 400 {
		t.Fatalf("discount over cap: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/oracle/age-rate", map[string]interface{}{"bps_per_day": 2001}); rec.Code != 400 {
		t.Fatalf("age rate over cap: status=%d", rec.Code)
	}
}

func TestSequencerEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/sequencer", nil)
	var status models.SequencerStatus
	decodeBody(t, rec, &status)
	if !status.LiquidationAllowed || !status.BorrowingAllowed {
		t.Fatalf("healthy sequencer: %+v", status)
	}

	if rec := ts.do(t, http.MethodPost, "/v1/sequencer/grace-period", map[string]interface{}{"seconds": 90000}); rec.Code != 400 {
		t.Fatalf("grace over 24h: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/sequencer/grace-period", map[string]interface{}{"seconds": 1800}); rec.Code != 200 {
		t.Fatalf("set grace: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/sequencer/active", map[string]interface{}{"active": false}); rec.Code != 200 {
		t.Fatalf("set active: status=%d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/v1/sequencer", nil)
	decodeBody(t, rec, &status)
	if status.Active {
		t.Fatalf("sentinel must report inactive: %+v", status)
	}
}

func TestRegistryEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/registry/resources", map[string]string{
		"resource": "vault-1", "kind": "commodity_vault", "engine": "engine-a",
	})
	if rec.Code != 201 {
		t.Fatalf("register resource: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/registry/resources", map[string]string{"kind": "x"}); rec.Code != 400 {
		t.Fatalf("missing resource: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/registry/policies", map[string]interface{}{
		"resource": "ghost", "op_type": "ERC20_MINT",
	}); rec.Code != 404 {
		t.Fatalf("policy for unknown resource: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/registry/policies", map[string]interface{}{
		"resource": "vault-1", "op_type": "ERC20_MNIT",
	}); rec.Code != 400 {
		t.Fatalf("policy for unknown op type: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/registry/policies", map[string]interface{}{
		"resource": "vault-1", "op_type": "ERC20_MINT", "engine": "engine-a",
	}); rec.Code != 201 {
		t.Fatalf("register policy: status=%d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/registry/resources?engine=engine-a", nil)
	var byEngine struct {
		Items []string `json:"items"`
	}
	decodeBody(t, rec, &byEngine)
	if len(byEngine.Items) != 1 || byEngine.Items[0] != "vault-1" {
		t.Fatalf("by engine: %+v", byEngine.Items)
	}

	rec = ts.do(t, http.MethodGet, "/v1/registry/resources/vault-1/operations", nil)
	var ops struct {
		Items []models.OpType `json:"items"`
	}
	decodeBody(t, rec, &ops)
	if len(ops.Items) != 1 || ops.Items[0] != models.OpERC20Mint {
		t.Fatalf("operations: %+v", ops.Items)
	}

	// Registry-level activation toggles are reversible.
	if rec := ts.do(t, http.MethodPost, "/v1/registry/policies/vault-1/erc20_mint/deactivate", nil); rec.Code != 200 {
		t.Fatalf("deactivate: status=%d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/v1/registry/policies/vault-1/ERC20_MINT", nil)
	var info registry.PolicyInfo
	decodeBody(t, rec, &info)
	if info.Active {
		t.Fatalf("registry policy must be inactive: %+v", info)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/registry/policies/vault-1/ERC20_MINT/reactivate", nil); rec.Code != 200 {
		t.Fatalf("reactivate: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/registry/policies/ghost/ERC20_MINT/deactivate", nil); rec.Code != 404 {
		t.Fatalf("deactivate unregistered: status=%d", rec.Code)
	}
}

func TestOpTypeEndpoints(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(t, http.MethodPost, "/v1/optypes", map[string]string{"name": "lower_case"}); rec.Code != 400 {
		t.Fatalf("bad name: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/optypes", map[string]string{"name": "CUSTODY_RELEASE"}); rec.Code != 201 {
		t.Fatalf("register: status=%d", rec.Code)
	}
	rec := ts.do(t, http.MethodGet, "/v1/optypes", nil)
	var list struct {
		Items []models.OpType `json:"items"`
	}
	decodeBody(t, rec, &list)
	found := false
	for _, op := range list.Items {
		if op == "CUSTODY_RELEASE" {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered op type missing from %v", list.Items)
	}
}
