package engine

import (
	"context"
	"testing"
	"time"

	"guardrail/pkg/clock"
	"guardrail/pkg/models"
	"guardrail/pkg/policy"
)

func newTestEvaluator(t *testing.T, pol models.Policy) (*Evaluator, *policy.MemoryStore, *clock.Fake) {
	t.Helper()
	store := policy.NewMemoryStore()
	if pol.Resource != "" {
		if err := store.Put(context.Background(), pol); err != nil {
			t.Fatalf("seed policy: %v", err)
		}
	}
	clk := clock.NewFake(time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC))
	return New(store, WithClock(clk)), store, clk
}

func req(amount uint64) Request {
	return Request{Resource: "vault-1", Operator: "op-1", OpType: models.OpERC20Mint, Amount: amount}
}

func mustEval(t *testing.T, e *Evaluator, r Request) models.Decision {
	t.Helper()
	dec, err := e.Evaluate(context.Background(), r)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return dec
}

func TestNoPolicyAllows(t *testing.T) {
	e, _, _ := newTestEvaluator(t, models.Policy{})
	dec := mustEval(t, e, req(1_000_000))
	if !dec.Allowed || dec.Reason != "" {
		t.Fatalf("absent policy must allow, got %+v", dec)
	}
}

func TestInactivePolicyAllows(t *testing.T) {
	e, _, _ := newTestEvaluator(t, models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint,
		Active: false, MaxAmountPerOperation: 1,
	})
	if dec := mustEval(t, e, req(100)); !dec.Allowed {
		t.Fatalf("inactive policy must allow, got %+v", dec)
	}
}

func TestMaxAmountBoundary(t *testing.T) {
	e, _, _ := newTestEvaluator(t, models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint,
		Active: true, MaxAmountPerOperation: 1000,
	})
	if dec := mustEval(t, e, req(1000)); !dec.Allowed {
		t.Fatalf("amount == max must be allowed, got %+v", dec)
	}
	dec := mustEval(t, e, req(1001))
	if dec.Allowed {
		t.Fatalf("amount > max must be denied")
	}
	if dec.Reason != models.ReasonExceedsMaxAmount {
		t.Fatalf("reason=%q want %q", dec.Reason, models.ReasonExceedsMaxAmount)
	}
}

func TestRequiresApprovalDeniesBeforeAmountChecks(t *testing.T) {
	e, _, _ := newTestEvaluator(t, models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint,
		Active: true, RequiresApproval: true, ApprovalThreshold: 2,
		MaxAmountPerOperation: 1,
	})
	dec := mustEval(t, e, req(1_000_000))
	if dec.Allowed {
		t.Fatalf("approval-gated op must be denied")
	}
	if dec.Reason != models.ReasonRequiresApproval {
		t.Fatalf("approval check must fire before amount check, reason=%q", dec.Reason)
	}
}

func TestCooldownBoundary(t *testing.T) {
	e, _, clk := newTestEvaluator(t, models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint,
		Active: true, CooldownSeconds: 3600,
	})
	if dec := mustEval(t, e, req(10)); !dec.Allowed {
		t.Fatalf("first operation must be allowed: %+v", dec)
	}
	clk.Advance(3599 * time.Second)
	dec := mustEval(t, e, req(10))
	if dec.Allowed || dec.Reason != models.ReasonCooldown {
		t.Fatalf("one second early must deny with cooldown, got %+v", dec)
	}
	clk.Advance(time.Second)
	if dec := mustEval(t, e, req(10)); !dec.Allowed {
		t.Fatalf("at exactly cooldown seconds the operation must be allowed: %+v", dec)
	}
}

func TestDeniedOperationDoesNotTouchCooldown(t *testing.T) {
	e, _, clk := newTestEvaluator(t, models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint,
		Active: true, MaxAmountPerOperation: 100, CooldownSeconds: 3600,
	})
	mustEval(t, e, req(50))
	clk.Advance(time.Hour)
	// Denied by amount; must not restart the cooldown window.
	if dec := mustEval(t, e, req(500)); dec.Allowed {
		t.Fatalf("oversized amount must deny")
	}
	if dec := mustEval(t, e, req(50)); !dec.Allowed {
		t.Fatalf("deny must not have committed tracking state: %+v", dec)
	}
}

func TestDailyLimitAndUTCReset(t *testing.T) {
	e, _, clk := newTestEvaluator(t, models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint,
		Active: true, DailyLimit: 2500,
	})
	if dec := mustEval(t, e, req(2000)); !dec.Allowed {
		t.Fatalf("first 2000 allowed: %+v", dec)
	}
	dec := mustEval(t, e, req(600))
	if dec.Allowed || dec.Reason != models.ReasonExceedsDaily {
		t.Fatalf("2600 total must exceed daily limit, got %+v", dec)
	}
	if dec := mustEval(t, e, req(500)); !dec.Allowed {
		t.Fatalf("exactly at the limit must be allowed: %+v", dec)
	}
	// 10:00 -> 00:30 next day crosses the UTC boundary.
	clk.Advance(14*time.Hour + 30*time.Minute)
	if dec := mustEval(t, e, req(2500)); !dec.Allowed {
		t.Fatalf("new UTC day must reset the accumulator: %+v", dec)
	}
}

func TestDailyWindowIsCalendarNotRolling(t *testing.T) {
	e, _, clk := newTestEvaluator(t, models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint,
		Active: true, DailyLimit: 100,
	})
	clk.Set(time.Date(2024, 4, 1, 23, 59, 0, 0, time.UTC))
	if dec := mustEval(t, e, req(100)); !dec.Allowed {
		t.Fatalf("first op allowed: %+v", dec)
	}
	clk.Advance(2 * time.Minute)
	// Two minutes later, but a new UTC day.
	if dec := mustEval(t, e, req(100)); !dec.Allowed {
		t.Fatalf("calendar-day window must reset at UTC midnight: %+v", dec)
	}
}

func TestWhitelist(t *testing.T) {
	e, store, _ := newTestEvaluator(t, models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint,
		Active: true, RequiresWhitelist: true,
	})
	r := req(10)
	r.Target = "0xabc"
	dec := mustEval(t, e, r)
	if dec.Allowed || dec.Reason != models.ReasonNotWhitelisted {
		t.Fatalf("unlisted target must deny, got %+v", dec)
	}
	if err := store.AddToWhitelist(context.Background(), "vault-1", "0xabc"); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	if dec := mustEval(t, e, r); !dec.Allowed {
		t.Fatalf("listed target must be allowed: %+v", dec)
	}
}

func TestActivationAndExpirationWindow(t *testing.T) {
	start := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	e, _, clk := newTestEvaluator(t, models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint,
		Active:         true,
		ActivationTime: start.Add(time.Hour).Unix(),
		ExpirationTime: start.Add(2 * time.Hour).Unix(),
	})
	dec := mustEval(t, e, req(10))
	if dec.Allowed || dec.Reason != models.ReasonNotYetActive {
		t.Fatalf("before activation must deny, got %+v", dec)
	}
	clk.Advance(time.Hour)
	if dec := mustEval(t, e, req(10)); !dec.Allowed {
		t.Fatalf("inside window must allow: %+v", dec)
	}
	clk.Advance(time.Hour)
	dec = mustEval(t, e, req(10))
	if dec.Allowed || dec.Reason != models.ReasonExpired {
		t.Fatalf("at expiration must deny, got %+v", dec)
	}
}

func TestCanOperateDoesNotCommit(t *testing.T) {
	e, _, _ := newTestEvaluator(t, models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint,
		Active: true, DailyLimit: 100, CooldownSeconds: 3600,
	})
	for i := 0; i < 5; i++ {
		dec, err := e.CanOperate(context.Background(), req(100))
		if err != nil {
			t.Fatalf("CanOperate: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("dry run %d must be allowed: %+v", i, dec)
		}
		if !dec.DryRun {
			t.Fatalf("CanOperate decisions must be flagged dry-run")
		}
	}
	if _, ok := e.Tracking("vault-1", "op-1", models.OpERC20Mint); ok {
		t.Fatalf("CanOperate must not create tracking state")
	}
	if dec := mustEval(t, e, req(100)); !dec.Allowed {
		t.Fatalf("live call after dry runs must still be allowed: %+v", dec)
	}
}

func TestTrackingIsPerOperator(t *testing.T) {
	e, _, _ := newTestEvaluator(t, models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint,
		Active: true, DailyLimit: 100,
	})
	a := req(100)
	b := req(100)
	b.Operator = "op-2"
	if dec := mustEval(t, e, a); !dec.Allowed {
		t.Fatalf("operator one: %+v", dec)
	}
	if dec := mustEval(t, e, b); !dec.Allowed {
		t.Fatalf("daily accumulators must be per operator: %+v", dec)
	}
	if dec := mustEval(t, e, a); dec.Allowed {
		t.Fatalf("operator one is at the limit and must deny")
	}
}

func TestNotifierSeesLiveDecisionsOnly(t *testing.T) {
	store := policy.NewMemoryStore()
	clk := clock.NewFake(time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC))
	var seen []models.Decision
	e := New(store, WithClock(clk), WithNotifier(func(d models.Decision) { seen = append(seen, d) }))

	mustEval(t, e, req(10))
	if _, err := e.CanOperate(context.Background(), req(10)); err != nil {
		t.Fatalf("CanOperate: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("notifier must fire for live evaluations only, saw %d", len(seen))
	}
	if seen[0].ID == "" {
		t.Fatalf("decision id must be set")
	}
}

// Mirrors the combined scenario: max 1000 per op, 2500 per day, one hour
// cooldown.
func TestCombinedLimitsScenario(t *testing.T) {
	e, _, clk := newTestEvaluator(t, models.Policy{
		Resource: "vault-1", OpType: models.OpERC20Mint,
		Active:                true,
		MaxAmountPerOperation: 1000,
		DailyLimit:            2500,
		CooldownSeconds:       3600,
	})

	if dec := mustEval(t, e, req(800)); !dec.Allowed {
		t.Fatalf("step 1: %+v", dec)
	}
	dec := mustEval(t, e, req(800))
	if dec.Allowed || dec.Reason != models.ReasonCooldown {
		t.Fatalf("step 2 expects cooldown deny, got %+v", dec)
	}
	clk.Advance(time.Hour)
	if dec := mustEval(t, e, req(1000)); !dec.Allowed {
		t.Fatalf("step 3: %+v", dec)
	}
	clk.Advance(time.Hour)
	dec = mustEval(t, e, req(1200))
	if dec.Allowed || dec.Reason != models.ReasonExceedsMaxAmount {
		t.Fatalf("step 4 expects per-op deny, got %+v", dec)
	}
	dec = mustEval(t, e, req(800))
	if dec.Allowed || dec.Reason != models.ReasonExceedsDaily {
		t.Fatalf("step 5 expects daily deny at 1800+800, got %+v", dec)
	}
	if dec := mustEval(t, e, req(700)); !dec.Allowed {
		t.Fatalf("step 6 exactly fills the daily limit: %+v", dec)
	}
	clk.Advance(24 * time.Hour)
	if dec := mustEval(t, e, req(1000)); !dec.Allowed {
		t.Fatalf("step 7 next day resets: %+v", dec)
	}
}
