package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"guardrail/pkg/clock"
	"guardrail/pkg/models"
)

const lockStripes = 64

// PolicyReader is the slice of the policy store the evaluator needs.
type PolicyReader interface {
	Get(ctx context.Context, resource string, op models.OpType) (models.Policy, bool, error)
	IsWhitelisted(ctx context.Context, resource, target string) (bool, error)
}

// Request is one operation asking to proceed.
type Request struct {
	Resource string        `json:"resource"`
	Operator string        `json:"operator"`
	OpType   models.OpType `json:"op_type"`
	Amount   uint64        `json:"amount"`
	Target   string        `json:"target,omitempty"`
}

type trackKey struct {
	resource string
	operator string
	op       models.OpType
}

// Evaluator is the live policy decision point. It owns the per-key
// operation tracking state; Evaluate commits that state only when the
// operation is allowed. The evaluate-and-commit sequence for a given
// (resource, operator, op type) key runs under an exclusive striped lock,
// so two racing evaluations against the same key are strictly ordered.
type Evaluator struct {
	policies PolicyReader
	clock    clock.Clock
	notify   func(models.Decision)

	stripes [lockStripes]sync.Mutex

	mu       sync.RWMutex
	tracking map[trackKey]models.OperationTracking
}

type Option func(*Evaluator)

func WithClock(c clock.Clock) Option {
	return func(e *Evaluator) { e.clock = c }
}

// WithNotifier installs a hook invoked with every live (non dry-run)
// decision. Used for audit, metrics and event publication.
func WithNotifier(fn func(models.Decision)) Option {
	return func(e *Evaluator) { e.notify = fn }
}

func New(policies PolicyReader, opts ...Option) *Evaluator {
	e := &Evaluator{
		policies: policies,
		clock:    clock.System{},
		tracking: map[trackKey]models.OperationTracking{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) stripe(key trackKey) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.resource))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.operator))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.op))
	return &e.stripes[h.Sum32()%lockStripes]
}

// Evaluate runs the ordered checks and, on allow, commits tracking state.
// The verdict is a value; an error is returned only when the policy store
// itself fails.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (models.Decision, error) {
	key := trackKey{req.Resource, req.Operator, req.OpType}
	lock := e.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	dec, commit, err := e.check(ctx, req, key)
	if err != nil {
		return models.Decision{}, err
	}
	if dec.Allowed && commit != nil {
		e.mu.Lock()
		e.tracking[key] = *commit
		e.mu.Unlock()
	}
	if e.notify != nil {
		e.notify(dec)
	}
	return dec, nil
}

// CanOperate answers the same question without mutating anything. It is a
// pre-flight projection; the live Evaluate call remains the sole source of
// truth at the point of actual effect.
func (e *Evaluator) CanOperate(ctx context.Context, req Request) (models.Decision, error) {
	key := trackKey{req.Resource, req.Operator, req.OpType}
	dec, _, err := e.check(ctx, req, key)
	if err != nil {
		return models.Decision{}, err
	}
	dec.DryRun = true
	return dec, nil
}

// Tracking exposes the current rolling state for one key, for inspection.
func (e *Evaluator) Tracking(resource, operator string, op models.OpType) (models.OperationTracking, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tr, ok := e.tracking[trackKey{resource, operator, op}]
	return tr, ok
}

// check runs the ordered short-circuit checks. On allow it returns the
// tracking state the caller should commit; on deny the commit is nil and
// no state may change.
func (e *Evaluator) check(ctx context.Context, req Request, key trackKey) (models.Decision, *models.OperationTracking, error) {
	now := e.clock.Now()
	dec := models.Decision{
		ID:       uuid.New().String(),
		Resource: req.Resource,
		Operator: req.Operator,
		OpType:   req.OpType,
		Amount:   req.Amount,
		Target:   req.Target,
		At:       now,
	}

	pol, ok, err := e.policies.Get(ctx, req.Resource, req.OpType)
	if err != nil {
		return models.Decision{}, nil, err
	}
	if !ok || !pol.Active {
		dec.Allowed = true
		return dec, nil, nil
	}

	if pol.ActivationTime != 0 && now.Unix() < pol.ActivationTime {
		dec.Reason = models.ReasonNotYetActive
		return dec, nil, nil
	}
	if pol.ExpirationTime != 0 && now.Unix() >= pol.ExpirationTime {
		dec.Reason = models.ReasonExpired
		return dec, nil, nil
	}

	if pol.RequiresApproval {
		dec.Reason = models.ReasonRequiresApproval
		return dec, nil, nil
	}

	if pol.MaxAmountPerOperation > 0 && req.Amount > pol.MaxAmountPerOperation {
		dec.Reason = models.ReasonExceedsMaxAmount
		return dec, nil, nil
	}

	if pol.RequiresWhitelist {
		listed, err := e.policies.IsWhitelisted(ctx, req.Resource, req.Target)
		if err != nil {
			return models.Decision{}, nil, err
		}
		if !listed {
			dec.Reason = models.ReasonNotWhitelisted
			return dec, nil, nil
		}
	}

	e.mu.RLock()
	tr := e.tracking[key]
	e.mu.RUnlock()

	if pol.CooldownSeconds > 0 && !tr.LastOperationTime.IsZero() {
		readyAt := tr.LastOperationTime.Add(time.Duration(pol.CooldownSeconds) * time.Second)
		if now.Before(readyAt) {
			dec.Reason = models.ReasonCooldown
			return dec, nil, nil
		}
	}

	next := tr
	if pol.DailyLimit > 0 {
		total := tr.DailyTotal
		reset := tr.DailyResetTime
		if reset.IsZero() || clock.DayIndex(now) > clock.DayIndex(reset) {
			total = 0
			reset = clock.StartOfDay(now)
		}
		if total+req.Amount > pol.DailyLimit {
			dec.Reason = models.ReasonExceedsDaily
			return dec, nil, nil
		}
		next.DailyTotal = total + req.Amount
		next.DailyResetTime = reset
	}
	next.LastOperationTime = now

	dec.Allowed = true
	return dec, &next, nil
}
