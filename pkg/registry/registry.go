package registry

import (
	"errors"
	"sync"
	"time"

	"guardrail/pkg/clock"
	"guardrail/pkg/models"
)

var (
	ErrResourceNotFound = errors.New("resource not registered")
	ErrPolicyNotFound   = errors.New("policy not registered")
)

// ResourceInfo describes a registered resource for discovery.
type ResourceInfo struct {
	Resource     string    `json:"resource"`
	Kind         string    `json:"kind"`
	Engine       string    `json:"engine"`
	RegisteredAt time.Time `json:"registered_at"`
}

// PolicyInfo is registry-level metadata about a policy. Its Active flag is
// independent of the evaluator's own policy state; the two are not
// synchronized automatically.
type PolicyInfo struct {
	Resource     string        `json:"resource"`
	OpType       models.OpType `json:"op_type"`
	Engine       string        `json:"engine"`
	Active       bool          `json:"active"`
	RegisteredAt time.Time     `json:"registered_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type policyKey struct {
	resource string
	op       models.OpType
}

// Registry is a secondary index over resources and their policies. Pure
// bookkeeping for discovery and auditing, no enforcement.
type Registry struct {
	clock clock.Clock

	mu         sync.RWMutex
	resources  map[string]ResourceInfo
	order      []string
	byEngine   map[string][]string
	policies   map[policyKey]PolicyInfo
	operations map[string][]models.OpType
}

func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.System{}
	}
	return &Registry{
		clock:      clk,
		resources:  map[string]ResourceInfo{},
		byEngine:   map[string][]string{},
		policies:   map[policyKey]PolicyInfo{},
		operations: map[string][]models.OpType{},
	}
}

// RegisterResource records a resource. Re-registration updates kind and
// engine metadata without duplicating list entries.
func (r *Registry) RegisterResource(resource, kind, engine string) ResourceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, exists := r.resources[resource]
	if !exists {
		info = ResourceInfo{Resource: resource, RegisteredAt: r.clock.Now()}
		r.order = append(r.order, resource)
		r.byEngine[engine] = append(r.byEngine[engine], resource)
	} else if info.Engine != engine {
		r.byEngine[info.Engine] = removeString(r.byEngine[info.Engine], resource)
		r.byEngine[engine] = append(r.byEngine[engine], resource)
	}
	info.Kind = kind
	info.Engine = engine
	r.resources[resource] = info
	return info
}

// RegisterPolicy records that a policy exists for (resource, op type). The
// operation-type list is append-once: first registration appends, repeats
// update metadata only.
func (r *Registry) RegisterPolicy(resource string, op models.OpType, engine string) (PolicyInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resources[resource]; !ok {
		return PolicyInfo{}, ErrResourceNotFound
	}
	key := policyKey{resource, op}
	now := r.clock.Now()
	info, exists := r.policies[key]
	if !exists {
		info = PolicyInfo{Resource: resource, OpType: op, RegisteredAt: now}
		r.operations[resource] = append(r.operations[resource], op)
	}
	info.Engine = engine
	info.Active = true
	info.UpdatedAt = now
	r.policies[key] = info
	return info, nil
}

func (r *Registry) DeactivatePolicy(resource string, op models.OpType) error {
	return r.setPolicyActive(resource, op, false)
}

func (r *Registry) ReactivatePolicy(resource string, op models.OpType) error {
	return r.setPolicyActive(resource, op, true)
}

func (r *Registry) setPolicyActive(resource string, op models.OpType, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := policyKey{resource, op}
	info, ok := r.policies[key]
	if !ok {
		return ErrPolicyNotFound
	}
	info.Active = active
	info.UpdatedAt = r.clock.Now()
	r.policies[key] = info
	return nil
}

// Resources lists every registered resource in registration order.
func (r *Registry) Resources() []ResourceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ResourceInfo, 0, len(r.order))
	for _, res := range r.order {
		out = append(out, r.resources[res])
	}
	return out
}

// ResourcesByEngine lists resources registered under one engine.
func (r *Registry) ResourcesByEngine(engine string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byEngine[engine]...)
}

// Operations lists the operation types registered for a resource, in first
// registration order.
func (r *Registry) Operations(resource string) []models.OpType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.OpType(nil), r.operations[resource]...)
}

func (r *Registry) Policy(resource string, op models.OpType) (PolicyInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.policies[policyKey{resource, op}]
	return info, ok
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
