package policy

import (
	"context"
	"errors"
	"strings"
	"sync"

	"guardrail/pkg/models"
)

var (
	ErrNotFound         = errors.New("policy not found")
	ErrInvalidPolicy    = errors.New("invalid policy")
	ErrInvalidThreshold = errors.New("approval threshold must be at least 1")
)

// Store holds policy configuration keyed by (resource, op type). Absent
// entries mean the operation is unrestricted; the evaluator relies on the
// ok=false return rather than a zero-value policy.
type Store interface {
	Get(ctx context.Context, resource string, op models.OpType) (models.Policy, bool, error)
	Put(ctx context.Context, p models.Policy) error
	SetApprovalRequirement(ctx context.Context, resource string, op models.OpType, required bool, threshold uint8) error
	Deactivate(ctx context.Context, resource string, op models.OpType) error
	List(ctx context.Context, resource string) ([]models.Policy, error)

	AddToWhitelist(ctx context.Context, resource, target string) error
	RemoveFromWhitelist(ctx context.Context, resource, target string) error
	IsWhitelisted(ctx context.Context, resource, target string) (bool, error)
}

// Validate applies the bounds every store implementation enforces on write.
func Validate(p models.Policy) error {
	if strings.TrimSpace(p.Resource) == "" {
		return ErrInvalidPolicy
	}
	if !p.OpType.Valid() {
		return ErrInvalidPolicy
	}
	if p.RequiresApproval && p.ApprovalThreshold < 1 {
		return ErrInvalidThreshold
	}
	if p.ActivationTime != 0 && p.ExpirationTime != 0 && p.ExpirationTime <= p.ActivationTime {
		return ErrInvalidPolicy
	}
	return nil
}

type policyKey struct {
	resource string
	op       models.OpType
}

// MemoryStore is the in-process implementation. Last write wins, entries
// are never physically removed.
type MemoryStore struct {
	mu        sync.RWMutex
	policies  map[policyKey]models.Policy
	whitelist map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies:  map[policyKey]models.Policy{},
		whitelist: map[string]map[string]struct{}{},
	}
}

func (s *MemoryStore) Get(ctx context.Context, resource string, op models.OpType) (models.Policy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[policyKey{resource, op}]
	return p, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, p models.Policy) error {
	if err := Validate(p); err != nil {
		return err
	}
	s.mu.Lock()
	s.policies[policyKey{p.Resource, p.OpType}] = p
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetApprovalRequirement(ctx context.Context, resource string, op models.OpType, required bool, threshold uint8) error {
	if required && threshold < 1 {
		return ErrInvalidThreshold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := policyKey{resource, op}
	p, ok := s.policies[key]
	if !ok {
		return ErrNotFound
	}
	p.RequiresApproval = required
	p.ApprovalThreshold = threshold
	s.policies[key] = p
	return nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, resource string, op models.OpType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := policyKey{resource, op}
	p, ok := s.policies[key]
	if !ok {
		return ErrNotFound
	}
	p.Active = false
	s.policies[key] = p
	return nil
}

func (s *MemoryStore) List(ctx context.Context, resource string) ([]models.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Policy, 0)
	for key, p := range s.policies {
		if key.resource == resource {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) AddToWhitelist(ctx context.Context, resource, target string) error {
	if target == "" {
		return ErrInvalidPolicy
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.whitelist[resource]
	if !ok {
		set = map[string]struct{}{}
		s.whitelist[resource] = set
	}
	set[target] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveFromWhitelist(ctx context.Context, resource, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.whitelist[resource]; ok {
		delete(set, target)
	}
	return nil
}

func (s *MemoryStore) IsWhitelisted(ctx context.Context, resource, target string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.whitelist[resource]
	if !ok {
		return false, nil
	}
	_, ok = set[target]
	return ok, nil
}
