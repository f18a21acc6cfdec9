package approval

import (
	"context"
	"errors"
	"sync"

	"guardrail/pkg/clock"
	"guardrail/pkg/models"
)

// Hard preconditions: every violation aborts the whole call. This is the
// opposite of the evaluator's soft verdict contract and is deliberate.
var (
	ErrApprovalNotRequired = errors.New("no active policy requiring approval")
	ErrRequestNotFound     = errors.New("approval request not found")
	ErrAlreadyExecuted     = errors.New("approval request already executed")
	ErrDuplicateApproval   = errors.New("caller already approved this request")
	ErrNotRequester        = errors.New("only the original requester may execute")
	ErrThresholdNotMet     = errors.New("approval threshold not met")
)

// PolicyReader is the slice of the policy store the workflow needs.
type PolicyReader interface {
	Get(ctx context.Context, resource string, op models.OpType) (models.Policy, bool, error)
}

type request struct {
	models.ApprovalRequest
	approvedBy map[string]struct{}
}

// Workflow tracks multi-signer certification requests. It gates and
// certifies only: executing a request marks it executed, nothing else
// happens here. Downstream callers must re-check Executed and that the
// approved amount and target match what they are about to perform.
type Workflow struct {
	policies PolicyReader
	clock    clock.Clock

	mu       sync.Mutex
	nextID   map[string]uint64
	requests map[string]map[uint64]*request
}

func New(policies PolicyReader, clk clock.Clock) *Workflow {
	if clk == nil {
		clk = clock.System{}
	}
	return &Workflow{
		policies: policies,
		clock:    clk,
		nextID:   map[string]uint64{},
		requests: map[string]map[uint64]*request{},
	}
}

// Request opens a new approval request and returns its per-resource id.
// Ids are sequential starting at 1.
func (w *Workflow) Request(ctx context.Context, resource, requester string, op models.OpType, amount uint64, target string) (uint64, error) {
	pol, ok, err := w.policies.Get(ctx, resource, op)
	if err != nil {
		return 0, err
	}
	if !ok || !pol.Active || !pol.RequiresApproval {
		return 0, ErrApprovalNotRequired
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID[resource]++
	id := w.nextID[resource]
	byID, ok := w.requests[resource]
	if !ok {
		byID = map[uint64]*request{}
		w.requests[resource] = byID
	}
	byID[id] = &request{
		ApprovalRequest: models.ApprovalRequest{
			ID:        id,
			Resource:  resource,
			Requester: requester,
			OpType:    op,
			Amount:    amount,
			Target:    target,
			CreatedAt: w.clock.Now(),
		},
		approvedBy: map[string]struct{}{},
	}
	return id, nil
}

// Approve records one distinct approver. Double-approval is a hard failure
// so caller mistakes surface instead of silently counting once.
func (w *Workflow) Approve(ctx context.Context, resource string, id uint64, approver string) (uint8, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, err := w.lookup(resource, id)
	if err != nil {
		return 0, err
	}
	if req.Executed {
		return req.Approvals, ErrAlreadyExecuted
	}
	if _, dup := req.approvedBy[approver]; dup {
		return req.Approvals, ErrDuplicateApproval
	}
	req.approvedBy[approver] = struct{}{}
	req.ApprovedBy = append(req.ApprovedBy, approver)
	req.Approvals++
	return req.Approvals, nil
}

// Execute finalizes the request. The threshold is read from the current
// policy, not snapshotted at request time: raising the threshold after the
// request was opened can make a previously sufficient count insufficient.
func (w *Workflow) Execute(ctx context.Context, resource string, id uint64, caller string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, err := w.lookup(resource, id)
	if err != nil {
		return err
	}
	if req.Executed {
		return ErrAlreadyExecuted
	}
	if caller != req.Requester {
		return ErrNotRequester
	}
	cur, ok, err := w.policies.Get(ctx, resource, req.OpType)
	if err != nil {
		return err
	}
	threshold := uint8(1)
	if ok {
		threshold = cur.ApprovalThreshold
		if threshold < 1 {
			threshold = 1
		}
	}
	if req.Approvals < threshold {
		return ErrThresholdNotMet
	}
	req.Executed = true
	return nil
}

// Get returns a copy of the request.
func (w *Workflow) Get(resource string, id uint64) (models.ApprovalRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, err := w.lookup(resource, id)
	if err != nil {
		return models.ApprovalRequest{}, false
	}
	return copyRequest(req), true
}

// List returns all requests for a resource in id order.
func (w *Workflow) List(resource string) []models.ApprovalRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	byID := w.requests[resource]
	out := make([]models.ApprovalRequest, 0, len(byID))
	for id := uint64(1); id <= w.nextID[resource]; id++ {
		if req, ok := byID[id]; ok {
			out = append(out, copyRequest(req))
		}
	}
	return out
}

func (w *Workflow) lookup(resource string, id uint64) (*request, error) {
	byID, ok := w.requests[resource]
	if !ok {
		return nil, ErrRequestNotFound
	}
	req, ok := byID[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return req, nil
}

func copyRequest(req *request) models.ApprovalRequest {
	out := req.ApprovalRequest
	out.ApprovedBy = append([]string(nil), req.ApprovedBy...)
	return out
}
