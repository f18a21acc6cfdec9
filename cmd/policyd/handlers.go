package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"guardrail/pkg/approval"
	"guardrail/pkg/audit"
	"guardrail/pkg/auth"
	"guardrail/pkg/engine"
	"guardrail/pkg/feeds"
	"guardrail/pkg/httpx"
	"guardrail/pkg/metrics"
	"guardrail/pkg/models"
	"guardrail/pkg/oracle"
	"guardrail/pkg/policy"
	"guardrail/pkg/registry"
	"guardrail/pkg/sentinel"
	"guardrail/pkg/stream"
	"guardrail/pkg/telemetry"
)

type decisionLog interface {
	Append(ctx context.Context, dec models.Decision) error
	Recent(ctx context.Context, resource string, limit int) ([]models.Decision, error)
}

type memoryLog struct {
	sink *audit.MemorySink
}

func (m *memoryLog) Append(ctx context.Context, dec models.Decision) error {
	return m.sink.Append(ctx, dec)
}

func (m *memoryLog) Recent(ctx context.Context, resource string, limit int) ([]models.Decision, error) {
	return m.sink.Recent(resource, limit), nil
}

type Server struct {
	Policies  policy.Store
	Engine    *engine.Evaluator
	Approvals *approval.Workflow
	Registry  *registry.Registry
	Feeds     *feeds.Adapter
	Oracle    *oracle.Oracle
	Sentinel  *sentinel.Sentinel
	Decisions decisionLog
	Metrics   *metrics.Registry
	Hub       *stream.Hub

	AuthMode            string
	MaxRequestBodyBytes int64
}

// Routes registers the full API surface. Reads and evaluation are open;
// mutating endpoints sit behind the auth middleware with role checks.
func (s *Server) Routes(r chi.Router, authMW func(http.Handler) http.Handler) {
	r.Post("/v1/evaluate", s.evaluate)
	r.Post("/v1/can-operate", s.canOperate)
	r.Get("/v1/policies/{resource}", s.listPolicies)
	r.Get("/v1/policies/{resource}/{opType}", s.getPolicy)
	r.Get("/v1/tracking/{resource}/{operator}/{opType}", s.getTracking)
	r.Get("/v1/registry/resources", s.listResources)
	r.Get("/v1/registry/resources/{resource}/operations", s.listOperations)
	r.Get("/v1/registry/policies/{resource}/{opType}", s.getRegistryPolicy)
	r.Get("/v1/optypes", s.listOpTypes)
	r.Get("/v1/prices/{asset}", s.getPrice)
	r.Get("/v1/prices/{asset}/try", s.tryGetPrice)
	r.Get("/v1/prices/{asset}/last-good", s.lastGoodPrice)
	r.Get("/v1/feeds", s.listFeeds)
	r.Post("/v1/valuations", s.getValuation)
	r.Get("/v1/sequencer", s.sequencerStatus)
	r.Get("/v1/approvals/{resource}", s.listApprovals)
	r.Get("/v1/approvals/{resource}/{id}", s.getApproval)
	r.Get("/v1/decisions", s.recentDecisions)
	r.Get("/v1/decisions/stream", s.streamDecisions)

	r.Group(func(pr chi.Router) {
		pr.Use(authMW)

		pr.Post("/v1/policies", s.withRoles(s.createPolicy, auth.RoleAdmin))
		pr.Put("/v1/policies/{resource}/{opType}", s.withRoles(s.updatePolicy, auth.RoleAdmin))
		pr.Delete("/v1/policies/{resource}/{opType}", s.withRoles(s.deactivatePolicy, auth.RoleAdmin))
		pr.Post("/v1/policies/{resource}/{opType}/approval", s.withRoles(s.setApprovalRequirement, auth.RoleAdmin))
		pr.Post("/v1/policies/{resource}/whitelist", s.withRoles(s.mutateWhitelist, auth.RoleAdmin))
		pr.Post("/v1/registry/resources", s.withRoles(s.registerResource, auth.RoleAdmin))
		pr.Post("/v1/registry/policies", s.withRoles(s.registerPolicy, auth.RoleAdmin))
		pr.Post("/v1/registry/policies/{resource}/{opType}/deactivate", s.withRoles(s.setRegistryPolicyActive(false), auth.RoleAdmin))
		pr.Post("/v1/registry/policies/{resource}/{opType}/reactivate", s.withRoles(s.setRegistryPolicyActive(true), auth.RoleAdmin))
		pr.Post("/v1/feeds", s.withRoles(s.registerFeed, auth.RoleAdmin))
		pr.Patch("/v1/feeds/{asset}", s.withRoles(s.patchFeed, auth.RoleAdmin))
		pr.Post("/v1/oracle/quality-discounts", s.withRoles(s.setQualityDiscount, auth.RoleAdmin))
		pr.Post("/v1/oracle/age-rate", s.withRoles(s.setAgeRate, auth.RoleAdmin))
		pr.Post("/v1/sequencer/grace-period", s.withRoles(s.setGracePeriod, auth.RoleAdmin))
		pr.Post("/v1/sequencer/active", s.withRoles(s.setSequencerActive, auth.RoleAdmin))
		pr.Post("/v1/optypes", s.withRoles(s.registerOpType, auth.RoleAdmin))

		pr.Post("/v1/approvals", s.withRoles(s.requestApproval, auth.RoleSigner, auth.RoleAdmin))
		pr.Post("/v1/approvals/{resource}/{id}/approve", s.withRoles(s.approveRequest, auth.RoleSigner, auth.RoleAdmin))
		pr.Post("/v1/approvals/{resource}/{id}/execute", s.withRoles(s.executeApproval, auth.RoleSigner, auth.RoleAdmin))
	})
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEvalRequest(w, r)
	if !ok {
		return
	}
	dec, err := s.Engine.Evaluate(r.Context(), req)
	if err != nil {
		internalServerError(w, "evaluate", err)
		return
	}
	httpx.WriteJSON(w, 200, dec)
}

func (s *Server) canOperate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEvalRequest(w, r)
	if !ok {
		return
	}
	dec, err := s.Engine.CanOperate(r.Context(), req)
	if err != nil {
		internalServerError(w, "can-operate", err)
		return
	}
	httpx.WriteJSON(w, 200, dec)
}

func (s *Server) decodeEvalRequest(w http.ResponseWriter, r *http.Request) (engine.Request, bool) {
	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return engine.Request{}, false
	}
	req.Resource = strings.TrimSpace(req.Resource)
	req.Operator = strings.TrimSpace(req.Operator)
	if req.Resource == "" || req.Operator == "" || req.OpType == "" {
		httpx.Error(w, 400, "resource, operator and op_type are required")
		return engine.Request{}, false
	}
	// An unknown op type would match no policy and sail through as
	// unrestricted; a typo must not bypass configured limits.
	if !req.OpType.Valid() {
		httpx.Error(w, 400, "unknown op_type "+string(req.OpType))
		return engine.Request{}, false
	}
	return req, true
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	items, err := s.Policies.List(r.Context(), chi.URLParam(r, "resource"))
	if err != nil {
		internalServerError(w, "list policies", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": items})
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	op := models.OpType(strings.ToUpper(chi.URLParam(r, "opType")))
	pol, ok, err := s.Policies.Get(r.Context(), resource, op)
	if err != nil {
		internalServerError(w, "get policy", err)
		return
	}
	if !ok {
		httpx.Error(w, 404, "policy not found")
		return
	}
	httpx.WriteJSON(w, 200, pol)
}

func (s *Server) getTracking(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	operator := chi.URLParam(r, "operator")
	op := models.OpType(strings.ToUpper(chi.URLParam(r, "opType")))
	tr, ok := s.Engine.Tracking(resource, operator, op)
	if !ok {
		httpx.Error(w, 404, "no tracking state")
		return
	}
	httpx.WriteJSON(w, 200, tr)
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	var pol models.Policy
	if err := json.NewDecoder(r.Body).Decode(&pol); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if err := s.Policies.Put(r.Context(), pol); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	s.Hub.Publish(stream.PolicyEvent(pol))
	httpx.WriteJSON(w, 201, pol)
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var pol models.Policy
	if err := json.NewDecoder(r.Body).Decode(&pol); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	pol.Resource = chi.URLParam(r, "resource")
	pol.OpType = models.OpType(strings.ToUpper(chi.URLParam(r, "opType")))
	if err := s.Policies.Put(r.Context(), pol); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	s.Hub.Publish(stream.PolicyEvent(pol))
	httpx.WriteJSON(w, 200, pol)
}

func (s *Server) deactivatePolicy(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	op := models.OpType(strings.ToUpper(chi.URLParam(r, "opType")))
	if err := s.Policies.Deactivate(r.Context(), resource, op); err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			httpx.Error(w, 404, "policy not found")
			return
		}
		internalServerError(w, "deactivate policy", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"resource": resource, "op_type": op, "active": false})
}

func (s *Server) setApprovalRequirement(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	op := models.OpType(strings.ToUpper(chi.URLParam(r, "opType")))
	var req struct {
		Required  bool  `json:"required"`
		Threshold uint8 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	err := s.Policies.SetApprovalRequirement(r.Context(), resource, op, req.Required, req.Threshold)
	switch {
	case errors.Is(err, policy.ErrNotFound):
		httpx.Error(w, 404, "policy not found")
	case errors.Is(err, policy.ErrInvalidThreshold):
		httpx.Error(w, 400, err.Error())
	case err != nil:
		internalServerError(w, "set approval requirement", err)
	default:
		httpx.WriteJSON(w, 200, map[string]interface{}{
			"resource": resource, "op_type": op,
			"required": req.Required, "threshold": req.Threshold,
		})
	}
}

func (s *Server) mutateWhitelist(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	var req struct {
		Target string `json:"target"`
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	var err error
	switch strings.ToLower(req.Action) {
	case "add", "":
		err = s.Policies.AddToWhitelist(r.Context(), resource, req.Target)
	case "remove":
		err = s.Policies.RemoveFromWhitelist(r.Context(), resource, req.Target)
	default:
		httpx.Error(w, 400, "action must be add or remove")
		return
	}
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"resource": resource, "target": req.Target})
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	if eng := strings.TrimSpace(r.URL.Query().Get("engine")); eng != "" {
		httpx.WriteJSON(w, 200, map[string]interface{}{"items": s.Registry.ResourcesByEngine(eng)})
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": s.Registry.Resources()})
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"resource": resource,
		"items":    s.Registry.Operations(resource),
	})
}

func (s *Server) registerResource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resource string `json:"resource"`
		Kind     string `json:"kind"`
		Engine   string `json:"engine"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Resource) == "" {
		httpx.Error(w, 400, "resource is required")
		return
	}
	info := s.Registry.RegisterResource(req.Resource, req.Kind, req.Engine)
	httpx.WriteJSON(w, 201, info)
}

func (s *Server) registerPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resource string        `json:"resource"`
		OpType   models.OpType `json:"op_type"`
		Engine   string        `json:"engine"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if !req.OpType.Valid() {
		httpx.Error(w, 400, "unknown op_type "+string(req.OpType))
		return
	}
	info, err := s.Registry.RegisterPolicy(req.Resource, req.OpType, req.Engine)
	if err != nil {
		if errors.Is(err, registry.ErrResourceNotFound) {
			httpx.Error(w, 404, "resource not registered")
			return
		}
		internalServerError(w, "register policy", err)
		return
	}
	httpx.WriteJSON(w, 201, info)
}

func (s *Server) getRegistryPolicy(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	op := models.OpType(strings.ToUpper(chi.URLParam(r, "opType")))
	info, ok := s.Registry.Policy(resource, op)
	if !ok {
		httpx.Error(w, 404, "policy not registered")
		return
	}
	httpx.WriteJSON(w, 200, info)
}

func (s *Server) setRegistryPolicyActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource := chi.URLParam(r, "resource")
		op := models.OpType(strings.ToUpper(chi.URLParam(r, "opType")))
		var err error
		if active {
			err = s.Registry.ReactivatePolicy(resource, op)
		} else {
			err = s.Registry.DeactivatePolicy(resource, op)
		}
		if err != nil {
			httpx.Error(w, 404, err.Error())
			return
		}
		info, _ := s.Registry.Policy(resource, op)
		httpx.WriteJSON(w, 200, info)
	}
}

func (s *Server) listOpTypes(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": models.KnownOpTypes()})
}

func (s *Server) registerOpType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	op, err := models.RegisterOpType(req.Name)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	httpx.WriteJSON(w, 201, map[string]interface{}{"op_type": op})
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	quote, err := s.Feeds.GetPrice(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		writeFeedError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, quote)
}

func (s *Server) tryGetPrice(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Feeds.TryGetPrice(r.Context(), chi.URLParam(r, "asset")))
}

func (s *Server) lastGoodPrice(w http.ResponseWriter, r *http.Request) {
	quote, ok := s.Feeds.LastGood(r.Context(), chi.URLParam(r, "asset"))
	if !ok {
		httpx.Error(w, 404, "no cached quote")
		return
	}
	httpx.WriteJSON(w, 200, quote)
}

func (s *Server) listFeeds(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": s.Feeds.List()})
}

func (s *Server) registerFeed(w http.ResponseWriter, r *http.Request) {
	var cfg models.PriceFeedConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		httpx.Error(w, 400, "endpoint is required")
		return
	}
	src := &feeds.HTTPSource{
		Client: telemetry.InstrumentClient(&http.Client{Timeout: 5 * time.Second}),
		URL:    cfg.Endpoint,
	}
	if err := s.Feeds.Register(cfg, src); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	s.Hub.Publish(stream.FeedEvent(cfg))
	httpx.WriteJSON(w, 201, cfg)
}

func (s *Server) patchFeed(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.Active == nil {
		httpx.Error(w, 400, "active is required")
		return
	}
	if err := s.Feeds.SetActive(asset, *req.Active); err != nil {
		httpx.Error(w, 404, "price feed not configured")
		return
	}
	cfg, _ := s.Feeds.Config(asset)
	s.Hub.Publish(stream.FeedEvent(cfg))
	httpx.WriteJSON(w, 200, cfg)
}

func (s *Server) getValuation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset    string `json:"asset"`
		Amount   string `json:"amount"`
		Grade    string `json:"grade"`
		CertDate int64  `json:"cert_date,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok || amount.Sign() < 0 {
		httpx.Error(w, 400, "amount must be a non-negative integer")
		return
	}
	var certDate time.Time
	if req.CertDate > 0 {
		certDate = time.Unix(req.CertDate, 0).UTC()
	}
	val, err := s.Oracle.GetAdjustedValue(r.Context(), req.Asset, amount, req.Grade, certDate)
	if err != nil {
		writeFeedError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, val)
}

func (s *Server) setQualityDiscount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category models.CommodityCategory `json:"category"`
		Grade    string                   `json:"grade"`
		Bps      uint32                   `json:"bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if err := s.Oracle.SetQualityDiscount(req.Category, req.Grade, req.Bps); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"category": req.Category, "grade": req.Grade, "bps": req.Bps})
}

func (s *Server) setAgeRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BpsPerDay uint32 `json:"bps_per_day"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if err := s.Oracle.SetAgeRate(req.BpsPerDay); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"bps_per_day": req.BpsPerDay})
}

func (s *Server) sequencerStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Sentinel.Status(r.Context()))
}

func (s *Server) setGracePeriod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds uint64 `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if err := s.Sentinel.SetGracePeriod(time.Duration(req.Seconds) * time.Second); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"seconds": req.Seconds})
}

func (s *Server) setSequencerActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	s.Sentinel.SetActive(req.Active)
	httpx.WriteJSON(w, 200, map[string]interface{}{"active": req.Active})
}

func (s *Server) requestApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resource  string        `json:"resource"`
		Requester string        `json:"requester"`
		OpType    models.OpType `json:"op_type"`
		Amount    uint64        `json:"amount"`
		Target    string        `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	requester, ok := s.callerIdentity(w, r, req.Requester)
	if !ok {
		return
	}
	id, err := s.Approvals.Request(r.Context(), req.Resource, requester, req.OpType, req.Amount, req.Target)
	if err != nil {
		if errors.Is(err, approval.ErrApprovalNotRequired) {
			httpx.Error(w, 409, err.Error())
			return
		}
		internalServerError(w, "request approval", err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]interface{}{"resource": req.Resource, "id": id})
}

func (s *Server) approveRequest(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Error(w, 400, "invalid request id")
		return
	}
	var req struct {
		Approver string `json:"approver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	approver, ok := s.callerIdentity(w, r, req.Approver)
	if !ok {
		return
	}
	count, err := s.Approvals.Approve(r.Context(), resource, id, approver)
	switch {
	case errors.Is(err, approval.ErrRequestNotFound):
		httpx.Error(w, 404, err.Error())
	case errors.Is(err, approval.ErrAlreadyExecuted), errors.Is(err, approval.ErrDuplicateApproval):
		httpx.Error(w, 409, err.Error())
	case err != nil:
		internalServerError(w, "approve request", err)
	default:
		httpx.WriteJSON(w, 200, map[string]interface{}{"resource": resource, "id": id, "approvals": count})
	}
}

func (s *Server) executeApproval(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Error(w, 400, "invalid request id")
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	caller, ok := s.callerIdentity(w, r, req.Caller)
	if !ok {
		return
	}
	err = s.Approvals.Execute(r.Context(), resource, id, caller)
	switch {
	case errors.Is(err, approval.ErrRequestNotFound):
		httpx.Error(w, 404, err.Error())
	case errors.Is(err, approval.ErrNotRequester):
		httpx.Error(w, 403, err.Error())
	case errors.Is(err, approval.ErrAlreadyExecuted), errors.Is(err, approval.ErrThresholdNotMet):
		httpx.Error(w, 409, err.Error())
	case err != nil:
		internalServerError(w, "execute approval", err)
	default:
		httpx.WriteJSON(w, 200, map[string]interface{}{"resource": resource, "id": id, "executed": true})
	}
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Error(w, 400, "invalid request id")
		return
	}
	req, ok := s.Approvals.Get(resource, id)
	if !ok {
		httpx.Error(w, 404, "approval request not found")
		return
	}
	httpx.WriteJSON(w, 200, req)
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": s.Approvals.List(chi.URLParam(r, "resource"))})
}

func (s *Server) recentDecisions(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	items, err := s.Decisions.Recent(r.Context(), resource, limit)
	if err != nil {
		internalServerError(w, "recent decisions", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": items})
}

func (s *Server) streamDecisions(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	sub := s.Hub.Subscribe(64)
	defer sub.Close()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

// callerIdentity resolves the acting identity: the authenticated subject
// when auth is on, the request-supplied field otherwise. A supplied field
// must match the principal.
func (s *Server) callerIdentity(w http.ResponseWriter, r *http.Request, supplied string) (string, bool) {
	supplied = strings.TrimSpace(supplied)
	if strings.EqualFold(s.AuthMode, "off") || s.AuthMode == "" {
		if supplied == "" {
			httpx.Error(w, 400, "caller identity required")
			return "", false
		}
		return supplied, true
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || strings.TrimSpace(principal.Subject) == "" {
		httpx.Error(w, 401, "unauthenticated")
		return "", false
	}
	if supplied != "" && !strings.EqualFold(supplied, principal.Subject) {
		httpx.Error(w, 403, "caller must match principal")
		return "", false
	}
	return principal.Subject, true
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") || s.AuthMode == "" {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func writeFeedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, feeds.ErrFeedNotConfigured):
		httpx.ErrorCode(w, 404, "FEED_NOT_CONFIGURED", err.Error())
	case errors.Is(err, feeds.ErrStalePrice):
		httpx.ErrorCode(w, 422, "STALE_PRICE", err.Error())
	case errors.Is(err, feeds.ErrInvalidPrice):
		httpx.ErrorCode(w, 422, "INVALID_PRICE", err.Error())
	case errors.Is(err, feeds.ErrSourceUnavailable):
		httpx.ErrorCode(w, 502, "SOURCE_UNAVAILABLE", err.Error())
	default:
		internalServerError(w, "price feed", err)
	}
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("policyd %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}
