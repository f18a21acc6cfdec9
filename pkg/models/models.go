package models

import (
	"math/big"
	"time"
)

// Policy is the per (resource, operation type) restriction set. An absent
// policy, or one with Active=false, means the operation is unrestricted.
type Policy struct {
	Resource              string `json:"resource"`
	OpType                OpType `json:"op_type"`
	Active                bool   `json:"active"`
	MaxAmountPerOperation uint64 `json:"max_amount_per_operation"`
	DailyLimit            uint64 `json:"daily_limit"`
	CooldownSeconds       uint64 `json:"cooldown_seconds"`
	RequiresApproval      bool   `json:"requires_approval"`
	ApprovalThreshold     uint8  `json:"approval_threshold"`
	ActivationTime        int64  `json:"activation_time,omitempty"`
	ExpirationTime        int64  `json:"expiration_time,omitempty"`
	RequiresWhitelist     bool   `json:"requires_whitelist"`
}

// OperationTracking is the rolling rate-limit state for one
// (resource, operator, operation type) key. Created lazily on the first
// allowed operation, mutated only by allowed evaluations.
type OperationTracking struct {
	LastOperationTime time.Time `json:"last_operation_time"`
	DailyTotal        uint64    `json:"daily_total"`
	DailyResetTime    time.Time `json:"daily_reset_time"`
}

// ApprovalRequest is a multi-signer certification request. Execution marks
// the request executed; it never performs the underlying operation.
type ApprovalRequest struct {
	ID         uint64    `json:"id"`
	Resource   string    `json:"resource"`
	Requester  string    `json:"requester"`
	OpType     OpType    `json:"op_type"`
	Amount     uint64    `json:"amount"`
	Target     string    `json:"target"`
	Approvals  uint8     `json:"approvals"`
	ApprovedBy []string  `json:"approved_by"`
	Executed   bool      `json:"executed"`
	CreatedAt  time.Time `json:"created_at"`
}

// CommodityCategory classifies a priced asset for valuation discounting.
type CommodityCategory string

const (
	CategoryPreciousMetal CommodityCategory = "PRECIOUS_METAL"
	CategoryBaseMetal     CommodityCategory = "BASE_METAL"
	CategoryEnergy        CommodityCategory = "ENERGY"
	CategoryAgricultural  CommodityCategory = "AGRICULTURAL"
)

// PriceFeedConfig is the admin-managed wiring for one asset's price source.
type PriceFeedConfig struct {
	Asset            string            `json:"asset"`
	Endpoint         string            `json:"endpoint,omitempty"`
	Decimals         uint8             `json:"decimals"`
	HeartbeatSeconds uint64            `json:"heartbeat_seconds"`
	Active           bool              `json:"active"`
	Category         CommodityCategory `json:"category"`
}

// PriceQuote is derived on every query and never persisted. Price is an
// 18-decimal fixed-point integer; Confidence is basis points, 10000 = fresh.
type PriceQuote struct {
	Asset         string    `json:"asset"`
	Price         *big.Int  `json:"price"`
	Timestamp     time.Time `json:"timestamp"`
	ConfidenceBps uint32    `json:"confidence_bps"`
	Valid         bool      `json:"valid"`
}

// SequencerStatus is the derived view of the execution-environment signal.
type SequencerStatus struct {
	Active             bool          `json:"active"`
	Up                 bool          `json:"up"`
	TimeSinceUp        time.Duration `json:"time_since_up"`
	InGracePeriod      bool          `json:"in_grace_period"`
	GraceRemaining     time.Duration `json:"grace_remaining"`
	LiquidationAllowed bool          `json:"liquidation_allowed"`
	BorrowingAllowed   bool          `json:"borrowing_allowed"`
}

// Decision is the outcome of one policy evaluation. Soft contract: the
// evaluation itself never fails, it answers.
type Decision struct {
	ID       string    `json:"id"`
	Resource string    `json:"resource"`
	Operator string    `json:"operator"`
	OpType   OpType    `json:"op_type"`
	Amount   uint64    `json:"amount"`
	Target   string    `json:"target,omitempty"`
	Allowed  bool      `json:"allowed"`
	Reason   string    `json:"reason,omitempty"`
	DryRun   bool      `json:"dry_run,omitempty"`
	At       time.Time `json:"at"`
}

// Deny reasons form a fixed vocabulary callers can branch on.
const (
	ReasonRequiresApproval = "Operation requires multi-signature approval"
	ReasonExceedsMaxAmount = "Exceeds maximum amount per operation"
	ReasonCooldown         = "Operation in cooldown period"
	ReasonExceedsDaily     = "Exceeds daily limit"
	ReasonNotWhitelisted   = "Target not whitelisted"
	ReasonNotYetActive     = "Policy not yet active"
	ReasonExpired          = "Policy expired"
)
