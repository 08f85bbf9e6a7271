// Package escrow implements the milestone lifecycle engine for trustless
// work contracts.
//
// Flow:
//  1. Client initializes a contract with milestones → status: initialized
//  2. Client funds the full amount on the ledger → status: active
//  3. Worker completes a milestone → eligible for approval
//  4. Approvers reach quorum → milestone approved
//  5. Funds released on the ledger per milestone → milestone released
//  6. Last milestone settled → contract completed
//
// Any participant may dispute a milestone; the contract's arbiter resolves
// it by approving, rejecting, or sending it back through the approval cycle.
//
// Aggregates are versioned. Every mutation is a read-modify-write that
// commits conditionally on the version being unchanged; conflicting writers
// retry the whole operation. Operations that wait on signing and ledger
// settlement never hold a lock; they claim the aggregate with an in-flight
// marker and finalize or roll back after the settlement outcome is known.
package escrow

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/trustwork/escrowd/internal/asset"
)

var (
	ErrNotFound            = errors.New("escrow: contract not found")
	ErrMilestoneNotFound   = errors.New("escrow: milestone not found")
	ErrValidation          = errors.New("escrow: validation failed")
	ErrInvalidParticipant  = errors.New("escrow: invalid participant")
	ErrNotEligible         = errors.New("escrow: not eligible for this operation")
	ErrUnauthorized        = errors.New("escrow: not authorized for this operation")
	ErrUserCancelled       = errors.New("escrow: signing rejected by user")
	ErrSettlementFailed    = errors.New("escrow: ledger settlement failed")
	ErrConcurrencyConflict = errors.New("escrow: aggregate version conflict")
	ErrOperationInFlight   = errors.New("escrow: a settlement is already in flight for this contract")
	ErrOperationTimedOut   = errors.New("escrow: settlement timed out")
	ErrAlreadyReleased     = errors.New("escrow: milestone already released")
	ErrMissingReason       = errors.New("escrow: resolution reason required")
)

// ContractStatus represents the state of an escrow contract.
type ContractStatus string

const (
	ContractInitialized ContractStatus = "initialized"
	ContractFunded      ContractStatus = "funded"
	ContractActive      ContractStatus = "active"
	ContractCompleted   ContractStatus = "completed"
	ContractCancelled   ContractStatus = "cancelled"
)

// MilestoneStatus represents the state of a single milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneReleased  MilestoneStatus = "released"
	MilestoneDisputed  MilestoneStatus = "disputed"
	MilestoneCancelled MilestoneStatus = "cancelled"
)

// Role classifies a stakeholder's relationship to a contract.
type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleSeller   Role = "seller"
	RoleReviewer Role = "reviewer"
	RoleArbiter  Role = "arbiter"
	RoleManager  Role = "manager"
)

// Resolution is the arbiter's verdict on a dispute.
type Resolution string

const (
	ResolutionApprove Resolution = "approve"
	ResolutionReject  Resolution = "reject"
	ResolutionModify  Resolution = "modify"
)

// Approval records a single stakeholder's approval of a milestone.
// Membership in a milestone's approval set is unique per stakeholder.
type Approval struct {
	StakeholderID string    `json:"stakeholderId"`
	ApprovedAt    time.Time `json:"approvedAt"`
}

// DisputeRecord captures one dispute episode on a milestone. A milestone
// keeps an append-only log of records; only the last one is active while
// the milestone status is disputed.
type DisputeRecord struct {
	ID               string          `json:"id"`
	RaisedBy         string          `json:"raisedBy"`
	Reason           string          `json:"reason"`
	RaisedAt         time.Time       `json:"raisedAt"`
	PriorStatus      MilestoneStatus `json:"priorStatus"`
	Resolution       Resolution      `json:"resolution,omitempty"`
	ResolvedBy       string          `json:"resolvedBy,omitempty"`
	ResolutionReason string          `json:"resolutionReason,omitempty"`
	ResolvedAt       *time.Time      `json:"resolvedAt,omitempty"`
}

// Resolved reports whether this dispute episode has been closed.
func (d *DisputeRecord) Resolved() bool { return d.ResolvedAt != nil }

// Milestone is a sub-unit of a contract with its own amount and an
// independent approval and dispute lifecycle.
type Milestone struct {
	ID                string          `json:"id"`
	ContractID        string          `json:"contractId"`
	Description       string          `json:"description,omitempty"`
	Amount            string          `json:"amount"`
	Status            MilestoneStatus `json:"status"`
	RequiredApprovals int             `json:"requiredApprovals"`
	Approvers         []string        `json:"approvers"`
	Approvals         []Approval      `json:"approvals"`
	Disputes          []DisputeRecord `json:"disputes,omitempty"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	ApprovedAt        *time.Time      `json:"approvedAt,omitempty"`
	ReleasedAt        *time.Time      `json:"releasedAt,omitempty"`
	ReleaseTxHash     string          `json:"releaseTxHash,omitempty"`
}

// HasApproval reports whether the stakeholder already approved.
func (m *Milestone) HasApproval(stakeholderID string) bool {
	for _, a := range m.Approvals {
		if strings.EqualFold(a.StakeholderID, stakeholderID) {
			return true
		}
	}
	return false
}

// CanApprove reports whether the stakeholder is in the milestone's
// authorized approver set.
func (m *Milestone) CanApprove(stakeholderID string) bool {
	for _, a := range m.Approvers {
		if strings.EqualFold(a, stakeholderID) {
			return true
		}
	}
	return false
}

// ActiveDispute returns the open dispute record, or nil when the milestone
// is not disputed.
func (m *Milestone) ActiveDispute() *DisputeRecord {
	if m.Status != MilestoneDisputed || len(m.Disputes) == 0 {
		return nil
	}
	last := &m.Disputes[len(m.Disputes)-1]
	if last.Resolved() {
		return nil
	}
	return last
}

// IsTerminal reports whether the milestone can no longer change state.
func (m *Milestone) IsTerminal() bool {
	return m.Status == MilestoneReleased || m.Status == MilestoneCancelled
}

// Contract is the escrow aggregate. Milestones never outlive their
// contract and are mutated only through the engine.
type Contract struct {
	ID             string            `json:"id"`
	Buyer          string            `json:"buyer"`
	Seller         string            `json:"seller"`
	Arbiter        string            `json:"arbiter"`
	Asset          asset.Asset       `json:"asset"`
	TotalAmount    string            `json:"totalAmount"`
	PlatformFeeBps int64             `json:"platformFeeBps"`
	Terms          string            `json:"terms,omitempty"`
	Deadline       time.Time         `json:"deadline"`
	Status         ContractStatus    `json:"status"`
	Milestones     []Milestone       `json:"milestones"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	FundTxHash     string            `json:"fundTxHash,omitempty"`

	// InFlight holds the settlement reference of the operation currently
	// awaiting signing/settlement, or "" when the aggregate is quiescent.
	InFlight      string     `json:"inFlight,omitempty"`
	InFlightSince *time.Time `json:"inFlightSince,omitempty"`

	// Version is the optimistic-concurrency token, incremented by the
	// store on every committed update.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the contract is in a final state.
func (c *Contract) IsTerminal() bool {
	return c.Status == ContractCompleted || c.Status == ContractCancelled
}

// Milestone returns a pointer to the milestone with the given id, or nil.
func (c *Contract) Milestone(id string) *Milestone {
	for i := range c.Milestones {
		if c.Milestones[i].ID == id {
			return &c.Milestones[i]
		}
	}
	return nil
}

// Settled reports whether no milestone remains in a live state. Cancelled
// milestones count as settled: their amount is simply unreleasable.
func (c *Contract) Settled() bool {
	for i := range c.Milestones {
		if !c.Milestones[i].IsTerminal() {
			return false
		}
	}
	return true
}

// MilestoneSum returns the sum of all milestone amounts in smallest units,
// including cancelled ones. It equals the contract total at every point in
// the contract's life.
func (c *Contract) MilestoneSum() (*big.Int, error) {
	sum := new(big.Int)
	for i := range c.Milestones {
		v, err := c.Asset.Parse(c.Milestones[i].Amount)
		if err != nil {
			return nil, err
		}
		sum.Add(sum, v)
	}
	return sum, nil
}

// IsParticipant reports whether the stakeholder has any role on the
// contract (buyer, seller, arbiter, or milestone approver).
func (c *Contract) IsParticipant(stakeholderID string) bool {
	if strings.EqualFold(stakeholderID, c.Buyer) ||
		strings.EqualFold(stakeholderID, c.Seller) ||
		strings.EqualFold(stakeholderID, c.Arbiter) {
		return true
	}
	for i := range c.Milestones {
		if c.Milestones[i].CanApprove(stakeholderID) {
			return true
		}
	}
	return false
}

// Store persists escrow contracts with optimistic concurrency control.
type Store interface {
	Create(ctx context.Context, contract *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	// Update commits the contract conditionally on contract.Version matching
	// the stored version, then increments it. A mismatch returns
	// ErrConcurrencyConflict and writes nothing.
	Update(ctx context.Context, contract *Contract) error
	ListByParticipant(ctx context.Context, stakeholderID string, limit int) ([]*Contract, error)
	ListByStatus(ctx context.Context, status ContractStatus, limit int) ([]*Contract, error)
	// ListInFlight returns contracts whose in-flight marker is older than
	// the given time, for settlement reconciliation.
	ListInFlight(ctx context.Context, olderThan time.Time, limit int) ([]*Contract, error)
	RecordEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, contractID string, limit int) ([]*Event, error)
}
