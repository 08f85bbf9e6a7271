package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/trustwork/escrowd/internal/idgen"
	"github.com/trustwork/escrowd/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// StartDispute freezes a milestone pending arbitration. Any contract
// participant may raise one; the milestone's prior status is recorded so
// resolution can restore it. Disputing an already released milestone is
// allowed (clawback arbitration), with a narrower set of resolutions.
func (e *Engine) StartDispute(ctx context.Context, contractID, milestoneID, raisedBy, reason string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.StartDispute",
		attribute.String("contract_id", contractID),
		attribute.String("milestone_id", milestoneID),
	)
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", ErrValidation)
	}

	var record DisputeRecord
	contract, err := e.occUpdate(ctx, contractID, func(c *Contract) error {
		if c.InFlight != "" {
			return fmt.Errorf("%w: %s", ErrOperationInFlight, c.InFlight)
		}
		if c.Status != ContractActive && c.Status != ContractCompleted {
			return fmt.Errorf("%w: contract status is %s", ErrNotEligible, c.Status)
		}
		if !c.IsParticipant(raisedBy) {
			return fmt.Errorf("%w: %s is not a participant on this contract", ErrUnauthorized, raisedBy)
		}
		m := c.Milestone(milestoneID)
		if m == nil {
			return ErrMilestoneNotFound
		}
		switch m.Status {
		case MilestoneDisputed:
			return fmt.Errorf("%w: milestone is already disputed", ErrNotEligible)
		case MilestoneCancelled:
			return fmt.Errorf("%w: milestone is cancelled", ErrNotEligible)
		}
		record = DisputeRecord{
			ID:          idgen.WithPrefix(idgen.PrefixDispute),
			RaisedBy:    raisedBy,
			Reason:      reason,
			RaisedAt:    time.Now().UTC(),
			PriorStatus: m.Status,
		}
		m.Disputes = append(m.Disputes, record)
		m.Status = MilestoneDisputed
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, newEvent(contractID, milestoneID, EventDisputeRaised, map[string]string{
		"disputeId": record.ID,
		"raisedBy":  raisedBy,
		"reason":    reason,
	}))
	return contract, nil
}

// ResolveDispute closes the active dispute on a milestone. Only the
// contract's arbiter may resolve. The verdict drives the milestone's next
// state:
//
//   - approve: milestone becomes approved (or returns to released when the
//     dispute was raised post-release)
//   - reject: milestone is cancelled; its amount stays in escrow
//   - modify: milestone returns to pending with its approval set cleared,
//     so the revised work goes back through the full approval cycle
//
// Modify requires a resolution reason; approve and reject accept one
// but do not demand it.
func (e *Engine) ResolveDispute(ctx context.Context, contractID, milestoneID, arbiterID string, verdict Resolution, reason string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute",
		attribute.String("contract_id", contractID),
		attribute.String("milestone_id", milestoneID),
		attribute.String("resolution", string(verdict)),
	)
	defer span.End()

	switch verdict {
	case ResolutionApprove, ResolutionReject, ResolutionModify:
	default:
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrValidation, verdict)
	}
	if verdict == ResolutionModify && strings.TrimSpace(reason) == "" {
		return nil, ErrMissingReason
	}

	var completed bool
	contract, err := e.occUpdate(ctx, contractID, func(c *Contract) error {
		completed = false
		if c.InFlight != "" {
			return fmt.Errorf("%w: %s", ErrOperationInFlight, c.InFlight)
		}
		if !strings.EqualFold(arbiterID, c.Arbiter) {
			return fmt.Errorf("%w: only the contract arbiter resolves disputes", ErrUnauthorized)
		}
		m := c.Milestone(milestoneID)
		if m == nil {
			return ErrMilestoneNotFound
		}
		d := m.ActiveDispute()
		if d == nil {
			return fmt.Errorf("%w: no active dispute on this milestone", ErrNotEligible)
		}

		now := time.Now().UTC()
		switch verdict {
		case ResolutionApprove:
			if d.PriorStatus == MilestoneReleased {
				// Post-release dispute dismissed: the payout stands.
				m.Status = MilestoneReleased
			} else {
				m.Status = MilestoneApproved
				if m.ApprovedAt == nil {
					m.ApprovedAt = &now
				}
			}
		case ResolutionReject:
			// Cancelled amounts are never redistributed to other
			// milestones; refunds happen off the lifecycle path.
			m.Status = MilestoneCancelled
			if c.Settled() {
				c.Status = ContractCompleted
				completed = true
			}
		case ResolutionModify:
			if d.PriorStatus == MilestoneReleased {
				return fmt.Errorf("%w: a released milestone cannot return to pending", ErrNotEligible)
			}
			m.Status = MilestonePending
			m.Approvals = []Approval{}
			m.ApprovedAt = nil
		}
		d.Resolution = verdict
		d.ResolvedBy = arbiterID
		d.ResolutionReason = reason
		d.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, newEvent(contractID, milestoneID, EventDisputeResolved, map[string]string{
		"resolution": string(verdict),
		"resolvedBy": arbiterID,
		"reason":     reason,
	}))
	if completed {
		e.emit(ctx, newEvent(contractID, "", EventEscrowCompleted, nil))
	}
	return contract, nil
}
