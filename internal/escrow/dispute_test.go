package escrow

import (
	"context"
	"errors"
	"testing"
)

func TestDispute_RaiseAndApprove(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000")
	mID := c.Milestones[0].ID

	c, err := e.StartDispute(ctx, c.ID, mID, testBuyer, "deliverable does not match terms")
	if err != nil {
		t.Fatalf("StartDispute failed: %v", err)
	}
	m := c.Milestone(mID)
	if m.Status != MilestoneDisputed {
		t.Errorf("expected disputed, got %s", m.Status)
	}
	d := m.ActiveDispute()
	if d == nil {
		t.Fatal("expected an active dispute record")
	}
	if d.PriorStatus != MilestonePending {
		t.Errorf("prior status = %s, want pending", d.PriorStatus)
	}
	if d.RaisedBy != testBuyer || d.Reason == "" {
		t.Errorf("dispute record incomplete: %+v", d)
	}

	// Approval and release are frozen while disputed.
	if _, err := e.ApproveMilestone(ctx, c.ID, mID, testBuyer); !errors.Is(err, ErrNotEligible) {
		t.Errorf("approval on disputed milestone should fail, got %v", err)
	}
	if _, err := e.ReleaseFunds(ctx, c.ID, mID); !errors.Is(err, ErrNotEligible) {
		t.Errorf("release on disputed milestone should fail, got %v", err)
	}

	// Arbiter sides with the seller.
	c, err = e.ResolveDispute(ctx, c.ID, mID, testArbiter, ResolutionApprove, "")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	m = c.Milestone(mID)
	if m.Status != MilestoneApproved {
		t.Errorf("expected approved after arbiter approval, got %s", m.Status)
	}
	if m.ActiveDispute() != nil {
		t.Error("dispute should be closed")
	}
	last := m.Disputes[len(m.Disputes)-1]
	if last.Resolution != ResolutionApprove || last.ResolvedBy != testArbiter || last.ResolvedAt == nil {
		t.Errorf("resolution not recorded: %+v", last)
	}

	// The approved milestone releases normally afterwards.
	if _, err := e.ReleaseFunds(ctx, c.ID, mID); err != nil {
		t.Fatalf("release after resolution failed: %v", err)
	}
}

func TestDispute_Validation(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000")
	mID := c.Milestones[0].ID

	if _, err := e.StartDispute(ctx, c.ID, mID, testBuyer, "  "); !errors.Is(err, ErrValidation) {
		t.Errorf("blank reason should fail with ErrValidation, got %v", err)
	}
	if _, err := e.StartDispute(ctx, c.ID, mID, "0xstranger", "bad work"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("non-participant should fail with ErrUnauthorized, got %v", err)
	}
	if _, err := e.StartDispute(ctx, c.ID, "ms_missing", testBuyer, "bad work"); !errors.Is(err, ErrMilestoneNotFound) {
		t.Errorf("unknown milestone should fail, got %v", err)
	}

	if _, err := e.StartDispute(ctx, c.ID, mID, testSeller, "payment withheld"); err != nil {
		t.Fatalf("seller dispute failed: %v", err)
	}
	// Already disputed.
	if _, err := e.StartDispute(ctx, c.ID, mID, testBuyer, "me too"); !errors.Is(err, ErrNotEligible) {
		t.Errorf("double dispute should fail with ErrNotEligible, got %v", err)
	}
}

func TestDispute_UnfundedContract(t *testing.T) {
	e, _, _, _ := testEngine(t)
	c := mustInit(t, e, "1.000000")

	_, err := e.StartDispute(context.Background(), c.ID, c.Milestones[0].ID, testBuyer, "cold feet")
	if !errors.Is(err, ErrNotEligible) {
		t.Errorf("dispute before funding should fail with ErrNotEligible, got %v", err)
	}
}

func TestResolve_OnlyArbiter(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000")
	mID := c.Milestones[0].ID
	if _, err := e.StartDispute(ctx, c.ID, mID, testBuyer, "bad work"); err != nil {
		t.Fatal(err)
	}

	if _, err := e.ResolveDispute(ctx, c.ID, mID, testBuyer, ResolutionApprove, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("buyer resolving should fail with ErrUnauthorized, got %v", err)
	}
	if _, err := e.ResolveDispute(ctx, c.ID, mID, testSeller, ResolutionApprove, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("seller resolving should fail with ErrUnauthorized, got %v", err)
	}
}

func TestResolve_ModifyRequiresReason(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000")
	mID := c.Milestones[0].ID
	if _, err := e.StartDispute(ctx, c.ID, mID, testBuyer, "bad work"); err != nil {
		t.Fatal(err)
	}

	if _, err := e.ResolveDispute(ctx, c.ID, mID, testArbiter, ResolutionModify, "  "); !errors.Is(err, ErrMissingReason) {
		t.Errorf("modify without reason should fail with ErrMissingReason, got %v", err)
	}
	if _, err := e.ResolveDispute(ctx, c.ID, mID, testArbiter, Resolution("split"), "x"); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown verdict should fail with ErrValidation, got %v", err)
	}
}

func TestResolve_RejectWithoutReason(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000")
	mID := c.Milestones[0].ID
	if _, err := e.StartDispute(ctx, c.ID, mID, testBuyer, "never delivered"); err != nil {
		t.Fatal(err)
	}

	// Only modify demands a reason; a bare reject is a valid verdict.
	c, err := e.ResolveDispute(ctx, c.ID, mID, testArbiter, ResolutionReject, "")
	if err != nil {
		t.Fatalf("reject without reason should succeed, got %v", err)
	}
	m := c.Milestone(mID)
	if m.Status != MilestoneCancelled {
		t.Errorf("expected cancelled, got %s", m.Status)
	}
	last := m.Disputes[len(m.Disputes)-1]
	if last.Resolution != ResolutionReject || last.ResolvedAt == nil {
		t.Errorf("resolution not recorded: %+v", last)
	}
}

func TestResolve_RejectCancelsMilestone(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000", "2.000000")
	m0, m1 := c.Milestones[0].ID, c.Milestones[1].ID

	// Release the first milestone, dispute and reject the second. With
	// every milestone terminal the contract completes.
	if _, err := e.ApproveMilestone(ctx, c.ID, m0, testBuyer); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ReleaseFunds(ctx, c.ID, m0); err != nil {
		t.Fatal(err)
	}
	if _, err := e.StartDispute(ctx, c.ID, m1, testBuyer, "never delivered"); err != nil {
		t.Fatal(err)
	}
	c, err := e.ResolveDispute(ctx, c.ID, m1, testArbiter, ResolutionReject, "seller unresponsive")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}

	if c.Milestone(m1).Status != MilestoneCancelled {
		t.Errorf("expected cancelled, got %s", c.Milestone(m1).Status)
	}
	if c.Status != ContractCompleted {
		t.Errorf("expected contract completed, got %s", c.Status)
	}
	// A cancelled milestone never releases.
	if _, err := e.ReleaseFunds(ctx, c.ID, m1); err == nil {
		t.Error("release of a cancelled milestone should fail")
	}
}

func TestResolve_ModifyRestartsApprovalCycle(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()

	req := initRequest("2.000000")
	req.Milestones[0].RequiredApprovals = 2
	req.Milestones[0].Approvers = []string{testBuyer, "0xreviewer"}
	c, err := e.InitializeEscrow(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	c = mustFund(t, e, c)
	mID := c.Milestones[0].ID

	// One approval lands, then the seller disputes the review.
	if _, err := e.ApproveMilestone(ctx, c.ID, mID, testBuyer); err != nil {
		t.Fatal(err)
	}
	if _, err := e.StartDispute(ctx, c.ID, mID, testSeller, "review is unfair"); err != nil {
		t.Fatal(err)
	}

	c, err = e.ResolveDispute(ctx, c.ID, mID, testArbiter, ResolutionModify, "rework per revised terms")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	m := c.Milestone(mID)
	if m.Status != MilestonePending {
		t.Errorf("expected pending after modify, got %s", m.Status)
	}
	if len(m.Approvals) != 0 {
		t.Errorf("modify must clear the approval set, got %d approvals", len(m.Approvals))
	}
	if m.ApprovedAt != nil {
		t.Error("modify must clear ApprovedAt")
	}

	// The revised work goes back through the full cycle.
	if _, err := e.ApproveMilestone(ctx, c.ID, mID, testBuyer); err != nil {
		t.Fatal(err)
	}
	c, err = e.ApproveMilestone(ctx, c.ID, mID, "0xreviewer")
	if err != nil {
		t.Fatal(err)
	}
	if c.Milestone(mID).Status != MilestoneApproved {
		t.Errorf("expected approved after fresh quorum, got %s", c.Milestone(mID).Status)
	}
}

func TestDispute_PostRelease(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000", "2.000000")
	mID := c.Milestones[0].ID

	if _, err := e.ApproveMilestone(ctx, c.ID, mID, testBuyer); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ReleaseFunds(ctx, c.ID, mID); err != nil {
		t.Fatal(err)
	}

	// Clawback arbitration on the released milestone.
	c, err := e.StartDispute(ctx, c.ID, mID, testBuyer, "work was plagiarized")
	if err != nil {
		t.Fatalf("post-release dispute failed: %v", err)
	}
	d := c.Milestone(mID).ActiveDispute()
	if d.PriorStatus != MilestoneReleased {
		t.Errorf("prior status = %s, want released", d.PriorStatus)
	}

	// A released milestone cannot return to pending.
	if _, err := e.ResolveDispute(ctx, c.ID, mID, testArbiter, ResolutionModify, "redo"); !errors.Is(err, ErrNotEligible) {
		t.Errorf("modify on released milestone should fail, got %v", err)
	}

	// Dismissing the dispute restores the released state, not approved.
	c, err = e.ResolveDispute(ctx, c.ID, mID, testArbiter, ResolutionApprove, "")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if c.Milestone(mID).Status != MilestoneReleased {
		t.Errorf("expected released restored, got %s", c.Milestone(mID).Status)
	}
}

func TestDispute_SecondEpisodeAfterResolution(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000")
	mID := c.Milestones[0].ID

	if _, err := e.StartDispute(ctx, c.ID, mID, testBuyer, "first complaint"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ResolveDispute(ctx, c.ID, mID, testArbiter, ResolutionModify, "rework"); err != nil {
		t.Fatal(err)
	}
	c, err := e.StartDispute(ctx, c.ID, mID, testBuyer, "rework also bad")
	if err != nil {
		t.Fatalf("second dispute failed: %v", err)
	}

	m := c.Milestone(mID)
	if len(m.Disputes) != 2 {
		t.Fatalf("expected 2 dispute records, got %d", len(m.Disputes))
	}
	if !m.Disputes[0].Resolved() {
		t.Error("first episode should remain resolved")
	}
	if m.ActiveDispute() != &m.Disputes[1] {
		t.Error("active dispute should be the latest record")
	}
}

func TestResolve_NoActiveDispute(t *testing.T) {
	e, _, _, _ := testEngine(t)
	c := mustFundNew(t, e, "1.000000")

	_, err := e.ResolveDispute(context.Background(), c.ID, c.Milestones[0].ID, testArbiter, ResolutionApprove, "")
	if !errors.Is(err, ErrNotEligible) {
		t.Errorf("resolving without a dispute should fail with ErrNotEligible, got %v", err)
	}
}
