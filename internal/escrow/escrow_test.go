package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trustwork/escrowd/internal/asset"
)

const (
	testBuyer   = "0xbuyer"
	testSeller  = "0xseller"
	testArbiter = "0xarbiter"
)

// mockLedger settles everything immediately and records intents and
// submissions for verification.
type mockLedger struct {
	mu          sync.Mutex
	built       []*TxIntent
	submitted   []*TxEnvelope
	settlements map[string]*Settlement // by reference, served from FindByReference
	submitFn    func(ctx context.Context, env *TxEnvelope) (*Settlement, error)
}

func newMockLedger() *mockLedger {
	return &mockLedger{settlements: make(map[string]*Settlement)}
}

func (m *mockLedger) BuildEnvelope(ctx context.Context, intent *TxIntent) (*TxEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.built = append(m.built, intent)
	return &TxEnvelope{
		ID:        "env_" + intent.Reference,
		Network:   "testnet",
		Reference: intent.Reference,
		Payload:   []byte("unsigned:" + intent.Reference),
	}, nil
}

func (m *mockLedger) Submit(ctx context.Context, env *TxEnvelope) (*Settlement, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, env)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, env)
	st := &Settlement{Settled: true, TxHash: "0xtx_" + env.Reference, LedgerSeq: uint64(len(m.submitted))}
	m.settlements[env.Reference] = st
	return st, nil
}

func (m *mockLedger) FindByReference(ctx context.Context, reference string) (*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settlements[reference], nil
}

func (m *mockLedger) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submitted)
}

func (m *mockLedger) lastIntent() *TxIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.built) == 0 {
		return nil
	}
	return m.built[len(m.built)-1]
}

// mockSigner approves everything unless told otherwise.
type mockSigner struct {
	mu     sync.Mutex
	reject bool
	err    error
	signed int
}

func (s *mockSigner) Sign(ctx context.Context, env *TxEnvelope) (*TxEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.reject {
		return nil, fmt.Errorf("%w: envelope %s", ErrUserCancelled, env.ID)
	}
	s.signed++
	return &TxEnvelope{
		ID:        env.ID,
		Network:   env.Network,
		Reference: env.Reference,
		Payload:   append([]byte("signed:"), env.Payload...),
		Signed:    true,
	}, nil
}

func testEngine(t *testing.T, opts ...Option) (*Engine, *MemoryStore, *mockLedger, *mockSigner) {
	t.Helper()
	store := NewMemoryStore()
	ledger := newMockLedger()
	signer := &mockSigner{}
	e := NewEngine(store, ledger, signer, opts...)
	return e, store, ledger, signer
}

// initRequest returns a valid request with one milestone per amount.
func initRequest(amounts ...string) InitializeRequest {
	total := new(big.Int)
	a := asset.Asset{Code: "USDC", Decimals: asset.DefaultDecimals}
	for _, amt := range amounts {
		v, _ := a.Parse(amt)
		total.Add(total, v)
	}
	specs := make([]MilestoneSpec, len(amounts))
	for i, amt := range amounts {
		specs[i] = MilestoneSpec{Description: fmt.Sprintf("milestone %d", i+1), Amount: amt}
	}
	return InitializeRequest{
		Buyer:       testBuyer,
		Seller:      testSeller,
		Arbiter:     testArbiter,
		TotalAmount: a.Format(total),
		Deadline:    time.Now().Add(24 * time.Hour),
		Milestones:  specs,
	}
}

func mustInit(t *testing.T, e *Engine, amounts ...string) *Contract {
	t.Helper()
	c, err := e.InitializeEscrow(context.Background(), initRequest(amounts...))
	if err != nil {
		t.Fatalf("InitializeEscrow failed: %v", err)
	}
	return c
}

func mustFund(t *testing.T, e *Engine, c *Contract) *Contract {
	t.Helper()
	res, err := e.FundEscrow(context.Background(), c.ID, c.TotalAmount)
	if err != nil {
		t.Fatalf("FundEscrow failed: %v", err)
	}
	return res.Contract
}

func TestLifecycle_HappyPath(t *testing.T) {
	e, _, ledger, _ := testEngine(t)
	ctx := context.Background()

	c := mustInit(t, e, "1.000000", "2.000000")
	if c.Status != ContractInitialized {
		t.Errorf("expected status initialized, got %s", c.Status)
	}
	if len(c.Milestones) != 2 {
		t.Fatalf("expected 2 milestones, got %d", len(c.Milestones))
	}
	if c.TotalAmount != "3.000000" {
		t.Errorf("expected total 3.000000, got %s", c.TotalAmount)
	}

	c = mustFund(t, e, c)
	if c.Status != ContractActive {
		t.Errorf("expected status active after funding, got %s", c.Status)
	}
	if c.FundTxHash == "" {
		t.Error("expected FundTxHash to be set")
	}
	intent := ledger.lastIntent()
	if intent.Kind != "fund" || intent.Source != testBuyer {
		t.Errorf("unexpected fund intent: kind=%s source=%s", intent.Kind, intent.Source)
	}

	for _, m := range c.Milestones {
		if _, err := e.CompleteMilestone(ctx, c.ID, m.ID, testSeller); err != nil {
			t.Fatalf("CompleteMilestone failed: %v", err)
		}
		updated, err := e.ApproveMilestone(ctx, c.ID, m.ID, testBuyer)
		if err != nil {
			t.Fatalf("ApproveMilestone failed: %v", err)
		}
		if updated.Milestone(m.ID).Status != MilestoneApproved {
			t.Errorf("expected milestone approved, got %s", updated.Milestone(m.ID).Status)
		}
		res, err := e.ReleaseFunds(ctx, c.ID, m.ID)
		if err != nil {
			t.Fatalf("ReleaseFunds failed: %v", err)
		}
		got := res.Contract.Milestone(m.ID)
		if got.Status != MilestoneReleased {
			t.Errorf("expected milestone released, got %s", got.Status)
		}
		if got.ReleaseTxHash == "" {
			t.Error("expected ReleaseTxHash to be set")
		}
		c = res.Contract
	}

	if c.Status != ContractCompleted {
		t.Errorf("expected contract completed after last release, got %s", c.Status)
	}

	// One fund + two releases on the ledger, nothing more.
	if got := ledger.submitCount(); got != 3 {
		t.Errorf("expected 3 ledger submissions, got %d", got)
	}
}

func TestInitialize_Validation(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*InitializeRequest)
		wantErr error
	}{
		{"missing buyer", func(r *InitializeRequest) { r.Buyer = "" }, ErrValidation},
		{"buyer equals seller", func(r *InitializeRequest) { r.Seller = r.Buyer }, ErrInvalidParticipant},
		{"buyer equals seller case-insensitive", func(r *InitializeRequest) { r.Seller = strings.ToUpper(r.Buyer) }, ErrInvalidParticipant},
		{"arbiter equals seller", func(r *InitializeRequest) { r.Arbiter = r.Seller }, ErrInvalidParticipant},
		{"past deadline", func(r *InitializeRequest) { r.Deadline = time.Now().Add(-time.Hour) }, ErrValidation},
		{"no milestones", func(r *InitializeRequest) { r.Milestones = nil }, ErrValidation},
		{"zero amount milestone", func(r *InitializeRequest) { r.Milestones[0].Amount = "0" }, ErrValidation},
		{"negative amount", func(r *InitializeRequest) { r.TotalAmount = "-1.00" }, ErrValidation},
		{"sum mismatch", func(r *InitializeRequest) { r.TotalAmount = "5.000000" }, ErrValidation},
		{"fee out of range", func(r *InitializeRequest) { bps := int64(10001); r.PlatformFeeBps = &bps }, ErrValidation},
		{"single-release with two milestones", func(r *InitializeRequest) { r.EscrowType = "single-release" }, ErrValidation},
		{"quorum exceeds approvers", func(r *InitializeRequest) {
			r.Milestones[0].RequiredApprovals = 2
			r.Milestones[0].Approvers = []string{testBuyer}
		}, ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := initRequest("1.000000", "2.000000")
			tt.mutate(&req)
			_, err := e.InitializeEscrow(ctx, req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestInitialize_Defaults(t *testing.T) {
	e, _, _, _ := testEngine(t)

	c := mustInit(t, e, "1.000000")
	m := c.Milestones[0]
	if m.RequiredApprovals != 1 {
		t.Errorf("expected default quorum 1, got %d", m.RequiredApprovals)
	}
	if len(m.Approvers) != 1 || m.Approvers[0] != testBuyer {
		t.Errorf("expected buyer as default approver, got %v", m.Approvers)
	}
}

func TestFund_WrongAmount(t *testing.T) {
	e, _, ledger, _ := testEngine(t)
	c := mustInit(t, e, "1.000000", "2.000000")

	_, err := e.FundEscrow(context.Background(), c.ID, "1.000000")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("partial funding should fail with ErrValidation, got %v", err)
	}
	if ledger.submitCount() != 0 {
		t.Error("no ledger submission should happen for rejected funding")
	}

	// The failed attempt must not leave a claim behind.
	got, _ := e.Get(context.Background(), c.ID)
	if got.InFlight != "" {
		t.Errorf("expected no in-flight marker, got %q", got.InFlight)
	}
}

func TestFund_AlreadyFunded(t *testing.T) {
	e, _, _, _ := testEngine(t)
	c := mustInit(t, e, "1.000000")
	mustFund(t, e, c)

	_, err := e.FundEscrow(context.Background(), c.ID, c.TotalAmount)
	if !errors.Is(err, ErrNotEligible) {
		t.Errorf("funding an active contract should fail with ErrNotEligible, got %v", err)
	}
}

func TestFund_ResumesSettledSubmission(t *testing.T) {
	// A previous funding attempt landed on the ledger but the caller gave up
	// before finalizing. The retry must finalize from the existing settlement
	// without submitting again.
	e, _, ledger, _ := testEngine(t)
	c := mustInit(t, e, "1.000000")

	ledger.settlements[fundRef(c.ID)] = &Settlement{Settled: true, TxHash: "0xearlier"}

	res, err := e.FundEscrow(context.Background(), c.ID, c.TotalAmount)
	if err != nil {
		t.Fatalf("FundEscrow failed: %v", err)
	}
	if res.Contract.Status != ContractActive {
		t.Errorf("expected active, got %s", res.Contract.Status)
	}
	if res.Contract.FundTxHash != "0xearlier" {
		t.Errorf("expected the earlier tx hash, got %s", res.Contract.FundTxHash)
	}
	if ledger.submitCount() != 0 {
		t.Errorf("expected no new submission, got %d", ledger.submitCount())
	}
}

func TestComplete_OnlySeller(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000")
	mID := c.Milestones[0].ID

	if _, err := e.CompleteMilestone(ctx, c.ID, mID, testBuyer); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("buyer completing work should fail with ErrUnauthorized, got %v", err)
	}

	res, err := e.CompleteMilestone(ctx, c.ID, mID, testSeller)
	if err != nil {
		t.Fatalf("CompleteMilestone failed: %v", err)
	}
	m := res.Contract.Milestone(mID)
	if m.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
	if m.Status != MilestonePending {
		t.Errorf("completion must not change status, got %s", m.Status)
	}

	// Retried completion is a no-op, not an error.
	first := *m.CompletedAt
	res, err = e.CompleteMilestone(ctx, c.ID, mID, testSeller)
	if err != nil {
		t.Fatalf("retried CompleteMilestone failed: %v", err)
	}
	if !res.Contract.Milestone(mID).CompletedAt.Equal(first) {
		t.Error("retried completion must not move the timestamp")
	}
}

func TestComplete_WithProof(t *testing.T) {
	e, _, ledger, _ := testEngine(t, WithCompletionProof(true))
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000")
	mID := c.Milestones[0].ID

	res, err := e.CompleteMilestone(ctx, c.ID, mID, testSeller)
	if err != nil {
		t.Fatalf("CompleteMilestone failed: %v", err)
	}
	if res.Contract.Milestone(mID).CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if res.TxRef == nil || res.TxRef.ID == "" {
		t.Error("expected a transaction ref for the attestation")
	}
	intent := ledger.lastIntent()
	if intent.Kind != "completion" || intent.MilestoneID != mID {
		t.Errorf("unexpected attestation intent: kind=%s milestone=%s", intent.Kind, intent.MilestoneID)
	}
}

func TestApprove_Quorum(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()

	req := initRequest("3.000000")
	req.Milestones[0].RequiredApprovals = 2
	req.Milestones[0].Approvers = []string{testBuyer, "0xreviewer", "0xmanager"}
	c, err := e.InitializeEscrow(ctx, req)
	if err != nil {
		t.Fatalf("InitializeEscrow failed: %v", err)
	}
	c = mustFund(t, e, c)
	mID := c.Milestones[0].ID

	// First approval: below quorum, stays pending.
	c, err = e.ApproveMilestone(ctx, c.ID, mID, testBuyer)
	if err != nil {
		t.Fatalf("ApproveMilestone failed: %v", err)
	}
	if got := c.Milestone(mID); got.Status != MilestonePending || len(got.Approvals) != 1 {
		t.Errorf("after 1 of 2 approvals: status=%s approvals=%d", got.Status, len(got.Approvals))
	}

	// Same stakeholder again: no-op, approval set unchanged.
	c, err = e.ApproveMilestone(ctx, c.ID, mID, testBuyer)
	if err != nil {
		t.Fatalf("repeated approval failed: %v", err)
	}
	if got := c.Milestone(mID); len(got.Approvals) != 1 {
		t.Errorf("repeated approval grew the set to %d", len(got.Approvals))
	}

	// Second distinct approval reaches quorum atomically.
	c, err = e.ApproveMilestone(ctx, c.ID, mID, "0xreviewer")
	if err != nil {
		t.Fatalf("ApproveMilestone failed: %v", err)
	}
	if got := c.Milestone(mID); got.Status != MilestoneApproved || got.ApprovedAt == nil {
		t.Errorf("after quorum: status=%s approvedAt=%v", got.Status, got.ApprovedAt)
	}

	// A third approver after quorum: milestone already approved, their
	// retried call errors since they never approved before.
	if _, err := e.ApproveMilestone(ctx, c.ID, mID, "0xmanager"); !errors.Is(err, ErrNotEligible) {
		t.Errorf("late first-time approval should fail with ErrNotEligible, got %v", err)
	}

	// A retried call from someone whose approval already landed is fine.
	if _, err := e.ApproveMilestone(ctx, c.ID, mID, testBuyer); err != nil {
		t.Errorf("retried approval after quorum should be a no-op, got %v", err)
	}
}

func TestApprove_Unauthorized(t *testing.T) {
	e, _, _, _ := testEngine(t)
	c := mustFundNew(t, e, "1.000000")

	_, err := e.ApproveMilestone(context.Background(), c.ID, c.Milestones[0].ID, "0xstranger")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	// The seller holds no approval rights by default either.
	_, err = e.ApproveMilestone(context.Background(), c.ID, c.Milestones[0].ID, testSeller)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for seller, got %v", err)
	}
}

func TestApprove_BeforeFunding(t *testing.T) {
	e, _, _, _ := testEngine(t)
	c := mustInit(t, e, "1.000000")

	_, err := e.ApproveMilestone(context.Background(), c.ID, c.Milestones[0].ID, testBuyer)
	if !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible on initialized contract, got %v", err)
	}
}

func TestRelease_RequiresApproval(t *testing.T) {
	e, _, _, _ := testEngine(t)
	c := mustFundNew(t, e, "1.000000")

	_, err := e.ReleaseFunds(context.Background(), c.ID, c.Milestones[0].ID)
	if !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible before approval, got %v", err)
	}
}

func TestRelease_ExactlyOnce(t *testing.T) {
	e, _, ledger, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000")
	mID := c.Milestones[0].ID

	if _, err := e.ApproveMilestone(ctx, c.ID, mID, testBuyer); err != nil {
		t.Fatalf("ApproveMilestone failed: %v", err)
	}
	if _, err := e.ReleaseFunds(ctx, c.ID, mID); err != nil {
		t.Fatalf("ReleaseFunds failed: %v", err)
	}

	_, err := e.ReleaseFunds(ctx, c.ID, mID)
	if !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("second release should fail with ErrAlreadyReleased, got %v", err)
	}
	if got := ledger.submitCount(); got != 2 { // fund + one release
		t.Errorf("expected 2 ledger submissions, got %d", got)
	}
}

func TestRelease_PlatformFeeSplit(t *testing.T) {
	e, _, ledger, _ := testEngine(t, WithPlatformAccount("0xplatform", 0))
	ctx := context.Background()

	req := initRequest("100.000000")
	bps := int64(250) // 2.5%
	req.PlatformFeeBps = &bps
	c, err := e.InitializeEscrow(ctx, req)
	if err != nil {
		t.Fatalf("InitializeEscrow failed: %v", err)
	}
	c = mustFund(t, e, c)
	mID := c.Milestones[0].ID
	if _, err := e.ApproveMilestone(ctx, c.ID, mID, testBuyer); err != nil {
		t.Fatalf("ApproveMilestone failed: %v", err)
	}
	if _, err := e.ReleaseFunds(ctx, c.ID, mID); err != nil {
		t.Fatalf("ReleaseFunds failed: %v", err)
	}

	intent := ledger.lastIntent()
	if intent.Destination != testSeller {
		t.Errorf("release destination = %s, want seller", intent.Destination)
	}
	if intent.FeeDest != "0xplatform" {
		t.Errorf("fee destination = %s, want platform account", intent.FeeDest)
	}
	// 100.000000 at 250 bps: 2.5 to the platform, 97.5 to the seller.
	if intent.FeeAmount.Cmp(big.NewInt(2_500_000)) != 0 {
		t.Errorf("fee amount = %s, want 2500000", intent.FeeAmount)
	}
	if intent.Amount.Cmp(big.NewInt(97_500_000)) != 0 {
		t.Errorf("release amount = %s, want 97500000", intent.Amount)
	}
	// Conservation: fee + release equals the milestone amount.
	total := new(big.Int).Add(intent.Amount, intent.FeeAmount)
	if total.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("fee + release = %s, want 100000000", total)
	}
}

func TestRelease_NoFeeAccount(t *testing.T) {
	// Fee configured but no platform account: full amount to the seller.
	e, _, ledger, _ := testEngine(t)
	ctx := context.Background()

	req := initRequest("100.000000")
	bps := int64(250)
	req.PlatformFeeBps = &bps
	c, err := e.InitializeEscrow(ctx, req)
	if err != nil {
		t.Fatalf("InitializeEscrow failed: %v", err)
	}
	c = mustFund(t, e, c)
	mID := c.Milestones[0].ID
	if _, err := e.ApproveMilestone(ctx, c.ID, mID, testBuyer); err != nil {
		t.Fatalf("ApproveMilestone failed: %v", err)
	}
	if _, err := e.ReleaseFunds(ctx, c.ID, mID); err != nil {
		t.Fatalf("ReleaseFunds failed: %v", err)
	}

	intent := ledger.lastIntent()
	if intent.FeeAmount != nil {
		t.Errorf("expected no fee leg, got %s", intent.FeeAmount)
	}
	if intent.Amount.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("release amount = %s, want full 100000000", intent.Amount)
	}
}

func TestSettle_SignerRejection(t *testing.T) {
	e, _, ledger, signer := testEngine(t)
	c := mustInit(t, e, "1.000000")
	signer.reject = true

	_, err := e.FundEscrow(context.Background(), c.ID, c.TotalAmount)
	if !errors.Is(err, ErrUserCancelled) {
		t.Fatalf("expected ErrUserCancelled, got %v", err)
	}
	if ledger.submitCount() != 0 {
		t.Error("rejected envelope must not be submitted")
	}

	got, _ := e.Get(context.Background(), c.ID)
	if got.InFlight != "" {
		t.Errorf("claim not rolled back: in-flight %q", got.InFlight)
	}
	if got.Status != ContractInitialized {
		t.Errorf("contract state must be unchanged, got %s", got.Status)
	}

	// Funding succeeds once the signer cooperates.
	signer.reject = false
	if _, err := e.FundEscrow(context.Background(), c.ID, c.TotalAmount); err != nil {
		t.Fatalf("retry after rejection failed: %v", err)
	}
}

func TestSettle_LedgerRejection(t *testing.T) {
	e, _, ledger, _ := testEngine(t)
	c := mustInit(t, e, "1.000000")

	ledger.submitFn = func(ctx context.Context, env *TxEnvelope) (*Settlement, error) {
		return &Settlement{Settled: false, FailureReason: "op_underfunded"}, nil
	}

	_, err := e.FundEscrow(context.Background(), c.ID, c.TotalAmount)
	if !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("expected ErrSettlementFailed, got %v", err)
	}
	// The ledger's reason comes back verbatim.
	if !strings.Contains(err.Error(), "op_underfunded") {
		t.Errorf("error should carry the ledger reason, got %v", err)
	}

	got, _ := e.Get(context.Background(), c.ID)
	if got.InFlight != "" || got.Status != ContractInitialized {
		t.Errorf("failed settlement must roll back: inFlight=%q status=%s", got.InFlight, got.Status)
	}
}

func TestSettle_Timeout(t *testing.T) {
	e, _, ledger, _ := testEngine(t, WithSettlementTimeout(20*time.Millisecond))
	c := mustInit(t, e, "1.000000")

	ledger.submitFn = func(ctx context.Context, env *TxEnvelope) (*Settlement, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := e.FundEscrow(context.Background(), c.ID, c.TotalAmount)
	if !errors.Is(err, ErrOperationTimedOut) {
		t.Fatalf("expected ErrOperationTimedOut, got %v", err)
	}

	got, _ := e.Get(context.Background(), c.ID)
	if got.InFlight != "" {
		t.Errorf("claim not rolled back after timeout: %q", got.InFlight)
	}
}

func TestSettle_InFlightConflict(t *testing.T) {
	e, _, ledger, _ := testEngine(t)
	ctx := context.Background()
	c := mustInit(t, e, "1.000000")

	started := make(chan struct{})
	release := make(chan struct{})
	ledger.submitFn = func(ctx context.Context, env *TxEnvelope) (*Settlement, error) {
		close(started)
		<-release
		return &Settlement{Settled: true, TxHash: "0xslow"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.FundEscrow(ctx, c.ID, c.TotalAmount)
		done <- err
	}()
	<-started

	// A second mutation while the settlement is pending fails fast.
	_, err := e.FundEscrow(ctx, c.ID, c.TotalAmount)
	if !errors.Is(err, ErrOperationInFlight) {
		t.Errorf("expected ErrOperationInFlight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("original funding failed: %v", err)
	}
}

func TestApprove_RejectedWhileSettlementInFlight(t *testing.T) {
	e, store, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000")

	// Simulate a pending settlement claim from another instance.
	got, _ := store.Get(ctx, c.ID)
	now := time.Now().UTC()
	got.InFlight = releaseRef(c.Milestones[0].ID)
	got.InFlightSince = &now
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}

	_, err := e.ApproveMilestone(ctx, c.ID, c.Milestones[0].ID, testBuyer)
	if !errors.Is(err, ErrOperationInFlight) {
		t.Errorf("expected ErrOperationInFlight, got %v", err)
	}
}

func TestReconcile_FinalizesLandedSettlement(t *testing.T) {
	e, store, ledger, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000")
	mID := c.Milestones[0].ID
	if _, err := e.ApproveMilestone(ctx, c.ID, mID, testBuyer); err != nil {
		t.Fatalf("ApproveMilestone failed: %v", err)
	}

	// A release settled on the ledger but the process died before
	// finalizing. The marker is still set; the settlement is findable.
	got, _ := store.Get(ctx, c.ID)
	now := time.Now().UTC().Add(-10 * time.Minute)
	got.InFlight = releaseRef(mID)
	got.InFlightSince = &now
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}
	ledger.settlements[releaseRef(mID)] = &Settlement{Settled: true, TxHash: "0xlanded"}

	if err := e.Reconcile(ctx, c.ID); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	final, _ := e.Get(ctx, c.ID)
	if final.InFlight != "" {
		t.Errorf("marker not cleared: %q", final.InFlight)
	}
	m := final.Milestone(mID)
	if m.Status != MilestoneReleased || m.ReleaseTxHash != "0xlanded" {
		t.Errorf("milestone not finalized: status=%s hash=%s", m.Status, m.ReleaseTxHash)
	}
	if final.Status != ContractCompleted {
		t.Errorf("expected contract completed, got %s", final.Status)
	}
}

func TestReconcile_RollsBackUnsettled(t *testing.T) {
	e, store, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000")
	mID := c.Milestones[0].ID

	got, _ := store.Get(ctx, c.ID)
	now := time.Now().UTC().Add(-10 * time.Minute)
	got.InFlight = releaseRef(mID)
	got.InFlightSince = &now
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}

	if err := e.Reconcile(ctx, c.ID); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	final, _ := e.Get(ctx, c.ID)
	if final.InFlight != "" {
		t.Errorf("marker should be rolled back, got %q", final.InFlight)
	}
	if final.Milestone(mID).Status != MilestonePending {
		t.Errorf("milestone must be untouched, got %s", final.Milestone(mID).Status)
	}
}

func TestCancelExpired(t *testing.T) {
	e, store, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustInit(t, e, "1.000000")

	// Not yet expired.
	if _, err := e.CancelExpired(ctx, c.ID); !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible before the deadline, got %v", err)
	}

	// Move the deadline into the past.
	got, _ := store.Get(ctx, c.ID)
	got.Deadline = time.Now().Add(-time.Hour)
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}

	cancelled, err := e.CancelExpired(ctx, c.ID)
	if err != nil {
		t.Fatalf("CancelExpired failed: %v", err)
	}
	if cancelled.Status != ContractCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	for _, m := range cancelled.Milestones {
		if m.Status != MilestoneCancelled {
			t.Errorf("milestone %s not cancelled: %s", m.ID, m.Status)
		}
	}
}

func TestCancelExpired_FundedContractUntouched(t *testing.T) {
	e, store, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000")

	got, _ := store.Get(ctx, c.ID)
	got.Deadline = time.Now().Add(-time.Hour)
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}

	if _, err := e.CancelExpired(ctx, c.ID); !errors.Is(err, ErrNotEligible) {
		t.Errorf("funded contracts are never auto-cancelled, got %v", err)
	}
}

func TestConcurrentApprovals(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()

	approvers := []string{testBuyer, "0xreviewer", "0xmanager", "0xauditor"}
	req := initRequest("4.000000")
	req.Milestones[0].RequiredApprovals = 4
	req.Milestones[0].Approvers = approvers
	c, err := e.InitializeEscrow(ctx, req)
	if err != nil {
		t.Fatalf("InitializeEscrow failed: %v", err)
	}
	c = mustFund(t, e, c)
	mID := c.Milestones[0].ID

	// All approvers race; version conflicts retry internally and every
	// approval must land exactly once.
	var wg sync.WaitGroup
	errs := make(chan error, len(approvers))
	for _, a := range approvers {
		wg.Add(1)
		go func(stakeholder string) {
			defer wg.Done()
			if _, err := e.ApproveMilestone(ctx, c.ID, mID, stakeholder); err != nil {
				errs <- err
			}
		}(a)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent approval failed: %v", err)
	}

	final, _ := e.Get(ctx, c.ID)
	m := final.Milestone(mID)
	if len(m.Approvals) != len(approvers) {
		t.Errorf("expected %d approvals, got %d", len(approvers), len(m.Approvals))
	}
	if m.Status != MilestoneApproved {
		t.Errorf("expected approved after full quorum, got %s", m.Status)
	}
}

func TestAmountConservation(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.500000", "2.250000", "0.250001")

	total, err := c.Asset.Parse(c.TotalAmount)
	if err != nil {
		t.Fatalf("Parse total: %v", err)
	}

	// The milestone sum equals the total at every lifecycle step, even
	// after a dispute cancels one milestone.
	checkSum := func(label string) {
		t.Helper()
		got, _ := e.Get(ctx, c.ID)
		sum, err := got.MilestoneSum()
		if err != nil {
			t.Fatalf("%s: MilestoneSum: %v", label, err)
		}
		if sum.Cmp(total) != 0 {
			t.Errorf("%s: milestone sum %s != total %s", label, sum, total)
		}
	}

	checkSum("after funding")

	m0 := c.Milestones[0].ID
	if _, err := e.ApproveMilestone(ctx, c.ID, m0, testBuyer); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ReleaseFunds(ctx, c.ID, m0); err != nil {
		t.Fatal(err)
	}
	checkSum("after release")

	m1 := c.Milestones[1].ID
	if _, err := e.StartDispute(ctx, c.ID, m1, testBuyer, "work rejected"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ResolveDispute(ctx, c.ID, m1, testArbiter, ResolutionReject, "confirmed defective"); err != nil {
		t.Fatal(err)
	}
	checkSum("after dispute rejection")
}

func TestEvents_AuditLog(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()
	c := mustFundNew(t, e, "1.000000")
	mID := c.Milestones[0].ID

	if _, err := e.ApproveMilestone(ctx, c.ID, mID, testBuyer); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ReleaseFunds(ctx, c.ID, mID); err != nil {
		t.Fatal(err)
	}

	events, err := e.Events(ctx, c.ID, 0)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	seen := make(map[EventType]bool)
	for _, ev := range events {
		seen[ev.Type] = true
	}
	for _, want := range []EventType{
		EventEscrowInitialized, EventEscrowFunded, EventApprovalRecorded,
		EventMilestoneApproved, EventFundsReleased, EventEscrowCompleted,
	} {
		if !seen[want] {
			t.Errorf("missing event %s in audit log", want)
		}
	}

	// Unknown contract: the log lookup reports not found rather than empty.
	if _, err := e.Events(ctx, "ct_missing", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	e, _, _, _ := testEngine(t)
	if _, err := e.Get(context.Background(), "ct_nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// mustFundNew creates and fully funds a fresh contract.
func mustFundNew(t *testing.T, e *Engine, amounts ...string) *Contract {
	t.Helper()
	return mustFund(t, e, mustInit(t, e, amounts...))
}
