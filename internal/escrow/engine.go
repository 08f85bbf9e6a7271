package escrow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trustwork/escrowd/internal/asset"
	"github.com/trustwork/escrowd/internal/idgen"
	"github.com/trustwork/escrowd/internal/metrics"
	"github.com/trustwork/escrowd/internal/retry"
	"github.com/trustwork/escrowd/internal/syncutil"
	"github.com/trustwork/escrowd/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// TxIntent describes a ledger operation the engine wants performed. The
// gateway turns it into a signable envelope; the engine never sees chain
// encoding details.
type TxIntent struct {
	Kind        string // "fund", "release", "completion"
	Reference   string // idempotency key, also embedded in the envelope
	ContractID  string
	MilestoneID string
	Source      string
	Destination string
	Amount      *big.Int
	FeeDest     string
	FeeAmount   *big.Int
	Asset       asset.Asset
	Memo        string
}

// TxEnvelope is an opaque signable transaction description. The payload is
// produced unsigned by the ledger gateway and returned signed by the
// signing collaborator.
type TxEnvelope struct {
	ID        string `json:"id"`
	Network   string `json:"network"`
	Reference string `json:"reference"`
	Payload   []byte `json:"payload"`
	Signed    bool   `json:"signed"`
}

// Settlement is the ledger's verdict on a submitted envelope.
type Settlement struct {
	Settled       bool   `json:"settled"`
	TxHash        string `json:"ledgerHash"`
	LedgerSeq     uint64 `json:"ledgerSeq,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

// Ledger abstracts the external settlement network so the engine doesn't
// import the gateway implementation.
type Ledger interface {
	BuildEnvelope(ctx context.Context, intent *TxIntent) (*TxEnvelope, error)
	// Submit sends a signed envelope and waits for settlement. Transient
	// transport failures are retried internally; a definitive rejection
	// comes back as a Settlement with Settled=false and the ledger's
	// reason verbatim.
	Submit(ctx context.Context, env *TxEnvelope) (*Settlement, error)
	// FindByReference looks up a previous submission by its idempotency
	// reference. Returns (nil, nil) when the reference was never seen.
	FindByReference(ctx context.Context, reference string) (*Settlement, error)
}

// Signer is the external signing collaborator (wallet). Sign returns an
// error wrapping ErrUserCancelled when the key holder explicitly rejects.
type Signer interface {
	Sign(ctx context.Context, env *TxEnvelope) (*TxEnvelope, error)
}

// TransactionRef points the caller at the settled (or submitted) ledger
// transaction for a mutating operation.
type TransactionRef struct {
	ID       string `json:"id"`
	Network  string `json:"network"`
	Envelope string `json:"envelope,omitempty"`
}

// Result is the outcome of a settlement-bearing operation: the committed
// contract snapshot plus the transaction reference.
type Result struct {
	Contract *Contract       `json:"escrow"`
	TxRef    *TransactionRef `json:"transactionRef,omitempty"`
}

// MilestoneSpec describes one milestone at contract initialization.
type MilestoneSpec struct {
	Description       string   `json:"description"`
	Amount            string   `json:"amount" binding:"required"`
	RequiredApprovals int      `json:"requiredApprovals"`
	Approvers         []string `json:"approvers"`
}

// InitializeRequest contains the parameters for creating a contract.
type InitializeRequest struct {
	EscrowType     string            `json:"escrowType"` // "single-release" or "multi-release"
	Buyer          string            `json:"buyer" binding:"required"`
	Seller         string            `json:"seller" binding:"required"`
	Arbiter        string            `json:"arbiter" binding:"required"`
	Asset          *asset.Asset      `json:"asset,omitempty"`
	TotalAmount    string            `json:"amount" binding:"required"`
	PlatformFeeBps *int64            `json:"platformFee,omitempty"`
	Terms          string            `json:"terms"`
	Deadline       time.Time         `json:"deadline" binding:"required"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Milestones     []MilestoneSpec   `json:"milestones" binding:"required"`
}

const (
	defaultOCCAttempts = 5
	occBaseDelay       = 25 * time.Millisecond
)

// Engine coordinates the escrow milestone lifecycle. All contract and
// milestone mutation passes through it.
type Engine struct {
	store   Store
	ledger  Ledger
	signer  Signer
	emitter Emitter
	logger  *slog.Logger
	claims  syncutil.ShardedMutex

	network         string
	defaultAsset    asset.Asset
	defaultFeeBps   int64
	platformAccount string
	settleTimeout   time.Duration
	occAttempts     int
	completionProof bool
}

// Option configures the engine.
type Option func(*Engine)

// WithEmitter sets the domain event emitter.
func WithEmitter(e Emitter) Option {
	return func(en *Engine) { en.emitter = e }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(en *Engine) { en.logger = l }
}

// WithNetwork sets the network identifier reported in transaction refs.
func WithNetwork(network string) Option {
	return func(en *Engine) { en.network = network }
}

// WithDefaultAsset sets the asset used when a request doesn't name one.
func WithDefaultAsset(a asset.Asset) Option {
	return func(en *Engine) { en.defaultAsset = a }
}

// WithPlatformAccount routes the platform fee cut of each release to the
// given account at the given default rate.
func WithPlatformAccount(account string, feeBps int64) Option {
	return func(en *Engine) {
		en.platformAccount = account
		en.defaultFeeBps = feeBps
	}
}

// WithSettlementTimeout bounds a single sign+submit+settle round trip.
func WithSettlementTimeout(d time.Duration) Option {
	return func(en *Engine) { en.settleTimeout = d }
}

// WithCompletionProof makes CompleteMilestone record an on-chain
// attestation through the same sign/submit/settle path as funding.
func WithCompletionProof(enabled bool) Option {
	return func(en *Engine) { en.completionProof = enabled }
}

// NewEngine creates an escrow lifecycle engine.
func NewEngine(store Store, ledger Ledger, signer Signer, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		ledger:        ledger,
		signer:        signer,
		emitter:       NopEmitter(),
		logger:        slog.Default(),
		network:       "testnet",
		defaultAsset:  asset.Asset{Code: "USDC", Decimals: asset.DefaultDecimals},
		settleTimeout: 90 * time.Second,
		occAttempts:   defaultOCCAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// -----------------------------------------------------------------------------
// Lifecycle operations
// -----------------------------------------------------------------------------

// InitializeEscrow validates and records a new contract. Pure bookkeeping:
// no ledger transaction happens until FundEscrow.
func (e *Engine) InitializeEscrow(ctx context.Context, req InitializeRequest) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Initialize",
		attribute.String("buyer", req.Buyer),
		attribute.Int("milestones", len(req.Milestones)),
	)
	defer span.End()

	for field, v := range map[string]string{"buyer": req.Buyer, "seller": req.Seller, "arbiter": req.Arbiter} {
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("%w: %s is required", ErrValidation, field)
		}
	}
	if strings.EqualFold(req.Buyer, req.Seller) ||
		strings.EqualFold(req.Buyer, req.Arbiter) ||
		strings.EqualFold(req.Seller, req.Arbiter) {
		return nil, fmt.Errorf("%w: buyer, seller, and arbiter must be distinct", ErrInvalidParticipant)
	}
	if !req.Deadline.After(time.Now()) {
		return nil, fmt.Errorf("%w: deadline must be in the future", ErrValidation)
	}
	if len(req.Milestones) == 0 {
		return nil, fmt.Errorf("%w: at least one milestone is required", ErrValidation)
	}
	if req.EscrowType == "single-release" && len(req.Milestones) != 1 {
		return nil, fmt.Errorf("%w: single-release escrow takes exactly one milestone", ErrValidation)
	}

	contractAsset := e.defaultAsset
	if req.Asset != nil {
		contractAsset = *req.Asset
	}
	if err := contractAsset.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	total, err := contractAsset.Parse(req.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", ErrValidation, err)
	}
	if total.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	feeBps := e.defaultFeeBps
	if req.PlatformFeeBps != nil {
		feeBps = *req.PlatformFeeBps
	}
	if feeBps < 0 || feeBps > 10000 {
		return nil, fmt.Errorf("%w: platform fee must be between 0 and 10000 bps", ErrValidation)
	}

	now := time.Now().UTC()
	contractID := idgen.WithPrefix(idgen.PrefixContract)
	milestones := make([]Milestone, len(req.Milestones))
	sum := new(big.Int)
	for i, spec := range req.Milestones {
		amt, err := contractAsset.Parse(spec.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: milestones[%d]: %v", ErrValidation, i, err)
		}
		if amt.Sign() <= 0 {
			return nil, fmt.Errorf("%w: milestones[%d]: amount must be positive", ErrValidation, i)
		}
		required := spec.RequiredApprovals
		if required < 1 {
			required = 1
		}
		approvers := spec.Approvers
		if len(approvers) == 0 {
			approvers = []string{req.Buyer}
		}
		if required > len(approvers) {
			return nil, fmt.Errorf("%w: milestones[%d]: requiredApprovals (%d) exceeds approver count (%d)",
				ErrValidation, i, required, len(approvers))
		}
		sum.Add(sum, amt)
		milestones[i] = Milestone{
			ID:                idgen.WithPrefix(idgen.PrefixMilestone),
			ContractID:        contractID,
			Description:       spec.Description,
			Amount:            contractAsset.Format(amt),
			Status:            MilestonePending,
			RequiredApprovals: required,
			Approvers:         approvers,
			Approvals:         []Approval{},
		}
	}
	if sum.Cmp(total) != 0 {
		return nil, fmt.Errorf("%w: milestone amounts sum to %s but contract total is %s",
			ErrValidation, contractAsset.Format(sum), contractAsset.Format(total))
	}

	contract := &Contract{
		ID:             contractID,
		Buyer:          req.Buyer,
		Seller:         req.Seller,
		Arbiter:        req.Arbiter,
		Asset:          contractAsset,
		TotalAmount:    contractAsset.Format(total),
		PlatformFeeBps: feeBps,
		Terms:          req.Terms,
		Deadline:       req.Deadline,
		Status:         ContractInitialized,
		Milestones:     milestones,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.store.Create(ctx, contract); err != nil {
		return nil, fmt.Errorf("failed to create contract: %w", err)
	}

	e.emit(ctx, newEvent(contract.ID, "", EventEscrowInitialized, map[string]string{
		"totalAmount": contract.TotalAmount,
		"milestones":  fmt.Sprintf("%d", len(contract.Milestones)),
	}))
	return contract, nil
}

// FundEscrow moves the full contract amount into escrow on the ledger.
// Partial funding is not supported.
func (e *Engine) FundEscrow(ctx context.Context, contractID, amount string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", attribute.String("contract_id", contractID))
	defer span.End()

	ref := fundRef(contractID)
	check := func(c *Contract) error {
		if c.Status != ContractInitialized {
			return fmt.Errorf("%w: contract status is %s", ErrNotEligible, c.Status)
		}
		funding, err := c.Asset.Parse(amount)
		if err != nil {
			return fmt.Errorf("%w: amount: %v", ErrValidation, err)
		}
		total, err := c.Asset.Parse(c.TotalAmount)
		if err != nil {
			return err
		}
		if funding.Cmp(total) != 0 {
			return fmt.Errorf("%w: partial funding not supported: got %s, contract total is %s",
				ErrValidation, c.Asset.Format(funding), c.TotalAmount)
		}
		return nil
	}
	intentFn := func(c *Contract) (*TxIntent, error) {
		total, err := c.Asset.Parse(c.TotalAmount)
		if err != nil {
			return nil, err
		}
		return &TxIntent{
			Kind:       "fund",
			Reference:  ref,
			ContractID: c.ID,
			Source:     c.Buyer,
			Amount:     total,
			Asset:      c.Asset,
			Memo:       "escrow funding",
		}, nil
	}

	contract, st, env, err := e.settle(ctx, contractID, ref, check, intentFn, e.finalizeFund)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, newEvent(contract.ID, "", EventEscrowFunded, map[string]string{
		"amount": contract.TotalAmount,
		"txHash": st.TxHash,
	}))
	return result(contract, st, env, e.network), nil
}

// CompleteMilestone records that the seller finished the milestone's work,
// making it eligible for approval. The milestone status stays pending
// until quorum is reached; completion is an annotation, not a transition.
func (e *Engine) CompleteMilestone(ctx context.Context, contractID, milestoneID, callerID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CompleteMilestone",
		attribute.String("contract_id", contractID),
		attribute.String("milestone_id", milestoneID),
	)
	defer span.End()

	check := func(c *Contract) error {
		if c.Status != ContractActive {
			return fmt.Errorf("%w: contract status is %s", ErrNotEligible, c.Status)
		}
		m := c.Milestone(milestoneID)
		if m == nil {
			return ErrMilestoneNotFound
		}
		if !strings.EqualFold(callerID, c.Seller) {
			return fmt.Errorf("%w: only the seller marks work complete", ErrUnauthorized)
		}
		if m.Status != MilestonePending {
			return fmt.Errorf("%w: milestone status is %s", ErrNotEligible, m.Status)
		}
		return nil
	}

	if e.completionProof {
		ref := completionRef(milestoneID)
		intentFn := func(c *Contract) (*TxIntent, error) {
			return &TxIntent{
				Kind:        "completion",
				Reference:   ref,
				ContractID:  c.ID,
				MilestoneID: milestoneID,
				Source:      c.Seller,
				Asset:       c.Asset,
				Memo:        "milestone completion attestation",
			}, nil
		}
		finalize := func(c *Contract, st *Settlement) error {
			return e.finalizeCompletion(c, milestoneID, st)
		}
		contract, st, env, err := e.settle(ctx, contractID, ref, check, intentFn, finalize)
		if err != nil {
			return nil, err
		}
		e.emit(ctx, newEvent(contractID, milestoneID, EventMilestoneCompleted, map[string]string{"txHash": st.TxHash}))
		return result(contract, st, env, e.network), nil
	}

	var already bool
	contract, err := e.occUpdate(ctx, contractID, func(c *Contract) error {
		already = false
		if c.InFlight != "" {
			return fmt.Errorf("%w: %s", ErrOperationInFlight, c.InFlight)
		}
		if err := check(c); err != nil {
			return err
		}
		m := c.Milestone(milestoneID)
		if m.CompletedAt != nil {
			already = true // retried call, nothing to change
			return nil
		}
		now := time.Now().UTC()
		m.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !already {
		e.emit(ctx, newEvent(contractID, milestoneID, EventMilestoneCompleted, nil))
	}
	return &Result{Contract: contract}, nil
}

// ApproveMilestone records a stakeholder's approval. Re-approval by the
// same stakeholder is a safe no-op. When the approval set reaches the
// milestone's quorum, the milestone transitions to approved atomically
// with the insert.
func (e *Engine) ApproveMilestone(ctx context.Context, contractID, milestoneID, stakeholderID string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApproveMilestone",
		attribute.String("contract_id", contractID),
		attribute.String("milestone_id", milestoneID),
		attribute.String("stakeholder", stakeholderID),
	)
	defer span.End()

	var recorded, reachedQuorum bool
	contract, err := e.occUpdate(ctx, contractID, func(c *Contract) error {
		recorded, reachedQuorum = false, false
		if c.InFlight != "" {
			return fmt.Errorf("%w: %s", ErrOperationInFlight, c.InFlight)
		}
		if c.Status != ContractActive {
			return fmt.Errorf("%w: contract status is %s", ErrNotEligible, c.Status)
		}
		m := c.Milestone(milestoneID)
		if m == nil {
			return ErrMilestoneNotFound
		}
		if !m.CanApprove(stakeholderID) {
			return fmt.Errorf("%w: %s is not an approver for this milestone", ErrUnauthorized, stakeholderID)
		}
		if m.Status != MilestonePending {
			// A retried approval that already landed is a no-op.
			if m.Status == MilestoneApproved && m.HasApproval(stakeholderID) {
				return nil
			}
			return fmt.Errorf("%w: milestone status is %s", ErrNotEligible, m.Status)
		}
		if m.HasApproval(stakeholderID) {
			return nil
		}
		now := time.Now().UTC()
		m.Approvals = append(m.Approvals, Approval{StakeholderID: stakeholderID, ApprovedAt: now})
		recorded = true
		if Quorum(len(m.Approvals), m.RequiredApprovals) == QuorumReady {
			m.Status = MilestoneApproved
			m.ApprovedAt = &now
			reachedQuorum = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if recorded {
		e.emit(ctx, newEvent(contractID, milestoneID, EventApprovalRecorded, map[string]string{
			"stakeholder": stakeholderID,
		}))
	}
	if reachedQuorum {
		e.emit(ctx, newEvent(contractID, milestoneID, EventMilestoneApproved, nil))
	}
	return contract, nil
}

// ReleaseFunds settles an approved milestone's amount to the seller, minus
// the platform fee. Exactly-once per milestone: a released milestone never
// resubmits, regardless of call interleaving.
func (e *Engine) ReleaseFunds(ctx context.Context, contractID, milestoneID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseFunds",
		attribute.String("contract_id", contractID),
		attribute.String("milestone_id", milestoneID),
	)
	defer span.End()

	ref := releaseRef(milestoneID)
	check := func(c *Contract) error {
		m := c.Milestone(milestoneID)
		if m == nil {
			return ErrMilestoneNotFound
		}
		if m.Status == MilestoneReleased {
			return ErrAlreadyReleased
		}
		if c.Status != ContractActive {
			return fmt.Errorf("%w: contract status is %s", ErrNotEligible, c.Status)
		}
		if m.Status != MilestoneApproved {
			return fmt.Errorf("%w: milestone status is %s", ErrNotEligible, m.Status)
		}
		return nil
	}
	intentFn := func(c *Contract) (*TxIntent, error) {
		m := c.Milestone(milestoneID)
		amt, err := c.Asset.Parse(m.Amount)
		if err != nil {
			return nil, err
		}
		fee := platformFee(amt, c.PlatformFeeBps)
		intent := &TxIntent{
			Kind:        "release",
			Reference:   ref,
			ContractID:  c.ID,
			MilestoneID: milestoneID,
			Destination: c.Seller,
			Amount:      new(big.Int).Sub(amt, fee),
			Asset:       c.Asset,
			Memo:        "milestone release",
		}
		if fee.Sign() > 0 && e.platformAccount != "" {
			intent.FeeDest = e.platformAccount
			intent.FeeAmount = fee
		} else {
			// No fee account configured: the full amount goes to the seller.
			intent.Amount = amt
		}
		return intent, nil
	}
	finalize := func(c *Contract, st *Settlement) error {
		return e.finalizeRelease(c, milestoneID, st)
	}

	contract, st, env, err := e.settle(ctx, contractID, ref, check, intentFn, finalize)
	if err != nil {
		return nil, err
	}
	m := contract.Milestone(milestoneID)
	e.emit(ctx, newEvent(contractID, milestoneID, EventFundsReleased, map[string]string{
		"amount": m.Amount,
		"txHash": st.TxHash,
	}))
	if contract.Status == ContractCompleted {
		e.emit(ctx, newEvent(contractID, "", EventEscrowCompleted, nil))
	}
	return result(contract, st, env, e.network), nil
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// Get returns a contract by ID.
func (e *Engine) Get(ctx context.Context, contractID string) (*Contract, error) {
	return e.store.Get(ctx, contractID)
}

// ListByParticipant returns contracts the stakeholder takes part in.
func (e *Engine) ListByParticipant(ctx context.Context, stakeholderID string, limit int) ([]*Contract, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListByParticipant(ctx, stakeholderID, limit)
}

// Events returns the contract's domain event log, newest first.
func (e *Engine) Events(ctx context.Context, contractID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if _, err := e.store.Get(ctx, contractID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, contractID, limit)
}

// -----------------------------------------------------------------------------
// Maintenance (invoked by the background timer)
// -----------------------------------------------------------------------------

// CancelExpired cancels a contract that was never funded before its
// deadline passed. Funded contracts are left to the dispute path.
func (e *Engine) CancelExpired(ctx context.Context, contractID string) (*Contract, error) {
	var cancelled bool
	contract, err := e.occUpdate(ctx, contractID, func(c *Contract) error {
		cancelled = false
		if c.Status != ContractInitialized {
			return fmt.Errorf("%w: contract status is %s", ErrNotEligible, c.Status)
		}
		if c.Deadline.After(time.Now()) {
			return fmt.Errorf("%w: deadline not reached", ErrNotEligible)
		}
		c.Status = ContractCancelled
		for i := range c.Milestones {
			if !c.Milestones[i].IsTerminal() {
				c.Milestones[i].Status = MilestoneCancelled
			}
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cancelled {
		e.emit(ctx, newEvent(contractID, "", EventEscrowCancelled, map[string]string{
			"reason": "funding deadline expired",
		}))
	}
	return contract, nil
}

// Reconcile resolves a contract stuck with an in-flight marker: if the
// ledger shows the referenced transaction settled (e.g. a submit that
// timed out client-side but landed anyway), the pending state is
// finalized; otherwise the claim is rolled back so the caller can retry.
func (e *Engine) Reconcile(ctx context.Context, contractID string) error {
	c, err := e.store.Get(ctx, contractID)
	if err != nil {
		return err
	}
	ref := c.InFlight
	if ref == "" {
		return nil
	}

	st, err := e.ledger.FindByReference(ctx, ref)
	if err != nil {
		return fmt.Errorf("reconcile lookup failed: %w", err)
	}
	if st == nil || !st.Settled {
		e.logger.Info("rolling back unsettled in-flight operation", "contract_id", contractID, "reference", ref)
		return e.rollbackClaim(ctx, contractID, ref)
	}

	kind, milestoneID := parseRef(ref)
	_, err = e.occUpdate(ctx, contractID, func(c *Contract) error {
		if c.InFlight != ref {
			return nil // someone else finalized first
		}
		c.InFlight = ""
		c.InFlightSince = nil
		switch kind {
		case "fund":
			return e.finalizeFund(c, st)
		case "release":
			return e.finalizeRelease(c, milestoneID, st)
		case "complete":
			return e.finalizeCompletion(c, milestoneID, st)
		default:
			return fmt.Errorf("unknown settlement reference %q", ref)
		}
	})
	if err != nil {
		return err
	}
	e.logger.Info("reconciled settled in-flight operation", "contract_id", contractID, "reference", ref, "tx_hash", st.TxHash)
	return nil
}

// -----------------------------------------------------------------------------
// Settlement plumbing
// -----------------------------------------------------------------------------

// settle runs the two-phase sign/submit/finalize protocol:
//
//  1. claim the aggregate (in-flight marker, OCC write); a claimed
//     aggregate fails fast with ErrOperationInFlight instead of blocking
//  2. reconcile: if the reference already settled, finalize without
//     resubmitting
//  3. build envelope, hand to the signing collaborator
//  4. submit to the ledger gateway under the settlement timeout
//  5. finalize on success; roll the claim back on rejection, failure, or
//     timeout
func (e *Engine) settle(
	ctx context.Context,
	contractID, ref string,
	check func(*Contract) error,
	intentFn func(*Contract) (*TxIntent, error),
	finalize func(*Contract, *Settlement) error,
) (*Contract, *Settlement, *TxEnvelope, error) {
	kind, _ := parseRef(ref)
	timer := prometheus.NewTimer(metrics.SettlementDuration.WithLabelValues(kind))
	defer timer.ObserveDuration()

	claimed, err := e.claim(ctx, contractID, ref, check)
	if err != nil {
		return nil, nil, nil, err
	}

	// A previous attempt may have settled after its caller gave up.
	if st, err := e.ledger.FindByReference(ctx, ref); err == nil && st != nil && st.Settled {
		contract, ferr := e.finalizeClaim(ctx, contractID, ref, st, finalize)
		if ferr != nil {
			return nil, nil, nil, ferr
		}
		return contract, st, nil, nil
	}

	intent, err := intentFn(claimed)
	if err != nil {
		e.rollbackOrLog(ctx, contractID, ref)
		return nil, nil, nil, err
	}
	env, err := e.ledger.BuildEnvelope(ctx, intent)
	if err != nil {
		e.rollbackOrLog(ctx, contractID, ref)
		return nil, nil, nil, fmt.Errorf("failed to build transaction envelope: %w", err)
	}

	signed, err := e.signer.Sign(ctx, env)
	if err != nil {
		e.rollbackOrLog(ctx, contractID, ref)
		if errors.Is(err, ErrUserCancelled) {
			return nil, nil, nil, err
		}
		return nil, nil, nil, fmt.Errorf("signing failed: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, e.settleTimeout)
	defer cancel()
	st, err := e.ledger.Submit(sctx, signed)
	if err != nil {
		e.rollbackOrLog(ctx, contractID, ref)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return nil, nil, nil, fmt.Errorf("%w: %s", ErrOperationTimedOut, ref)
		}
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	if !st.Settled {
		e.rollbackOrLog(ctx, contractID, ref)
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrSettlementFailed, st.FailureReason)
	}

	contract, err := e.finalizeClaim(ctx, contractID, ref, st, finalize)
	if err != nil {
		return nil, nil, nil, err
	}
	return contract, st, signed, nil
}

// claim marks the aggregate as having a settlement in flight. The sharded
// mutex serializes in-process claimants; the version check protects
// against other instances.
func (e *Engine) claim(ctx context.Context, contractID, ref string, check func(*Contract) error) (*Contract, error) {
	unlock := e.claims.Lock(contractID)
	defer unlock()

	return e.occUpdate(ctx, contractID, func(c *Contract) error {
		if c.InFlight != "" {
			return fmt.Errorf("%w: %s", ErrOperationInFlight, c.InFlight)
		}
		if err := check(c); err != nil {
			return err
		}
		now := time.Now().UTC()
		c.InFlight = ref
		c.InFlightSince = &now
		return nil
	})
}

func (e *Engine) finalizeClaim(
	ctx context.Context,
	contractID, ref string,
	st *Settlement,
	finalize func(*Contract, *Settlement) error,
) (*Contract, error) {
	contract, err := e.occUpdate(ctx, contractID, func(c *Contract) error {
		if c.InFlight == ref {
			c.InFlight = ""
			c.InFlightSince = nil
		}
		return finalize(c, st)
	})
	if err != nil {
		// Funds moved on the ledger but the aggregate didn't commit.
		// Surface for manual resolution rather than inventing a
		// compensation the ledger has no inverse for.
		e.logger.Error("CRITICAL: settlement landed but aggregate update failed",
			"contract_id", contractID, "reference", ref, "tx_hash", st.TxHash, "error", err)
		return nil, fmt.Errorf("settlement %s landed but state update failed (requires manual resolution): %w", st.TxHash, err)
	}
	return contract, nil
}

// rollbackClaim clears the in-flight marker without other changes.
func (e *Engine) rollbackClaim(ctx context.Context, contractID, ref string) error {
	_, err := e.occUpdate(ctx, contractID, func(c *Contract) error {
		if c.InFlight == ref {
			c.InFlight = ""
			c.InFlightSince = nil
		}
		return nil
	})
	return err
}

func (e *Engine) rollbackOrLog(ctx context.Context, contractID, ref string) {
	if err := e.rollbackClaim(ctx, contractID, ref); err != nil {
		e.logger.Error("failed to roll back in-flight marker",
			"contract_id", contractID, "reference", ref, "error", err)
	}
}

// occUpdate is the shared read-modify-write loop. Version conflicts are
// retried a bounded number of times; every other error is final.
func (e *Engine) occUpdate(ctx context.Context, contractID string, mutate func(*Contract) error) (*Contract, error) {
	var out *Contract
	err := retry.Do(ctx, e.occAttempts, occBaseDelay, func() error {
		c, err := e.store.Get(ctx, contractID)
		if err != nil {
			return retry.Permanent(err)
		}
		if err := mutate(c); err != nil {
			return retry.Permanent(err)
		}
		c.UpdatedAt = time.Now().UTC()
		if err := e.store.Update(ctx, c); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				metrics.ConcurrencyConflictsTotal.Inc()
				return err
			}
			return retry.Permanent(err)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Finalizers (shared between settle and Reconcile)
// -----------------------------------------------------------------------------

func (e *Engine) finalizeFund(c *Contract, st *Settlement) error {
	if c.Status != ContractInitialized {
		return nil // already finalized
	}
	// Funding completes setup: funded, then immediately active.
	c.Status = ContractActive
	c.FundTxHash = st.TxHash
	return nil
}

func (e *Engine) finalizeRelease(c *Contract, milestoneID string, st *Settlement) error {
	m := c.Milestone(milestoneID)
	if m == nil {
		return ErrMilestoneNotFound
	}
	if m.Status == MilestoneReleased {
		return nil // already finalized
	}
	now := time.Now().UTC()
	m.Status = MilestoneReleased
	m.ReleasedAt = &now
	m.ReleaseTxHash = st.TxHash
	if c.Settled() {
		c.Status = ContractCompleted
	}
	return nil
}

func (e *Engine) finalizeCompletion(c *Contract, milestoneID string, st *Settlement) error {
	m := c.Milestone(milestoneID)
	if m == nil {
		return ErrMilestoneNotFound
	}
	if m.CompletedAt == nil {
		now := time.Now().UTC()
		m.CompletedAt = &now
	}
	return nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (e *Engine) emit(ctx context.Context, event *Event) {
	if err := e.store.RecordEvent(ctx, event); err != nil {
		e.logger.Warn("failed to record domain event",
			"contract_id", event.ContractID, "type", event.Type, "error", err)
	}
	e.emitter.Emit(ctx, event)
}

func result(c *Contract, st *Settlement, env *TxEnvelope, network string) *Result {
	ref := &TransactionRef{ID: st.TxHash, Network: network}
	if env != nil {
		ref.Envelope = hex.EncodeToString(env.Payload)
	}
	return &Result{Contract: c, TxRef: ref}
}

// platformFee computes amount * feeBps / 10000, rounding down.
func platformFee(amount *big.Int, feeBps int64) *big.Int {
	if feeBps <= 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(feeBps))
	return fee.Div(fee, big.NewInt(10000))
}

func fundRef(contractID string) string        { return "fund:" + contractID }
func releaseRef(milestoneID string) string    { return "release:" + milestoneID }
func completionRef(milestoneID string) string { return "complete:" + milestoneID }

func parseRef(ref string) (kind, milestoneID string) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) != 2 {
		return ref, ""
	}
	if parts[0] == "fund" {
		return "fund", ""
	}
	return parts[0], parts[1]
}
