package escrow

// QuorumState is the outcome of evaluating a milestone's approval set
// against its threshold.
type QuorumState string

const (
	// QuorumPending means more distinct approvals are needed.
	QuorumPending QuorumState = "pending"
	// QuorumReady means the milestone may transition to approved.
	QuorumReady QuorumState = "ready"
)

// Quorum evaluates approval-set cardinality against the required count.
// Every eligible approver counts equally once; roles carry no weight.
func Quorum(approvals, required int) QuorumState {
	if required < 1 {
		required = 1
	}
	if approvals >= required {
		return QuorumReady
	}
	return QuorumPending
}
