package escrow

import (
	"context"
	"time"

	"github.com/trustwork/escrowd/internal/idgen"
)

// EventType identifies a domain event emitted by the engine.
type EventType string

const (
	EventEscrowInitialized  EventType = "escrow.initialized"
	EventEscrowFunded       EventType = "escrow.funded"
	EventEscrowCompleted    EventType = "escrow.completed"
	EventEscrowCancelled    EventType = "escrow.cancelled"
	EventMilestoneCompleted EventType = "milestone.completed"
	EventApprovalRecorded   EventType = "milestone.approval_recorded"
	EventMilestoneApproved  EventType = "milestone.approved"
	EventFundsReleased      EventType = "funds.released"
	EventDisputeRaised      EventType = "dispute.raised"
	EventDisputeResolved    EventType = "dispute.resolved"
)

// Event is a domain event. Events are appended to the contract's audit log
// and fanned out to the notification layer (webhooks, websocket clients).
type Event struct {
	ID          string            `json:"id"`
	ContractID  string            `json:"contractId"`
	MilestoneID string            `json:"milestoneId,omitempty"`
	Type        EventType         `json:"type"`
	OccurredAt  time.Time         `json:"occurredAt"`
	Data        map[string]string `json:"data,omitempty"`
}

// Emitter delivers domain events to external consumers. Implementations
// must not block the calling operation.
type Emitter interface {
	Emit(ctx context.Context, event *Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, event *Event)

func (f EmitterFunc) Emit(ctx context.Context, event *Event) { f(ctx, event) }

// NopEmitter discards events.
func NopEmitter() Emitter {
	return EmitterFunc(func(context.Context, *Event) {})
}

// MultiEmitter fans an event out to several emitters.
func MultiEmitter(emitters ...Emitter) Emitter {
	return EmitterFunc(func(ctx context.Context, event *Event) {
		for _, e := range emitters {
			e.Emit(ctx, event)
		}
	})
}

func newEvent(contractID, milestoneID string, typ EventType, data map[string]string) *Event {
	return &Event{
		ID:          idgen.WithPrefix(idgen.PrefixEvent),
		ContractID:  contractID,
		MilestoneID: milestoneID,
		Type:        typ,
		OccurredAt:  time.Now().UTC(),
		Data:        data,
	}
}
