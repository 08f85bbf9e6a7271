package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trustwork/escrowd/internal/escrow"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter adapts the dispatcher to the engine's event emitter interface.
// Fire-and-forget: errors are logged but never returned to the engine.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

var _ escrow.Emitter = (*Emitter)(nil)

// NewEmitter creates a webhook emitter for engine events.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// Emit forwards a domain event to all matching webhook subscriptions.
func (e *Emitter) Emit(ctx context.Context, event *escrow.Event) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(event.Type)).Inc()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	delivery := &Delivery{
		ID:          event.ID,
		Type:        string(event.Type),
		ContractID:  event.ContractID,
		MilestoneID: event.MilestoneID,
		OccurredAt:  event.OccurredAt,
		Data:        event.Data,
	}
	if err := e.d.Dispatch(dctx, delivery); err != nil {
		webhookEmitErrors.WithLabelValues(string(event.Type)).Inc()
		e.logger.Warn("webhook emit failed", "event", event.Type, "contract_id", event.ContractID, "error", err)
	}
}
