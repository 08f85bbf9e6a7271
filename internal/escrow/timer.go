package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Timer runs background maintenance: cancelling contracts whose funding
// deadline lapsed, and reconciling contracts whose in-flight settlement
// marker has gone stale (a crashed or timed-out caller).
type Timer struct {
	engine   *Engine
	store    Store
	logger   *slog.Logger
	interval time.Duration
	// staleAfter is how old an in-flight marker must be before it is
	// reconciled. Keep comfortably above the settlement timeout so live
	// operations are never touched.
	staleAfter time.Duration
	stop       chan struct{}
	done       chan struct{}
}

// NewTimer creates a maintenance timer.
func NewTimer(engine *Engine, store Store, logger *slog.Logger, interval, staleAfter time.Duration) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Timer{
		engine:     engine,
		store:      store,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins the maintenance loop in a goroutine.
func (t *Timer) Start() {
	go t.run()
	t.logger.Info("escrow maintenance timer started", "interval", t.interval, "stale_after", t.staleAfter)
}

// Stop signals the loop to exit and waits for the current sweep to finish.
func (t *Timer) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Timer) run() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Timer) sweep() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in maintenance sweep", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.interval)
	defer cancel()

	t.cancelExpired(ctx)
	t.reconcileStale(ctx)
}

func (t *Timer) cancelExpired(ctx context.Context) {
	contracts, err := t.store.ListByStatus(ctx, ContractInitialized, 100)
	if err != nil {
		t.logger.Error("failed to list initialized contracts", "error", err)
		return
	}
	now := time.Now()
	for _, c := range contracts {
		if c.Deadline.After(now) {
			continue
		}
		if _, err := t.engine.CancelExpired(ctx, c.ID); err != nil {
			// Losing the race to a concurrent funding is fine.
			if errors.Is(err, ErrNotEligible) || errors.Is(err, ErrConcurrencyConflict) {
				continue
			}
			t.logger.Error("failed to cancel expired contract", "contract_id", c.ID, "error", err)
			continue
		}
		t.logger.Info("cancelled contract past funding deadline", "contract_id", c.ID, "deadline", c.Deadline)
	}
}

func (t *Timer) reconcileStale(ctx context.Context) {
	cutoff := time.Now().Add(-t.staleAfter)
	contracts, err := t.store.ListInFlight(ctx, cutoff, 100)
	if err != nil {
		t.logger.Error("failed to list in-flight contracts", "error", err)
		return
	}
	for _, c := range contracts {
		if err := t.engine.Reconcile(ctx, c.ID); err != nil {
			t.logger.Error("failed to reconcile in-flight settlement",
				"contract_id", c.ID, "reference", c.InFlight, "error", err)
		}
	}
}
