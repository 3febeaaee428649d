package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/clinicdesk/careline/internal/dedup"
	"github.com/clinicdesk/careline/internal/messaging"
	"github.com/clinicdesk/careline/internal/store"
)

// Deliverer defaults.
const (
	DefaultDeliveryInterval = 5 * time.Second
	DefaultStaleThreshold   = 5 * time.Minute
	DefaultClaimLimit       = 10
)

// Deliverer periodically claims due outbox records and delivers them over a
// messaging service. Each delivery runs through the dedup window first, so a
// concurrent instance or a crash-induced requeue cannot double-send within
// the window.
type Deliverer struct {
	store          store.Store
	service        messaging.Service
	guard          dedup.Cache
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewDeliverer creates a new Deliverer.
func NewDeliverer(st store.Store, service messaging.Service, guard dedup.Cache, pollInterval time.Duration) *Deliverer {
	if pollInterval <= 0 {
		pollInterval = DefaultDeliveryInterval
	}
	return &Deliverer{
		store:          st,
		service:        service,
		guard:          guard,
		pollInterval:   pollInterval,
		staleThreshold: DefaultStaleThreshold,
		claimLimit:     DefaultClaimLimit,
	}
}

// RecoverStale requeues records stuck in sending state (crash recovery).
// Should be called once at startup.
func (d *Deliverer) RecoverStale() error {
	staleBefore := time.Now().Add(-d.staleThreshold)
	n, err := d.store.RequeueStaleOutbound(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Deliverer.RecoverStale: requeued stale records", "count", n)
	}
	return nil
}

// Run starts the delivery loop. It blocks until the context is cancelled;
// the claim batch in flight finishes on an uncancellable context first, so
// claimed records are not stranded in sending state by a shutdown.
func (d *Deliverer) Run(ctx context.Context) {
	slog.Info("Deliverer.Run: starting outbox deliverer", "pollInterval", d.pollInterval)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Deliverer.Run: stopping")
			return
		case <-ticker.C:
			d.poll(work)
		}
	}
}

func (d *Deliverer) poll(ctx context.Context) {
	now := time.Now()
	recs, err := d.store.ClaimDueOutbound(now, d.claimLimit)
	if err != nil {
		slog.Error("Deliverer.poll: claim failed", "error", err)
		return
	}

	for _, rec := range recs {
		if err := d.deliver(ctx, rec); err != nil {
			slog.Error("Deliverer.poll: delivery failed", "id", rec.ID, "error", err)
			nextAttempt := now.Add(backoffFor(rec.Attempts))
			if err := d.store.FailOutbound(rec.ID, err.Error(), nextAttempt); err != nil {
				slog.Error("Deliverer.poll: fail record error", "id", rec.ID, "error", err)
			}
		} else {
			if err := d.store.MarkOutboundSent(rec.ID); err != nil {
				slog.Error("Deliverer.poll: mark sent error", "id", rec.ID, "error", err)
			}
			slog.Debug("Deliverer.poll: record delivered", "id", rec.ID, "identity", rec.Identity)
		}
	}
}

// backoffFor computes the retry delay after a failed attempt: 10s, 20s,
// 40s, ... capped so a chronically failing record neither overflows the
// shift nor collapses into a hot loop.
func backoffFor(attempts int) time.Duration {
	const maxShift = 8 // caps the delay at 10s << 8 ≈ 43 minutes
	if attempts > maxShift {
		attempts = maxShift
	}
	return time.Duration(10*(1<<attempts)) * time.Second
}

// deliver sends one record unless the dedup window already saw its key.
// A suppressed record counts as delivered. The key is recorded before the
// send so a concurrent instance cannot race past the check, and released
// again when the send fails so the retry is not suppressed.
func (d *Deliverer) deliver(ctx context.Context, rec store.OutboundRecord) error {
	guarded := false
	if d.guard != nil && rec.DedupeKey != "" {
		seen, err := d.guard.Suppress(ctx, rec.DedupeKey)
		if err != nil {
			slog.Warn("Deliverer.deliver: dedup check failed, sending anyway", "id", rec.ID, "error", err)
		} else if seen {
			slog.Info("Deliverer.deliver: duplicate suppressed", "id", rec.ID, "identity", rec.Identity)
			return nil
		} else {
			guarded = true
		}
	}

	out, err := decodePayload(rec)
	if err == nil {
		err = d.service.Deliver(ctx, rec.Identity, out)
	}
	if err != nil && guarded {
		if relErr := d.guard.Release(ctx, rec.DedupeKey); relErr != nil {
			slog.Warn("Deliverer.deliver: dedup release failed", "id", rec.ID, "error", relErr)
		}
	}
	return err
}
