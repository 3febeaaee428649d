// Package poller drives the two background loops of CareLine: the dialogue
// poller that turns unhandled inbound messages into outbox records, and the
// deliverer that drains the outbox onto a transport.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/clinicdesk/careline/internal/dedup"
	"github.com/clinicdesk/careline/internal/flow"
	"github.com/clinicdesk/careline/internal/models"
	"github.com/clinicdesk/careline/internal/store"

	"github.com/google/uuid"
)

// DefaultPollInterval is how often the dialogue poller scans for unhandled messages.
const DefaultPollInterval = 2 * time.Second

// FlowResolver decides which flow an identity belongs to. CareLine routes
// a configured set of clinician numbers to the pharmacist flow and every
// other sender to the patient flow.
type FlowResolver func(identity string) models.FlowType

// StaticFlowResolver returns a FlowResolver that routes the listed
// identities to the pharmacist flow.
func StaticFlowResolver(pharmacists []string) FlowResolver {
	set := make(map[string]struct{}, len(pharmacists))
	for _, id := range pharmacists {
		set[id] = struct{}{}
	}
	return func(identity string) models.FlowType {
		if _, ok := set[identity]; ok {
			return models.FlowTypePharmacist
		}
		return models.FlowTypePatient
	}
}

// DialoguePoller periodically fetches unhandled inbound messages, runs each
// through the transition engine for its flow, and enqueues the resulting
// outbound message on the durable outbox.
//
// Messages are processed strictly in order per sender so two rapid replies
// cannot interleave turns, while distinct senders are processed concurrently.
type DialoguePoller struct {
	store        store.Store
	engines      map[models.FlowType]*flow.Engine
	pollInterval time.Duration
}

// NewDialoguePoller creates a dialogue poller over the given engines.
func NewDialoguePoller(st store.Store, engines map[models.FlowType]*flow.Engine, pollInterval time.Duration) *DialoguePoller {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &DialoguePoller{store: st, engines: engines, pollInterval: pollInterval}
}

// Ingest consumes decoded inbound messages from a transport channel and
// persists them on the inbound queue. It blocks until the channel closes or
// the context is cancelled.
func (p *DialoguePoller) Ingest(ctx context.Context, inbound <-chan models.InboundMessage, resolve FlowResolver) {
	slog.Info("DialoguePoller.Ingest: starting inbound ingestion")
	for {
		select {
		case <-ctx.Done():
			slog.Info("DialoguePoller.Ingest: stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				slog.Info("DialoguePoller.Ingest: inbound channel closed")
				return
			}
			if msg.ID == "" {
				msg.ID = uuid.NewString()
			}
			if msg.ReceivedAt.IsZero() {
				msg.ReceivedAt = time.Now()
			}
			msg.FlowType = resolve(msg.From)
			if err := p.store.AddInboundMessage(msg); err != nil {
				slog.Error("DialoguePoller.Ingest: persist failed", "error", err, "from", msg.From)
				continue
			}
			slog.Debug("DialoguePoller.Ingest: message queued", "id", msg.ID, "from", msg.From, "flowType", msg.FlowType)
		}
	}
}

// Run starts the polling loop. It blocks until the context is cancelled;
// cancellation stops new ticks but the tick in flight finishes first, on a
// context the shutdown does not reach, so no turn is interrupted between
// its commit and its hooks.
func (p *DialoguePoller) Run(ctx context.Context) {
	slog.Info("DialoguePoller.Run: starting dialogue poller", "pollInterval", p.pollInterval)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("DialoguePoller.Run: stopping")
			return
		case <-ticker.C:
			p.poll(work)
		}
	}
}

func (p *DialoguePoller) poll(ctx context.Context) {
	var wg sync.WaitGroup
	for flowType, engine := range p.engines {
		msgs, err := p.store.GetUnhandledMessages(flowType)
		if err != nil {
			slog.Error("DialoguePoller.poll: fetch failed", "error", err, "flowType", flowType)
			continue
		}
		for identity, batch := range groupBySender(msgs) {
			wg.Add(1)
			go func(identity string, batch []models.InboundMessage, engine *flow.Engine) {
				defer wg.Done()
				p.processSender(ctx, engine, identity, batch)
			}(identity, batch, engine)
		}
	}
	wg.Wait()
}

// processSender runs one sender's pending messages through the engine, oldest
// first. A turn error does not consume the message; it stays queued and is
// retried on the next tick so the pending-entry recovery can run.
func (p *DialoguePoller) processSender(ctx context.Context, engine *flow.Engine, identity string, batch []models.InboundMessage) {
	for _, msg := range batch {
		out, err := engine.ProcessTurn(ctx, msg)
		if err != nil {
			slog.Error("DialoguePoller.processSender: turn failed", "error", err, "from", identity, "messageID", msg.ID)
			// A hook failure happens after the transition committed, so the
			// message is spent. Consume it; the entry hook re-runs when the
			// sender's next message arrives.
			if errors.Is(err, models.ErrHookFailure) {
				if err := p.store.MarkMessageHandled(msg.ID); err != nil {
					slog.Error("DialoguePoller.processSender: mark handled failed", "error", err, "messageID", msg.ID)
				}
				continue
			}
			return
		}
		if err := p.enqueue(identity, out); err != nil {
			slog.Error("DialoguePoller.processSender: enqueue failed", "error", err, "from", identity, "messageID", msg.ID)
			return
		}
		if err := p.store.MarkMessageHandled(msg.ID); err != nil {
			slog.Error("DialoguePoller.processSender: mark handled failed", "error", err, "messageID", msg.ID)
			return
		}
		slog.Debug("DialoguePoller.processSender: turn completed", "from", identity, "messageID", msg.ID)
	}
}

// enqueue serializes the outbound message and places it on the outbox,
// keyed so a crash between enqueue and mark-handled cannot double-queue it.
func (p *DialoguePoller) enqueue(identity string, out models.OutboundMessage) error {
	payload, err := out.CanonicalJSON()
	if err != nil {
		return err
	}
	_, err = p.store.EnqueueOutbound(identity, string(payload), dedup.Key(identity, payload))
	return err
}

// groupBySender partitions messages by sender, preserving arrival order
// inside each group.
func groupBySender(msgs []models.InboundMessage) map[string][]models.InboundMessage {
	groups := make(map[string][]models.InboundMessage)
	for _, msg := range msgs {
		groups[msg.From] = append(groups[msg.From], msg)
	}
	return groups
}

// decodePayload restores an outbox record's message for delivery.
func decodePayload(rec store.OutboundRecord) (models.OutboundMessage, error) {
	var out models.OutboundMessage
	err := json.Unmarshal([]byte(rec.PayloadJSON), &out)
	return out, err
}
