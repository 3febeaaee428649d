package poller

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/clinicdesk/careline/internal/dedup"
	"github.com/clinicdesk/careline/internal/messaging"
	"github.com/clinicdesk/careline/internal/models"
	"github.com/clinicdesk/careline/internal/store"
)

func enqueueOutbound(t *testing.T, st store.Store, identity, body string) string {
	t.Helper()
	out := models.OutboundMessage{Type: models.MessageTypeText, Body: body}
	payload, err := out.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	id, err := st.EnqueueOutbound(identity, string(payload), dedup.Key(identity, payload))
	if err != nil {
		t.Fatalf("EnqueueOutbound: %v", err)
	}
	return id
}

func TestDelivererSendsDueRecords(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	svc := messaging.NewMockService()
	d := NewDeliverer(st, svc, nil, time.Hour)

	enqueueOutbound(t, st, "15550001111", "your appointment is booked")
	d.poll(context.Background())

	got := svc.Deliveries()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	if got[0].To != "15550001111" || got[0].Message.Body != "your appointment is booked" {
		t.Errorf("delivered %+v", got[0])
	}
	// Sent records are terminal: nothing left to claim.
	if recs, _ := st.ClaimDueOutbound(time.Now().Add(time.Hour), 10); len(recs) != 0 {
		t.Errorf("sent record still claimable: %+v", recs)
	}
}

func TestDelivererBacksOffOnFailure(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	svc := messaging.NewMockService()
	svc.DeliverErr = errors.New("provider timeout")
	d := NewDeliverer(st, svc, nil, time.Hour)

	enqueueOutbound(t, st, "15550002222", "hello")
	now := time.Now()
	d.poll(context.Background())

	// Not due yet: the failed record waits out its backoff.
	if recs, _ := st.ClaimDueOutbound(now.Add(5*time.Second), 10); len(recs) != 0 {
		t.Errorf("failed record claimable before backoff elapsed: %+v", recs)
	}

	// Due again after the first 10s backoff window.
	recs, _ := st.ClaimDueOutbound(now.Add(time.Minute), 10)
	if len(recs) != 1 {
		t.Fatalf("records after backoff = %d, want 1", len(recs))
	}
	if recs[0].Attempts != 1 || recs[0].LastError != "provider timeout" {
		t.Errorf("failure accounting: attempts=%d lastError=%q", recs[0].Attempts, recs[0].LastError)
	}

	// Second attempt succeeds once the provider recovers.
	svc.DeliverErr = nil
	for _, rec := range recs {
		if err := d.deliver(context.Background(), rec); err != nil {
			t.Fatalf("deliver after recovery: %v", err)
		}
	}
	if got := svc.Deliveries(); len(got) != 2 {
		t.Errorf("deliveries = %d, want failed attempt plus retry", len(got))
	}
}

func TestDelivererRetryAfterFailureIsNotSuppressed(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	svc := messaging.NewMockService()
	svc.DeliverErr = errors.New("provider timeout")
	guard := dedup.NewMemoryCache(time.Minute)
	d := NewDeliverer(st, svc, guard, time.Hour)

	enqueueOutbound(t, st, "15550006666", "hello")
	d.poll(context.Background())
	if got := svc.Deliveries(); len(got) != 1 {
		t.Fatalf("failed attempt did not reach the transport: %d deliveries", len(got))
	}

	// The provider recovers; the requeued record must be sent, not swallowed
	// by the dedup window the failed attempt touched.
	svc.DeliverErr = nil
	recs, _ := st.ClaimDueOutbound(time.Now().Add(time.Minute), 10)
	if len(recs) != 1 {
		t.Fatalf("failed record not requeued: %+v", recs)
	}
	if err := d.deliver(context.Background(), recs[0]); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if got := svc.Deliveries(); len(got) != 2 {
		t.Errorf("retry suppressed by dedup window: %d deliveries, want 2", len(got))
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 0, want: 10 * time.Second},
		{attempts: 1, want: 20 * time.Second},
		{attempts: 3, want: 80 * time.Second},
		{attempts: 8, want: 2560 * time.Second},
		{attempts: 9, want: 2560 * time.Second},
		{attempts: 100, want: 2560 * time.Second},
	}
	for _, tc := range tests {
		got := backoffFor(tc.attempts)
		if got != tc.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
		if got <= 0 {
			t.Errorf("backoffFor(%d) = %v, not positive", tc.attempts, got)
		}
	}
}

func TestDelivererSuppressesDuplicateWindow(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	svc := messaging.NewMockService()
	guard := dedup.NewMemoryCache(time.Minute)
	d := NewDeliverer(st, svc, guard, time.Hour)

	out := models.OutboundMessage{Type: models.MessageTypeText, Body: "reminder"}
	payload, _ := out.CanonicalJSON()
	key := dedup.Key("15550003333", payload)

	// Another instance already delivered this key within the window.
	if seen, err := guard.Suppress(context.Background(), key); err != nil || seen {
		t.Fatalf("priming dedup window: seen=%v err=%v", seen, err)
	}

	if _, err := st.EnqueueOutbound("15550003333", string(payload), key); err != nil {
		t.Fatalf("EnqueueOutbound: %v", err)
	}
	d.poll(context.Background())

	// Suppression counts as delivery: the record is sent, the wire is quiet.
	if got := svc.Deliveries(); len(got) != 0 {
		t.Errorf("suppressed record reached the service: %+v", got)
	}
	if recs, _ := st.ClaimDueOutbound(time.Now().Add(time.Hour), 10); len(recs) != 0 {
		t.Errorf("suppressed record still claimable: %+v", recs)
	}
}

func TestDelivererFailsUndecodablePayload(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	svc := messaging.NewMockService()
	d := NewDeliverer(st, svc, nil, time.Hour)

	if _, err := st.EnqueueOutbound("15550004444", "{not json", "k1"); err != nil {
		t.Fatalf("EnqueueOutbound: %v", err)
	}
	d.poll(context.Background())

	if got := svc.Deliveries(); len(got) != 0 {
		t.Errorf("undecodable payload was delivered: %+v", got)
	}
	recs, _ := st.ClaimDueOutbound(time.Now().Add(time.Minute), 10)
	if len(recs) != 1 || recs[0].Attempts != 1 {
		t.Errorf("undecodable payload not requeued with failure: %+v", recs)
	}
}

func TestRecoverStaleRequeuesAbandonedClaims(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	d := NewDeliverer(st, messaging.NewMockService(), nil, time.Hour)
	d.staleThreshold = 0

	enqueueOutbound(t, st, "15550005555", "stuck")
	claimed, _ := st.ClaimDueOutbound(time.Now(), 10)
	if len(claimed) != 1 {
		t.Fatalf("claim: %+v", claimed)
	}

	// The claiming process died; with a zero threshold the claim is
	// immediately stale.
	if err := d.RecoverStale(); err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	recs, _ := st.ClaimDueOutbound(time.Now(), 10)
	if len(recs) != 1 {
		t.Fatalf("stale record not requeued")
	}
	var out models.OutboundMessage
	if err := json.Unmarshal([]byte(recs[0].PayloadJSON), &out); err != nil || out.Body != "stuck" {
		t.Errorf("requeued payload: %q err=%v", recs[0].PayloadJSON, err)
	}
}
