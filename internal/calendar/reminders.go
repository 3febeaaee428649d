// Package calendar provides the cron-driven appointment reminder job.
package calendar

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/clinicdesk/careline/internal/models"

	"github.com/robfig/cron/v3"
)

// DefaultReminderCron fires the reminder scan every evening at 18:00.
const DefaultReminderCron = "0 18 * * *"

// ReminderStore is the store surface the reminder job reads and enqueues through.
type ReminderStore interface {
	ListAppointmentsBetween(from, to time.Time) ([]models.Appointment, error)
	EnqueueOutbound(identity, payloadJSON, dedupeKey string) (string, error)
}

// ReminderJob enqueues a reminder message for every appointment scheduled on
// the following day. Delivery and deduplication are the outbox's concern.
type ReminderJob struct {
	store ReminderStore
	cron  *cron.Cron
	expr  string
}

// NewReminderJob creates a reminder job with the given cron expression
// (standard 5-field syntax). An empty expression uses the default.
func NewReminderJob(store ReminderStore, expr string) *ReminderJob {
	if expr == "" {
		expr = DefaultReminderCron
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &ReminderJob{store: store, cron: c, expr: expr}
}

// Start schedules the job and starts the cron runner.
func (j *ReminderJob) Start() error {
	if _, err := j.cron.AddFunc(j.expr, j.run); err != nil {
		return fmt.Errorf("invalid reminder cron expression %q: %w", j.expr, err)
	}
	j.cron.Start()
	slog.Info("ReminderJob started", "cron", j.expr)
	return nil
}

// Stop stops the cron runner and waits for a running scan to finish.
func (j *ReminderJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	slog.Info("ReminderJob stopped")
}

// run scans tomorrow's appointments and enqueues one reminder each. The
// dedupe key makes a rerun of the same scan harmless.
func (j *ReminderJob) run() {
	now := time.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	end := start.AddDate(0, 0, 1)

	appts, err := j.store.ListAppointmentsBetween(start, end)
	if err != nil {
		slog.Error("ReminderJob scan failed", "error", err)
		return
	}

	for _, a := range appts {
		if a.Status != models.AppointmentStatusConfirmed {
			continue
		}
		msg := models.OutboundMessage{
			Type: models.MessageTypeText,
			Body: fmt.Sprintf("Reminder: you have a clinic appointment tomorrow at %s.", a.Slot.Format("15:04")),
		}
		payload, err := msg.CanonicalJSON()
		if err != nil {
			slog.Error("ReminderJob payload encoding failed", "error", err, "appointment", a.ID)
			continue
		}
		dedupeKey := "reminder:" + a.ID + ":" + start.Format("2006-01-02")
		if _, err := j.store.EnqueueOutbound(a.PatientIdentity, string(payload), dedupeKey); err != nil {
			slog.Error("ReminderJob enqueue failed", "error", err, "appointment", a.ID)
			continue
		}
	}
	slog.Info("ReminderJob scan completed", "appointments", len(appts), "window_start", start)
}
