// Package calendar provides the scheduling collaborator invoked from flow
// hooks: open-slot computation over clinic working hours and idempotent
// slot booking.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinicdesk/careline/internal/models"

	"github.com/google/uuid"
)

// Default clinic hours and slot geometry.
const (
	DefaultOpenHour   = 9
	DefaultCloseHour  = 17
	DefaultSlotLength = 30 * time.Minute
)

// Scheduler is the surface flow hooks book against.
type Scheduler interface {
	// NextOpenSlots returns up to n free slot start times at or after from.
	NextOpenSlots(ctx context.Context, from time.Time, n int) ([]time.Time, error)

	// Book reserves a slot for an identity and returns the calendar event id.
	// Booking the same identity and slot again returns the existing event id,
	// so state-entry hooks can be retried safely.
	Book(ctx context.Context, identity string, slot time.Time) (string, error)
}

// AppointmentSource is the store surface the clinic calendar reads and writes.
type AppointmentSource interface {
	ListAppointmentsBetween(from, to time.Time) ([]models.Appointment, error)
	CreateAppointment(a models.Appointment) error
}

// Opts holds configuration options for the clinic calendar.
type Opts struct {
	OpenHour   int
	CloseHour  int
	SlotLength time.Duration
	Location   *time.Location
}

// Option defines a configuration option for the clinic calendar.
type Option func(*Opts)

// WithHours sets the daily opening and closing hour.
func WithHours(open, close int) Option {
	return func(o *Opts) {
		o.OpenHour = open
		o.CloseHour = close
	}
}

// WithSlotLength sets the appointment slot length.
func WithSlotLength(d time.Duration) Option {
	return func(o *Opts) {
		o.SlotLength = d
	}
}

// WithLocation sets the clinic time zone.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		o.Location = loc
	}
}

// ClinicCalendar computes open slots from a working-hours grid minus booked
// appointments, and books slots as appointment rows.
type ClinicCalendar struct {
	source     AppointmentSource
	openHour   int
	closeHour  int
	slotLength time.Duration
	location   *time.Location
}

// NewClinicCalendar creates a calendar over the given appointment source.
func NewClinicCalendar(source AppointmentSource, opts ...Option) *ClinicCalendar {
	cfg := Opts{
		OpenHour:   DefaultOpenHour,
		CloseHour:  DefaultCloseHour,
		SlotLength: DefaultSlotLength,
		Location:   time.Local,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ClinicCalendar{
		source:     source,
		openHour:   cfg.OpenHour,
		closeHour:  cfg.CloseHour,
		slotLength: cfg.SlotLength,
		location:   cfg.Location,
	}
}

// NextOpenSlots walks the slot grid forward from the next full slot after
// from, skipping weekends and slots with an existing appointment.
func (c *ClinicCalendar) NextOpenSlots(ctx context.Context, from time.Time, n int) ([]time.Time, error) {
	from = from.In(c.location)
	// Look two weeks out at most; a fuller calendar than that is an
	// operational problem, not a scheduling one.
	horizon := from.AddDate(0, 0, 14)

	booked, err := c.bookedSlots(from, horizon)
	if err != nil {
		return nil, err
	}

	var out []time.Time
	for cursor := c.alignToGrid(from); cursor.Before(horizon) && len(out) < n; cursor = cursor.Add(c.slotLength) {
		if cursor.Hour() < c.openHour || cursor.Hour() >= c.closeHour {
			cursor = c.nextOpening(cursor)
			if !cursor.Before(horizon) {
				break
			}
		}
		if wd := cursor.Weekday(); wd == time.Saturday || wd == time.Sunday {
			cursor = c.nextOpening(cursor)
			if !cursor.Before(horizon) {
				break
			}
		}
		if !booked[cursor.Unix()] {
			out = append(out, cursor)
		}
	}
	slog.Debug("ClinicCalendar computed open slots", "from", from, "requested", n, "found", len(out))
	return out, nil
}

// Book reserves the slot, returning the existing event id when the identity
// already holds an appointment at that time.
func (c *ClinicCalendar) Book(ctx context.Context, identity string, slot time.Time) (string, error) {
	existing, err := c.source.ListAppointmentsBetween(slot, slot.Add(c.slotLength))
	if err != nil {
		return "", fmt.Errorf("checking slot availability: %w", err)
	}
	for _, a := range existing {
		if a.PatientIdentity == identity {
			slog.Debug("ClinicCalendar Book found existing booking", "identity", identity, "slot", slot, "eventID", a.CalendarEventID)
			return a.CalendarEventID, nil
		}
	}
	if len(existing) > 0 {
		return "", fmt.Errorf("slot %s is already taken", slot)
	}

	eventID := uuid.NewString()
	appt := models.Appointment{
		PatientIdentity: identity,
		Slot:            slot,
		Status:          models.AppointmentStatusConfirmed,
		CalendarEventID: eventID,
	}
	if err := c.source.CreateAppointment(appt); err != nil {
		return "", fmt.Errorf("booking slot %s for %s: %w", slot, identity, err)
	}
	slog.Info("ClinicCalendar booked slot", "identity", identity, "slot", slot, "eventID", eventID)
	return eventID, nil
}

// bookedSlots indexes existing appointment start times in the window.
func (c *ClinicCalendar) bookedSlots(from, to time.Time) (map[int64]bool, error) {
	appts, err := c.source.ListAppointmentsBetween(from, to)
	if err != nil {
		return nil, fmt.Errorf("listing appointments: %w", err)
	}
	out := make(map[int64]bool, len(appts))
	for _, a := range appts {
		out[a.Slot.In(c.location).Unix()] = true
	}
	return out, nil
}

// alignToGrid rounds up to the next slot boundary.
func (c *ClinicCalendar) alignToGrid(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.location)
	offset := t.Sub(day)
	aligned := offset.Truncate(c.slotLength)
	if aligned < offset {
		aligned += c.slotLength
	}
	return day.Add(aligned)
}

// nextOpening advances to the opening hour of the next applicable day.
func (c *ClinicCalendar) nextOpening(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), c.openHour, 0, 0, 0, c.location)
	if t.Hour() >= c.closeHour || !day.After(t) {
		day = day.AddDate(0, 0, 1)
	}
	for wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday; wd = day.Weekday() {
		day = day.AddDate(0, 0, 1)
	}
	return day
}
