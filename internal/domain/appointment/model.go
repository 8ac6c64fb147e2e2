// Package appointment holds the appointment records the reminder dispatcher
// reads from. The messaging core never touches these tables directly; it
// sees appointments only through the DueAppointment projection.
package appointment

import (
	"time"

	"github.com/google/uuid"
)

// Appointment statuses.
const (
	StatusBooked    = "booked"
	StatusArrived   = "arrived"
	StatusFulfilled = "fulfilled"
	StatusCancelled = "cancelled"
	StatusNoShow    = "noshow"
)

// Appointment maps to the appointment table.
type Appointment struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PatientName    string     `db:"patient_name" json:"patient_name"`
	Phone          string     `db:"phone" json:"phone"`
	Channel        string     `db:"channel" json:"channel"`
	PractitionerID *uuid.UUID `db:"practitioner_id" json:"practitioner_id,omitempty"`
	StartTime      time.Time  `db:"start_time" json:"start_time"`
	EndTime        *time.Time `db:"end_time" json:"end_time,omitempty"`
	Status         string     `db:"status" json:"status"`
	ReminderOptOut bool       `db:"reminder_opt_out" json:"reminder_opt_out"`
	Notes          *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Date returns the appointment's calendar date in YYYY-MM-DD form.
func (a *Appointment) Date() string {
	return a.StartTime.Format("2006-01-02")
}

// Remindable reports whether the appointment should receive a reminder:
// still booked, not opted out, and with a contactable phone number.
func (a *Appointment) Remindable() bool {
	return a.Status == StatusBooked && !a.ReminderOptOut && a.Phone != ""
}
