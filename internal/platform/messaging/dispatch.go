package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Sender contract
// ---------------------------------------------------------------------------

// Channel names understood by the dispatcher.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTelegram = "telegram"
	ChannelSMS      = "sms"
)

// Message lifecycle events reported to the metrics recorder.
const (
	EventRegistered = "registered"
	EventSent       = "sent"
	EventFailed     = "failed"
	EventAcked      = "acked"
)

// MetricsRecorder counts message lifecycle events per channel. The
// telemetry provider satisfies it; a nil recorder disables counting.
type MetricsRecorder interface {
	MessageEventCounter(channel, event string)
}

// Sender is the narrow contract a messaging provider integration must
// satisfy. Delivery confirmations come back separately through the
// status-callback endpoint, not through Send.
type Sender interface {
	Send(ctx context.Context, to, body string) error
	Channel() string
}

// SendCall records a single call to a MockSender.
type SendCall struct {
	To   string
	Body string
}

// MockSender is a test double for Sender.
type MockSender struct {
	mu         sync.Mutex
	calls      []SendCall
	ChannelID  string
	ShouldFail bool
	FailError  string
}

// Send records the call and optionally returns an error.
func (m *MockSender) Send(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SendCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Channel returns the configured channel name, defaulting to whatsapp.
func (m *MockSender) Channel() string {
	if m.ChannelID == "" {
		return ChannelWhatsApp
	}
	return m.ChannelID
}

// Calls returns a copy of recorded send calls.
func (m *MockSender) Calls() []SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable reminder template.
type Template struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Body string `json:"body"`
}

// TemplateEngine manages reminder templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:   "appointment-reminder",
			Name: "Appointment Reminder",
			Body: "Dear {{patient_name}}, this is a reminder of your appointment at {{clinic_name}} on {{date}} at {{time}}. Reply CANCEL to reschedule.",
		},
		{
			ID:   "aligner-ready",
			Name: "Aligner Ready for Pickup",
			Body: "Dear {{patient_name}}, your new aligner set is ready for pickup at {{clinic_name}}.",
		},
		{
			ID:   "recall-due",
			Name: "Recall Due",
			Body: "Dear {{patient_name}}, it has been a while since your last check-up. Call {{clinic_phone}} to book your next visit.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using
// the supplied data map. Keys present in the template but absent from data
// are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (string, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %q not found", templateID)
	}

	body := t.Body
	for k, v := range data {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	return body, nil
}

// ---------------------------------------------------------------------------
// Reminder Dispatcher
// ---------------------------------------------------------------------------

// DueAppointment is the dispatcher's view of one appointment that should
// receive a reminder. The appointment domain maps its records into this
// shape; the messaging core never reads the appointment tables itself.
type DueAppointment struct {
	AppointmentID string
	Date          string
	PatientName   string
	Phone         string
	Channel       string
	StartTime     time.Time
}

// DispatchReport summarizes one reminder run for a date.
type DispatchReport struct {
	Date            string    `json:"date"`
	SessionID       string    `json:"session_id"`
	Attempted       int       `json:"attempted"`
	Sent            int       `json:"sent"`
	SendFailed      int       `json:"send_failed"`
	Tracked         int       `json:"tracked"`
	TrackingDropped int       `json:"tracking_dropped"`
	Skipped         int       `json:"skipped"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// DispatcherOption configures a ReminderDispatcher.
type DispatcherOption func(*ReminderDispatcher)

// WithTemplate overrides the template used for appointment reminders.
func WithTemplate(templateID string) DispatcherOption {
	return func(d *ReminderDispatcher) { d.templateID = templateID }
}

// WithClinicInfo sets the clinic fields substituted into reminder bodies.
func WithClinicInfo(name, phone string) DispatcherOption {
	return func(d *ReminderDispatcher) {
		d.clinicName = name
		d.clinicPhone = phone
	}
}

// WithMetrics wires a recorder for message lifecycle counters.
func WithMetrics(m MetricsRecorder) DispatcherOption {
	return func(d *ReminderDispatcher) { d.metrics = m }
}

// ReminderDispatcher sends appointment reminders for one date at a time,
// registering every message with the date's session before handing it to a
// provider. Tracking and delivery are decoupled: a registration reject
// never blocks the send, it only loses ACK attribution for that message.
type ReminderDispatcher struct {
	manager     *SessionManager
	senders     map[string]Sender
	templates   *TemplateEngine
	templateID  string
	clinicName  string
	clinicPhone string
	metrics     MetricsRecorder
	logger      zerolog.Logger
}

// NewReminderDispatcher builds a dispatcher over the given senders, keyed by
// channel name.
func NewReminderDispatcher(manager *SessionManager, senders []Sender, templates *TemplateEngine, logger zerolog.Logger, opts ...DispatcherOption) *ReminderDispatcher {
	byChannel := make(map[string]Sender, len(senders))
	for _, s := range senders {
		byChannel[s.Channel()] = s
	}
	d := &ReminderDispatcher{
		manager:    manager,
		senders:    byChannel,
		templates:  templates,
		templateID: "appointment-reminder",
		clinicName: "the clinic",
		logger:     logger.With().Str("component", "reminder_dispatcher").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DispatchReminders sends a reminder for every due appointment on the date.
// The session is started (or reused) up front; each message is registered
// before its send. Appointments on a different date than the session are
// dropped from tracking but still sent, matching the decoupling rule.
func (d *ReminderDispatcher) DispatchReminders(ctx context.Context, date string, due []DueAppointment) (*DispatchReport, error) {
	day, err := NormalizeDate(date)
	if err != nil {
		return nil, err
	}

	session, err := d.manager.StartSession(day, d.anySender())
	if err != nil {
		return nil, fmt.Errorf("start session for %s: %w", day, err)
	}

	report := &DispatchReport{
		Date:      day,
		SessionID: session.ID(),
		StartedAt: time.Now(),
	}

	for _, appt := range due {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = time.Now()
			return report, err
		}

		sender, ok := d.senders[appt.Channel]
		if !ok {
			d.logger.Warn().
				Str("appointment_id", appt.AppointmentID).
				Str("channel", appt.Channel).
				Msg("no sender for channel, reminder skipped")
			report.Skipped++
			continue
		}

		body, err := d.templates.Render(d.templateID, map[string]string{
			"patient_name": appt.PatientName,
			"clinic_name":  d.clinicName,
			"clinic_phone": d.clinicPhone,
			"date":         appt.Date,
			"time":         appt.StartTime.Format("15:04"),
		})
		if err != nil {
			d.logger.Error().Err(err).Str("template_id", d.templateID).Msg("template render failed")
			report.Skipped++
			continue
		}

		report.Attempted++
		messageID := fmt.Sprintf("%s_%s", appt.Channel, uuid.New().String())

		tracked, regErr := session.RegisterMessage(messageID, appt.AppointmentID, appt.Date)
		switch {
		case regErr != nil:
			d.logger.Error().Err(regErr).
				Str("appointment_id", appt.AppointmentID).
				Str("message_id", messageID).
				Msg("message registration failed, sending untracked")
			report.TrackingDropped++
		case !tracked:
			report.TrackingDropped++
		default:
			report.Tracked++
			d.countEvent(appt.Channel, EventRegistered)
		}

		if sendErr := sender.Send(ctx, appt.Phone, body); sendErr != nil {
			d.logger.Error().Err(sendErr).
				Str("appointment_id", appt.AppointmentID).
				Str("channel", appt.Channel).
				Msg("reminder send failed")
			report.SendFailed++
			d.countEvent(appt.Channel, EventFailed)
			if tracked {
				session.RecordMessageFailed(messageID, sendErr)
			}
			continue
		}
		report.Sent++
		d.countEvent(appt.Channel, EventSent)
		if tracked {
			session.RecordMessageSent(messageID)
		}
	}

	report.FinishedAt = time.Now()
	d.logger.Info().
		Str("date", day).
		Int("attempted", report.Attempted).
		Int("sent", report.Sent).
		Int("send_failed", report.SendFailed).
		Int("tracking_dropped", report.TrackingDropped).
		Int("skipped", report.Skipped).
		Msg("reminder dispatch finished")
	return report, nil
}

func (d *ReminderDispatcher) countEvent(channel, event string) {
	if d.metrics != nil {
		d.metrics.MessageEventCounter(channel, event)
	}
}

// anySender returns the whatsapp sender when configured, else any sender,
// else nil. Used only as the session's service handle.
func (d *ReminderDispatcher) anySender() Sender {
	if s, ok := d.senders[ChannelWhatsApp]; ok {
		return s
	}
	for _, s := range d.senders {
		return s
	}
	return nil
}
