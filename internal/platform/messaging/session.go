// Package messaging implements the outbound-reminder session lifecycle for
// the clinic messaging service. A Session correlates provider message IDs
// with appointment records for exactly one calendar date; the SessionManager
// owns the collection of sessions, resolves delivery callbacks that arrive
// without date context, and reclaims state on a periodic sweep.
package messaging

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Status & errors
// ---------------------------------------------------------------------------

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	StatusCreated   SessionStatus = "CREATED"
	StatusActive    SessionStatus = "ACTIVE"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusCleanup   SessionStatus = "CLEANUP"
	StatusExpired   SessionStatus = "EXPIRED"
)

var (
	// ErrInvalidTransition is returned when a lifecycle method is called
	// from a state it does not accept. This is a contract violation on the
	// caller's side, not an expected runtime condition.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrSessionNotActive is returned by RegisterMessage when the session
	// is not in the ACTIVE state.
	ErrSessionNotActive = errors.New("session is not active")

	// ErrDateMismatch is returned when a message is registered against an
	// appointment whose date does not match the session's date.
	ErrDateMismatch = errors.New("appointment date does not match session date")
)

// ---------------------------------------------------------------------------
// Date normalization
// ---------------------------------------------------------------------------

const dateLayout = "2006-01-02"

// NormalizeDate accepts either a bare "YYYY-MM-DD" string or any longer
// ISO-8601/RFC3339 timestamp and returns the date portion. Both the session
// date and appointment dates pass through the same rule so that string and
// timestamp callers compare equal.
func NormalizeDate(value string) (string, error) {
	if len(value) < len(dateLayout) {
		return "", fmt.Errorf("invalid date %q: want YYYY-MM-DD", value)
	}
	day := value[:len(dateLayout)]
	if _, err := time.Parse(dateLayout, day); err != nil {
		return "", fmt.Errorf("invalid date %q: %w", value, err)
	}
	return day, nil
}

// FormatDate renders a time.Time as the normalized YYYY-MM-DD form.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// ---------------------------------------------------------------------------
// Message mapping
// ---------------------------------------------------------------------------

// DeliveryUpdate is one asynchronous delivery-status callback recorded for a
// message. Updates are kept in arrival order; out-of-order provider
// callbacks are not reconciled against their event timestamps.
type DeliveryUpdate struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageMapping ties one outbound provider message ID to the appointment
// it was sent for. It is owned exclusively by the Session that created it.
type MessageMapping struct {
	MessageID       string           `json:"message_id"`
	AppointmentID   string           `json:"appointment_id"`
	AppointmentDate string           `json:"appointment_date"`
	SessionID       string           `json:"session_id"`
	RegisteredAt    time.Time        `json:"registered_at"`
	SentAt          *time.Time       `json:"sent_at,omitempty"`
	FailedAt        *time.Time       `json:"failed_at,omitempty"`
	Error           string           `json:"error,omitempty"`
	DeliveryUpdates []DeliveryUpdate `json:"delivery_updates,omitempty"`
}

// SessionStats is the counter snapshot for one session. It is the only
// session data retained in manager history after cleanup.
type SessionStats struct {
	SessionID             string        `json:"session_id"`
	Date                  string        `json:"date"`
	Status                SessionStatus `json:"status"`
	StartTime             time.Time     `json:"start_time"`
	EndTime               *time.Time    `json:"end_time,omitempty"`
	TotalMessages         int           `json:"total_messages"`
	SentMessages          int           `json:"sent_messages"`
	FailedMessages        int           `json:"failed_messages"`
	DeliveryStatusUpdates int           `json:"delivery_status_updates"`
}

// SessionDebugInfo is the full diagnostic view of a session, including the
// live message mappings. Consumed by the debug endpoint and by operators.
type SessionDebugInfo struct {
	SessionID         string            `json:"session_id"`
	Date              string            `json:"date"`
	Status            SessionStatus     `json:"status"`
	Service           string            `json:"service,omitempty"`
	StartTime         time.Time         `json:"start_time"`
	EndTime           *time.Time        `json:"end_time,omitempty"`
	ExpiresAt         time.Time         `json:"expires_at"`
	MaxMessages       int               `json:"max_messages"`
	Stats             SessionStats      `json:"stats"`
	ActiveMappings    []*MessageMapping `json:"active_mappings"`
	ProcessedAppts    int               `json:"processed_appointments"`
	AcceptingAcks     bool              `json:"accepting_acks"`
	AutoExpireEnabled bool              `json:"auto_expire_enabled"`
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// Session tracks the outbound messages for one calendar date. Every message
// registered in a session must belong to an appointment on exactly that
// date. All methods are safe for concurrent use.
type Session struct {
	mu sync.Mutex

	sessionID  string
	date       string
	svc        Sender
	status     SessionStatus
	startTime  time.Time
	endTime    *time.Time
	expiresAt  time.Time
	ackWindow  time.Duration
	autoExpire bool

	maxMessages int
	mappings    map[string]*MessageMapping // messageID -> mapping
	byAppt      map[string]string          // appointmentID -> messageID
	processed   map[string]struct{}        // appointmentIDs ever registered

	totalMessages   int
	sentMessages    int
	failedMessages  int
	deliveryUpdates int

	logger zerolog.Logger
}

// SessionOptions configures a new Session. Zero values fall back to the
// package defaults.
type SessionOptions struct {
	MaxMessages       int
	AckTrackingWindow time.Duration
	AutoExpireEnabled *bool
	Logger            zerolog.Logger
}

const (
	defaultMaxMessages = 1000
	defaultAckWindow   = 24 * time.Hour
)

// NewSession creates a session in the CREATED state for the given date. The
// date must already be normalized (use NormalizeDate). svc is the messaging
// service the session's messages are dispatched through; it may be nil when
// the caller tracks dispatch elsewhere.
func NewSession(date string, svc Sender, opts SessionOptions) *Session {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = defaultMaxMessages
	}
	if opts.AckTrackingWindow <= 0 {
		opts.AckTrackingWindow = defaultAckWindow
	}
	autoExpire := true
	if opts.AutoExpireEnabled != nil {
		autoExpire = *opts.AutoExpireEnabled
	}

	now := time.Now()
	// The millisecond timestamp alone can collide when two sessions for the
	// same date are created back to back; the uuid suffix keeps IDs unique
	// per creation.
	sessionID := fmt.Sprintf("session_%s_%d_%s", date, now.UnixMilli(), uuid.NewString()[:8])
	return &Session{
		sessionID:   sessionID,
		date:        date,
		svc:         svc,
		status:      StatusCreated,
		startTime:   now,
		expiresAt:   now.Add(opts.AckTrackingWindow),
		ackWindow:   opts.AckTrackingWindow,
		autoExpire:  autoExpire,
		maxMessages: opts.MaxMessages,
		mappings:    make(map[string]*MessageMapping),
		byAppt:      make(map[string]string),
		processed:   make(map[string]struct{}),
		logger:      opts.Logger.With().Str("session_id", sessionID).Str("date", date).Logger(),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Date returns the normalized calendar date the session is scoped to.
func (s *Session) Date() string { return s.date }

// Status returns the current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Service returns the messaging service handle the session was created with.
func (s *Session) Service() Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.svc
}

// StartTime returns the time the session was last started (creation time
// until Start is called).
func (s *Session) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// Start transitions the session from CREATED to ACTIVE and resets the start
// time and ACK deadline. Calling Start from any other state is a contract
// violation and returns ErrInvalidTransition.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusCreated {
		return fmt.Errorf("%w: cannot start session in state %s", ErrInvalidTransition, s.status)
	}
	s.status = StatusActive
	s.startTime = time.Now()
	s.expiresAt = s.startTime.Add(s.ackWindow)
	s.logger.Info().Msg("messaging session started")
	return nil
}

// RegisterMessage records an outbound message against its appointment
// before the message is sent. The appointment date (bare or timestamped)
// must normalize to the session date; a mismatch is a hard invariant
// violation and returns ErrDateMismatch without mutating state. Capacity,
// duplicate-message and duplicate-appointment conditions are expected
// runtime rejects: they return (false, nil) and leave state untouched.
func (s *Session) RegisterMessage(messageID, appointmentID, appointmentDate string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return false, fmt.Errorf("%w: cannot register message in state %s", ErrSessionNotActive, s.status)
	}

	day, err := NormalizeDate(appointmentDate)
	if err != nil {
		return false, err
	}
	if day != s.date {
		return false, fmt.Errorf("%w: appointment %s is on %s, session covers %s",
			ErrDateMismatch, appointmentID, day, s.date)
	}

	if len(s.mappings) >= s.maxMessages {
		s.logger.Warn().
			Int("max_messages", s.maxMessages).
			Str("message_id", messageID).
			Msg("message cap reached, registration rejected")
		return false, nil
	}
	if _, exists := s.mappings[messageID]; exists {
		s.logger.Warn().Str("message_id", messageID).Msg("duplicate message registration rejected")
		return false, nil
	}
	if _, done := s.processed[appointmentID]; done {
		s.logger.Warn().
			Str("appointment_id", appointmentID).
			Str("message_id", messageID).
			Msg("appointment already has a message in this session")
		return false, nil
	}

	s.mappings[messageID] = &MessageMapping{
		MessageID:       messageID,
		AppointmentID:   appointmentID,
		AppointmentDate: day,
		SessionID:       s.sessionID,
		RegisteredAt:    time.Now(),
	}
	s.byAppt[appointmentID] = messageID
	s.processed[appointmentID] = struct{}{}
	s.totalMessages++
	return true, nil
}

// AppointmentID resolves a provider message ID to the appointment it was
// registered for. It returns ("", false) when the session can no longer
// accept ACKs, when the ID is unknown, or when the mapping carries a
// foreign session ID (a cross-session leak that should be unreachable with
// per-session maps, kept as an invariant check).
func (s *Session) AppointmentID(messageID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canAcceptAcksLocked() {
		return "", false
	}
	m, ok := s.mappings[messageID]
	if !ok {
		return "", false
	}
	if m.SessionID != s.sessionID {
		s.logger.Error().
			Str("message_id", messageID).
			Str("mapping_session_id", m.SessionID).
			Msg("mapping belongs to a different session, refusing lookup")
		return "", false
	}
	return m.AppointmentID, true
}

// CanAcceptAcks reports whether delivery-status callbacks are still
// accepted. Crossing the ACK deadline lazily transitions the session to
// EXPIRED as a side effect of the check. A COMPLETED session keeps
// accepting ACKs until it expires, since provider confirmations can lag
// message submission by hours.
func (s *Session) CanAcceptAcks() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canAcceptAcksLocked()
}

func (s *Session) canAcceptAcksLocked() bool {
	if s.status == StatusCleanup || s.status == StatusExpired {
		return false
	}
	if s.isExpiredLocked() {
		s.logger.Info().
			Time("expires_at", s.expiresAt).
			Msg("ack window elapsed, session expired")
		s.status = StatusExpired
		return false
	}
	return s.status == StatusActive || s.status == StatusCompleted
}

// IsExpired reports whether the ACK deadline has passed. Always false when
// auto-expiry is disabled.
func (s *Session) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isExpiredLocked()
}

func (s *Session) isExpiredLocked() bool {
	if !s.autoExpire {
		return false
	}
	return time.Now().After(s.expiresAt)
}

// RecordMessageSent stamps the synchronous send success for a message.
// Unknown IDs are ignored. Not gated by the ACK window: this is the send
// outcome, not an asynchronous callback.
func (s *Session) RecordMessageSent(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mappings[messageID]
	if !ok {
		s.logger.Warn().Str("message_id", messageID).Msg("sent recorded for unknown message")
		return
	}
	now := time.Now()
	m.SentAt = &now
	s.sentMessages++
}

// RecordMessageFailed stamps the synchronous send failure for a message.
// Unknown IDs are ignored.
func (s *Session) RecordMessageFailed(messageID string, sendErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mappings[messageID]
	if !ok {
		s.logger.Warn().Str("message_id", messageID).Msg("failure recorded for unknown message")
		return
	}
	now := time.Now()
	m.FailedAt = &now
	if sendErr != nil {
		m.Error = sendErr.Error()
	}
	s.failedMessages++
}

// RecordDeliveryStatusUpdate appends an asynchronous delivery-status
// callback to the message's update list, in arrival order. Returns false
// when the session no longer accepts ACKs or the message is unknown.
func (s *Session) RecordDeliveryStatusUpdate(messageID, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canAcceptAcksLocked() {
		s.logger.Debug().
			Str("message_id", messageID).
			Str("status", status).
			Msg("delivery update rejected, session not accepting acks")
		return false
	}
	m, ok := s.mappings[messageID]
	if !ok {
		s.logger.Warn().
			Str("message_id", messageID).
			Str("status", status).
			Msg("delivery update for unknown message dropped")
		return false
	}
	m.DeliveryUpdates = append(m.DeliveryUpdates, DeliveryUpdate{
		Status:    status,
		UpdatedAt: time.Now(),
	})
	s.deliveryUpdates++
	return true
}

// Complete transitions the session from ACTIVE to COMPLETED and stamps the
// end time. From any other state it logs and does nothing: completion is
// attempted by multiple code paths and must be tolerant of racing with the
// sweep.
func (s *Session) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		s.logger.Warn().
			Str("status", string(s.status)).
			Msg("complete called outside ACTIVE, ignoring")
		return
	}
	s.status = StatusCompleted
	now := time.Now()
	s.endTime = &now
	s.logger.Info().
		Int("total_messages", s.totalMessages).
		Int("sent_messages", s.sentMessages).
		Int("failed_messages", s.failedMessages).
		Msg("messaging session completed")
}

// Expire marks the session EXPIRED, stopping ACK acceptance while keeping
// the message mappings for diagnostics. Idempotent; a no-op once the
// session is EXPIRED or CLEANUP.
func (s *Session) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusExpired || s.status == StatusCleanup {
		return
	}
	s.status = StatusExpired
	s.logger.Info().Msg("messaging session expired")
}

// Cleanup releases all per-message state and moves the session to its
// terminal CLEANUP state. Idempotent. This discards the detailed message
// history; snapshot Stats or DebugInfo first if the data is needed.
func (s *Session) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusCleanup {
		return
	}
	released := len(s.mappings)
	s.status = StatusCleanup
	s.mappings = make(map[string]*MessageMapping)
	s.byAppt = make(map[string]string)
	s.processed = make(map[string]struct{})
	s.logger.Info().Int("released_mappings", released).Msg("messaging session cleaned up")
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Session) statsLocked() SessionStats {
	return SessionStats{
		SessionID:             s.sessionID,
		Date:                  s.date,
		Status:                s.status,
		StartTime:             s.startTime,
		EndTime:               s.endTime,
		TotalMessages:         s.totalMessages,
		SentMessages:          s.sentMessages,
		FailedMessages:        s.failedMessages,
		DeliveryStatusUpdates: s.deliveryUpdates,
	}
}

// DebugInfo returns the full diagnostic view including live mappings.
// Mappings are copied; mutating the result does not affect the session.
func (s *Session) DebugInfo() SessionDebugInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	mappings := make([]*MessageMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		cp := *m
		cp.DeliveryUpdates = append([]DeliveryUpdate(nil), m.DeliveryUpdates...)
		mappings = append(mappings, &cp)
	}
	sort.Slice(mappings, func(i, j int) bool {
		if mappings[i].RegisteredAt.Equal(mappings[j].RegisteredAt) {
			return mappings[i].MessageID < mappings[j].MessageID
		}
		return mappings[i].RegisteredAt.Before(mappings[j].RegisteredAt)
	})

	service := ""
	if s.svc != nil {
		service = s.svc.Channel()
	}

	return SessionDebugInfo{
		SessionID:         s.sessionID,
		Date:              s.date,
		Status:            s.status,
		Service:           service,
		StartTime:         s.startTime,
		EndTime:           s.endTime,
		ExpiresAt:         s.expiresAt,
		MaxMessages:       s.maxMessages,
		Stats:             s.statsLocked(),
		ActiveMappings:    mappings,
		ProcessedAppts:    len(s.processed),
		AcceptingAcks:     s.status == StatusActive || s.status == StatusCompleted,
		AutoExpireEnabled: s.autoExpire,
	}
}
