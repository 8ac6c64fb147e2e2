package messaging

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// ManagerConfig holds all configuration for a SessionManager. All fields are
// immutable after construction; zero values fall back to defaults.
type ManagerConfig struct {
	MaxActiveSessions     int
	MaxMessagesPerSession int
	AckTrackingWindow     time.Duration
	AutoExpireEnabled     *bool // nil = use default (true)
	CleanupInterval       time.Duration
	MaxSessionAge         time.Duration
	MaxHistorySize        int
	KeepHistory           *bool // nil = use default (true)
}

const (
	defaultMaxActiveSessions = 25
	defaultCleanupInterval   = 6 * time.Hour
	defaultMaxSessionAge     = 48 * time.Hour
	defaultMaxHistorySize    = 20
)

func (c *ManagerConfig) applyDefaults() {
	if c.MaxActiveSessions <= 0 {
		c.MaxActiveSessions = defaultMaxActiveSessions
	}
	if c.MaxMessagesPerSession <= 0 {
		c.MaxMessagesPerSession = defaultMaxMessages
	}
	if c.AckTrackingWindow <= 0 {
		c.AckTrackingWindow = defaultAckWindow
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.MaxSessionAge <= 0 {
		c.MaxSessionAge = defaultMaxSessionAge
	}
	if c.MaxHistorySize <= 0 {
		c.MaxHistorySize = defaultMaxHistorySize
	}
}

func (c *ManagerConfig) keepHistory() bool {
	if c.KeepHistory == nil {
		return true
	}
	return *c.KeepHistory
}

// ---------------------------------------------------------------------------
// SessionManager
// ---------------------------------------------------------------------------

// MessageOwner identifies the session owning a message ID resolved through
// the manager's scan.
type MessageOwner struct {
	AppointmentID string `json:"appointment_id"`
	Date          string `json:"date"`
	SessionID     string `json:"session_id"`
}

// ManagerStats summarizes the manager's current state for monitoring.
type ManagerStats struct {
	ActiveSessions int            `json:"active_sessions"`
	HistorySize    int            `json:"history_size"`
	Sessions       []SessionStats `json:"sessions"`
}

// ManagerDebugInfo is the full diagnostic view across all active sessions.
type ManagerDebugInfo struct {
	ActiveSessions int                `json:"active_sessions"`
	HistorySize    int                `json:"history_size"`
	Sessions       []SessionDebugInfo `json:"sessions"`
	History        []*SessionStats    `json:"history"`
}

// SessionManager owns every messaging Session, keyed by calendar date. It is
// constructed once at application start and destroyed at shutdown; the host
// passes it by reference to dispatch and callback-handling code. At most one
// active session exists per date.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string // dates in insertion order, oldest first
	history  map[string]*SessionStats

	cfg    ManagerConfig
	logger zerolog.Logger

	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
	destroyOnce   sync.Once
}

// NewSessionManager constructs a SessionManager and starts its periodic
// cleanup sweep. Call Destroy to stop the sweep and drain all sessions.
func NewSessionManager(cfg ManagerConfig, logger zerolog.Logger) *SessionManager {
	cfg.applyDefaults()
	m := &SessionManager{
		sessions:    make(map[string]*Session),
		history:     make(map[string]*SessionStats),
		cfg:         cfg,
		logger:      logger.With().Str("component", "session_manager").Logger(),
		cleanupDone: make(chan struct{}),
	}

	m.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
	go m.cleanupLoop()

	m.logger.Info().
		Int("max_active_sessions", cfg.MaxActiveSessions).
		Int("max_messages_per_session", cfg.MaxMessagesPerSession).
		Dur("ack_tracking_window", cfg.AckTrackingWindow).
		Dur("cleanup_interval", cfg.CleanupInterval).
		Dur("max_session_age", cfg.MaxSessionAge).
		Bool("keep_history", cfg.keepHistory()).
		Msg("session manager started")
	return m
}

func (m *SessionManager) cleanupLoop() {
	for {
		select {
		case <-m.cleanupTicker.C:
			m.PerformPeriodicCleanup()
		case <-m.cleanupDone:
			return
		}
	}
}

// GetOrCreateSession returns the active session for the date, creating one
// if needed. An existing session that is no longer ACTIVE is retired first.
// When the active-session cap is hit, an out-of-cycle cleanup runs; if the
// cap still holds, the oldest session is forcibly completed to make room.
// The returned session is in CREATED state when newly built; use
// StartSession to get an ACTIVE one.
func (m *SessionManager) GetOrCreateSession(date string, svc Sender) (*Session, error) {
	day, err := NormalizeDate(date)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[day]; ok {
		if existing.Status() == StatusActive {
			return existing, nil
		}
		m.logger.Warn().
			Str("date", day).
			Str("status", string(existing.Status())).
			Msg("existing session no longer active, retiring before recreate")
		m.retireLocked(day, existing)
	}

	if len(m.sessions) >= m.cfg.MaxActiveSessions {
		m.sweepLocked()
	}
	if len(m.sessions) >= m.cfg.MaxActiveSessions && len(m.order) > 0 {
		oldest := m.order[0]
		m.logger.Warn().
			Str("evicted_date", oldest).
			Int("max_active_sessions", m.cfg.MaxActiveSessions).
			Msg("session capacity reached, force-completing oldest session")
		m.retireLocked(oldest, m.sessions[oldest])
	}

	autoExpire := true
	if m.cfg.AutoExpireEnabled != nil {
		autoExpire = *m.cfg.AutoExpireEnabled
	}
	s := NewSession(day, svc, SessionOptions{
		MaxMessages:       m.cfg.MaxMessagesPerSession,
		AckTrackingWindow: m.cfg.AckTrackingWindow,
		AutoExpireEnabled: &autoExpire,
		Logger:            m.logger,
	})
	m.sessions[day] = s
	m.order = append(m.order, day)
	m.logger.Info().Str("date", day).Str("session_id", s.ID()).Msg("session created")
	return s, nil
}

// StartSession returns an ACTIVE session for the date, creating and starting
// one as needed. A session that is already ACTIVE is returned as-is, which
// avoids double-start errors when the same date is dispatched twice.
func (m *SessionManager) StartSession(date string, svc Sender) (*Session, error) {
	s, err := m.GetOrCreateSession(date, svc)
	if err != nil {
		return nil, err
	}
	if s.Status() == StatusCreated {
		if err := s.Start(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AppointmentIDForMessage resolves a message ID to its owning appointment by
// scanning every active session. The scan is bounded by MaxActiveSessions.
// Delivery callbacks carry no date context, so ownership has to be
// discovered here. Returns nil when no active session knows the ID.
func (m *SessionManager) AppointmentIDForMessage(messageID string) *MessageOwner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ownerLocked(messageID)
}

func (m *SessionManager) ownerLocked(messageID string) *MessageOwner {
	for _, date := range m.order {
		s := m.sessions[date]
		if s == nil {
			continue
		}
		if apptID, ok := s.AppointmentID(messageID); ok {
			return &MessageOwner{
				AppointmentID: apptID,
				Date:          date,
				SessionID:     s.ID(),
			}
		}
	}
	return nil
}

// RecordDeliveryStatusUpdate attributes an asynchronous delivery callback to
// the session owning the message ID and records it there. The owning session
// must still be ACTIVE at the time of the call; state may have changed
// between lookup and use. Returns false when the update cannot be
// attributed — an expected runtime condition, not an error.
func (m *SessionManager) RecordDeliveryStatusUpdate(messageID, status string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := m.ownerLocked(messageID)
	if owner == nil {
		m.logger.Info().
			Str("message_id", messageID).
			Str("status", status).
			Msg("delivery update could not be attributed to any session")
		return false
	}
	s := m.sessions[owner.Date]
	if s == nil || s.Status() != StatusActive {
		m.logger.Warn().
			Str("message_id", messageID).
			Str("date", owner.Date).
			Msg("owning session no longer active, delivery update dropped")
		return false
	}
	return s.RecordDeliveryStatusUpdate(messageID, status)
}

// CompleteSession completes, snapshots and cleans the active session for the
// date. A no-op when no active session exists for the date.
func (m *SessionManager) CompleteSession(date string) error {
	day, err := NormalizeDate(date)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[day]
	if !ok {
		m.logger.Debug().Str("date", day).Msg("no active session to complete")
		return nil
	}
	m.retireLocked(day, s)
	return nil
}

// CompleteAllSessions completes every active session. Used at shutdown and
// drain time.
func (m *SessionManager) CompleteAllSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, date := range append([]string(nil), m.order...) {
		if s, ok := m.sessions[date]; ok {
			m.retireLocked(date, s)
		}
	}
}

// retireLocked completes a session, harvests its stats into history, removes
// it from the active set and releases its memory. Callers hold m.mu.
func (m *SessionManager) retireLocked(date string, s *Session) {
	if s == nil {
		return
	}
	s.Complete()
	if m.cfg.keepHistory() {
		stats := s.Stats()
		m.history[stats.SessionID] = &stats
	}
	delete(m.sessions, date)
	for i, d := range m.order {
		if d == date {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	s.Cleanup()
	m.trimHistoryLocked()
}

// PerformPeriodicCleanup runs the three-pass sweep: expire sessions past
// their ACK window, retire sessions past the absolute age limit, and trim
// history. Invoked by the interval timer and on demand at capacity.
func (m *SessionManager) PerformPeriodicCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
}

func (m *SessionManager) sweepLocked() {
	now := time.Now()
	expired := 0
	retired := 0

	for _, date := range append([]string(nil), m.order...) {
		s := m.sessions[date]
		if s == nil {
			continue
		}
		if s.IsExpired() && s.Status() != StatusExpired {
			s.Expire()
			expired++
		}
		// Absolute age backstop: retire regardless of status.
		if now.Sub(s.StartTime()) > m.cfg.MaxSessionAge {
			m.logger.Warn().
				Str("date", date).
				Dur("max_session_age", m.cfg.MaxSessionAge).
				Msg("session past max age, retiring")
			m.retireLocked(date, s)
			retired++
		}
	}

	if !m.cfg.keepHistory() {
		m.history = make(map[string]*SessionStats)
	} else {
		m.trimHistoryLocked()
	}

	if expired > 0 || retired > 0 {
		m.logger.Info().
			Int("expired", expired).
			Int("retired", retired).
			Int("active_sessions", len(m.sessions)).
			Msg("periodic cleanup finished")
	}
}

// TrimHistory drops all but the MaxHistorySize most recent history entries,
// ordered by session start time.
func (m *SessionManager) TrimHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimHistoryLocked()
}

func (m *SessionManager) trimHistoryLocked() {
	if len(m.history) <= m.cfg.MaxHistorySize {
		return
	}
	entries := make([]*SessionStats, 0, len(m.history))
	for _, st := range m.history {
		entries = append(entries, st)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartTime.After(entries[j].StartTime)
	})
	for _, st := range entries[m.cfg.MaxHistorySize:] {
		delete(m.history, st.SessionID)
	}
}

// AllStats returns counter snapshots for every active session plus the
// history size.
func (m *SessionManager) AllStats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ManagerStats{
		ActiveSessions: len(m.sessions),
		HistorySize:    len(m.history),
		Sessions:       make([]SessionStats, 0, len(m.sessions)),
	}
	for _, date := range m.order {
		if s := m.sessions[date]; s != nil {
			stats.Sessions = append(stats.Sessions, s.Stats())
		}
	}
	return stats
}

// DebugInfo returns the full diagnostic view of every active session and
// the retained history, most recent first.
func (m *SessionManager) DebugInfo() ManagerDebugInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := ManagerDebugInfo{
		ActiveSessions: len(m.sessions),
		HistorySize:    len(m.history),
		Sessions:       make([]SessionDebugInfo, 0, len(m.sessions)),
		History:        make([]*SessionStats, 0, len(m.history)),
	}
	for _, date := range m.order {
		if s := m.sessions[date]; s != nil {
			info.Sessions = append(info.Sessions, s.DebugInfo())
		}
	}
	for _, st := range m.history {
		info.History = append(info.History, st)
	}
	sort.Slice(info.History, func(i, j int) bool {
		return info.History[i].StartTime.After(info.History[j].StartTime)
	})
	return info
}

// History returns the retained stats snapshots, most recent first.
func (m *SessionManager) History() []*SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*SessionStats, 0, len(m.history))
	for _, st := range m.history {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Destroy stops the cleanup timer, completes all active sessions and clears
// history. The manager must not be used afterwards. Safe to call more than
// once.
func (m *SessionManager) Destroy() {
	m.destroyOnce.Do(func() {
		m.cleanupTicker.Stop()
		close(m.cleanupDone)

		m.CompleteAllSessions()

		m.mu.Lock()
		m.history = make(map[string]*SessionStats)
		m.mu.Unlock()

		m.logger.Info().Msg("session manager destroyed")
	})
}
