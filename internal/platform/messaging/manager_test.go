package messaging

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestManager(t *testing.T, cfg ManagerConfig) *SessionManager {
	t.Helper()
	m := NewSessionManager(cfg, zerolog.Nop())
	t.Cleanup(m.Destroy)
	return m
}

// ---------------------------------------------------------------------------
// Session directory
// ---------------------------------------------------------------------------

func TestManager_GetOrCreateSession(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	s1, err := m.GetOrCreateSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if s1.Status() != StatusCreated {
		t.Errorf("new session status = %s, want %s", s1.Status(), StatusCreated)
	}

	if err := s1.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Same date while ACTIVE returns the same session.
	s2, err := m.GetOrCreateSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if s2.ID() != s1.ID() {
		t.Errorf("second call returned a different session: %s vs %s", s2.ID(), s1.ID())
	}
}

func TestManager_GetOrCreateRejectsBadDate(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	if _, err := m.GetOrCreateSession("not-a-date", nil); err == nil {
		t.Fatal("GetOrCreateSession with invalid date, want error")
	}
}

func TestManager_InvalidSessionReplaced(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	s1, err := m.StartSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	s1.Complete() // now invalid for reuse

	s2, err := m.GetOrCreateSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if s2.ID() == s1.ID() {
		t.Error("completed session was reused instead of replaced")
	}
	if s1.Status() != StatusCleanup {
		t.Errorf("replaced session status = %s, want %s", s1.Status(), StatusCleanup)
	}
}

func TestManager_HistoryKeepsRecreatedSessions(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	// Complete, recreate for the same date, complete again: both runs must
	// survive in history under distinct session IDs.
	for i := 0; i < 2; i++ {
		if _, err := m.StartSession("2025-06-01", nil); err != nil {
			t.Fatalf("StartSession run %d failed: %v", i+1, err)
		}
		if err := m.CompleteSession("2025-06-01"); err != nil {
			t.Fatalf("CompleteSession run %d failed: %v", i+1, err)
		}
	}

	hist := m.History()
	if len(hist) != 2 {
		t.Fatalf("history size = %d, want 2", len(hist))
	}
	if hist[0].SessionID == hist[1].SessionID {
		t.Errorf("history entries share session ID %q", hist[0].SessionID)
	}
}

func TestManager_StartSessionIdempotent(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	s1, err := m.StartSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	// A second StartSession for the same date must not double-start.
	s2, err := m.StartSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("second StartSession failed: %v", err)
	}
	if s2.ID() != s1.ID() {
		t.Errorf("second StartSession returned a different session")
	}
	if s2.Status() != StatusActive {
		t.Errorf("status = %s, want %s", s2.Status(), StatusActive)
	}
}

// ---------------------------------------------------------------------------
// Message lookup across sessions
// ---------------------------------------------------------------------------

func TestManager_AppointmentIDForMessage(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	s1, err := m.StartSession("2025-01-01", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	s2, err := m.StartSession("2025-01-02", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	if ok, _ := s1.RegisterMessage("m1", "a1", "2025-01-01"); !ok {
		t.Fatal("register m1 failed")
	}
	if ok, _ := s2.RegisterMessage("m2", "a2", "2025-01-02"); !ok {
		t.Fatal("register m2 failed")
	}

	owner := m.AppointmentIDForMessage("m1")
	if owner == nil {
		t.Fatal("AppointmentIDForMessage(m1) = nil, want owner")
	}
	if owner.AppointmentID != "a1" || owner.Date != "2025-01-01" || owner.SessionID != s1.ID() {
		t.Errorf("owner = %+v, want a1/2025-01-01/%s", owner, s1.ID())
	}

	owner = m.AppointmentIDForMessage("m2")
	if owner == nil || owner.Date != "2025-01-02" {
		t.Errorf("owner of m2 = %+v, want session for 2025-01-02", owner)
	}

	if got := m.AppointmentIDForMessage("m3"); got != nil {
		t.Errorf("AppointmentIDForMessage(m3) = %+v, want nil", got)
	}
}

func TestManager_RecordDeliveryStatusUpdate(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	s, err := m.StartSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	s.RegisterMessage("wa_001", "42", "2025-06-01")
	s.RecordMessageSent("wa_001")

	if !m.RecordDeliveryStatusUpdate("wa_001", "delivered") {
		t.Fatal("RecordDeliveryStatusUpdate = false, want true")
	}

	info := s.DebugInfo()
	if len(info.ActiveMappings) != 1 || len(info.ActiveMappings[0].DeliveryUpdates) != 1 {
		t.Fatal("delivery update not recorded on owning session")
	}
	if got := info.ActiveMappings[0].DeliveryUpdates[0].Status; got != "delivered" {
		t.Errorf("recorded status = %q, want %q", got, "delivered")
	}

	if m.RecordDeliveryStatusUpdate("unknown", "delivered") {
		t.Error("update for unknown message = true, want false")
	}
}

// ---------------------------------------------------------------------------
// Completion & history
// ---------------------------------------------------------------------------

func TestManager_CompleteSessionRemovesFromActive(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	s, err := m.StartSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	s.RegisterMessage("wa_001", "42", "2025-06-01")

	if err := m.CompleteSession("2025-06-01"); err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}

	// Session is gone from the active map; its data is cleared.
	if got := m.AppointmentIDForMessage("wa_001"); got != nil {
		t.Errorf("lookup after completion = %+v, want nil", got)
	}
	if s.Status() != StatusCleanup {
		t.Errorf("session status = %s, want %s", s.Status(), StatusCleanup)
	}

	hist := m.History()
	if len(hist) != 1 {
		t.Fatalf("history size = %d, want 1", len(hist))
	}
	if hist[0].TotalMessages != 1 {
		t.Errorf("history TotalMessages = %d, want 1", hist[0].TotalMessages)
	}

	// Completing a date with no session is a no-op.
	if err := m.CompleteSession("2025-06-01"); err != nil {
		t.Errorf("repeated CompleteSession: %v", err)
	}
}

func TestManager_CompleteAllSessions(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	for _, date := range []string{"2025-06-01", "2025-06-02", "2025-06-03"} {
		if _, err := m.StartSession(date, nil); err != nil {
			t.Fatalf("StartSession(%s) failed: %v", date, err)
		}
	}

	m.CompleteAllSessions()

	stats := m.AllStats()
	if stats.ActiveSessions != 0 {
		t.Errorf("active sessions after drain = %d, want 0", stats.ActiveSessions)
	}
	if stats.HistorySize != 3 {
		t.Errorf("history size = %d, want 3", stats.HistorySize)
	}
}

func TestManager_HistoryTrimming(t *testing.T) {
	m := newTestManager(t, ManagerConfig{MaxHistorySize: 2})

	dates := []string{"2025-06-01", "2025-06-02", "2025-06-03"}
	for _, date := range dates {
		if _, err := m.StartSession(date, nil); err != nil {
			t.Fatalf("StartSession(%s) failed: %v", date, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct start times for ordering
		if err := m.CompleteSession(date); err != nil {
			t.Fatalf("CompleteSession(%s) failed: %v", date, err)
		}
	}

	hist := m.History()
	if len(hist) != 2 {
		t.Fatalf("history size = %d, want 2", len(hist))
	}
	// Most-recently-started first; the oldest session was trimmed.
	if hist[0].Date != "2025-06-03" || hist[1].Date != "2025-06-02" {
		t.Errorf("history dates = [%s %s], want [2025-06-03 2025-06-02]", hist[0].Date, hist[1].Date)
	}
}

func TestManager_HistoryDisabled(t *testing.T) {
	keep := false
	m := newTestManager(t, ManagerConfig{KeepHistory: &keep})

	if _, err := m.StartSession("2025-06-01", nil); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := m.CompleteSession("2025-06-01"); err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}
	if got := len(m.History()); got != 0 {
		t.Errorf("history size with history disabled = %d, want 0", got)
	}
}

// ---------------------------------------------------------------------------
// Capacity & reclamation
// ---------------------------------------------------------------------------

func TestManager_ForcedEvictionAtCapacity(t *testing.T) {
	m := newTestManager(t, ManagerConfig{MaxActiveSessions: 1})

	s1, err := m.StartSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	s2, err := m.StartSession("2025-06-02", nil)
	if err != nil {
		t.Fatalf("second StartSession failed: %v", err)
	}

	if s1.Status() != StatusCleanup {
		t.Errorf("evicted session status = %s, want %s", s1.Status(), StatusCleanup)
	}
	if s2.Status() != StatusActive {
		t.Errorf("new session status = %s, want %s", s2.Status(), StatusActive)
	}

	stats := m.AllStats()
	if stats.ActiveSessions != 1 {
		t.Errorf("active sessions = %d, want 1", stats.ActiveSessions)
	}
	hist := m.History()
	if len(hist) != 1 || hist[0].Date != "2025-06-01" {
		t.Errorf("history = %+v, want the evicted 2025-06-01 session", hist)
	}
}

func TestManager_PeriodicCleanupExpiresSessions(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		AckTrackingWindow: 50 * time.Millisecond,
	})

	s, err := m.StartSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	m.PerformPeriodicCleanup()

	if s.Status() != StatusExpired {
		t.Errorf("session status after sweep = %s, want %s", s.Status(), StatusExpired)
	}
	// Expired but not past max age: still in the active map for diagnostics.
	if got := m.AllStats().ActiveSessions; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestManager_PeriodicCleanupAgeBackstop(t *testing.T) {
	autoExpire := false
	m := newTestManager(t, ManagerConfig{
		AutoExpireEnabled: &autoExpire,
		MaxSessionAge:     50 * time.Millisecond,
	})

	s, err := m.StartSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	m.PerformPeriodicCleanup()

	// Even with expiry disabled, the absolute age limit retires the session.
	if got := m.AllStats().ActiveSessions; got != 0 {
		t.Errorf("active sessions after age backstop = %d, want 0", got)
	}
	if s.Status() != StatusCleanup {
		t.Errorf("session status = %s, want %s", s.Status(), StatusCleanup)
	}
	if got := len(m.History()); got != 1 {
		t.Errorf("history size = %d, want 1", got)
	}
}

func TestManager_Destroy(t *testing.T) {
	m := NewSessionManager(ManagerConfig{}, zerolog.Nop())

	s, err := m.StartSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	m.Destroy()
	m.Destroy() // safe to repeat

	if s.Status() != StatusCleanup {
		t.Errorf("session status after destroy = %s, want %s", s.Status(), StatusCleanup)
	}
	stats := m.AllStats()
	if stats.ActiveSessions != 0 || stats.HistorySize != 0 {
		t.Errorf("stats after destroy = %+v, want empty", stats)
	}
}

// ---------------------------------------------------------------------------
// End-to-end scenario
// ---------------------------------------------------------------------------

func TestManager_SendAndAckScenario(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	svc := &MockSender{}

	s, err := m.StartSession("2025-06-01", svc)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	ok, err := s.RegisterMessage("wa_001", "42", "2025-06-01")
	if !ok || err != nil {
		t.Fatalf("RegisterMessage = (%v, %v), want (true, nil)", ok, err)
	}
	s.RecordMessageSent("wa_001")
	if got := s.Stats().SentMessages; got != 1 {
		t.Fatalf("SentMessages = %d, want 1", got)
	}

	if !m.RecordDeliveryStatusUpdate("wa_001", "delivered") {
		t.Fatal("RecordDeliveryStatusUpdate = false, want true")
	}
	got := s.DebugInfo().ActiveMappings[0].DeliveryUpdates[0].Status
	if got != "delivered" {
		t.Errorf("first delivery update = %q, want %q", got, "delivered")
	}

	if err := m.CompleteSession("2025-06-01"); err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}
	if owner := m.AppointmentIDForMessage("wa_001"); owner != nil {
		t.Errorf("lookup after completion = %+v, want nil", owner)
	}
}
