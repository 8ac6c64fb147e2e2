package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type stubAppointmentSource struct {
	due []DueAppointment
	err error
}

func (s *stubAppointmentSource) ListDue(_ context.Context, _ string) ([]DueAppointment, error) {
	return s.due, s.err
}

func newTestHandler(t *testing.T, secret string, due []DueAppointment) (*Handler, *SessionManager, *MockSender) {
	t.Helper()
	m := newTestManager(t, ManagerConfig{})
	sender := &MockSender{}
	d := NewReminderDispatcher(m, []Sender{sender}, NewTemplateEngine(), zerolog.Nop())
	h := NewHandler(m, d, &stubAppointmentSource{due: due}, secret, zerolog.Nop())
	return h, m, sender
}

func doRequest(h echo.HandlerFunc, req *http.Request, pathParams map[string]string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	names := make([]string, 0, len(pathParams))
	values := make([]string, 0, len(pathParams))
	for k, v := range pathParams {
		names = append(names, k)
		values = append(values, v)
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	return rec, h(c)
}

// ---------------------------------------------------------------------------
// Status callback
// ---------------------------------------------------------------------------

func TestHandler_StatusCallbackAttributed(t *testing.T) {
	h, m, _ := newTestHandler(t, "", nil)

	s, err := m.StartSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	s.RegisterMessage("wa_001", "42", "2025-06-01")

	body := `{"message_id":"wa_001","status":"delivered"}`
	req := httptest.NewRequest(http.MethodPost, "/callbacks/whatsapp/status", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	rec, err := doRequest(h.StatusCallback, req, map[string]string{"channel": "whatsapp"})
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if resp["attributed"] != true {
		t.Errorf("attributed = %v, want true", resp["attributed"])
	}

	updates := s.DebugInfo().ActiveMappings[0].DeliveryUpdates
	if len(updates) != 1 || updates[0].Status != "delivered" {
		t.Errorf("updates = %+v, want one delivered update", updates)
	}
}

func TestHandler_StatusCallbackCountsAck(t *testing.T) {
	metrics := &fakeMetrics{}
	m := newTestManager(t, ManagerConfig{})
	h := NewHandler(m, nil, &stubAppointmentSource{}, "", zerolog.Nop(),
		WithCallbackMetrics(metrics))

	s, err := m.StartSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	s.RegisterMessage("wa_100", "7", "2025-06-01")

	post := func(messageID string) {
		t.Helper()
		body := `{"message_id":"` + messageID + `","status":"delivered"}`
		req := httptest.NewRequest(http.MethodPost, "/callbacks/whatsapp/status", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		if _, err := doRequest(h.StatusCallback, req, map[string]string{"channel": "whatsapp"}); err != nil {
			t.Fatalf("handler returned error: %v", err)
		}
	}

	post("wa_100")
	if got := metrics.count("whatsapp", EventAcked); got != 1 {
		t.Errorf("acked events after attributed callback = %d, want 1", got)
	}

	// Unattributable callbacks must not count as acks.
	post("ghost")
	if got := metrics.count("whatsapp", EventAcked); got != 1 {
		t.Errorf("acked events after dropped callback = %d, want 1", got)
	}
}

func TestHandler_StatusCallbackUnattributable(t *testing.T) {
	h, _, _ := newTestHandler(t, "", nil)

	body := `{"message_id":"ghost","status":"read"}`
	req := httptest.NewRequest(http.MethodPost, "/callbacks/whatsapp/status", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	rec, err := doRequest(h.StatusCallback, req, map[string]string{"channel": "whatsapp"})
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	// Dropped but acknowledged: retrying would never succeed.
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["attributed"] != false {
		t.Errorf("attributed = %v, want false", resp["attributed"])
	}
}

func TestHandler_StatusCallbackSignature(t *testing.T) {
	const secret = "topsecret"
	h, m, _ := newTestHandler(t, secret, nil)

	s, err := m.StartSession("2025-06-01", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	s.RegisterMessage("wa_001", "42", "2025-06-01")

	body := `{"message_id":"wa_001","status":"delivered"}`

	// Missing signature rejected.
	req := httptest.NewRequest(http.MethodPost, "/callbacks/whatsapp/status", strings.NewReader(body))
	_, err = doRequest(h.StatusCallback, req, map[string]string{"channel": "whatsapp"})
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned callback error = %v, want 401", err)
	}

	// Valid signature accepted, with or without the sha256= prefix.
	for _, prefix := range []string{"", "sha256="} {
		req = httptest.NewRequest(http.MethodPost, "/callbacks/whatsapp/status", strings.NewReader(body))
		req.Header.Set("X-Provider-Signature", prefix+SignPayload([]byte(body), secret))
		rec, err := doRequest(h.StatusCallback, req, map[string]string{"channel": "whatsapp"})
		if err != nil {
			t.Fatalf("signed callback (prefix %q) error: %v", prefix, err)
		}
		if rec.Code != http.StatusAccepted {
			t.Errorf("signed callback status = %d, want %d", rec.Code, http.StatusAccepted)
		}
	}

	// Tampered body rejected.
	req = httptest.NewRequest(http.MethodPost, "/callbacks/whatsapp/status", strings.NewReader(`{"message_id":"wa_001","status":"read"}`))
	req.Header.Set("X-Provider-Signature", SignPayload([]byte(body), secret))
	_, err = doRequest(h.StatusCallback, req, map[string]string{"channel": "whatsapp"})
	httpErr, ok = err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("tampered callback error = %v, want 401", err)
	}
}

func TestHandler_StatusCallbackValidation(t *testing.T) {
	h, _, _ := newTestHandler(t, "", nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `<xml/>`},
		{name: "missing message_id", body: `{"status":"read"}`},
		{name: "missing status", body: `{"message_id":"wa_001"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/callbacks/whatsapp/status", strings.NewReader(tt.body))
			_, err := doRequest(h.StatusCallback, req, map[string]string{"channel": "whatsapp"})
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusBadRequest {
				t.Errorf("error = %v, want 400", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Observability & admin routes
// ---------------------------------------------------------------------------

func TestHandler_SessionStats(t *testing.T) {
	h, m, _ := newTestHandler(t, "", nil)
	if _, err := m.StartSession("2025-06-01", nil); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions/stats", nil)
	rec, err := doRequest(h.SessionStats, req, nil)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}

	var stats ManagerStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("invalid stats JSON: %v", err)
	}
	if stats.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", stats.ActiveSessions)
	}
}

func TestHandler_CompleteSession(t *testing.T) {
	h, m, _ := newTestHandler(t, "", nil)
	if _, err := m.StartSession("2025-06-01", nil); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/sessions/2025-06-01/complete", nil)
	rec, err := doRequest(h.CompleteSession, req, map[string]string{"date": "2025-06-01"})
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := m.AllStats().ActiveSessions; got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestHandler_Dispatch(t *testing.T) {
	due := []DueAppointment{{
		AppointmentID: "a1",
		Date:          "2025-06-01",
		PatientName:   "Jordan Blake",
		Phone:         "+15550001111",
		Channel:       ChannelWhatsApp,
	}}
	h, _, sender := newTestHandler(t, "", due)

	req := httptest.NewRequest(http.MethodPost, "/dispatch/2025-06-01", nil)
	rec, err := doRequest(h.Dispatch, req, map[string]string{"date": "2025-06-01"})
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}

	var report DispatchReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("invalid report JSON: %v", err)
	}
	if report.Sent != 1 {
		t.Errorf("report.Sent = %d, want 1", report.Sent)
	}
	if got := len(sender.Calls()); got != 1 {
		t.Errorf("sender calls = %d, want 1", got)
	}
}

func TestHandler_DispatchInvalidDate(t *testing.T) {
	h, _, _ := newTestHandler(t, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/dispatch/nope", nil)
	_, err := doRequest(h.Dispatch, req, map[string]string{"date": "nope"})
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("error = %v, want 400", err)
	}
}
