package messaging

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes an HMAC-SHA256 signature of the payload using the
// given secret, returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the
// HMAC-SHA256 of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// AppointmentSource supplies the appointments due for reminders on a date.
// Implemented by the appointment domain service.
type AppointmentSource interface {
	ListDue(ctx context.Context, date string) ([]DueAppointment, error)
}

// Handler exposes the messaging core over Echo: the provider status
// callback, session observability, and operator-triggered dispatch.
type Handler struct {
	manager       *SessionManager
	dispatcher    *ReminderDispatcher
	appointments  AppointmentSource
	webhookSecret string
	metrics       MetricsRecorder
	logger        zerolog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithCallbackMetrics wires a recorder counting attributed delivery acks.
func WithCallbackMetrics(m MetricsRecorder) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a messaging Handler. webhookSecret enables HMAC
// verification of provider callbacks; when empty, callbacks are accepted
// unsigned (development only).
func NewHandler(manager *SessionManager, dispatcher *ReminderDispatcher, appointments AppointmentSource, webhookSecret string, logger zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		manager:       manager,
		dispatcher:    dispatcher,
		appointments:  appointments,
		webhookSecret: webhookSecret,
		logger:        logger.With().Str("component", "messaging_handler").Logger(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterRoutes binds all messaging routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/callbacks/:channel/status", h.StatusCallback)
	g.GET("/sessions/stats", h.SessionStats)
	g.GET("/sessions/debug", h.SessionDebug)
	g.GET("/sessions/history", h.SessionHistory)
	g.POST("/sessions/:date/complete", h.CompleteSession)
	g.POST("/dispatch/:date", h.Dispatch)
}

// statusCallbackRequest is the JSON body posted by provider webhooks.
type statusCallbackRequest struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusCallback handles POST /callbacks/:channel/status. Unattributable
// updates are dropped with a log line but still acknowledged with 202:
// signalling an error would only make the provider retry a callback we can
// never attribute.
func (h *Handler) StatusCallback(c echo.Context) error {
	channel := c.Param("channel")

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 64*1024))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	if h.webhookSecret != "" {
		sig := strings.TrimPrefix(c.Request().Header.Get("X-Provider-Signature"), "sha256=")
		if !VerifySignature(body, h.webhookSecret, sig) {
			h.logger.Warn().Str("channel", channel).Msg("callback signature verification failed")
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		}
	}

	var req statusCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.MessageID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message_id is required")
	}
	if req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status is required")
	}

	attributed := h.manager.RecordDeliveryStatusUpdate(req.MessageID, req.Status)
	if attributed {
		if h.metrics != nil {
			h.metrics.MessageEventCounter(channel, EventAcked)
		}
	} else {
		h.logger.Info().
			Str("channel", channel).
			Str("message_id", req.MessageID).
			Str("status", req.Status).
			Msg("delivery status dropped, no owning session")
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"attributed":  attributed,
		"message_id":  req.MessageID,
		"received_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// SessionStats handles GET /sessions/stats.
func (h *Handler) SessionStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.AllStats())
}

// SessionDebug handles GET /sessions/debug.
func (h *Handler) SessionDebug(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.DebugInfo())
}

// SessionHistory handles GET /sessions/history.
func (h *Handler) SessionHistory(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"history": h.manager.History(),
	})
}

// CompleteSession handles POST /sessions/:date/complete.
func (h *Handler) CompleteSession(c echo.Context) error {
	date := c.Param("date")
	if err := h.manager.CompleteSession(date); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"date": date, "status": "completed"})
}

// Dispatch handles POST /dispatch/:date — sends reminders for every due
// appointment on the date.
func (h *Handler) Dispatch(c echo.Context) error {
	date := c.Param("date")
	day, err := NormalizeDate(date)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	due, err := h.appointments.ListDue(c.Request().Context(), day)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	report, err := h.dispatcher.DispatchReminders(c.Request().Context(), day, due)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}
