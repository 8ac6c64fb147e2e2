package appointment

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dentms/dentms/internal/platform/messaging"
)

var validChannels = map[string]bool{
	messaging.ChannelWhatsApp: true,
	messaging.ChannelTelegram: true,
	messaging.ChannelSMS:      true,
}

var validStatuses = map[string]bool{
	StatusBooked:    true,
	StatusArrived:   true,
	StatusFulfilled: true,
	StatusCancelled: true,
	StatusNoShow:    true,
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.PatientName == "" {
		return fmt.Errorf("patient_name is required")
	}
	if a.StartTime.IsZero() {
		return fmt.Errorf("start_time is required")
	}
	if a.Channel == "" {
		a.Channel = messaging.ChannelWhatsApp
	}
	if !validChannels[a.Channel] {
		return fmt.Errorf("channel must be one of whatsapp, telegram, sms, got %q", a.Channel)
	}
	if a.Status == "" {
		a.Status = StatusBooked
	}
	if !validStatuses[a.Status] {
		return fmt.Errorf("invalid appointment status %q", a.Status)
	}
	return s.repo.Create(ctx, a)
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdateAppointment(ctx context.Context, a *Appointment) error {
	if a.Channel != "" && !validChannels[a.Channel] {
		return fmt.Errorf("channel must be one of whatsapp, telegram, sms, got %q", a.Channel)
	}
	if a.Status != "" && !validStatuses[a.Status] {
		return fmt.Errorf("invalid appointment status %q", a.Status)
	}
	return s.repo.Update(ctx, a)
}

func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID) error {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	a.Status = StatusCancelled
	return s.repo.Update(ctx, a)
}

func (s *Service) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) ListAppointmentsByDate(ctx context.Context, date string, limit, offset int) ([]*Appointment, int, error) {
	if _, err := messaging.NormalizeDate(date); err != nil {
		return nil, 0, err
	}
	return s.repo.ListByDate(ctx, date, limit, offset)
}

// ListDue implements messaging.AppointmentSource: the remindable
// appointments for a date, projected into the dispatcher's shape.
func (s *Service) ListDue(ctx context.Context, date string) ([]messaging.DueAppointment, error) {
	appts, err := s.repo.ListRemindable(ctx, date)
	if err != nil {
		return nil, err
	}

	due := make([]messaging.DueAppointment, 0, len(appts))
	for _, a := range appts {
		if !a.Remindable() {
			continue
		}
		due = append(due, messaging.DueAppointment{
			AppointmentID: a.ID.String(),
			Date:          a.Date(),
			PatientName:   a.PatientName,
			Phone:         a.Phone,
			Channel:       a.Channel,
			StartTime:     a.StartTime,
		})
	}
	return due, nil
}
