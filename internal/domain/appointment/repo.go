package appointment

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByDate(ctx context.Context, date string, limit, offset int) ([]*Appointment, int, error)
	ListRemindable(ctx context.Context, date string) ([]*Appointment, error)
}
