package appointment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a PostgreSQL-backed appointment repository.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const apptCols = `id, patient_name, phone, channel, practitioner_id,
	start_time, end_time, status, reminder_opt_out, notes, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientName, &a.Phone, &a.Channel, &a.PractitionerID,
		&a.StartTime, &a.EndTime, &a.Status, &a.ReminderOptOut, &a.Notes,
		&a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment (id, patient_name, phone, channel, practitioner_id,
			start_time, end_time, status, reminder_opt_out, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.PatientName, a.Phone, a.Channel, a.PractitionerID,
		a.StartTime, a.EndTime, a.Status, a.ReminderOptOut, a.Notes)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.pool.QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointment SET patient_name=$2, phone=$3, channel=$4,
			practitioner_id=$5, start_time=$6, end_time=$7, status=$8,
			reminder_opt_out=$9, notes=$10, updated_at=NOW()
		WHERE id=$1`,
		a.ID, a.PatientName, a.Phone, a.Channel, a.PractitionerID,
		a.StartTime, a.EndTime, a.Status, a.ReminderOptOut, a.Notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %s not found", a.ID)
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM appointment WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %s not found", id)
	}
	return nil
}

func (r *repoPG) ListByDate(ctx context.Context, date string, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM appointment WHERE start_time::date = $1::date`, date).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+apptCols+` FROM appointment
		WHERE start_time::date = $1::date
		ORDER BY start_time ASC
		LIMIT $2 OFFSET $3`, date, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (r *repoPG) ListRemindable(ctx context.Context, date string) ([]*Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptCols+` FROM appointment
		WHERE start_time::date = $1::date
		  AND status = $2
		  AND reminder_opt_out = FALSE
		  AND phone <> ''
		ORDER BY start_time ASC`, date, StatusBooked)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
