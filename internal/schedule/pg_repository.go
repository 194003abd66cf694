package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgRepository is the Postgres-backed Repository. The appointments table
// carries a partial unique index on (doctor_id, start_time) for
// non-cancelled rows, so a racing insert surfaces as ErrSlotTaken at commit
// instead of silently double-booking.
type PgRepository struct {
	pool *pgxpool.Pool
	q    pgQuerier
	inTx bool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, q: pool}
}

// WithTx runs fn against a transactional view. Nested calls reuse the
// current transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if r.inTx {
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txRepo := &PgRepository{pool: r.pool, q: tx, inTx: true}
	if err := fn(txRepo); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Scan helpers.

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(
		&d.ID,
		&d.ClinicID,
		&d.Name,
		&d.Specialty,
		&d.MaxDailyAppointments,
		&d.SlotDurationMinutes,
		&d.AllowOnlineBooking,
		&d.IsActive,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

const appointmentColumns = `id, patient_id, doctor_id, clinic_id, service_id, start_time, end_time, status,
	is_recurring, recurring_parent_id, occurrence_number,
	cancelled_at, cancellation_reason, cancellation_fee, is_late_cancellation, reminder_sent_at,
	created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.ClinicID,
		&a.ServiceID,
		&a.StartTime,
		&a.EndTime,
		&a.Status,
		&a.IsRecurring,
		&a.RecurringParentID,
		&a.OccurrenceNumber,
		&a.CancelledAt,
		&a.CancellationReason,
		&a.CancellationFee,
		&a.IsLateCancellation,
		&a.ReminderSentAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

const operationColumns = `id, clinic_id, doctor_id, initiated_by, start_date, end_date, reason, status,
	total_appointments, reassigned_count, cancelled_count, failed_count, created_at, updated_at`

func scanOperation(row pgx.Row) (*BulkCancellationOperation, error) {
	var op BulkCancellationOperation
	err := row.Scan(
		&op.ID,
		&op.ClinicID,
		&op.DoctorID,
		&op.InitiatedBy,
		&op.StartDate,
		&op.EndDate,
		&op.Reason,
		&op.Status,
		&op.TotalAppointments,
		&op.ReassignedCount,
		&op.CancelledCount,
		&op.FailedCount,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return &op, nil
}

const reassignmentColumns = `id, bulk_operation_id, appointment_id, original_doctor_id, new_doctor_id,
	original_start_time, new_start_time, status, patient_response, created_at, updated_at`

func scanReassignment(row pgx.Row) (*AppointmentReassignment, error) {
	var re AppointmentReassignment
	err := row.Scan(
		&re.ID,
		&re.BulkOperationID,
		&re.AppointmentID,
		&re.OriginalDoctorID,
		&re.NewDoctorID,
		&re.OriginalStartTime,
		&re.NewStartTime,
		&re.Status,
		&re.PatientResponse,
		&re.CreatedAt,
		&re.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReassignmentNotFound
		}
		return nil, err
	}
	return &re, nil
}

// Interface methods.

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, clinic_id, name, specialty, max_daily_appointments, slot_duration_minutes,
		       allow_online_booking, is_active, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) ListBookableDoctors(ctx context.Context, clinicID uuid.UUID) ([]Doctor, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, clinic_id, name, specialty, max_daily_appointments, slot_duration_minutes,
		       allow_online_booking, is_active, created_at, updated_at
		FROM doctors
		WHERE clinic_id = $1 AND is_active AND allow_online_booking
		ORDER BY id
	`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *PgRepository) ListWorkingHours(ctx context.Context, doctorID uuid.UUID, day time.Weekday) ([]WorkingHours, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, doctor_id, day_of_week, start_minute, end_minute, is_available
		FROM working_hours
		WHERE doctor_id = $1 AND day_of_week = $2
		ORDER BY start_minute
	`, doctorID, int(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkingHours
	for rows.Next() {
		var w WorkingHours
		var dow int
		if err := rows.Scan(&w.ID, &w.DoctorID, &dow, &w.StartMinute, &w.EndMinute, &w.IsAvailable); err != nil {
			return nil, err
		}
		w.DayOfWeek = time.Weekday(dow)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *PgRepository) IsDoctorBlocked(ctx context.Context, doctorID uuid.UUID, date time.Time) (bool, error) {
	var blocked bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM unavailability_periods
			WHERE doctor_id = $1 AND start_date <= $2 AND end_date >= $2
		)
	`, doctorID, DateOnly(date)).Scan(&blocked)
	return blocked, err
}

func (r *PgRepository) CreateUnavailabilityPeriod(ctx context.Context, p *UnavailabilityPeriod) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO unavailability_periods (id, doctor_id, start_date, end_date, reason, bulk_operation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, p.ID, p.DoctorID, DateOnly(p.StartDate), DateOnly(p.EndDate), p.Reason, p.BulkOperationID)
	if err != nil {
		return fmt.Errorf("insert unavailability period: %w", err)
	}
	return nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetActiveAppointmentAt(ctx context.Context, doctorID uuid.UUID, start time.Time) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1 AND start_time = $2 AND status <> 'cancelled'
		LIMIT 1
	`, doctorID, start)
	return scanAppointment(row)
}

// CountActiveAppointmentsOn takes a row lock on the doctor inside a
// transaction so the count-then-insert daily-cap check serializes against
// concurrent writers.
func (r *PgRepository) CountActiveAppointmentsOn(ctx context.Context, doctorID uuid.UUID, date time.Time) (int, error) {
	if r.inTx {
		if _, err := r.q.Exec(ctx, `SELECT 1 FROM doctors WHERE id = $1 FOR UPDATE`, doctorID); err != nil {
			return 0, fmt.Errorf("lock doctor row: %w", err)
		}
	}

	day := DateOnly(date)
	var count int
	err := r.q.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE doctor_id = $1 AND status <> 'cancelled'
		  AND start_time >= $2 AND start_time < $3
	`, doctorID, day, day.AddDate(0, 0, 1)).Scan(&count)
	return count, err
}

func (r *PgRepository) ListActiveAppointmentsOn(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	day := DateOnly(date)
	return r.listAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1 AND status <> 'cancelled'
		  AND start_time >= $2 AND start_time < $3
		ORDER BY start_time
	`, doctorID, day, day.AddDate(0, 0, 1))
}

func (r *PgRepository) ListAppointmentsInRange(ctx context.Context, doctorID uuid.UUID, from, to time.Time, statuses []AppointmentStatus) ([]Appointment, error) {
	strs := make([]string, len(statuses))
	for i, s := range statuses {
		strs[i] = string(s)
	}
	return r.listAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1 AND start_time >= $2 AND start_time < $3
		  AND status = ANY($4)
		ORDER BY start_time
	`, doctorID, from, to, strs)
}

func (r *PgRepository) listAppointments(ctx context.Context, sql string, args ...any) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, clinic_id, service_id, start_time, end_time, status,
			is_recurring, recurring_parent_id, occurrence_number, cancellation_fee, is_late_cancellation,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, false, now(), now())
	`, a.ID, a.PatientID, a.DoctorID, a.ClinicID, a.ServiceID, a.StartTime, a.EndTime, a.Status,
		a.IsRecurring, a.RecurringParentID, a.OccurrenceNumber)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSlotTaken
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *PgRepository) UpdateAppointmentSchedule(ctx context.Context, id, doctorID uuid.UUID, start, end time.Time, status AppointmentStatus) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET doctor_id = $2, start_time = $3, end_time = $4, status = $5, updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id, doctorID, start, end, status)
	a, err := scanAppointment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrSlotTaken
		}
		return nil, err
	}
	return a, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)
	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrStatusConflict
	}
	return a, err
}

func (r *PgRepository) CancelAppointment(ctx context.Context, id uuid.UUID, reason string, fee float64, isLate bool, at time.Time) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled', cancelled_at = $2, cancellation_reason = $3,
		    cancellation_fee = $4, is_late_cancellation = $5, updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id, at, reason, fee, isLate)
	return scanAppointment(row)
}

func (r *PgRepository) ListUpcomingUnreminded(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	return r.listAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'confirmed' AND reminder_sent_at IS NULL
		  AND start_time >= $1 AND start_time < $2
		ORDER BY start_time
	`, from, to)
}

func (r *PgRepository) MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE appointments SET reminder_sent_at = $2, updated_at = now() WHERE id = $1
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) CreateBulkOperation(ctx context.Context, op *BulkCancellationOperation) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO bulk_cancellation_operations (id, clinic_id, doctor_id, initiated_by, start_date, end_date,
			reason, status, total_appointments, reassigned_count, cancelled_count, failed_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, 0, now(), now())
	`, op.ID, op.ClinicID, op.DoctorID, op.InitiatedBy, op.StartDate, op.EndDate, op.Reason, op.Status, op.TotalAppointments)
	if err != nil {
		return fmt.Errorf("insert bulk operation: %w", err)
	}
	return nil
}

func (r *PgRepository) GetBulkOperationByID(ctx context.Context, id uuid.UUID) (*BulkCancellationOperation, error) {
	row := r.q.QueryRow(ctx, `SELECT `+operationColumns+` FROM bulk_cancellation_operations WHERE id = $1`, id)
	return scanOperation(row)
}

func (r *PgRepository) UpdateBulkOperationStatus(ctx context.Context, id uuid.UUID, from, to OperationStatus) (*BulkCancellationOperation, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE bulk_cancellation_operations
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING `+operationColumns+`
	`, id, to, from)
	op, err := scanOperation(row)
	if errors.Is(err, ErrOperationNotFound) {
		return nil, ErrStatusConflict
	}
	return op, err
}

func (r *PgRepository) AddBulkOperationCounts(ctx context.Context, id uuid.UUID, reassigned, cancelled, failed int) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE bulk_cancellation_operations
		SET reassigned_count = reassigned_count + $2,
		    cancelled_count = cancelled_count + $3,
		    failed_count = failed_count + $4,
		    updated_at = now()
		WHERE id = $1
	`, id, reassigned, cancelled, failed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOperationNotFound
	}
	return nil
}

func (r *PgRepository) CreateReassignment(ctx context.Context, re *AppointmentReassignment) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO appointment_reassignments (id, bulk_operation_id, appointment_id, original_doctor_id,
			new_doctor_id, original_start_time, new_start_time, status, patient_response, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
	`, re.ID, re.BulkOperationID, re.AppointmentID, re.OriginalDoctorID, re.NewDoctorID,
		re.OriginalStartTime, re.NewStartTime, re.Status, re.PatientResponse)
	if err != nil {
		return fmt.Errorf("insert reassignment: %w", err)
	}
	return nil
}

func (r *PgRepository) GetReassignmentByID(ctx context.Context, id uuid.UUID) (*AppointmentReassignment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+reassignmentColumns+` FROM appointment_reassignments WHERE id = $1`, id)
	return scanReassignment(row)
}

func (r *PgRepository) UpdateReassignmentStatus(ctx context.Context, id uuid.UUID, from, to ReassignmentStatus, response *string) (*AppointmentReassignment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointment_reassignments
		SET status = $2,
		    patient_response = COALESCE($4, patient_response),
		    updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING `+reassignmentColumns+`
	`, id, to, from, response)
	re, err := scanReassignment(row)
	if errors.Is(err, ErrReassignmentNotFound) {
		return nil, ErrStatusConflict
	}
	return re, err
}

func (r *PgRepository) ListReassignmentsByOperation(ctx context.Context, operationID uuid.UUID) ([]AppointmentReassignment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+reassignmentColumns+`
		FROM appointment_reassignments
		WHERE bulk_operation_id = $1
		ORDER BY created_at
	`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AppointmentReassignment
	for rows.Next() {
		re, err := scanReassignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *re)
	}
	return out, rows.Err()
}

func (r *PgRepository) GetActiveCancellationPolicy(ctx context.Context, clinicID uuid.UUID) (*CancellationPolicy, error) {
	var p CancellationPolicy
	err := r.q.QueryRow(ctx, `
		SELECT id, clinic_id, late_threshold_hours, late_fee, is_active
		FROM cancellation_policies
		WHERE clinic_id = $1 AND is_active
		LIMIT 1
	`, clinicID).Scan(&p.ID, &p.ClinicID, &p.LateThresholdHours, &p.LateFee, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, operation_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.OperationID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
