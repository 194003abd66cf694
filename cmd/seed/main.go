package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medidesk/clinic-scheduling/internal/db"
)

const (
	clinicCount      = 5
	doctorsPerClinic = 8
	patientCount     = 2000
	appointmentWeeks = 1
	workdayStartMin  = 9 * 60
	workdayEndMin    = 17 * 60
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	clinics := make([]uuid.UUID, clinicCount)
	for i := range clinics {
		clinics[i] = uuid.New()
	}

	doctors, err := seedDoctors(context.Background(), pool, clinics)
	if err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	patients, err := seedPatients(context.Background(), pool, patientCount)
	if err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedPolicies(context.Background(), pool, clinics); err != nil {
		log.Fatalf("seed cancellation policies: %v", err)
	}
	if err := seedAppointments(context.Background(), pool, doctors, patients); err != nil {
		log.Fatalf("seed appointments: %v", err)
	}

	log.Println("seed complete")
}

type seededDoctor struct {
	ID       uuid.UUID
	ClinicID uuid.UUID
	SlotMin  int
	MaxDaily int
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, clinics []uuid.UUID) ([]seededDoctor, error) {
	log.Printf("seeding %d doctors", len(clinics)*doctorsPerClinic)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var doctors []seededDoctor
	for _, clinicID := range clinics {
		for i := 0; i < doctorsPerClinic; i++ {
			doc := seededDoctor{
				ID:       uuid.New(),
				ClinicID: clinicID,
				SlotMin:  30,
				MaxDaily: gofakeit.Number(6, 12),
			}
			spec := specialties[gofakeit.Number(0, len(specialties)-1)]

			_, err := tx.Exec(ctx, `
				INSERT INTO doctors (id, clinic_id, name, specialty, max_daily_appointments,
					slot_duration_minutes, allow_online_booking, is_active, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, TRUE, TRUE, now(), now())
			`, doc.ID, clinicID, "Dr. "+gofakeit.Name(), spec, doc.MaxDaily, doc.SlotMin)
			if err != nil {
				return nil, err
			}

			// Monday..Friday, 09:00-17:00
			for day := 1; day <= 5; day++ {
				_, err := tx.Exec(ctx, `
					INSERT INTO working_hours (id, doctor_id, day_of_week, start_minute, end_minute, is_available)
					VALUES ($1, $2, $3, $4, $5, TRUE)
				`, uuid.New(), doc.ID, day, workdayStartMin, workdayEndMin)
				if err != nil {
					return nil, err
				}
			}

			doctors = append(doctors, doc)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("doctors seeded")
	return doctors, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d patients", count)

	const batchSize = 500
	ids := make([]uuid.UUID, 0, count)

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, phone, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, id, gofakeit.Name(), gofakeit.Email(), gofakeit.Phone())
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	return ids, nil
}

func seedPolicies(ctx context.Context, pool *pgxpool.Pool, clinics []uuid.UUID) error {
	for _, clinicID := range clinics {
		_, err := pool.Exec(ctx, `
			INSERT INTO cancellation_policies (id, clinic_id, late_threshold_hours, late_fee, is_active)
			VALUES ($1, $2, $3, $4, TRUE)
		`, uuid.New(), clinicID, 24, float64(gofakeit.Number(10, 50)))
		if err != nil {
			return err
		}
	}
	log.Println("cancellation policies seeded")
	return nil
}

// seedAppointments books roughly half of each doctor's weekday slots over the
// next week, skipping weekends.
func seedAppointments(ctx context.Context, pool *pgxpool.Pool, doctors []seededDoctor, patients []uuid.UUID) error {
	log.Println("seeding appointments")

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	start := time.Now().AddDate(0, 0, 1)
	created := 0
	for day := 0; day < appointmentWeeks*7; day++ {
		date := start.AddDate(0, 0, day)
		if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}

		for _, doc := range doctors {
			booked := 0
			for minute := workdayStartMin; minute+doc.SlotMin <= workdayEndMin; minute += doc.SlotMin {
				if booked >= doc.MaxDaily/2 || !gofakeit.Bool() {
					continue
				}

				slotStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.Local).
					Add(time.Duration(minute) * time.Minute)
				patient := patients[gofakeit.Number(0, len(patients)-1)]

				_, err := tx.Exec(ctx, `
					INSERT INTO appointments (id, patient_id, doctor_id, clinic_id, start_time, end_time,
						status, created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6, 'confirmed', now(), now())
				`, uuid.New(), patient, doc.ID, doc.ClinicID, slotStart,
					slotStart.Add(time.Duration(doc.SlotMin)*time.Minute))
				if err != nil {
					return err
				}
				booked++
				created++
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Printf("appointments seeded: %d", created)
	return nil
}
