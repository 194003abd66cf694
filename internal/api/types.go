package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/medidesk/clinic-scheduling/internal/schedule"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type ClinicSlotResponse struct {
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	DoctorName      string    `json:"doctor_name"`
	Specialty       *string   `json:"specialty,omitempty"`
	DurationMinutes int       `json:"duration_minutes"`
}

type AvailableSlotsResponse struct {
	ClinicID   uuid.UUID            `json:"clinic_id"`
	Date       string               `json:"date"`
	TotalSlots int                  `json:"total_slots"`
	Slots      []ClinicSlotResponse `json:"slots"`
}

type RecurrenceRequest struct {
	Pattern    string   `json:"pattern"`
	Interval   int      `json:"interval"`
	Weekdays   []string `json:"weekdays,omitempty"`
	DayOfMonth int      `json:"day_of_month,omitempty"`
	Until      *string  `json:"until,omitempty"`
	Count      int      `json:"count,omitempty"`
}

type BookAppointmentRequest struct {
	PatientID  string             `json:"patient_id"`
	ClinicID   string             `json:"clinic_id"`
	ServiceID  *string            `json:"service_id,omitempty"`
	DoctorID   *string            `json:"doctor_id,omitempty"`
	Specialty  *string            `json:"specialty,omitempty"`
	StartTime  time.Time          `json:"start_time"`
	Recurrence *RecurrenceRequest `json:"recurrence,omitempty"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID  `json:"id"`
	PatientID          uuid.UUID  `json:"patient_id"`
	DoctorID           uuid.UUID  `json:"doctor_id"`
	ClinicID           uuid.UUID  `json:"clinic_id"`
	ServiceID          *uuid.UUID `json:"service_id,omitempty"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            time.Time  `json:"end_time"`
	Status             string     `json:"status"`
	IsRecurring        bool       `json:"is_recurring,omitempty"`
	RecurringParentID  *uuid.UUID `json:"recurring_parent_id,omitempty"`
	OccurrenceNumber   int        `json:"occurrence_number,omitempty"`
	CancellationFee    float64    `json:"cancellation_fee,omitempty"`
	IsLateCancellation bool       `json:"is_late_cancellation,omitempty"`
}

type BookingResponse struct {
	Appointment        AppointmentResponse   `json:"appointment"`
	Occurrences        []AppointmentResponse `json:"occurrences,omitempty"`
	SkippedOccurrences int                   `json:"skipped_occurrences,omitempty"`
}

type CancelAppointmentRequest struct {
	Reason    string `json:"reason"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
}

type BulkPreviewRequest struct {
	DoctorID  string `json:"doctor_id"`
	StartDate string `json:"start_date"` // 2006-01-02
	EndDate   string `json:"end_date"`
}

type AffectedAppointmentResponse struct {
	ID          uuid.UUID  `json:"id"`
	PatientName string     `json:"patient_name"`
	StartTime   time.Time  `json:"start_time"`
	ServiceID   *uuid.UUID `json:"service_id,omitempty"`
}

type DoctorWorkloadResponse struct {
	DoctorID        uuid.UUID `json:"doctor_id"`
	DoctorName      string    `json:"doctor_name"`
	Specialty       *string   `json:"specialty,omitempty"`
	CurrentWorkload int       `json:"current_workload"`
}

type BulkPreviewResponse struct {
	TotalAppointments           int                                      `json:"total_appointments"`
	AppointmentsByDate          map[string][]AffectedAppointmentResponse `json:"appointments_by_date"`
	PotentiallyAvailableDoctors []DoctorWorkloadResponse                 `json:"potentially_available_doctors"`
	EstimatedSuccessRate        float64                                  `json:"estimated_success_rate"`
}

type CreateBulkRequest struct {
	ClinicID    string `json:"clinic_id"`
	DoctorID    string `json:"doctor_id"`
	InitiatedBy string `json:"initiated_by"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Reason      string `json:"reason"`
}

type OperationResponse struct {
	ID                uuid.UUID `json:"id"`
	ClinicID          uuid.UUID `json:"clinic_id"`
	DoctorID          uuid.UUID `json:"doctor_id"`
	StartDate         string    `json:"start_date"`
	EndDate           string    `json:"end_date"`
	Reason            string    `json:"reason"`
	Status            string    `json:"status"`
	TotalAppointments int       `json:"total_appointments"`
	ReassignedCount   int       `json:"reassigned_count"`
	CancelledCount    int       `json:"cancelled_count"`
	FailedCount       int       `json:"failed_count"`
}

type OperationStatsResponse struct {
	Total            int `json:"total"`
	Reassigned       int `json:"reassigned"`
	Cancelled        int `json:"cancelled"`
	Failed           int `json:"failed"`
	AwaitingResponse int `json:"awaiting_response"`
}

type ReassignmentResponse struct {
	ID                uuid.UUID `json:"id"`
	BulkOperationID   uuid.UUID `json:"bulk_operation_id"`
	AppointmentID     uuid.UUID `json:"appointment_id"`
	OriginalDoctorID  uuid.UUID `json:"original_doctor_id"`
	NewDoctorID       uuid.UUID `json:"new_doctor_id"`
	OriginalStartTime time.Time `json:"original_start_time"`
	NewStartTime      time.Time `json:"new_start_time"`
	Status            string    `json:"status"`
	PatientResponse   *string   `json:"patient_response,omitempty"`
}

type RejectReassignmentRequest struct {
	Reason string `json:"reason"`
}

type SlotResponse struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type CandidateSuggestionResponse struct {
	DoctorID                uuid.UUID      `json:"doctor_id"`
	DoctorName              string         `json:"doctor_name"`
	Specialty               *string        `json:"specialty,omitempty"`
	CurrentWorkload         int            `json:"current_workload"`
	AvailableAtOriginalTime bool           `json:"available_at_original_time"`
	AlternativeSlots        []SlotResponse `json:"alternative_slots,omitempty"`
}

type SuggestionsResponse struct {
	AppointmentID uuid.UUID                     `json:"appointment_id"`
	Candidates    []CandidateSuggestionResponse `json:"candidates"`
}

func clinicSlotResponse(s schedule.ClinicSlot) ClinicSlotResponse {
	return ClinicSlotResponse{
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		DoctorID:        s.Doctor.ID,
		DoctorName:      s.Doctor.Name,
		Specialty:       s.Doctor.Specialty,
		DurationMinutes: s.Doctor.SlotDurationMinutes,
	}
}

func appointmentResponse(a *schedule.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                 a.ID,
		PatientID:          a.PatientID,
		DoctorID:           a.DoctorID,
		ClinicID:           a.ClinicID,
		ServiceID:          a.ServiceID,
		StartTime:          a.StartTime,
		EndTime:            a.EndTime,
		Status:             string(a.Status),
		IsRecurring:        a.IsRecurring,
		RecurringParentID:  a.RecurringParentID,
		OccurrenceNumber:   a.OccurrenceNumber,
		CancellationFee:    a.CancellationFee,
		IsLateCancellation: a.IsLateCancellation,
	}
}

func operationResponse(op *schedule.BulkCancellationOperation) OperationResponse {
	return OperationResponse{
		ID:                op.ID,
		ClinicID:          op.ClinicID,
		DoctorID:          op.DoctorID,
		StartDate:         op.StartDate.Format("2006-01-02"),
		EndDate:           op.EndDate.Format("2006-01-02"),
		Reason:            op.Reason,
		Status:            string(op.Status),
		TotalAppointments: op.TotalAppointments,
		ReassignedCount:   op.ReassignedCount,
		CancelledCount:    op.CancelledCount,
		FailedCount:       op.FailedCount,
	}
}

func reassignmentResponse(r *schedule.AppointmentReassignment) ReassignmentResponse {
	return ReassignmentResponse{
		ID:                r.ID,
		BulkOperationID:   r.BulkOperationID,
		AppointmentID:     r.AppointmentID,
		OriginalDoctorID:  r.OriginalDoctorID,
		NewDoctorID:       r.NewDoctorID,
		OriginalStartTime: r.OriginalStartTime,
		NewStartTime:      r.NewStartTime,
		Status:            string(r.Status),
		PatientResponse:   r.PatientResponse,
	}
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func (r *RecurrenceRequest) toRule() (schedule.RecurrenceRule, error) {
	var weekdays []time.Weekday
	for _, name := range r.Weekdays {
		wd, ok := weekdayNames[name]
		if !ok {
			return schedule.RecurrenceRule{}, fmt.Errorf("unknown weekday %q", name)
		}
		weekdays = append(weekdays, wd)
	}

	var until *time.Time
	if r.Until != nil {
		t, err := time.Parse(time.RFC3339, *r.Until)
		if err != nil {
			return schedule.RecurrenceRule{}, fmt.Errorf("until must be RFC3339: %w", err)
		}
		until = &t
	}

	interval := r.Interval
	if interval == 0 {
		interval = 1
	}

	return schedule.NewRecurrenceRule(
		schedule.RecurrencePattern(r.Pattern),
		interval,
		weekdays,
		r.DayOfMonth,
		until,
		r.Count,
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
