package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medidesk/clinic-scheduling/internal/schedule"
)

const dateLayout = "2006-01-02"

func availableSlotsHandler(dist *schedule.DistributionEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID, err := uuid.Parse(chi.URLParam(r, "clinicID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinicID must be a valid UUID")
			return
		}

		date, err := time.Parse(dateLayout, r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		var specialty *string
		if s := r.URL.Query().Get("specialty"); s != "" {
			specialty = &s
		}

		var doctorID *uuid.UUID
		if s := r.URL.Query().Get("doctor_id"); s != "" {
			id, err := uuid.Parse(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
				return
			}
			doctorID = &id
		}

		slots, err := dist.SlotsForClinic(r.Context(), clinicID, date, specialty, doctorID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		resp := AvailableSlotsResponse{
			ClinicID:   clinicID,
			Date:       date.Format(dateLayout),
			TotalSlots: len(slots),
			Slots:      make([]ClinicSlotResponse, 0, len(slots)),
		}
		for _, s := range slots {
			resp.Slots = append(resp.Slots, clinicSlotResponse(s))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func nextAvailableSlotHandler(dist *schedule.DistributionEngine, clock schedule.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID, err := uuid.Parse(chi.URLParam(r, "clinicID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinicID must be a valid UUID")
			return
		}

		from := clock.Now()
		if s := r.URL.Query().Get("from"); s != "" {
			from, err = time.Parse(dateLayout, s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_from", "from must be YYYY-MM-DD")
				return
			}
		}

		var specialty *string
		if s := r.URL.Query().Get("specialty"); s != "" {
			specialty = &s
		}

		slot, err := dist.NextAvailableSlot(r.Context(), clinicID, from, specialty)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if slot == nil {
			writeError(w, http.StatusNotFound, "no_slot_available", "no open slot within the search horizon")
			return
		}

		writeJSON(w, http.StatusOK, clinicSlotResponse(*slot))
	}
}

func bookAppointmentHandler(booking *schedule.BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		clinicID, err := uuid.Parse(req.ClinicID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
			return
		}

		bookReq := schedule.BookingRequest{
			PatientID: patientID,
			ClinicID:  clinicID,
			Specialty: req.Specialty,
			StartTime: req.StartTime,
		}

		if req.ServiceID != nil {
			id, err := uuid.Parse(*req.ServiceID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_service_id", "service_id must be a valid UUID")
				return
			}
			bookReq.ServiceID = &id
		}
		if req.DoctorID != nil {
			id, err := uuid.Parse(*req.DoctorID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
				return
			}
			bookReq.DoctorID = &id
		}
		if req.Recurrence != nil {
			rule, err := req.Recurrence.toRule()
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_recurrence", err.Error())
				return
			}
			bookReq.Recurrence = &rule
		}

		result, err := booking.Book(r.Context(), bookReq)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := BookingResponse{
			Appointment:        appointmentResponse(result.Appointment),
			SkippedOccurrences: result.SkippedOccurrences,
		}
		for _, occ := range result.Occurrences {
			resp.Occurrences = append(resp.Occurrences, appointmentResponse(occ))
		}

		writeJSON(w, http.StatusCreated, resp)
	}
}

func cancelAppointmentHandler(evaluator *schedule.CancellationPolicyEvaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req CancelAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		actorID, err := uuid.Parse(req.ActorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_actor_id", "actor_id must be a valid UUID")
			return
		}
		actor := schedule.Actor{UserID: actorID, Role: req.ActorRole}

		appt, err := evaluator.ProcessCancel(r.Context(), id, req.Reason, actor)
		if err != nil {
			handleCancelError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, appointmentResponse(appt))
	}
}

func reassignmentSuggestionsHandler(repo schedule.Repository, orch *schedule.ReassignmentOrchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := repo.GetAppointmentByID(r.Context(), id)
		if err != nil {
			if errors.Is(err, schedule.ErrAppointmentNotFound) {
				writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		candidates, err := orch.SuggestCandidates(r.Context(), appt)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		resp := SuggestionsResponse{
			AppointmentID: appt.ID,
			Candidates:    make([]CandidateSuggestionResponse, 0, len(candidates)),
		}
		for _, c := range candidates {
			suggestion := CandidateSuggestionResponse{
				DoctorID:                c.Doctor.ID,
				DoctorName:              c.Doctor.Name,
				Specialty:               c.Doctor.Specialty,
				CurrentWorkload:         c.CurrentWorkload,
				AvailableAtOriginalTime: c.AvailableAtOriginalTime,
			}
			for _, s := range c.AlternativeSlots {
				suggestion.AlternativeSlots = append(suggestion.AlternativeSlots, SlotResponse{
					StartTime: s.StartTime,
					EndTime:   s.EndTime,
				})
			}
			resp.Candidates = append(resp.Candidates, suggestion)
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func bulkPreviewHandler(bulk *schedule.BulkOperationCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BulkPreviewRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		startDate, endDate, ok := parseDateRange(w, req.StartDate, req.EndDate)
		if !ok {
			return
		}

		report, err := bulk.Preview(r.Context(), doctorID, startDate, endDate)
		if err != nil {
			handleBulkError(w, err)
			return
		}

		resp := BulkPreviewResponse{
			TotalAppointments:    report.TotalAppointments,
			AppointmentsByDate:   make(map[string][]AffectedAppointmentResponse, len(report.AppointmentsByDate)),
			EstimatedSuccessRate: report.EstimatedSuccessRate,
		}
		for date, appts := range report.AppointmentsByDate {
			for _, a := range appts {
				resp.AppointmentsByDate[date] = append(resp.AppointmentsByDate[date], AffectedAppointmentResponse{
					ID:          a.ID,
					PatientName: a.PatientName,
					StartTime:   a.StartTime,
					ServiceID:   a.ServiceID,
				})
			}
		}
		for _, wl := range report.PotentiallyAvailableDoctors {
			resp.PotentiallyAvailableDoctors = append(resp.PotentiallyAvailableDoctors, DoctorWorkloadResponse{
				DoctorID:        wl.Doctor.ID,
				DoctorName:      wl.Doctor.Name,
				Specialty:       wl.Doctor.Specialty,
				CurrentWorkload: wl.CurrentWorkload,
			})
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func createBulkHandler(bulk *schedule.BulkOperationCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		clinicID, err := uuid.Parse(req.ClinicID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
			return
		}
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		initiatedBy, err := uuid.Parse(req.InitiatedBy)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_initiated_by", "initiated_by must be a valid UUID")
			return
		}
		startDate, endDate, ok := parseDateRange(w, req.StartDate, req.EndDate)
		if !ok {
			return
		}

		op, err := bulk.Create(r.Context(), schedule.CreateBulkParams{
			ClinicID:    clinicID,
			DoctorID:    doctorID,
			InitiatedBy: initiatedBy,
			StartDate:   startDate,
			EndDate:     endDate,
			Reason:      req.Reason,
		})
		if err != nil {
			handleBulkError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, operationResponse(op))
	}
}

func executeBulkHandler(bulk *schedule.BulkOperationCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_operation_id", "id must be a valid UUID")
			return
		}

		op, err := bulk.Execute(r.Context(), id)
		if err != nil {
			handleBulkError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, operationResponse(op))
	}
}

func cancelBulkHandler(bulk *schedule.BulkOperationCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_operation_id", "id must be a valid UUID")
			return
		}

		op, err := bulk.Cancel(r.Context(), id)
		if err != nil {
			handleBulkError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, operationResponse(op))
	}
}

func bulkStatsHandler(bulk *schedule.BulkOperationCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_operation_id", "id must be a valid UUID")
			return
		}

		stats, err := bulk.Stats(r.Context(), id)
		if err != nil {
			handleBulkError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, OperationStatsResponse{
			Total:            stats.Total,
			Reassigned:       stats.Reassigned,
			Cancelled:        stats.Cancelled,
			Failed:           stats.Failed,
			AwaitingResponse: stats.AwaitingResponse,
		})
	}
}

func approveReassignmentHandler(orch *schedule.ReassignmentOrchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_reassignment_id", "id must be a valid UUID")
			return
		}

		reassignment, err := orch.Approve(r.Context(), id)
		if err != nil {
			handleReassignmentError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, reassignmentResponse(reassignment))
	}
}

func rejectReassignmentHandler(orch *schedule.ReassignmentOrchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_reassignment_id", "id must be a valid UUID")
			return
		}

		var req RejectReassignmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Reason == "" {
			req.Reason = "patient_rejected"
		}

		reassignment, err := orch.Reject(r.Context(), id, req.Reason)
		if err != nil {
			handleReassignmentError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, reassignmentResponse(reassignment))
	}
}

func parseDateRange(w http.ResponseWriter, start, end string) (time.Time, time.Time, bool) {
	startDate, err := time.Parse(dateLayout, start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start_date", "start_date must be YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	endDate, err := time.Parse(dateLayout, end)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_end_date", "end_date must be YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	return startDate, endDate, true
}

func handleBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, schedule.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, schedule.ErrNoAvailableDoctor):
		writeError(w, http.StatusConflict, "no_available_doctor", err.Error())
	case errors.Is(err, schedule.ErrDoctorNotBookable):
		writeError(w, http.StatusConflict, "doctor_not_bookable", err.Error())
	case errors.Is(err, schedule.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", err.Error())
	case errors.Is(err, schedule.ErrDailyCapReached):
		writeError(w, http.StatusConflict, "daily_cap_reached", err.Error())
	case errors.Is(err, schedule.ErrBookingContended):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, schedule.ErrInvalidRecurrence):
		writeError(w, http.StatusBadRequest, "invalid_recurrence", err.Error())
	case errors.Is(err, schedule.ErrTooManyOccurrences):
		writeError(w, http.StatusBadRequest, "too_many_occurrences", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleCancelError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, schedule.ErrCancellationNotAllowed):
		writeError(w, http.StatusConflict, "cancellation_not_allowed", err.Error())
	case errors.Is(err, schedule.ErrStatusConflict):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleBulkError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, schedule.ErrOperationNotFound):
		writeError(w, http.StatusNotFound, "operation_not_found", err.Error())
	case errors.Is(err, schedule.ErrInvalidDateRange):
		writeError(w, http.StatusBadRequest, "invalid_date_range", err.Error())
	case errors.Is(err, schedule.ErrOperationNotPending):
		writeError(w, http.StatusConflict, "operation_not_pending", err.Error())
	case errors.Is(err, schedule.ErrOperationCompleted):
		writeError(w, http.StatusConflict, "operation_completed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleReassignmentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrReassignmentNotFound):
		writeError(w, http.StatusNotFound, "reassignment_not_found", err.Error())
	case errors.Is(err, schedule.ErrReassignmentState):
		writeError(w, http.StatusConflict, "reassignment_not_awaiting_response", err.Error())
	case errors.Is(err, schedule.ErrOperationCancelled):
		writeError(w, http.StatusConflict, "operation_cancelled", err.Error())
	case errors.Is(err, schedule.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", err.Error())
	case errors.Is(err, schedule.ErrDailyCapReached):
		writeError(w, http.StatusConflict, "daily_cap_reached", err.Error())
	case errors.Is(err, schedule.ErrBookingContended):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
