package schedule

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventAppointmentBooked     = "APPOINTMENT_BOOKED"
	EventAppointmentReassigned = "APPOINTMENT_REASSIGNED"
	EventAppointmentCancelled  = "APPOINTMENT_CANCELLED"
	EventBulkOperationExecuted = "BULK_OPERATION_EXECUTED"
)

// logEvent appends an audit row. Fire-and-forget: failures are logged and
// never fail the operation that produced the event.
func logEvent(ctx context.Context, repo Repository, clock Clock, log *zap.Logger, eventType string, appointmentID, operationID *uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn("marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		OperationID:   operationID,
		Payload:       data,
		CreatedAt:     clock.Now(),
	}
	if err := repo.InsertEvent(ctx, ev); err != nil {
		log.Warn("insert event log", zap.String("event", eventType), zap.Error(err))
	}
}
