package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	// DispatchQueueName is the durable queue the notification service
	// consumes from.
	DispatchQueueName = "notification_dispatch_queue"

	publishTimeout = 5 * time.Second
)

// Message is the payload published to the dispatch queue.
type Message struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"` // "send" or "cancel_reminders"
	RecipientID   string            `json:"recipient_id,omitempty"`
	TemplateKey   string            `json:"template_key,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
	AppointmentID string            `json:"appointment_id,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
}

// AMQPNotifier publishes messages to RabbitMQ. Publishes run through a
// circuit breaker so a dead broker degrades to dropped-and-logged
// notifications instead of stalling every booking.
type AMQPNotifier struct {
	ch      *amqp.Channel
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewAMQPNotifier opens a channel and declares the durable dispatch queue.
func NewAMQPNotifier(conn *amqp.Connection, log *zap.Logger) (*AMQPNotifier, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		DispatchQueueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare dispatch queue: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "notification-dispatch",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &AMQPNotifier{ch: ch, breaker: breaker, log: log}, nil
}

func (n *AMQPNotifier) Send(ctx context.Context, recipientID uuid.UUID, templateKey string, vars map[string]string) error {
	return n.publish(ctx, Message{
		ID:          uuid.NewString(),
		Kind:        "send",
		RecipientID: recipientID.String(),
		TemplateKey: templateKey,
		Variables:   vars,
		EnqueuedAt:  time.Now(),
	})
}

func (n *AMQPNotifier) CancelReminders(ctx context.Context, appointmentID uuid.UUID) error {
	return n.publish(ctx, Message{
		ID:            uuid.NewString(),
		Kind:          "cancel_reminders",
		AppointmentID: appointmentID.String(),
		EnqueuedAt:    time.Now(),
	})
}

func (n *AMQPNotifier) publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = n.breaker.Execute(func() (any, error) {
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		return nil, n.ch.PublishWithContext(pubCtx, "", DispatchQueueName, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Body:         body,
		})
	})
	if err != nil {
		n.log.Warn("notification publish failed",
			zap.String("kind", msg.Kind),
			zap.String("template_key", msg.TemplateKey),
			zap.Error(err),
		)
		return fmt.Errorf("publish notification: %w", err)
	}

	return nil
}
