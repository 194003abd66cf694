package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medidesk/clinic-scheduling/internal/schedule"
)

type RouterConfig struct {
	Booking      *schedule.BookingService
	Distribution *schedule.DistributionEngine
	Cancellation *schedule.CancellationPolicyEvaluator
	Bulk         *schedule.BulkOperationCoordinator
	Reassignment *schedule.ReassignmentOrchestrator
	Repo         schedule.Repository
	Clock        schedule.Clock

	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Registry *prometheus.Registry
	Logger   *zap.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	// Slot discovery
	r.Get("/clinics/{clinicID}/available-slots", availableSlotsHandler(cfg.Distribution))
	r.Get("/clinics/{clinicID}/next-available-slot", nextAvailableSlotHandler(cfg.Distribution, cfg.Clock))

	// Appointment endpoints
	r.Post("/appointments", bookAppointmentHandler(cfg.Booking))
	r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Cancellation))
	r.Get("/appointments/{id}/reassignment-suggestions", reassignmentSuggestionsHandler(cfg.Repo, cfg.Reassignment))

	// Bulk cancellation endpoints
	r.Post("/bulk-cancellations/preview", bulkPreviewHandler(cfg.Bulk))
	r.Post("/bulk-cancellations", createBulkHandler(cfg.Bulk))
	r.Post("/bulk-cancellations/{id}/execute", executeBulkHandler(cfg.Bulk))
	r.Post("/bulk-cancellations/{id}/cancel", cancelBulkHandler(cfg.Bulk))
	r.Get("/bulk-cancellations/{id}/stats", bulkStatsHandler(cfg.Bulk))

	// Patient response to a reassignment proposal
	r.Post("/reassignments/{id}/approve", approveReassignmentHandler(cfg.Reassignment))
	r.Post("/reassignments/{id}/reject", rejectReassignmentHandler(cfg.Reassignment))

	return r
}
