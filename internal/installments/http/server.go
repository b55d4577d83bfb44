package http

import (
	"context"
	"net/http"
	"time"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"lmsBack/internal/installments/dispatch"
	"lmsBack/internal/installments/enroll"
	"lmsBack/internal/installments/gateway"
	"lmsBack/internal/installments/repo"
	"lmsBack/internal/installments/retry"
	"lmsBack/internal/installments/spool"
	"lmsBack/internal/installments/split"
)

// Config is the subset of runtime configuration required by the HTTP handlers.
type Config struct {
	Provider       string
	WebhookSecret  string
	CronSecretHash []byte
	ChargeTimeout  time.Duration
}

// Logger captures the logging contract required by the server.
type Logger interface {
	Infof(string, ...interface{})
	Errorf(string, ...interface{})
}

// Store is the persistence the handlers read and write directly.
type Store interface {
	SaveWebhook(ctx context.Context, w repo.WebhookEvent) (repo.WebhookEvent, bool, error)
	MarkWebhookProcessed(ctx context.Context, provider, eventID, outcome, errText string, at time.Time) error
	ListPayments(ctx context.Context, enrollmentID string) ([]repo.PaymentRecord, error)
	ListDisputes(ctx context.Context, enrollmentID string) ([]repo.Dispute, error)
	ListIssues(ctx context.Context, includeResolved bool, limit int) ([]repo.Issue, error)
	ResolveIssue(ctx context.Context, id, resolvedBy string, at time.Time) error
	Ping(ctx context.Context) error
}

// Reconciler applies verified gateway events.
type Reconciler interface {
	ApplyEvent(ctx context.Context, ev gateway.Event) (string, error)
}

// Charger dispatches a single schedule entry.
type Charger interface {
	Dispatch(ctx context.Context, entryID string, chargeImmediately bool) (dispatch.Result, error)
}

// RetryRunner performs one retry run.
type RetryRunner interface {
	RunOnce(ctx context.Context) (retry.Report, error)
}

// Enrollments is the enrollment application service.
type Enrollments interface {
	Create(ctx context.Context, req enroll.CreateRequest) (enroll.Details, error)
	Get(ctx context.Context, id string) (enroll.Details, error)
	SetStatus(ctx context.Context, id, status string) (repo.Enrollment, error)
	Preview(req enroll.PlanRequest) ([]split.Draft, error)
}

// Feed is the operator console feed.
type Feed interface {
	Broadcast(eventType string, data interface{})
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Archiver keeps raw webhook bodies.
type Archiver interface {
	Store(ctx context.Context, provider, eventID string, receivedAt time.Time, body []byte) (string, error)
}

// Spooler buffers deliveries that could not be stored.
type Spooler interface {
	Put(it spool.Item) error
}

// Server provides HTTP handlers for the installments domain.
type Server struct {
	cfg         Config
	logger      Logger
	store       Store
	engine      Reconciler
	dispatcher  Charger
	scheduler   RetryRunner
	enrollments Enrollments
	feed        Feed
	archive     Archiver
	spool       Spooler
	now         func() time.Time
}

// NewServer constructs a Server instance.
func NewServer(cfg Config, logger Logger, store Store, engine Reconciler, dispatcher Charger, scheduler RetryRunner, enrollments Enrollments, feed Feed) *Server {
	if cfg.Provider == "" {
		cfg.Provider = "airbapay"
	}
	if cfg.ChargeTimeout <= 0 {
		cfg.ChargeTimeout = 30 * time.Second
	}
	return &Server{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		engine:      engine,
		dispatcher:  dispatcher,
		scheduler:   scheduler,
		enrollments: enrollments,
		feed:        feed,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetArchive enables raw payload archiving.
func (s *Server) SetArchive(a Archiver) { s.archive = a }

// SetSpool enables buffering of deliveries during storage outages.
func (s *Server) SetSpool(sp Spooler) { s.spool = sp }

// SetClock overrides the time source.
func (s *Server) SetClock(now func() time.Time) { s.now = now }

// Register mounts installments routes on the mux. Admin routes go through the admin chain.
func (s *Server) Register(mux *pat.PatternServeMux, admin alice.Chain) {
	mux.Post("/api/v1/payments/webhook", http.HandlerFunc(s.handleWebhook))
	mux.Post("/api/v1/cron/installments/retry", http.HandlerFunc(s.handleCronRetry))
	mux.Get("/health", http.HandlerFunc(s.handleHealth))

	mux.Post("/api/v1/admin/schedule/:id/charge", admin.ThenFunc(s.handleChargeNow))
	mux.Post("/api/v1/admin/enrollments", admin.ThenFunc(s.handleCreateEnrollment))
	mux.Get("/api/v1/admin/enrollments/:id", admin.ThenFunc(s.handleGetEnrollment))
	mux.Put("/api/v1/admin/enrollments/:id/status", admin.ThenFunc(s.handleSetEnrollmentStatus))
	mux.Get("/api/v1/admin/enrollments/:id/disputes", admin.ThenFunc(s.handleListDisputes))
	mux.Post("/api/v1/admin/split/preview", admin.ThenFunc(s.handleSplitPreview))
	mux.Get("/api/v1/admin/issues", admin.ThenFunc(s.handleListIssues))
	mux.Post("/api/v1/admin/issues/:id/resolve", admin.ThenFunc(s.handleResolveIssue))
	mux.Get("/ws/ops", admin.ThenFunc(s.feed.ServeWS))
}

type ctxKey string

const actorKey ctxKey = "installments_actor"

// WithActor records the authenticated operator on the request context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok && v != "" {
		return v
	}
	return "admin"
}
