// Package enroll creates enrollments with their payment schedule and applies
// administrative status changes.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lmsBack/internal/installments/fsm"
	"lmsBack/internal/installments/repo"
	"lmsBack/internal/installments/split"
)

const dateLayout = "2006-01-02"

// ErrInvalidStatus is returned for status changes the enrollment lifecycle forbids.
var ErrInvalidStatus = errors.New("invalid enrollment status change")

// Store is the persistence the service needs.
type Store interface {
	CreateEnrollment(ctx context.Context, e repo.Enrollment, entries []repo.ScheduleEntry) error
	GetEnrollment(ctx context.Context, id string) (repo.Enrollment, error)
	ListEntries(ctx context.Context, enrollmentID string) ([]repo.ScheduleEntry, error)
	UpdateEnrollmentStatus(ctx context.Context, id, from, to string, at time.Time) error
}

// PlanRequest is the payment plan part of a request.
type PlanRequest struct {
	TotalAmount    int64  `json:"total_amount" validate:"gte=0"`
	Currency       string `json:"currency" validate:"required,len=3,alpha"`
	DepositKind    string `json:"deposit_kind" validate:"omitempty,oneof=none fixed percent"`
	DepositAmount  int64  `json:"deposit_amount" validate:"gte=0"`
	DepositPercent string `json:"deposit_percent" validate:"omitempty,decimal"`
	Installments   int    `json:"installments" validate:"gte=0,lte=120"`
	Frequency      string `json:"frequency" validate:"omitempty,oneof=weekly biweekly monthly"`
	StartDate      string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
}

// CreateRequest carries everything needed to open an enrollment. Tenant and
// payer identity are always explicit.
type CreateRequest struct {
	TenantID   string `json:"tenant_id" validate:"required,notblank"`
	CourseRef  string `json:"course_ref" validate:"required,notblank"`
	PayerRef   string `json:"payer_ref" validate:"required,notblank"`
	PayerEmail string `json:"payer_email" validate:"omitempty,email"`
	PlanRequest
}

// Details is an enrollment together with its schedule.
type Details struct {
	Enrollment repo.Enrollment
	Entries    []repo.ScheduleEntry
}

// Service is the enrollment application service.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates the service.
func NewService(store Store) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Plan converts the request into splitter input. The start date defaults to today.
func (r PlanRequest) Plan(today time.Time) (split.Plan, error) {
	p := split.Plan{
		Total:        r.TotalAmount,
		Currency:     strings.ToUpper(r.Currency),
		Deposit:      split.DepositSpec{Kind: split.DepositKind(r.DepositKind), Amount: r.DepositAmount},
		Installments: r.Installments,
		Frequency:    split.Frequency(r.Frequency),
		Start:        time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC),
	}
	if r.DepositPercent != "" {
		pct, err := decimal.NewFromString(r.DepositPercent)
		if err != nil {
			return split.Plan{}, fmt.Errorf("%w: deposit_percent: %v", split.ErrInvalidPlan, err)
		}
		p.Deposit.Percent = pct
	}
	if r.StartDate != "" {
		start, err := time.Parse(dateLayout, r.StartDate)
		if err != nil {
			return split.Plan{}, fmt.Errorf("%w: start_date: %v", split.ErrInvalidPlan, err)
		}
		p.Start = start
	}
	return p, nil
}

// Preview validates a plan and returns the schedule it would produce.
func (s *Service) Preview(req PlanRequest) ([]split.Draft, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	plan, err := req.Plan(s.now())
	if err != nil {
		return nil, err
	}
	return split.Split(plan)
}

// Create validates the request, splits the total and persists the enrollment
// and all of its entries in one transaction. Nothing is stored for an invalid plan.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Details, error) {
	if err := Validate(req); err != nil {
		return Details{}, err
	}
	plan, err := req.Plan(s.now())
	if err != nil {
		return Details{}, err
	}
	drafts, err := split.Split(plan)
	if err != nil {
		return Details{}, err
	}

	now := s.now()
	e := repo.Enrollment{
		ID:            uuid.NewString(),
		TenantID:      strings.TrimSpace(req.TenantID),
		CourseRef:     strings.TrimSpace(req.CourseRef),
		PayerRef:      strings.TrimSpace(req.PayerRef),
		PayerEmail:    repo.NullString(strings.TrimSpace(req.PayerEmail)),
		Currency:      plan.Currency,
		TotalAmount:   plan.Total,
		Status:        fsm.EnrollmentDraft,
		PaymentStatus: fsm.PaymentStatus(plan.Total, 0, 0),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if plan.Total == 0 {
		e.Status = fsm.EnrollmentActive
	}

	entries := make([]repo.ScheduleEntry, 0, len(drafts))
	for _, d := range drafts {
		entries = append(entries, repo.ScheduleEntry{
			ID:           uuid.NewString(),
			EnrollmentID: e.ID,
			Seq:          d.Seq,
			Kind:         d.Kind,
			Amount:       d.Amount,
			Currency:     plan.Currency,
			DueDate:      d.DueDate,
			Status:       fsm.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if err := s.store.CreateEnrollment(ctx, e, entries); err != nil {
		return Details{}, fmt.Errorf("create enrollment: %w", err)
	}
	return Details{Enrollment: e, Entries: entries}, nil
}

// Get loads an enrollment and its schedule.
func (s *Service) Get(ctx context.Context, id string) (Details, error) {
	e, err := s.store.GetEnrollment(ctx, id)
	if err != nil {
		return Details{}, err
	}
	entries, err := s.store.ListEntries(ctx, id)
	if err != nil {
		return Details{}, err
	}
	return Details{Enrollment: e, Entries: entries}, nil
}

// SetStatus applies an administrative status change.
func (s *Service) SetStatus(ctx context.Context, id, status string) (repo.Enrollment, error) {
	e, err := s.store.GetEnrollment(ctx, id)
	if err != nil {
		return repo.Enrollment{}, err
	}
	if e.Status == status {
		return e, nil
	}
	if !fsm.CanTransitionEnrollment(e.Status, status) {
		return repo.Enrollment{}, fmt.Errorf("%s -> %s: %w", e.Status, status, ErrInvalidStatus)
	}
	now := s.now()
	if err := s.store.UpdateEnrollmentStatus(ctx, id, e.Status, status, now); err != nil {
		if errors.Is(err, repo.ErrInvalidTransition) {
			return repo.Enrollment{}, fmt.Errorf("%s -> %s: %w", e.Status, status, ErrInvalidStatus)
		}
		return repo.Enrollment{}, err
	}
	e.Status = status
	e.UpdatedAt = now
	return e, nil
}
