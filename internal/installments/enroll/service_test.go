package enroll

import (
	"context"
	"errors"
	"testing"
	"time"

	"lmsBack/internal/installments/fsm"
	"lmsBack/internal/installments/repo"
	"lmsBack/internal/installments/repo/memstore"
	"lmsBack/internal/installments/split"
)

var today = time.Date(2026, 1, 31, 15, 4, 5, 0, time.UTC)

func newService(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	s := NewService(store)
	s.SetClock(func() time.Time { return today })
	return s, store
}

func validRequest() CreateRequest {
	return CreateRequest{
		TenantID:  "tenant-1",
		CourseRef: "course-9",
		PayerRef:  "user-3",
		PlanRequest: PlanRequest{
			TotalAmount:    1000,
			Currency:       "kzt",
			DepositKind:    "percent",
			DepositPercent: "20",
			Installments:   3,
			Frequency:      "monthly",
		},
	}
}

func TestCreatePersistsExactSchedule(t *testing.T) {
	s, store := newService(t)

	d, err := s.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Enrollment.Status != fsm.EnrollmentDraft || d.Enrollment.PaymentStatus != fsm.PaymentUnpaid || d.Enrollment.Currency != "KZT" {
		t.Fatalf("unexpected enrollment %+v", d.Enrollment)
	}

	got, err := s.Get(context.Background(), d.Enrollment.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := []int64{200, 266, 266, 268}
	if len(got.Entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got.Entries))
	}
	var sum int64
	for i, e := range got.Entries {
		if e.Amount != want[i] || e.Seq != i+1 || e.Status != fsm.StatusPending {
			t.Fatalf("entry %d: unexpected %+v", i, e)
		}
		sum += e.Amount
	}
	if sum != 1000 {
		t.Fatalf("expected sum 1000, got %d", sum)
	}
	// Start defaults to today; February is clamped to its last day.
	if due := got.Entries[1].DueDate; !due.Equal(time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected first installment due date %s", due)
	}
	if _, err := store.GetEnrollment(context.Background(), d.Enrollment.ID); err != nil {
		t.Fatalf("enrollment not stored: %v", err)
	}
}

func TestCreateRejectsInvalidRequests(t *testing.T) {
	cases := []struct {
		name  string
		mod   func(r *CreateRequest)
		field string
	}{
		{"blank payer", func(r *CreateRequest) { r.PayerRef = "  " }, "payer_ref"},
		{"bad email", func(r *CreateRequest) { r.PayerEmail = "nope" }, "payer_email"},
		{"negative total", func(r *CreateRequest) { r.TotalAmount = -1 }, "total_amount"},
		{"bad currency", func(r *CreateRequest) { r.Currency = "KZ" }, "currency"},
		{"bad percent", func(r *CreateRequest) { r.DepositPercent = "ten" }, "deposit_percent"},
		{"bad frequency", func(r *CreateRequest) { r.Frequency = "daily" }, "frequency"},
		{"bad date", func(r *CreateRequest) { r.StartDate = "31/01/2026" }, "start_date"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newService(t)
			req := validRequest()
			tc.mod(&req)
			_, err := s.Create(context.Background(), req)
			var fe FieldErrors
			if !errors.As(err, &fe) {
				t.Fatalf("expected FieldErrors, got %v", err)
			}
			if _, ok := fe[tc.field]; !ok {
				t.Fatalf("expected error on %s, got %v", tc.field, fe)
			}
		})
	}
}

func TestCreateRejectsImpossiblePlan(t *testing.T) {
	s, _ := newService(t)
	req := validRequest()
	req.DepositKind = "fixed"
	req.DepositPercent = ""
	req.DepositAmount = 1500

	if _, err := s.Create(context.Background(), req); !errors.Is(err, split.ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
}

func TestCreateFreeEnrollmentIsActive(t *testing.T) {
	s, _ := newService(t)
	req := validRequest()
	req.TotalAmount = 0
	req.DepositKind = ""
	req.DepositPercent = ""
	req.Installments = 0

	d, err := s.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(d.Entries) != 0 || d.Enrollment.Status != fsm.EnrollmentActive || d.Enrollment.PaymentStatus != fsm.PaymentPaid {
		t.Fatalf("unexpected result %+v", d)
	}
}

func TestSetStatus(t *testing.T) {
	s, _ := newService(t)
	d, err := s.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()
	id := d.Enrollment.ID

	e, err := s.SetStatus(ctx, id, fsm.EnrollmentPaused)
	if err != nil || e.Status != fsm.EnrollmentPaused {
		t.Fatalf("pause: %v %+v", err, e)
	}
	if _, err := s.SetStatus(ctx, id, fsm.EnrollmentCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.SetStatus(ctx, id, fsm.EnrollmentActive); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := s.SetStatus(ctx, "missing", fsm.EnrollmentActive); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPreview(t *testing.T) {
	s, _ := newService(t)
	drafts, err := s.Preview(PlanRequest{TotalAmount: 999, Currency: "USD", Installments: 2, Frequency: "weekly", StartDate: "2026-03-02"})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(drafts) != 2 || drafts[0].Amount != 499 || drafts[1].Amount != 500 {
		t.Fatalf("unexpected drafts %+v", drafts)
	}
	if !drafts[1].DueDate.Equal(time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected due date %s", drafts[1].DueDate)
	}
}
