package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"lmsBack/internal/installments/fsm"
	"lmsBack/internal/installments/repo"
)

func seed(t *testing.T, s *Store) {
	t.Helper()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	err := s.CreateEnrollment(context.Background(),
		repo.Enrollment{ID: "enr-1", Status: fsm.EnrollmentDraft, TotalAmount: 100, Currency: "KZT"},
		[]repo.ScheduleEntry{{ID: "ent-1", EnrollmentID: "enr-1", Amount: 100, Status: fsm.StatusPending, DueDate: now}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := New()
	seed(t, s)
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(tx repo.Tx) error {
		if err := tx.InsertPayment(context.Background(), repo.PaymentRecord{ID: "p1", ChargeRef: "ch_1", EnrollmentID: "enr-1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := len(s.Payments()); got != 0 {
		t.Fatalf("expected rollback, found %d payments", got)
	}
}

func TestInsertPaymentDuplicate(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	insert := func(id string) error {
		return s.WithinTx(ctx, func(tx repo.Tx) error {
			return tx.InsertPayment(ctx, repo.PaymentRecord{ID: id, ChargeRef: "ch_1", EnrollmentID: "enr-1"})
		})
	}
	if err := insert("p1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert("p2"); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestTransitionEntryCompareAndSwap(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	at := time.Now()

	if err := s.TransitionEntry(ctx, "ent-1", fsm.StatusPending, fsm.StatusDispatched, repo.EntryUpdate{At: at}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.TransitionEntry(ctx, "ent-1", fsm.StatusPending, fsm.StatusDispatched, repo.EntryUpdate{At: at}); !errors.Is(err, repo.ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
	if err := s.TransitionEntry(ctx, "ent-1", fsm.StatusDispatched, fsm.StatusRefunded, repo.EntryUpdate{At: at}); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestScansSkipInactiveEnrollments(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	horizon := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	due, err := s.ListDuePending(ctx, horizon, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected one due entry, got %d (%v)", len(due), err)
	}
	if err := s.UpdateEnrollmentStatus(ctx, "enr-1", fsm.EnrollmentDraft, fsm.EnrollmentPaused, horizon); err != nil {
		t.Fatalf("pause: %v", err)
	}
	due, err = s.ListDuePending(ctx, horizon, 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("expected paused enrollment to be skipped, got %d (%v)", len(due), err)
	}
}
