package fsm

import "testing"

func TestCanTransition(t *testing.T) {
	if !CanTransition(StatusPending, StatusDispatched) {
		t.Fatal("expected pending -> dispatched to be allowed")
	}
	if !CanTransition(StatusDispatched, StatusFailed) {
		t.Fatal("expected dispatched -> failed to be allowed")
	}
	if !CanTransition(StatusFailed, StatusDispatched) {
		t.Fatal("expected failed -> dispatched to be allowed")
	}
	if !CanTransition(StatusOverdue, StatusPaid) {
		t.Fatal("expected overdue -> paid to be allowed")
	}
	if !CanTransition(StatusPartiallyRefunded, StatusPartiallyRefunded) {
		t.Fatal("expected repeated partial refund to be allowed")
	}
	if CanTransition(StatusRefunded, StatusPaid) {
		t.Fatal("refunded must be terminal")
	}
	if CanTransition(StatusPaid, StatusPaid) {
		t.Fatal("paid -> paid must not be allowed")
	}
	if CanTransition(StatusPaid, StatusFailed) {
		t.Fatal("paid -> failed must not be allowed")
	}
	if CanTransition(StatusPending, StatusRefunded) {
		t.Fatal("pending -> refunded must not be allowed")
	}
}

func TestDispatchable(t *testing.T) {
	for _, s := range []string{StatusPending, StatusFailed, StatusOverdue} {
		if !Dispatchable(s) {
			t.Fatalf("expected %s to be dispatchable", s)
		}
	}
	for _, s := range []string{StatusDispatched, StatusPaid, StatusRefunded, StatusPartiallyRefunded} {
		if Dispatchable(s) {
			t.Fatalf("expected %s not to be dispatchable", s)
		}
	}
}

func TestCanTransitionEnrollment(t *testing.T) {
	if !CanTransitionEnrollment(EnrollmentDraft, EnrollmentActive) {
		t.Fatal("expected draft -> active to be allowed")
	}
	if CanTransitionEnrollment(EnrollmentCancelled, EnrollmentActive) {
		t.Fatal("cancelled must be terminal")
	}
}

func TestPaymentStatus(t *testing.T) {
	cases := []struct {
		total, paid, refunded int64
		want                  string
	}{
		{1000, 0, 0, PaymentUnpaid},
		{1000, 200, 0, PaymentPartial},
		{1000, 1000, 0, PaymentPaid},
		{1000, 700, 300, PaymentPartial},
		{1000, 0, 1000, PaymentRefunded},
		{0, 0, 0, PaymentPaid},
	}
	for _, c := range cases {
		if got := PaymentStatus(c.total, c.paid, c.refunded); got != c.want {
			t.Fatalf("PaymentStatus(%d, %d, %d) = %s, want %s", c.total, c.paid, c.refunded, got, c.want)
		}
	}
}
