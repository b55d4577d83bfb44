package fsm

// Schedule entry statuses.
const (
	StatusPending           = "pending"
	StatusDispatched        = "dispatched"
	StatusPaid              = "paid"
	StatusFailed            = "failed"
	StatusOverdue           = "overdue"
	StatusRefunded          = "refunded"
	StatusPartiallyRefunded = "partially_refunded"
)

var transitions = map[string]map[string]struct{}{
	StatusPending: {
		StatusDispatched: {},
		StatusFailed:     {},
		StatusPaid:       {},
	},
	StatusDispatched: {
		StatusFailed:  {},
		StatusOverdue: {},
		StatusPaid:    {},
	},
	StatusFailed: {
		StatusDispatched: {},
		StatusPaid:       {},
	},
	StatusOverdue: {
		StatusDispatched: {},
		StatusFailed:     {},
		StatusPaid:       {},
	},
	StatusPaid: {
		StatusRefunded:          {},
		StatusPartiallyRefunded: {},
	},
	StatusPartiallyRefunded: {
		StatusPartiallyRefunded: {},
		StatusRefunded:          {},
	},
	StatusRefunded: {},
}

// CanTransition reports whether an entry may move from one status to another.
// Staying in the same status is only allowed where listed explicitly.
func CanTransition(from, to string) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Dispatchable reports whether the dispatcher may claim an entry in this status.
func Dispatchable(status string) bool {
	return status == StatusPending || status == StatusFailed || status == StatusOverdue
}

// Settled reports whether money has been collected for the entry at some point.
func Settled(status string) bool {
	return status == StatusPaid || status == StatusPartiallyRefunded || status == StatusRefunded
}

// Valid reports whether status is a known entry status.
func Valid(status string) bool {
	_, ok := transitions[status]
	return ok
}

// Enrollment statuses.
const (
	EnrollmentDraft     = "draft"
	EnrollmentActive    = "active"
	EnrollmentPaused    = "paused"
	EnrollmentCancelled = "cancelled"
)

var enrollmentTransitions = map[string]map[string]struct{}{
	EnrollmentDraft:     {EnrollmentActive: {}, EnrollmentPaused: {}, EnrollmentCancelled: {}},
	EnrollmentActive:    {EnrollmentPaused: {}, EnrollmentCancelled: {}},
	EnrollmentPaused:    {EnrollmentActive: {}, EnrollmentCancelled: {}},
	EnrollmentCancelled: {},
}

// CanTransitionEnrollment reports whether an enrollment may change status.
func CanTransitionEnrollment(from, to string) bool {
	allowed, ok := enrollmentTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Enrollment payment statuses derived from paid and refunded totals.
const (
	PaymentUnpaid   = "unpaid"
	PaymentPartial  = "partial"
	PaymentPaid     = "paid"
	PaymentRefunded = "refunded"
)

// PaymentStatus derives the enrollment payment status from its aggregates.
func PaymentStatus(total, paid, refunded int64) string {
	switch {
	case paid >= total && paid > 0, total == 0 && refunded == 0:
		return PaymentPaid
	case paid == 0 && refunded > 0:
		return PaymentRefunded
	case paid > 0:
		return PaymentPartial
	default:
		return PaymentUnpaid
	}
}
