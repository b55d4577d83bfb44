package repo

import (
	"database/sql"
	"time"
)

// Enrollment represents the enrollments table.
type Enrollment struct {
	ID             string
	TenantID       string
	CourseRef      string
	PayerRef       string
	PayerEmail     sql.NullString
	Currency       string
	TotalAmount    int64
	PaidAmount     int64
	RefundedAmount int64
	Status         string
	PaymentStatus  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ScheduleEntry represents one row of schedule_entries.
type ScheduleEntry struct {
	ID           string
	EnrollmentID string
	Seq          int
	Kind         string
	Amount       int64
	Currency     string
	DueDate      time.Time
	Status       string
	InvoiceRef   sql.NullString
	ChargeRef    sql.NullString
	RetryCount   int
	NextRetryAt  sql.NullTime
	LastError    sql.NullString
	PaidAt       sql.NullTime
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EntryUpdate lists the columns written together with a status transition.
// Nil fields are left untouched.
type EntryUpdate struct {
	At          time.Time
	LastError   *sql.NullString
	NextRetryAt *sql.NullTime
	PaidAt      *sql.NullTime
	ChargeRef   *sql.NullString
}

// Payment record statuses.
const (
	PaymentSucceeded         = "succeeded"
	PaymentPartiallyRefunded = "partially_refunded"
	PaymentRefunded          = "refunded"
)

// PaymentRecord is the durable trace of a settled charge.
// (ChargeRef, EnrollmentID) is unique.
type PaymentRecord struct {
	ID             string
	EnrollmentID   string
	EntryID        string
	ChargeRef      string
	Amount         int64
	RefundedAmount int64
	Currency       string
	Status         string
	OccurredAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Dispute statuses.
const (
	DisputeNeedsResponse = "needs_response"
	DisputeUnderReview   = "under_review"
	DisputeWon           = "won"
	DisputeLost          = "lost"
	DisputeClosed        = "closed"
)

// DisputeTerminal reports whether a dispute status is final.
func DisputeTerminal(status string) bool {
	return status == DisputeWon || status == DisputeLost || status == DisputeClosed
}

// Dispute mirrors a gateway dispute against a payment.
type Dispute struct {
	ID            string
	DisputeRef    string
	PaymentID     string
	EnrollmentID  string
	ChargeRef     string
	Amount        int64
	Status        string
	Reason        string
	EvidenceDueBy sql.NullTime
	OpenedAt      time.Time
	ClosedAt      sql.NullTime
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Issue kinds written to the operator queue.
const (
	IssueUnknownEntry        = "unknown_entry"
	IssueEnrollmentMismatch  = "enrollment_mismatch"
	IssueChargeOnSettled     = "charge_on_settled_entry"
	IssueAmountMismatch      = "amount_mismatch"
	IssueRefundExceedsCharge = "refund_exceeds_charge"
	IssueUnknownPayment      = "unknown_payment"
)

// Issue is an operator-queue item for events that could not be reconciled automatically.
type Issue struct {
	ID           string
	Kind         string
	EventID      string
	EventType    string
	ChargeRef    string
	EnrollmentID string
	EntryID      string
	Detail       string
	Payload      []byte
	CreatedAt    time.Time
	ResolvedAt   sql.NullTime
	ResolvedBy   string
}

// WebhookEvent is the raw log of a verified gateway delivery.
type WebhookEvent struct {
	ID          string
	Provider    string
	EventID     string
	EventType   string
	Signature   string
	Payload     []byte
	ReceivedAt  time.Time
	ProcessedAt sql.NullTime
	Outcome     string
	Error       string
}
