package http

import (
	"time"

	"lmsBack/internal/installments/enroll"
	"lmsBack/internal/installments/repo"
	"lmsBack/internal/installments/split"
)

type enrollmentResponse struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	CourseRef      string    `json:"course_ref"`
	PayerRef       string    `json:"payer_ref"`
	PayerEmail     *string   `json:"payer_email"`
	Currency       string    `json:"currency"`
	TotalAmount    int64     `json:"total_amount"`
	PaidAmount     int64     `json:"paid_amount"`
	RefundedAmount int64     `json:"refunded_amount"`
	Status         string    `json:"status"`
	PaymentStatus  string    `json:"payment_status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type entryResponse struct {
	ID          string     `json:"id"`
	Seq         int        `json:"seq"`
	Kind        string     `json:"kind"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	DueDate     string     `json:"due_date"`
	Status      string     `json:"status"`
	InvoiceRef  *string    `json:"external_invoice_ref"`
	ChargeRef   *string    `json:"external_charge_ref"`
	RetryCount  int        `json:"retry_count"`
	NextRetryAt *time.Time `json:"next_retry_at"`
	LastError   *string    `json:"last_error"`
	PaidAt      *time.Time `json:"paid_at"`
}

type paymentResponse struct {
	ID             string    `json:"id"`
	EntryID        string    `json:"schedule_entry_id"`
	ChargeRef      string    `json:"external_charge_ref"`
	Amount         int64     `json:"amount"`
	RefundedAmount int64     `json:"refunded_amount"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type enrollmentDetailsResponse struct {
	Enrollment enrollmentResponse `json:"enrollment"`
	Schedule   []entryResponse    `json:"schedule"`
	Payments   []paymentResponse  `json:"payments,omitempty"`
}

type disputeResponse struct {
	ID            string     `json:"id"`
	DisputeRef    string     `json:"external_dispute_ref"`
	ChargeRef     string     `json:"external_charge_ref"`
	Amount        int64      `json:"amount"`
	Status        string     `json:"status"`
	Reason        string     `json:"reason"`
	EvidenceDueBy *time.Time `json:"evidence_due_by"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at"`
}

type issueResponse struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	EventID      string     `json:"event_id"`
	EventType    string     `json:"event_type"`
	ChargeRef    string     `json:"charge_ref,omitempty"`
	EnrollmentID string     `json:"enrollment_id,omitempty"`
	EntryID      string     `json:"schedule_entry_id,omitempty"`
	Detail       string     `json:"detail"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
}

type draftResponse struct {
	Seq     int    `json:"seq"`
	Kind    string `json:"kind"`
	Amount  int64  `json:"amount"`
	DueDate string `json:"due_date"`
}

type webhookResponse struct {
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=draft active paused cancelled"`
}

func makeEnrollmentResponse(e repo.Enrollment) enrollmentResponse {
	return enrollmentResponse{
		ID:             e.ID,
		TenantID:       e.TenantID,
		CourseRef:      e.CourseRef,
		PayerRef:       e.PayerRef,
		PayerEmail:     nullToPtr(e.PayerEmail),
		Currency:       e.Currency,
		TotalAmount:    e.TotalAmount,
		PaidAmount:     e.PaidAmount,
		RefundedAmount: e.RefundedAmount,
		Status:         e.Status,
		PaymentStatus:  e.PaymentStatus,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func makeEntryResponse(s repo.ScheduleEntry) entryResponse {
	return entryResponse{
		ID:          s.ID,
		Seq:         s.Seq,
		Kind:        s.Kind,
		Amount:      s.Amount,
		Currency:    s.Currency,
		DueDate:     s.DueDate.Format("2006-01-02"),
		Status:      s.Status,
		InvoiceRef:  nullToPtr(s.InvoiceRef),
		ChargeRef:   nullToPtr(s.ChargeRef),
		RetryCount:  s.RetryCount,
		NextRetryAt: nullTimeToPtr(s.NextRetryAt),
		LastError:   nullToPtr(s.LastError),
		PaidAt:      nullTimeToPtr(s.PaidAt),
	}
}

func makeDetailsResponse(d enroll.Details, payments []repo.PaymentRecord) enrollmentDetailsResponse {
	resp := enrollmentDetailsResponse{
		Enrollment: makeEnrollmentResponse(d.Enrollment),
		Schedule:   make([]entryResponse, 0, len(d.Entries)),
	}
	for _, e := range d.Entries {
		resp.Schedule = append(resp.Schedule, makeEntryResponse(e))
	}
	for _, p := range payments {
		resp.Payments = append(resp.Payments, paymentResponse{
			ID:             p.ID,
			EntryID:        p.EntryID,
			ChargeRef:      p.ChargeRef,
			Amount:         p.Amount,
			RefundedAmount: p.RefundedAmount,
			Currency:       p.Currency,
			Status:         p.Status,
			OccurredAt:     p.OccurredAt,
		})
	}
	return resp
}

func makeDisputeResponse(d repo.Dispute) disputeResponse {
	return disputeResponse{
		ID:            d.ID,
		DisputeRef:    d.DisputeRef,
		ChargeRef:     d.ChargeRef,
		Amount:        d.Amount,
		Status:        d.Status,
		Reason:        d.Reason,
		EvidenceDueBy: nullTimeToPtr(d.EvidenceDueBy),
		OpenedAt:      d.OpenedAt,
		ClosedAt:      nullTimeToPtr(d.ClosedAt),
	}
}

func makeIssueResponse(is repo.Issue) issueResponse {
	return issueResponse{
		ID:           is.ID,
		Kind:         is.Kind,
		EventID:      is.EventID,
		EventType:    is.EventType,
		ChargeRef:    is.ChargeRef,
		EnrollmentID: is.EnrollmentID,
		EntryID:      is.EntryID,
		Detail:       is.Detail,
		CreatedAt:    is.CreatedAt,
		ResolvedAt:   nullTimeToPtr(is.ResolvedAt),
		ResolvedBy:   is.ResolvedBy,
	}
}

func makeDraftResponses(drafts []split.Draft) []draftResponse {
	out := make([]draftResponse, 0, len(drafts))
	for _, d := range drafts {
		out = append(out, draftResponse{Seq: d.Seq, Kind: d.Kind, Amount: d.Amount, DueDate: d.DueDate.Format("2006-01-02")})
	}
	return out
}
