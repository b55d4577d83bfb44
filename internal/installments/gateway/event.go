package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event types consumed by the reconciliation engine.
const (
	EventChargeSucceeded = "charge.succeeded"
	EventChargeFailed    = "charge.failed"
	EventChargeRefunded  = "charge.refunded"
	EventDisputeCreated  = "dispute.created"
	EventDisputeClosed   = "dispute.closed"
)

// ErrMalformedEvent is returned for payloads missing required fields.
var ErrMalformedEvent = errors.New("malformed event")

// Event is a verified provider notification.
// RefundedAmount is cumulative for the charge.
type Event struct {
	ID             string
	Type           string
	OccurredAt     time.Time
	ChargeRef      string
	InvoiceRef     string
	EnrollmentID   string
	EntryID        string
	Amount         int64
	RefundedAmount int64
	Currency       string
	FailureMessage string
	DisputeRef     string
	DisputeStatus  string
	DisputeReason  string
	EvidenceDueBy  time.Time
	Raw            []byte
}

// IsDispute reports whether the event concerns a dispute.
func (e Event) IsDispute() bool {
	return e.Type == EventDisputeCreated || e.Type == EventDisputeClosed
}

type envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		ChargeID       string     `json:"charge_id"`
		InvoiceID      string     `json:"invoice_id"`
		Amount         int64      `json:"amount"`
		AmountRefunded int64      `json:"amount_refunded"`
		Currency       string     `json:"currency"`
		FailureMessage string     `json:"failure_message"`
		DisputeID      string     `json:"dispute_id"`
		DisputeStatus  string     `json:"dispute_status"`
		DisputeReason  string     `json:"dispute_reason"`
		EvidenceDueBy  *time.Time `json:"evidence_due_by"`
		Metadata       struct {
			EnrollmentID    string `json:"enrollment_id"`
			ScheduleEntryID string `json:"schedule_entry_id"`
		} `json:"metadata"`
	} `json:"data"`
}

// ParseEvent decodes a webhook body. Unknown event types yield ErrUnsupportedEvent
// together with the decoded id and type so that callers can acknowledge them.
func ParseEvent(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev := Event{
		ID:             strings.TrimSpace(env.ID),
		Type:           strings.TrimSpace(env.Type),
		OccurredAt:     env.CreatedAt.UTC(),
		ChargeRef:      strings.TrimSpace(env.Data.ChargeID),
		InvoiceRef:     strings.TrimSpace(env.Data.InvoiceID),
		EnrollmentID:   strings.TrimSpace(env.Data.Metadata.EnrollmentID),
		EntryID:        strings.TrimSpace(env.Data.Metadata.ScheduleEntryID),
		Amount:         env.Data.Amount,
		RefundedAmount: env.Data.AmountRefunded,
		Currency:       strings.ToUpper(strings.TrimSpace(env.Data.Currency)),
		FailureMessage: env.Data.FailureMessage,
		DisputeRef:     strings.TrimSpace(env.Data.DisputeID),
		DisputeStatus:  strings.TrimSpace(env.Data.DisputeStatus),
		DisputeReason:  env.Data.DisputeReason,
		Raw:            body,
	}
	if env.Data.EvidenceDueBy != nil {
		ev.EvidenceDueBy = env.Data.EvidenceDueBy.UTC()
	}

	if ev.ID == "" || ev.Type == "" {
		return ev, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}
	switch ev.Type {
	case EventChargeSucceeded, EventChargeFailed, EventChargeRefunded:
	case EventDisputeCreated, EventDisputeClosed:
		if ev.DisputeRef == "" {
			return ev, fmt.Errorf("%w: dispute_id is required", ErrMalformedEvent)
		}
	default:
		return ev, fmt.Errorf("%s: %w", ev.Type, ErrUnsupportedEvent)
	}
	if ev.ChargeRef == "" {
		return ev, fmt.Errorf("%w: charge_id is required", ErrMalformedEvent)
	}
	if ev.Amount < 0 || ev.RefundedAmount < 0 {
		return ev, fmt.Errorf("%w: negative amount", ErrMalformedEvent)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return ev, nil
}
