package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Charge outcomes reported by ChargeInvoice.
const (
	ChargeSucceeded = "succeeded"
	ChargePending   = "pending"
	ChargeFailed    = "failed"
)

// ErrUnsupportedEvent is returned by ParseEvent for event types the engine does not consume.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// Gateway is the port the dispatcher and reconciliation engine use to reach the payment provider.
type Gateway interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (string, error)
	ChargeInvoice(ctx context.Context, invoiceRef string) (ChargeResult, error)
	GetDispute(ctx context.Context, disputeRef string) (Dispute, error)
}

// InvoiceRequest describes one schedule entry to be invoiced.
type InvoiceRequest struct {
	CustomerRef    string
	CustomerEmail  string
	Amount         int64
	Currency       string
	DueDate        time.Time
	Description    string
	EnrollmentID   string
	EntryID        string
	IdempotencyKey string
}

// ChargeResult is the synchronous answer to a charge attempt.
type ChargeResult struct {
	ChargeRef      string
	Status         string
	FailureMessage string
}

// Dispute is the provider's view of a dispute.
type Dispute struct {
	Ref           string
	ChargeRef     string
	Amount        int64
	Status        string
	Reason        string
	EvidenceDueBy time.Time
}

// Error is returned when the provider answers with a non-success HTTP status.
type Error struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s: %s", e.Status, trim(e.Body, 500))
}

// Temporary reports whether retrying the same request later may succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// HTTPStatus maps a gateway error to the status an admin endpoint should return:
// provider 4xx answers are propagated, everything else is a bad gateway.
func HTTPStatus(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return apiErr.StatusCode
		}
	}
	return http.StatusBadGateway
}
