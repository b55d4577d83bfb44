package gateway

import (
	"errors"
	"testing"
)

func TestParseEventChargeSucceeded(t *testing.T) {
	body := []byte(`{
		"id": "evt_1",
		"type": "charge.succeeded",
		"created_at": "2026-03-01T10:00:00Z",
		"data": {
			"charge_id": "ch_1",
			"invoice_id": "inv_1",
			"amount": 26600,
			"currency": "kzt",
			"metadata": {"enrollment_id": "enr-1", "schedule_entry_id": "ent-2"}
		}
	}`)
	ev, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ChargeRef != "ch_1" || ev.InvoiceRef != "inv_1" {
		t.Fatalf("unexpected refs: %+v", ev)
	}
	if ev.EnrollmentID != "enr-1" || ev.EntryID != "ent-2" {
		t.Fatalf("unexpected metadata: %+v", ev)
	}
	if ev.Amount != 26600 || ev.Currency != "KZT" {
		t.Fatalf("unexpected amount: %d %s", ev.Amount, ev.Currency)
	}
	if ev.OccurredAt.Hour() != 10 {
		t.Fatalf("unexpected time: %v", ev.OccurredAt)
	}
}

func TestParseEventErrors(t *testing.T) {
	cases := map[string]struct {
		body string
		want error
	}{
		"not json":        {`{`, ErrMalformedEvent},
		"missing id":      {`{"type":"charge.failed","data":{"charge_id":"ch"}}`, ErrMalformedEvent},
		"missing charge":  {`{"id":"e","type":"charge.failed","data":{}}`, ErrMalformedEvent},
		"dispute no ref":  {`{"id":"e","type":"dispute.created","data":{"charge_id":"ch"}}`, ErrMalformedEvent},
		"unsupported":     {`{"id":"e","type":"customer.updated","data":{}}`, ErrUnsupportedEvent},
		"negative amount": {`{"id":"e","type":"charge.refunded","data":{"charge_id":"ch","amount_refunded":-1}}`, ErrMalformedEvent},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseEvent([]byte(c.body)); !errors.Is(err, c.want) {
				t.Fatalf("expected %v, got %v", c.want, err)
			}
		})
	}
}
