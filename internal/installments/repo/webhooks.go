package repo

import (
	"context"
	"errors"
	"time"
)

const maxErrorText = 1024

const webhookColumns = `id, provider, event_id, event_type, signature, payload, received_at, processed_at, outcome, error_text`

func scanWebhook(row scanner) (WebhookEvent, error) {
	var w WebhookEvent
	err := row.Scan(&w.ID, &w.Provider, &w.EventID, &w.EventType, &w.Signature, &w.Payload, &w.ReceivedAt,
		&w.ProcessedAt, &w.Outcome, &w.Error)
	if err != nil {
		return WebhookEvent{}, mapNoRows(err)
	}
	return w, nil
}

// SaveWebhook logs a delivery. A redelivery of the same (provider, event_id)
// returns the stored row with created == false.
func (r *queries) SaveWebhook(ctx context.Context, w WebhookEvent) (WebhookEvent, bool, error) {
	_, err := r.exec(ctx, `INSERT INTO webhook_events (`+webhookColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Provider, w.EventID, w.EventType, w.Signature, w.Payload, w.ReceivedAt, w.ProcessedAt, w.Outcome, w.Error)
	if err == nil {
		return w, true, nil
	}
	if !isDuplicateKey(err) {
		return WebhookEvent{}, false, err
	}
	existing, err := scanWebhook(r.queryRow(ctx, `SELECT `+webhookColumns+` FROM webhook_events WHERE provider = ? AND event_id = ?`, w.Provider, w.EventID))
	if err != nil {
		return WebhookEvent{}, false, err
	}
	return existing, false, nil
}

// MarkWebhookProcessed records the reconciliation outcome of a delivery.
func (r *queries) MarkWebhookProcessed(ctx context.Context, provider, eventID, outcome, errText string, at time.Time) error {
	if len(errText) > maxErrorText {
		errText = errText[:maxErrorText]
	}
	res, err := r.exec(ctx, `UPDATE webhook_events SET processed_at = ?, outcome = ?, error_text = ? WHERE provider = ? AND event_id = ?`,
		at, outcome, errText, provider, eventID)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		if errors.Is(err, ErrStaleState) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
