package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"lmsBack/internal/installments/gateway"
	"lmsBack/internal/installments/reconcile"
	"lmsBack/internal/installments/repo"
	"lmsBack/internal/installments/spool"
)

const (
	signatureHeader = "X-Signature"
	maxWebhookBody  = 1 << 20
	archiveTimeout  = 5 * time.Second

	outcomeSpooled = "spooled"
)

type paymentEvent struct {
	EventID      string `json:"event_id"`
	Type         string `json:"type"`
	Outcome      string `json:"outcome"`
	ChargeRef    string `json:"charge_ref"`
	EnrollmentID string `json:"enrollment_id,omitempty"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	sig := strings.TrimSpace(r.Header.Get(signatureHeader))
	if !gateway.VerifyHMAC(body, sig, s.cfg.WebhookSecret) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	ev, err := gateway.ParseEvent(body)
	switch {
	case errors.Is(err, gateway.ErrUnsupportedEvent):
		s.logger.Infof("installments: ignoring %s event %s", ev.Type, ev.ID)
		writeJSON(w, http.StatusOK, webhookResponse{EventID: ev.ID, Outcome: reconcile.OutcomeIgnored})
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	item := spool.Item{Provider: s.cfg.Provider, EventID: ev.ID, Signature: sig, Payload: body, ReceivedAt: s.now()}
	s.archiveBody(r.Context(), item)

	outcome, err := s.process(r.Context(), item, ev)
	switch {
	case errors.Is(err, reconcile.ErrOutOfOrder):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		if s.spool != nil {
			perr := s.spool.Put(item)
			if perr == nil {
				s.logger.Errorf("installments: event %s spooled: %v", ev.ID, err)
				writeJSON(w, http.StatusAccepted, webhookResponse{EventID: ev.ID, Outcome: outcomeSpooled})
				return
			}
			s.logger.Errorf("installments: spool event %s failed: %v", ev.ID, perr)
		}
		s.logger.Errorf("installments: process event %s failed: %v", ev.ID, err)
		writeError(w, http.StatusInternalServerError, "unable to process event")
	default:
		writeJSON(w, http.StatusOK, webhookResponse{EventID: ev.ID, Outcome: outcome})
	}
}

// process logs the delivery and applies it. Deliveries already processed are
// reported as duplicates without reaching the engine.
func (s *Server) process(ctx context.Context, item spool.Item, ev gateway.Event) (string, error) {
	stored, created, err := s.store.SaveWebhook(ctx, repo.WebhookEvent{
		ID:         uuid.NewString(),
		Provider:   item.Provider,
		EventID:    ev.ID,
		EventType:  ev.Type,
		Signature:  item.Signature,
		Payload:    item.Payload,
		ReceivedAt: item.ReceivedAt,
	})
	if err != nil {
		return "", fmt.Errorf("log webhook: %w", err)
	}
	if !created && stored.ProcessedAt.Valid {
		return reconcile.OutcomeDuplicate, nil
	}

	outcome, err := s.engine.ApplyEvent(ctx, ev)
	if err != nil {
		return "", err
	}
	if err := s.store.MarkWebhookProcessed(ctx, item.Provider, ev.ID, outcome, "", s.now()); err != nil {
		s.logger.Errorf("installments: mark webhook %s processed failed: %v", ev.ID, err)
	}
	s.feed.Broadcast("payment_event", paymentEvent{
		EventID:      ev.ID,
		Type:         ev.Type,
		Outcome:      outcome,
		ChargeRef:    ev.ChargeRef,
		EnrollmentID: ev.EnrollmentID,
		Amount:       ev.Amount,
		Currency:     ev.Currency,
	})
	return outcome, nil
}

func (s *Server) archiveBody(ctx context.Context, item spool.Item) {
	if s.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if _, err := s.archive.Store(ctx, item.Provider, item.EventID, item.ReceivedAt, item.Payload); err != nil {
		s.logger.Errorf("installments: %v", err)
	}
}

// Replay processes a spooled delivery. Events that still precede their payment
// stay in the spool.
func (s *Server) Replay(ctx context.Context, item spool.Item) error {
	ev, err := gateway.ParseEvent(item.Payload)
	if err != nil {
		s.logger.Errorf("installments: dropping spooled event %s: %v", item.EventID, err)
		return nil
	}
	_, err = s.process(ctx, item, ev)
	return err
}
