package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"firebase.google.com/go/messaging"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type stubSender struct {
	sent []*messaging.Message
	err  error
}

func (s *stubSender) Send(ctx context.Context, m *messaging.Message) (string, error) {
	s.sent = append(s.sent, m)
	return "msg-1", s.err
}

type stubMail struct {
	sent   []*mail.SGMailV3
	status int
}

func (s *stubMail) SendWithContext(ctx context.Context, m *mail.SGMailV3) (*rest.Response, error) {
	s.sent = append(s.sent, m)
	return &rest.Response{StatusCode: s.status}, nil
}

func TestFCMSendsToPayerTopic(t *testing.T) {
	sender := &stubSender{}
	f := NewFCM(sender, "")
	err := f.Notify(context.Background(), Notice{
		Kind:        KindPaymentFailed,
		PayerRef:    "payer:42",
		Amount:      26600,
		Currency:    "KZT",
		Reason:      "insufficient funds",
		NextRetryAt: time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.Topic != "payer_payer_42" {
		t.Fatalf("unexpected topic %q", msg.Topic)
	}
	if !strings.Contains(msg.Notification.Body, "266.00 KZT") || !strings.Contains(msg.Notification.Body, "2 Apr 2026") {
		t.Fatalf("unexpected body %q", msg.Notification.Body)
	}
}

func TestFCMSkipsUnknownPayer(t *testing.T) {
	sender := &stubSender{}
	if err := NewFCM(sender, "").Notify(context.Background(), Notice{Kind: KindPaymentReceived}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("expected no message without payer ref")
	}
}

func TestEmailReportsBadStatus(t *testing.T) {
	client := &stubMail{status: 400}
	err := NewEmail(client, "LMS", "billing@example.com").Notify(context.Background(), Notice{Kind: KindPaymentReceived, PayerEmail: "a@b.c"})
	if err == nil {
		t.Fatal("expected error for 400 status")
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(client.sent))
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	m := Multi{Nop{}, NewFCM(&stubSender{err: boom}, ""), nil}
	err := m.Notify(context.Background(), Notice{Kind: KindPaymentReceived, PayerRef: "p"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined boom, got %v", err)
	}
}
