package notify

import (
	"context"
	"fmt"
	"regexp"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"google.golang.org/api/option"
)

// Sender is the subset of the FCM client used here.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCM pushes notices to the payer's devices through a per-payer topic.
type FCM struct {
	client Sender
	prefix string
}

// NewFCM wraps an FCM sender. Devices subscribe to "<prefix><payer_ref>".
func NewFCM(client Sender, prefix string) *FCM {
	if prefix == "" {
		prefix = "payer_"
	}
	return &FCM{client: client, prefix: prefix}
}

// NewFCMFromCredentials builds an FCM notifier from a service-account file.
func NewFCMFromCredentials(ctx context.Context, credentialsFile, prefix string) (*FCM, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return NewFCM(client, prefix), nil
}

var topicUnsafe = regexp.MustCompile(`[^a-zA-Z0-9\-_.~%]`)

// Topic returns the FCM topic of a payer.
func (f *FCM) Topic(payerRef string) string {
	return f.prefix + topicUnsafe.ReplaceAllString(payerRef, "_")
}

func (f *FCM) Notify(ctx context.Context, n Notice) error {
	if n.PayerRef == "" {
		return nil
	}
	title, body := render(n)
	message := &messaging.Message{
		Topic: f.Topic(n.PayerRef),
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: map[string]string{
			"kind":              n.Kind,
			"enrollment_id":     n.EnrollmentID,
			"schedule_entry_id": n.EntryID,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{Title: title, Body: body},
					Sound: "default",
				},
			},
		},
	}
	if _, err := f.client.Send(ctx, message); err != nil {
		return fmt.Errorf("fcm send %s: %w", n.Kind, err)
	}
	return nil
}
