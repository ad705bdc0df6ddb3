// Package notify delivers queued alerts to people. Slack is used when a
// webhook is configured; otherwise alerts are only logged.
package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"

	"classtrack/internal/alert"
	"classtrack/internal/logging"
	"classtrack/internal/queue"
)

// Notifier delivers one alert.
type Notifier interface {
	Notify(ctx context.Context, a alert.Alert) error
}

// Slack posts alerts to an incoming webhook.
type Slack struct {
	webhookURL string
}

// NewSlack creates a Slack notifier.
func NewSlack(webhookURL string) *Slack {
	return &Slack{webhookURL: webhookURL}
}

var severityColors = map[alert.Severity]string{
	alert.SeverityInfo:     "#439FE0",
	alert.SeverityWarning:  "warning",
	alert.SeverityCritical: "danger",
}

func (s *Slack) Notify(ctx context.Context, a alert.Alert) error {
	att := slack.Attachment{
		Color: severityColors[a.Severity],
		Title: fmt.Sprintf("[%s] %s", a.Severity, a.Message),
	}
	if a.Room != "" {
		att.Fields = append(att.Fields, slack.AttachmentField{Title: "Room", Value: a.Room, Short: true})
	}
	if a.Value != "" {
		att.Fields = append(att.Fields, slack.AttachmentField{Title: "Value", Value: a.Value, Short: true})
	}
	if a.Threshold != "" {
		att.Fields = append(att.Fields, slack.AttachmentField{Title: "Threshold", Value: a.Threshold, Short: true})
	}
	msg := &slack.WebhookMessage{
		Text:        a.Message,
		Attachments: []slack.Attachment{att},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return errors.Wrap(err, "post slack webhook")
	}
	return nil
}

// Log writes alerts to the standard logger.
type Log struct{}

func (Log) Notify(_ context.Context, a alert.Alert) error {
	log.Printf("alert %s [%s] %s", a.ID, a.Severity, a.Message)
	return nil
}

// New picks Slack when webhookURL is set.
func New(webhookURL string) Notifier {
	if webhookURL == "" {
		return Log{}
	}
	return NewSlack(webhookURL)
}

// Run consumes alert messages until ctx is done. Delivery failures are
// reported and the message is dropped.
func Run(ctx context.Context, q queue.Queue, n Notifier) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return errors.Wrap(err, "consume alerts")
	}
	for msg := range messages {
		if msg.Type != alert.MessageType {
			continue
		}
		a, err := alert.Decode(msg)
		if err != nil {
			log.Printf("skip undecodable alert: %v", err)
			continue
		}
		if err := n.Notify(ctx, a); err != nil {
			logging.Error("deliver alert", err, map[string]interface{}{"alertId": a.ID, "room": a.Room})
		}
	}
	return nil
}
