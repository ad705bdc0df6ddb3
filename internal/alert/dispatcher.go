package alert

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"classtrack/internal/metrics"
	"classtrack/internal/queue"
)

// MessageType tags alert notifications on the queue.
const MessageType = "alert"

// Dispatcher filters alerts through a Debouncer, writes the survivors as one
// batch and publishes them for notification.
type Dispatcher struct {
	sink      Sink
	debouncer Debouncer
	queue     queue.Queue
	now       func() time.Time
}

// NewDispatcher builds a dispatcher. A nil debouncer writes every alert and a
// nil queue disables notifications.
func NewDispatcher(sink Sink, debouncer Debouncer, q queue.Queue) *Dispatcher {
	if debouncer == nil {
		debouncer = NoDebounce{}
	}
	return &Dispatcher{sink: sink, debouncer: debouncer, queue: q, now: time.Now}
}

// Emit returns the alerts actually written.
func (d *Dispatcher) Emit(ctx context.Context, alerts []Alert) ([]Alert, error) {
	batch := make([]Alert, 0, len(alerts))
	for _, a := range alerts {
		ok, err := d.debouncer.Allow(ctx, a)
		if err != nil {
			log.Printf("alert debounce failed, writing anyway: %v", err)
			ok = true
		}
		if !ok {
			metrics.AlertsSuppressed.Inc()
			continue
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = d.now().UTC()
		}
		batch = append(batch, a)
	}
	if len(batch) == 0 {
		return nil, nil
	}

	if err := d.sink.CreateMany(ctx, batch); err != nil {
		return nil, errors.Wrap(err, "create alerts")
	}
	for _, a := range batch {
		metrics.AlertsTotal.WithLabelValues(a.Metric, string(a.Severity)).Inc()
	}
	d.publish(ctx, batch)
	return batch, nil
}

func (d *Dispatcher) publish(ctx context.Context, batch []Alert) {
	if d.queue == nil {
		return
	}
	for _, a := range batch {
		body, err := json.Marshal(a)
		if err != nil {
			log.Printf("encode alert %s: %v", a.ID, err)
			continue
		}
		if err := d.queue.Publish(ctx, queue.Message{Type: MessageType, Body: body}); err != nil {
			log.Printf("queue publish failed for alert %s: %v", a.ID, err)
		}
	}
}

// Decode parses a queued alert notification.
func Decode(msg queue.Message) (Alert, error) {
	var a Alert
	if msg.Type != MessageType {
		return a, errors.Errorf("unexpected message type %q", msg.Type)
	}
	err := json.Unmarshal(msg.Body, &a)
	return a, errors.Wrap(err, "decode alert")
}
