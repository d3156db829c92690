package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wonny/tradeflow/internal/joblog"
	"github.com/wonny/tradeflow/pkg/logger"
)

// Event types
const (
	EventCompleted = "run.completed"
	EventFailed    = "run.failed"
	EventCancelled = "run.cancelled"
)

// Event is the webhook payload
type Event struct {
	ID     string       `json:"id"`
	Type   string       `json:"type"`
	SentAt time.Time    `json:"sent_at"`
	Run    joblog.Entry `json:"run"`
}

// Poster delivers JSON payloads
type Poster interface {
	PostJSON(ctx context.Context, url string, data interface{}, headers map[string]string) error
}

// Sink wraps a job log and posts an event when a run reaches a terminal
// status. Delivery failures are logged, never returned.
type Sink struct {
	joblog.Sink
	client Poster
	url    string
	logger *logger.Logger
}

// WithWebhook decorates sink; an empty url returns sink unchanged
func WithWebhook(sink joblog.Sink, client Poster, url string, log *logger.Logger) joblog.Sink {
	if url == "" {
		return sink
	}
	return &Sink{
		Sink:   sink,
		client: client,
		url:    url,
		logger: log.Module("notify"),
	}
}

// Complete records completion and notifies
func (s *Sink) Complete(ctx context.Context, id int64, counts joblog.Counts) error {
	return s.transition(ctx, id, EventCompleted, func() error {
		return s.Sink.Complete(ctx, id, counts)
	})
}

// Fail records the failure and notifies
func (s *Sink) Fail(ctx context.Context, id int64, message string) error {
	return s.transition(ctx, id, EventFailed, func() error {
		return s.Sink.Fail(ctx, id, message)
	})
}

// Cancel records the cancellation request and notifies
func (s *Sink) Cancel(ctx context.Context, id int64) error {
	return s.transition(ctx, id, EventCancelled, func() error {
		return s.Sink.Cancel(ctx, id)
	})
}

// transition applies a terminal write; only the write that leaves a
// running entry sends an event
func (s *Sink) transition(ctx context.Context, id int64, eventType string, apply func() error) error {
	before, err := s.Sink.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := apply(); err != nil {
		return err
	}
	if !before.Status.Terminal() {
		s.send(ctx, id, eventType)
	}
	return nil
}

func (s *Sink) send(ctx context.Context, id int64, eventType string) {
	log := s.logger.WithFields(map[string]interface{}{
		"run_id": id,
		"event":  eventType,
	})

	entry, err := s.Sink.Get(ctx, id)
	if err != nil {
		log.WithError(err).Warn("Webhook skipped: run not readable")
		return
	}

	event := Event{
		ID:     uuid.NewString(),
		Type:   eventType,
		SentAt: time.Now().UTC(),
		Run:    *entry,
	}
	if err := s.client.PostJSON(ctx, s.url, event, map[string]string{"X-Event-ID": event.ID}); err != nil {
		log.WithError(err).Warn("Webhook delivery failed")
		return
	}
	log.WithField("event_id", event.ID).Debug("Webhook delivered")
}
