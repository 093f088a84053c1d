// Package publish forwards committed engine events to NATS JetStream for
// downstream consumers.
//
// Subjects follow the pattern perp.events.{event_type}.{market}.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/perp-engine/internal/model"
)

// StreamName is the JetStream stream that captures every engine event.
const StreamName = "PERP_EVENTS"

// SubjectPrefix roots every published subject.
const SubjectPrefix = "perp.events"

// JetStream is the part of jetstream.JetStream the publisher needs.
type JetStream interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher is an engine listener that queues events and publishes
// them from Run. Events are published after the commit so consumers never
// see a call the engine rejected.
type NATSPublisher struct {
	js     JetStream
	queue  chan model.Event
	logger *slog.Logger
}

// NewNATSPublisher creates a publisher with a queue of buffer events.
func NewNATSPublisher(js JetStream, buffer int, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &NATSPublisher{js: js, queue: make(chan model.Event, buffer), logger: logger}
}

// OnCommit queues the events of c. A full queue drops events rather than
// stall the engine; consumers can recover them from the event log.
func (p *NATSPublisher) OnCommit(_ context.Context, c model.Changes) {
	for _, ev := range c.Events {
		select {
		case p.queue <- ev:
		default:
			p.logger.Warn("outbound queue full, event dropped", "market", ev.Market, "seq", ev.Seq)
		}
	}
}

// Run publishes queued events until ctx is done.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.queue:
			if err := p.publish(ctx, ev); err != nil {
				// Non-fatal: downstream consumers can query the event log directly.
				p.logger.Warn("outbound publish failed", "market", ev.Market, "seq", ev.Seq, "err", err)
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The message id lets JetStream drop duplicates of a retried publish.
	_, err = p.js.Publish(ctx, Subject(ev), data, jetstream.WithMsgID(ev.ID.String()))
	return err
}

// Subject returns perp.events.{event_type}.{market}.
func Subject(ev model.Event) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, ev.Type, ev.Market)
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, maxAge time.Duration) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
