// Package events fans chat session activity out to any number of UIs over an
// in-process watermill pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/thread"
)

type Type string

const (
	MessageAdded   Type = "message.added"
	MessageUpdated Type = "message.updated"
	MessageRemoved Type = "message.removed"
	// Busy reports a change of the "is generating" flag.
	Busy Type = "busy"
	// ConversationChanged is published when the session switches to, creates,
	// renames, or deletes a conversation.
	ConversationChanged Type = "conversation.changed"
	// StoreChanged mirrors a store write notification.
	StoreChanged Type = "store.changed"
	Error        Type = "error"
)

type Event struct {
	Type           Type            `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Message        *domain.Message `json:"message,omitempty"`
	Busy           bool            `json:"busy,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// FromThread converts a thread notification.
func FromThread(ev thread.Event) Event {
	out := Event{ConversationID: ev.ThreadID, MessageID: ev.MessageID, Message: ev.Message}
	switch ev.Type {
	case thread.EventAdded:
		out.Type = MessageAdded
	case thread.EventUpdated:
		out.Type = MessageUpdated
	case thread.EventRemoved:
		out.Type = MessageRemoved
	}
	return out
}

// Bus is safe for concurrent use. Publish blocks until every subscriber of the
// topic has taken the event, so subscribers observe events in publish order.
type Bus struct {
	pubsub *gochannel.GoChannel
}

func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, newSlogAdapter(slog.Default().With("component", "events"))),
	}
}

func (b *Bus) Publish(topic string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

// PublishBlind publishes and logs any failure.
func (b *Bus) PublishBlind(topic string, ev Event) {
	if err := b.Publish(topic, ev); err != nil {
		slog.Warn("Failed to publish event", "topic", topic, "type", ev.Type, "error", err)
	}
}

// Subscribe returns the events published to topic until ctx is cancelled.
// Callers must keep reading or cancel ctx; a stalled reader blocks publishers.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				slog.Warn("Dropping malformed event", "topic", topic, "error", err)
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				msg.Ack()
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}
