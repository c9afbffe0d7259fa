package events

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EventSink is a destination for chat and catalogue events.
type EventSink interface {
	PublishEvent(event Event) error
}

// Publish sends event to every sink. Sink errors are logged and otherwise ignored.
func Publish(sinks []EventSink, event Event) {
	for _, sink := range sinks {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).Str("event_type", string(event.Type())).Msg("Failed to publish event")
		}
	}
}

// Message metadata set by WatermillSink, so handlers can route without
// decoding the payload.
const (
	MetadataEventType      = "event_type"
	MetadataConversationID = "conversation_id"
)

// WatermillSink publishes events as JSON messages on a single topic. The
// message uuid is the event id.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{
		publisher: publisher,
		topic:     topic,
	}
}

func (w *WatermillSink) PublishEvent(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "could not encode %s event", event.Type())
	}

	md := event.Metadata()
	msg := message.NewMessage(md.ID.String(), payload)
	msg.Metadata.Set(MetadataEventType, string(event.Type()))
	msg.Metadata.Set(MetadataConversationID, md.ConversationID)

	if err := w.publisher.Publish(w.topic, msg); err != nil {
		return errors.Wrapf(err, "could not publish to %s", w.topic)
	}

	log.Trace().
		Str("topic", w.topic).
		Str("event_type", string(event.Type())).
		Str("conversation_id", md.ConversationID).
		Msg("Published event")
	return nil
}

var _ EventSink = (*WatermillSink)(nil)

// SinkFunc adapts a plain function to EventSink.
type SinkFunc func(event Event) error

func (f SinkFunc) PublishEvent(event Event) error {
	return f(event)
}
