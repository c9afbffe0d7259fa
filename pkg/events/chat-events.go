package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart to EventTypeError follow one assistant message from
	// placeholder to its final content.
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	EventTypeFinal             EventType = "final"
	EventTypeInterrupt         EventType = "interrupt"
	EventTypeError             EventType = "error"

	EventTypeTitle            EventType = "title"
	EventTypeCatalogueChanged EventType = "catalogue-changed"
)

const (
	TopicChat      = "chat"
	TopicCatalogue = "catalogue"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventMetadata struct {
	ID             uuid.UUID `json:"message_id" yaml:"message_id"`
	ConversationID string    `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	HandleID       string    `json:"handle_id,omitempty" yaml:"handle_id,omitempty"`
	MessageIndex   int       `json:"message_index,omitempty" yaml:"message_index,omitempty"`
}

func NewMetadata(conversationID string) EventMetadata {
	return EventMetadata{
		ID:             uuid.New(),
		ConversationID: conversationID,
	}
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.HandleID != "" {
		e.Str("handle_id", em.HandleID)
		e.Int("message_index", em.MessageIndex)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// set when the event was deserialized from JSON (see NewEventFromJson)
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
	}
}

var _ Event = &EventStart{}

// EventPartialCompletion carries one appended delta and the message content so far.
type EventPartialCompletion struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartialCompletion{}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventFinal{}

// EventInterrupt is sent when a stream is stopped. Text includes Marker.
type EventInterrupt struct {
	EventImpl
	Text   string `json:"text"`
	Marker string `json:"marker"`
}

func NewInterruptEvent(metadata EventMetadata, text string, marker string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
		Marker:    marker,
	}
}

var _ Event = &EventInterrupt{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
	Text        string `json:"text"`
	Marker      string `json:"marker"`
}

func NewErrorEvent(metadata EventMetadata, err error, text string, marker string) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
		Text:        text,
		Marker:      marker,
	}
}

var _ Event = &EventError{}

type EventTitle struct {
	EventImpl
	Title string `json:"title"`
}

func NewTitleEvent(metadata EventMetadata, title string) *EventTitle {
	return &EventTitle{
		EventImpl: EventImpl{Type_: EventTypeTitle, Metadata_: metadata},
		Title:     title,
	}
}

var _ Event = &EventTitle{}

type EventCatalogueChanged struct {
	EventImpl
	Change string `json:"change"`
}

func NewCatalogueChangedEvent(metadata EventMetadata, change string) *EventCatalogueChanged {
	return &EventCatalogueChanged{
		EventImpl: EventImpl{Type_: EventTypeCatalogueChanged, Metadata_: metadata},
		Change:    change,
	}
}

var _ Event = &EventCatalogueChanged{}

func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("empty event payload")
	}
	e.payload = b

	switch e.Type_ {
	case EventTypeStart:
		return decodeAs[EventStart](e)
	case EventTypePartialCompletion:
		return decodeAs[EventPartialCompletion](e)
	case EventTypeFinal:
		return decodeAs[EventFinal](e)
	case EventTypeInterrupt:
		return decodeAs[EventInterrupt](e)
	case EventTypeError:
		return decodeAs[EventError](e)
	case EventTypeTitle:
		return decodeAs[EventTitle](e)
	case EventTypeCatalogueChanged:
		return decodeAs[EventCatalogueChanged](e)
	}

	return e, nil
}

type typedEvent[T any] interface {
	*T
	Event
	setPayload([]byte)
}

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}

func decodeAs[T any, PT typedEvent[T]](e *EventImpl) (Event, error) {
	ret, ok := ToTypedEvent[T](e)
	if !ok || ret == nil {
		return nil, fmt.Errorf("could not cast event to %s", e.Type_)
	}
	PT(ret).setPayload(e.payload)
	return PT(ret), nil
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}

	return ret, true
}
