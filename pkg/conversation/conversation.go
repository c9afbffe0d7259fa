// Package conversation holds the data model shared by the repository, the
// stream engine and the session controller.
//
// A Conversation is treated as an immutable value: every mutation helper returns
// a new Conversation and leaves the receiver untouched. The streaming message is
// addressed by an explicit index.
package conversation

import (
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

const DefaultSystemPrompt = "You are a helpful assistant."

const DefaultTitle = "New conversation"

var (
	ErrIndexOutOfRange  = errors.New("message index out of range")
	ErrNotStreaming     = errors.New("message is not streaming")
	ErrAlreadyStreaming = errors.New("conversation already has a streaming message")
	ErrMissingPreamble  = errors.New("conversation has no system preamble at position zero")
)

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	// NeedsTitle is cleared once the conversation has a title, generated or
	// chosen by the user.
	NeedsTitle bool `json:"needsTitle,omitempty"`
}

type Option func(*Conversation)

func WithID(id string) Option {
	return func(c *Conversation) {
		c.ID = id
	}
}

func WithTitle(title string) Option {
	return func(c *Conversation) {
		c.Title = title
	}
}

func WithCreatedAt(t time.Time) Option {
	return func(c *Conversation) {
		c.CreatedAt = t
	}
}

func WithMessages(messages ...Message) Option {
	return func(c *Conversation) {
		c.Messages = append(c.Messages, messages...)
	}
}

// New creates a conversation seeded with the system preamble.
func New(systemPrompt string, options ...Option) Conversation {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	ret := Conversation{
		ID:         uuid.NewString(),
		Title:      DefaultTitle,
		Messages:   []Message{NewChatMessage(RoleSystem, systemPrompt)},
		CreatedAt:  time.Now(),
		NeedsTitle: true,
	}
	for _, option := range options {
		option(&ret)
	}
	return ret
}

// Clone returns a deep copy that shares no backing arrays with c.
func (c Conversation) Clone() Conversation {
	return clone.Clone(c).(Conversation)
}

func (c Conversation) LastIndex() int {
	return len(c.Messages) - 1
}

// StreamingIndex returns the index of the streaming message, or -1.
func (c Conversation) StreamingIndex() int {
	last := c.LastIndex()
	if last >= 0 && c.Messages[last].IsStreaming {
		return last
	}
	return -1
}

func (c Conversation) IsStreaming() bool {
	return c.StreamingIndex() >= 0
}

// Append returns a copy of c with msgs added at the end.
func (c Conversation) Append(msgs ...Message) (Conversation, error) {
	if c.IsStreaming() {
		return c, ErrAlreadyStreaming
	}
	streaming := 0
	for i, m := range msgs {
		if m.IsStreaming {
			streaming++
			if i != len(msgs)-1 || streaming > 1 {
				return c, errors.New("only the last appended message may be streaming")
			}
		}
	}
	ret := c.Clone()
	ret.Messages = append(ret.Messages, msgs...)
	return ret, nil
}

// AppendContent appends text to the streaming message at idx.
func (c Conversation) AppendContent(idx int, text string) (Conversation, error) {
	if idx < 0 || idx >= len(c.Messages) {
		return c, errors.Wrapf(ErrIndexOutOfRange, "index %d", idx)
	}
	if !c.Messages[idx].IsStreaming {
		return c, errors.Wrapf(ErrNotStreaming, "index %d", idx)
	}
	if text == "" {
		return c, nil
	}
	ret := c.Clone()
	ret.Messages[idx].Content += text
	return ret, nil
}

// FinishStreaming clears the streaming flag of the message at idx after appending marker.
func (c Conversation) FinishStreaming(idx int, marker string) (Conversation, error) {
	if idx < 0 || idx >= len(c.Messages) {
		return c, errors.Wrapf(ErrIndexOutOfRange, "index %d", idx)
	}
	if !c.Messages[idx].IsStreaming {
		return c, errors.Wrapf(ErrNotStreaming, "index %d", idx)
	}
	ret := c.Clone()
	ret.Messages[idx].Content += marker
	ret.Messages[idx].IsStreaming = false
	return ret, nil
}

// Renamed returns a copy titled title. A renamed conversation no longer needs
// a generated title.
func (c Conversation) Renamed(title string) Conversation {
	ret := c.Clone()
	ret.Title = title
	ret.NeedsTitle = false
	return ret
}

// Turns maps the conversation to wire turns, leaving out a streaming placeholder.
func (c Conversation) Turns() []Turn {
	ret := make([]Turn, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.IsStreaming {
			continue
		}
		ret = append(ret, m.Turn())
	}
	return ret
}

// VisibleMessages returns the messages a user gets to see (no system preamble).
func (c Conversation) VisibleMessages() []Message {
	ret := []Message{}
	for _, m := range c.Messages {
		if m.Role == RoleSystem {
			continue
		}
		ret = append(ret, m)
	}
	return ret
}

// LastExchange returns the content of the latest user message and the assistant
// message that follows it.
func (c Conversation) LastExchange() (user string, assistant string, ok bool) {
	for i := len(c.Messages) - 1; i > 0; i-- {
		if c.Messages[i].Role != RoleAssistant || c.Messages[i-1].Role != RoleUser {
			continue
		}
		return c.Messages[i-1].Content, c.Messages[i].Content, true
	}
	return "", "", false
}

// Validate checks the structural invariants of a conversation.
func (c Conversation) Validate() error {
	if c.ID == "" {
		return errors.New("conversation has empty id")
	}
	if len(c.Messages) == 0 || c.Messages[0].Role != RoleSystem {
		return ErrMissingPreamble
	}
	for i, m := range c.Messages {
		if !m.Role.IsValid() {
			return errors.Errorf("message %d has invalid role %q", i, m.Role)
		}
		if m.IsStreaming && i != len(c.Messages)-1 {
			return errors.Errorf("message %d is streaming but is not the last message", i)
		}
	}
	return nil
}
