package conversation

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleAssistant, RoleUser:
		return true
	default:
		return false
	}
}

// Message is a single entry of a conversation.
//
// Content only grows while IsStreaming is set. Once the flag is cleared the
// message is frozen; all mutations go through Conversation and return a new value.
type Message struct {
	Role        Role   `json:"role"`
	Content     string `json:"content"`
	IsStreaming bool   `json:"isStreaming,omitempty"`
}

func NewChatMessage(role Role, text string) Message {
	return Message{
		Role:    role,
		Content: text,
	}
}

func (m Message) String() string {
	return m.Content
}

func (m Message) View() string {
	suffix := ""
	if m.IsStreaming {
		suffix = " ▋"
	}
	return fmt.Sprintf("[%s]: %s%s", m.Role, strings.TrimRight(m.Content, "\n"), suffix)
}

// Turn is the wire shape of a message sent to the remote service.
// Internal flags never leave the process.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func (m Message) Turn() Turn {
	return Turn{Role: m.Role, Content: m.Content}
}
