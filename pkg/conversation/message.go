package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is immutable once appended to a History.
type ChatMessage struct {
	ID        string
	Role      Role
	Text      string
	Timestamp time.Time
}

const DefaultHistorySize = 50

// History keeps the most recent messages, evicting the oldest first.
type History struct {
	mu       sync.Mutex
	capacity int
	messages []ChatMessage
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{capacity: capacity}
}

// Append stamps and stores a new message and returns it.
func (h *History) Append(role Role, text string) ChatMessage {
	msg := ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	if over := len(h.messages) - h.capacity; over > 0 {
		kept := make([]ChatMessage, h.capacity)
		copy(kept, h.messages[over:])
		h.messages = kept
	}
	return msg
}

// Messages returns a copy, oldest first.
func (h *History) Messages() []ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ChatMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}
