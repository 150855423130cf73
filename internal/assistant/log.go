package assistant

import "sync"

// Role of a conversation turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of the conversation
type Turn struct {
	ID   int64  `json:"id"`
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Log is an append-only conversation history. IDs increase monotonically.
type Log struct {
	mu     sync.Mutex
	nextID int64
	turns  []Turn
}

// Append records a turn and returns it with its assigned ID.
func (l *Log) Append(role Role, text string) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	t := Turn{ID: l.nextID, Role: role, Text: text}
	l.turns = append(l.turns, t)
	return t
}

// Turns returns a copy of the history
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Turn(nil), l.turns...)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}
