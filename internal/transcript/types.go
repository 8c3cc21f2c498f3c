package transcript

import (
	"strings"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleUnknown   Role = "unknown"
)

// ParseRole maps a raw role string onto the known roles.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "human":
		return RoleUser
	case "assistant":
		return RoleAssistant
	case "system":
		return RoleSystem
	default:
		return RoleUnknown
	}
}

// Origin describes where a message was captured from.
type Origin struct {
	Path       string
	Adapter    string
	CapturedAt time.Time
}

// Message is a single turn in a conversation, shared across parse strategies.
type Message struct {
	Role      Role
	Text      string
	SessionID string
	Index     int       // position within the session
	Timestamp time.Time // source timestamp, zero when the record had none
	Origin    Origin
}

// Conversation is a session-scoped, ordered set of messages delivered as one unit.
type Conversation struct {
	SessionID  string
	Title      string
	Project    string
	Adapter    string
	SourcePath string
	CapturedAt time.Time
	Messages   []Message

	// TotalMessages is the message count before truncation.
	TotalMessages int
	Truncated     bool
}

// Result is the output of parsing one raw unit.
type Result struct {
	Conversations []Conversation
	Records       int // records that produced a message
	Dropped       int // non-conversational or empty records
	ParseErrors   int
}
