package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// canonicalConversation fixes the field order of the hashed representation.
// Origin metadata is left out so identical content hashes identically no
// matter which file or adapter it came from.
type canonicalConversation struct {
	SessionID     string             `json:"session_id"`
	TotalMessages int                `json:"total_messages"`
	Messages      []canonicalMessage `json:"messages"`
}

type canonicalMessage struct {
	Index int    `json:"index"`
	Role  Role   `json:"role"`
	Text  string `json:"text"`
}

// Canonical returns the stable byte representation used for fingerprinting.
func Canonical(c Conversation) []byte {
	cc := canonicalConversation{
		SessionID:     c.SessionID,
		TotalMessages: c.TotalMessages,
		Messages:      make([]canonicalMessage, len(c.Messages)),
	}
	for i, m := range c.Messages {
		cc.Messages[i] = canonicalMessage{Index: m.Index, Role: m.Role, Text: m.Text}
	}
	// Strings, ints and slices of them always marshal.
	data, _ := json.Marshal(cc)
	return data
}

// Fingerprint is the hex sha256 of the canonical conversation.
func Fingerprint(c Conversation) string {
	sum := sha256.Sum256(Canonical(c))
	return hex.EncodeToString(sum[:])
}
