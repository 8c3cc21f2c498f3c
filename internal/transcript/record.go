package transcript

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// nonConversational lists record types that carry no conversation turn.
var nonConversational = map[string]bool{
	"summary":               true,
	"progress":              true,
	"file-history-snapshot": true,
}

// record is one decoded source record. It accepts both the flat export shape
// ({"sessionId","role","text"}) and the assistant's native log shape
// ({"type","sessionId","timestamp","message":{"role","content"}}).
type record struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId"`
	SessionKey string          `json:"session_id"`
	Role       string          `json:"role"`
	Text       string          `json:"text"`
	Content    json.RawMessage `json:"content"`
	Timestamp  string          `json:"timestamp"`
	Message    json.RawMessage `json:"message"`
}

type recordMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (r *record) session() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return r.SessionKey
}

// message decodes the nested message, which is an object in native logs and
// occasionally a bare string in exports.
func (r *record) message() (recordMessage, string) {
	if len(r.Message) == 0 {
		return recordMessage{}, ""
	}
	var m recordMessage
	if err := json.Unmarshal(r.Message, &m); err == nil {
		return m, ""
	}
	var s string
	if err := json.Unmarshal(r.Message, &s); err == nil {
		return recordMessage{}, s
	}
	return recordMessage{}, ""
}

func (r *record) role() Role {
	m, _ := r.message()
	switch {
	case m.Role != "":
		return ParseRole(m.Role)
	case r.Role != "":
		return ParseRole(r.Role)
	default:
		return ParseRole(r.Type)
	}
}

func (r *record) text() string {
	if r.Text != "" {
		return r.Text
	}
	m, plain := r.message()
	if plain != "" {
		return plain
	}
	if len(m.Content) > 0 {
		return extractText(m.Content)
	}
	return extractText(r.Content)
}

func (r *record) timestamp() time.Time {
	ts, _ := time.Parse(time.RFC3339Nano, r.Timestamp)
	return ts
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// extractText returns plain text for string content, the joined text blocks
// for block arrays, and compact JSON for structured content without text.
func extractText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
