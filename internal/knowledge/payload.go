package knowledge

import (
	"time"

	"github.com/48Nauts-Operator/lineary-ingest/internal/transcript"
)

// KnowledgeType is the fixed type of every item written by this pipeline.
const KnowledgeType = "conversation"

// Payload is the knowledge store write request body.
type Payload struct {
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	KnowledgeType string   `json:"knowledge_type"`
	Tags          []string `json:"tags"`
	Metadata      Metadata `json:"metadata"`
}

// Metadata carries provenance for a delivered conversation.
type Metadata struct {
	SourceFile    string    `json:"source_file"`
	SessionID     string    `json:"session_id"`
	CapturedAt    time.Time `json:"captured_at"`
	MessageCount  int       `json:"message_count"`
	TotalMessages int       `json:"total_messages"`
	Truncated     bool      `json:"truncated"`
	Project       string    `json:"project,omitempty"`
	Adapter       string    `json:"adapter"`
	ContentHash   string    `json:"content_hash"`
}

// BuildPayload shapes a conversation for the write endpoint.
func BuildPayload(conv transcript.Conversation, hash string) Payload {
	tags := []string{KnowledgeType, "claude-code"}
	if conv.Adapter != "" {
		tags = append(tags, "source:"+conv.Adapter)
	}
	if conv.Project != "" {
		tags = append(tags, "project:"+conv.Project)
	}

	return Payload{
		Title:         conv.Title,
		Content:       transcript.Render(conv),
		KnowledgeType: KnowledgeType,
		Tags:          tags,
		Metadata: Metadata{
			SourceFile:    conv.SourcePath,
			SessionID:     conv.SessionID,
			CapturedAt:    conv.CapturedAt.UTC(),
			MessageCount:  len(conv.Messages),
			TotalMessages: conv.TotalMessages,
			Truncated:     conv.Truncated,
			Project:       conv.Project,
			Adapter:       conv.Adapter,
			ContentHash:   hash,
		},
	}
}
