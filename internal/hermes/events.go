package hermes

import (
	"context"
	"log/slog"
	"time"

	"github.com/48Nauts-Operator/lineary-ingest/internal/knowledge"
	"github.com/48Nauts-Operator/lineary-ingest/internal/source"
	"github.com/48Nauts-Operator/lineary-ingest/internal/transcript"
)

const (
	// SubjectConversationPrefix is followed by the outcome: delivered, duplicate or failed.
	SubjectConversationPrefix = "ingest.conversation."
	SubjectRunCompleted       = "ingest.run.completed"
	SubjectWatcherStarted     = "ingest.watcher.started"
)

// Publisher is satisfied by *Client.
type Publisher interface {
	Publish(subject string, data any) error
}

// ConversationEvent is emitted for every terminal delivery outcome.
type ConversationEvent struct {
	SessionID   string    `json:"session_id"`
	Title       string    `json:"title"`
	Project     string    `json:"project,omitempty"`
	Adapter     string    `json:"adapter"`
	SourceFile  string    `json:"source_file"`
	ContentHash string    `json:"content_hash"`
	Outcome     string    `json:"outcome"`
	KnowledgeID string    `json:"knowledge_id,omitempty"`
	Attempts    int       `json:"attempts"`
	Status      int       `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	Messages    int       `json:"messages"`
	Timestamp   time.Time `json:"timestamp"`
}

// ConversationSubject returns the subject for an outcome.
func ConversationSubject(o knowledge.Outcome) string {
	return SubjectConversationPrefix + o.String()
}

// NewConversationEvent describes one delivery outcome.
func NewConversationEvent(conv transcript.Conversation, res knowledge.Result) ConversationEvent {
	ev := ConversationEvent{
		SessionID:   conv.SessionID,
		Title:       conv.Title,
		Project:     conv.Project,
		Adapter:     conv.Adapter,
		SourceFile:  conv.SourcePath,
		ContentHash: res.Hash,
		Outcome:     res.Outcome.String(),
		KnowledgeID: res.ID,
		Attempts:    res.Attempts,
		Status:      res.Status,
		Messages:    len(conv.Messages),
		Timestamp:   time.Now().UTC(),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	return ev
}

// ConversationObserver publishes each outcome. Publish failures are logged
// and never affect delivery.
func ConversationObserver(p Publisher, logger *slog.Logger) source.Observer {
	return func(_ context.Context, conv transcript.Conversation, res knowledge.Result) {
		subject := ConversationSubject(res.Outcome)
		if err := p.Publish(subject, NewConversationEvent(conv, res)); err != nil {
			logger.Warn("failed to publish conversation event",
				"subject", subject,
				"session_id", conv.SessionID,
				"error", err,
			)
		}
	}
}
