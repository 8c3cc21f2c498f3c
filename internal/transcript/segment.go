package transcript

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// fallbackNamespace seeds deterministic session ids for records without one,
// so re-parsing identical bytes yields identical conversations.
var fallbackNamespace = uuid.MustParse("6f1c2a3e-8b4d-5e9f-a0b1-c2d3e4f5a6b7")

func fallbackSessionID(pos int, raw []byte) string {
	name := make([]byte, 0, len(raw)+12)
	name = fmt.Appendf(name, "%d:", pos)
	name = append(name, raw...)
	return "line-" + uuid.NewSHA1(fallbackNamespace, name).String()
}

// segmenter groups messages by session while preserving first-seen order.
type segmenter struct {
	opts     Options
	order    []string
	sessions map[string][]Message

	records     int
	dropped     int
	parseErrors int
}

func newSegmenter(opts Options) *segmenter {
	return &segmenter{
		opts:     opts,
		sessions: make(map[string][]Message),
	}
}

func (s *segmenter) add(sessionID string, rec *record) {
	if nonConversational[rec.Type] {
		s.dropped++
		return
	}
	text := rec.text()
	if strings.TrimSpace(text) == "" {
		s.dropped++
		return
	}

	msgs, ok := s.sessions[sessionID]
	if !ok {
		s.order = append(s.order, sessionID)
	}
	s.sessions[sessionID] = append(msgs, Message{
		Role:      rec.role(),
		Text:      text,
		SessionID: sessionID,
		Index:     len(msgs),
		Timestamp: rec.timestamp(),
		Origin:    s.opts.origin(),
	})
	s.records++
}

func (s *segmenter) result() *Result {
	res := &Result{
		Records:     s.records,
		Dropped:     s.dropped,
		ParseErrors: s.parseErrors,
	}
	for _, id := range s.order {
		res.Conversations = append(res.Conversations, buildConversation(id, s.sessions[id], s.opts))
	}
	return res
}

func buildConversation(sessionID string, msgs []Message, opts Options) Conversation {
	conv := Conversation{
		SessionID:     sessionID,
		Title:         deriveTitle(msgs, opts.Adapter, opts.Project, sessionID),
		Project:       opts.Project,
		Adapter:       opts.Adapter,
		SourcePath:    opts.Path,
		CapturedAt:    opts.CapturedAt,
		Messages:      msgs,
		TotalMessages: len(msgs),
	}
	if opts.MaxMessages > 0 && len(msgs) > opts.MaxMessages {
		conv.Messages = msgs[:opts.MaxMessages:opts.MaxMessages]
		conv.Truncated = true
	}
	return conv
}

// deriveTitle uses the first user message, or "<adapter> session - <project>".
func deriveTitle(msgs []Message, adapter, project, sessionID string) string {
	for _, m := range msgs {
		if m.Role != RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(m.Text), " ")
		if text == "" {
			continue
		}
		return truncateTitle(text, TitleLength)
	}

	if adapter == "" {
		adapter = "transcript"
	}
	label := project
	if label == "" {
		label = shortID(sessionID)
	}
	return fmt.Sprintf("%s session - %s", adapter, label)
}

func truncateTitle(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "..."
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "line-")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
