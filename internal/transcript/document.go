package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// exportConversation is one conversation inside a JSON export document.
type exportConversation struct {
	SessionID     string            `json:"sessionId"`
	SessionKey    string            `json:"session_id"`
	ID            string            `json:"id"`
	Messages      []json.RawMessage `json:"messages"`
	Conversations []json.RawMessage `json:"conversations"`
}

func (c *exportConversation) session() string {
	switch {
	case c.SessionID != "":
		return c.SessionID
	case c.SessionKey != "":
		return c.SessionKey
	default:
		return c.ID
	}
}

// parseDocument handles a unit that is one JSON document: an object with
// "messages", an object with "conversations", or an array of either
// conversations or bare message records.
func parseDocument(r io.Reader, seg *segmenter) error {
	var doc json.RawMessage
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil
		}
		return &ParseError{Path: seg.opts.Path, Err: fmt.Errorf("decode document: %w", err)}
	}
	doc = bytes.TrimSpace(doc)

	var items []json.RawMessage
	if len(doc) > 0 && doc[0] == '[' {
		if err := json.Unmarshal(doc, &items); err != nil {
			return &ParseError{Path: seg.opts.Path, Err: fmt.Errorf("decode array: %w", err)}
		}
	} else {
		var top exportConversation
		if err := json.Unmarshal(doc, &top); err != nil {
			return &ParseError{Path: seg.opts.Path, Err: fmt.Errorf("decode object: %w", err)}
		}
		if len(top.Conversations) > 0 {
			items = top.Conversations
		} else {
			items = []json.RawMessage{doc}
		}
	}

	for i, item := range items {
		seg.addDocumentItem(i+1, item)
	}

	if seg.parseErrors > 0 && seg.records == 0 && seg.dropped == 0 {
		return &ParseError{Path: seg.opts.Path, Err: ErrUnparsable}
	}
	return nil
}

// addDocumentItem adds either a whole conversation or a single record.
func (s *segmenter) addDocumentItem(pos int, item json.RawMessage) {
	var conv exportConversation
	if err := json.Unmarshal(item, &conv); err != nil {
		s.parseErrors++
		return
	}
	if len(conv.Messages) == 0 {
		// Not a conversation: treat the item as one record.
		s.addLine(pos, item)
		return
	}

	sessionID := conv.session()
	if sessionID == "" {
		sessionID = fallbackSessionID(pos, item)
	}
	for _, raw := range conv.Messages {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.parseErrors++
			continue
		}
		s.add(sessionID, &rec)
	}
}
