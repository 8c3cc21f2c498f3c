package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// parseLines streams a JSONL unit. Lines are assembled from ReadSlice chunks
// so memory per line is bounded by MaxLineBytes; the rest of an oversized
// line is discarded and the line counts as one parse error.
func parseLines(r io.Reader, seg *segmenter) error {
	br := bufio.NewReaderSize(r, 64*1024)
	limit := seg.opts.MaxLineBytes
	var line []byte
	lineNo := 0
	overflow := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !overflow {
			if len(line)+len(bytes.TrimRight(chunk, "\r\n")) > limit {
				overflow = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if overflow {
			lineNo++
			seg.parseErrors++
		} else if len(line) > 0 {
			lineNo++
			seg.addLine(lineNo, line)
		}
		line = line[:0]
		overflow = false

		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", seg.opts.Path, err)
		}
	}

	if seg.parseErrors > 0 && seg.records == 0 && seg.dropped == 0 {
		return &ParseError{Path: seg.opts.Path, Err: ErrUnparsable}
	}
	return nil
}

func (s *segmenter) addLine(lineNo int, raw []byte) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return
	}
	if len(line) > s.opts.MaxLineBytes {
		s.parseErrors++
		return
	}

	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		s.parseErrors++
		return
	}

	sessionID := rec.session()
	if sessionID == "" {
		sessionID = fallbackSessionID(lineNo, line)
	}
	s.add(sessionID, &rec)
}
