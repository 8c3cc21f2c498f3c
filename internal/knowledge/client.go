// Package knowledge delivers conversations to the knowledge store write API.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/48Nauts-Operator/lineary-ingest/internal/fingerprint"
	"github.com/48Nauts-Operator/lineary-ingest/internal/transcript"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 5
	maxErrorBody       = 200
)

// Outcome is the terminal state of one delivery.
type Outcome int

const (
	Delivered Outcome = iota + 1
	Duplicate
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Duplicate:
		return "duplicate"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes how a conversation left the client.
type Result struct {
	Outcome  Outcome
	Hash     string
	ID       string
	Status   int
	Attempts int
	Err      error
}

// DeliveryError is a rejected or failed write. Transient errors were retried.
type DeliveryError struct {
	Status    int
	Transient bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("knowledge store status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("knowledge store: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Config addresses the write endpoint and bounds the retry budget.
type Config struct {
	URL         string
	Token       string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     Backoff
	Sleeper     Sleeper
}

// Client is the only writer into the knowledge store.
type Client struct {
	cfg     Config
	index   fingerprint.Index
	client  *http.Client
	sleeper Sleeper
	logger  *slog.Logger
}

func NewClient(cfg Config, index fingerprint.Index, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = defaultBackoffBase
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = defaultBackoffMax
	}
	sleeper := cfg.Sleeper
	if sleeper == nil {
		sleeper = ContextSleeper
	}
	if index == nil {
		index = fingerprint.NewMemory()
	}
	return &Client{
		cfg:     cfg,
		index:   index,
		client:  &http.Client{},
		sleeper: sleeper,
		logger:  logger,
	}
}

// Index returns the fingerprint index the client consults and records into.
func (c *Client) Index() fingerprint.Index { return c.index }

// Seen reports whether the conversation's content was already accepted.
// Index errors read as "not seen".
func (c *Client) Seen(ctx context.Context, conv transcript.Conversation) (string, bool) {
	hash := transcript.Fingerprint(conv)
	ok, err := c.index.Exists(ctx, hash)
	if err != nil {
		c.logger.Warn("fingerprint lookup failed", "hash", hash, "error", err)
		return hash, false
	}
	return hash, ok
}

// Deliver writes one conversation unless its content is already known.
func (c *Client) Deliver(ctx context.Context, conv transcript.Conversation) Result {
	hash, seen := c.Seen(ctx, conv)
	res := Result{Hash: hash}
	if seen {
		res.Outcome = Duplicate
		return res
	}

	body, err := json.Marshal(BuildPayload(conv, hash))
	if err != nil {
		res.Outcome = Failed
		res.Err = fmt.Errorf("marshal payload: %w", err)
		return res
	}

	return c.send(ctx, body, res)
}

type verdict int

const (
	verdictAccepted verdict = iota
	verdictExists
	verdictRetry
	verdictReject
)

type attempt struct {
	verdict    verdict
	status     int
	id         string
	retryAfter time.Duration
	err        error
}

type state int

const (
	stateAttempting state = iota
	stateBackoff
	stateDone
)

// send drives attempting -> backoff(n) -> attempting | done.
func (c *Client) send(ctx context.Context, body []byte, res Result) Result {
	var last attempt
	st := stateAttempting

	for st != stateDone {
		switch st {
		case stateAttempting:
			res.Attempts++
			last = c.post(ctx, body)
			res.Status = last.status

			switch last.verdict {
			case verdictAccepted:
				res.ID = last.id
				res.Outcome = Delivered
				c.record(ctx, res.Hash)
				st = stateDone
			case verdictExists:
				res.Outcome = Duplicate
				c.record(ctx, res.Hash)
				st = stateDone
			case verdictRetry:
				if res.Attempts >= c.cfg.MaxAttempts {
					res.Outcome = Failed
					res.Err = fmt.Errorf("gave up after %d attempts: %w", res.Attempts, last.err)
					st = stateDone
				} else {
					st = stateBackoff
				}
			default:
				res.Outcome = Failed
				res.Err = last.err
				st = stateDone
			}

		case stateBackoff:
			delay := c.cfg.Backoff.Delay(res.Attempts)
			if last.retryAfter > delay {
				delay = min(last.retryAfter, c.cfg.Backoff.Max)
			}
			c.logger.Warn("delivery retry scheduled",
				"hash", res.Hash,
				"attempt", res.Attempts,
				"status", last.status,
				"delay", delay,
				"error", last.err,
			)
			if err := c.sleeper.Sleep(ctx, delay); err != nil {
				res.Outcome = Failed
				res.Err = fmt.Errorf("backoff interrupted: %w", err)
				st = stateDone
			} else {
				st = stateAttempting
			}
		}
	}
	return res
}

// record runs detached from cancellation: once the store confirmed the
// write, the index must learn about it.
func (c *Client) record(ctx context.Context, hash string) {
	if err := c.index.Record(context.WithoutCancel(ctx), hash); err != nil {
		c.logger.Error("record fingerprint failed", "hash", hash, "error", err)
	}
}

func (c *Client) post(ctx context.Context, body []byte) attempt {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return attempt{verdict: verdictReject, err: &DeliveryError{Err: fmt.Errorf("create request: %w", err)}}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return attempt{verdict: verdictReject, err: &DeliveryError{Err: ctx.Err()}}
		}
		return attempt{verdict: verdictRetry, err: &DeliveryError{Transient: true, Err: fmt.Errorf("post: %w", err)}}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil && resp.StatusCode/100 != 2 {
		return attempt{verdict: verdictRetry, status: resp.StatusCode,
			err: &DeliveryError{Status: resp.StatusCode, Transient: true, Err: fmt.Errorf("read response: %w", err)}}
	}

	return classify(resp.StatusCode, resp.Header, respBody)
}

func classify(status int, header http.Header, body []byte) attempt {
	a := attempt{status: status}
	switch {
	case status >= 200 && status < 300:
		a.verdict = verdictAccepted
		a.id = parseID(body)
	case status == http.StatusConflict:
		a.verdict = verdictExists
	case status == http.StatusTooManyRequests:
		a.verdict = verdictRetry
		a.retryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
		a.err = &DeliveryError{Status: status, Transient: true, Err: errors.New("rate limited")}
	case status >= 500:
		a.verdict = verdictRetry
		a.err = &DeliveryError{Status: status, Transient: true, Err: errors.New(errorText(body))}
	default:
		a.verdict = verdictReject
		a.err = &DeliveryError{Status: status, Err: errors.New(errorText(body))}
	}
	return a
}

func parseID(body []byte) string {
	var resp struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(body, &resp) != nil || len(resp.ID) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(resp.ID, &s) == nil {
		return s
	}
	if string(resp.ID) == "null" {
		return ""
	}
	return string(resp.ID)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func errorText(body []byte) string {
	var resp struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &resp) == nil {
		if resp.Error != "" {
			return resp.Error
		}
		if resp.Detail != "" {
			return resp.Detail
		}
	}
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty response"
	}
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}
