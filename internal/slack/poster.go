// Package slack posts run summaries to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	slackapi "github.com/slack-go/slack"
)

const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// PosterOpts holds parameters for creating a Poster.
type PosterOpts struct {
	Token   string // xoxb-... bot token
	Channel string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

type Poster struct {
	client  slackClient
	channel string
	logger  *slog.Logger
	wait    func(attempt int) time.Duration
}

func NewPoster(opts PosterOpts, logger *slog.Logger) (*Poster, error) {
	if opts.Channel == "" {
		return nil, errors.New("slack: channel is required")
	}
	client := opts.Client
	if client == nil {
		if opts.Token == "" {
			return nil, errors.New("slack: bot token is required")
		}
		client = slackapi.New(opts.Token)
	}
	return &Poster{
		client:  client,
		channel: opts.Channel,
		logger:  logger,
		wait:    func(attempt int) time.Duration { return time.Duration(1<<attempt) * time.Second },
	}, nil
}

// PostSummary posts a standalone mrkdwn message to the channel.
func (p *Poster) PostSummary(ctx context.Context, text string) error {
	options := []slackapi.MsgOption{
		slackapi.MsgOptionText(text, false),
		slackapi.MsgOptionBlocks(
			slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false), nil, nil),
		),
	}

	var ts string
	err := p.retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = p.client.PostMessage(p.channel, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post summary: %w", err)
	}

	p.logger.Info("posted summary to slack", "channel", p.channel, "ts", ts)
	return nil
}

func (p *Poster) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = p.wait(attempt)
		}
		p.logger.Warn("slack rate limited, retrying", "wait", wait, "attempt", attempt+1)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
