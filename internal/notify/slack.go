package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
)

const slackMaxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts alerts to a Slack channel over the Web API.
type Slack struct {
	client  slackClient
	channel string
}

// NewSlack builds a Slack sink from a bot token and channel id.
func NewSlack(botToken, channel string) (*Slack, error) {
	if botToken == "" {
		return nil, fmt.Errorf("notify: slack bot token is required")
	}
	if channel == "" {
		return nil, fmt.Errorf("notify: slack channel is required")
	}
	return &Slack{
		client:  slackapi.New(botToken),
		channel: channel,
	}, nil
}

func (s *Slack) Name() string { return "slack" }

// Send posts the alert, retrying on Slack rate limits with the server's
// suggested wait when present.
func (s *Slack) Send(ctx context.Context, a Alert) error {
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessage(s.channel,
			slackapi.MsgOptionText(formatAlert(a), false),
			slackapi.MsgOptionDisableLinkUnfurl(),
		)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("notify: slack post: %w", err)
	}
	return nil
}

func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= slackMaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == slackMaxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
