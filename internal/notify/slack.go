package notify

import (
	"context"
	"errors"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackSender delivers notifications to a Slack channel. The returned
// message identifier is the Slack message timestamp, which is what a
// reply event references.
type SlackSender struct {
	client slackClient
}

// SlackSenderOpts holds parameters for creating a SlackSender.
type SlackSenderOpts struct {
	BotToken string // xoxb-... Slack bot token
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// NewSlackSender creates a SlackSender.
func NewSlackSender(opts SlackSenderOpts) (*SlackSender, error) {
	if opts.Client != nil {
		return &SlackSender{client: opts.Client}, nil
	}
	if opts.BotToken == "" {
		return nil, fmt.Errorf("notify: slack bot token is required")
	}
	return &SlackSender{client: slackapi.New(opts.BotToken)}, nil
}

// Send posts the notification text. Slack rate limits surface as
// *RateLimitedError so the delivery queue can honor the cooldown.
func (s *SlackSender) Send(ctx context.Context, n Notification) (string, error) {
	_, ts, err := s.client.PostMessageContext(ctx, n.ChannelID,
		slackapi.MsgOptionText(n.Text, false),
		slackapi.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		var rle *slackapi.RateLimitedError
		if errors.As(err, &rle) {
			return "", &RateLimitedError{RetryAfter: rle.RetryAfter}
		}
		return "", fmt.Errorf("notify: slack post: %w", err)
	}
	return ts, nil
}
