// Package slack posts notify messages to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/zulandar/teamyard/internal/notify"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// client abstracts the Slack API methods we use, enabling test mocks.
type client interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier posts to one Slack channel.
type Notifier struct {
	client    client
	channelID string
}

// New returns a notifier authenticated with a bot token.
func New(token, channelID string) (*Notifier, error) {
	if token == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	return &Notifier{client: slackapi.New(token), channelID: channelID}, nil
}

// Name identifies the notifier in logs.
func (n *Notifier) Name() string { return "slack" }

// Send posts msg, retrying when Slack rate limits the call.
func (n *Notifier) Send(ctx context.Context, msg notify.Message) error {
	options := buildMessageOptions(msg)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := n.client.PostMessage(n.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Close is a no-op; the web API client holds no connection.
func (n *Notifier) Close() error { return nil }

// buildMessageOptions translates a Message into Slack MsgOptions.
func buildMessageOptions(msg notify.Message) []slackapi.MsgOption {
	var options []slackapi.MsgOption
	if len(msg.Events) > 0 {
		var attachments []slackapi.Attachment
		for _, evt := range msg.Events {
			attachments = append(attachments, eventToAttachment(evt))
		}
		options = append(options, slackapi.MsgOptionAttachments(attachments...))
		// Text is the notification fallback.
		if msg.Text != "" {
			options = append(options, slackapi.MsgOptionText(msg.Text, false))
		}
		return options
	}
	return append(options, slackapi.MsgOptionText(msg.Text, false))
}

func eventToAttachment(evt notify.FormattedEvent) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    evt.Title,
		Text:     evt.Body,
		Color:    evt.Color,
		Fallback: evt.Title,
	}
	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return att
}

// retryOnRateLimit calls fn and retries on Slack rate limit errors, waiting
// the RetryAfter Slack asks for.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
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
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
