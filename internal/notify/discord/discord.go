// Package discord posts notify messages to a Discord channel.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/zulandar/teamyard/internal/notify"
)

const (
	maxRetries  = 3
	baseBackoff = 2 * time.Second
	maxBackoff  = 30 * time.Second
)

// session abstracts the discordgo calls we make, enabling test mocks.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Close() error
}

// Notifier posts to one Discord channel over the REST API.
type Notifier struct {
	sess        session
	channelID   string
	baseBackoff time.Duration
	log         *zap.Logger
}

// New returns a notifier for a bot token.
func New(token, channelID string, logger *zap.Logger) (*Notifier, error) {
	if token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return newNotifier(s, channelID, logger), nil
}

func newNotifier(s session, channelID string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{sess: s, channelID: channelID, baseBackoff: baseBackoff, log: logger.With(zap.String("component", "notify.discord"))}
}

// Name identifies the notifier in logs.
func (n *Notifier) Name() string { return "discord" }

// Send posts msg as content plus one embed per event.
func (n *Notifier) Send(ctx context.Context, msg notify.Message) error {
	data := buildMessageSend(msg)
	err := n.retryOnRateLimit(ctx, func() error {
		_, sendErr := n.sess.ChannelMessageSendComplex(n.channelID, data)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Close releases the session.
func (n *Notifier) Close() error { return n.sess.Close() }

func buildMessageSend(msg notify.Message) *discordgo.MessageSend {
	data := &discordgo.MessageSend{Content: msg.Text}
	for _, evt := range msg.Events {
		data.Embeds = append(data.Embeds, eventToEmbed(evt))
	}
	return data
}

func eventToEmbed(evt notify.FormattedEvent) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       evt.Title,
		Description: evt.Body,
	}
	if evt.Color != "" {
		embed.Color = parseHexColor(evt.Color)
	}
	for _, f := range evt.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return embed
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// retryOnRateLimit calls fn and retries with exponential backoff while
// Discord answers 429.
func (n *Notifier) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil ||
			restErr.Response.StatusCode != http.StatusTooManyRequests || attempt == maxRetries {
			return err
		}
		wait := min(time.Duration(math.Pow(2, float64(attempt)))*n.baseBackoff, maxBackoff)
		n.log.Debug("rate limited", zap.Int("attempt", attempt+1), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
