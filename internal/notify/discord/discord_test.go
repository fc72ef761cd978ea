package discord

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/teamyard/internal/notify"
)

type mockSession struct {
	sent    []*discordgo.MessageSend
	channel string
	errs    []error
	closed  bool
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.channel = channelID
	m.sent = append(m.sent, data)
	return &discordgo.Message{ID: "1", ChannelID: channelID}, nil
}

func (m *mockSession) Close() error {
	m.closed = true
	return nil
}

func rateLimited() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "123", nil); err == nil {
		t.Error("expected error for missing token")
	}
	if _, err := New("tok", "", nil); err == nil {
		t.Error("expected error for missing channel")
	}
}

func TestSend_EmbedsEvents(t *testing.T) {
	sess := &mockSession{}
	n := newNotifier(sess, "123", nil)

	err := n.Send(context.Background(), notify.Message{
		Text: "Session idle",
		Events: []notify.FormattedEvent{{
			Title:  "Session idle",
			Color:  notify.ColorWarning,
			Fields: []notify.Field{{Name: "Session", Value: "s1", Short: true}},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.channel != "123" {
		t.Errorf("channel = %q", sess.channel)
	}
	if len(sess.sent) != 1 || len(sess.sent[0].Embeds) != 1 {
		t.Fatalf("sent = %+v", sess.sent)
	}
	embed := sess.sent[0].Embeds[0]
	if embed.Color != 0xff9800 {
		t.Errorf("color = %x", embed.Color)
	}
	if !embed.Fields[0].Inline {
		t.Error("short field should be inline")
	}
}

func TestSend_RetriesRateLimit(t *testing.T) {
	sess := &mockSession{errs: []error{rateLimited(), rateLimited()}}
	n := newNotifier(sess, "123", nil)
	n.baseBackoff = time.Millisecond

	if err := n.Send(context.Background(), notify.Message{Text: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Errorf("expected delivery after retries, got %d", len(sess.sent))
	}
}

func TestSend_OtherErrorNotRetried(t *testing.T) {
	sess := &mockSession{errs: []error{fmt.Errorf("missing access"), nil}}
	n := newNotifier(sess, "123", nil)

	if err := n.Send(context.Background(), notify.Message{Text: "hi"}); err == nil {
		t.Fatal("expected error")
	}
	if len(sess.sent) != 0 {
		t.Error("should not retry non-rate-limit errors")
	}
}

func TestRetryOnRateLimit_Exhausts(t *testing.T) {
	n := newNotifier(&mockSession{}, "123", nil)
	n.baseBackoff = time.Millisecond
	calls := 0
	err := n.retryOnRateLimit(context.Background(), func() error {
		calls++
		return rateLimited()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != maxRetries+1 {
		t.Errorf("calls = %d, want %d", calls, maxRetries+1)
	}
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"#36a64f", 0x36a64f},
		{"E53935", 0xe53935},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

func TestClose(t *testing.T) {
	sess := &mockSession{}
	n := newNotifier(sess, "123", nil)
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
	if !sess.closed {
		t.Error("session not closed")
	}
}
