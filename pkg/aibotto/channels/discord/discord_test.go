package discord

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/aibotto/pkg/aibotto/channels"
)

type fakeMessenger struct {
	sent    []*discordgo.MessageSend
	edits   []string
	deletes []string
	typing  int
	sendErr error
}

func (f *fakeMessenger) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, data)
	return &discordgo.Message{ID: "m" + string(rune('0'+len(f.sent))), ChannelID: channelID}, nil
}

func (f *fakeMessenger) ChannelMessageEdit(channelID, messageID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.edits = append(f.edits, messageID+"="+content)
	return &discordgo.Message{ID: messageID}, nil
}

func (f *fakeMessenger) ChannelMessageDelete(channelID, messageID string, _ ...discordgo.RequestOption) error {
	f.deletes = append(f.deletes, messageID)
	return nil
}

func (f *fakeMessenger) ChannelTyping(channelID string, _ ...discordgo.RequestOption) error {
	f.typing++
	return nil
}

func newTestDiscord(cfg Config) (*Discord, *fakeMessenger) {
	d := New(cfg, nil)
	api := &fakeMessenger{}
	d.api = api
	return d, api
}

func TestToIncoming_Filters(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msg := func(guild, channel, author string, bot bool, content string) *discordgo.Message {
		return &discordgo.Message{
			ID: "1", GuildID: guild, ChannelID: channel, Content: content, Timestamp: ts,
			Author: &discordgo.User{ID: author, Username: "ada", Bot: bot},
		}
	}

	tests := []struct {
		name string
		cfg  Config
		msg  *discordgo.Message
		want bool
	}{
		{"dm", DefaultConfig(), msg("", "10", "7", false, "hi"), true},
		{"guild", DefaultConfig(), msg("g1", "10", "7", false, "hi"), true},
		{"own message", DefaultConfig(), msg("", "10", "bot", false, "hi"), false},
		{"other bot", DefaultConfig(), msg("", "10", "8", true, "hi"), false},
		{"empty", DefaultConfig(), msg("", "10", "7", false, ""), false},
		{"dms disabled", Config{}, msg("", "10", "7", false, "hi"), false},
		{"guild not allowed", Config{AllowedGuilds: []string{"g2"}}, msg("g1", "10", "7", false, "hi"), false},
		{"guild allowed", Config{AllowedGuilds: []string{"g1"}}, msg("g1", "10", "7", false, "hi"), true},
		{"channel not allowed", Config{RespondToDMs: true, AllowedChannels: []string{"11"}}, msg("", "10", "7", false, "hi"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := New(tt.cfg, nil)
			got := d.toIncoming("bot", tt.msg)
			if (got != nil) != tt.want {
				t.Fatalf("toIncoming = %+v, want accepted=%v", got, tt.want)
			}
			if got == nil {
				return
			}
			if got.Channel != "discord" || got.From != "7" || got.ChatID != "10" || got.Content != "hi" || !got.Timestamp.Equal(ts) {
				t.Errorf("incoming = %+v", got)
			}
			if got.IsGroup != (tt.msg.GuildID != "") {
				t.Errorf("IsGroup = %v", got.IsGroup)
			}
		})
	}
}

func TestSend_SplitsLongMessages(t *testing.T) {
	t.Parallel()
	d, api := newTestDiscord(DefaultConfig())
	long := strings.Repeat("word ", 700) // 3500 chars

	if err := d.Send(context.Background(), "10", &channels.OutgoingMessage{Content: long, ReplyTo: "99"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(api.sent) != 2 {
		t.Fatalf("sent = %d messages, want 2", len(api.sent))
	}
	for i, m := range api.sent {
		if len(m.Content) > maxMessageLength {
			t.Errorf("chunk %d has %d chars", i, len(m.Content))
		}
	}
	if api.sent[0].Reference == nil || api.sent[0].Reference.MessageID != "99" || api.sent[1].Reference != nil {
		t.Errorf("references = %+v, %+v", api.sent[0].Reference, api.sent[1].Reference)
	}
}

func TestSendTracked_EditDelete(t *testing.T) {
	t.Parallel()
	d, api := newTestDiscord(DefaultConfig())
	ctx := context.Background()

	id, err := d.SendTracked(ctx, "10", &channels.OutgoingMessage{Content: "🤔 Thinking..."})
	if err != nil || id != "m1" {
		t.Fatalf("SendTracked = %q, %v", id, err)
	}
	if err := d.EditMessage(ctx, "10", id, "done"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if err := d.DeleteMessage(ctx, "10", id); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if len(api.edits) != 1 || api.edits[0] != "m1=done" || len(api.deletes) != 1 {
		t.Errorf("edits = %v, deletes = %v", api.edits, api.deletes)
	}
}

func TestSend_Errors(t *testing.T) {
	t.Parallel()
	off := New(DefaultConfig(), nil)
	if err := off.Send(context.Background(), "10", &channels.OutgoingMessage{Content: "x"}); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("disconnected err = %v", err)
	}

	d, api := newTestDiscord(DefaultConfig())
	api.sendErr = errors.New("403 Forbidden")
	err := d.Send(context.Background(), "10", &channels.OutgoingMessage{Content: "x"})
	if !errors.Is(err, channels.ErrSendFailed) {
		t.Errorf("err = %v", err)
	}
	if d.Health().ErrorCount != 1 {
		t.Errorf("error count = %d", d.Health().ErrorCount)
	}
}

func TestSendTyping(t *testing.T) {
	t.Parallel()
	d, api := newTestDiscord(DefaultConfig())
	d.SendTyping(context.Background(), "10")
	quiet, quietAPI := newTestDiscord(Config{})
	quiet.SendTyping(context.Background(), "10")
	if api.typing != 1 || quietAPI.typing != 0 {
		t.Errorf("typing = %d, %d", api.typing, quietAPI.typing)
	}
}
