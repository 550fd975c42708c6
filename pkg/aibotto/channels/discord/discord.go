// Package discord implements the Discord channel for aibotto using discordgo.
//
// Features:
//   - Receive text messages from guild channels and DMs
//   - Send, edit and delete messages (thinking indicator)
//   - Typing indicators
//   - Guild and channel allowlists
//   - Automatic reconnection via discordgo's gateway
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/aibotto/pkg/aibotto/channels"
)

// maxMessageLength is Discord's per-message character limit.
const maxMessageLength = 2000

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild (server) IDs the bot responds in.
	// Empty means respond in all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	// Empty means respond in all channels.
	AllowedChannels []string `yaml:"allowed_channels"`

	// RespondToDMs enables responding in direct messages.
	RespondToDMs bool `yaml:"respond_to_dms"`

	// SendTyping sends "typing..." indicators while processing.
	SendTyping bool `yaml:"send_typing"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RespondToDMs: true,
		SendTyping:   true,
	}
}

// messenger is the subset of *discordgo.Session used to talk to Discord.
type messenger interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// Discord implements channels.Channel, channels.PresenceChannel and
// channels.EditableChannel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session
	api     messenger

	// messages is the channel for incoming messages forwarded to the assistant.
	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// ---------- Channel Interface ----------

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.api = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			d.logger.Warn("discord: closing session", "error", err)
		}
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Send sends a text message to the specified channel. Content longer than
// Discord's limit is split into several messages.
func (d *Discord) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if d.api == nil {
		return channels.ErrChannelDisconnected
	}
	for i, chunk := range channels.SplitMessage(message.Content, maxMessageLength) {
		ref := ""
		if i == 0 {
			ref = message.ReplyTo
		}
		if _, err := d.send(to, chunk, ref); err != nil {
			return err
		}
	}
	return nil
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// ---------- EditableChannel Interface ----------

// SendTracked sends a single message and returns its ID. Content is cut to
// Discord's limit.
func (d *Discord) SendTracked(ctx context.Context, to string, message *channels.OutgoingMessage) (string, error) {
	if d.api == nil {
		return "", channels.ErrChannelDisconnected
	}
	chunks := channels.SplitMessage(message.Content, maxMessageLength)
	content := ""
	if len(chunks) > 0 {
		content = chunks[0]
	}
	return d.send(to, content, message.ReplyTo)
}

// EditMessage replaces the content of a message sent by the bot.
func (d *Discord) EditMessage(ctx context.Context, chatID, messageID, content string) error {
	if d.api == nil {
		return channels.ErrChannelDisconnected
	}
	if chunks := channels.SplitMessage(content, maxMessageLength); len(chunks) > 0 {
		content = chunks[0]
	}
	if _, err := d.api.ChannelMessageEdit(chatID, messageID, content); err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("discord: edit message: %w", err)
	}
	return nil
}

// DeleteMessage removes a message sent by the bot.
func (d *Discord) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	if d.api == nil {
		return channels.ErrChannelDisconnected
	}
	if err := d.api.ChannelMessageDelete(chatID, messageID); err != nil {
		return fmt.Errorf("discord: delete message: %w", err)
	}
	return nil
}

// ---------- PresenceChannel Interface ----------

// SendTyping sends a typing indicator to the channel.
func (d *Discord) SendTyping(ctx context.Context, to string) error {
	if d.api == nil || !d.cfg.SendTyping {
		return nil
	}
	return d.api.ChannelTyping(to)
}

// ---------- Event Handlers ----------

func (d *Discord) send(to, content, replyTo string) (string, error) {
	msgSend := &discordgo.MessageSend{Content: content}
	if replyTo != "" {
		msgSend.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: to}
	}
	sent, err := d.api.ChannelMessageSendComplex(to, msgSend)
	if err != nil {
		d.errorCount.Add(1)
		return "", fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
	}
	return sent.ID, nil
}

// onMessageCreate handles incoming Discord messages.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	incoming := d.toIncoming(botID, m.Message)
	if incoming == nil {
		return
	}

	d.lastMsg.Store(time.Now())
	d.errorCount.Store(0)

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// toIncoming applies the allowlists and converts m. It returns nil for
// messages the bot should ignore.
func (d *Discord) toIncoming(botID string, m *discordgo.Message) *channels.IncomingMessage {
	if m == nil || m.Author == nil || m.Content == "" {
		return nil
	}
	if m.Author.ID == botID || m.Author.Bot {
		return nil
	}

	isGroup := m.GuildID != ""
	if !isGroup && !d.cfg.RespondToDMs {
		return nil
	}
	if isGroup && len(d.cfg.AllowedGuilds) > 0 && !slices.Contains(d.cfg.AllowedGuilds, m.GuildID) {
		return nil
	}
	if len(d.cfg.AllowedChannels) > 0 && !slices.Contains(d.cfg.AllowedChannels, m.ChannelID) {
		return nil
	}

	incoming := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		IsGroup:   isGroup,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.ReferencedMessage != nil {
		incoming.ReplyTo = m.ReferencedMessage.ID
	}
	return incoming
}

// Compile-time interface verification.
var (
	_ channels.Channel         = (*Discord)(nil)
	_ channels.PresenceChannel = (*Discord)(nil)
	_ channels.EditableChannel = (*Discord)(nil)
	_ messenger                = (*discordgo.Session)(nil)
)
