// Package copilot – assistant.go connects chat channels to the orchestrator.
// It answers bot commands, shows the thinking indicator while a request
// runs and delivers long answers as paced, labelled parts.
package copilot

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jholhewres/aibotto/pkg/aibotto/channels"
)

const welcomeText = "🤖 Hello! I'm an AI assistant that provides factual information.\n\n" +
	"I can help you with:\n" +
	"• Current date and time\n" +
	"• Weather information\n" +
	"• File system details\n" +
	"• System information\n" +
	"• Network information\n\n" +
	"Just ask me any question and I'll get you the factual answer!\n\n" +
	"Type /help for more information.\n" +
	"Type /clear to reset our conversation."

const helpText = `🤖 **AI Bot Help**

I provide factual information using safe system tools. Here's what I can help with:

**Date & Time:**
- "What day is today?"
- "What time is it now?"

**File Operations:**
- "List files in current directory"
- "Show current working directory"
- "Check disk usage"

**System Info:**
- "Show system information"
- "Check memory usage"
- "Show CPU information"

**Weather:**
- "What's the weather in London?"
- "Weather forecast for New York"

**Network:**
- "Show my IP address"
- "Check network connectivity"

**Commands:**
- ` + "`/start`" + ` - Start the bot and see welcome message
- ` + "`/help`" + ` - Show this help message
- ` + "`/clear`" + ` - Clear conversation history and start fresh

💡 **Tip:** Just ask me any factual question and I'll get you the accurate information!

⚠️ **Security Note:** I only execute safe, pre-approved commands for your security.`

const clearedText = "✅ Conversation history cleared! I've forgotten our previous conversation.\n\n" +
	"You can start fresh with any question you'd like to ask."

// defaultChunkInterval paces the parts of a multi-part answer.
const defaultChunkInterval = time.Second

// Assistant routes channel messages through the orchestrator.
type Assistant struct {
	cfg          *Config
	orchestrator *Orchestrator
	channelMgr   *channels.Manager

	chunkInterval time.Duration

	wg     sync.WaitGroup
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewAssistant creates an assistant. Channels must already be registered
// on mgr.
func NewAssistant(cfg *Config, orchestrator *Orchestrator, mgr *channels.Manager, logger *slog.Logger) *Assistant {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assistant{
		cfg:           cfg,
		orchestrator:  orchestrator,
		channelMgr:    mgr,
		chunkInterval: defaultChunkInterval,
		logger:        logger.With("component", "assistant"),
	}
}

// Start connects the channels and begins handling messages.
func (a *Assistant) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info("starting assistant",
		"name", a.cfg.Name,
		"model", a.cfg.Model,
		"channels", a.channelMgr.Names(),
	)
	if err := a.channelMgr.Start(a.ctx); err != nil {
		a.cancel()
		return fmt.Errorf("starting channels: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.messageLoop()
	}()
	return nil
}

// Stop disconnects the channels and waits for in-flight messages.
func (a *Assistant) Stop() {
	a.logger.Info("stopping assistant...")
	if a.cancel != nil {
		a.cancel()
	}
	a.channelMgr.Stop()
	a.wg.Wait()
	a.logger.Info("assistant stopped")
}

// Orchestrator returns the request pipeline.
func (a *Assistant) Orchestrator() *Orchestrator {
	return a.orchestrator
}

// ChannelManager returns the channel manager.
func (a *Assistant) ChannelManager() *channels.Manager {
	return a.channelMgr
}

// Prompt answers a one-shot prompt without history or delivery.
func (a *Assistant) Prompt(ctx context.Context, prompt string) string {
	return a.orchestrator.ProcessPromptStateless(ctx, prompt)
}

// DeliverPrompt answers prompt statelessly and sends the answer to chatID
// on the named channel. The answer is returned even when delivery fails.
func (a *Assistant) DeliverPrompt(ctx context.Context, channel, chatID, prompt string) (string, error) {
	response := a.orchestrator.ProcessPromptStateless(ctx, prompt)
	ch, ok := a.channelMgr.Channel(channel)
	if !ok {
		return response, fmt.Errorf("channel %q not found", channel)
	}
	if !ch.IsConnected() {
		return response, fmt.Errorf("channel %q: %w", channel, channels.ErrChannelDisconnected)
	}
	if err := a.sendChunks(ctx, ch, chatID, response, ""); err != nil {
		return response, err
	}
	return response, nil
}

// messageLoop handles messages from all channels, one goroutine each.
func (a *Assistant) messageLoop() {
	for {
		select {
		case msg, ok := <-a.channelMgr.Messages():
			if !ok {
				return
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handleMessage(a.ctx, msg)
			}()
		case <-a.ctx.Done():
			return
		}
	}
}

// handleMessage answers one incoming message.
func (a *Assistant) handleMessage(ctx context.Context, msg *channels.IncomingMessage) {
	logger := a.logger.With(
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"from", msg.From,
		"msg_id", msg.ID,
	)
	ch, ok := a.channelMgr.Channel(msg.Channel)
	if !ok {
		logger.Warn("message from unknown channel")
		return
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return
	}
	logger.Info("incoming message", "content_preview", truncate(text, 50), "is_group", msg.IsGroup)

	userID, chatID := numericID(msg.From), numericID(msg.ChatID)

	if cmd, isCmd := parseCommand(text); isCmd {
		switch cmd {
		case "start":
			a.reply(ctx, ch, msg, welcomeText, false)
			return
		case "help":
			a.reply(ctx, ch, msg, helpText, true)
			return
		case "clear":
			removed, err := a.orchestrator.ClearHistory(ctx, userID, chatID)
			if err != nil {
				logger.Error("failed to clear conversation history", "error", err)
				a.reply(ctx, ch, msg, "⚠️ Failed to clear conversation history: "+err.Error(), false)
				return
			}
			logger.Info("conversation history cleared", "removed", removed)
			a.reply(ctx, ch, msg, clearedText, false)
			return
		}
		// Unknown commands are ignored, like any non-text update.
		logger.Debug("ignoring unknown command", "command", cmd)
		return
	}

	thinkingID := a.sendThinking(ctx, ch, msg.ChatID, logger)

	response := a.process(ctx, userID, chatID, numericID(msg.ID), text, logger)

	if err := a.sendChunks(ctx, ch, msg.ChatID, response, thinkingID); err != nil {
		logger.Error("failed to deliver response", "error", err)
		if ed, ok := ch.(channels.EditableChannel); ok && thinkingID != "" {
			fallback := "⚠️ Failed to send response content: " + truncate(err.Error(), 100)
			if err := ed.EditMessage(ctx, msg.ChatID, thinkingID, fallback); err != nil {
				logger.Error("failed to update thinking message", "error", err)
			}
		}
	}
}

// process runs the orchestrator, turning a panic into an error answer so
// the thinking indicator is never left behind.
func (a *Assistant) process(ctx context.Context, userID, chatID, messageID int64, text string, logger *slog.Logger) (response string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing request", "panic", r)
			response = fmt.Sprintf("⚠️ Error: %v", r)
		}
	}()
	return a.orchestrator.ProcessUserRequest(ctx, userID, chatID, messageID, text)
}

// sendThinking sends the placeholder message and returns its ID. Channels
// that cannot edit messages get a typing indicator instead.
func (a *Assistant) sendThinking(ctx context.Context, ch channels.Channel, chatID string, logger *slog.Logger) string {
	if pc, ok := ch.(channels.PresenceChannel); ok {
		if err := pc.SendTyping(ctx, chatID); err != nil {
			logger.Debug("typing indicator failed", "error", err)
		}
	}
	ed, ok := ch.(channels.EditableChannel)
	if !ok || a.cfg.Agent.ThinkingMessage == "" {
		return ""
	}
	id, err := ed.SendTracked(ctx, chatID, &channels.OutgoingMessage{Content: a.cfg.Agent.ThinkingMessage})
	if err != nil {
		logger.Warn("failed to send thinking message", "error", err)
		return ""
	}
	return id
}

// sendChunks splits response into labelled parts and sends them one per
// chunkInterval. When thinkingID is set the first part replaces the
// thinking message.
func (a *Assistant) sendChunks(ctx context.Context, ch channels.Channel, chatID, response, thinkingID string) error {
	if strings.TrimSpace(response) == "" {
		response = "⚠️ Empty response."
	}
	chunks := channels.PrepareMessage(response, channels.MaxMessageLength)

	interval := a.chunkInterval
	if interval <= 0 {
		interval = defaultChunkInterval
	}
	pacer := rate.NewLimiter(rate.Every(interval), 1)

	ed, editable := ch.(channels.EditableChannel)
	for i, chunk := range chunks {
		if err := pacer.Wait(ctx); err != nil {
			return err
		}
		if i == 0 && editable && thinkingID != "" {
			err := ed.EditMessage(ctx, chatID, thinkingID, chunk)
			if err == nil {
				continue
			}
			a.logger.Warn("failed to edit thinking message, sending instead", "error", err)
			if delErr := ed.DeleteMessage(ctx, chatID, thinkingID); delErr != nil {
				a.logger.Debug("failed to delete thinking message", "error", delErr)
			}
		}
		if err := ch.Send(ctx, chatID, &channels.OutgoingMessage{Content: chunk, Markdown: true}); err != nil {
			return fmt.Errorf("sending part %d of %d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (a *Assistant) reply(ctx context.Context, ch channels.Channel, msg *channels.IncomingMessage, text string, markdown bool) {
	err := ch.Send(ctx, msg.ChatID, &channels.OutgoingMessage{Content: text, ReplyTo: msg.ID, Markdown: markdown})
	if err != nil {
		a.logger.Error("failed to send reply", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
	}
}

// parseCommand returns the command name of "/name" or "/name@bot" text.
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	word, _, _ := strings.Cut(text[1:], " ")
	word, _, _ = strings.Cut(word, "@")
	if word == "" {
		return "", false
	}
	return strings.ToLower(word), true
}

// numericID parses platform IDs. Telegram and Discord IDs are integers;
// anything else is hashed to a stable positive value.
func numericID(s string) int64 {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id
	}
	if s == "" {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64() >> 1)
}
