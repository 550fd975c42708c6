// Package channels defines the interfaces and types for aibotto chat
// channels. Each platform (Telegram, Discord) implements the Channel
// interface so the assistant can receive and answer messages in a uniform
// way.
package channels

import (
	"context"
	"errors"
	"time"
)

// Channel defines the interface that every chat channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Connect establishes the connection to the messaging platform and
	// starts delivering messages on Receive.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a message to the specified chat.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// PresenceChannel extends Channel with typing indicators.
type PresenceChannel interface {
	Channel

	// SendTyping shows a "typing..." indicator in the chat.
	SendTyping(ctx context.Context, to string) error
}

// EditableChannel extends Channel with editing of messages the bot sent.
// The assistant uses it to replace the thinking indicator with the answer.
type EditableChannel interface {
	Channel

	// SendTracked sends a message and returns its platform ID.
	SendTracked(ctx context.Context, to string, message *OutgoingMessage) (string, error)

	// EditMessage replaces the text of a sent message.
	EditMessage(ctx context.Context, chatID, messageID, content string) error

	// DeleteMessage removes a sent message.
	DeleteMessage(ctx context.Context, chatID, messageID string) error
}

// IncomingMessage represents a text message received from any channel.
type IncomingMessage struct {
	// ID is the message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "telegram").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the group or DM identifier.
	ChatID string

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// Content is the text of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// ReplyTo contains the ID of the message being replied to.
	ReplyTo string
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string

	// Markdown asks the channel to render Content as Markdown when the
	// platform supports it.
	Markdown bool
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrSendFailed          = errors.New("failed to send message")
)
