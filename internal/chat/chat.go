// Package chat is the narrow boundary to the chat platform.
package chat

import "context"

// Channel is a resolved chat channel.
type Channel struct {
	ID   string
	Name string
}

// Field is one label/value pair of a rich message.
type Field struct {
	Label string
	Value string
}

// Message is the platform-neutral rich message shape the coordinator and the
// communication role produce. Implementations render it natively.
type Message struct {
	Title  string
	Text   string
	Fields []Field
}

// Client is everything the core needs from the chat platform.
type Client interface {
	// Authenticate verifies the token and returns the bot identity.
	Authenticate(ctx context.Context) (string, error)
	// ResolveChannel maps a channel name to its identity.
	ResolveChannel(ctx context.Context, name string) (*Channel, error)
	// Send posts a plain text message; returns the message identity.
	Send(ctx context.Context, channelID, text string) (string, error)
	// SendThreaded posts a reply in the thread rooted at threadID.
	SendThreaded(ctx context.Context, channelID, threadID, text string) (string, error)
	// SendRich posts a formatted message; returns the message identity.
	SendRich(ctx context.Context, channelID string, msg Message) (string, error)
	// ListChannels enumerates channels visible to the bot.
	ListChannels(ctx context.Context) ([]Channel, error)
}
