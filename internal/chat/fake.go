package chat

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage is one recorded post on the fake client.
type SentMessage struct {
	ChannelID string
	ThreadID  string
	Text      string
	Rich      *Message
}

// Fake is an in-memory Client for tests. Err, when set, is returned by all
// operations.
type Fake struct {
	mu       sync.Mutex
	Bot      string
	Err      error
	Channels []Channel
	Sent     []SentMessage

	nextTS int
}

func NewFake(bot string, channels ...Channel) *Fake {
	return &Fake{Bot: bot, Channels: channels, nextTS: 1}
}

func (f *Fake) stamp() string {
	ts := fmt.Sprintf("ts-%d", f.nextTS)
	f.nextTS++
	return ts
}

func (f *Fake) Authenticate(ctx context.Context) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	return f.Bot, nil
}

func (f *Fake) ResolveChannel(ctx context.Context, name string) (*Channel, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	for _, ch := range f.Channels {
		if ch.Name == name {
			return &ch, nil
		}
	}
	return nil, fmt.Errorf("channel %q not found", name)
}

func (f *Fake) Send(ctx context.Context, channelID, text string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, SentMessage{ChannelID: channelID, Text: text})
	return f.stamp(), nil
}

func (f *Fake) SendThreaded(ctx context.Context, channelID, threadID, text string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, SentMessage{ChannelID: channelID, ThreadID: threadID, Text: text})
	return f.stamp(), nil
}

func (f *Fake) SendRich(ctx context.Context, channelID string, msg Message) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, SentMessage{ChannelID: channelID, Rich: &msg})
	return f.stamp(), nil
}

func (f *Fake) ListChannels(ctx context.Context) ([]Channel, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Channels, nil
}
