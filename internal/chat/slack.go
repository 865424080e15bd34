package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
)

const defaultTimeout = 15 * time.Second

// Slack implements Client over the Slack Web API.
type Slack struct {
	api     *slack.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewSlack(token string, timeout time.Duration, logger *zap.Logger) *Slack {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Slack{
		api:     slack.New(token),
		timeout: timeout,
		logger:  logger,
	}
}

func (s *Slack) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return agent.NewError(agent.KindExternalTimeout, "%s timed out", op)
	}
	msg := err.Error()
	if strings.Contains(msg, "invalid_auth") || strings.Contains(msg, "not_authed") {
		return agent.NewError(agent.KindAuthMissing, "%s: token rejected by chat platform", op)
	}
	return agent.NewError(agent.KindExternalRejected, "%s: %s", op, msg)
}

func (s *Slack) Authenticate(ctx context.Context) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	resp, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return "", classify("auth test", err)
	}
	return resp.User, nil
}

func (s *Slack) ResolveChannel(ctx context.Context, name string) (*Channel, error) {
	name = strings.TrimPrefix(name, "#")
	channels, err := s.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		if ch.Name == name {
			return &ch, nil
		}
	}
	return nil, agent.NewError(agent.KindExternalRejected, "channel %q not found", name)
}

func (s *Slack) Send(ctx context.Context, channelID, text string) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, ts, err := s.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return "", classify("post message", err)
	}
	return ts, nil
}

func (s *Slack) SendThreaded(ctx context.Context, channelID, threadID, text string) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, ts, err := s.api.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadID),
	)
	if err != nil {
		return "", classify("post threaded message", err)
	}
	return ts, nil
}

func (s *Slack) SendRich(ctx context.Context, channelID string, msg Message) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	blocks := []slack.Block{}
	if msg.Title != "" {
		blocks = append(blocks, slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType, msg.Title, false, false)))
	}
	if msg.Text != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, msg.Text, false, false), nil, nil))
	}
	if len(msg.Fields) > 0 {
		fields := make([]*slack.TextBlockObject, 0, len(msg.Fields))
		for _, f := range msg.Fields {
			fields = append(fields, slack.NewTextBlockObject(
				slack.MarkdownType, fmt.Sprintf("*%s*\n%s", f.Label, f.Value), false, false))
		}
		blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))
	}

	_, ts, err := s.api.PostMessageContext(ctx, channelID, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		return "", classify("post rich message", err)
	}
	return ts, nil
}

func (s *Slack) ListChannels(ctx context.Context) ([]Channel, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var out []Channel
	params := &slack.GetConversationsParameters{
		ExcludeArchived: true,
		Limit:           200,
		Types:           []string{"public_channel", "private_channel"},
	}
	for {
		channels, cursor, err := s.api.GetConversationsContext(ctx, params)
		if err != nil {
			return nil, classify("list channels", err)
		}
		for _, ch := range channels {
			out = append(out, Channel{ID: ch.ID, Name: ch.Name})
		}
		if cursor == "" {
			break
		}
		params.Cursor = cursor
	}
	return out, nil
}
