package roles

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/auth"
	"github.com/devflow-io/devflow/internal/chat"
	"github.com/devflow-io/devflow/internal/store"
)

// Message categories accepted by the communication role.
const (
	MessageStart    = "start"
	MessageProgress = "progress"
	MessageComplete = "complete"
	MessageError    = "error"
	MessageAlert    = "alert"
)

// templates maps a category to its title line. The body comes from input.
var templates = map[string]string{
	MessageStart:    "Workflow started",
	MessageProgress: "Workflow progress",
	MessageComplete: "Workflow complete",
	MessageError:    "Workflow error",
	MessageAlert:    "Alert",
}

// Communication sends typed workflow notifications to the chat platform.
type Communication struct {
	client chat.Client
	creds  *auth.Manager
	store  *store.Store
	logger *zap.Logger
}

func NewCommunication(client chat.Client, creds *auth.Manager, st *store.Store, logger *zap.Logger) *Communication {
	return &Communication{client: client, creds: creds, store: st, logger: logger}
}

func (r *Communication) Name() string { return "communication" }

func (r *Communication) StepPlan() agent.StepPlan {
	return agent.StepPlan{"authenticate", "resolve-channel", "template", "send", "confirm"}
}

func (r *Communication) ExecuteStep(ctx context.Context, step string, ex *agent.Execution) (store.JSONMap, error) {
	switch step {
	case "authenticate":
		return r.authenticate(ctx)
	case "resolve-channel":
		return r.resolveChannel(ctx, ex)
	case "template":
		return r.template(ex)
	case "send":
		return r.send(ctx, ex)
	case "confirm":
		return r.confirm(ctx, ex)
	default:
		return nil, agent.NewError(agent.KindStateViolation, "unknown step %q", step)
	}
}

func (r *Communication) authenticate(ctx context.Context) (store.JSONMap, error) {
	if _, err := r.creds.Get(auth.ServiceSlack); err != nil {
		return nil, err
	}
	bot, err := r.client.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return store.JSONMap{"bot": bot}, nil
}

func (r *Communication) resolveChannel(ctx context.Context, ex *agent.Execution) (store.JSONMap, error) {
	name := inputString(ex, "channel")
	if name == "" {
		return nil, agent.NewError(agent.KindConfigInvalid, "communication requires a channel")
	}
	ch, err := r.client.ResolveChannel(ctx, name)
	if err != nil {
		return nil, err
	}
	ex.Set("channel_id", ch.ID)
	return store.JSONMap{"channel": ch.Name, "channel_id": ch.ID}, nil
}

func (r *Communication) template(ex *agent.Execution) (store.JSONMap, error) {
	category := inputString(ex, "category")
	title, ok := templates[category]
	if !ok {
		return nil, agent.NewError(agent.KindConfigInvalid, "unknown message category %q", category)
	}

	msg := chat.Message{Title: title, Text: inputString(ex, "text")}
	if fields, ok := ex.Input()["fields"].(map[string]interface{}); ok {
		for label, value := range fields {
			msg.Fields = append(msg.Fields, chat.Field{
				Label: label,
				Value: fmt.Sprintf("%v", value),
			})
		}
	}
	ex.Set("message", msg)
	return store.JSONMap{"category": category, "title": title}, nil
}

func (r *Communication) send(ctx context.Context, ex *agent.Execution) (store.JSONMap, error) {
	channelID, _ := ex.Get("channel_id")
	v, ok := ex.Get("message")
	if !ok {
		return nil, agent.NewError(agent.KindStateViolation, "no templated message to send")
	}
	msg := v.(chat.Message)

	var ts string
	var err error
	if threadID := inputString(ex, "thread_id"); threadID != "" {
		ts, err = r.client.SendThreaded(ctx, channelID.(string), threadID, msg.Text)
	} else {
		ts, err = r.client.SendRich(ctx, channelID.(string), msg)
	}
	if err != nil {
		return nil, err
	}
	ex.Set("message_id", ts)
	return store.JSONMap{"message_id": ts}, nil
}

func (r *Communication) confirm(ctx context.Context, ex *agent.Execution) (store.JSONMap, error) {
	ts, ok := ex.Get("message_id")
	if !ok {
		return nil, agent.NewError(agent.KindStateViolation, "send left no message id")
	}
	channelID, _ := ex.Get("channel_id")

	if err := r.store.RecordExternalResource(ctx, &store.ExternalResource{
		ContextID:  ex.ContextID(),
		System:     "chat",
		Kind:       "message",
		ExternalID: ts.(string),
		URL:        fmt.Sprintf("chat://%s/%s", channelID, ts),
	}); err != nil {
		return nil, err
	}
	return store.JSONMap{"confirmed": true}, nil
}
