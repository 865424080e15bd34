// Package coordinator fans context lifecycle events out to the configured
// external systems: a branch (and optionally a pull request) on the source
// host, and notifications on the chat platform. External failures never block
// the context lifecycle; they are demoted to error events.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devflow-io/devflow/internal/chat"
	"github.com/devflow-io/devflow/internal/metrics"
	"github.com/devflow-io/devflow/internal/sourcehost"
	"github.com/devflow-io/devflow/internal/store"
)

// FailurePolicy values for external fan-out.
const (
	PolicyContinue = "continue"
	PolicyStop     = "stop"
	PolicyRetry    = "retry"
)

// Config switches the coordinator's behaviour per system.
type Config struct {
	EnableSourceControl bool          `mapstructure:"enable_source_control"`
	EnableChat          bool          `mapstructure:"enable_chat"`
	Parallel            bool          `mapstructure:"parallel"`
	FailurePolicy       string        `mapstructure:"failure_policy"`
	RetryAttempts       int           `mapstructure:"retry_attempts"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`

	// BranchPattern names created branches; {scope} and {id} expand.
	BranchPattern   string `mapstructure:"branch_pattern"`
	Owner           string `mapstructure:"owner"`
	Repo            string `mapstructure:"repo"`
	BaseBranch      string `mapstructure:"base_branch"`
	OpenPullRequest bool   `mapstructure:"open_pull_request"`

	ChatChannel string `mapstructure:"chat_channel"`
	// UseThreads keys a thread per context: the creation message opens it,
	// the completion summary replies in it.
	UseThreads bool `mapstructure:"use_threads"`
	// AutoCreateChannel is off: a missing channel is an error event, not a
	// new channel.
	AutoCreateChannel bool `mapstructure:"auto_create_channel"`
	// LinkResources cross-references created resources in later messages.
	LinkResources bool `mapstructure:"link_resources"`
}

func DefaultConfig() Config {
	return Config{
		FailurePolicy: PolicyContinue,
		RetryAttempts: 2,
		RetryDelay:    2 * time.Second,
		BranchPattern: "devflow/{scope}/{id}",
		BaseBranch:    "main",
		ChatChannel:   "devflow",
	}
}

// Coordinator drives the fan-out. Thread handles live in memory only; after
// a restart completions fall back to top-level messages.
type Coordinator struct {
	store  *store.Store
	host   sourcehost.SourceHost
	chat   chat.Client
	logger *zap.Logger
	cfg    Config

	mu      sync.Mutex
	threads map[string]string
}

func New(st *store.Store, host sourcehost.SourceHost, chatClient chat.Client, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = PolicyContinue
	}
	if cfg.BranchPattern == "" {
		cfg.BranchPattern = DefaultConfig().BranchPattern
	}
	return &Coordinator{
		store:   st,
		host:    host,
		chat:    chatClient,
		logger:  logger,
		cfg:     cfg,
		threads: map[string]string{},
	}
}

type call struct {
	system    string
	operation string
	run       func(ctx context.Context) error
}

// OnContextCreated fans out branch creation and the creation notification.
// It never returns an error; failures become events on the context.
func (c *Coordinator) OnContextCreated(ctx context.Context, rec *store.ContextRecord) {
	var calls []call
	if c.cfg.EnableSourceControl && c.host != nil {
		calls = append(calls, call{"source-control", "create-branch", func(ctx context.Context) error {
			return c.createBranch(ctx, rec)
		}})
	}
	if c.cfg.EnableChat && c.chat != nil {
		calls = append(calls, call{"chat", "notify-created", func(ctx context.Context) error {
			return c.notifyCreated(ctx, rec)
		}})
	}
	c.fanOut(ctx, rec, calls)
}

// OnContextCompleted fans out the completion summary.
func (c *Coordinator) OnContextCompleted(ctx context.Context, rec *store.ContextRecord) {
	var calls []call
	if c.cfg.EnableChat && c.chat != nil {
		calls = append(calls, call{"chat", "notify-completed", func(ctx context.Context) error {
			return c.notifyCompleted(ctx, rec)
		}})
	}
	c.fanOut(ctx, rec, calls)
}

func (c *Coordinator) fanOut(ctx context.Context, rec *store.ContextRecord, calls []call) {
	if c.cfg.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for _, cl := range calls {
			g.Go(func() error {
				c.execute(gctx, rec, cl)
				return nil
			})
		}
		_ = g.Wait()
		return
	}
	for _, cl := range calls {
		if !c.execute(ctx, rec, cl) && c.cfg.FailurePolicy == PolicyStop {
			return
		}
	}
}

// execute runs one call under the retry policy and reports success. The
// failure path records an event and carries on.
func (c *Coordinator) execute(ctx context.Context, rec *store.ContextRecord, cl call) bool {
	attempts := 1
	if c.cfg.FailurePolicy == PolicyRetry && c.cfg.RetryAttempts > 0 {
		attempts += c.cfg.RetryAttempts
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.RetryDelay):
			}
			if ctx.Err() != nil {
				err = ctx.Err()
				break
			}
		}
		if err = cl.run(ctx); err == nil {
			metrics.CoordinatorCalls.WithLabelValues(cl.system, cl.operation, "ok").Inc()
			return true
		}
	}

	metrics.CoordinatorCalls.WithLabelValues(cl.system, cl.operation, "error").Inc()
	c.logger.Warn("External fan-out failed",
		zap.String("system", cl.system),
		zap.String("operation", cl.operation),
		zap.String("context_id", rec.ID),
		zap.Error(err),
	)
	if appendErr := c.store.AppendEvent(context.WithoutCancel(ctx), &store.Event{
		ContextID:  rec.ID,
		Kind:       store.EventError,
		Importance: 6,
		Payload: store.JSONMap{
			"type":      "external-fanout-failed",
			"system":    cl.system,
			"operation": cl.operation,
			"error":     err.Error(),
		},
	}); appendErr != nil {
		c.logger.Error("Failed to record fan-out failure", zap.Error(appendErr))
	}
	return false
}

// BranchName expands the configured pattern for a context.
func (c *Coordinator) BranchName(rec *store.ContextRecord) string {
	id := rec.ID
	if len(id) > 8 {
		id = id[:8]
	}
	name := strings.ReplaceAll(c.cfg.BranchPattern, "{scope}", string(rec.Scope))
	return strings.ReplaceAll(name, "{id}", id)
}

func (c *Coordinator) createBranch(ctx context.Context, rec *store.ContextRecord) error {
	name := c.BranchName(rec)
	branch, err := c.host.CreateBranch(ctx, c.cfg.Owner, c.cfg.Repo, name, c.cfg.BaseBranch)
	if err != nil {
		return err
	}
	if err := c.store.RecordExternalResource(ctx, &store.ExternalResource{
		ContextID:  rec.ID,
		System:     "source-control",
		Kind:       "branch",
		ExternalID: branch.Name,
		URL:        branch.URL,
	}); err != nil {
		return err
	}

	if !c.cfg.OpenPullRequest {
		return nil
	}
	pr, err := c.host.CreatePullRequest(ctx, c.cfg.Owner, c.cfg.Repo, sourcehost.PullRequestSpec{
		Title:  rec.Goal,
		Body:   fmt.Sprintf("Automated workspace for context %s.", rec.ID),
		Head:   branch.Name,
		Base:   c.cfg.BaseBranch,
		Labels: []string{"devflow"},
	})
	if err != nil {
		return err
	}
	return c.store.RecordExternalResource(ctx, &store.ExternalResource{
		ContextID:  rec.ID,
		System:     "source-control",
		Kind:       "pull-request",
		ExternalID: fmt.Sprintf("%d", pr.Number),
		URL:        pr.URL,
	})
}

func (c *Coordinator) notifyCreated(ctx context.Context, rec *store.ContextRecord) error {
	ch, err := c.chat.ResolveChannel(ctx, c.cfg.ChatChannel)
	if err != nil {
		// Auto-create stays off; a missing channel is an operator problem.
		return err
	}

	msg := chat.Message{
		Title: "Context created",
		Text:  rec.Goal,
		Fields: []chat.Field{
			{Label: "scope", Value: string(rec.Scope)},
			{Label: "context", Value: rec.ID},
		},
	}
	if c.cfg.LinkResources {
		msg.Fields = append(msg.Fields, c.resourceFields(ctx, rec.ID)...)
	}
	ts, err := c.chat.SendRich(ctx, ch.ID, msg)
	if err != nil {
		return err
	}

	if c.cfg.UseThreads {
		c.mu.Lock()
		c.threads[rec.ID] = ts
		c.mu.Unlock()
	}
	return c.store.RecordExternalResource(ctx, &store.ExternalResource{
		ContextID:  rec.ID,
		System:     "chat",
		Kind:       "message",
		ExternalID: ts,
		URL:        fmt.Sprintf("chat://%s/%s", ch.ID, ts),
	})
}

func (c *Coordinator) notifyCompleted(ctx context.Context, rec *store.ContextRecord) error {
	ch, err := c.chat.ResolveChannel(ctx, c.cfg.ChatChannel)
	if err != nil {
		return err
	}

	summary := fmt.Sprintf("Context %s completed: %s (tokens used %d)",
		shortID(rec.ID), rec.Goal, rec.TokensUsed)

	c.mu.Lock()
	thread := c.threads[rec.ID]
	delete(c.threads, rec.ID)
	c.mu.Unlock()

	if c.cfg.UseThreads && thread != "" {
		_, err = c.chat.SendThreaded(ctx, ch.ID, thread, summary)
		return err
	}

	msg := chat.Message{Title: "Context completed", Text: summary}
	if c.cfg.LinkResources {
		msg.Fields = c.resourceFields(ctx, rec.ID)
	}
	_, err = c.chat.SendRich(ctx, ch.ID, msg)
	return err
}

// resourceFields cross-references the context's external resources.
func (c *Coordinator) resourceFields(ctx context.Context, contextID string) []chat.Field {
	resources, err := c.store.ListExternalResources(ctx, contextID)
	if err != nil {
		c.logger.Warn("Failed to list resources for linking", zap.Error(err))
		return nil
	}
	fields := make([]chat.Field, 0, len(resources))
	for _, r := range resources {
		if r.URL == "" {
			continue
		}
		fields = append(fields, chat.Field{Label: r.Kind, Value: r.URL})
	}
	return fields
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
