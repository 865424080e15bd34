package contextmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/metrics"
	"github.com/devflow-io/devflow/internal/store"
)

// backpressureRatio is the usage fraction above which appends are throttled
// by the rate limiter before compression has a chance to run.
const backpressureRatio = 0.8

// Context is a live context handle: the root record plus a stack of parked
// parents when tangents are open. The current view is the top of the stack.
type Context struct {
	m *Manager

	mu      sync.Mutex
	root    *store.ContextRecord
	current *store.ContextRecord
	stack   []*store.ContextRecord
	limiter *rate.Limiter
}

// ID returns the root context identity.
func (c *Context) ID() string { return c.root.ID }

// CurrentID returns the identity events are currently appended to (the
// deepest open tangent, or the root).
func (c *Context) CurrentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.ID
}

// Scope returns the root scope.
func (c *Context) Scope() store.Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root.Scope
}

// TangentDepth returns the number of open tangents.
func (c *Context) TangentDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stack)
}

// Snapshot returns a copy of the current record.
func (c *Context) Snapshot() store.ContextRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.current
}

// OverBudget reports whether the current view could not be compressed under
// its token budget.
func (c *Context) OverBudget() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.OverBudget
}

func (c *Context) payloadTokens(payload store.JSONMap) int {
	if len(payload) == 0 {
		return 0
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	return c.m.counter.Count(string(raw))
}

// Append records one event against the current view, accounts its tokens,
// and compresses when usage crosses the trigger threshold. Near the budget
// the append rate is throttled so a burst cannot blow past the budget before
// compression runs.
func (c *Context) Append(ctx context.Context, kind store.EventKind, importance int, payload store.JSONMap) (*store.Event, error) {
	c.mu.Lock()
	cur := c.current
	throttle := cur.TokenBudget > 0 &&
		float64(cur.TokensUsed) >= backpressureRatio*float64(cur.TokenBudget)
	c.mu.Unlock()

	if throttle {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, agent.NewError(agent.KindCancelled, "append cancelled during backpressure wait")
		}
	}

	e := &store.Event{
		ContextID:  cur.ID,
		Kind:       kind,
		Importance: importance,
		Payload:    payload,
		TokenCount: c.payloadTokens(payload),
	}
	if err := c.m.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}

	c.mu.Lock()
	cur.TokensUsed += e.TokenCount
	cur.LastActiveAt = e.CreatedAt
	usage := cur.TokensUsed
	budget := cur.TokenBudget
	level := cur.CompressionLevel
	c.mu.Unlock()

	if budget > 0 && float64(usage) >= c.m.cfg.TriggerRatio*float64(budget) {
		if err := c.Compress(ctx, level); err != nil {
			return nil, fmt.Errorf("compress after append: %w", err)
		}
	}
	return e, nil
}

// PushTangent parks the current focus and switches to a fresh child context.
// The child carries its own budget and its own event stream; nothing lands in
// the parent until the tangent pops.
func (c *Context) PushTangent(ctx context.Context, goal string, budget int) error {
	if budget <= 0 {
		budget = c.m.cfg.DefaultSessionBudget
	}

	c.mu.Lock()
	parent := c.current
	c.mu.Unlock()

	child := &store.ContextRecord{
		ID:          uuid.NewString(),
		Scope:       store.ScopeSession,
		Goal:        goal,
		TokenBudget: budget,
	}
	child.ParentID.String = parent.ID
	child.ParentID.Valid = true
	if err := c.m.store.CreateContext(ctx, child); err != nil {
		return err
	}
	if err := c.m.store.AppendEvent(ctx, &store.Event{
		ContextID:  child.ID,
		Kind:       store.EventMilestone,
		Importance: 9,
		Payload: store.JSONMap{
			"type":      "tangent-created",
			"goal":      goal,
			"parent_id": parent.ID,
		},
		TokenCount: c.m.counter.Count(goal),
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.stack = append(c.stack, c.current)
	c.current = child
	depth := len(c.stack)
	c.mu.Unlock()

	metrics.TangentsPushed.Inc()
	c.m.logger.Info("Tangent pushed",
		zap.String("context_id", c.root.ID),
		zap.String("tangent_id", child.ID),
		zap.Int("depth", depth),
	)
	return nil
}

// PopTangent closes the deepest tangent: the child is summarised into exactly
// one summary event on the parent, marked completed, and focus returns to the
// parent. The parent's token usage grows by the summary only, never by the
// tangent's full stream.
func (c *Context) PopTangent(ctx context.Context) (*store.Event, error) {
	c.mu.Lock()
	if len(c.stack) == 0 {
		c.mu.Unlock()
		return nil, agent.NewError(agent.KindStateViolation,
			"context %s has no open tangent to pop", c.root.ID)
	}
	child := c.current
	parent := c.stack[len(c.stack)-1]
	c.mu.Unlock()

	events, err := c.m.store.QueryEvents(ctx, child.ID, store.EventFilter{})
	if err != nil {
		return nil, err
	}

	var key []store.JSONMap
	for _, e := range events {
		if e.Importance >= c.m.cfg.PreserveImportance {
			key = append(key, store.JSONMap{
				"seq":        e.Seq,
				"kind":       string(e.Kind),
				"importance": e.Importance,
				"payload":    map[string]interface{}(e.Payload),
			})
		}
	}
	payload := store.JSONMap{
		"type":        "tangent-summary",
		"tangent_id":  child.ID,
		"goal":        child.Goal,
		"event_count": len(events),
		"tokens_used": child.TokensUsed,
		"key_events":  key,
	}

	summary := &store.Event{
		ContextID:  parent.ID,
		Kind:       store.EventSummary,
		Importance: 6,
		Payload:    payload,
		TokenCount: c.payloadTokens(payload),
	}
	if err := c.m.store.AppendEvent(ctx, summary); err != nil {
		return nil, err
	}

	child.Completed = true
	if err := c.m.store.UpdateContext(ctx, child); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stack = c.stack[:len(c.stack)-1]
	c.current = parent
	parent.TokensUsed += summary.TokenCount
	parent.LastActiveAt = summary.CreatedAt
	c.mu.Unlock()

	c.m.logger.Info("Tangent popped",
		zap.String("context_id", c.root.ID),
		zap.String("tangent_id", child.ID),
		zap.Int("summarised_events", len(events)),
	)
	return summary, nil
}

// Compress folds older low-importance events into a single summary event.
// The most recent window stays verbatim; events at or above the preservation
// threshold stay verbatim regardless of age. The log itself is append-only,
// compression only changes the default view.
func (c *Context) Compress(ctx context.Context, level store.CompressionLevel) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	events, err := c.m.store.QueryEvents(ctx, cur.ID, store.EventFilter{})
	if err != nil {
		return err
	}

	keep := c.m.keepWindowFor(level)
	deeper := levelRank(level) > levelRank(cur.CompressionLevel)

	before := 0
	for _, e := range events {
		before += e.TokenCount
	}

	var folded int
	var foldedTokens int
	var boundary int64
	kinds := map[string]int{}
	if len(events) > keep {
		boundary = events[len(events)-keep-1].Seq
		for _, e := range events[:len(events)-keep] {
			if e.Importance >= c.m.cfg.PreserveImportance || e.Kind == store.EventSummary {
				continue
			}
			folded++
			foldedTokens += e.TokenCount
			kinds[string(e.Kind)]++
		}
	}

	if folded > 0 {
		marked, err := c.m.store.MarkEventsCompressed(ctx, cur.ID, boundary, c.m.cfg.PreserveImportance)
		if err != nil {
			return err
		}
		payload := store.JSONMap{
			"type":            "compression-summary",
			"folded_events":   marked,
			"folded_tokens":   foldedTokens,
			"kinds":           kinds,
			"through_seq":     boundary,
			"level":           string(level),
			"preserved_floor": c.m.cfg.PreserveImportance,
		}
		if err := c.m.store.AppendEvent(ctx, &store.Event{
			ContextID:  cur.ID,
			Kind:       store.EventSummary,
			Importance: 8,
			Payload:    payload,
			TokenCount: c.payloadTokens(payload),
		}); err != nil {
			return err
		}
		metrics.ContextCompressions.WithLabelValues(string(level)).Inc()
	}

	after, err := c.m.store.UncompressedTokens(ctx, cur.ID)
	if err != nil {
		return err
	}

	target := c.m.cfg.SessionReduction
	if cur.Scope == store.ScopeProject {
		target = c.m.cfg.ProjectReduction
	}
	achieved := 0.0
	if before > 0 {
		achieved = 1 - float64(after)/float64(before)
	}

	c.mu.Lock()
	wasOver := cur.OverBudget
	cur.TokensUsed = after
	overBudget := cur.TokenBudget > 0 && after > cur.TokenBudget
	cur.OverBudget = overBudget
	if deeper {
		cur.CompressionLevel = level
	}
	c.mu.Unlock()

	if folded > 0 {
		c.m.logger.Info("Context compressed",
			zap.String("context_id", cur.ID),
			zap.Int("tokens_before", before),
			zap.Int("tokens_after", after),
			zap.Float64("target_reduction", target),
			zap.Float64("achieved_reduction", achieved),
		)
	}

	// Integrity beats the ratio target: preserved events are never dropped
	// to reach it, the context is flagged instead. The warning fires once
	// per transition, not once per append.
	if overBudget && !wasOver {
		warn := store.JSONMap{
			"type":         "over-budget",
			"tokens_used":  after,
			"token_budget": cur.TokenBudget,
		}
		if err := c.m.store.AppendEvent(ctx, &store.Event{
			ContextID:  cur.ID,
			Kind:       store.EventError,
			Importance: 6,
			Payload:    warn,
		}); err != nil {
			return err
		}
		c.m.logger.Warn("Context over budget after compression",
			zap.String("context_id", cur.ID),
			zap.Int("tokens_used", after),
			zap.Int("token_budget", cur.TokenBudget),
		)
	}

	return c.m.store.UpdateContext(ctx, cur)
}

// Save persists the record state of the current view and every parked
// parent. Save emits no events, so back-to-back saves with no intervening
// appends leave the log untouched.
func (c *Context) Save(ctx context.Context) error {
	c.mu.Lock()
	recs := make([]*store.ContextRecord, 0, len(c.stack)+1)
	recs = append(recs, c.current)
	recs = append(recs, c.stack...)
	c.mu.Unlock()

	for _, rec := range recs {
		if err := c.m.store.UpdateContext(ctx, rec); err != nil {
			return err
		}
		metrics.ContextTokensUsed.Observe(float64(rec.TokensUsed))
	}
	return nil
}

// Complete marks the root finished and saves. Open tangents must pop first.
func (c *Context) Complete(ctx context.Context) error {
	c.mu.Lock()
	if len(c.stack) > 0 {
		c.mu.Unlock()
		return agent.NewError(agent.KindStateViolation,
			"context %s has %d open tangents", c.root.ID, len(c.stack))
	}
	if c.root.Completed {
		c.mu.Unlock()
		return nil
	}
	c.root.Completed = true
	c.mu.Unlock()

	if err := c.m.store.AppendEvent(ctx, &store.Event{
		ContextID:  c.root.ID,
		Kind:       store.EventMilestone,
		Importance: 9,
		Payload:    store.JSONMap{"type": "context-completed"},
	}); err != nil {
		return err
	}
	return c.Save(ctx)
}
