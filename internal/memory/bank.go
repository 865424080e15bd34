// Package memory is the lesson bank: durable rules learned from mistakes,
// successes, and patterns. Lessons are immutable once recorded and are
// offered to matching agents when they start.
package memory

import (
	"context"

	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/store"
)

// Bank implements agent.LessonSource over the store.
type Bank struct {
	store  *store.Store
	logger *zap.Logger
}

func NewBank(st *store.Store, logger *zap.Logger) *Bank {
	return &Bank{store: st, logger: logger}
}

// ForAgent returns the lessons recorded for a role tag, oldest first.
func (b *Bank) ForAgent(ctx context.Context, agentTag string) ([]*store.Lesson, error) {
	return b.store.ListLessons(ctx, agentTag)
}

// RecordMistake files a mistake lesson with its prevention rule. The verifier
// calls this once per discrepancy.
func (b *Bank) RecordMistake(ctx context.Context, agentTag, description, preventionRule, probe string) (*store.Lesson, error) {
	lesson := &store.Lesson{
		Kind:           store.LessonMistake,
		AgentTag:       agentTag,
		Description:    description,
		PreventionRule: preventionRule,
		Probe:          probe,
	}
	if err := b.store.RecordLesson(ctx, lesson); err != nil {
		return nil, err
	}
	b.logger.Info("Mistake lesson recorded",
		zap.String("agent_tag", agentTag),
		zap.String("prevention_rule", preventionRule),
	)
	return lesson, nil
}

// RecordPattern files a reusable pattern observed across runs.
func (b *Bank) RecordPattern(ctx context.Context, agentTag, description, rule string) (*store.Lesson, error) {
	lesson := &store.Lesson{
		Kind:           store.LessonPattern,
		AgentTag:       agentTag,
		Description:    description,
		PreventionRule: rule,
	}
	if err := b.store.RecordLesson(ctx, lesson); err != nil {
		return nil, err
	}
	return lesson, nil
}

// RecordSuccess files a confirmed-good approach.
func (b *Bank) RecordSuccess(ctx context.Context, agentTag, description string) (*store.Lesson, error) {
	lesson := &store.Lesson{
		Kind:        store.LessonSuccess,
		AgentTag:    agentTag,
		Description: description,
	}
	if err := b.store.RecordLesson(ctx, lesson); err != nil {
		return nil, err
	}
	return lesson, nil
}
