// Package contextmgr owns the in-memory registry of live contexts: creation,
// scope upgrade, tangents, token-aware compression, and archival. Every state
// change is published to the store; the registry itself is reconstructable
// from the event stream at any time.
package contextmgr

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/identity"
	"github.com/devflow-io/devflow/internal/metrics"
	"github.com/devflow-io/devflow/internal/store"
	"github.com/devflow-io/devflow/internal/token"
)

// Config tunes budgets, compression, and archival.
type Config struct {
	// DefaultSessionBudget and DefaultProjectBudget apply when Create is
	// called with budget 0.
	DefaultSessionBudget int           `mapstructure:"default_session_budget"`
	DefaultProjectBudget int           `mapstructure:"default_project_budget"`
	KeepWindow           int           `mapstructure:"keep_window"`
	PreserveImportance   int           `mapstructure:"preserve_importance"`
	TriggerRatio         float64       `mapstructure:"trigger_ratio"`
	SessionReduction     float64       `mapstructure:"session_reduction"`
	ProjectReduction     float64       `mapstructure:"project_reduction"`
	AppendRatePerSec     float64       `mapstructure:"append_rate_per_sec"`
	RegistryCacheSize    int           `mapstructure:"registry_cache_size"`
	ProjectsDir          string        `mapstructure:"projects_dir"`
	DormantAfter         time.Duration `mapstructure:"dormant_after"`
	SleepingAfter        time.Duration `mapstructure:"sleeping_after"`
	DeepSleepAfter       time.Duration `mapstructure:"deep_sleep_after"`
}

// DefaultConfig returns the documented defaults: compression preserves
// importance >= 8, archival walks hours -> days -> weeks of inactivity.
func DefaultConfig() Config {
	return Config{
		DefaultSessionBudget: 50_000,
		DefaultProjectBudget: 200_000,
		KeepWindow:           20,
		PreserveImportance:   8,
		TriggerRatio:         0.9,
		SessionReduction:     0.7,
		ProjectReduction:     0.5,
		AppendRatePerSec:     50,
		RegistryCacheSize:    128,
		ProjectsDir:          "projects",
		DormantAfter:         6 * time.Hour,
		SleepingAfter:        3 * 24 * time.Hour,
		DeepSleepAfter:       21 * 24 * time.Hour,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.DefaultSessionBudget <= 0 {
		c.DefaultSessionBudget = d.DefaultSessionBudget
	}
	if c.DefaultProjectBudget <= 0 {
		c.DefaultProjectBudget = d.DefaultProjectBudget
	}
	if c.KeepWindow <= 0 {
		c.KeepWindow = d.KeepWindow
	}
	if c.PreserveImportance <= 0 {
		c.PreserveImportance = d.PreserveImportance
	}
	if c.TriggerRatio <= 0 || c.TriggerRatio > 1 {
		c.TriggerRatio = d.TriggerRatio
	}
	if c.SessionReduction <= 0 || c.SessionReduction >= 1 {
		c.SessionReduction = d.SessionReduction
	}
	if c.ProjectReduction <= 0 || c.ProjectReduction >= 1 {
		c.ProjectReduction = d.ProjectReduction
	}
	if c.AppendRatePerSec <= 0 {
		c.AppendRatePerSec = d.AppendRatePerSec
	}
	if c.RegistryCacheSize <= 0 {
		c.RegistryCacheSize = d.RegistryCacheSize
	}
	if c.ProjectsDir == "" {
		c.ProjectsDir = d.ProjectsDir
	}
	if c.DormantAfter <= 0 {
		c.DormantAfter = d.DormantAfter
	}
	if c.SleepingAfter <= 0 {
		c.SleepingAfter = d.SleepingAfter
	}
	if c.DeepSleepAfter <= 0 {
		c.DeepSleepAfter = d.DeepSleepAfter
	}
}

// Manager is the process-wide context registry. One instance per process;
// all access to live contexts goes through it.
type Manager struct {
	store    *store.Store
	counter  token.Counter
	identity *identity.Manager
	logger   *zap.Logger
	cfg      Config

	mu     sync.Mutex
	live   map[string]*Context
	recent *lru.Cache[string, *Context]
}

// NewManager builds the registry. The identity manager is created over
// cfg.ProjectsDir.
func NewManager(st *store.Store, counter token.Counter, logger *zap.Logger, cfg Config) (*Manager, error) {
	cfg.normalize()
	recent, err := lru.New[string, *Context](cfg.RegistryCacheSize)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		store:    st,
		counter:  counter,
		identity: identity.NewManager(cfg.ProjectsDir, logger),
		logger:   logger,
		cfg:      cfg,
		live:     make(map[string]*Context),
		recent:   recent,
	}
	return m, nil
}

// Identity exposes the document manager for reconciliation at startup.
func (m *Manager) Identity() *identity.Manager { return m.identity }

func (m *Manager) lock()   { m.mu.Lock() }
func (m *Manager) unlock() { m.mu.Unlock() }

// Create registers a new root context. Projects additionally get an identity
// document on disk.
func (m *Manager) Create(ctx context.Context, scope store.Scope, goal string, budget int) (*Context, error) {
	if scope != store.ScopeSession && scope != store.ScopeProject {
		return nil, agent.NewError(agent.KindConfigInvalid, "unknown context scope %q", scope)
	}
	if budget <= 0 {
		if scope == store.ScopeProject {
			budget = m.cfg.DefaultProjectBudget
		} else {
			budget = m.cfg.DefaultSessionBudget
		}
	}

	rec := &store.ContextRecord{
		ID:          uuid.NewString(),
		Scope:       scope,
		Goal:        goal,
		TokenBudget: budget,
	}
	if err := m.store.CreateContext(ctx, rec); err != nil {
		return nil, err
	}
	if err := m.store.AppendEvent(ctx, &store.Event{
		ContextID:  rec.ID,
		Kind:       store.EventMilestone,
		Importance: 9,
		Payload: store.JSONMap{
			"type":  "context-created",
			"scope": string(scope),
			"goal":  goal,
		},
		TokenCount: m.counter.Count(goal),
	}); err != nil {
		return nil, err
	}

	if scope == store.ScopeProject {
		if err := m.identity.Write(&identity.Document{
			ProjectID: rec.ID,
			Goal:      goal,
		}); err != nil {
			return nil, err
		}
	}

	c := m.newLiveContext(rec)
	m.lock()
	m.live[rec.ID] = c
	m.registrySizeLocked()
	m.unlock()

	metrics.ContextsCreated.WithLabelValues(string(scope)).Inc()
	m.logger.Info("Context created",
		zap.String("context_id", rec.ID),
		zap.String("scope", string(scope)),
		zap.Int("token_budget", budget),
	)
	return c, nil
}

func (m *Manager) newLiveContext(rec *store.ContextRecord) *Context {
	return &Context{
		m:       m,
		root:    rec,
		current: rec,
		limiter: rate.NewLimiter(rate.Limit(m.cfg.AppendRatePerSec), int(m.cfg.AppendRatePerSec)),
	}
}

// registrySizeLocked refreshes the registry gauge; call with the lock held.
func (m *Manager) registrySizeLocked() {
	metrics.ContextRegistrySize.Set(float64(len(m.live)))
}

// Resume returns the live context for id, rebuilding it from the store when
// it is not in memory. Resuming a completed context is a no-op beyond
// returning the handle; resuming an unchanged live context returns the same
// handle.
func (m *Manager) Resume(ctx context.Context, id string) (*Context, error) {
	m.lock()
	if c, ok := m.live[id]; ok {
		m.unlock()
		return c, nil
	}
	if c, ok := m.recent.Get(id); ok {
		m.recent.Remove(id)
		m.live[id] = c
		m.registrySizeLocked()
		m.unlock()
		return c, nil
	}
	m.unlock()

	rec, err := m.store.GetContext(ctx, id)
	if err != nil {
		return nil, err
	}
	c := m.newLiveContext(rec)

	// Open tangents survive restarts: descend the open-child chain from the
	// root, since each tangent parents on the view that pushed it. A
	// well-formed stack has one open child per level; if the store holds
	// more, the most recently active one wins.
	for parent := rec; ; {
		children, err := m.store.ListContexts(ctx, store.ContextFilter{
			ParentID:  parent.ID,
			Completed: boolPtr(false),
		})
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			break
		}
		c.stack = append(c.stack, c.current)
		c.current = children[0]
		parent = children[0]
	}

	m.lock()
	// Lost the race to another Resume: keep the first handle.
	if existing, ok := m.live[id]; ok {
		m.unlock()
		return existing, nil
	}
	m.live[id] = c
	m.registrySizeLocked()
	m.unlock()

	m.logger.Info("Context resumed",
		zap.String("context_id", id),
		zap.Int("open_tangents", len(c.stack)),
		zap.Bool("completed", rec.Completed),
	)
	return c, nil
}

// Release saves a context and moves it from the live set to the recent
// cache. Later Resume calls hit memory.
func (m *Manager) Release(ctx context.Context, id string) error {
	m.lock()
	c, ok := m.live[id]
	if !ok {
		m.unlock()
		return nil
	}
	delete(m.live, id)
	m.recent.Add(id, c)
	m.registrySizeLocked()
	m.unlock()

	return c.Save(ctx)
}

// Upgrade promotes a session to a project. Irreversible: any other scope
// change is rejected. The token budget widens to the project default when the
// session budget was smaller, compression thresholds switch to project
// ratios, and the context gains an identity document.
func (m *Manager) Upgrade(ctx context.Context, id string) error {
	c, err := m.Resume(ctx, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root.Scope != store.ScopeSession {
		return agent.NewError(agent.KindStateViolation,
			"context %s has scope %q, only session contexts upgrade", id, c.root.Scope)
	}

	c.root.Scope = store.ScopeProject
	if c.root.TokenBudget < m.cfg.DefaultProjectBudget {
		c.root.TokenBudget = m.cfg.DefaultProjectBudget
	}
	if err := m.store.UpdateContext(ctx, c.root); err != nil {
		return err
	}
	if err := m.store.AppendEvent(ctx, &store.Event{
		ContextID:  id,
		Kind:       store.EventMilestone,
		Importance: 9,
		Payload: store.JSONMap{
			"type":         "scope-upgraded",
			"token_budget": c.root.TokenBudget,
		},
	}); err != nil {
		return err
	}
	if err := m.identity.Write(&identity.Document{
		ProjectID: id,
		Goal:      c.root.Goal,
	}); err != nil {
		return err
	}

	m.logger.Info("Context upgraded to project",
		zap.String("context_id", id),
		zap.Int("token_budget", c.root.TokenBudget),
	)
	return nil
}

// ArchiveTick ages out inactive contexts one level per pass and compresses
// deeper at each level. Runs from a background ticker.
func (m *Manager) ArchiveTick(ctx context.Context) error {
	recs, err := m.store.ListContexts(ctx, store.ContextFilter{Completed: boolPtr(false)})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, rec := range recs {
		target := m.levelForAge(now.Sub(rec.LastActiveAt))
		if levelRank(target) <= levelRank(rec.CompressionLevel) {
			continue
		}
		// One level per tick; deep sleep is reached gradually.
		next := nextLevel(rec.CompressionLevel)

		c, err := m.Resume(ctx, rec.ID)
		if err != nil {
			m.logger.Warn("Archive pass skipped context", zap.String("context_id", rec.ID), zap.Error(err))
			continue
		}
		if err := c.Compress(ctx, next); err != nil {
			m.logger.Warn("Archive compression failed", zap.String("context_id", rec.ID), zap.Error(err))
			continue
		}

		count, err := m.store.MaxSeq(ctx, rec.ID)
		if err == nil {
			_ = m.store.RecordArchiveTransition(ctx, rec.ID, next, int(count))
		}
		m.logger.Info("Context archived",
			zap.String("context_id", rec.ID),
			zap.String("level", string(next)),
		)
	}
	return nil
}

func (m *Manager) levelForAge(age time.Duration) store.CompressionLevel {
	switch {
	case age >= m.cfg.DeepSleepAfter:
		return store.LevelDeepSleep
	case age >= m.cfg.SleepingAfter:
		return store.LevelSleeping
	case age >= m.cfg.DormantAfter:
		return store.LevelDormant
	default:
		return store.LevelActive
	}
}

func levelRank(l store.CompressionLevel) int {
	switch l {
	case store.LevelDormant:
		return 1
	case store.LevelSleeping:
		return 2
	case store.LevelDeepSleep:
		return 3
	default:
		return 0
	}
}

func nextLevel(l store.CompressionLevel) store.CompressionLevel {
	switch l {
	case store.LevelActive:
		return store.LevelDormant
	case store.LevelDormant:
		return store.LevelSleeping
	default:
		return store.LevelDeepSleep
	}
}

// keepWindowFor shrinks the verbatim window as contexts go deeper asleep.
func (m *Manager) keepWindowFor(level store.CompressionLevel) int {
	k := m.cfg.KeepWindow
	switch level {
	case store.LevelSleeping:
		k /= 2
	case store.LevelDeepSleep:
		k /= 4
	}
	if k < 1 {
		k = 1
	}
	return k
}

// SaveAll flushes every live context; used by regular shutdown.
func (m *Manager) SaveAll(ctx context.Context) error {
	m.lock()
	contexts := make([]*Context, 0, len(m.live))
	for _, c := range m.live {
		contexts = append(contexts, c)
	}
	m.unlock()

	var firstErr error
	for _, c := range contexts {
		if err := c.Save(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func boolPtr(b bool) *bool { return &b }
