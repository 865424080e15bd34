// Package verify checks claimed task completions against configured probes
// and turns discrepancies into durable lessons. The probe language is opaque:
// a shell command, an HTTP health check, or an in-process predicate.
package verify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/memory"
	"github.com/devflow-io/devflow/internal/metrics"
	"github.com/devflow-io/devflow/internal/store"
)

// Statuses a verification can conclude.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Probe kinds.
const (
	ProbeShell     = "shell"
	ProbeHTTP      = "http"
	ProbePredicate = "predicate"
)

// defaultSentinels mark a probe output as failed even on a zero exit.
var defaultSentinels = []string{"FAIL", "ERROR", "FATAL", "not found"}

// Probe is one executable completion check.
type Probe struct {
	Kind    string
	Command string // shell
	URL     string // http
	// Predicate runs in-process; the string return is its output.
	Predicate func(ctx context.Context) (bool, string, error)
	// Sentinels override the default negative markers.
	Sentinels []string
	// Timeout overrides the verifier default.
	Timeout time.Duration
}

// Description renders the probe as its prevention rule.
func (p Probe) Description() string {
	switch p.Kind {
	case ProbeShell:
		return p.Command
	case ProbeHTTP:
		return "GET " + p.URL
	default:
		return "predicate"
	}
}

// Config tunes the verifier.
type Config struct {
	// Timeout is the hard cap per probe execution.
	Timeout time.Duration `mapstructure:"timeout"`
}

func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// Verifier maps task identifiers to probes and records outcomes.
type Verifier struct {
	store  *store.Store
	bank   *memory.Bank
	logger *zap.Logger
	cfg    Config
	client *http.Client

	mu     sync.RWMutex
	probes map[string]Probe
}

func New(st *store.Store, bank *memory.Bank, cfg Config, logger *zap.Logger) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Verifier{
		store:  st,
		bank:   bank,
		logger: logger,
		cfg:    cfg,
		client: &http.Client{},
		probes: map[string]Probe{},
	}
}

// Register binds a probe to a task identifier, replacing any previous probe.
func (v *Verifier) Register(taskID string, probe Probe) error {
	switch probe.Kind {
	case ProbeShell:
		if probe.Command == "" {
			return agent.NewError(agent.KindConfigInvalid, "shell probe for %q has no command", taskID)
		}
	case ProbeHTTP:
		if probe.URL == "" {
			return agent.NewError(agent.KindConfigInvalid, "http probe for %q has no URL", taskID)
		}
	case ProbePredicate:
		if probe.Predicate == nil {
			return agent.NewError(agent.KindConfigInvalid, "predicate probe for %q has no function", taskID)
		}
	default:
		return agent.NewError(agent.KindConfigInvalid, "unknown probe kind %q", probe.Kind)
	}
	v.mu.Lock()
	v.probes[taskID] = probe
	v.mu.Unlock()
	return nil
}

// VerifyTask executes the task's probe and compares the outcome with the
// claimed status. A discrepancy records exactly one mistake lesson with the
// probe as its prevention rule. The record is returned either way.
func (v *Verifier) VerifyTask(ctx context.Context, taskID, claimed, agentTag string) (*store.Verification, error) {
	v.mu.RLock()
	probe, ok := v.probes[taskID]
	v.mu.RUnlock()
	if !ok {
		return nil, agent.NewError(agent.KindConfigInvalid, "no probe registered for task %q", taskID)
	}

	timeout := probe.Timeout
	if timeout <= 0 {
		timeout = v.cfg.Timeout
	}
	probeCtx, cancel := context.WithDeadline(ctx, time.Now().Add(timeout))
	defer cancel()

	success, output := v.execute(probeCtx, probe)
	verified := StatusFailed
	if success && !containsSentinel(output, probe.Sentinels) {
		verified = StatusCompleted
	}

	rec := &store.Verification{
		ID:             uuid.NewString(),
		TaskID:         taskID,
		ClaimedStatus:  claimed,
		VerifiedStatus: verified,
		Probe:          probe.Description(),
		Output:         truncateOutput(output),
		Discrepancy:    claimed != verified,
		AgentTag:       agentTag,
	}
	if err := v.store.RecordVerification(ctx, rec); err != nil {
		return nil, err
	}
	metrics.VerificationsRun.WithLabelValues(verified).Inc()

	if rec.Discrepancy {
		metrics.VerificationDiscrepancies.Inc()
		v.logger.Warn("Verification discrepancy",
			zap.String("task_id", taskID),
			zap.String("claimed", claimed),
			zap.String("verified", verified),
			zap.String("agent_tag", agentTag),
		)
		description := fmt.Sprintf("task %q claimed %s but verified %s", taskID, claimed, verified)
		if _, err := v.bank.RecordMistake(ctx, agentTag, description, probe.Description(), probe.Description()); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// execute runs one probe. The boolean is the raw success signal before
// sentinel interpretation.
func (v *Verifier) execute(ctx context.Context, probe Probe) (bool, string) {
	switch probe.Kind {
	case ProbeShell:
		cmd := exec.CommandContext(ctx, "sh", "-c", probe.Command)
		out, err := cmd.CombinedOutput()
		if ctx.Err() != nil {
			return false, fmt.Sprintf("probe timed out: %s", ctx.Err())
		}
		return err == nil, string(out)

	case ProbeHTTP:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe.URL, nil)
		if err != nil {
			return false, err.Error()
		}
		resp, err := v.client.Do(req)
		if err != nil {
			return false, err.Error()
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return resp.StatusCode >= 200 && resp.StatusCode < 300,
			fmt.Sprintf("%d %s", resp.StatusCode, string(body))

	default:
		ok, output, err := probe.Predicate(ctx)
		if err != nil {
			return false, err.Error()
		}
		return ok, output
	}
}

func containsSentinel(output string, sentinels []string) bool {
	if len(sentinels) == 0 {
		sentinels = defaultSentinels
	}
	for _, s := range sentinels {
		if strings.Contains(output, s) {
			return true
		}
	}
	return false
}

func truncateOutput(s string) string {
	const max = 4096
	if len(s) <= max {
		return s
	}
	return s[:max]
}
