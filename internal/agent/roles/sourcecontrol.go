// Package roles implements the closed set of agent roles. Each role declares
// its step plan and step bodies; everything else (state machine, budgets,
// persistence, progress) comes from the shared runtime.
package roles

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/auth"
	"github.com/devflow-io/devflow/internal/sourcehost"
	"github.com/devflow-io/devflow/internal/store"
)

// Source-control actions accepted by the execute-action step.
const (
	ActionCreateBranch      = "create-branch"
	ActionCreatePullRequest = "create-pull-request"
	ActionComment           = "comment"
	ActionStatusCheck       = "status-check"
)

// SourceControl drives the source-control host: branches, pull requests,
// comments, and status checks.
type SourceControl struct {
	host   sourcehost.SourceHost
	creds  *auth.Manager
	store  *store.Store
	logger *zap.Logger
}

func NewSourceControl(host sourcehost.SourceHost, creds *auth.Manager, st *store.Store, logger *zap.Logger) *SourceControl {
	return &SourceControl{host: host, creds: creds, store: st, logger: logger}
}

func (r *SourceControl) Name() string { return "source-control" }

func (r *SourceControl) StepPlan() agent.StepPlan {
	return agent.StepPlan{"authenticate", "validate-repo", "execute-action", "update-progress"}
}

func inputString(ex *agent.Execution, key string) string {
	v, _ := ex.Input()[key].(string)
	return v
}

func (r *SourceControl) ExecuteStep(ctx context.Context, step string, ex *agent.Execution) (store.JSONMap, error) {
	switch step {
	case "authenticate":
		return r.authenticate(ctx, ex)
	case "validate-repo":
		return r.validateRepo(ex)
	case "execute-action":
		return r.executeAction(ctx, ex)
	case "update-progress":
		return r.updateProgress(ctx, ex)
	default:
		return nil, agent.NewError(agent.KindStateViolation, "unknown step %q", step)
	}
}

func (r *SourceControl) authenticate(ctx context.Context, ex *agent.Execution) (store.JSONMap, error) {
	if _, err := r.creds.Get(auth.ServiceGitHub); err != nil {
		return nil, err
	}
	user, err := r.host.AuthenticatedUser(ctx)
	if err != nil {
		return nil, err
	}
	ex.Set("user", user)
	return store.JSONMap{"user": user}, nil
}

func (r *SourceControl) validateRepo(ex *agent.Execution) (store.JSONMap, error) {
	owner := inputString(ex, "owner")
	repo := inputString(ex, "repo")
	if owner == "" || repo == "" {
		return nil, agent.NewError(agent.KindConfigInvalid,
			"source-control requires owner and repo, got owner=%q repo=%q", owner, repo)
	}
	action := inputString(ex, "action")
	switch action {
	case ActionCreateBranch, ActionCreatePullRequest, ActionComment, ActionStatusCheck:
	default:
		return nil, agent.NewError(agent.KindConfigInvalid, "unknown source-control action %q", action)
	}
	return store.JSONMap{"repo": owner + "/" + repo, "action": action}, nil
}

func (r *SourceControl) executeAction(ctx context.Context, ex *agent.Execution) (store.JSONMap, error) {
	owner := inputString(ex, "owner")
	repo := inputString(ex, "repo")

	switch inputString(ex, "action") {
	case ActionCreateBranch:
		branch := inputString(ex, "branch")
		base := inputString(ex, "base")
		if base == "" {
			base = "main"
		}
		if branch == "" {
			return nil, agent.NewError(agent.KindConfigInvalid, "create-branch requires a branch name")
		}
		b, err := r.host.CreateBranch(ctx, owner, repo, branch, base)
		if err != nil {
			return nil, err
		}
		ex.Set("resource", &store.ExternalResource{
			System: "source-control", Kind: "branch", ExternalID: b.Name, URL: b.URL,
		})
		return store.JSONMap{"branch": b.Name, "sha": b.SHA, "url": b.URL}, nil

	case ActionCreatePullRequest:
		pr, err := r.host.CreatePullRequest(ctx, owner, repo, sourcehost.PullRequestSpec{
			Title:  inputString(ex, "title"),
			Body:   inputString(ex, "body"),
			Head:   inputString(ex, "branch"),
			Base:   inputString(ex, "base"),
			Labels: stringSlice(ex.Input()["labels"]),
		})
		if err != nil {
			return nil, err
		}
		ex.Set("resource", &store.ExternalResource{
			System: "source-control", Kind: "pull-request",
			ExternalID: fmt.Sprintf("%d", pr.Number), URL: pr.URL,
		})
		return store.JSONMap{"number": pr.Number, "url": pr.URL}, nil

	case ActionComment:
		number, ok := intInput(ex, "number")
		if !ok {
			return nil, agent.NewError(agent.KindConfigInvalid, "comment requires an issue number")
		}
		if err := r.host.Comment(ctx, owner, repo, number, inputString(ex, "body")); err != nil {
			return nil, err
		}
		return store.JSONMap{"commented": number}, nil

	case ActionStatusCheck:
		ref := inputString(ex, "branch")
		state, err := r.host.StatusCheck(ctx, owner, repo, ref)
		if err != nil {
			return nil, err
		}
		return store.JSONMap{"ref": ref, "state": state}, nil
	}
	return nil, agent.NewError(agent.KindStateViolation, "unreachable action")
}

func (r *SourceControl) updateProgress(ctx context.Context, ex *agent.Execution) (store.JSONMap, error) {
	if v, ok := ex.Get("resource"); ok {
		res := v.(*store.ExternalResource)
		res.ContextID = ex.ContextID()
		if err := r.store.RecordExternalResource(ctx, res); err != nil {
			return nil, err
		}
		return store.JSONMap{"recorded": res.Kind, "external_id": res.ExternalID}, nil
	}
	return store.JSONMap{"recorded": nil}, nil
}

func stringSlice(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func intInput(ex *agent.Execution, key string) (int, bool) {
	switch n := ex.Input()[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
