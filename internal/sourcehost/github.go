package sourcehost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v68/github"
	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
)

const defaultTimeout = 30 * time.Second

// GitHub implements SourceHost over the GitHub REST API.
type GitHub struct {
	client  *github.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewGitHub builds an authenticated client. Timeout 0 means the default.
func NewGitHub(token string, timeout time.Duration, logger *zap.Logger) *GitHub {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &GitHub{
		client:  github.NewClient(nil).WithAuthToken(token),
		timeout: timeout,
		logger:  logger,
	}
}

func (g *GitHub) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

// classify maps transport failures onto the error taxonomy: credential
// problems are auth-missing, timeouts are external-timeout, everything else
// the host said no to is external-rejected.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return agent.NewError(agent.KindExternalTimeout, "%s timed out", op)
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return agent.NewError(agent.KindAuthMissing, "%s: token rejected by host", op)
		default:
			return agent.NewError(agent.KindExternalRejected, "%s: %s", op, ghErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (g *GitHub) AuthenticatedUser(ctx context.Context) (string, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	user, _, err := g.client.Users.Get(ctx, "")
	if err != nil {
		return "", classify("get authenticated user", err)
	}
	return user.GetLogin(), nil
}

func (g *GitHub) CreateBranch(ctx context.Context, owner, repo, name, base string) (*Branch, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	baseRef, _, err := g.client.Git.GetRef(ctx, owner, repo, "refs/heads/"+base)
	if err != nil {
		return nil, classify(fmt.Sprintf("resolve base %s", base), err)
	}

	ref := &github.Reference{
		Ref:    github.Ptr("refs/heads/" + name),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	}
	created, _, err := g.client.Git.CreateRef(ctx, owner, repo, ref)
	if err != nil {
		return nil, classify(fmt.Sprintf("create branch %s", name), err)
	}

	g.logger.Info("Branch created",
		zap.String("repo", owner+"/"+repo),
		zap.String("branch", name),
		zap.String("base", base),
	)
	return &Branch{
		Name: name,
		SHA:  created.Object.GetSHA(),
		URL:  fmt.Sprintf("https://github.com/%s/%s/tree/%s", owner, repo, name),
	}, nil
}

func (g *GitHub) CreatePullRequest(ctx context.Context, owner, repo string, spec PullRequestSpec) (*PullRequest, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	pr, _, err := g.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(spec.Title),
		Body:  github.Ptr(spec.Body),
		Head:  github.Ptr(spec.Head),
		Base:  github.Ptr(spec.Base),
	})
	if err != nil {
		return nil, classify("create pull request", err)
	}

	if len(spec.Labels) > 0 {
		if _, _, err := g.client.Issues.AddLabelsToIssue(ctx, owner, repo, pr.GetNumber(), spec.Labels); err != nil {
			// Labels are decoration; the pull request exists.
			g.logger.Warn("Failed to apply labels",
				zap.Int("pr", pr.GetNumber()),
				zap.Error(err),
			)
		}
	}

	g.logger.Info("Pull request opened",
		zap.String("repo", owner+"/"+repo),
		zap.Int("number", pr.GetNumber()),
	)
	return &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}

func (g *GitHub) Comment(ctx context.Context, owner, repo string, number int, body string) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	_, _, err := g.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.Ptr(body),
	})
	return classify(fmt.Sprintf("comment on #%d", number), err)
}

func (g *GitHub) StatusCheck(ctx context.Context, owner, repo, ref string) (string, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	status, _, err := g.client.Repositories.GetCombinedStatus(ctx, owner, repo, ref, nil)
	if err != nil {
		return "", classify(fmt.Sprintf("status for %s", ref), err)
	}
	return status.GetState(), nil
}

func (g *GitHub) RateLimit(ctx context.Context) (int, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	limits, _, err := g.client.RateLimit.Get(ctx)
	if err != nil {
		return 0, classify("rate limit", err)
	}
	return limits.GetCore().Remaining, nil
}
