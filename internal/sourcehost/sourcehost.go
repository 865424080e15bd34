// Package sourcehost is the narrow boundary to the source-control host. The
// core depends only on the SourceHost interface; the GitHub implementation
// lives behind it.
package sourcehost

import (
	"context"
)

// Branch is a created or resolved branch.
type Branch struct {
	Name string
	SHA  string
	URL  string
}

// PullRequestSpec describes a pull request to open.
type PullRequestSpec struct {
	Title  string
	Body   string
	Head   string
	Base   string
	Labels []string
}

// PullRequest is the external identity of an opened pull request.
type PullRequest struct {
	Number int
	URL    string
}

// SourceHost is everything the core needs from a source-control host.
type SourceHost interface {
	// AuthenticatedUser returns the login of the token's user.
	AuthenticatedUser(ctx context.Context) (string, error)
	// CreateBranch creates a branch from the head of base.
	CreateBranch(ctx context.Context, owner, repo, name, base string) (*Branch, error)
	// CreatePullRequest opens a pull request and applies its labels.
	CreatePullRequest(ctx context.Context, owner, repo string, spec PullRequestSpec) (*PullRequest, error)
	// Comment posts a comment on an issue or pull request.
	Comment(ctx context.Context, owner, repo string, number int, body string) error
	// StatusCheck returns the combined commit status for a ref.
	StatusCheck(ctx context.Context, owner, repo, ref string) (string, error)
	// RateLimit returns the remaining core-API request allowance.
	RateLimit(ctx context.Context) (int, error)
}
