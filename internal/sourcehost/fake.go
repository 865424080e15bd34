package sourcehost

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory SourceHost for tests and dry runs. Every mutation is
// recorded; Err, when set, is returned by all operations.
type Fake struct {
	mu       sync.Mutex
	User     string
	Err      error
	Branches []Branch
	PRs      []PullRequest
	Comments []string
	Status   string

	nextPR int
}

func NewFake(user string) *Fake {
	return &Fake{User: user, Status: "success", nextPR: 1}
}

func (f *Fake) AuthenticatedUser(ctx context.Context) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	return f.User, nil
}

func (f *Fake) CreateBranch(ctx context.Context, owner, repo, name, base string) (*Branch, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b := Branch{
		Name: name,
		SHA:  fmt.Sprintf("sha-%s", name),
		URL:  fmt.Sprintf("https://example.test/%s/%s/tree/%s", owner, repo, name),
	}
	f.Branches = append(f.Branches, b)
	return &b, nil
}

func (f *Fake) CreatePullRequest(ctx context.Context, owner, repo string, spec PullRequestSpec) (*PullRequest, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pr := PullRequest{
		Number: f.nextPR,
		URL:    fmt.Sprintf("https://example.test/%s/%s/pull/%d", owner, repo, f.nextPR),
	}
	f.nextPR++
	f.PRs = append(f.PRs, pr)
	return &pr, nil
}

func (f *Fake) Comment(ctx context.Context, owner, repo string, number int, body string) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Comments = append(f.Comments, body)
	return nil
}

func (f *Fake) StatusCheck(ctx context.Context, owner, repo, ref string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	return f.Status, nil
}

func (f *Fake) RateLimit(ctx context.Context) (int, error) {
	if f.Err != nil {
		return 0, f.Err
	}
	return 5000, nil
}
