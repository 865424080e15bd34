package container

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Runtime for tests. Err, when set, is returned by all
// operations; Unhealthy makes RunContainer fail after creation.
type Fake struct {
	mu        sync.Mutex
	Err       error
	Unhealthy bool

	Images   []string
	Networks []string
	Running  []string
	Stopped  []string

	next int
}

func NewFake() *Fake { return &Fake{next: 1} }

func (f *Fake) BuildImage(ctx context.Context, contextDir, tag string) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Images = append(f.Images, tag)
	return nil
}

func (f *Fake) CreateNetwork(ctx context.Context, name string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Networks = append(f.Networks, name)
	return "net-" + name, nil
}

func (f *Fake) RunContainer(ctx context.Context, spec Spec) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("ctr-%d", f.next)
	f.next++
	if f.Unhealthy {
		return id, fmt.Errorf("container %s reported unhealthy", id)
	}
	f.Running = append(f.Running, id)
	return id, nil
}

func (f *Fake) StopContainer(ctx context.Context, id string) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stopped = append(f.Stopped, id)
	return nil
}
