package health

import (
	"context"
	"os"
	"path/filepath"

	"github.com/devflow-io/devflow/internal/store"
)

// StoreChecker gates readiness on the sqlite store: the circuit breaker
// must be closed and a trivial write path must succeed.
type StoreChecker struct {
	store *store.Store
}

func NewStoreChecker(s *store.Store) *StoreChecker { return &StoreChecker{store: s} }

func (c *StoreChecker) Name() string   { return "store" }
func (c *StoreChecker) Critical() bool { return true }

func (c *StoreChecker) Check(ctx context.Context) Result {
	if !c.store.Healthy() {
		return Result{Status: StatusUnhealthy, Message: "store circuit breaker open"}
	}
	if _, err := c.store.SweepExpiredLocks(ctx); err != nil {
		return Result{Status: StatusUnhealthy, Message: err.Error()}
	}
	return Result{Status: StatusHealthy}
}

// DataDirChecker verifies the data directory is writable. Failure degrades
// the service but does not gate readiness; the store holds its own handle.
type DataDirChecker struct {
	dir string
}

func NewDataDirChecker(dir string) *DataDirChecker { return &DataDirChecker{dir: dir} }

func (c *DataDirChecker) Name() string   { return "data-dir" }
func (c *DataDirChecker) Critical() bool { return false }

func (c *DataDirChecker) Check(ctx context.Context) Result {
	probe := filepath.Join(c.dir, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return Result{Status: StatusUnhealthy, Message: err.Error()}
	}
	_ = os.Remove(probe)
	return Result{Status: StatusHealthy}
}
