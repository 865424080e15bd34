package verify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/memory"
	"github.com/devflow-io/devflow/internal/store"
)

func newVerifier(t *testing.T) (*Verifier, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Path: filepath.Join(t.TempDir(), "devflow.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bank := memory.NewBank(s, zaptest.NewLogger(t))
	return New(s, bank, DefaultConfig(), zaptest.NewLogger(t)), s
}

func TestDiscrepancyRecordsExactlyOneLesson(t *testing.T) {
	v, s := newVerifier(t)

	// First run: the claim does not hold.
	require.NoError(t, v.Register("task-x", Probe{Kind: ProbeShell, Command: "exit 1"}))
	rec, err := v.VerifyTask(context.Background(), "task-x", StatusCompleted, "code")
	require.NoError(t, err)
	require.True(t, rec.Discrepancy)
	require.Equal(t, StatusFailed, rec.VerifiedStatus)
	require.Equal(t, "exit 1", rec.Probe)

	lessons, err := s.ListLessons(context.Background(), "code")
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	require.Equal(t, store.LessonMistake, lessons[0].Kind)
	require.Equal(t, "exit 1", lessons[0].PreventionRule)

	// Second run with the fixed probe: no discrepancy, no new lesson.
	require.NoError(t, v.Register("task-x", Probe{Kind: ProbeShell, Command: "exit 0"}))
	rec, err = v.VerifyTask(context.Background(), "task-x", StatusCompleted, "code")
	require.NoError(t, err)
	require.False(t, rec.Discrepancy)
	require.Equal(t, StatusCompleted, rec.VerifiedStatus)

	lessons, err = s.ListLessons(context.Background(), "code")
	require.NoError(t, err)
	require.Len(t, lessons, 1)
}

func TestNegativeSentinelOverridesZeroExit(t *testing.T) {
	v, _ := newVerifier(t)
	require.NoError(t, v.Register("task-y", Probe{
		Kind: ProbeShell, Command: "echo 'ERROR: database unreachable'",
	}))

	rec, err := v.VerifyTask(context.Background(), "task-y", StatusCompleted, "deploy")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.VerifiedStatus)
	require.True(t, rec.Discrepancy)
}

func TestShellProbeTimesOut(t *testing.T) {
	v, _ := newVerifier(t)
	require.NoError(t, v.Register("task-slow", Probe{
		Kind: ProbeShell, Command: "sleep 5", Timeout: 50 * time.Millisecond,
	}))

	start := time.Now()
	rec, err := v.VerifyTask(context.Background(), "task-slow", StatusCompleted, "deploy")
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, StatusFailed, rec.VerifiedStatus)
}

func TestHTTPProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	v, _ := newVerifier(t)
	require.NoError(t, v.Register("svc-up", Probe{Kind: ProbeHTTP, URL: healthy.URL}))
	require.NoError(t, v.Register("svc-down", Probe{Kind: ProbeHTTP, URL: broken.URL}))

	rec, err := v.VerifyTask(context.Background(), "svc-up", StatusCompleted, "deploy")
	require.NoError(t, err)
	require.False(t, rec.Discrepancy)

	rec, err = v.VerifyTask(context.Background(), "svc-down", StatusCompleted, "deploy")
	require.NoError(t, err)
	require.True(t, rec.Discrepancy)
}

func TestPredicateProbe(t *testing.T) {
	v, _ := newVerifier(t)
	require.NoError(t, v.Register("in-process", Probe{
		Kind: ProbePredicate,
		Predicate: func(ctx context.Context) (bool, string, error) {
			return true, "all rows migrated", nil
		},
	}))

	rec, err := v.VerifyTask(context.Background(), "in-process", StatusCompleted, "code")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.VerifiedStatus)
	require.Equal(t, "all rows migrated", rec.Output)
}

func TestUnknownTaskRejected(t *testing.T) {
	v, _ := newVerifier(t)
	_, err := v.VerifyTask(context.Background(), "ghost", StatusCompleted, "code")
	require.Error(t, err)
	require.Equal(t, agent.KindConfigInvalid, agent.KindOf(err))
}

func TestRegisterValidatesProbes(t *testing.T) {
	v, _ := newVerifier(t)
	require.Error(t, v.Register("a", Probe{Kind: ProbeShell}))
	require.Error(t, v.Register("b", Probe{Kind: ProbeHTTP}))
	require.Error(t, v.Register("c", Probe{Kind: ProbePredicate}))
	require.Error(t, v.Register("d", Probe{Kind: "telepathy", Command: "guess"}))
}

func TestBatchVerifiesCheckedTasks(t *testing.T) {
	v, _ := newVerifier(t)
	require.NoError(t, v.Register("migrate-db", Probe{Kind: ProbeShell, Command: "exit 0"}))
	require.NoError(t, v.Register("deploy-api", Probe{Kind: ProbeShell, Command: "exit 1"}))

	document := `# Progress
- [x] migrate-db run the schema migration
- [x] deploy-api ship the API container
- [ ] write-docs still open
- [x] manual-review no probe for this one
`
	report, err := v.VerifyDocument(context.Background(), document, "workflow")
	require.NoError(t, err)
	require.Equal(t, 2, report.Total)
	require.Equal(t, 1, report.Verified)
	require.Equal(t, 1, report.Discrepancies)
	require.Equal(t, []string{"manual-review"}, report.Skipped)
	require.InDelta(t, 0.5, report.Accuracy(), 0.001)
}

func TestBatchEmptyDocument(t *testing.T) {
	v, _ := newVerifier(t)
	report, err := v.VerifyDocument(context.Background(), "nothing checked here", "workflow")
	require.NoError(t, err)
	require.Equal(t, 0, report.Total)
	require.Equal(t, 1.0, report.Accuracy())
}
