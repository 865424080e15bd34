package verify

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/store"
)

// checkedTask matches a completed checkbox line in a progress document:
// "- [x] task-id optional description".
var checkedTask = regexp.MustCompile(`(?m)^\s*[-*]\s*\[[xX]\]\s+(\S+)`)

// Report aggregates a batch verification pass.
type Report struct {
	Total         int
	Verified      int
	Discrepancies int
	Skipped       []string // checked tasks with no registered probe
	Records       []*store.Verification
}

// Accuracy is the share of checked tasks whose claims held up.
func (r Report) Accuracy() float64 {
	if r.Total == 0 {
		return 1
	}
	return float64(r.Verified) / float64(r.Total)
}

// VerifyDocument scans a progress document for tasks marked complete and
// verifies each against its probe. Tasks without probes are reported, not
// failed; the document may track work outside the verifier's reach.
func (v *Verifier) VerifyDocument(ctx context.Context, document, agentTag string) (*Report, error) {
	report := &Report{}
	for _, match := range checkedTask.FindAllStringSubmatch(document, -1) {
		taskID := match[1]

		v.mu.RLock()
		_, known := v.probes[taskID]
		v.mu.RUnlock()
		if !known {
			report.Skipped = append(report.Skipped, taskID)
			continue
		}

		rec, err := v.VerifyTask(ctx, taskID, StatusCompleted, agentTag)
		if err != nil {
			return nil, err
		}
		report.Total++
		report.Records = append(report.Records, rec)
		if rec.Discrepancy {
			report.Discrepancies++
		} else {
			report.Verified++
		}
	}

	v.logger.Info("Batch verification finished",
		zap.Int("total", report.Total),
		zap.Int("verified", report.Verified),
		zap.Int("discrepancies", report.Discrepancies),
		zap.Int("skipped", len(report.Skipped)),
		zap.Float64("accuracy", report.Accuracy()),
	)
	return report, nil
}
