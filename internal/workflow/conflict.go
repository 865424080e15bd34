package workflow

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/store"
)

// Conflict categories checked across parallel branches.
const (
	ConflictFile     = "same-file"
	ConflictSchema   = "schema"
	ConflictEndpoint = "endpoint"
)

// Conflict is a resource claimed by two or more branches of one workflow.
type Conflict struct {
	Kind     string
	Resource string
	Branches []string
}

// Detector finds cross-branch collisions by reading the claims branches
// record in the event log. It holds no state of its own; the log is the
// source of truth so detection survives restarts.
type Detector struct {
	store  *store.Store
	logger *zap.Logger
}

func NewDetector(st *store.Store, logger *zap.Logger) *Detector {
	return &Detector{store: st, logger: logger}
}

// Record persists the resources a branch touched, extracted from a role's
// result payload. Empty claims are not recorded.
func (d *Detector) Record(ctx context.Context, contextID, workflowID, branch string, result store.JSONMap) error {
	files := stringList(result["files"])
	for _, a := range artifactMaps(result["artifacts"]) {
		if p, ok := a["path"].(string); ok && p != "" {
			files = append(files, p)
		}
	}
	schemas := stringList(result["schemas"])
	endpoints := stringList(result["endpoints"])
	if len(files) == 0 && len(schemas) == 0 && len(endpoints) == 0 {
		return nil
	}

	return d.store.AppendEvent(ctx, &store.Event{
		ContextID:  contextID,
		Kind:       store.EventDecision,
		Importance: 5,
		Payload: store.JSONMap{
			"type":        "branch-claims",
			"workflow_id": workflowID,
			"branch":      branch,
			"files":       files,
			"schemas":     schemas,
			"endpoints":   endpoints,
		},
	})
}

// Check returns the first collision between this workflow's branches, or nil.
// Resources are compared within a category; the same path claimed by two
// branches is a conflict, the same path claimed twice by one branch is not.
func (d *Detector) Check(ctx context.Context, contextID, workflowID string) (*Conflict, error) {
	events, err := d.store.QueryEvents(ctx, contextID, store.EventFilter{
		Kinds: []store.EventKind{store.EventDecision},
	})
	if err != nil {
		return nil, err
	}

	// category -> resource -> branch set
	claims := map[string]map[string]map[string]bool{
		ConflictFile:     {},
		ConflictSchema:   {},
		ConflictEndpoint: {},
	}
	categoryKeys := map[string]string{
		ConflictFile:     "files",
		ConflictSchema:   "schemas",
		ConflictEndpoint: "endpoints",
	}

	for _, ev := range events {
		if ev.Payload["type"] != "branch-claims" || ev.Payload["workflow_id"] != workflowID {
			continue
		}
		branch, _ := ev.Payload["branch"].(string)
		for category, key := range categoryKeys {
			for _, resource := range stringList(ev.Payload[key]) {
				set := claims[category][resource]
				if set == nil {
					set = map[string]bool{}
					claims[category][resource] = set
				}
				set[branch] = true
			}
		}
	}

	for _, category := range []string{ConflictFile, ConflictSchema, ConflictEndpoint} {
		resources := make([]string, 0, len(claims[category]))
		for resource := range claims[category] {
			resources = append(resources, resource)
		}
		sort.Strings(resources)
		for _, resource := range resources {
			if len(claims[category][resource]) < 2 {
				continue
			}
			branches := make([]string, 0, len(claims[category][resource]))
			for b := range claims[category][resource] {
				branches = append(branches, b)
			}
			sort.Strings(branches)
			d.logger.Warn("Cross-branch conflict",
				zap.String("category", category),
				zap.String("resource", resource),
				zap.Strings("branches", branches),
			)
			return &Conflict{Kind: category, Resource: resource, Branches: branches}, nil
		}
	}
	return nil, nil
}

// stringList coerces a payload value to a string slice, tolerating both
// in-memory slices and their JSON round-tripped shape.
func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func artifactMaps(v interface{}) []map[string]interface{} {
	switch list := v.(type) {
	case []store.JSONMap:
		out := make([]map[string]interface{}, len(list))
		for i, m := range list {
			out[i] = m
		}
		return out
	case []interface{}:
		var out []map[string]interface{}
		for _, item := range list {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}
