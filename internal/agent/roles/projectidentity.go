package roles

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/identity"
	"github.com/devflow-io/devflow/internal/store"
)

// ProjectIdentity establishes a project's durable identity: the directory,
// the identity document, and the link back to the originating session.
type ProjectIdentity struct {
	docs   *identity.Manager
	store  *store.Store
	logger *zap.Logger
}

func NewProjectIdentity(docs *identity.Manager, st *store.Store, logger *zap.Logger) *ProjectIdentity {
	return &ProjectIdentity{docs: docs, store: st, logger: logger}
}

func (r *ProjectIdentity) Name() string { return "project-identity" }

func (r *ProjectIdentity) StepPlan() agent.StepPlan {
	return agent.StepPlan{
		"create-directory", "write-identity-document", "link-session",
		"preserve-context", "finalize",
	}
}

func (r *ProjectIdentity) ExecuteStep(ctx context.Context, step string, ex *agent.Execution) (store.JSONMap, error) {
	switch step {
	case "create-directory":
		return r.createDirectory(ex)
	case "write-identity-document":
		return r.writeDocument(ex)
	case "link-session":
		return r.linkSession(ex)
	case "preserve-context":
		return r.preserveContext(ctx, ex)
	case "finalize":
		return r.finalize(ex)
	default:
		return nil, agent.NewError(agent.KindStateViolation, "unknown step %q", step)
	}
}

func (r *ProjectIdentity) projectID(ex *agent.Execution) string {
	if id := inputString(ex, "project_id"); id != "" {
		return id
	}
	return ex.ContextID()
}

func (r *ProjectIdentity) createDirectory(ex *agent.Execution) (store.JSONMap, error) {
	dir := filepath.Dir(r.docs.Path(r.projectID(ex)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, agent.NewError(agent.KindConfigInvalid, "cannot create project directory %s: %s", dir, err.Error())
	}
	return store.JSONMap{"directory": dir}, nil
}

func (r *ProjectIdentity) writeDocument(ex *agent.Execution) (store.JSONMap, error) {
	doc := &identity.Document{
		ProjectID:       r.projectID(ex),
		Goal:            inputString(ex, "goal"),
		Vision:          inputString(ex, "vision"),
		Context:         inputString(ex, "context"),
		Requirements:    inputString(ex, "requirements"),
		SuccessCriteria: inputString(ex, "success_criteria"),
		Notes:           inputString(ex, "notes"),
	}
	if doc.Goal == "" {
		return nil, agent.NewError(agent.KindConfigInvalid, "identity document requires a goal")
	}
	if err := r.docs.Write(doc); err != nil {
		return nil, err
	}
	ex.Set("document", doc)
	return store.JSONMap{"path": r.docs.Path(doc.ProjectID)}, nil
}

func (r *ProjectIdentity) linkSession(ex *agent.Execution) (store.JSONMap, error) {
	sessionID := inputString(ex, "session_id")
	if sessionID == "" {
		return store.JSONMap{"linked": false}, nil
	}
	v, ok := ex.Get("document")
	if !ok {
		return nil, agent.NewError(agent.KindStateViolation, "no document to link")
	}
	doc := v.(*identity.Document)
	doc.SessionID = sessionID
	if err := r.docs.Write(doc); err != nil {
		return nil, err
	}
	return store.JSONMap{"linked": true, "session_id": sessionID}, nil
}

// preserveContext anchors the document in the event log so the phenomena
// point back at the noumenon.
func (r *ProjectIdentity) preserveContext(ctx context.Context, ex *agent.Execution) (store.JSONMap, error) {
	path := r.docs.Path(r.projectID(ex))
	if err := r.store.AppendEvent(ctx, &store.Event{
		ContextID:  ex.ContextID(),
		Kind:       store.EventMilestone,
		Importance: 9,
		Payload: store.JSONMap{
			"type":          "identity-document",
			"document_path": path,
		},
	}); err != nil {
		return nil, err
	}
	return store.JSONMap{"preserved": true}, nil
}

func (r *ProjectIdentity) finalize(ex *agent.Execution) (store.JSONMap, error) {
	id := r.projectID(ex)
	r.logger.Info("Project identity established",
		zap.String("project_id", id),
		zap.String("path", r.docs.Path(id)),
	)
	return store.JSONMap{"project_id": id, "document": r.docs.Path(id)}, nil
}
