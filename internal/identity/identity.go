// Package identity manages the human-readable project identity documents.
// The document is deliberately separate from the event log: the document is
// semi-permanent and human-editable, the log is machine-owned and
// append-only.
package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/store"
)

const documentName = "IDENTITY.md"

// Document is the parsed shape of one project identity file.
type Document struct {
	ProjectID       string
	Goal            string
	Vision          string
	Context         string
	Requirements    string
	SuccessCriteria string
	Notes           string
	SessionID       string
	CreatedAt       time.Time
}

// Manager reads and writes identity documents under the projects directory.
type Manager struct {
	dir    string
	logger *zap.Logger
}

func NewManager(dir string, logger *zap.Logger) *Manager {
	return &Manager{dir: dir, logger: logger}
}

// Path returns the document location for a project.
func (m *Manager) Path(projectID string) string {
	return filepath.Join(m.dir, projectID, documentName)
}

// Write renders the document to disk, creating the project directory.
func (m *Manager) Write(doc *Document) error {
	if doc.ProjectID == "" {
		return fmt.Errorf("identity document requires a project id")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	dir := filepath.Join(m.dir, doc.ProjectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Project Identity\n\n")
	writeSection(&b, "Goal", doc.Goal)
	writeSection(&b, "Vision", doc.Vision)
	writeSection(&b, "Context", doc.Context)
	writeSection(&b, "Requirements", doc.Requirements)
	writeSection(&b, "Success Criteria", doc.SuccessCriteria)
	writeSection(&b, "Notes", doc.Notes)
	b.WriteString("---\n")
	fmt.Fprintf(&b, "project: %s\n", doc.ProjectID)
	if doc.SessionID != "" {
		fmt.Fprintf(&b, "session: %s\n", doc.SessionID)
	}
	fmt.Fprintf(&b, "created: %s\n", doc.CreatedAt.Format(time.RFC3339))

	tmp := m.Path(doc.ProjectID) + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write identity document: %w", err)
	}
	if err := os.Rename(tmp, m.Path(doc.ProjectID)); err != nil {
		return fmt.Errorf("write identity document: %w", err)
	}

	m.logger.Info("Identity document written",
		zap.String("project_id", doc.ProjectID),
		zap.String("path", m.Path(doc.ProjectID)),
	)
	return nil
}

func writeSection(b *strings.Builder, title, body string) {
	fmt.Fprintf(b, "## %s\n\n", title)
	if body = strings.TrimSpace(body); body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

// Read parses a document from disk.
func (m *Manager) Read(projectID string) (*Document, error) {
	raw, err := os.ReadFile(m.Path(projectID))
	if err != nil {
		return nil, fmt.Errorf("read identity document for %s: %w", projectID, err)
	}
	return parse(projectID, string(raw))
}

// Exists reports whether a project has a document on disk.
func (m *Manager) Exists(projectID string) bool {
	_, err := os.Stat(m.Path(projectID))
	return err == nil
}

func parse(projectID, raw string) (*Document, error) {
	doc := &Document{ProjectID: projectID}

	body, footer, _ := strings.Cut(raw, "\n---\n")
	for _, line := range strings.Split(footer, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "session":
			doc.SessionID = value
		case "created":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				doc.CreatedAt = t
			}
		}
	}

	sections := strings.Split(body, "\n## ")
	for _, sec := range sections[1:] {
		title, content, _ := strings.Cut(sec, "\n")
		content = strings.TrimSpace(content)
		switch strings.TrimSpace(title) {
		case "Goal":
			doc.Goal = content
		case "Vision":
			doc.Vision = content
		case "Context":
			doc.Context = content
		case "Requirements":
			doc.Requirements = content
		case "Success Criteria":
			doc.SuccessCriteria = content
		case "Notes":
			doc.Notes = content
		}
	}
	return doc, nil
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	// MissingDocument lists project contexts with no document on disk.
	MissingDocument []string
	// Orphaned lists documents whose project is unknown to the store.
	Orphaned []string
	// Drifted lists projects whose document goal no longer matches the store.
	Drifted []string
}

// Clean reports whether nothing needs operator attention.
func (r *Report) Clean() bool {
	return len(r.MissingDocument) == 0 && len(r.Orphaned) == 0 && len(r.Drifted) == 0
}

// Reconcile compares documents on disk against the store's project contexts.
// It never repairs; drift is reported for an operator to resolve.
func (m *Manager) Reconcile(ctx context.Context, st *store.Store) (*Report, error) {
	projects, err := st.ListContexts(ctx, store.ContextFilter{Scope: store.ScopeProject})
	if err != nil {
		return nil, err
	}

	report := &Report{}
	known := make(map[string]bool, len(projects))
	for _, p := range projects {
		known[p.ID] = true
		if !m.Exists(p.ID) {
			report.MissingDocument = append(report.MissingDocument, p.ID)
			continue
		}
		doc, err := m.Read(p.ID)
		if err != nil {
			report.Drifted = append(report.Drifted, p.ID)
			continue
		}
		if doc.Goal != p.Goal {
			report.Drifted = append(report.Drifted, p.ID)
		}
	}

	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return report, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan projects dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || known[e.Name()] {
			continue
		}
		if m.Exists(e.Name()) {
			report.Orphaned = append(report.Orphaned, e.Name())
		}
	}

	if !report.Clean() {
		m.logger.Warn("Identity reconciliation found drift",
			zap.Strings("missing_document", report.MissingDocument),
			zap.Strings("orphaned", report.Orphaned),
			zap.Strings("drifted", report.Drifted),
		)
	}
	return report, nil
}
