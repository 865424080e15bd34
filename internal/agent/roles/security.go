package roles

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/store"
)

// Severity of a security finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Pattern categories scanned by the security role.
const (
	CategorySecrets       = "secrets"
	CategoryVulnerability = "vulnerabilities"
	CategoryConfiguration = "configurations"
	CategoryModernThreats = "modern"
)

type pattern struct {
	Rule     string
	Category string
	Severity Severity
	re       *regexp.Regexp
}

// Finding is one match of a pattern in the scanned tree.
type Finding struct {
	Rule     string   `json:"rule"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Excerpt  string   `json:"excerpt"`
}

// builtinPatterns is the shipped rule set, organised in the four categories.
var builtinPatterns = []pattern{
	{Rule: "aws-access-key", Category: CategorySecrets, Severity: SeverityCritical,
		re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{Rule: "github-token", Category: CategorySecrets, Severity: SeverityCritical,
		re: regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`)},
	{Rule: "private-key-block", Category: CategorySecrets, Severity: SeverityCritical,
		re: regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`)},
	{Rule: "hardcoded-password", Category: CategorySecrets, Severity: SeverityHigh,
		re: regexp.MustCompile(`(?i)password\s*[:=]\s*["'][^"']{4,}["']`)},

	{Rule: "sql-string-concat", Category: CategoryVulnerability, Severity: SeverityHigh,
		re: regexp.MustCompile(`(?i)(?:SELECT|INSERT|UPDATE|DELETE)[^"\n]*"\s*\+`)},
	{Rule: "command-injection", Category: CategoryVulnerability, Severity: SeverityHigh,
		re: regexp.MustCompile(`(?i)(?:os\.system|exec\.Command|eval)\([^)]*\+`)},
	{Rule: "path-traversal", Category: CategoryVulnerability, Severity: SeverityMedium,
		re: regexp.MustCompile(`\.\./\.\./`)},

	{Rule: "debug-enabled", Category: CategoryConfiguration, Severity: SeverityMedium,
		re: regexp.MustCompile(`(?i)debug\s*[:=]\s*true`)},
	{Rule: "wildcard-cors", Category: CategoryConfiguration, Severity: SeverityMedium,
		re: regexp.MustCompile(`Access-Control-Allow-Origin["':\s]*\*`)},
	{Rule: "insecure-transport", Category: CategoryConfiguration, Severity: SeverityLow,
		re: regexp.MustCompile(`(?i)(?:verify|tls)\s*[:=]\s*(?:false|none)`)},

	{Rule: "curl-pipe-shell", Category: CategoryModernThreats, Severity: SeverityHigh,
		re: regexp.MustCompile(`curl[^|\n]*\|\s*(?:ba)?sh`)},
	{Rule: "prompt-injection-marker", Category: CategoryModernThreats, Severity: SeverityMedium,
		re: regexp.MustCompile(`(?i)ignore (?:all )?previous instructions`)},
	{Rule: "typosquat-install", Category: CategoryModernThreats, Severity: SeverityInfo,
		re: regexp.MustCompile(`(?i)pip install .*--index-url\s+http://`)},
}

// Scanned file size cap; bigger files are skipped, not truncated.
const maxScanFileSize = 1 << 20

// Security scans a filesystem tree for the four pattern categories.
type Security struct {
	logger  *zap.Logger
	workers int
}

// NewSecurity builds the role; workers 0 means one per CPU.
func NewSecurity(logger *zap.Logger, workers int) *Security {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Security{logger: logger, workers: workers}
}

func (r *Security) Name() string { return "security" }

func (r *Security) StepPlan() agent.StepPlan {
	return agent.StepPlan{
		"init-patterns", "scan-secrets", "scan-vulnerabilities",
		"scan-configuration", "scan-modern", "summarize",
	}
}

func (r *Security) ExecuteStep(ctx context.Context, step string, ex *agent.Execution) (store.JSONMap, error) {
	switch step {
	case "init-patterns":
		return r.initPatterns(ex)
	case "scan-secrets":
		return r.scanCategory(ctx, ex, CategorySecrets)
	case "scan-vulnerabilities":
		return r.scanCategory(ctx, ex, CategoryVulnerability)
	case "scan-configuration":
		return r.scanCategory(ctx, ex, CategoryConfiguration)
	case "scan-modern":
		return r.scanCategory(ctx, ex, CategoryModernThreats)
	case "summarize":
		return r.summarize(ex)
	default:
		return nil, agent.NewError(agent.KindStateViolation, "unknown step %q", step)
	}
}

func (r *Security) initPatterns(ex *agent.Execution) (store.JSONMap, error) {
	root := inputString(ex, "path")
	if root == "" {
		return nil, agent.NewError(agent.KindConfigInvalid, "security scan requires a path")
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, agent.NewError(agent.KindConfigInvalid, "scan path %q is not a directory", root)
	}

	var files []string
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if name := info.Name(); name == ".git" || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Size() > maxScanFileSize {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	ex.Set("files", files)
	byCategory := map[string]int{}
	for _, p := range builtinPatterns {
		byCategory[p.Category]++
	}
	return store.JSONMap{"files": len(files), "patterns": byCategory}, nil
}

// scanCategory runs the category's patterns over the file list, fanning out
// across the worker pool. A single worker is the degenerate case, so the
// single-threaded fallback is the same code path.
func (r *Security) scanCategory(ctx context.Context, ex *agent.Execution, category string) (store.JSONMap, error) {
	v, ok := ex.Get("files")
	if !ok {
		return nil, agent.NewError(agent.KindStateViolation, "file list missing, init-patterns did not run")
	}
	files := v.([]string)

	var patterns []pattern
	for _, p := range builtinPatterns {
		if p.Category == category {
			patterns = append(patterns, p)
		}
	}

	var mu sync.Mutex
	var findings []Finding

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, file := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			found, err := scanFile(file, patterns)
			if err != nil {
				// Unreadable files are skipped, not fatal.
				r.logger.Debug("Skipping unreadable file", zap.String("file", file), zap.Error(err))
				return nil
			}
			if len(found) > 0 {
				mu.Lock()
				findings = append(findings, found...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].File != findings[j].File {
			return findings[i].File < findings[j].File
		}
		return findings[i].Line < findings[j].Line
	})

	appendFindings(ex, findings)
	return store.JSONMap{"category": category, "findings": len(findings)}, nil
}

func scanFile(path string, patterns []pattern) ([]Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var findings []Finding
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxScanFileSize)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		for _, p := range patterns {
			if p.re.MatchString(text) {
				findings = append(findings, Finding{
					Rule:     p.Rule,
					Category: p.Category,
					Severity: p.Severity,
					File:     path,
					Line:     line,
					Excerpt:  truncate(strings.TrimSpace(text), 120),
				})
			}
		}
	}
	return findings, scanner.Err()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func appendFindings(ex *agent.Execution, found []Finding) {
	var all []Finding
	if v, ok := ex.Get("findings"); ok {
		all = v.([]Finding)
	}
	ex.Set("findings", append(all, found...))
}

func (r *Security) summarize(ex *agent.Execution) (store.JSONMap, error) {
	var findings []Finding
	if v, ok := ex.Get("findings"); ok {
		findings = v.([]Finding)
	}

	bySeverity := map[string]int{}
	for _, f := range findings {
		bySeverity[string(f.Severity)]++
	}

	// Full findings ride in the result payload for the next agent's handoff.
	list := make([]store.JSONMap, 0, len(findings))
	for _, f := range findings {
		list = append(list, store.JSONMap{
			"rule": f.Rule, "category": f.Category, "severity": string(f.Severity),
			"file": f.File, "line": f.Line,
		})
	}
	return store.JSONMap{
		"total":       len(findings),
		"by_severity": bySeverity,
		"findings":    list,
	}, nil
}
