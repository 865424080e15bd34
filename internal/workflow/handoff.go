package workflow

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"

	"github.com/devflow-io/devflow/internal/store"
)

// Handoff is the digest one agent leaves for the next: an XML-tagged summary
// of its result plus the step trail. It travels inside the next agent's input
// under the "handoff" key.
type Handoff struct {
	XMLName xml.Name      `xml:"handoff"`
	Agent   string        `xml:"agent,attr"`
	Summary string        `xml:"summary"`
	Steps   []HandoffStep `xml:"step,omitempty"`
}

// HandoffStep is one executed step in the digest.
type HandoffStep struct {
	Name  string `xml:"name,attr"`
	Index int    `xml:"index,attr"`
}

// buildHandoff digests a role's result payload. Scalar fields become the
// summary; nested payloads are reduced to their size so a digest never
// re-inflates what compression saved.
func buildHandoff(roleName string, result store.JSONMap, steps []HandoffStep) Handoff {
	parts := make([]string, 0, len(result))
	for key, value := range result {
		switch v := value.(type) {
		case string:
			parts = append(parts, fmt.Sprintf("%s=%s", key, v))
		case bool:
			parts = append(parts, fmt.Sprintf("%s=%t", key, v))
		case int:
			parts = append(parts, fmt.Sprintf("%s=%d", key, v))
		case int64:
			parts = append(parts, fmt.Sprintf("%s=%d", key, v))
		case float64:
			parts = append(parts, fmt.Sprintf("%s=%g", key, v))
		case []store.JSONMap:
			parts = append(parts, fmt.Sprintf("%s=%d items", key, len(v)))
		case []interface{}:
			parts = append(parts, fmt.Sprintf("%s=%d items", key, len(v)))
		}
	}
	sort.Strings(parts)
	return Handoff{
		Agent:   roleName,
		Summary: strings.Join(parts, " "),
		Steps:   steps,
	}
}

// Digest renders the handoff as its XML wire form.
func (h Handoff) Digest() string {
	out, err := xml.Marshal(h)
	if err != nil {
		// Summary and steps are plain strings; marshalling them cannot fail.
		return fmt.Sprintf("<handoff agent=%q></handoff>", h.Agent)
	}
	return string(out)
}

// mergeHandoff copies the base input and joins the accumulated digests under
// the "handoff" key. The base map is never mutated; executions snapshot their
// input at construction.
func mergeHandoff(base store.JSONMap, digests []string) store.JSONMap {
	merged := make(store.JSONMap, len(base)+1)
	for k, v := range base {
		merged[k] = v
	}
	if len(digests) > 0 {
		merged["handoff"] = strings.Join(digests, "\n")
	}
	return merged
}
