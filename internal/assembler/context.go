// Package assembler builds the bounded prompt sent to a model from five
// fixed layers: agent-mode instructions, project state, retrieved passages,
// conversation history and the question itself.
package assembler

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/normanking/loom/internal/knowledge"
)

// LayerKind names one of the five prompt layers.
type LayerKind string

const (
	LayerSystem      LayerKind = "system"
	LayerProjectMeta LayerKind = "project_meta"
	LayerRetrieval   LayerKind = "retrieval"
	LayerHistory     LayerKind = "history"
	LayerQuestion    LayerKind = "question"
)

// Order returns the layer kinds in prompt order. The order never changes.
func Order() []LayerKind {
	return []LayerKind{LayerSystem, LayerProjectMeta, LayerRetrieval, LayerHistory, LayerQuestion}
}

// headers are the section titles used by Prompt.
var headers = map[LayerKind]string{
	LayerSystem:      "## Instructions",
	LayerProjectMeta: "## Project state",
	LayerRetrieval:   "## Reference passages",
	LayerHistory:     "## Conversation so far",
	LayerQuestion:    "## Question",
}

// TurnRole is the speaker of a conversation turn.
type TurnRole string

const (
	TurnUser      TurnRole = "user"
	TurnAssistant TurnRole = "assistant"
)

// Turn is one prior message in the session.
type Turn struct {
	Role      TurnRole  `json:"role"`
	Content   string    `json:"content"`
	AgentMode string    `json:"agent_mode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Layer is one section of the assembled prompt.
type Layer struct {
	Kind      LayerKind `json:"kind"`
	Content   string    `json:"content"`
	Truncated bool      `json:"truncated"`
}

// Chars returns the layer size in characters.
func (l Layer) Chars() int {
	return utf8.RuneCountInString(l.Content)
}

// Context is the assembled, budget-bounded prompt plus provenance.
type Context struct {
	Mode      string  `json:"mode"`
	ProjectID string  `json:"project_id,omitempty"`
	Layers    []Layer `json:"layers"`

	// TotalChars is the sum of layer content sizes. It is at most Budget
	// unless the system and question layers alone exceed it.
	TotalChars int `json:"total_chars"`
	Budget     int `json:"budget"`

	// Passages are the retrieved passages that survived ranking and truncation.
	Passages []knowledge.Passage `json:"passages,omitempty"`

	// Degraded lists collaborator failures absorbed while assembling.
	Degraded []string `json:"degraded,omitempty"`
}

// Layer returns the layer of the given kind.
func (c *Context) Layer(kind LayerKind) Layer {
	for _, l := range c.Layers {
		if l.Kind == kind {
			return l
		}
	}
	return Layer{Kind: kind}
}

// TruncatedLayers returns the kinds of layers that lost content.
func (c *Context) TruncatedLayers() []LayerKind {
	var out []LayerKind
	for _, l := range c.Layers {
		if l.Truncated {
			out = append(out, l.Kind)
		}
	}
	return out
}

// Prompt joins the non-empty layers in order under section headers.
func (c *Context) Prompt() string {
	var parts []string
	for _, l := range c.Layers {
		if strings.TrimSpace(l.Content) == "" {
			continue
		}
		parts = append(parts, headers[l.Kind]+"\n"+l.Content)
	}
	return strings.Join(parts, "\n\n")
}

func (c *Context) recount() {
	c.TotalChars = 0
	for _, l := range c.Layers {
		c.TotalChars += l.Chars()
	}
}
