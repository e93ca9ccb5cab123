// Package project holds the structured per-project state document (vision,
// roadmap, decisions, handoffs) and the merge rules used when agents sync
// their view of it back.
package project

import (
	"strings"
	"time"
)

// Milestone statuses, in lattice order. Active and in-progress share a rank.
const (
	StatusPlanned    = "planned"
	StatusActive     = "active"
	StatusInProgress = "in-progress"
	StatusDone       = "done"
)

// Decision statuses, in lattice order. Superseded and rejected share a rank.
const (
	DecisionProposed   = "proposed"
	DecisionAccepted   = "accepted"
	DecisionSuperseded = "superseded"
	DecisionRejected   = "rejected"
)

// Meta is the persisted state of one project.
type Meta struct {
	Vision      string              `yaml:"vision" json:"vision"`
	Roadmap     []Milestone         `yaml:"roadmap" json:"roadmap"`
	Decisions   []Decision          `yaml:"decisions" json:"decisions"`
	Handoffs    map[string][]string `yaml:"handoffs" json:"handoffs"`
	ExportQueue []string            `yaml:"export_queue" json:"export_queue"`
	Completed   []string            `yaml:"completed" json:"completed"`
	LastUpdated time.Time           `yaml:"last_updated" json:"last_updated"`
	UpdatedBy   string              `yaml:"updated_by" json:"updated_by"`
}

// Milestone is one roadmap entry, identified by its name.
type Milestone struct {
	Milestone string `yaml:"milestone" json:"milestone"`
	Status    string `yaml:"status" json:"status"`
	Notes     string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Decision is one recorded decision, identified by its text.
type Decision struct {
	Decision  string `yaml:"decision" json:"decision"`
	Rationale string `yaml:"rationale,omitempty" json:"rationale,omitempty"`
	Status    string `yaml:"status" json:"status"`
}

// Default returns the empty document used on first use of a project.
func Default() *Meta {
	return &Meta{}
}

// OpenMilestones returns roadmap entries whose status is not done.
func (m *Meta) OpenMilestones() []Milestone {
	var out []Milestone
	for _, ms := range m.Roadmap {
		if normalizeStatus(ms.Status) != StatusDone {
			out = append(out, ms)
		}
	}
	return out
}

// ActiveDecisions returns decisions that are neither superseded nor rejected.
func (m *Meta) ActiveDecisions() []Decision {
	var out []Decision
	for _, d := range m.Decisions {
		if decisionRank(d.Status) < decisionRank(DecisionSuperseded) {
			out = append(out, d)
		}
	}
	return out
}

// HandoffsFor returns the pending tasks handed to mode.
func (m *Meta) HandoffsFor(mode string) []string {
	if m.Handoffs == nil {
		return nil
	}
	if tasks, ok := m.Handoffs[mode]; ok {
		return tasks
	}
	// Mode names are matched case-insensitively
	for k, tasks := range m.Handoffs {
		if strings.EqualFold(k, mode) {
			return tasks
		}
	}
	return nil
}

// IsEmpty reports whether the document holds no project state.
func (m *Meta) IsEmpty() bool {
	return m.Vision == "" && len(m.Roadmap) == 0 && len(m.Decisions) == 0 &&
		len(m.Handoffs) == 0 && len(m.ExportQueue) == 0 && len(m.Completed) == 0
}

// Clone returns a deep copy.
func (m *Meta) Clone() *Meta {
	if m == nil {
		return nil
	}
	out := *m
	out.Roadmap = append([]Milestone(nil), m.Roadmap...)
	out.Decisions = append([]Decision(nil), m.Decisions...)
	out.ExportQueue = append([]string(nil), m.ExportQueue...)
	out.Completed = append([]string(nil), m.Completed...)
	if m.Handoffs != nil {
		out.Handoffs = make(map[string][]string, len(m.Handoffs))
		for k, v := range m.Handoffs {
			out.Handoffs[k] = append([]string(nil), v...)
		}
	}
	return &out
}

func normalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// milestoneRank places a status on the planned → active → done lattice.
// Unknown or empty statuses rank below planned.
func milestoneRank(s string) int {
	switch normalizeStatus(s) {
	case StatusPlanned:
		return 0
	case StatusActive, StatusInProgress, "in progress", "in_progress":
		return 1
	case StatusDone:
		return 2
	default:
		return -1
	}
}

// decisionRank places a status on the proposed → accepted → superseded lattice.
func decisionRank(s string) int {
	switch normalizeStatus(s) {
	case DecisionProposed:
		return 0
	case DecisionAccepted:
		return 1
	case DecisionSuperseded, DecisionRejected:
		return 2
	default:
		return -1
	}
}
