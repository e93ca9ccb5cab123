package project

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Strategy selects how an incoming document combines with the stored one.
type Strategy string

const (
	// StrategyUnion merges entries by identity; statuses never regress.
	StrategyUnion Strategy = "union"
	// StrategyReplace makes the incoming document supersede the stored one.
	StrategyReplace Strategy = "replace"
)

// ParseStrategy converts a string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyUnion, "":
		return StrategyUnion, nil
	case StrategyReplace:
		return StrategyReplace, nil
	default:
		return "", fmt.Errorf("unknown merge strategy %q (want union or replace)", s)
	}
}

// MergeReport describes what a merge changed.
type MergeReport struct {
	AddedMilestones   []string
	AdvancedStatuses  []string // milestones whose status moved forward
	HeldStatuses      []string // milestones whose incoming status would have regressed
	AddedDecisions    []string
	DroppedOpenOnSwap []string // non-done milestones removed by a replace
}

// Merge combines existing and incoming under strategy. Neither argument is
// modified. Union merges are idempotent and associative.
func Merge(existing, incoming *Meta, strategy Strategy) *Meta {
	out, _ := MergeWithReport(existing, incoming, strategy)
	return out
}

// MergeWithReport is Merge plus a description of the changes.
func MergeWithReport(existing, incoming *Meta, strategy Strategy) (*Meta, MergeReport) {
	var report MergeReport
	if existing == nil {
		existing = Default()
	}
	if incoming == nil {
		incoming = Default()
	}

	if strategy == StrategyReplace {
		kept := make(map[string]bool, len(incoming.Roadmap))
		for _, ms := range incoming.Roadmap {
			kept[milestoneKey(ms.Milestone)] = true
		}
		for _, ms := range existing.OpenMilestones() {
			if !kept[milestoneKey(ms.Milestone)] {
				report.DroppedOpenOnSwap = append(report.DroppedOpenOnSwap, ms.Milestone)
			}
		}
		if len(report.DroppedOpenOnSwap) > 0 {
			log.Warn().Strs("milestones", report.DroppedOpenOnSwap).Msg("replace merge drops open milestones")
		}
		return normalize(incoming.Clone()), report
	}

	out := &Meta{
		Vision:      lastNonEmpty(existing.Vision, incoming.Vision),
		Roadmap:     mergeRoadmap(existing.Roadmap, incoming.Roadmap, &report),
		Decisions:   mergeDecisions(existing.Decisions, incoming.Decisions, &report),
		Handoffs:    mergeHandoffs(existing.Handoffs, incoming.Handoffs),
		Completed:   unionStrings(existing.Completed, incoming.Completed),
		UpdatedBy:   lastNonEmpty(existing.UpdatedBy, incoming.UpdatedBy),
		LastUpdated: existing.LastUpdated,
	}
	if incoming.LastUpdated.After(out.LastUpdated) {
		out.LastUpdated = incoming.LastUpdated
	}
	out.ExportQueue = subtractStrings(unionStrings(existing.ExportQueue, incoming.ExportQueue), out.Completed)

	return normalize(out), report
}

// mergeRoadmap keeps existing order, appends new milestones in incoming
// order, and lets incoming fields win except for a regressing status.
func mergeRoadmap(existing, incoming []Milestone, report *MergeReport) []Milestone {
	out := append([]Milestone(nil), existing...)
	index := make(map[string]int, len(out))
	for i, ms := range out {
		index[milestoneKey(ms.Milestone)] = i
	}

	for _, in := range incoming {
		key := milestoneKey(in.Milestone)
		if key == "" {
			continue
		}
		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, in)
			report.AddedMilestones = append(report.AddedMilestones, in.Milestone)
			continue
		}

		cur := out[i]
		merged := cur
		merged.Notes = lastNonEmpty(cur.Notes, in.Notes)
		switch {
		case milestoneRank(in.Status) > milestoneRank(cur.Status):
			merged.Status = in.Status
			report.AdvancedStatuses = append(report.AdvancedStatuses, in.Milestone)
		case milestoneRank(in.Status) == milestoneRank(cur.Status):
			merged.Status = in.Status
		default:
			report.HeldStatuses = append(report.HeldStatuses, in.Milestone)
		}
		out[i] = merged
	}
	return out
}

// mergeDecisions follows the same rules as mergeRoadmap, keyed by decision text.
func mergeDecisions(existing, incoming []Decision, report *MergeReport) []Decision {
	out := append([]Decision(nil), existing...)
	index := make(map[string]int, len(out))
	for i, d := range out {
		index[decisionKey(d.Decision)] = i
	}

	for _, in := range incoming {
		key := decisionKey(in.Decision)
		if key == "" {
			continue
		}
		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, in)
			report.AddedDecisions = append(report.AddedDecisions, in.Decision)
			continue
		}

		cur := out[i]
		merged := cur
		merged.Rationale = lastNonEmpty(cur.Rationale, in.Rationale)
		if decisionRank(in.Status) >= decisionRank(cur.Status) {
			merged.Status = in.Status
		}
		out[i] = merged
	}
	return out
}

func mergeHandoffs(existing, incoming map[string][]string) map[string][]string {
	if len(existing) == 0 && len(incoming) == 0 {
		return nil
	}
	out := make(map[string][]string, len(existing)+len(incoming))
	for mode, tasks := range existing {
		out[mode] = unionStrings(out[mode], tasks)
	}
	for mode, tasks := range incoming {
		out[mode] = unionStrings(out[mode], tasks)
	}
	return out
}

// unionStrings is an order-preserving set union.
func unionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func subtractStrings(a, remove []string) []string {
	if len(a) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(remove))
	for _, s := range remove {
		drop[s] = true
	}
	var out []string
	for _, s := range a {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}

func lastNonEmpty(a, b string) string {
	if b != "" {
		return b
	}
	return a
}

func milestoneKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func decisionKey(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// normalize maps empty collections to nil so equal documents compare equal.
func normalize(m *Meta) *Meta {
	if len(m.Roadmap) == 0 {
		m.Roadmap = nil
	}
	if len(m.Decisions) == 0 {
		m.Decisions = nil
	}
	if len(m.ExportQueue) == 0 {
		m.ExportQueue = nil
	}
	if len(m.Completed) == 0 {
		m.Completed = nil
	}
	if len(m.Handoffs) == 0 {
		m.Handoffs = nil
	} else {
		for k, v := range m.Handoffs {
			if len(v) == 0 {
				delete(m.Handoffs, k)
			}
		}
		if len(m.Handoffs) == 0 {
			m.Handoffs = nil
		}
	}
	return m
}
