package project

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleA() *Meta {
	return &Meta{
		Vision: "Modular synth toolkit",
		Roadmap: []Milestone{
			{Milestone: "oscillator bank", Status: StatusDone},
			{Milestone: "filter section", Status: StatusActive, Notes: "ladder first"},
		},
		Decisions: []Decision{
			{Decision: "Use FAUST for DSP", Status: DecisionAccepted},
		},
		Handoffs:    map[string][]string{"JUCE": {"wrap filter in plugin"}},
		ExportQueue: []string{"filter.dsp"},
		LastUpdated: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func sampleB() *Meta {
	return &Meta{
		Roadmap: []Milestone{
			{Milestone: "Filter Section", Status: StatusDone},
			{Milestone: "oscillator bank", Status: StatusPlanned},
			{Milestone: "preset browser", Status: StatusPlanned},
		},
		Decisions: []Decision{
			{Decision: "use  faust for dsp", Status: DecisionProposed, Rationale: "fast iteration"},
			{Decision: "Ship VST3 only", Status: DecisionProposed},
		},
		Handoffs:    map[string][]string{"JUCE": {"wrap filter in plugin", "add UI"}, "DOCS": {"document filter"}},
		ExportQueue: []string{"filter.dsp", "osc.dsp"},
		Completed:   []string{"filter.dsp"},
		UpdatedBy:   "FAUST",
		LastUpdated: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func sampleC() *Meta {
	return &Meta{
		Vision: "Modular synth toolkit with presets",
		Roadmap: []Milestone{
			{Milestone: "preset browser", Status: StatusInProgress, Notes: "list view"},
		},
		Decisions: []Decision{
			{Decision: "Ship VST3 only", Status: DecisionRejected},
		},
		UpdatedBy: "JUCE",
	}
}

func TestMerge_Union(t *testing.T) {
	got, report := MergeWithReport(sampleA(), sampleB(), StrategyUnion)

	assert.Equal(t, "Modular synth toolkit", got.Vision)
	require.Len(t, got.Roadmap, 3)
	assert.Equal(t, Milestone{Milestone: "oscillator bank", Status: StatusDone}, got.Roadmap[0])
	assert.Equal(t, Milestone{Milestone: "filter section", Status: StatusDone, Notes: "ladder first"}, got.Roadmap[1])
	assert.Equal(t, "preset browser", got.Roadmap[2].Milestone)

	assert.Equal(t, []string{"preset browser"}, report.AddedMilestones)
	assert.Equal(t, []string{"Filter Section"}, report.AdvancedStatuses)
	assert.Equal(t, []string{"oscillator bank"}, report.HeldStatuses)

	require.Len(t, got.Decisions, 2)
	assert.Equal(t, DecisionAccepted, got.Decisions[0].Status, "decision status must not regress")
	assert.Equal(t, "fast iteration", got.Decisions[0].Rationale)
	assert.Equal(t, []string{"Ship VST3 only"}, report.AddedDecisions)

	assert.Equal(t, []string{"wrap filter in plugin", "add UI"}, got.Handoffs["JUCE"])
	assert.Equal(t, []string{"document filter"}, got.Handoffs["DOCS"])
	assert.Equal(t, []string{"osc.dsp"}, got.ExportQueue)
	assert.Equal(t, []string{"filter.dsp"}, got.Completed)
	assert.Equal(t, "FAUST", got.UpdatedBy)
	assert.Equal(t, sampleB().LastUpdated, got.LastUpdated)
}

func TestMerge_DoesNotModifyInputs(t *testing.T) {
	a, b := sampleA(), sampleB()
	Merge(a, b, StrategyUnion)
	assert.Equal(t, sampleA(), a)
	assert.Equal(t, sampleB(), b)
}

func TestMerge_Idempotent(t *testing.T) {
	once := Merge(sampleA(), sampleB(), StrategyUnion)
	twice := Merge(once, sampleB(), StrategyUnion)
	assert.Equal(t, once, twice)

	self := Merge(sampleA(), sampleA(), StrategyUnion)
	assert.Equal(t, normalize(sampleA()), self)
}

func TestMerge_Associative(t *testing.T) {
	left := Merge(Merge(sampleA(), sampleB(), StrategyUnion), sampleC(), StrategyUnion)
	right := Merge(sampleA(), Merge(sampleB(), sampleC(), StrategyUnion), StrategyUnion)
	assert.Equal(t, left, right)
}

func TestMerge_NeverDropsOpenMilestones(t *testing.T) {
	incoming := &Meta{Roadmap: []Milestone{{Milestone: "something else", Status: StatusPlanned}}}
	got := Merge(sampleA(), incoming, StrategyUnion)

	names := make([]string, 0, len(got.Roadmap))
	for _, ms := range got.Roadmap {
		names = append(names, ms.Milestone)
	}
	assert.Contains(t, names, "filter section")
	assert.Contains(t, names, "something else")
}

func TestMerge_StatusLattice(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		incoming string
		want     string
	}{
		{"advance planned to active", StatusPlanned, StatusActive, StatusActive},
		{"advance active to done", StatusActive, StatusDone, StatusDone},
		{"hold done against planned", StatusDone, StatusPlanned, StatusDone},
		{"hold active against planned", StatusInProgress, StatusPlanned, StatusInProgress},
		{"equal rank takes incoming", StatusActive, StatusInProgress, StatusInProgress},
		{"unknown never wins", StatusPlanned, "someday", StatusPlanned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existing := &Meta{Roadmap: []Milestone{{Milestone: "m", Status: tt.existing}}}
			incoming := &Meta{Roadmap: []Milestone{{Milestone: "m", Status: tt.incoming}}}
			got := Merge(existing, incoming, StrategyUnion)
			require.Len(t, got.Roadmap, 1)
			assert.Equal(t, tt.want, got.Roadmap[0].Status)
		})
	}
}

func TestMerge_Replace(t *testing.T) {
	incoming := &Meta{Vision: "new direction", Roadmap: []Milestone{{Milestone: "oscillator bank", Status: StatusPlanned}}}
	got, report := MergeWithReport(sampleA(), incoming, StrategyReplace)

	assert.Equal(t, "new direction", got.Vision)
	require.Len(t, got.Roadmap, 1)
	assert.Equal(t, StatusPlanned, got.Roadmap[0].Status)
	assert.Nil(t, got.Decisions)
	assert.Equal(t, []string{"filter section"}, report.DroppedOpenOnSwap)
}

func TestMerge_NilInputs(t *testing.T) {
	got := Merge(nil, nil, StrategyUnion)
	require.NotNil(t, got)
	assert.True(t, got.IsEmpty())

	got = Merge(nil, sampleA(), StrategyUnion)
	assert.Equal(t, "Modular synth toolkit", got.Vision)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyUnion, s)

	s, err = ParseStrategy(" Replace ")
	require.NoError(t, err)
	assert.Equal(t, StrategyReplace, s)

	_, err = ParseStrategy("overwrite")
	assert.Error(t, err)
}

func TestMeta_Views(t *testing.T) {
	m := Merge(sampleA(), sampleC(), StrategyUnion)

	open := m.OpenMilestones()
	require.Len(t, open, 2)
	assert.Equal(t, "filter section", open[0].Milestone)

	m.Decisions = append(m.Decisions, Decision{Decision: "old", Status: DecisionSuperseded})
	active := m.ActiveDecisions()
	require.Len(t, active, 1)
	assert.Equal(t, "Use FAUST for DSP", active[0].Decision)

	assert.Equal(t, []string{"wrap filter in plugin"}, m.HandoffsFor("juce"))
	assert.Nil(t, m.HandoffsFor("CODER"))

	clone := m.Clone()
	clone.Handoffs["JUCE"][0] = "changed"
	assert.Equal(t, "wrap filter in plugin", m.Handoffs["JUCE"][0])
}
