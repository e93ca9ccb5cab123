package assembler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/loom/internal/config"
	"github.com/normanking/loom/internal/knowledge"
	"github.com/normanking/loom/internal/modes"
	"github.com/normanking/loom/internal/project"
)

type fakeMeta struct {
	meta *project.Meta
	err  error
}

func (f *fakeMeta) Load(projectID string) (*project.Meta, error) {
	if f.err != nil {
		return project.Default(), f.err
	}
	return f.meta, nil
}

func synthMeta() *project.Meta {
	return &project.Meta{
		Vision: "Modular synth toolkit",
		Roadmap: []project.Milestone{
			{Milestone: "oscillator bank", Status: project.StatusDone},
			{Milestone: "filter section", Status: project.StatusActive, Notes: "ladder first"},
			{Milestone: "preset browser", Status: project.StatusPlanned},
		},
		Decisions: []project.Decision{
			{Decision: "Use FAUST for DSP", Status: project.DecisionAccepted, Rationale: "fast iteration"},
			{Decision: "Ship AU", Status: project.DecisionRejected},
		},
		Handoffs: map[string][]string{"FAUST": {"port ladder filter"}, "JUCE": {"wrap plugin"}},
	}
}

func faustRetriever() *knowledge.StaticRetriever {
	return &knowledge.StaticRetriever{Passages: []knowledge.StaticPassage{
		{Passage: knowledge.Passage{SourceCollection: "faust-docs", Text: "fi.lowpass(N, fc) is an Nth-order Butterworth lowpass filter.", Score: 0.9}, Tags: []string{"faust"}},
		{Passage: knowledge.Passage{SourceCollection: "faust-docs", Text: "fi.resonlp is a resonant lowpass.", Score: 0.6}, Tags: []string{"faust"}},
		{Passage: knowledge.Passage{SourceCollection: "juce-docs", Text: "AudioProcessor::processBlock", Score: 0.95}, Tags: []string{"juce"}},
	}}
}

func history(n int) []Turn {
	var turns []Turn
	for i := 0; i < n; i++ {
		role := TurnUser
		if i%2 == 1 {
			role = TurnAssistant
		}
		turns = append(turns, Turn{Role: role, Content: fmt.Sprintf("turn %d", i), Timestamp: time.Unix(int64(i), 0)})
	}
	return turns
}

func faustRequest(t *testing.T) Request {
	t.Helper()
	mode, err := modes.Default().Get("FAUST")
	require.NoError(t, err)
	return Request{
		Mode:      mode,
		ProjectID: "synth",
		Question:  "How do I build a lowpass filter?",
		History:   history(4),
	}
}

func kinds(c *Context) []LayerKind {
	var out []LayerKind
	for _, l := range c.Layers {
		out = append(out, l.Kind)
	}
	return out
}

func TestAssemble_AllLayers(t *testing.T) {
	a := New(Config{CharBudget: 100000}, faustRetriever(), &fakeMeta{meta: synthMeta()})

	c, err := a.Assemble(context.Background(), faustRequest(t))
	require.NoError(t, err)

	assert.Equal(t, Order(), kinds(c))
	assert.Empty(t, c.TruncatedLayers())
	assert.Empty(t, c.Degraded)

	assert.Contains(t, c.Layer(LayerSystem).Content, "FAUST mode for project synth")

	meta := c.Layer(LayerProjectMeta).Content
	assert.Contains(t, meta, "Vision: Modular synth toolkit")
	assert.Contains(t, meta, "- filter section [active]: ladder first")
	assert.NotContains(t, meta, "oscillator bank", "done milestones are omitted")
	assert.NotContains(t, meta, "Ship AU", "rejected decisions are omitted")
	assert.Contains(t, meta, "- port ladder filter")
	assert.NotContains(t, meta, "wrap plugin", "other modes' handoffs are omitted")

	require.Len(t, c.Passages, 2)
	assert.Equal(t, "faust-docs", c.Passages[0].SourceCollection)
	assert.Equal(t, 0.9, c.Passages[0].Score)

	hist := c.Layer(LayerHistory).Content
	assert.True(t, strings.Index(hist, "turn 0") < strings.Index(hist, "turn 3"), "history is oldest first")

	assert.Equal(t, "How do I build a lowpass filter?", c.Layer(LayerQuestion).Content)

	prompt := c.Prompt()
	last := -1
	for _, kind := range Order() {
		i := strings.Index(prompt, headers[kind])
		require.NotEqual(t, -1, i, "missing %s", kind)
		assert.Greater(t, i, last)
		last = i
	}
}

func TestAssemble_TruncationPriority(t *testing.T) {
	req := faustRequest(t)
	full, err := New(Config{CharBudget: 100000}, faustRetriever(), &fakeMeta{meta: synthMeta()}).Assemble(context.Background(), req)
	require.NoError(t, err)

	// One character over: only project state shrinks
	c, err := New(Config{CharBudget: full.TotalChars - 1}, faustRetriever(), &fakeMeta{meta: synthMeta()}).Assemble(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []LayerKind{LayerProjectMeta}, c.TruncatedLayers())
	assert.LessOrEqual(t, c.TotalChars, c.Budget)
	assert.NotEmpty(t, c.Layer(LayerProjectMeta).Content)

	// Project state gone entirely plus one more: passages go next
	budget := full.TotalChars - full.Layer(LayerProjectMeta).Chars() - 1
	c, err = New(Config{CharBudget: budget}, faustRetriever(), &fakeMeta{meta: synthMeta()}).Assemble(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []LayerKind{LayerProjectMeta, LayerRetrieval}, c.TruncatedLayers())
	assert.Empty(t, c.Layer(LayerProjectMeta).Content)
	require.Len(t, c.Passages, 1)
	assert.Equal(t, 0.9, c.Passages[0].Score, "lowest-ranked passage is dropped first")
	assert.Equal(t, full.Layer(LayerHistory).Content, c.Layer(LayerHistory).Content)
}

func TestAssemble_HistoryDropsOldestFirst(t *testing.T) {
	req := faustRequest(t)
	req.ProjectID = ""
	req.History = history(6)

	full, err := New(Config{CharBudget: 100000}, nil, nil).Assemble(context.Background(), req)
	require.NoError(t, err)

	c, err := New(Config{CharBudget: full.TotalChars - 1}, nil, nil).Assemble(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []LayerKind{LayerHistory}, c.TruncatedLayers())
	hist := c.Layer(LayerHistory).Content
	assert.NotContains(t, hist, "turn 0")
	assert.Contains(t, hist, "turn 5")
}

func TestAssemble_HistoryWindow(t *testing.T) {
	req := faustRequest(t)
	req.History = append(history(10), Turn{Role: TurnUser, Content: "   "})

	c, err := New(Config{CharBudget: 100000, HistoryTurns: 3}, nil, nil).Assemble(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "assistant: turn 7\nuser: turn 8\nassistant: turn 9", c.Layer(LayerHistory).Content)
	assert.False(t, c.Layer(LayerHistory).Truncated)
}

func TestAssemble_BudgetSmallerThanFixedLayers(t *testing.T) {
	a := New(Config{CharBudget: 10}, faustRetriever(), &fakeMeta{meta: synthMeta()})

	c, err := a.Assemble(context.Background(), faustRequest(t))
	require.NoError(t, err)

	assert.Equal(t, Order(), kinds(c))
	for _, kind := range []LayerKind{LayerProjectMeta, LayerRetrieval, LayerHistory} {
		l := c.Layer(kind)
		assert.Empty(t, l.Content, kind)
		assert.True(t, l.Truncated, kind)
	}
	assert.NotEmpty(t, c.Layer(LayerSystem).Content)
	assert.False(t, c.Layer(LayerSystem).Truncated)
	assert.Equal(t, "How do I build a lowpass filter?", c.Layer(LayerQuestion).Content)
	assert.Greater(t, c.TotalChars, c.Budget)
	assert.Empty(t, c.Passages)
}

func TestAssemble_RetrieverUnavailable(t *testing.T) {
	r := faustRetriever()
	r.Err = fmt.Errorf("%w: connection refused", knowledge.ErrRetrievalFailure)

	c, err := New(Config{CharBudget: 100000}, r, &fakeMeta{meta: synthMeta()}).Assemble(context.Background(), faustRequest(t))
	require.NoError(t, err)

	l := c.Layer(LayerRetrieval)
	assert.Empty(t, l.Content)
	assert.True(t, l.Truncated)
	require.Len(t, c.Degraded, 1)
	assert.Contains(t, c.Degraded[0], "retrieval")
	assert.NotEmpty(t, c.Layer(LayerProjectMeta).Content)
}

func TestAssemble_ProjectMetaCorrupt(t *testing.T) {
	meta := &fakeMeta{err: fmt.Errorf("%w: bad yaml", config.ErrConfigCorrupt)}

	c, err := New(Config{CharBudget: 100000}, faustRetriever(), meta).Assemble(context.Background(), faustRequest(t))
	require.NoError(t, err)

	l := c.Layer(LayerProjectMeta)
	assert.Empty(t, l.Content)
	assert.True(t, l.Truncated)
	require.Len(t, c.Degraded, 1)
	assert.Contains(t, c.Degraded[0], "project_meta")
	assert.Len(t, c.Passages, 2)
}

func TestAssemble_NoProject(t *testing.T) {
	req := faustRequest(t)
	req.ProjectID = ""

	c, err := New(Config{CharBudget: 100000}, nil, &fakeMeta{err: errors.New("must not be called")}).Assemble(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, c.Layer(LayerProjectMeta).Content)
	assert.Empty(t, c.TruncatedLayers())
}

func TestAssemble_RequiresMode(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil).Assemble(context.Background(), Request{Question: "x"})
	assert.Error(t, err)
}

func TestRankPassages(t *testing.T) {
	in := []knowledge.Passage{
		{Text: "a longer passage text", Score: 0.5},
		{Text: "short", Score: 0.5},
		{Text: "best", Score: 0.8},
		{Text: "noise", Score: 0.01},
		{Text: "  ", Score: 0.9},
	}

	got := rankPassages(in, 0.05, 10)
	require.Len(t, got, 3)
	assert.Equal(t, "best", got[0].Text)
	assert.Equal(t, "short", got[1].Text, "equal scores prefer shorter text")
	assert.Equal(t, "a longer passage text", got[2].Text)

	assert.Len(t, rankPassages(in, 0.05, 2), 2)
}
