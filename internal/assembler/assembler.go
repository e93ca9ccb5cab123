package assembler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/normanking/loom/internal/config"
	"github.com/normanking/loom/internal/knowledge"
	"github.com/normanking/loom/internal/modes"
	"github.com/normanking/loom/internal/project"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Config bounds assembly.
type Config struct {
	// CharBudget is the maximum total size of all layers in characters.
	CharBudget int
	// HistoryTurns is how many trailing turns are considered.
	HistoryTurns int
	// TopK is the maximum number of passages requested and kept.
	TopK int
	// MinScore discards passages scoring below it.
	MinScore float64
	// RetrievalTimeout bounds one retriever query.
	RetrievalTimeout time.Duration
}

// ConfigFromSettings converts the assembler section of config.yaml.
func ConfigFromSettings(s config.AssemblerConfig) Config {
	return Config{
		CharBudget:       s.CharBudget,
		HistoryTurns:     s.HistoryTurns,
		TopK:             s.TopK,
		MinScore:         s.MinScore,
		RetrievalTimeout: time.Duration(s.RetrievalTimeoutSec) * time.Second,
	}
}

// DefaultConfig returns the shipped assembler settings.
func DefaultConfig() Config {
	return ConfigFromSettings(config.Default().Assembler)
}

// MetaSource loads project state. *project.Store satisfies it.
type MetaSource interface {
	Load(projectID string) (*project.Meta, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ASSEMBLER
// ═══════════════════════════════════════════════════════════════════════════════

// Assembler builds prompts. It holds no per-request state and is safe for
// concurrent use.
type Assembler struct {
	cfg       Config
	retriever knowledge.Retriever
	meta      MetaSource
}

// New creates an assembler. retriever and meta may be nil, in which case the
// corresponding layer stays empty. Zero config fields take defaults.
func New(cfg Config, retriever knowledge.Retriever, meta MetaSource) *Assembler {
	d := DefaultConfig()
	if cfg.CharBudget <= 0 {
		cfg.CharBudget = d.CharBudget
	}
	if cfg.HistoryTurns == 0 {
		cfg.HistoryTurns = d.HistoryTurns
	}
	if cfg.TopK == 0 {
		cfg.TopK = d.TopK
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = d.RetrievalTimeout
	}
	return &Assembler{cfg: cfg, retriever: retriever, meta: meta}
}

// Config returns the effective settings.
func (a *Assembler) Config() Config {
	return a.cfg
}

// Request is the input to Assemble.
type Request struct {
	Mode      *modes.AgentMode
	ProjectID string
	Question  string
	History   []Turn
}

// Assemble builds the five-layer context for req. It never fails because of
// size: when the budget is exceeded the project state is shortened first,
// then retrieved passages, then history. Instructions and the question are
// kept whole. Retrieval and project-state failures leave their layer empty
// and flagged rather than failing the request.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Context, error) {
	if req.Mode == nil {
		return nil, fmt.Errorf("agent mode is required")
	}
	system, err := req.Mode.Render(modes.PromptData{Mode: req.Mode.Name, ProjectID: req.ProjectID})
	if err != nil {
		return nil, err
	}

	out := &Context{
		Mode:      req.Mode.Name,
		ProjectID: req.ProjectID,
		Budget:    a.cfg.CharBudget,
	}

	b := &layers{
		system:   system,
		question: strings.TrimSpace(req.Question),
	}

	lines, err := a.projectLines(req)
	if err != nil {
		b.metaTruncated = true
		out.Degraded = append(out.Degraded, "project_meta: "+err.Error())
		log.Warn().Err(err).Str("project", req.ProjectID).Msg("project state unavailable, continuing without it")
	}
	b.meta = lines

	passages, err := a.retrieve(ctx, req)
	if err != nil {
		b.retrievalTruncated = true
		out.Degraded = append(out.Degraded, "retrieval: "+err.Error())
		log.Warn().Err(err).Str("mode", req.Mode.Name).Msg("retrieval failed, continuing without passages")
	}
	b.passages = passages

	b.turns = a.recentTurns(req.History)

	b.fit(a.cfg.CharBudget)

	out.Layers = b.build()
	out.Passages = b.passages
	out.recount()

	if truncated := out.TruncatedLayers(); len(truncated) > 0 {
		log.Debug().
			Int("total_chars", out.TotalChars).
			Int("budget", out.Budget).
			Interface("truncated", truncated).
			Msg("context truncated")
	}
	return out, nil
}

// projectLines loads and summarises project state for the request's mode.
func (a *Assembler) projectLines(req Request) ([]string, error) {
	if a.meta == nil || req.ProjectID == "" {
		return nil, nil
	}
	meta, err := a.meta.Load(req.ProjectID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}
	return summarizeMeta(meta, req.Mode.Name), nil
}

// summarizeMeta renders the parts of meta relevant to mode, one fact per line.
func summarizeMeta(meta *project.Meta, mode string) []string {
	var lines []string
	if v := strings.TrimSpace(meta.Vision); v != "" {
		lines = append(lines, "Vision: "+v)
	}
	if open := meta.OpenMilestones(); len(open) > 0 {
		lines = append(lines, "Open milestones:")
		for _, ms := range open {
			line := fmt.Sprintf("- %s [%s]", ms.Milestone, ms.Status)
			if ms.Notes != "" {
				line += ": " + ms.Notes
			}
			lines = append(lines, line)
		}
	}
	if decisions := meta.ActiveDecisions(); len(decisions) > 0 {
		lines = append(lines, "Active decisions:")
		for _, d := range decisions {
			line := fmt.Sprintf("- %s [%s]", d.Decision, d.Status)
			if d.Rationale != "" {
				line += " (" + d.Rationale + ")"
			}
			lines = append(lines, line)
		}
	}
	if tasks := meta.HandoffsFor(mode); len(tasks) > 0 {
		lines = append(lines, fmt.Sprintf("Handoffs for %s:", mode))
		for _, task := range tasks {
			lines = append(lines, "- "+task)
		}
	}
	return lines
}

// retrieve queries the retriever and returns passages ranked best first.
func (a *Assembler) retrieve(ctx context.Context, req Request) ([]knowledge.Passage, error) {
	if a.retriever == nil || a.cfg.TopK <= 0 || req.Question == "" {
		return nil, nil
	}

	qctx, cancel := context.WithTimeout(ctx, a.cfg.RetrievalTimeout)
	defer cancel()

	passages, err := a.retriever.Query(qctx, req.Question, req.Mode.DomainTags, a.cfg.TopK)
	if err != nil {
		return nil, err
	}
	return rankPassages(passages, a.cfg.MinScore, a.cfg.TopK), nil
}

// rankPassages drops passages below minScore and orders the rest by score,
// shorter text first on equal scores, keeping at most topK.
func rankPassages(passages []knowledge.Passage, minScore float64, topK int) []knowledge.Passage {
	var kept []knowledge.Passage
	for _, p := range passages {
		if p.Score < minScore || strings.TrimSpace(p.Text) == "" {
			continue
		}
		kept = append(kept, p)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return utf8.RuneCountInString(kept[i].Text) < utf8.RuneCountInString(kept[j].Text)
	})
	if topK > 0 && len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}

// recentTurns returns the trailing turns that fit the configured window,
// oldest first.
func (a *Assembler) recentTurns(history []Turn) []Turn {
	var turns []Turn
	for _, t := range history {
		if strings.TrimSpace(t.Content) != "" {
			turns = append(turns, t)
		}
	}
	if a.cfg.HistoryTurns < 0 {
		return nil
	}
	if len(turns) > a.cfg.HistoryTurns {
		turns = turns[len(turns)-a.cfg.HistoryTurns:]
	}
	return turns
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRUNCATION
// ═══════════════════════════════════════════════════════════════════════════════

// layers holds layer content as droppable units until the final build.
type layers struct {
	system   string
	meta     []string
	passages []knowledge.Passage
	turns    []Turn
	question string

	metaTruncated      bool
	retrievalTruncated bool
	historyTruncated   bool
}

// fit drops units until the total fits budget: project-state lines from the
// end, then the lowest-ranked passages, then the oldest turns.
func (b *layers) fit(budget int) {
	for b.total() > budget && len(b.meta) > 0 {
		b.meta = b.meta[:len(b.meta)-1]
		b.metaTruncated = true
	}
	for b.total() > budget && len(b.passages) > 0 {
		b.passages = b.passages[:len(b.passages)-1]
		b.retrievalTruncated = true
	}
	for b.total() > budget && len(b.turns) > 0 {
		b.turns = b.turns[1:]
		b.historyTruncated = true
	}
}

func (b *layers) total() int {
	n := 0
	for _, l := range b.build() {
		n += l.Chars()
	}
	return n
}

func (b *layers) build() []Layer {
	return []Layer{
		{Kind: LayerSystem, Content: b.system},
		{Kind: LayerProjectMeta, Content: strings.Join(b.meta, "\n"), Truncated: b.metaTruncated},
		{Kind: LayerRetrieval, Content: formatPassages(b.passages), Truncated: b.retrievalTruncated},
		{Kind: LayerHistory, Content: formatTurns(b.turns), Truncated: b.historyTruncated},
		{Kind: LayerQuestion, Content: b.question},
	}
}

func formatPassages(passages []knowledge.Passage) string {
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		parts = append(parts, fmt.Sprintf("[%s %.2f] %s", p.SourceCollection, p.Score, strings.TrimSpace(p.Text)))
	}
	return strings.Join(parts, "\n\n")
}

func formatTurns(turns []Turn) string {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		speaker := string(t.Role)
		if t.AgentMode != "" {
			speaker = fmt.Sprintf("%s (%s)", t.Role, t.AgentMode)
		}
		parts = append(parts, speaker+": "+strings.TrimSpace(t.Content))
	}
	return strings.Join(parts, "\n")
}
