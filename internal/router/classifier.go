// Package router implements auto routing: a weighted regex classifier that
// picks the model role best suited to a query.
package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/normanking/loom/internal/config"
	"github.com/normanking/loom/internal/modes"
	"github.com/normanking/loom/internal/roles"
)

// ModeKeywordWeight is the score each distinct agent-mode keyword adds to
// the mode's preferred role.
const ModeKeywordWeight = 0.5

// Classifier scores a query against a keyword→role table. It is safe for
// concurrent use; all state is built once by NewClassifier.
type Classifier struct {
	patterns map[roles.Role][]*compiledPattern
	tieRole  roles.Role
}

// compiledPattern holds a pre-compiled regex with its weight.
type compiledPattern struct {
	regex  *regexp.Regexp
	weight float64 // Higher weight = stronger signal
}

// Decision is the outcome of one classification.
type Decision struct {
	Role       roles.Role             `json:"role"`
	Scores     map[roles.Role]float64 `json:"scores"`
	Matches    []string               `json:"matches,omitempty"`
	Confidence float64                `json:"confidence"`
	Reason     string                 `json:"reason"`
}

// NewClassifier compiles the rules in cfg.
func NewClassifier(cfg config.RouterConfig) (*Classifier, error) {
	tie := roles.RoleReasoning
	if cfg.TieRole != "" {
		r, err := roles.ParseRole(cfg.TieRole)
		if err != nil {
			return nil, fmt.Errorf("router.tie_role: %w", err)
		}
		tie = r
	}

	c := &Classifier{
		patterns: make(map[roles.Role][]*compiledPattern),
		tieRole:  tie,
	}
	for i, rule := range cfg.Rules {
		role, err := roles.ParseRole(rule.Role)
		if err != nil {
			return nil, fmt.Errorf("router.rules[%d]: %w", i, err)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("router.rules[%d]: %w", i, err)
		}
		weight := rule.Weight
		if weight <= 0 {
			weight = 1.0
		}
		c.patterns[role] = append(c.patterns[role], &compiledPattern{regex: re, weight: weight})
	}
	return c, nil
}

// Default returns a classifier over the built-in rules.
func Default() *Classifier {
	c, err := NewClassifier(config.RouterConfig{TieRole: string(roles.RoleReasoning), Rules: config.DefaultRouterRules()})
	if err != nil {
		panic(fmt.Sprintf("router: built-in rules invalid: %v", err))
	}
	return c
}

// TieRole returns the role chosen when scores are equal.
func (c *Classifier) TieRole() roles.Role {
	return c.tieRole
}

// Classify scores query, plus mode's routing keywords when mode is non-nil,
// and returns the winning role. Equal scores, including no signal at all,
// resolve to the tie role.
func (c *Classifier) Classify(query string, mode *modes.AgentMode) Decision {
	lower := strings.ToLower(query)

	scores := make(map[roles.Role]float64, len(roles.All()))
	matchCounts := make(map[roles.Role]int)
	var matches []string

	for _, role := range roles.All() {
		scores[role] = 0
		for _, p := range c.patterns[role] {
			if p.regex.MatchString(lower) {
				scores[role] += p.weight
				matchCounts[role]++
				matches = append(matches, fmt.Sprintf("%s:%s", role, p.regex.String()))
			}
		}
	}

	if mode != nil && mode.PreferredRole != "" {
		for _, kw := range mode.MatchKeywords(query) {
			scores[mode.PreferredRole] += ModeKeywordWeight
			matchCounts[mode.PreferredRole]++
			matches = append(matches, fmt.Sprintf("%s:mode %s keyword %q", mode.PreferredRole, mode.Name, kw))
		}
	}

	// Find best match; a strict winner is required to leave the tie role
	best := c.tieRole
	bestScore := scores[best]
	var totalScore float64
	for _, role := range roles.All() {
		totalScore += scores[role]
		if scores[role] > bestScore {
			best = role
			bestScore = scores[role]
		}
	}

	d := Decision{Role: best, Scores: scores, Matches: matches}

	if totalScore == 0 {
		d.Confidence = 0.4
		d.Reason = fmt.Sprintf("no routing signal, defaulting to %s", best)
		return d
	}

	// Base confidence is the proportion of the best score
	confidence := bestScore / totalScore
	secondBest := findSecondBest(scores, best)
	switch {
	case secondBest == bestScore:
		d.Confidence = 0.5
		d.Reason = fmt.Sprintf("tie at %.2f, defaulting to %s", bestScore, best)
		return d
	case secondBest == 0:
		// Only one role matched
		confidence = min(confidence+0.25, 1.0)
	case (bestScore-secondBest)/bestScore < 0.3:
		// Close competition
		confidence *= 0.8
	}
	if matchCounts[best] >= 2 {
		confidence = min(confidence+0.1, 1.0)
	}

	d.Confidence = confidence
	d.Reason = fmt.Sprintf("%s scored %.2f against %.2f", best, bestScore, secondBest)
	return d
}

// findSecondBest returns the second highest score.
func findSecondBest(scores map[roles.Role]float64, best roles.Role) float64 {
	var second float64
	for role, score := range scores {
		if role != best && score > second {
			second = score
		}
	}
	return second
}
