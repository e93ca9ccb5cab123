// Package knowledge provides the retrieval collaborator Loom queries for
// documentation passages, plus a local SQLite FTS5 index that implements it.
package knowledge

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrRetrievalFailure means the retrieval collaborator could not answer.
// Callers degrade to an empty retrieval layer instead of failing.
var ErrRetrievalFailure = errors.New("retrieval failure")

// Passage is one ranked chunk of retrieved documentation.
type Passage struct {
	SourceCollection string            `json:"source_collection"`
	Text             string            `json:"text"`
	Score            float64           `json:"score"` // 0.0 - 1.0, higher is more relevant
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Retriever answers a text query restricted to domain tags. An empty tag
// set means no restriction.
type Retriever interface {
	Query(ctx context.Context, text string, tags []string, topK int) ([]Passage, error)
}

// StaticRetriever serves a fixed passage set with naive term-overlap
// scoring. It backs tests and configurations without an index.
type StaticRetriever struct {
	Passages []StaticPassage
	Err      error
}

// StaticPassage is a passage with the tags it is filed under.
type StaticPassage struct {
	Passage
	Tags []string
}

// Query implements Retriever.
func (s *StaticRetriever) Query(ctx context.Context, text string, tags []string, topK int) ([]Passage, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := queryTerms(text)
	var out []Passage
	for _, sp := range s.Passages {
		if !tagsMatch(tags, sp.SourceCollection, sp.Tags) {
			continue
		}
		p := sp.Passage
		if p.Score == 0 && len(terms) > 0 {
			p.Score = overlapScore(terms, p.Text)
			if p.Score == 0 {
				continue
			}
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// tagsMatch reports whether a passage filed under collection and ptags
// satisfies the requested tags.
func tagsMatch(want []string, collection string, ptags []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		w = strings.ToLower(w)
		if strings.ToLower(collection) == w {
			return true
		}
		for _, t := range ptags {
			if strings.ToLower(t) == w {
				return true
			}
		}
	}
	return false
}

func overlapScore(terms []string, text string) float64 {
	lower := strings.ToLower(text)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "can": true, "do": true, "does": true, "for": true, "from": true, "how": true,
	"i": true, "in": true, "is": true, "it": true, "me": true, "my": true, "of": true,
	"on": true, "or": true, "should": true, "that": true, "the": true, "this": true,
	"to": true, "what": true, "when": true, "where": true, "which": true, "why": true,
	"with": true, "you": true,
}

// queryTerms lowercases text and keeps distinct non-stopword terms.
func queryTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '_' || r == '.' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r > 127)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if len(f) < 2 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
