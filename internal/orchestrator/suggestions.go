package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/loom/internal/router"
)

// suggestion is an assisted-routing decision awaiting confirmation.
type suggestion struct {
	req      SubmitRequest
	decision router.Decision
	expires  time.Time
}

// suggestionStore holds pending suggestions keyed by token. Tokens are
// single use.
type suggestionStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending map[string]*suggestion
}

func newSuggestionStore(ttl time.Duration, now func() time.Time) *suggestionStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &suggestionStore{ttl: ttl, now: now, pending: make(map[string]*suggestion)}
}

// put stores a suggestion and returns its token and expiry.
func (s *suggestionStore) put(req SubmitRequest, d router.Decision) (string, time.Time) {
	now := s.now()
	token := uuid.NewString()
	expires := now.Add(s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Prune expired entries
	for k, v := range s.pending {
		if now.After(v.expires) {
			delete(s.pending, k)
		}
	}
	s.pending[token] = &suggestion{req: req, decision: d, expires: expires}
	return token, expires
}

// take removes and returns the suggestion for token.
func (s *suggestionStore) take(token string) (*suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, ok := s.pending[token]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSuggestionNotFound, token)
	}
	delete(s.pending, token)
	if s.now().After(sg.expires) {
		return nil, fmt.Errorf("%w: %q expired at %s", ErrSuggestionExpired, token, sg.expires.Format(time.RFC3339))
	}
	return sg, nil
}

// size returns the number of stored suggestions, expired ones included.
func (s *suggestionStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
