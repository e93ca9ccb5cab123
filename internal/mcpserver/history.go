package mcpserver

import (
	"sync"

	"github.com/normanking/loom/internal/assembler"
)

// maxHistoryTurns caps the turns kept per session.
const maxHistoryTurns = 50

// historyStore keeps conversation turns per session for the lifetime of
// the server process.
type historyStore struct {
	max int

	mu       sync.Mutex
	sessions map[string][]assembler.Turn
}

func newHistoryStore(max int) *historyStore {
	return &historyStore{max: max, sessions: make(map[string][]assembler.Turn)}
}

// get returns a copy of the session's turns, oldest first.
func (h *historyStore) get(session string) []assembler.Turn {
	if session == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]assembler.Turn(nil), h.sessions[session]...)
}

// add appends turns to the session, dropping the oldest beyond the cap.
func (h *historyStore) add(session string, turns ...assembler.Turn) {
	if session == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	all := append(h.sessions[session], turns...)
	if len(all) > h.max {
		all = all[len(all)-h.max:]
	}
	h.sessions[session] = all
}
