// Package players implements the tracked-player activity sub-pipeline: it
// polls leaderboard profile pages and raises "player is active" alerts when
// lifetime realm points advance.
package players

import (
	"fmt"
	"sync"

	"github.com/uthgardwatch/herald-sentinel/internal/config"
	"github.com/uthgardwatch/herald-sentinel/internal/herald"
)

// Player is one compiled roster entry.
type Player struct {
	ID    string
	Name  string
	Realm herald.Realm
	URL   string
}

// Roster is the compiled tracked-player list. It is rebuilt wholesale from
// config; mutation happens only through Replace.
type Roster struct {
	mu      sync.RWMutex
	players []Player
	byID    map[string]Player
}

// NewRoster compiles config entries, rejecting entries without an ID or URL
// and entries naming an unknown realm.
func NewRoster(entries []config.TrackedPlayer) (*Roster, error) {
	r := &Roster{byID: make(map[string]Player)}
	if err := r.Replace(entries); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps the whole roster atomically.
func (r *Roster) Replace(entries []config.TrackedPlayer) error {
	players := make([]Player, 0, len(entries))
	byID := make(map[string]Player, len(entries))
	for _, e := range entries {
		if e.ID == "" || e.URL == "" {
			return fmt.Errorf("tracked player %q: id and url are required", e.Name)
		}
		realm, ok := herald.ParseRealm(e.Realm)
		if !ok {
			return fmt.Errorf("tracked player %q: unknown realm %q", e.ID, e.Realm)
		}
		name := e.Name
		if name == "" {
			name = e.ID
		}
		p := Player{ID: e.ID, Name: name, Realm: realm, URL: e.URL}
		players = append(players, p)
		byID[p.ID] = p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.players = players
	r.byID = byID
	return nil
}

// All returns the roster in configured order.
func (r *Roster) All() []Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Player, len(r.players))
	copy(out, r.players)
	return out
}

// Get looks up one player by ID.
func (r *Roster) Get(id string) (Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// Len returns the roster size.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}
