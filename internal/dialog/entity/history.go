package entity

import (
	"sort"

	"github.com/tasktalk/server/internal/dialog/model"
)

// History remembers every entity seen in a conversation so later tasks can
// reuse values without asking again. Named entities also keep a fast-track
// latest-value slot.
type History struct {
	entries []model.Entity
	latest  map[string]model.Entity
}

// NewHistory builds a History from persisted session state. The slices are
// copied so the session can be mutated independently.
func NewHistory(entries []model.Entity, latest map[string]model.Entity) *History {
	h := &History{latest: map[string]model.Entity{}}
	h.entries = append(h.entries, entries...)
	for k, v := range latest {
		h.latest[k] = v
	}
	return h
}

// Add records an entity observation for the given turn.
func (h *History) Add(e model.Entity, turn int) {
	e.Turn = turn
	h.entries = append(h.entries, e)
	if e.Name != "" {
		cur, ok := h.latest[e.Name]
		if !ok || e.Turn >= cur.Turn {
			h.latest[e.Name] = e
		}
	}
}

// Latest returns the most recent value stored for a name.
func (h *History) Latest(name string) (model.Entity, bool) {
	e, ok := h.latest[name]
	return e, ok
}

// Retrieve returns all observations matching a name, best score first and
// most recent turn breaking ties.
func (h *History) Retrieve(name string) []model.Entity {
	var out []model.Entity
	for _, e := range h.entries {
		if e.Name == name {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Turn > out[j].Turn
	})
	return out
}

// ByTurn returns every observation recorded for a turn.
func (h *History) ByTurn(turn int) []model.Entity {
	var out []model.Entity
	for _, e := range h.entries {
		if e.Turn == turn {
			out = append(out, e)
		}
	}
	return out
}

// Remove forgets every observation with the given name and value.
func (h *History) Remove(name, value string) {
	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.Name == name && e.Value == value {
			continue
		}
		kept = append(kept, e)
	}
	h.entries = kept
	if cur, ok := h.latest[name]; ok && cur.Value == value {
		delete(h.latest, name)
		// promote the next best observation, if any remain
		if rest := h.Retrieve(name); len(rest) > 0 {
			h.latest[name] = rest[0]
		}
	}
}

// RemoveNamed forgets the fast-track value for a name without touching the
// per-turn log.
func (h *History) RemoveNamed(name string) {
	delete(h.latest, name)
}

// Snapshot exports the history for session persistence.
func (h *History) Snapshot() ([]model.Entity, map[string]model.Entity) {
	entries := append([]model.Entity(nil), h.entries...)
	latest := make(map[string]model.Entity, len(h.latest))
	for k, v := range h.latest {
		latest[k] = v
	}
	return entries, latest
}
