package feed

import (
	"errors"
	"fmt"
)

// State is an immutable snapshot of the feed: entries newest first, the keys
// admitted during the session, and the display names behind those keys.
// A *State is never modified once published; Apply builds a new one.
type State struct {
	entries []Entry
	keys    map[string]struct{}
	names   map[string]struct{}
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		keys:  map[string]struct{}{},
		names: map[string]struct{}{},
	}
}

// Len returns the number of admitted entries.
func (s *State) Len() int { return len(s.entries) }

// Entries returns a copy of the entries, newest first.
func (s *State) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// seen reports whether key has been admitted in this session.
func (s *State) seen(key string) bool {
	_, ok := s.keys[key]
	return ok
}

// Admitted reports whether an event with this display name has been admitted.
func (s *State) Admitted(displayName string) bool {
	_, ok := s.names[displayName]
	return ok
}

// Apply returns the state that results from admitting batch on top of s.
//
// An event is a re-delivery when its display name was already admitted;
// events of the same batch are not compared with each other, so two identical
// events in one block both make it in. Survivors keep their batch order, are
// keyed "<n> - <display name>" with n counting up from the number of keys
// already admitted, and are placed ahead of the existing entries.
//
// When nothing survives, s itself is returned.
func Apply(s *State, batch []NormalizedEvent) *State {
	fresh := make([]NormalizedEvent, 0, len(batch))
	for _, ev := range batch {
		if s.Admitted(ev.DisplayName) {
			continue
		}
		fresh = append(fresh, ev)
	}
	if len(fresh) == 0 {
		return s
	}

	next := &State{
		entries: make([]Entry, 0, len(fresh)+len(s.entries)),
		keys:    make(map[string]struct{}, len(s.keys)+len(fresh)),
		names:   make(map[string]struct{}, len(s.names)+len(fresh)),
	}
	for k := range s.keys {
		next.keys[k] = struct{}{}
	}
	for n := range s.names {
		next.names[n] = struct{}{}
	}

	base := len(s.keys)
	for idx, ev := range fresh {
		key := fmt.Sprintf("%d - %s", base+idx, ev.DisplayName)
		next.entries = append(next.entries, Entry{
			Key:     key,
			Icon:    DefaultIcon,
			Summary: ev.DisplayName,
			Content: ev.Params,
		})
		next.keys[key] = struct{}{}
		next.names[ev.DisplayName] = struct{}{}
	}
	next.entries = append(next.entries, s.entries...)
	return next
}

// Validate checks the structural invariants of the state.
func (s *State) Validate() error {
	if len(s.entries) != len(s.keys) {
		return fmt.Errorf("entries/keys size mismatch: %d != %d", len(s.entries), len(s.keys))
	}
	seen := make(map[string]struct{}, len(s.entries))
	for _, e := range s.entries {
		if _, dup := seen[e.Key]; dup {
			return fmt.Errorf("duplicate key %q", e.Key)
		}
		seen[e.Key] = struct{}{}
		if !s.seen(e.Key) {
			return fmt.Errorf("key %q missing from history", e.Key)
		}
		if _, ok := s.names[e.Summary]; !ok {
			return fmt.Errorf("display name %q missing from history", e.Summary)
		}
	}
	if len(s.names) > len(s.entries) {
		return errors.New("history holds names without entries")
	}
	return nil
}
