package pool

import (
	"fmt"
	"sync"
)

// State maps each tier to the channel ids currently assigned to it. The
// per-tier order is working storage only; display order comes from Resync.
// The lock is never held across gateway calls.
type State struct {
	mu    sync.RWMutex
	tiers map[Tier][]string
}

func NewState() *State {
	return &State{tiers: make(map[Tier][]string)}
}

// Refs returns a copy of the channel ids recorded for t.
func (s *State) Refs(t Tier) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.tiers[t]...)
}

func (s *State) Len(t Tier) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tiers[t])
}

// Snapshot copies the whole pool.
func (s *State) Snapshot() map[Tier][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Tier][]string, len(s.tiers))
	for t, refs := range s.tiers {
		out[t] = append([]string(nil), refs...)
	}
	return out
}

// owner reports which tier ref is recorded under.
func (s *State) owner(ref string) (Tier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for t, refs := range s.tiers {
		for _, r := range refs {
			if r == ref {
				return t, true
			}
		}
	}
	return 0, false
}

// Append records ref under t. It refuses when t is already at
// MaxChannelsPerTier or ref is recorded anywhere.
func (s *State) Append(t Tier, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tiers[t]) >= MaxChannelsPerTier {
		return fmt.Errorf("tier %s: %w", t, ErrTierFull)
	}
	for owner, refs := range s.tiers {
		for _, r := range refs {
			if r == ref {
				return fmt.Errorf("channel %s already recorded under tier %s", ref, owner)
			}
		}
	}
	s.tiers[t] = append(s.tiers[t], ref)
	return nil
}

// Release drops ref from t unless t holds a single channel. It returns true
// when the caller may delete the remote channel. An untracked ref is released
// whenever t holds more than one channel.
func (s *State) Release(t Tier, ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := s.tiers[t]
	if len(refs) <= 1 {
		return false
	}
	kept := refs[:0]
	for _, r := range refs {
		if r != ref {
			kept = append(kept, r)
		}
	}
	s.tiers[t] = kept
	return true
}

// replace swaps in a freshly bootstrapped pool.
func (s *State) replace(tiers map[Tier][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers = tiers
}

// Check verifies the pool invariants: every tier holds between one and
// MaxChannelsPerTier channels and no channel is recorded twice.
func (s *State) Check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]Tier)
	for _, t := range Tiers() {
		refs := s.tiers[t]
		if len(refs) < 1 || len(refs) > MaxChannelsPerTier {
			return fmt.Errorf("tier %s holds %d channels", t, len(refs))
		}
		for _, r := range refs {
			if owner, dup := seen[r]; dup {
				return fmt.Errorf("channel %s recorded under tiers %s and %s", r, owner, t)
			}
			seen[r] = t
		}
	}
	return nil
}
