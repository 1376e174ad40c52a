package kb

import "go.uber.org/zap"

// State is the detection lifecycle of one (plugin, category, target).
type State int

const (
	StateUntested State = iota
	StateTesting
	StateConfirmed
	StateClean
)

func (s State) String() string {
	switch s {
	case StateTesting:
		return "TESTING"
	case StateConfirmed:
		return "CONFIRMED"
	case StateClean:
		return "CLEAN"
	default:
		return "UNTESTED"
	}
}

type stateKey struct {
	plugin, category, target string
}

// allowed lists legal transitions. CONFIRMED has none; CLEAN may be retested
// or confirmed by a later payload in the same run.
var allowed = map[State][]State{
	StateUntested: {StateTesting, StateConfirmed},
	StateTesting:  {StateConfirmed, StateClean},
	StateClean:    {StateTesting, StateConfirmed},
}

// State returns the current lifecycle state of a target.
func (s *Store) State(plugin, category, target string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[stateKey{plugin, category, target}]
}

// Transition moves a target to next if the move is legal and reports the
// resulting state and whether it changed. Illegal moves leave the state as is.
func (s *Store) Transition(plugin, category, target string, next State) (State, bool) {
	key := stateKey{plugin, category, target}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.states[key]
	for _, to := range allowed[cur] {
		if to == next {
			s.states[key] = next
			s.logger.Debug("Lifecycle transition",
				zap.String("plugin", plugin), zap.String("category", category), zap.String("target", target),
				zap.Stringer("from", cur), zap.Stringer("to", next))
			return next, true
		}
	}
	return cur, false
}

// IsConfirmed reports whether a target reached the terminal CONFIRMED state.
func (s *Store) IsConfirmed(plugin, category, target string) bool {
	return s.State(plugin, category, target) == StateConfirmed
}
