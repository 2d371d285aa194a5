package portal

import "github.com/goliatone/go-errors"

// Phase is the resting state of the session machine. Errors surface as call
// results, never as a phase: the machine only ever rests in Unknown,
// Anonymous, ResolvingProfile, or Authenticated.
type Phase string

const (
	// PhaseUnknown is the initial state, before the first session check settles.
	PhaseUnknown Phase = "unknown"
	// PhaseAnonymous means no live session, or a session whose profile failed
	// to resolve (fail closed).
	PhaseAnonymous Phase = "anonymous"
	// PhaseResolvingProfile means a live session was observed and its profile
	// fetch is in flight.
	PhaseResolvingProfile Phase = "resolving_profile"
	// PhaseAuthenticated means a live session with a resolved profile.
	PhaseAuthenticated Phase = "authenticated"
)

// ErrInvalidPhaseTransition is returned when a requested phase change is not
// in the transition table.
var ErrInvalidPhaseTransition = errors.New("invalid session phase transition", errors.CategoryValidation).
	WithTextCode("INVALID_SESSION_PHASE_TRANSITION").
	WithCode(errors.CodeBadRequest)

var phaseTransitions = map[Phase]map[Phase]struct{}{
	PhaseUnknown: {
		PhaseAnonymous:        {},
		PhaseResolvingProfile: {},
	},
	PhaseAnonymous: {
		PhaseResolvingProfile: {},
	},
	PhaseResolvingProfile: {
		PhaseAuthenticated: {},
		PhaseAnonymous:     {},
		// A newer session supersedes a fetch still in flight.
		PhaseResolvingProfile: {},
	},
	PhaseAuthenticated: {
		PhaseAnonymous:        {},
		PhaseResolvingProfile: {},
	},
}

// CanTransition reports whether the phase machine allows moving from one
// resting state to another. Self-transitions outside the table are no-ops.
func CanTransition(from, to Phase) bool {
	if from == to && from != PhaseResolvingProfile {
		return true
	}
	if allowed, ok := phaseTransitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func invalidPhaseTransition(from, to Phase) error {
	return ErrInvalidPhaseTransition.WithMetadata(map[string]any{
		"from": from,
		"to":   to,
	})
}
