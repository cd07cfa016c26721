// Package models defines the session and profile data shared across LeadPipe.
package models

import (
	"slices"
	"strings"
)

// State is a step of the lead funnel. The set is closed: only the constants
// below are ever persisted.
type State string

const (
	StateWelcome           State = "WELCOME"
	StateAwaitingName      State = "AWAITING_NAME"
	StateAwaitingEmail     State = "AWAITING_EMAIL"
	StateAwaitingInstagram State = "AWAITING_INSTAGRAM"
	StateAskPermission     State = "ASK_PERMISSION"
	StateGenerating        State = "GENERATING"
	StateCompleted         State = "COMPLETED"
	StateError             State = "ERROR"
)

// AllStates lists every valid state in funnel order, ERROR last.
var AllStates = []State{
	StateWelcome,
	StateAwaitingName,
	StateAwaitingEmail,
	StateAwaitingInstagram,
	StateAskPermission,
	StateGenerating,
	StateCompleted,
	StateError,
}

// stateAliases maps legacy names found in older records to their current state.
var stateAliases = map[string]State{
	"NEW":               StateWelcome,
	"GENERATING_LETTER": StateGenerating,
}

// ParseState normalizes a stored state value. The boolean is false when the
// value is not a known state or alias, which callers treat as a corrupted session.
func ParseState(s string) (State, bool) {
	v := strings.ToUpper(strings.TrimSpace(s))
	for _, st := range AllStates {
		if string(st) == v {
			return st, true
		}
	}
	if st, ok := stateAliases[v]; ok {
		return st, true
	}
	return "", false
}

// IsValid reports whether s is one of the persisted states (aliases excluded).
func (s State) IsValid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// StoredForms returns s followed by the legacy aliases that decode to it,
// for queries that match the raw stored value.
func (s State) StoredForms() []State {
	var aliases []State
	for alias, st := range stateAliases {
		if st == s {
			aliases = append(aliases, State(alias))
		}
	}
	slices.Sort(aliases)
	return append([]State{s}, aliases...)
}

func (s State) String() string { return string(s) }
