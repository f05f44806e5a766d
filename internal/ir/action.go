package ir

import "strings"

// Action is the single verb of one invocation.
type Action string

const (
	ActionCreate         Action = "create"
	ActionUpdate         Action = "update"
	ActionDelete         Action = "delete"
	ActionCheckReadiness Action = "check-readiness"
	ActionPurge          Action = "purge"
)

// Actions lists every action the controller understands.
var Actions = []Action{ActionCreate, ActionUpdate, ActionDelete, ActionCheckReadiness, ActionPurge}

// ParseAction normalizes s into an Action. Unknown verbs are returned as-is
// with ok=false; the controller treats them as a no-op.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Actions {
		if a == known {
			return a, true
		}
	}
	return a, false
}

// Writes reports whether the action can issue writes against the provider.
func (a Action) Writes() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionPurge:
		return true
	}
	return false
}
