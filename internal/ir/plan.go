package ir

// PropertyDiff describes one watched field that differs between the
// persisted state and a freshly mapped payload.
type PropertyDiff struct {
	Before any    `json:"before"`
	After  any    `json:"after"`
	Action string `json:"action"` // "create", "update", "delete"
}

// Diff maps provider field names to their differences.
type Diff map[string]*PropertyDiff

// Empty reports whether no watched field changed.
func (d Diff) Empty() bool {
	return len(d) == 0
}

// Summary counts the diff entries by action.
type Summary struct {
	Create int `json:"create"`
	Update int `json:"update"`
	Delete int `json:"delete"`
}

// Summarize counts changes by kind.
func (d Diff) Summarize() Summary {
	var s Summary
	for _, pd := range d {
		switch pd.Action {
		case "create":
			s.Create++
		case "delete":
			s.Delete++
		default:
			s.Update++
		}
	}
	return s
}
