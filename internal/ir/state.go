package ir

// State is the record persisted by the host between invocations.
type State struct {
	// ID is the provider identifier of the addressed resource.
	ID string `json:"id,omitempty"`

	// Existing is true when the resource pre-existed and was adopted.
	// Adopted resources are never deleted by this process.
	Existing bool `json:"existing"`

	// Fields mirrors provider-keyed values from the last successful
	// write or read. Update diffs against these.
	Fields map[string]any `json:"fields,omitempty"`

	// Attributes holds the last response normalized back into definition keys.
	Attributes map[string]any `json:"attributes,omitempty"`

	// Outputs carries connectivity fields (endpoints, URLs, connection strings)
	// merged in once the resource is ready.
	Outputs map[string]any `json:"outputs,omitempty"`

	Readiness *Readiness `json:"readiness,omitempty"`
}

// Readiness tracks the check-readiness budget across invocations.
type Readiness struct {
	Ready      bool   `json:"ready"`
	Attempts   int    `json:"attempts"`
	LastStatus string `json:"lastStatus,omitempty"`
}

// IsEmpty reports whether the state addresses no remote resource.
func (s State) IsEmpty() bool {
	return s.ID == ""
}

// Ready reports whether a previous check-readiness succeeded.
func (s State) Ready() bool {
	return s.Readiness != nil && s.Readiness.Ready
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := s
	out.Fields = CloneMap(s.Fields)
	out.Attributes = CloneMap(s.Attributes)
	out.Outputs = CloneMap(s.Outputs)
	if s.Readiness != nil {
		r := *s.Readiness
		out.Readiness = &r
	}
	return out
}
