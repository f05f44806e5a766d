package ir

// Context carries the verb and host metadata of an invocation.
type Context struct {
	Status string `json:"status,omitempty"`
	Action string `json:"action"`
	Path   string `json:"path,omitempty"`
}

// Invocation is the host's request for one lifecycle event.
type Invocation struct {
	Definition Definition `json:"definition"`
	State      State      `json:"state"`
	Context    Context    `json:"context"`
}

// Response is returned to the host after an invocation.
type Response struct {
	Output []string `json:"output,omitempty"`
	State  *State   `json:"state,omitempty"`
}
