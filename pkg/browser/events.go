package browser

// MutationSpec selects the DOM regions to observe. Each selector may match
// several elements; all of them are observed under one subscription.
type MutationSpec struct {
	Selectors     []string `json:"selectors"`
	Subtree       bool     `json:"subtree"`
	Attributes    bool     `json:"attributes"`
	CharacterData bool     `json:"characterData"`
}

// MutationPayload summarizes one batch of mutation records.
type MutationPayload struct {
	Selector   string   `json:"selector"`
	Records    int      `json:"records"`
	Added      int      `json:"added"`
	Removed    int      `json:"removed"`
	Attributes []string `json:"attributes,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// DefaultInteractionEvents are observed when an InteractionSpec names none.
var DefaultInteractionEvents = []string{"click", "input", "change"}

// InteractionSpec selects elements and the native events to observe on them.
type InteractionSpec struct {
	Selector string   `json:"selector"`
	Events   []string `json:"events"`
}

// InteractionPayload describes one native event on an observed element.
type InteractionPayload struct {
	Event     string `json:"event"`
	Target    string `json:"target"`
	Value     string `json:"value,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
