package document

// Participant is a named user currently (or recently) editing a document.
// Timestamps are Unix milliseconds so they survive a JSON round trip to
// browser and CLI clients unchanged.
type Participant struct {
	Name           string `json:"name"`
	CursorPosition int    `json:"cursorPosition"`
	LastActive     int64  `json:"lastActive"`
}

// Snapshot is a full read of a document: content, live participants and the
// logical write clock.
type Snapshot struct {
	Content     string        `json:"content"`
	Users       []Participant `json:"users"`
	LastUpdated int64         `json:"lastUpdated"`
}

// WriteRequest describes a mutation. Nil fields are left untouched.
// Content is only applied when CursorOnly is false.
type WriteRequest struct {
	Content        *string `json:"content,omitempty"`
	Name           *string `json:"userName,omitempty"`
	CursorPosition *int    `json:"cursorPosition,omitempty"`
	CursorOnly     bool    `json:"cursorOnly,omitempty"`
}

// Names returns the participant names in list order.
func Names(ps []Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Name)
	}
	return out
}
