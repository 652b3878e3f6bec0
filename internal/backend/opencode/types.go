package opencode

// On-disk layout under the storage root:
//
//	session/<projectID>/<sessionID>.json   session metadata
//	message/<sessionID>/<messageID>.json   one file per message
//	part/<messageID>/<partID>.json         one file per content part
//
// Timestamps are Unix milliseconds.

type timeInfo struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated,omitempty"`
}

type messageTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// sessionFile is session/<projectID>/<sessionID>.json.
type sessionFile struct {
	ID        string   `json:"id"`
	Slug      string   `json:"slug,omitempty"`
	ProjectID string   `json:"projectID"`
	Directory string   `json:"directory"`
	ParentID  *string  `json:"parentID,omitempty"`
	Title     *string  `json:"title,omitempty"`
	Time      timeInfo `json:"time"`
}

type cacheInfo struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

type tokenInfo struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning,omitempty"`
	Cache     *cacheInfo `json:"cache,omitempty"`
}

// messageFile is message/<sessionID>/<messageID>.json.
type messageFile struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionID"`
	Role       string      `json:"role"`
	Time       messageTime `json:"time"`
	ModelID    *string     `json:"modelID,omitempty"`
	ProviderID *string     `json:"providerID,omitempty"`
	Cost       *float64    `json:"cost,omitempty"`
	Tokens     *tokenInfo  `json:"tokens,omitempty"`
	Finish     *string     `json:"finish,omitempty"`
}

// toolState carries a tool part's lifecycle.
type toolState struct {
	Status string         `json:"status"` // "pending", "running", "completed", "error"
	Input  map[string]any `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
	Title  string         `json:"title,omitempty"`
}

// partFile is part/<messageID>/<partID>.json.
type partFile struct {
	ID        string     `json:"id"`
	MessageID string     `json:"messageID"`
	SessionID string     `json:"sessionID"`
	Type      string     `json:"type"` // text, reasoning, tool, step-start, step-finish, file, patch, snapshot
	Text      string     `json:"text,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	State     *toolState `json:"state,omitempty"`
	Tokens    *tokenInfo `json:"tokens,omitempty"`
	Cost      *float64   `json:"cost,omitempty"`
	MediaType string     `json:"mime,omitempty"`
	URL       string     `json:"url,omitempty"`
}
