package backend

import "time"

// Content block types in the normalized message model. Both adapters reduce
// their native formats to this union; adapter-internal block types (step
// markers, snapshots, patches) are dropped during normalization.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// ContentBlock is a tagged union. Type selects which fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// Text: populated for text and thinking blocks.
	Text string `json:"text,omitempty"`

	// Tool use fields.
	ToolName  string         `json:"tool_name,omitempty"`
	ToolID    string         `json:"tool_id,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	// Tool result fields. Content is a string or a list of blocks,
	// preserved as parsed.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// Image fields.
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Message is the unified representation both adapters emit.
type Message struct {
	Role       string         `json:"role"` // "user" or "assistant"
	Timestamp  time.Time      `json:"timestamp"`
	Blocks     []ContentBlock `json:"blocks"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// Text returns the concatenated text blocks of the message, used for
// first-message previews.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type != BlockText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// ModelUsage is the per-model slice of a session's cumulative usage.
type ModelUsage struct {
	Model               string  `json:"model"`
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
}

// Usage aggregates token counts and cost. On a Message it covers that
// message; on a session it is cumulative.
type Usage struct {
	InputTokens         int          `json:"input_tokens"`
	OutputTokens        int          `json:"output_tokens"`
	CacheReadTokens     int          `json:"cache_read_tokens"`
	CacheCreationTokens int          `json:"cache_creation_tokens"`
	CostUSD             float64      `json:"cost_usd"`
	Models              []ModelUsage `json:"models,omitempty"`
}

// Add folds a per-message usage record for the given model into u.
func (u *Usage) Add(model string, in, out, cacheRead, cacheCreation int) {
	u.InputTokens += in
	u.OutputTokens += out
	u.CacheReadTokens += cacheRead
	u.CacheCreationTokens += cacheCreation

	for i := range u.Models {
		if u.Models[i].Model == model {
			u.Models[i].InputTokens += in
			u.Models[i].OutputTokens += out
			u.Models[i].CacheReadTokens += cacheRead
			u.Models[i].CacheCreationTokens += cacheCreation
			return
		}
	}
	u.Models = append(u.Models, ModelUsage{
		Model:               model,
		InputTokens:         in,
		OutputTokens:        out,
		CacheReadTokens:     cacheRead,
		CacheCreationTokens: cacheCreation,
	})
}

// FinalizeCost computes CostUSD for each model slice and the total.
func (u *Usage) FinalizeCost() {
	u.CostUSD = 0
	for i := range u.Models {
		m := &u.Models[i]
		m.CostUSD = CostUSD(m.Model, m.InputTokens, m.OutputTokens, m.CacheReadTokens, m.CacheCreationTokens)
		u.CostUSD += m.CostUSD
	}
}

// EstimateOutputTokens approximates output tokens from rendered content
// length. The JSON-lines CLI reports unreliable output counts for streaming
// chunks, so display paths use this estimate; billing aggregation does not.
func EstimateOutputTokens(content string) int {
	return len(content) / 4
}
