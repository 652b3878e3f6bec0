// Package permissions parses tool-permission denials out of the CLI's
// machine-readable stream output and drives the grant flow: writing allow
// rules into a project's settings file or adding directories to the
// process-wide sandbox allow-list.
package permissions

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// maxScanBuffer bounds one stream-json line. Large tool results can produce
// very long lines.
const maxScanBuffer = 10 * 1024 * 1024

// Denial is one refused tool call, classified for the grant flow.
type Denial struct {
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	// ErrorText is the tool_result error attached to the denied call.
	ErrorText string `json:"error_text,omitempty"`

	// IsSandboxDenial is true when the error names a blocked directory;
	// the fix is adding it to the allowed-directories list rather than
	// granting a tool permission.
	IsSandboxDenial bool `json:"is_sandbox_denial"`
}

// sandboxMarkers are the error substrings that identify a blocked-directory
// denial in the CLI's tool errors.
var sandboxMarkers = []string{
	"blocked by sandbox",
	"outside of the allowed",
	"not in an allowed directory",
	"allowed working directories",
}

// stream-json record shapes. Only the fields the two-pass parse needs.
type streamRecord struct {
	Type              string           `json:"type"`
	Message           json.RawMessage  `json:"message,omitempty"`
	PermissionDenials []recordedDenial `json:"permission_denials,omitempty"`
}

type recordedDenial struct {
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

type streamMessage struct {
	Content []streamBlock `json:"content"`
}

type streamBlock struct {
	Type      string          `json:"type"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ParseDenials extracts permission denials from a machine-readable run's
// full stdout. Two passes: first collect tool error texts keyed by
// tool_use_id, then take the result record's permission_denials and attach
// and classify each.
func ParseDenials(stdout []byte) []Denial {
	errorsByID := make(map[string]string)
	var recorded []recordedDenial

	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), maxScanBuffer)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec streamRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		switch rec.Type {
		case "user":
			collectToolErrors(rec.Message, errorsByID)
		case "result":
			recorded = rec.PermissionDenials
		}
	}

	denials := make([]Denial, 0, len(recorded))
	for _, rd := range recorded {
		d := Denial{
			ToolName:  rd.ToolName,
			ToolUseID: rd.ToolUseID,
			ToolInput: rd.ToolInput,
			ErrorText: errorsByID[rd.ToolUseID],
		}
		d.IsSandboxDenial = isSandboxError(d.ErrorText)
		denials = append(denials, d)
	}
	return denials
}

func collectToolErrors(raw json.RawMessage, out map[string]string) {
	if raw == nil {
		return
	}
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	for _, b := range msg.Content {
		if b.Type != "tool_result" || !b.IsError || b.ToolUseID == "" {
			continue
		}
		out[b.ToolUseID] = resultText(b.Content)
	}
}

// resultText flattens a tool_result content (string or block list) to text.
func resultText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func isSandboxError(errText string) bool {
	lower := strings.ToLower(errText)
	for _, marker := range sandboxMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// fileTools access a single path via a "file_path" or "path" input field.
var fileTools = map[string]bool{
	"Read":  true,
	"Write": true,
	"Edit":  true,
}

// GrantOptions enumerates the permission rules a user can choose from to
// unblock a denied tool call, most specific first.
func GrantOptions(d Denial) []string {
	switch {
	case d.ToolName == "Bash":
		command, _ := d.ToolInput["command"].(string)
		command = strings.TrimSpace(command)
		if command == "" {
			return []string{d.ToolName}
		}
		opts := []string{
			fmt.Sprintf("Bash(%s)", command),
			fmt.Sprintf("Bash(%s:*)", command),
		}
		if fields := strings.Fields(command); len(fields) > 1 {
			opts = append(opts, fmt.Sprintf("Bash(%s:*)", fields[0]))
		}
		return opts

	case fileTools[d.ToolName]:
		path, _ := d.ToolInput["file_path"].(string)
		if path == "" {
			path, _ = d.ToolInput["path"].(string)
		}
		if path == "" {
			return []string{d.ToolName}
		}
		return []string{
			fmt.Sprintf("%s(%s)", d.ToolName, path),
			d.ToolName,
		}

	default:
		return []string{d.ToolName}
	}
}
