package hub

import (
	"time"

	"github.com/agentlens/backend/internal/backend"
	"github.com/agentlens/backend/internal/registry"
)

// Event names pushed to connected clients.
const (
	EvSessions          = "sessions"
	EvMessage           = "message"
	EvSessionAdded      = "session_added"
	EvSessionRemoved    = "session_removed"
	EvSessionStatus     = "session_status"
	EvSummaryUpdated    = "session_summary_updated"
	EvTokenUsageUpdated = "session_token_usage_updated"
	EvPermissionDenied  = "permission_denied"
	EvReinitialize      = "reinitialize"
	EvCatchupComplete   = "catchup_complete"
	EvPing              = "ping"
)

// Event is one named push-channel frame with a JSON payload.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// SessionView is the client-facing projection of a tracked session.
type SessionView struct {
	ID              string            `json:"id"`
	Backend         string            `json:"backend"`
	Path            string            `json:"path"`
	ProjectName     string            `json:"project_name"`
	ProjectPath     string            `json:"project_path"`
	FirstMessage    string            `json:"first_message,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	LastUpdatedAt   time.Time         `json:"last_updated_at"`
	IsSubagent      bool              `json:"is_subagent,omitempty"`
	ParentSessionID string            `json:"parent_session_id,omitempty"`
	Usage           *backend.Usage    `json:"usage,omitempty"`
	Summary         *registry.Summary `json:"summary,omitempty"`
	Running         bool              `json:"running"`
	QueuedMessages  int               `json:"queued_messages"`
	Waiting         bool              `json:"waiting_for_input"`
}

// NewSessionView snapshots a session for the wire.
func NewSessionView(s *registry.Session) SessionView {
	v := SessionView{
		ID:             s.ID,
		Backend:        s.Backend,
		Path:           s.Path,
		LastUpdatedAt:  s.LastUpdated(),
		Usage:          s.Usage,
		Summary:        s.Summary,
		Running:        s.Running(),
		QueuedMessages: s.QueueLen(),
		Waiting:        s.Waiting(),
	}
	if s.Meta != nil {
		v.ProjectName = s.Meta.ProjectName
		v.ProjectPath = s.Meta.ProjectPath
		v.FirstMessage = s.Meta.FirstMessage
		v.StartedAt = s.Meta.StartedAt
		v.IsSubagent = s.Meta.IsSubagent
		v.ParentSessionID = s.Meta.ParentSessionID
	}
	return v
}

// MessagePayload carries one normalized message to clients.
type MessagePayload struct {
	SessionID string          `json:"session_id"`
	Message   backend.Message `json:"message"`
}

// StatusPayload carries the liveness flags for a session.
type StatusPayload struct {
	SessionID      string `json:"session_id"`
	Running        bool   `json:"running"`
	QueuedMessages int    `json:"queued_messages"`
	Waiting        bool   `json:"waiting_for_input"`
	ExternalPID    int    `json:"external_pid,omitempty"`
}

// TokenUsagePayload carries updated cumulative usage.
type TokenUsagePayload struct {
	SessionID string         `json:"session_id"`
	Usage     *backend.Usage `json:"usage"`
}

// SummaryPayload carries reloaded sidecar summary fields.
type SummaryPayload struct {
	SessionID string            `json:"session_id"`
	Summary   *registry.Summary `json:"summary"`
}

// PermissionDeniedPayload carries denial records plus the message whose run
// produced them, so the UI can offer a grant-and-resend flow.
type PermissionDeniedPayload struct {
	SessionID string `json:"session_id"`
	Denials   []any  `json:"denials"`
	Message   string `json:"message"`
}
