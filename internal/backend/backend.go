// Package backend defines the contract between the session tracking engine
// and the on-disk transcript formats it understands. Each Backend knows how
// to discover session transcripts for one AI coding assistant, read them
// incrementally, and drive that assistant's CLI.
package backend

import (
	"errors"
	"time"
)

// ErrNoSession is returned when a path does not resolve to a known session.
var ErrNoSession = errors.New("backend: no session for path")

// Backend provides access to one transcript format and one assistant CLI.
//
// Implementations must be safe for concurrent use: the watcher, the HTTP
// handlers, and the supervisor all call into the same Backend value.
type Backend interface {
	// Name returns a short lowercase identifier, e.g. "claude", "opencode".
	// Used as part of session routing and surfaced to the frontend.
	Name() string

	// Root returns the directory under which this backend's transcript
	// artifacts live. The watcher watches this tree recursively.
	Root() string

	// FindRecent returns paths to transcripts containing at least one
	// user/assistant message, sorted by modification time descending.
	// Warm-up/benchmark sessions are excluded. When includeSubagents is
	// false, subagent transcripts are filtered out.
	FindRecent(limit int, includeSubagents bool) ([]string, error)

	// SessionID derives a stable session identifier from a transcript
	// path. Pure: no filesystem access.
	SessionID(path string) string

	// Metadata reads project and first-message information for a
	// transcript.
	Metadata(path string) (*SessionMeta, error)

	// HasMessages reports whether the transcript contains at least one
	// user or assistant message. Empty files and files holding only
	// non-message records return false.
	HasMessages(path string) bool

	// NewTailer creates a stateful incremental reader for the transcript.
	NewTailer(path string) (Tailer, error)

	// TokenUsage aggregates per-message usage records for the whole
	// transcript, including cost computed from per-model rate tables.
	TokenUsage(path string) (*Usage, error)

	// Model returns the model of the first assistant message, or "" if
	// none. The summarizer uses it to stay on the warm prompt cache.
	Model(path string) string

	// BuildSend constructs the CLI invocation that sends a follow-up
	// message to an existing session.
	BuildSend(path, message string, opts CommandOptions) (*CommandSpec, error)

	// BuildFork constructs the CLI invocation that forks the session into
	// a new one seeded with its history. Only valid if SupportsFork.
	BuildFork(path, message string, opts CommandOptions) (*CommandSpec, error)

	// BuildNewSession constructs the CLI invocation that starts a fresh
	// session in cwd.
	BuildNewSession(cwd, message string, opts CommandOptions) (*CommandSpec, error)

	// SupportsFork reports whether BuildFork is implemented.
	SupportsFork() bool

	// SupportsSessionPinning reports whether BuildNewSession honors
	// CommandOptions.SessionID, letting the caller know the new session's
	// ID before its transcript exists.
	SupportsSessionPinning() bool

	// SupportsPermissionDetection reports whether the CLI can be run in a
	// machine-readable output mode whose stdout carries permission-denial
	// records.
	SupportsPermissionDetection() bool

	// ShouldWatchFile reports whether a changed path under Root is
	// interesting: transcript artifacts and sidecar summary files.
	ShouldWatchFile(path string) bool

	// SessionIDFromChangedFile maps any watched file (including sidecars
	// and, for directory transcripts, message/part files) back to the
	// owning session ID. Returns false if the path belongs to no session.
	SessionIDFromChangedFile(path string) (string, bool)

	// TranscriptPath returns the transcript artifact path for a session
	// ID previously seen by this backend, or "" if unknown.
	TranscriptPath(sessionID string) string

	// CLIAvailable reports whether the assistant CLI binary is on PATH.
	CLIAvailable() bool

	// InstallHint returns human-readable install instructions for the CLI.
	InstallHint() string

	// Models returns the model identifiers the CLI accepts, ordered.
	Models() []string
}

// Tailer reads a transcript incrementally, preserving a cursor across calls.
//
// ReadNew is idempotent modulo the cursor: with no new content, a second
// call returns an empty slice. ReadAll never moves the cursor.
type Tailer interface {
	// ReadAll replays every message in the transcript without touching
	// the incremental cursor.
	ReadAll() ([]Message, error)

	// ReadNew returns messages appended since the previous ReadNew (or
	// since SeekToEnd), advancing the cursor.
	ReadNew() ([]Message, error)

	// SeekToEnd advances the cursor past all current content without
	// emitting anything.
	SeekToEnd() error

	// FirstTimestamp returns the timestamp of the first message.
	FirstTimestamp() (time.Time, bool)

	// LastMessageTimestamp returns the timestamp of the last message.
	// File mtime is never used: trailing non-message data must not
	// advance a session's last-updated time.
	LastMessageTimestamp() (time.Time, bool)

	// WaitingForInput reports whether the transcript tail shows the
	// assistant has finished a turn and the user is expected to reply.
	WaitingForInput() (bool, error)
}

// SessionMeta holds discovery-time information about a session.
type SessionMeta struct {
	ProjectName     string    `json:"project_name"`
	ProjectPath     string    `json:"project_path"`
	FirstMessage    string    `json:"first_message,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	IsSubagent      bool      `json:"is_subagent,omitempty"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
}

// CommandOptions tunes CLI command construction.
type CommandOptions struct {
	// MachineReadable requests the CLI's structured streaming output so
	// permission denials can be parsed from stdout.
	MachineReadable bool

	// JSONOutput requests a single JSON result object on stdout (used by
	// the summarizer).
	JSONOutput bool

	// NoPersist asks the CLI not to record the exchange in the session
	// transcript (summarization must not pollute the session).
	NoPersist bool

	// SkipPermissions disables the CLI's permission prompts entirely.
	SkipPermissions bool

	// Model overrides the CLI's default model.
	Model string

	// SessionID pins the ID of a newly created session, when the CLI
	// supports it.
	SessionID string

	// AllowedDirs is threaded into the invocation as additional sandbox
	// directories for CLIs that accept them.
	AllowedDirs []string
}

// CommandSpec is a fully resolved CLI invocation.
type CommandSpec struct {
	// Argv is the command line, argv[0] included.
	Argv []string

	// Stdin is an optional payload written to the child's stdin.
	Stdin string

	// Dir is the working directory for the child.
	Dir string
}
