// Package domain defines the entity types shared by the build pipeline,
// storage and gateways.
package domain

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a persisted message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// MessageKind classifies a persisted message. User messages are RESULT.
type MessageKind string

const (
	KindResult MessageKind = "RESULT"
	KindError  MessageKind = "ERROR"
)

// Project groups the conversation and the sandbox it builds in.
type Project struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one entry of a project's conversation.
type Message struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Content   string
	Role      Role
	Kind      MessageKind
	Fragment  *Fragment // Set only on assistant RESULT messages.
	CreatedAt time.Time
}

// Fragment is the artifact of one successful run.
type Fragment struct {
	ID         uuid.UUID
	MessageID  uuid.UUID
	Title      string
	SandboxURL string
	Files      map[string]string
	CreatedAt  time.Time
}

// Outcome is the single record a finished run persists: an ERROR message,
// or a RESULT message carrying a fragment.
type Outcome struct {
	ProjectID uuid.UUID
	Content   string
	Kind      MessageKind
	Fragment  *Fragment
}

// Run trigger event.
const EventRun = "code-agent/run"

// RunEvent is the inbound trigger for one run. Delivery is at-least-once;
// ID identifies redeliveries of the same event.
type RunEvent struct {
	ID        string    `json:"id"`
	Value     string    `json:"value"`
	ProjectID uuid.UUID `json:"projectId"`
}

// HistoryMessage is one prior conversation turn seeded into a run.
type HistoryMessage struct {
	Role    Role
	Content string
}

// RunRequest is the immutable input of one run.
type RunRequest struct {
	Instruction   string
	ProjectID     uuid.UUID
	PriorMessages []HistoryMessage
}

// FileEntry is one generated file. Path is relative to the sandbox home.
type FileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// RunState is the mutable state shared by tool handlers, the post-turn hook
// and the finalizer of one run. It is passed by reference and has a single
// writer at a time.
type RunState struct {
	Files   map[string]string
	Summary string
}

// NewRunState returns an empty run state.
func NewRunState() *RunState {
	return &RunState{Files: make(map[string]string)}
}

// MergeFiles overwrites every given path; last write wins.
func (s *RunState) MergeFiles(files map[string]string) {
	if s.Files == nil {
		s.Files = make(map[string]string, len(files))
	}
	maps.Copy(s.Files, files)
}

// HasFiles reports whether any file was produced.
func (s *RunState) HasFiles() bool { return len(s.Files) > 0 }

// HasSummary reports whether the agent signaled convergence.
func (s *RunState) HasSummary() bool { return s.Summary != "" }

// Paths returns the produced paths in lexical order.
func (s *RunState) Paths() []string {
	return slices.Sorted(maps.Keys(s.Files))
}

// NewID returns a new random identifier.
func NewID() uuid.UUID {
	return uuid.New()
}
