package session

import (
	"time"

	"github.com/ent0n29/weaver/internal/protocol"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether a status allows continue/edit.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Session is one execution unit. ThreadID is set (equal to ID) only when the
// session is a member of a multi-thread task.
type Session struct {
	ID            string             `json:"session_id"`
	TaskID        string             `json:"task_id,omitempty"`
	ThreadID      string             `json:"thread_id,omitempty"`
	Status        Status             `json:"status"`
	Title         string             `json:"title"`
	Cwd           string             `json:"cwd,omitempty"`
	Model         string             `json:"model,omitempty"`
	IsPinned      bool               `json:"is_pinned"`
	Error         string             `json:"error,omitempty"`
	AllowedTools  []string           `json:"allowed_tools,omitempty"`
	ShareWebCache bool               `json:"share_web_cache,omitempty"`
	Messages      []protocol.Message `json:"messages"`
	InputTokens   int                `json:"input_tokens"`
	OutputTokens  int                `json:"output_tokens"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func (s *Session) clone() Session {
	out := *s
	if s.Messages != nil {
		out.Messages = append([]protocol.Message(nil), s.Messages...)
	}
	if s.AllowedTools != nil {
		out.AllowedTools = append([]string(nil), s.AllowedTools...)
	}
	return out
}

// Summary projects the session for session.list payloads.
func (s Session) Summary() protocol.SessionSummary {
	return protocol.SessionSummary{
		SessionID:    s.ID,
		ThreadID:     s.ThreadID,
		TaskID:       s.TaskID,
		Status:       string(s.Status),
		Title:        s.Title,
		Cwd:          s.Cwd,
		Model:        s.Model,
		IsPinned:     s.IsPinned,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
	}
}

// StartRequest defines the payload for starting a new session.
type StartRequest struct {
	Title         string   `json:"title,omitempty"`
	Prompt        string   `json:"prompt"`
	Cwd           string   `json:"cwd,omitempty"`
	Model         string   `json:"model,omitempty"`
	AllowedTools  []string `json:"allowed_tools,omitempty"`
	TaskID        string   `json:"task_id,omitempty"`
	ShareWebCache bool     `json:"share_web_cache,omitempty"`
}
