package store

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/weaver/internal/protocol"
)

var ErrNotFound = errors.New("session record not found")

// Record is the durable projection of one session: enough to resume it and
// to serve session.history on window subscription.
type Record struct {
	SessionID    string             `json:"session_id"`
	TaskID       string             `json:"task_id,omitempty"`
	ThreadID     string             `json:"thread_id,omitempty"`
	Status       string             `json:"status"`
	Title        string             `json:"title"`
	Cwd          string             `json:"cwd,omitempty"`
	Model        string             `json:"model,omitempty"`
	IsPinned     bool               `json:"is_pinned"`
	Error        string             `json:"error,omitempty"`
	Messages     []protocol.Message `json:"messages"`
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Store persists session records across restarts.
type Store interface {
	SaveSession(ctx context.Context, record Record) error
	GetSession(ctx context.Context, sessionID string) (Record, error)
	ListSessions(ctx context.Context) ([]Record, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}
