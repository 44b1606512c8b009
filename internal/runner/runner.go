package runner

import (
	"context"

	"github.com/ent0n29/weaver/internal/protocol"
	"github.com/ent0n29/weaver/internal/webcache"
)

// Request is the normalized request handed to the execution backend for one
// model turn.
type Request struct {
	SessionID    string             `json:"session_id"`
	ThreadID     string             `json:"thread_id,omitempty"`
	TaskID       string             `json:"task_id,omitempty"`
	Model        string             `json:"model,omitempty"`
	Prompt       string             `json:"prompt"`
	Messages     []protocol.Message `json:"messages,omitempty"`
	Cwd          string             `json:"cwd,omitempty"`
	AllowedTools []string           `json:"allowed_tools,omitempty"`

	// WebCache is non-nil only when the owning task enables shareWebCache.
	// Tool executions consult it with keys stable across sibling threads.
	WebCache *webcache.Cache `json:"-"`
}

// Usage carries token counts reported by the execution stream.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FileEdit describes one file touched by a tool call. The pre-edit content
// is retained so the ledger can invert the edit on rollback.
type FileEdit struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Original  []byte `json:"-"`
	Updated   []byte `json:"-"`
}

// ToolCall is the core-visible projection of one tool invocation: its
// declared target paths and the size of the edits it produced. Tool bodies
// live outside the core.
type ToolCall struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Edits []FileEdit `json:"edits,omitempty"`
}

// Result is the final outcome after streaming completes.
type Result struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Sink receives streamed events for one turn. Calls arrive from a single
// goroutine in stream order.
type Sink interface {
	Delta(text string) error
	ToolCall(call ToolCall) error
	Usage(u Usage) error
}

// Runner executes one model turn, honoring ctx at safe points (between
// stream chunks and between tool calls). A tool call already started is
// allowed to finish before cancellation is observed.
type Runner interface {
	Run(ctx context.Context, req Request, sink Sink) (Result, error)
}
