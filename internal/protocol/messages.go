package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Backend -> observer events.
const (
	TypeStreamMessage         MessageType = "stream.message"
	TypeSessionStatus         MessageType = "session.status"
	TypeSessionList           MessageType = "session.list"
	TypeSessionHistory        MessageType = "session.history"
	TypeSessionDeleted        MessageType = "session.deleted"
	TypeThreadList            MessageType = "thread.list"
	TypeTaskCreated           MessageType = "task.created"
	TypeTaskStatus            MessageType = "task.status"
	TypeTaskDeleted           MessageType = "task.deleted"
	TypeFileChangesUpdated    MessageType = "file_changes.updated"
	TypeFileChangesConfirmed  MessageType = "file_changes.confirmed"
	TypeFileChangesRolledBack MessageType = "file_changes.rolledback"
	TypeFileChangesError      MessageType = "file_changes.error"
	TypePermissionRequest     MessageType = "permission.request"
	TypeRunnerError           MessageType = "runner.error"
	TypeModelList             MessageType = "model.list"
	TypeSettingsLoaded        MessageType = "settings.loaded"
)

// Observer -> backend requests.
const (
	TypeSessionStart       MessageType = "session.start"
	TypeSessionContinue    MessageType = "session.continue"
	TypeSessionStop        MessageType = "session.stop"
	TypeSessionDelete      MessageType = "session.delete"
	TypeSessionPin         MessageType = "session.pin"
	TypeMessageEdit        MessageType = "message.edit"
	TypePermissionResponse MessageType = "permission.response"
	TypeTaskCreate         MessageType = "task.create"
	TypeTaskDelete         MessageType = "task.delete"
	TypeThreadListRequest  MessageType = "thread.list"
	TypeFileChangesConfirm MessageType = "file_changes.confirm"
	TypeFileChangesRoll    MessageType = "file_changes.rollback"
	TypeWindowSubscribe    MessageType = "window.subscribe"
	TypeWindowFocus        MessageType = "window.focus"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Message is one conversation entry as shown to observers.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// SessionSummary is the list-view projection of a session.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	ThreadID     string    `json:"thread_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Status       string    `json:"status"`
	Title        string    `json:"title"`
	Cwd          string    `json:"cwd,omitempty"`
	Model        string    `json:"model,omitempty"`
	IsPinned     bool      `json:"is_pinned"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
}

// FileChange mirrors one ledger record on the wire.
type FileChange struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Status    string `json:"status"`
}

// ThreadInfo describes one member session of a task.
type ThreadInfo struct {
	ThreadID string `json:"thread_id"`
	Model    string `json:"model"`
	Prompt   string `json:"prompt,omitempty"`
	Status   string `json:"status"`
	Title    string `json:"title,omitempty"`
}

// TaskInfo is the wire projection of a multi-thread task.
type TaskInfo struct {
	TaskID            string    `json:"task_id"`
	Title             string    `json:"title"`
	Mode              string    `json:"mode"`
	Status            string    `json:"status"`
	ThreadIDs         []string  `json:"thread_ids"`
	ShareWebCache     bool      `json:"share_web_cache"`
	ConsensusModel    string    `json:"consensus_model,omitempty"`
	ConsensusQuantity int       `json:"consensus_quantity,omitempty"`
	AutoSummary       bool      `json:"auto_summary,omitempty"`
	SummarySessionID  string    `json:"summary_session_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TaskAssignment is one {model, prompt} pair for different-tasks mode.
type TaskAssignment struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// TaskPayload is the create-task request body.
type TaskPayload struct {
	Title             string           `json:"title"`
	Mode              string           `json:"mode"`
	Prompt            string           `json:"prompt,omitempty"`
	Cwd               string           `json:"cwd,omitempty"`
	ShareWebCache     bool             `json:"share_web_cache,omitempty"`
	ConsensusModel    string           `json:"consensus_model,omitempty"`
	ConsensusQuantity int              `json:"consensus_quantity,omitempty"`
	AutoSummary       bool             `json:"auto_summary,omitempty"`
	Tasks             []TaskAssignment `json:"tasks,omitempty"`
}

type StreamMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ThreadID  string      `json:"thread_id,omitempty"`
	Message   Message     `json:"message"`
}

type SessionStatus struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ThreadID  string      `json:"thread_id,omitempty"`
	Status    string      `json:"status"`
	Title     string      `json:"title,omitempty"`
	Cwd       string      `json:"cwd,omitempty"`
	Model     string      `json:"model,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type SessionList struct {
	Type     MessageType      `json:"type"`
	Sessions []SessionSummary `json:"sessions"`
}

type SessionHistory struct {
	Type         MessageType  `json:"type"`
	SessionID    string       `json:"session_id"`
	ThreadID     string       `json:"thread_id,omitempty"`
	Status       string       `json:"status"`
	Messages     []Message    `json:"messages"`
	InputTokens  int          `json:"input_tokens,omitempty"`
	OutputTokens int          `json:"output_tokens,omitempty"`
	FileChanges  []FileChange `json:"file_changes,omitempty"`
}

type SessionDeleted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type ThreadList struct {
	Type      MessageType  `json:"type"`
	SessionID string       `json:"session_id"`
	Threads   []ThreadInfo `json:"threads"`
}

type TaskCreated struct {
	Type    MessageType  `json:"type"`
	Task    TaskInfo     `json:"task"`
	Threads []ThreadInfo `json:"threads"`
}

type TaskStatus struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
	Status string      `json:"status"`
}

type TaskDeleted struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
}

type FileChangesUpdated struct {
	Type        MessageType  `json:"type"`
	SessionID   string       `json:"session_id"`
	ThreadID    string       `json:"thread_id,omitempty"`
	FileChanges []FileChange `json:"file_changes"`
}

type FileChangesConfirmed struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ThreadID  string      `json:"thread_id,omitempty"`
}

type FileChangesRolledBack struct {
	Type        MessageType  `json:"type"`
	SessionID   string       `json:"session_id"`
	ThreadID    string       `json:"thread_id,omitempty"`
	FileChanges []FileChange `json:"file_changes"`
}

type FileChangesError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ThreadID  string      `json:"thread_id,omitempty"`
	Message   string      `json:"message"`
}

type PermissionRequest struct {
	Type        MessageType    `json:"type"`
	SessionID   string         `json:"session_id"`
	ToolUseID   string         `json:"tool_use_id"`
	ToolName    string         `json:"tool_name"`
	Input       map[string]any `json:"input,omitempty"`
	Explanation string         `json:"explanation,omitempty"`
}

type RunnerError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Message   string      `json:"message"`
}

type ModelList struct {
	Type   MessageType `json:"type"`
	Models []string    `json:"models"`
}

type SettingsLoaded struct {
	Type     MessageType    `json:"type"`
	Settings map[string]any `json:"settings"`
}

type SessionStart struct {
	Type         MessageType `json:"type"`
	Title        string      `json:"title,omitempty"`
	Prompt       string      `json:"prompt"`
	Cwd          string      `json:"cwd,omitempty"`
	Model        string      `json:"model,omitempty"`
	AllowedTools []string    `json:"allowed_tools,omitempty"`
}

type SessionContinue struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Prompt    string      `json:"prompt"`
}

type SessionStop struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type SessionDelete struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type SessionPin struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	IsPinned  bool        `json:"is_pinned"`
}

type MessageEdit struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	MessageIndex int         `json:"message_index"`
	NewPrompt    string      `json:"new_prompt"`
}

type PermissionResponse struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ToolUseID string      `json:"tool_use_id"`
	Result    string      `json:"result"`
}

type TaskCreate struct {
	Type    MessageType `json:"type"`
	Payload TaskPayload `json:"payload"`
}

type TaskDelete struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
}

type ThreadListRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type FileChangesConfirm struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ThreadID  string      `json:"thread_id,omitempty"`
}

type FileChangesRollback struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ThreadID  string      `json:"thread_id,omitempty"`
}

// WindowSubscribe binds the sending window to a session. An empty
// session_id clears the subscription.
type WindowSubscribe struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// WindowFocus reports whether the sending window holds OS input focus.
type WindowFocus struct {
	Type    MessageType `json:"type"`
	Focused bool        `json:"focused"`
}

// ParseClientMessage decodes and validates an observer request.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSessionStart:
		var msg SessionStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Prompt == "" {
			return nil, errors.New("invalid session.start: prompt is required")
		}
		return msg, nil
	case TypeSessionContinue:
		var msg SessionContinue
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Prompt == "" {
			return nil, errors.New("invalid session.continue")
		}
		return msg, nil
	case TypeSessionStop:
		var msg SessionStop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid session.stop")
		}
		return msg, nil
	case TypeSessionDelete:
		var msg SessionDelete
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid session.delete")
		}
		return msg, nil
	case TypeSessionPin:
		var msg SessionPin
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid session.pin")
		}
		return msg, nil
	case TypeMessageEdit:
		var msg MessageEdit
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.MessageIndex < 0 || msg.NewPrompt == "" {
			return nil, errors.New("invalid message.edit")
		}
		return msg, nil
	case TypePermissionResponse:
		var msg PermissionResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.ToolUseID == "" {
			return nil, errors.New("invalid permission.response")
		}
		return msg, nil
	case TypeTaskCreate:
		var msg TaskCreate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Payload.Mode == "" {
			return nil, errors.New("invalid task.create: mode is required")
		}
		return msg, nil
	case TypeTaskDelete:
		var msg TaskDelete
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" {
			return nil, errors.New("invalid task.delete")
		}
		return msg, nil
	case TypeThreadListRequest:
		var msg ThreadListRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid thread.list")
		}
		return msg, nil
	case TypeFileChangesConfirm:
		var msg FileChangesConfirm
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid file_changes.confirm")
		}
		return msg, nil
	case TypeFileChangesRoll:
		var msg FileChangesRollback
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid file_changes.rollback")
		}
		return msg, nil
	case TypeWindowSubscribe:
		var msg WindowSubscribe
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeWindowFocus:
		var msg WindowFocus
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// Route describes how the subscription router should deliver an event.
type Route struct {
	// SessionID is the target session for scoped delivery. Empty when the
	// event broadcasts.
	SessionID string
	// Broadcast forces delivery to every registered window.
	Broadcast bool
	// Terminal marks a session.status event carrying completed/error, which
	// drives the notification decision.
	Terminal bool
}

// RouteOf classifies an outbound event. Session status, list-type and
// settings events always broadcast; everything else with a session id is
// delivered only to that session's subscribers. Unknown values broadcast
// so a new event kind never silently disappears.
func RouteOf(evt any) Route {
	switch m := evt.(type) {
	case SessionStatus:
		return Route{Broadcast: true, SessionID: m.SessionID, Terminal: m.Status == "completed" || m.Status == "error"}
	case SessionList:
		return Route{Broadcast: true}
	case SessionDeleted:
		return Route{Broadcast: true}
	case TaskCreated:
		return Route{Broadcast: true}
	case TaskStatus:
		return Route{Broadcast: true}
	case TaskDeleted:
		return Route{Broadcast: true}
	case ModelList:
		return Route{Broadcast: true}
	case SettingsLoaded:
		return Route{Broadcast: true}
	case StreamMessage:
		return Route{SessionID: m.SessionID}
	case SessionHistory:
		return Route{SessionID: m.SessionID}
	case ThreadList:
		return Route{SessionID: m.SessionID}
	case FileChangesUpdated:
		return Route{SessionID: m.SessionID}
	case FileChangesConfirmed:
		return Route{SessionID: m.SessionID}
	case FileChangesRolledBack:
		return Route{SessionID: m.SessionID}
	case FileChangesError:
		return Route{SessionID: m.SessionID}
	case PermissionRequest:
		return Route{SessionID: m.SessionID}
	case RunnerError:
		if m.SessionID == "" {
			return Route{Broadcast: true}
		}
		return Route{SessionID: m.SessionID}
	default:
		return Route{Broadcast: true}
	}
}

// TypeOf reports the wire type of an outbound event, for metrics labels.
func TypeOf(evt any) (MessageType, bool) {
	switch m := evt.(type) {
	case StreamMessage:
		return m.Type, true
	case SessionStatus:
		return m.Type, true
	case SessionList:
		return m.Type, true
	case SessionHistory:
		return m.Type, true
	case SessionDeleted:
		return m.Type, true
	case ThreadList:
		return m.Type, true
	case TaskCreated:
		return m.Type, true
	case TaskStatus:
		return m.Type, true
	case TaskDeleted:
		return m.Type, true
	case FileChangesUpdated:
		return m.Type, true
	case FileChangesConfirmed:
		return m.Type, true
	case FileChangesRolledBack:
		return m.Type, true
	case FileChangesError:
		return m.Type, true
	case PermissionRequest:
		return m.Type, true
	case RunnerError:
		return m.Type, true
	case ModelList:
		return m.Type, true
	case SettingsLoaded:
		return m.Type, true
	default:
		return "", false
	}
}
