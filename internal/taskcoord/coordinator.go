package taskcoord

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/weaver/internal/ledger"
	"github.com/ent0n29/weaver/internal/observability"
	"github.com/ent0n29/weaver/internal/protocol"
	"github.com/ent0n29/weaver/internal/session"
)

const (
	ModeConsensus      = "consensus"
	ModeDifferentTasks = "different_tasks"
)

const (
	minConsensusQuantity = 2
	maxConsensusQuantity = 10
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrInvalidPayload = errors.New("invalid task payload")
)

type task struct {
	ID                string
	Title             string
	Mode              string
	Status            string
	ThreadIDs         []string
	ShareWebCache     bool
	ConsensusModel    string
	ConsensusQuantity int
	AutoSummary       bool
	SummarySessionID  string
	Assignments       []protocol.TaskAssignment
	Cwd               string
	CreatedAt         time.Time
	UpdatedAt         time.Time

	// creating suppresses status aggregation until every member session
	// exists, so a fast first member cannot complete the task alone.
	creating     bool
	memberStatus map[string]session.Status
}

func (t *task) info() protocol.TaskInfo {
	return protocol.TaskInfo{
		TaskID:            t.ID,
		Title:             t.Title,
		Mode:              t.Mode,
		Status:            t.Status,
		ThreadIDs:         append([]string(nil), t.ThreadIDs...),
		ShareWebCache:     t.ShareWebCache,
		ConsensusModel:    t.ConsensusModel,
		ConsensusQuantity: t.ConsensusQuantity,
		AutoSummary:       t.AutoSummary,
		SummarySessionID:  t.SummarySessionID,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

// Coordinator groups sessions into multi-thread tasks and aggregates their
// terminal states into one task status. It observes member completion
// through the session manager's terminal hook; it never polls.
type Coordinator struct {
	mu    sync.Mutex
	tasks map[string]*task

	sessions *session.Manager
	changes  *ledger.Ledger
	emitter  session.Emitter
	metrics  *observability.Metrics
}

func New(sessions *session.Manager, changes *ledger.Ledger, emitter session.Emitter, metrics *observability.Metrics) *Coordinator {
	c := &Coordinator{
		tasks:    make(map[string]*task),
		sessions: sessions,
		changes:  changes,
		emitter:  emitter,
		metrics:  metrics,
	}
	sessions.OnTerminal(c.onMemberTerminal)
	return c
}

// CreateTask validates the payload and atomically creates one member session
// per thread. A mid-way session failure rolls back the members already
// created so no partial task exists.
func (c *Coordinator) CreateTask(payload protocol.TaskPayload) (protocol.TaskInfo, []protocol.ThreadInfo, error) {
	assignments, err := expandPayload(payload)
	if err != nil {
		return protocol.TaskInfo{}, nil, err
	}

	taskID := uuid.NewString()
	now := time.Now().UTC()
	t := &task{
		ID:                taskID,
		Title:             payload.Title,
		Mode:              payload.Mode,
		Status:            "running",
		ShareWebCache:     payload.ShareWebCache,
		ConsensusModel:    payload.ConsensusModel,
		ConsensusQuantity: payload.ConsensusQuantity,
		AutoSummary:       payload.AutoSummary && payload.Mode == ModeConsensus,
		Assignments:       assignments,
		Cwd:               payload.Cwd,
		CreatedAt:         now,
		UpdatedAt:         now,
		creating:          true,
		memberStatus:      make(map[string]session.Status),
	}
	if t.Title == "" {
		t.Title = deriveTaskTitle(assignments)
	}

	// Register before starting members so terminal hooks firing mid-create
	// find the task; the creating flag keeps aggregation on hold.
	c.mu.Lock()
	c.tasks[taskID] = t
	c.mu.Unlock()

	threads := make([]protocol.ThreadInfo, 0, len(assignments))
	for i, a := range assignments {
		s, err := c.sessions.Start(session.StartRequest{
			Title:         fmt.Sprintf("%s [%d/%d]", t.Title, i+1, len(assignments)),
			Prompt:        a.Prompt,
			Cwd:           payload.Cwd,
			Model:         a.Model,
			TaskID:        taskID,
			ShareWebCache: payload.ShareWebCache,
		})
		if err != nil {
			c.mu.Lock()
			members := append([]string(nil), t.ThreadIDs...)
			delete(c.tasks, taskID)
			c.mu.Unlock()
			for _, id := range members {
				_ = c.sessions.Delete(id)
			}
			return protocol.TaskInfo{}, nil, fmt.Errorf("create task member %d: %w", i+1, err)
		}
		c.mu.Lock()
		t.ThreadIDs = append(t.ThreadIDs, s.ID)
		if _, seen := t.memberStatus[s.ID]; !seen {
			t.memberStatus[s.ID] = s.Status
		}
		c.mu.Unlock()
		c.changes.Attach(s.ID, taskID, s.ThreadID, a.Model)
		threads = append(threads, protocol.ThreadInfo{
			ThreadID: s.ThreadID,
			Model:    a.Model,
			Prompt:   a.Prompt,
			Status:   string(s.Status),
			Title:    s.Title,
		})
	}

	c.mu.Lock()
	t.creating = false
	info := t.info()
	c.mu.Unlock()

	c.metrics.ObserveTaskEvent("created")
	c.emit(protocol.TaskCreated{Type: protocol.TypeTaskCreated, Task: info, Threads: threads})

	// Catch members that went terminal before the flag cleared.
	c.reconcile(taskID)
	return info, threads, nil
}

// reconcile refreshes member statuses from the session manager and runs the
// aggregation once. It covers hooks that fired while the task was still
// being assembled.
func (c *Coordinator) reconcile(taskID string) {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return
	}
	members := append([]string(nil), t.ThreadIDs...)
	c.mu.Unlock()

	for _, id := range members {
		s, err := c.sessions.Get(id)
		if err != nil {
			continue
		}
		c.mu.Lock()
		t.memberStatus[id] = s.Status
		c.mu.Unlock()
	}
	c.evaluate(taskID)
}

// StopTask requests cancellation of every non-terminal member. The task
// status transitions through the members' terminal hooks, never directly.
func (c *Coordinator) StopTask(taskID string) error {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return ErrTaskNotFound
	}
	members := append([]string(nil), t.ThreadIDs...)
	c.mu.Unlock()

	c.metrics.ObserveTaskEvent("stopped")
	for _, id := range members {
		s, err := c.sessions.Get(id)
		if err != nil || s.Status.Terminal() {
			continue
		}
		_ = c.sessions.Stop(id)
	}
	return nil
}

// DeleteTask removes the task record. Non-terminal members are stopped
// first; an orphaned running thread with no owning task leaks resources.
// Member sessions themselves survive the delete.
func (c *Coordinator) DeleteTask(taskID string) error {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return ErrTaskNotFound
	}
	members := append([]string(nil), t.ThreadIDs...)
	delete(c.tasks, taskID)
	c.mu.Unlock()

	for _, id := range members {
		s, err := c.sessions.Get(id)
		if err != nil || s.Status.Terminal() {
			continue
		}
		_ = c.sessions.Stop(id)
	}
	c.changes.DetachTask(taskID)
	c.metrics.ObserveTaskEvent("deleted")
	c.emit(protocol.TaskDeleted{Type: protocol.TypeTaskDeleted, TaskID: taskID})
	return nil
}

func (c *Coordinator) Get(taskID string) (protocol.TaskInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return protocol.TaskInfo{}, ErrTaskNotFound
	}
	return t.info(), nil
}

func (c *Coordinator) List() []protocol.TaskInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.TaskInfo, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.info())
	}
	return out
}

// Threads resolves the sibling thread list for any member session id.
func (c *Coordinator) Threads(sessionID string) ([]protocol.ThreadInfo, error) {
	c.mu.Lock()
	var t *task
	for _, candidate := range c.tasks {
		for _, id := range candidate.ThreadIDs {
			if id == sessionID {
				t = candidate
				break
			}
		}
	}
	if t == nil {
		c.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	members := append([]string(nil), t.ThreadIDs...)
	assignments := append([]protocol.TaskAssignment(nil), t.Assignments...)
	c.mu.Unlock()

	return c.threadInfos(members, assignments), nil
}

// ThreadsForTask lists the task's member threads by task id.
func (c *Coordinator) ThreadsForTask(taskID string) ([]protocol.ThreadInfo, error) {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	members := append([]string(nil), t.ThreadIDs...)
	assignments := append([]protocol.TaskAssignment(nil), t.Assignments...)
	c.mu.Unlock()

	return c.threadInfos(members, assignments), nil
}

func (c *Coordinator) threadInfos(members []string, assignments []protocol.TaskAssignment) []protocol.ThreadInfo {
	out := make([]protocol.ThreadInfo, 0, len(members))
	for i, id := range members {
		s, err := c.sessions.Get(id)
		if err != nil {
			continue
		}
		info := protocol.ThreadInfo{
			ThreadID: s.ThreadID,
			Model:    s.Model,
			Status:   string(s.Status),
			Title:    s.Title,
		}
		if i < len(assignments) {
			info.Prompt = assignments[i].Prompt
		}
		out = append(out, info)
	}
	return out
}

// DetectConflicts scans the task's pending ledger records for paths touched
// by more than one member.
func (c *Coordinator) DetectConflicts(taskID string) ([]ledger.FileConflict, error) {
	c.mu.Lock()
	_, ok := c.tasks[taskID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	conflicts := c.changes.DetectConflicts(taskID)
	if len(conflicts) > 0 && c.metrics != nil {
		c.metrics.FileConflicts.Add(float64(len(conflicts)))
	}
	return conflicts, nil
}

// onMemberTerminal folds one member's terminal state into the task status.
// The task goes completed only when every member is terminal and none
// errored; one errored member makes the whole task error, once all members
// have settled.
func (c *Coordinator) onMemberTerminal(s session.Session) {
	if s.TaskID == "" {
		return
	}

	c.mu.Lock()
	t, ok := c.tasks[s.TaskID]
	if !ok {
		c.mu.Unlock()
		return
	}
	t.memberStatus[s.ID] = s.Status
	c.mu.Unlock()

	c.evaluate(s.TaskID)
}

// evaluate transitions the task once every member is terminal.
func (c *Coordinator) evaluate(taskID string) {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok || t.creating || t.Status != "running" || len(t.ThreadIDs) == 0 {
		c.mu.Unlock()
		return
	}

	allTerminal := true
	anyError := false
	anyCompleted := false
	for _, id := range t.ThreadIDs {
		st := t.memberStatus[id]
		if !st.Terminal() {
			allTerminal = false
		}
		if st == session.StatusError {
			anyError = true
		}
		if st == session.StatusCompleted {
			anyCompleted = true
		}
	}
	if !allTerminal {
		c.mu.Unlock()
		return
	}

	if anyError {
		t.Status = "error"
	} else {
		t.Status = "completed"
	}
	t.UpdatedAt = time.Now().UTC()
	status := t.Status
	needSummary := t.AutoSummary && anyCompleted && t.SummarySessionID == ""
	model := t.ConsensusModel
	title := t.Title
	cwd := t.Cwd
	members := append([]string(nil), t.ThreadIDs...)
	c.mu.Unlock()

	c.metrics.ObserveTaskEvent(status)
	c.emit(protocol.TaskStatus{Type: protocol.TypeTaskStatus, TaskID: taskID, Status: status})

	if needSummary {
		c.startSummary(taskID, title, model, cwd, members)
	}
}

// startSummary launches the auto-summary session. It carries no task id so
// its own terminal state never feeds back into the task status.
func (c *Coordinator) startSummary(taskID, title, model, cwd string, members []string) {
	prompt := c.buildSummaryPrompt(members)
	s, err := c.sessions.Start(session.StartRequest{
		Title:  fmt.Sprintf("Summary: %s", title),
		Prompt: prompt,
		Cwd:    cwd,
		Model:  model,
	})
	if err != nil {
		c.emit(protocol.RunnerError{Type: protocol.TypeRunnerError, Message: fmt.Sprintf("start summary session: %v", err)})
		return
	}

	c.mu.Lock()
	if t, ok := c.tasks[taskID]; ok {
		t.SummarySessionID = s.ID
		t.UpdatedAt = time.Now().UTC()
	}
	c.mu.Unlock()
	c.metrics.ObserveTaskEvent("summary_started")
}

func (c *Coordinator) buildSummaryPrompt(members []string) string {
	var b strings.Builder
	b.WriteString("Multiple assistants answered the same request independently. ")
	b.WriteString("Compare their answers, then produce the single best response, merging where useful.\n")
	n := 0
	for _, id := range members {
		s, err := c.sessions.Get(id)
		if err != nil || s.Status != session.StatusCompleted {
			continue
		}
		n++
		fmt.Fprintf(&b, "\n--- Answer %d (%s) ---\n%s\n", n, s.Model, lastAssistantOutput(s))
	}
	return b.String()
}

func lastAssistantOutput(s session.Session) string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "assistant" {
			return s.Messages[i].Content
		}
	}
	return "(no output)"
}

func (c *Coordinator) emit(evt any) {
	if c.emitter != nil {
		c.emitter.Emit(evt)
	}
}

// expandPayload validates the payload and flattens it into one assignment
// per thread, regardless of mode.
func expandPayload(payload protocol.TaskPayload) ([]protocol.TaskAssignment, error) {
	switch payload.Mode {
	case ModeConsensus:
		if payload.ConsensusModel == "" {
			return nil, fmt.Errorf("%w: consensus mode requires a model", ErrInvalidPayload)
		}
		if payload.ConsensusQuantity < minConsensusQuantity || payload.ConsensusQuantity > maxConsensusQuantity {
			return nil, fmt.Errorf("%w: consensus quantity must be in [%d,%d]", ErrInvalidPayload, minConsensusQuantity, maxConsensusQuantity)
		}
		if strings.TrimSpace(payload.Prompt) == "" {
			return nil, fmt.Errorf("%w: consensus mode requires a prompt", ErrInvalidPayload)
		}
		out := make([]protocol.TaskAssignment, payload.ConsensusQuantity)
		for i := range out {
			out[i] = protocol.TaskAssignment{Model: payload.ConsensusModel, Prompt: payload.Prompt}
		}
		return out, nil
	case ModeDifferentTasks:
		if len(payload.Tasks) == 0 {
			return nil, fmt.Errorf("%w: different_tasks mode requires assignments", ErrInvalidPayload)
		}
		for i, a := range payload.Tasks {
			if a.Model == "" || strings.TrimSpace(a.Prompt) == "" {
				return nil, fmt.Errorf("%w: assignment %d needs both model and prompt", ErrInvalidPayload, i+1)
			}
		}
		return append([]protocol.TaskAssignment(nil), payload.Tasks...), nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidPayload, payload.Mode)
	}
}

func deriveTaskTitle(assignments []protocol.TaskAssignment) string {
	if len(assignments) == 0 {
		return "Task"
	}
	t := strings.TrimSpace(assignments[0].Prompt)
	if len(t) > 60 {
		t = strings.TrimSpace(t[:60]) + "..."
	}
	return t
}
