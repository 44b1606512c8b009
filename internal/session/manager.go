package session

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/weaver/internal/ledger"
	"github.com/ent0n29/weaver/internal/observability"
	"github.com/ent0n29/weaver/internal/protocol"
	"github.com/ent0n29/weaver/internal/runner"
	"github.com/ent0n29/weaver/internal/store"
	"github.com/ent0n29/weaver/internal/webcache"
)

var (
	ErrNotFound            = errors.New("session not found")
	ErrInvalidWorkspace    = errors.New("workspace directory is unset or unreachable")
	ErrSessionNotResumable = errors.New("session is not resumable")
)

const stoppedByUser = "stopped by user"

// Emitter receives every outbound event. The subscription router implements
// it; sessions never hold references to windows.
type Emitter interface {
	Emit(evt any)
}

// Manager owns the lifecycle state machine of every session. Each running
// turn executes on its own goroutine with a stored cancel func; there is no
// lock held across sessions while a turn streams.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	cancels  map[string]context.CancelFunc

	runner  runner.Runner
	changes *ledger.Ledger
	records store.Store
	cache   *webcache.Cache
	emitter Emitter
	metrics *observability.Metrics

	// Durable writes are serialized per session; see queueStoreWrite.
	writeMu     sync.Mutex
	storeWrites map[string]chan struct{}
	storeGone   map[string]bool

	terminalHooks []func(Session)
}

func NewManager(r runner.Runner, changes *ledger.Ledger, records store.Store, cache *webcache.Cache, emitter Emitter, metrics *observability.Metrics) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		cancels:     make(map[string]context.CancelFunc),
		runner:      r,
		changes:     changes,
		records:     records,
		cache:       cache,
		emitter:     emitter,
		metrics:     metrics,
		storeWrites: make(map[string]chan struct{}),
		storeGone:   make(map[string]bool),
	}
}

// OnTerminal registers a hook called (outside the manager lock) whenever a
// session reaches completed or error. The task coordinator observes member
// completion through it.
func (m *Manager) OnTerminal(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminalHooks = append(m.terminalHooks, hook)
}

// Start creates a session, transitions it to running and begins its first
// turn. Runs that may use file tools require a reachable cwd.
func (m *Manager) Start(req StartRequest) (Session, error) {
	if len(req.AllowedTools) > 0 {
		if strings.TrimSpace(req.Cwd) == "" {
			return Session{}, ErrInvalidWorkspace
		}
		info, err := os.Stat(req.Cwd)
		if err != nil || !info.IsDir() {
			return Session{}, ErrInvalidWorkspace
		}
	}

	now := time.Now().UTC()
	s := &Session{
		ID:            uuid.NewString(),
		TaskID:        req.TaskID,
		Status:        StatusIdle,
		Title:         deriveTitle(req.Title, req.Prompt),
		Cwd:           req.Cwd,
		Model:         req.Model,
		AllowedTools:  append([]string(nil), req.AllowedTools...),
		ShareWebCache: req.ShareWebCache,
		Messages:      []protocol.Message{{Role: "user", Content: req.Prompt, At: now}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.TaskID != "" {
		s.ThreadID = s.ID
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.sessions[s.ID] = s
	idle := s.clone()
	s.Status = StatusRunning
	m.cancels[s.ID] = cancel
	running := s.clone()
	m.mu.Unlock()

	m.metrics.ObserveSessionEvent("created")
	m.emitStatus(idle)
	m.emitStatus(running)
	m.emitList()
	m.persist(running)
	m.updateActiveGauge()

	go m.runTurn(ctx, s.ID)
	return running, nil
}

// Continue re-enters running from a terminal state, appending to history.
func (m *Manager) Continue(sessionID, prompt string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.Status.Terminal() {
		m.mu.Unlock()
		return ErrSessionNotResumable
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	s.Status = StatusRunning
	s.Error = ""
	s.Messages = append(s.Messages, protocol.Message{Role: "user", Content: prompt, At: now})
	s.UpdatedAt = now
	m.cancels[sessionID] = cancel
	snapshot := s.clone()
	m.mu.Unlock()

	m.metrics.ObserveSessionEvent("continued")
	m.emitStatus(snapshot)
	m.persist(snapshot)
	m.updateActiveGauge()
	go m.runTurn(ctx, sessionID)
	return nil
}

// EditMessage truncates history at messageIndex, discards ledger records
// whose tool calls are no longer part of it, and continues with newPrompt.
func (m *Manager) EditMessage(sessionID string, messageIndex int, newPrompt string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.Status.Terminal() {
		m.mu.Unlock()
		return ErrSessionNotResumable
	}
	if messageIndex < 0 || messageIndex >= len(s.Messages) {
		m.mu.Unlock()
		return ErrSessionNotResumable
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	s.Status = StatusRunning
	s.Error = ""
	s.Messages = append(s.Messages[:messageIndex:messageIndex], protocol.Message{Role: "user", Content: newPrompt, At: now})
	s.UpdatedAt = now
	m.cancels[sessionID] = cancel
	snapshot := s.clone()
	m.mu.Unlock()

	if dropped := m.changes.DiscardAfter(sessionID, messageIndex-1); len(dropped) > 0 {
		m.emit(protocol.FileChangesUpdated{
			Type:        protocol.TypeFileChangesUpdated,
			SessionID:   sessionID,
			ThreadID:    snapshot.ThreadID,
			FileChanges: toProtocolChanges(m.changes.ListChanges(sessionID)),
		})
	}

	m.metrics.ObserveSessionEvent("message_edited")
	m.emitStatus(snapshot)
	m.persist(snapshot)
	m.updateActiveGauge()
	go m.runTurn(ctx, sessionID)
	return nil
}

// Stop requests cancellation of the in-flight turn. An in-flight tool call
// finishes first; no further model turns start. Stopping a session that is
// already terminal is a no-op.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if s.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancels[sessionID]
	if cancel != nil {
		m.mu.Unlock()
		m.metrics.ObserveSessionEvent("stopped")
		cancel()
		return nil
	}

	// No turn in flight: transition directly.
	now := time.Now().UTC()
	s.Status = StatusError
	s.Error = stoppedByUser
	s.UpdatedAt = now
	snapshot := s.clone()
	m.mu.Unlock()

	m.metrics.ObserveSessionEvent("stopped")
	m.emitStatus(snapshot)
	m.persist(snapshot)
	m.updateActiveGauge()
	m.notifyTerminal(snapshot)
	return nil
}

// Pin flags a session for the list view.
func (m *Manager) Pin(sessionID string, pinned bool) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.IsPinned = pinned
	s.UpdatedAt = time.Now().UTC()
	snapshot := s.clone()
	m.mu.Unlock()

	m.emitList()
	m.persist(snapshot)
	return nil
}

// Delete removes a session, purging its ledger entries and durable record.
// A running turn is cancelled first.
func (m *Manager) Delete(sessionID string) error {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	cancel := m.cancels[sessionID]
	delete(m.sessions, sessionID)
	delete(m.cancels, sessionID)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.changes.Purge(sessionID)
	m.metrics.ObserveSessionEvent("deleted")
	m.emit(protocol.SessionDeleted{Type: protocol.TypeSessionDeleted, SessionID: sessionID})
	m.emitList()
	m.updateActiveGauge()
	m.queueStoreWrite(sessionID, true, func(ctx context.Context) error {
		return m.records.DeleteSession(ctx, sessionID)
	})
	return nil
}

func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.clone(), nil
}

// List returns all sessions, pinned first, most recently updated first.
func (m *Manager) List() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsPinned != out[j].IsPinned {
			return out[i].IsPinned
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// History builds the on-demand session.history snapshot, including the
// session's current ledger records.
func (m *Manager) History(sessionID string) (protocol.SessionHistory, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return protocol.SessionHistory{}, ErrNotFound
	}
	snapshot := s.clone()
	m.mu.Unlock()

	return protocol.SessionHistory{
		Type:         protocol.TypeSessionHistory,
		SessionID:    snapshot.ID,
		ThreadID:     snapshot.ThreadID,
		Status:       string(snapshot.Status),
		Messages:     snapshot.Messages,
		InputTokens:  snapshot.InputTokens,
		OutputTokens: snapshot.OutputTokens,
		FileChanges:  toProtocolChanges(m.changes.ListChanges(sessionID)),
	}, nil
}

// ActiveCount reports sessions currently running a turn.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Restore loads durable records into memory. Sessions persisted as running
// were interrupted by a restart and surface as errors.
func (m *Manager) Restore(ctx context.Context) error {
	if m.records == nil {
		return nil
	}
	records, err := m.records.ListSessions(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, r := range records {
		if _, exists := m.sessions[r.SessionID]; exists {
			continue
		}
		status := Status(r.Status)
		errMsg := r.Error
		if status == StatusRunning || status == StatusIdle {
			status = StatusError
			errMsg = "interrupted by restart"
		}
		m.sessions[r.SessionID] = &Session{
			ID:           r.SessionID,
			TaskID:       r.TaskID,
			ThreadID:     r.ThreadID,
			Status:       status,
			Title:        r.Title,
			Cwd:          r.Cwd,
			Model:        r.Model,
			IsPinned:     r.IsPinned,
			Error:        errMsg,
			Messages:     append([]protocol.Message(nil), r.Messages...),
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		}
	}
	m.mu.Unlock()
	return nil
}

// runTurn drives one model turn to a terminal status. The caller registered
// ctx's cancel func under the session id before spawning it.
func (m *Manager) runTurn(ctx context.Context, sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	req := runner.Request{
		SessionID:    s.ID,
		ThreadID:     s.ThreadID,
		TaskID:       s.TaskID,
		Model:        s.Model,
		Prompt:       lastUserPrompt(s.Messages),
		Messages:     append([]protocol.Message(nil), s.Messages...),
		Cwd:          s.Cwd,
		AllowedTools: append([]string(nil), s.AllowedTools...),
	}
	if s.ShareWebCache {
		req.WebCache = m.cache
	}
	sink := &turnSink{
		m:           m,
		sessionID:   s.ID,
		threadID:    s.ThreadID,
		originIndex: len(s.Messages) - 1,
	}
	m.mu.Unlock()

	started := time.Now()
	res, err := m.runner.Run(ctx, req, sink)
	m.metrics.ObserveTurnDuration(time.Since(started))

	m.mu.Lock()
	if c := m.cancels[sessionID]; c != nil {
		delete(m.cancels, sessionID)
		c()
	}
	s, ok = m.sessions[sessionID]
	if !ok {
		// Deleted mid-run; nothing left to transition.
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	var final protocol.Message
	if err != nil {
		s.Status = StatusError
		if errors.Is(err, context.Canceled) {
			s.Error = stoppedByUser
		} else {
			s.Error = err.Error()
		}
	} else {
		s.Status = StatusCompleted
		s.Error = ""
		if res.Text != "" {
			final = protocol.Message{Role: "assistant", Content: res.Text, At: now}
			s.Messages = append(s.Messages, final)
		}
	}
	s.UpdatedAt = now
	snapshot := s.clone()
	m.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		m.emit(protocol.RunnerError{Type: protocol.TypeRunnerError, SessionID: sessionID, Message: err.Error()})
		m.metrics.ObserveSessionEvent("errored")
	} else if err == nil {
		m.metrics.ObserveSessionEvent("completed")
	}
	if final.Content != "" {
		m.emit(protocol.StreamMessage{
			Type:      protocol.TypeStreamMessage,
			SessionID: sessionID,
			ThreadID:  snapshot.ThreadID,
			Message:   final,
		})
	}
	m.emitStatus(snapshot)
	m.persist(snapshot)
	m.updateActiveGauge()
	m.notifyTerminal(snapshot)
}

type turnSink struct {
	m           *Manager
	sessionID   string
	threadID    string
	originIndex int
}

func (t *turnSink) Delta(text string) error {
	t.m.emit(protocol.StreamMessage{
		Type:      protocol.TypeStreamMessage,
		SessionID: t.sessionID,
		ThreadID:  t.threadID,
		Message:   protocol.Message{Role: "assistant", Content: text, At: time.Now().UTC()},
	})
	return nil
}

func (t *turnSink) ToolCall(call runner.ToolCall) error {
	if len(call.Edits) == 0 {
		return nil
	}
	for _, e := range call.Edits {
		t.m.changes.RecordChange(t.sessionID, e.Path, e.Additions, e.Deletions, e.Original, e.Updated, t.originIndex)
	}
	t.m.emit(protocol.FileChangesUpdated{
		Type:        protocol.TypeFileChangesUpdated,
		SessionID:   t.sessionID,
		ThreadID:    t.threadID,
		FileChanges: toProtocolChanges(t.m.changes.ListChanges(t.sessionID)),
	})
	return nil
}

func (t *turnSink) Usage(u runner.Usage) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	s, ok := t.m.sessions[t.sessionID]
	if !ok {
		return nil
	}
	s.InputTokens += u.InputTokens
	s.OutputTokens += u.OutputTokens
	return nil
}

func (m *Manager) emit(evt any) {
	if m.emitter != nil {
		m.emitter.Emit(evt)
	}
}

func (m *Manager) emitStatus(s Session) {
	m.emit(protocol.SessionStatus{
		Type:      protocol.TypeSessionStatus,
		SessionID: s.ID,
		ThreadID:  s.ThreadID,
		Status:    string(s.Status),
		Title:     s.Title,
		Cwd:       s.Cwd,
		Model:     s.Model,
		Error:     s.Error,
	})
}

func (m *Manager) emitList() {
	sessions := m.List()
	summaries := make([]protocol.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summary())
	}
	m.emit(protocol.SessionList{Type: protocol.TypeSessionList, Sessions: summaries})
}

func (m *Manager) notifyTerminal(s Session) {
	m.mu.Lock()
	hooks := append(([]func(Session))(nil), m.terminalHooks...)
	m.mu.Unlock()
	for _, hook := range hooks {
		hook(s)
	}
}

func (m *Manager) persist(s Session) {
	if m.records == nil {
		return
	}
	record := store.Record{
		SessionID:    s.ID,
		TaskID:       s.TaskID,
		ThreadID:     s.ThreadID,
		Status:       string(s.Status),
		Title:        s.Title,
		Cwd:          s.Cwd,
		Model:        s.Model,
		IsPinned:     s.IsPinned,
		Error:        s.Error,
		Messages:     s.Messages,
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	m.queueStoreWrite(s.ID, false, func(ctx context.Context) error {
		return m.records.SaveSession(ctx, record)
	})
}

// queueStoreWrite runs op off the caller's goroutine, chained after the
// session's previous durable write. Transitions for one session persist in
// the order they happened, so a slow "running" upsert can never overwrite
// the terminal record it precedes. final marks the session's record gone;
// saves queued after it are dropped (session ids are never reused), which
// keeps a straggling upsert from resurrecting a deleted record.
func (m *Manager) queueStoreWrite(sessionID string, final bool, op func(context.Context) error) {
	if m.records == nil {
		return
	}
	m.writeMu.Lock()
	if m.storeGone[sessionID] && !final {
		m.writeMu.Unlock()
		return
	}
	if final {
		m.storeGone[sessionID] = true
	}
	prev := m.storeWrites[sessionID]
	done := make(chan struct{})
	m.storeWrites[sessionID] = done
	m.writeMu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = op(ctx)

		m.writeMu.Lock()
		if m.storeWrites[sessionID] == done {
			delete(m.storeWrites, sessionID)
		}
		m.writeMu.Unlock()
	}()
}

func (m *Manager) updateActiveGauge() {
	if m.metrics == nil {
		return
	}
	m.metrics.ActiveSessions.Set(float64(m.ActiveCount()))
}

func toProtocolChanges(changes []ledger.FileChange) []protocol.FileChange {
	out := make([]protocol.FileChange, 0, len(changes))
	for _, c := range changes {
		out = append(out, protocol.FileChange{
			Path:      c.Path,
			Additions: c.Additions,
			Deletions: c.Deletions,
			Status:    string(c.Status),
		})
	}
	return out
}

func lastUserPrompt(messages []protocol.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func deriveTitle(title, prompt string) string {
	t := strings.TrimSpace(title)
	if t != "" {
		return t
	}
	t = strings.TrimSpace(prompt)
	if t == "" {
		return "Session"
	}
	if len(t) <= 80 {
		return t
	}
	t = t[:80]
	if lastSpace := strings.LastIndexByte(t, ' '); lastSpace > 40 {
		t = t[:lastSpace]
	}
	return strings.TrimSpace(t) + "..."
}
