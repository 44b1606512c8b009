package ledger

import (
	"bytes"
	"errors"
	"sort"
	"sync"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

var (
	ErrSessionUnknown  = errors.New("session has no ledger entries")
	ErrConflictUnknown = errors.New("no conflict recorded for path")
	ErrThreadUnknown   = errors.New("thread has no pending change for path")
)

// FileChange is one file's accumulated edit within a session. Repeated edits
// to the same path aggregate additively into a single record.
type FileChange struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Status    Status `json:"status"`
	// FirstIndex/LastIndex bound the message indices whose tool calls
	// produced the aggregated edits. Message-edit truncation uses them to
	// decide which records are no longer backed by history.
	FirstIndex int `json:"first_index"`
	LastIndex  int `json:"last_index"`
}

// Candidate is one thread's competing version of a conflicted path.
type Candidate struct {
	ThreadID         string `json:"thread_id"`
	Model            string `json:"model"`
	Additions        int    `json:"additions"`
	Deletions        int    `json:"deletions"`
	CandidateContent []byte `json:"candidate_content"`
}

// FileConflict is derived when two or more member sessions of one task hold
// a pending change for the same path.
type FileConflict struct {
	Path       string      `json:"path"`
	Candidates []Candidate `json:"candidates"`
}

// RollbackFailure reports one path whose content could not be restored. The
// pending record stays in place so the user can retry or resolve manually.
type RollbackFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

type record struct {
	change    FileChange
	original  []byte
	candidate []byte
}

type membership struct {
	taskID   string
	threadID string
	model    string
}

// Ledger accumulates per-session file diffs, detects cross-session conflicts
// within a task, and drives the confirm/rollback state machine. One mutex
// guards records and membership so conflict detection always observes a
// consistent snapshot of every member's pending records.
type Ledger struct {
	mu sync.Mutex

	ws           Workspace
	bySession    map[string]map[string]*record
	members      map[string]membership
	taskSessions map[string][]string
	taskOriginal map[string]map[string][]byte
}

func New(ws Workspace) *Ledger {
	return &Ledger{
		ws:           ws,
		bySession:    make(map[string]map[string]*record),
		members:      make(map[string]membership),
		taskSessions: make(map[string][]string),
		taskOriginal: make(map[string]map[string][]byte),
	}
}

// Attach binds a session to a task so its pending records participate in
// conflict detection. The thread id equals the session id.
func (l *Ledger) Attach(sessionID, taskID, threadID, model string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.members[sessionID] = membership{taskID: taskID, threadID: threadID, model: model}
	l.taskSessions[taskID] = append(l.taskSessions[taskID], sessionID)
}

// RecordChange aggregates one edit into the session's record for path and
// marks it pending. The caller supplies the pre-edit and post-edit content;
// the pre-edit content of the first record is retained for rollback, and the
// first record across a whole task preserves the pre-task content for
// reject-all.
func (l *Ledger) RecordChange(sessionID, path string, additions, deletions int, original, updated []byte, messageIndex int) FileChange {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := l.bySession[sessionID]
	if recs == nil {
		recs = make(map[string]*record)
		l.bySession[sessionID] = recs
	}

	if m, ok := l.members[sessionID]; ok {
		origs := l.taskOriginal[m.taskID]
		if origs == nil {
			origs = make(map[string][]byte)
			l.taskOriginal[m.taskID] = origs
		}
		if _, seen := origs[path]; !seen {
			origs[path] = cloneBytes(original)
		}
	}

	r, ok := recs[path]
	if !ok || r.change.Status == StatusConfirmed {
		// A confirmed change is frozen; later edits open a fresh pending
		// record with its own pre-edit baseline.
		r = &record{
			change: FileChange{
				Path:       path,
				Status:     StatusPending,
				FirstIndex: messageIndex,
				LastIndex:  messageIndex,
			},
			original: cloneBytes(original),
		}
		recs[path] = r
	}
	r.change.Additions += additions
	r.change.Deletions += deletions
	r.candidate = cloneBytes(updated)
	if messageIndex > r.change.LastIndex {
		r.change.LastIndex = messageIndex
	}
	return r.change
}

// ListChanges returns the session's records ordered by path.
func (l *Ledger) ListChanges(sessionID string) []FileChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listLocked(sessionID)
}

func (l *Ledger) listLocked(sessionID string) []FileChange {
	recs := l.bySession[sessionID]
	out := make([]FileChange, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.change)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Confirm marks every pending record of the session confirmed. Confirmed
// records are no longer rollback-eligible.
func (l *Ledger) Confirm(sessionID string) []FileChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.bySession[sessionID] {
		if r.change.Status == StatusPending {
			r.change.Status = StatusConfirmed
		}
	}
	return l.listLocked(sessionID)
}

// Rollback restores the pre-change content for every pending record of the
// session and clears those records. A path whose on-disk content no longer
// matches the recorded candidate fails individually and keeps its record.
func (l *Ledger) Rollback(sessionID string) ([]FileChange, []RollbackFailure) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var rolled []FileChange
	var failures []RollbackFailure
	recs := l.bySession[sessionID]
	for path, r := range recs {
		if r.change.Status != StatusPending {
			continue
		}
		cur, err := l.ws.ReadFile(path)
		if err != nil {
			failures = append(failures, RollbackFailure{Path: path, Reason: "read failed: " + err.Error()})
			continue
		}
		if !bytes.Equal(cur, r.candidate) {
			failures = append(failures, RollbackFailure{Path: path, Reason: "file modified outside session"})
			continue
		}
		if err := l.ws.WriteFile(path, r.original); err != nil {
			failures = append(failures, RollbackFailure{Path: path, Reason: "restore failed: " + err.Error()})
			continue
		}
		rolled = append(rolled, r.change)
		delete(recs, path)
	}
	sort.Slice(rolled, func(i, j int) bool { return rolled[i].Path < rolled[j].Path })
	sort.Slice(failures, func(i, j int) bool { return failures[i].Path < failures[j].Path })
	return rolled, failures
}

// DetectConflicts groups pending records across the task's member sessions
// by path; a path touched by two or more distinct sessions is a conflict.
func (l *Ledger) DetectConflicts(taskID string) []FileConflict {
	l.mu.Lock()
	defer l.mu.Unlock()

	byPath := make(map[string][]Candidate)
	for _, sessionID := range l.taskSessions[taskID] {
		m := l.members[sessionID]
		for path, r := range l.bySession[sessionID] {
			if r.change.Status != StatusPending {
				continue
			}
			byPath[path] = append(byPath[path], Candidate{
				ThreadID:         m.threadID,
				Model:            m.model,
				Additions:        r.change.Additions,
				Deletions:        r.change.Deletions,
				CandidateContent: cloneBytes(r.candidate),
			})
		}
	}

	var out []FileConflict
	for path, candidates := range byPath {
		if len(candidates) < 2 {
			continue
		}
		out = append(out, FileConflict{Path: path, Candidates: candidates})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ResolveConflict keeps the winning thread's pending record for path, writes
// its candidate content as the final on-disk state, and discards the other
// members' pending records for that path.
func (l *Ledger) ResolveConflict(taskID, path, winningThreadID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var winner *record
	holders := 0
	for _, sessionID := range l.taskSessions[taskID] {
		r := l.bySession[sessionID][path]
		if r == nil || r.change.Status != StatusPending {
			continue
		}
		holders++
		if l.members[sessionID].threadID == winningThreadID {
			winner = r
		}
	}
	if holders < 2 {
		return ErrConflictUnknown
	}
	if winner == nil {
		return ErrThreadUnknown
	}

	if err := l.ws.WriteFile(path, winner.candidate); err != nil {
		return err
	}
	for _, sessionID := range l.taskSessions[taskID] {
		if l.members[sessionID].threadID == winningThreadID {
			continue
		}
		if r := l.bySession[sessionID][path]; r != nil && r.change.Status == StatusPending {
			delete(l.bySession[sessionID], path)
		}
	}
	return nil
}

// RejectAll discards every member's pending record for path and reverts the
// file to its pre-task content if still restorable.
func (l *Ledger) RejectAll(taskID, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	holders := make([]*record, 0, 4)
	sessions := make([]string, 0, 4)
	for _, sessionID := range l.taskSessions[taskID] {
		if r := l.bySession[sessionID][path]; r != nil && r.change.Status == StatusPending {
			holders = append(holders, r)
			sessions = append(sessions, sessionID)
		}
	}
	if len(holders) == 0 {
		return ErrConflictUnknown
	}

	original, ok := l.taskOriginal[taskID][path]
	if !ok {
		return RollbackFailure{Path: path, Reason: "pre-task content unavailable"}
	}
	cur, err := l.ws.ReadFile(path)
	if err != nil {
		return RollbackFailure{Path: path, Reason: "read failed: " + err.Error()}
	}
	restorable := false
	for _, r := range holders {
		if bytes.Equal(cur, r.candidate) {
			restorable = true
			break
		}
	}
	if !restorable && !bytes.Equal(cur, original) {
		return RollbackFailure{Path: path, Reason: "file modified outside task"}
	}
	if err := l.ws.WriteFile(path, original); err != nil {
		return RollbackFailure{Path: path, Reason: "restore failed: " + err.Error()}
	}
	for _, sessionID := range sessions {
		delete(l.bySession[sessionID], path)
	}
	return nil
}

// DiscardAfter drops pending records whose edits trace past messageIndex.
// Used when message-edit truncation removes the tool calls that produced
// them. Files are not touched; the truncated turn re-derives its edits.
func (l *Ledger) DiscardAfter(sessionID string, messageIndex int) []FileChange {
	l.mu.Lock()
	defer l.mu.Unlock()

	var dropped []FileChange
	recs := l.bySession[sessionID]
	for path, r := range recs {
		if r.change.Status != StatusPending {
			continue
		}
		if r.change.LastIndex > messageIndex {
			dropped = append(dropped, r.change)
			delete(recs, path)
		}
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].Path < dropped[j].Path })
	return dropped
}

// Purge removes every record and task binding for the session.
func (l *Ledger) Purge(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bySession, sessionID)
	m, ok := l.members[sessionID]
	if !ok {
		return
	}
	delete(l.members, sessionID)
	ids := l.taskSessions[m.taskID]
	out := ids[:0]
	for _, id := range ids {
		if id != sessionID {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		delete(l.taskSessions, m.taskID)
		delete(l.taskOriginal, m.taskID)
	} else {
		l.taskSessions[m.taskID] = out
	}
}

// DetachTask forgets the task grouping without touching the member
// sessions' own records.
func (l *Ledger) DetachTask(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sessionID := range l.taskSessions[taskID] {
		delete(l.members, sessionID)
	}
	delete(l.taskSessions, taskID)
	delete(l.taskOriginal, taskID)
}

// Error implements error so a RollbackFailure can propagate per path.
func (f RollbackFailure) Error() string {
	return "rollback failed for " + f.Path + ": " + f.Reason
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
