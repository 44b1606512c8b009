package ledger

import (
	"bytes"
	"errors"
	"testing"
)

func seedFile(t *testing.T, ws *MemWorkspace, path, content string) {
	t.Helper()
	if err := ws.WriteFile(path, []byte(content)); err != nil {
		t.Fatalf("WriteFile(%q) error = %v", path, err)
	}
}

func TestRecordChangeAggregates(t *testing.T) {
	l := New(NewMemWorkspace())
	l.RecordChange("s1", "src/a.go", 10, 2, []byte("v0"), []byte("v1"), 1)
	got := l.RecordChange("s1", "src/a.go", 3, 1, []byte("v1"), []byte("v2"), 3)

	if got.Additions != 13 || got.Deletions != 3 {
		t.Fatalf("aggregate = +%d/-%d, want +13/-3", got.Additions, got.Deletions)
	}
	if got.Status != StatusPending {
		t.Fatalf("Status = %q, want pending", got.Status)
	}
	if got.FirstIndex != 1 || got.LastIndex != 3 {
		t.Fatalf("index range = [%d,%d], want [1,3]", got.FirstIndex, got.LastIndex)
	}
	if n := len(l.ListChanges("s1")); n != 1 {
		t.Fatalf("ListChanges() len = %d, want 1", n)
	}
}

func TestRollbackRestoresContent(t *testing.T) {
	ws := NewMemWorkspace()
	l := New(ws)
	seedFile(t, ws, "a.txt", "edited twice")
	l.RecordChange("s1", "a.txt", 1, 0, []byte("base"), []byte("edited once"), 0)
	l.RecordChange("s1", "a.txt", 1, 0, []byte("edited once"), []byte("edited twice"), 1)

	rolled, failures := l.Rollback("s1")
	if len(failures) != 0 {
		t.Fatalf("Rollback() failures = %v", failures)
	}
	if len(rolled) != 1 || rolled[0].Path != "a.txt" {
		t.Fatalf("rolled = %+v, want one entry for a.txt", rolled)
	}
	data, err := ws.ReadFile("a.txt")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(data, []byte("base")) {
		t.Fatalf("content = %q, want %q", data, "base")
	}
	if n := len(l.ListChanges("s1")); n != 0 {
		t.Fatalf("records remain after rollback: %d", n)
	}
}

func TestConfirmThenRollbackIsNoOp(t *testing.T) {
	ws := NewMemWorkspace()
	l := New(ws)
	seedFile(t, ws, "a.txt", "edited")
	l.RecordChange("s1", "a.txt", 1, 0, []byte("base"), []byte("edited"), 0)

	confirmed := l.Confirm("s1")
	if confirmed[0].Status != StatusConfirmed {
		t.Fatalf("Status after Confirm = %q", confirmed[0].Status)
	}

	rolled, failures := l.Rollback("s1")
	if len(rolled) != 0 || len(failures) != 0 {
		t.Fatalf("Rollback() after confirm = %v/%v, want no-op", rolled, failures)
	}
	data, _ := ws.ReadFile("a.txt")
	if !bytes.Equal(data, []byte("edited")) {
		t.Fatalf("confirmed content was reverted: %q", data)
	}
}

func TestRollbackFailsPerPathWhenExternallyModified(t *testing.T) {
	ws := NewMemWorkspace()
	l := New(ws)
	seedFile(t, ws, "a.txt", "externally changed")
	seedFile(t, ws, "b.txt", "session edit")
	l.RecordChange("s1", "a.txt", 1, 0, []byte("base-a"), []byte("session edit a"), 0)
	l.RecordChange("s1", "b.txt", 1, 0, []byte("base-b"), []byte("session edit"), 0)

	rolled, failures := l.Rollback("s1")
	if len(failures) != 1 || failures[0].Path != "a.txt" {
		t.Fatalf("failures = %v, want one for a.txt", failures)
	}
	if len(rolled) != 1 || rolled[0].Path != "b.txt" {
		t.Fatalf("rolled = %v, want one for b.txt", rolled)
	}
	// The failed path keeps its pending record so the user can retry.
	remaining := l.ListChanges("s1")
	if len(remaining) != 1 || remaining[0].Path != "a.txt" || remaining[0].Status != StatusPending {
		t.Fatalf("remaining = %+v, want pending a.txt", remaining)
	}
}

func TestDetectConflictsRequiresTwoSessions(t *testing.T) {
	l := New(NewMemWorkspace())
	l.Attach("x", "task1", "x", "sonnet")
	l.Attach("y", "task1", "y", "haiku")

	// Many edits from one session are never a conflict.
	l.RecordChange("x", "src/a.ts", 4, 1, []byte("base"), []byte("x1"), 0)
	l.RecordChange("x", "src/a.ts", 6, 1, []byte("x1"), []byte("x2"), 1)
	if got := l.DetectConflicts("task1"); len(got) != 0 {
		t.Fatalf("DetectConflicts() = %+v, want none", got)
	}

	l.RecordChange("y", "src/a.ts", 3, 1, []byte("base"), []byte("y1"), 0)
	conflicts := l.DetectConflicts("task1")
	if len(conflicts) != 1 {
		t.Fatalf("DetectConflicts() len = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Path != "src/a.ts" || len(c.Candidates) != 2 {
		t.Fatalf("conflict = %+v", c)
	}
	if c.Candidates[0].ThreadID != "x" || c.Candidates[0].Additions != 10 || c.Candidates[0].Deletions != 2 {
		t.Fatalf("candidate x = %+v", c.Candidates[0])
	}
	if c.Candidates[1].ThreadID != "y" || c.Candidates[1].Additions != 3 || c.Candidates[1].Deletions != 1 {
		t.Fatalf("candidate y = %+v", c.Candidates[1])
	}
}

func TestResolveConflictKeepsWinner(t *testing.T) {
	ws := NewMemWorkspace()
	l := New(ws)
	l.Attach("x", "task1", "x", "sonnet")
	l.Attach("y", "task1", "y", "haiku")
	l.RecordChange("x", "src/a.ts", 10, 2, []byte("base"), []byte("x version"), 0)
	l.RecordChange("y", "src/a.ts", 3, 1, []byte("base"), []byte("y version"), 0)

	if err := l.ResolveConflict("task1", "src/a.ts", "x"); err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}
	data, err := ws.ReadFile("src/a.ts")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(data, []byte("x version")) {
		t.Fatalf("content = %q, want x version", data)
	}
	if n := len(l.ListChanges("y")); n != 0 {
		t.Fatalf("loser records remain: %d", n)
	}
	if n := len(l.ListChanges("x")); n != 1 {
		t.Fatalf("winner record dropped: %d", n)
	}
	if got := l.DetectConflicts("task1"); len(got) != 0 {
		t.Fatalf("conflict remains after resolve: %+v", got)
	}
}

func TestResolveConflictUnknownThread(t *testing.T) {
	l := New(NewMemWorkspace())
	l.Attach("x", "task1", "x", "sonnet")
	l.Attach("y", "task1", "y", "haiku")
	l.RecordChange("x", "a.txt", 1, 0, []byte("base"), []byte("x"), 0)
	l.RecordChange("y", "a.txt", 1, 0, []byte("base"), []byte("y"), 0)

	if err := l.ResolveConflict("task1", "a.txt", "z"); !errors.Is(err, ErrThreadUnknown) {
		t.Fatalf("err = %v, want ErrThreadUnknown", err)
	}
	if err := l.ResolveConflict("task1", "other.txt", "x"); !errors.Is(err, ErrConflictUnknown) {
		t.Fatalf("err = %v, want ErrConflictUnknown", err)
	}
}

func TestRejectAllRestoresPreTaskContent(t *testing.T) {
	ws := NewMemWorkspace()
	l := New(ws)
	l.Attach("x", "task1", "x", "sonnet")
	l.Attach("y", "task1", "y", "haiku")
	l.RecordChange("x", "a.txt", 1, 0, []byte("pre-task"), []byte("x version"), 0)
	l.RecordChange("y", "a.txt", 1, 0, []byte("pre-task"), []byte("y version"), 0)
	seedFile(t, ws, "a.txt", "y version")

	if err := l.RejectAll("task1", "a.txt"); err != nil {
		t.Fatalf("RejectAll() error = %v", err)
	}
	data, _ := ws.ReadFile("a.txt")
	if !bytes.Equal(data, []byte("pre-task")) {
		t.Fatalf("content = %q, want pre-task", data)
	}
	if len(l.ListChanges("x")) != 0 || len(l.ListChanges("y")) != 0 {
		t.Fatalf("records remain after reject-all")
	}
}

func TestRejectAllNotRestorable(t *testing.T) {
	ws := NewMemWorkspace()
	l := New(ws)
	l.Attach("x", "task1", "x", "sonnet")
	l.Attach("y", "task1", "y", "haiku")
	l.RecordChange("x", "a.txt", 1, 0, []byte("pre-task"), []byte("x version"), 0)
	l.RecordChange("y", "a.txt", 1, 0, []byte("pre-task"), []byte("y version"), 0)
	seedFile(t, ws, "a.txt", "edited by hand")

	err := l.RejectAll("task1", "a.txt")
	var failure RollbackFailure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want RollbackFailure", err)
	}
	// Pending records stay so the user can still resolve.
	if len(l.ListChanges("x")) != 1 || len(l.ListChanges("y")) != 1 {
		t.Fatalf("records dropped despite failed restore")
	}
}

func TestDiscardAfterDropsTruncatedEdits(t *testing.T) {
	l := New(NewMemWorkspace())
	l.RecordChange("s1", "early.txt", 1, 0, []byte("a"), []byte("b"), 1)
	l.RecordChange("s1", "late.txt", 1, 0, []byte("c"), []byte("d"), 5)
	l.RecordChange("s1", "span.txt", 1, 0, []byte("e"), []byte("f"), 1)
	l.RecordChange("s1", "span.txt", 1, 0, []byte("f"), []byte("g"), 5)

	dropped := l.DiscardAfter("s1", 2)
	if len(dropped) != 2 {
		t.Fatalf("dropped = %+v, want late.txt and span.txt", dropped)
	}
	remaining := l.ListChanges("s1")
	if len(remaining) != 1 || remaining[0].Path != "early.txt" {
		t.Fatalf("remaining = %+v, want early.txt only", remaining)
	}
}

func TestPurgeRemovesSessionAndMembership(t *testing.T) {
	l := New(NewMemWorkspace())
	l.Attach("x", "task1", "x", "sonnet")
	l.Attach("y", "task1", "y", "haiku")
	l.RecordChange("x", "a.txt", 1, 0, []byte("base"), []byte("x"), 0)
	l.RecordChange("y", "a.txt", 1, 0, []byte("base"), []byte("y"), 0)

	l.Purge("x")
	if len(l.ListChanges("x")) != 0 {
		t.Fatalf("records remain after purge")
	}
	if got := l.DetectConflicts("task1"); len(got) != 0 {
		t.Fatalf("purged session still conflicts: %+v", got)
	}
}

func TestEditsAfterConfirmOpenFreshRecord(t *testing.T) {
	l := New(NewMemWorkspace())
	l.RecordChange("s1", "a.txt", 5, 1, []byte("v0"), []byte("v1"), 0)
	l.Confirm("s1")
	got := l.RecordChange("s1", "a.txt", 2, 0, []byte("v1"), []byte("v2"), 2)

	if got.Status != StatusPending {
		t.Fatalf("Status = %q, want pending", got.Status)
	}
	if got.Additions != 2 || got.Deletions != 0 {
		t.Fatalf("fresh record = +%d/-%d, want +2/-0", got.Additions, got.Deletions)
	}
}
