package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/weaver/internal/ledger"
	"github.com/ent0n29/weaver/internal/protocol"
	"github.com/ent0n29/weaver/internal/taskcoord"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var payload protocol.TaskPayload
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task, threads, err := s.tasks.CreateTask(s.resolveTaskModels(payload))
	if err != nil {
		if errors.Is(err, taskcoord.ErrInvalidPayload) {
			respondError(w, http.StatusBadRequest, "invalid_payload", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"task": task, "threads": threads})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"tasks": s.tasks.List()})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.tasks.ThreadsForTask(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.StopTask(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.DeleteTask(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.tasks.DetectConflicts(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path            string `json:"path"`
		WinningThreadID string `json:"winning_thread_id"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Path) == "" || strings.TrimSpace(req.WinningThreadID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "path and winning_thread_id are required")
		return
	}

	taskID := chi.URLParam(r, "id")
	if err := s.changes.ResolveConflict(taskID, req.Path, req.WinningThreadID); err != nil {
		switch {
		case errors.Is(err, ledger.ErrConflictUnknown):
			respondError(w, http.StatusNotFound, "conflict_not_found", err.Error())
		case errors.Is(err, ledger.ErrThreadUnknown):
			respondError(w, http.StatusConflict, "thread_not_candidate", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "resolve_failed", err.Error())
		}
		return
	}
	s.emitTaskChangeUpdates(taskID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved", "path": req.Path})
}

func (s *Server) handleRejectConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Path) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "path is required")
		return
	}

	taskID := chi.URLParam(r, "id")
	if err := s.changes.RejectAll(taskID, req.Path); err != nil {
		var failure ledger.RollbackFailure
		switch {
		case errors.Is(err, ledger.ErrConflictUnknown):
			respondError(w, http.StatusNotFound, "conflict_not_found", err.Error())
		case errors.As(err, &failure):
			respondError(w, http.StatusConflict, "not_restorable", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "reject_failed", err.Error())
		}
		return
	}
	s.emitTaskChangeUpdates(taskID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "rejected", "path": req.Path})
}

// emitTaskChangeUpdates refreshes every member's file change view after a
// conflict resolution touched records across sessions.
func (s *Server) emitTaskChangeUpdates(taskID string) {
	task, err := s.tasks.Get(taskID)
	if err != nil {
		return
	}
	for _, threadID := range task.ThreadIDs {
		s.windows.Emit(protocol.FileChangesUpdated{
			Type:        protocol.TypeFileChangesUpdated,
			SessionID:   threadID,
			ThreadID:    threadID,
			FileChanges: toWireChanges(s.changes.ListChanges(threadID)),
		})
	}
}

func toWireChanges(changes []ledger.FileChange) []protocol.FileChange {
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
