package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/weaver/internal/protocol"
	"github.com/ent0n29/weaver/internal/session"
)

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}
	req.Model = s.resolveModel(req.Model)

	started, err := s.sessions.Start(req)
	if err != nil {
		if errors.Is(err, session.ErrInvalidWorkspace) {
			respondError(w, http.StatusBadRequest, "invalid_workspace", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, started)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessionListEvent().Sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.sessions.History(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, hist)
}

func (s *Server) handleContinueSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}
	if err := s.sessions.Continue(chi.URLParam(r, "id"), req.Prompt); err != nil {
		respondError(w, http.StatusConflict, "not_resumable", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Stop(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handlePinSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsPinned bool `json:"is_pinned"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.sessions.Pin(chi.URLParam(r, "id"), req.IsPinned); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"is_pinned": req.IsPinned})
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageIndex int    `json:"message_index"`
		NewPrompt    string `json:"new_prompt"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.NewPrompt) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "new_prompt is required")
		return
	}
	if err := s.sessions.EditMessage(chi.URLParam(r, "id"), req.MessageIndex, req.NewPrompt); err != nil {
		respondError(w, http.StatusConflict, "not_resumable", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deleteSession(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	respondJSON(w, http.StatusOK, map[string]any{"file_changes": s.changes.ListChanges(id)})
}

func (s *Server) handleConfirmChanges(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	confirmed := s.confirmChanges(id)
	respondJSON(w, http.StatusOK, map[string]any{"confirmed": confirmed})
}

func (s *Server) handleRollbackChanges(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rolledBack, failures := s.rollbackChanges(id)
	status := http.StatusOK
	if len(failures) > 0 {
		status = http.StatusConflict
	}
	respondJSON(w, status, map[string]any{"rolled_back": rolledBack, "failures": failures})
}

func (s *Server) threadIDOf(sessionID string) string {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return ""
	}
	return sess.ThreadID
}

// confirmChanges flips the session's pending records to confirmed and tells
// every subscriber.
func (s *Server) confirmChanges(sessionID string) []protocol.FileChange {
	s.changes.Confirm(sessionID)
	threadID := s.threadIDOf(sessionID)
	current := toWireChanges(s.changes.ListChanges(sessionID))
	s.windows.Emit(protocol.FileChangesConfirmed{
		Type:      protocol.TypeFileChangesConfirmed,
		SessionID: sessionID,
		ThreadID:  threadID,
	})
	s.windows.Emit(protocol.FileChangesUpdated{
		Type:        protocol.TypeFileChangesUpdated,
		SessionID:   sessionID,
		ThreadID:    threadID,
		FileChanges: current,
	})
	return current
}

// rollbackChanges restores pending files to their pre-edit content. Paths
// that changed on disk since the edit are reported, not restored.
func (s *Server) rollbackChanges(sessionID string) ([]protocol.FileChange, []string) {
	rolledBack, failures := s.changes.Rollback(sessionID)
	threadID := s.threadIDOf(sessionID)

	wire := toWireChanges(rolledBack)
	s.windows.Emit(protocol.FileChangesRolledBack{
		Type:        protocol.TypeFileChangesRolledBack,
		SessionID:   sessionID,
		ThreadID:    threadID,
		FileChanges: wire,
	})
	var reasons []string
	for _, f := range failures {
		reasons = append(reasons, f.Path+": "+f.Reason)
	}
	if len(reasons) > 0 {
		s.windows.Emit(protocol.FileChangesError{
			Type:      protocol.TypeFileChangesError,
			SessionID: sessionID,
			ThreadID:  threadID,
			Message:   strings.Join(reasons, "; "),
		})
	}
	s.windows.Emit(protocol.FileChangesUpdated{
		Type:        protocol.TypeFileChangesUpdated,
		SessionID:   sessionID,
		ThreadID:    threadID,
		FileChanges: toWireChanges(s.changes.ListChanges(sessionID)),
	})
	return wire, reasons
}
