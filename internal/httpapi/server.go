package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/weaver/internal/config"
	"github.com/ent0n29/weaver/internal/ledger"
	"github.com/ent0n29/weaver/internal/observability"
	"github.com/ent0n29/weaver/internal/protocol"
	"github.com/ent0n29/weaver/internal/router"
	"github.com/ent0n29/weaver/internal/session"
	"github.com/ent0n29/weaver/internal/taskcoord"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	tasks    *taskcoord.Coordinator
	changes  *ledger.Ledger
	windows  *router.Router
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, tasks *taskcoord.Coordinator, changes *ledger.Ledger, windows *router.Router, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		tasks:    tasks,
		changes:  changes,
		windows:  windows,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so another site cannot drive local sessions if
				// the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/events/ws", s.handleWindowWS)

	r.Post("/v1/sessions", s.handleStartSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/sessions/{id}/history", s.handleSessionHistory)
	r.Post("/v1/sessions/{id}/continue", s.handleContinueSession)
	r.Post("/v1/sessions/{id}/stop", s.handleStopSession)
	r.Post("/v1/sessions/{id}/pin", s.handlePinSession)
	r.Post("/v1/sessions/{id}/edit", s.handleEditMessage)
	r.Delete("/v1/sessions/{id}", s.handleDeleteSession)

	r.Get("/v1/sessions/{id}/changes", s.handleListChanges)
	r.Post("/v1/sessions/{id}/changes/confirm", s.handleConfirmChanges)
	r.Post("/v1/sessions/{id}/changes/rollback", s.handleRollbackChanges)

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Get("/v1/tasks/{id}/threads", s.handleTaskThreads)
	r.Post("/v1/tasks/{id}/stop", s.handleStopTask)
	r.Delete("/v1/tasks/{id}", s.handleDeleteTask)

	r.Get("/v1/tasks/{id}/conflicts", s.handleListConflicts)
	r.Post("/v1/tasks/{id}/conflicts/resolve", s.handleResolveConflict)
	r.Post("/v1/tasks/{id}/conflicts/reject", s.handleRejectConflict)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"models": s.cfg.Models,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsOutboundCap  = 256
)

var errSinkFull = errors.New("window outbound queue full")

// wsSink is one window's outbound queue. Send never blocks; a saturated
// queue drops the event and lets the router count it.
type wsSink struct {
	ch chan any
}

func (s *wsSink) Send(evt any) error {
	select {
	case s.ch <- evt:
		return nil
	default:
		return errSinkFull
	}
}

// handleWindowWS serves one observer window. Registration is implicit on
// connect; the window then steers its subscription with window.subscribe
// and window.focus messages.
func (s *Server) handleWindowWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	windowID := uuid.NewString()
	sink := &wsSink{ch: make(chan any, wsOutboundCap)}
	s.windows.RegisterWindow(windowID, sink)
	defer s.windows.UnregisterWindow(windowID)
	s.metrics.ObserveSessionEvent("ws_connected")

	ctx := r.Context()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sink.ch:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
				if t, ok := protocol.TypeOf(msg); ok && s.metrics != nil {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	// Initial snapshot so a fresh window can render without extra requests.
	_ = sink.Send(protocol.ModelList{Type: protocol.TypeModelList, Models: s.cfg.Models})
	_ = sink.Send(s.sessionListEvent())

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			_ = sink.Send(protocol.RunnerError{Type: protocol.TypeRunnerError, Message: err.Error()})
			continue
		}
		if t, ok := clientTypeOf(parsed); ok && s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		s.dispatch(windowID, sink, parsed)
	}

	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

// dispatch applies one parsed observer request. Failures surface to the
// requesting window only; success paths answer through the router so every
// subscriber stays consistent.
func (s *Server) dispatch(windowID string, sink *wsSink, msg any) {
	fail := func(err error) {
		if err != nil {
			_ = sink.Send(protocol.RunnerError{Type: protocol.TypeRunnerError, Message: err.Error()})
		}
	}

	switch m := msg.(type) {
	case protocol.SessionStart:
		started, err := s.sessions.Start(session.StartRequest{
			Title:        m.Title,
			Prompt:       m.Prompt,
			Cwd:          m.Cwd,
			Model:        s.resolveModel(m.Model),
			AllowedTools: m.AllowedTools,
		})
		if err != nil {
			fail(err)
			return
		}
		// The starting window follows its new session automatically.
		s.windows.SetWindowSession(windowID, started.ID)
	case protocol.SessionContinue:
		fail(s.sessions.Continue(m.SessionID, m.Prompt))
	case protocol.SessionStop:
		fail(s.sessions.Stop(m.SessionID))
	case protocol.SessionDelete:
		fail(s.deleteSession(m.SessionID))
	case protocol.SessionPin:
		fail(s.sessions.Pin(m.SessionID, m.IsPinned))
	case protocol.MessageEdit:
		fail(s.sessions.EditMessage(m.SessionID, m.MessageIndex, m.NewPrompt))
	case protocol.TaskCreate:
		if _, _, err := s.tasks.CreateTask(s.resolveTaskModels(m.Payload)); err != nil {
			fail(err)
		}
	case protocol.TaskDelete:
		fail(s.tasks.DeleteTask(m.TaskID))
	case protocol.ThreadListRequest:
		threads, err := s.tasks.Threads(m.SessionID)
		if err != nil {
			fail(err)
			return
		}
		_ = sink.Send(protocol.ThreadList{Type: protocol.TypeThreadList, SessionID: m.SessionID, Threads: threads})
	case protocol.FileChangesConfirm:
		s.confirmChanges(m.SessionID)
	case protocol.FileChangesRollback:
		s.rollbackChanges(m.SessionID)
	case protocol.WindowSubscribe:
		s.windows.SetWindowSession(windowID, m.SessionID)
		if m.SessionID == "" {
			return
		}
		if hist, err := s.sessions.History(m.SessionID); err == nil {
			_ = sink.Send(hist)
		}
	case protocol.WindowFocus:
		s.windows.SetFocus(windowID, m.Focused)
	case protocol.PermissionResponse:
		// Tool permission prompts are resolved by the runner; nothing to
		// route until a runner implementation consumes them.
	}
}

// clientTypeOf reports the wire type of an inbound request for metrics.
func clientTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.SessionStart:
		return m.Type, true
	case protocol.SessionContinue:
		return m.Type, true
	case protocol.SessionStop:
		return m.Type, true
	case protocol.SessionDelete:
		return m.Type, true
	case protocol.SessionPin:
		return m.Type, true
	case protocol.MessageEdit:
		return m.Type, true
	case protocol.PermissionResponse:
		return m.Type, true
	case protocol.TaskCreate:
		return m.Type, true
	case protocol.TaskDelete:
		return m.Type, true
	case protocol.ThreadListRequest:
		return m.Type, true
	case protocol.FileChangesConfirm:
		return m.Type, true
	case protocol.FileChangesRollback:
		return m.Type, true
	case protocol.WindowSubscribe:
		return m.Type, true
	case protocol.WindowFocus:
		return m.Type, true
	default:
		return "", false
	}
}

func (s *Server) sessionListEvent() protocol.SessionList {
	sessions := s.sessions.List()
	summaries := make([]protocol.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, sess.Summary())
	}
	return protocol.SessionList{Type: protocol.TypeSessionList, Sessions: summaries}
}

func (s *Server) resolveModel(model string) string {
	if strings.TrimSpace(model) == "" {
		return s.cfg.DefaultModel()
	}
	return model
}

func (s *Server) resolveTaskModels(payload protocol.TaskPayload) protocol.TaskPayload {
	if payload.Mode == taskcoord.ModeConsensus && strings.TrimSpace(payload.ConsensusModel) == "" {
		payload.ConsensusModel = s.cfg.DefaultModel()
	}
	return payload
}

// deleteSession clears window subscriptions along with the session itself.
func (s *Server) deleteSession(sessionID string) error {
	if err := s.sessions.Delete(sessionID); err != nil {
		return err
	}
	s.windows.ForgetSession(sessionID)
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
