package router

import (
	"fmt"
	"log"
	"sync"

	"github.com/ent0n29/weaver/internal/observability"
	"github.com/ent0n29/weaver/internal/protocol"
)

// WindowSink receives events for one observer window. The websocket handler
// implements it with a buffered writer goroutine, so Send must not block.
type WindowSink interface {
	Send(evt any) error
}

// Notifier raises a desktop-style notification. Implementations must be
// non-blocking.
type Notifier interface {
	Notify(sessionID, title, body string)
}

type window struct {
	sink      WindowSink
	sessionID string
	focused   bool
}

// Router fans backend events out to observer windows. Broadcast events reach
// every window; session-scoped events reach only windows subscribed to that
// session. A terminal session status with no focused subscriber raises a
// notification.
type Router struct {
	mu       sync.RWMutex
	windows  map[string]*window
	latest   map[string]string
	notifier Notifier
	metrics  *observability.Metrics
}

func New(notifier Notifier, metrics *observability.Metrics) *Router {
	return &Router{
		windows:  make(map[string]*window),
		latest:   make(map[string]string),
		notifier: notifier,
		metrics:  metrics,
	}
}

// RegisterWindow adds a window. A re-register under the same id replaces the
// previous sink and clears subscription and focus state.
func (r *Router) RegisterWindow(windowID string, sink WindowSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows[windowID] = &window{sink: sink}
}

func (r *Router) UnregisterWindow(windowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, windowID)
}

// SetWindowSession subscribes a window to a session. An empty sessionID
// clears the subscription; the window then receives only broadcasts.
func (r *Router) SetWindowSession(windowID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[windowID]; ok {
		w.sessionID = sessionID
	}
}

// SetFocus records whether a window holds OS input focus.
func (r *Router) SetFocus(windowID string, focused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[windowID]; ok {
		w.focused = focused
	}
}

// Subscribers reports the window ids currently bound to a session.
func (r *Router) Subscribers(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, w := range r.windows {
		if w.sessionID == sessionID {
			out = append(out, id)
		}
	}
	return out
}

// ForgetSession clears subscriptions to a deleted session so its windows
// fall back to broadcasts only.
func (r *Router) ForgetSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.latest, sessionID)
	for _, w := range r.windows {
		if w.sessionID == sessionID {
			w.sessionID = ""
		}
	}
}

// LatestResponse reports the most recent assistant text streamed for the
// session, used as the notification body.
func (r *Router) LatestResponse(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest[sessionID]
}

// Emit delivers one event according to its route. It implements
// session.Emitter.
func (r *Router) Emit(evt any) {
	route := protocol.RouteOf(evt)

	if sm, ok := evt.(protocol.StreamMessage); ok && sm.Message.Content != "" {
		r.mu.Lock()
		r.latest[sm.SessionID] = sm.Message.Content
		r.mu.Unlock()
	}

	r.mu.RLock()
	targets := make([]WindowSink, 0, len(r.windows))
	focusedSubscriber := false
	for _, w := range r.windows {
		if route.Broadcast || w.sessionID == route.SessionID {
			targets = append(targets, w.sink)
		}
		if w.sessionID == route.SessionID && w.focused {
			focusedSubscriber = true
		}
	}
	r.mu.RUnlock()

	// Only a session-scoped event with no subscriber counts as dropped; a
	// broadcast into an empty window set is normal (headless backend).
	if len(targets) == 0 && !route.Broadcast {
		r.metrics.ObserveRouted("dropped")
		log.Printf("router: no subscriber for session %s event, dropped", route.SessionID)
	}
	outcome := "targeted"
	if route.Broadcast {
		outcome = "broadcast"
	}
	for _, sink := range targets {
		if err := sink.Send(evt); err != nil {
			r.metrics.ObserveRouted("dropped")
			continue
		}
		r.metrics.ObserveRouted(outcome)
	}

	if route.Terminal && !focusedSubscriber {
		r.notify(evt, route.SessionID)
	}
}

func (r *Router) notify(evt any, sessionID string) {
	if r.notifier == nil {
		return
	}
	st, ok := evt.(protocol.SessionStatus)
	if !ok {
		return
	}
	title := st.Title
	if title == "" {
		title = "Session"
	}
	body := r.LatestResponse(sessionID)
	if st.Status == "error" {
		body = fmt.Sprintf("Session failed: %s", st.Error)
	} else if body == "" {
		body = "Session completed"
	}
	r.notifier.Notify(sessionID, title, body)
}
