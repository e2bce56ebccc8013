// Package push maintains the per-call server→client notification channel:
// one websocket per call id, with a single-slot pending buffer for
// messages dispatched before the subscriber connects.
package push

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// TerminalCloseDelay is how long after the final status message the
// socket is kept open so the subscriber can read it.
const TerminalCloseDelay = 5 * time.Second

// ErrSessionExists is returned when a second socket connects for a call
// that already has a live subscriber.
var ErrSessionExists = errors.New("push session already connected")

// Conn is the subset of *websocket.Conn the registry needs. Tests
// substitute a recording fake.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Message is one push payload. The registry stamps the call id into
// every outgoing message.
type Message map[string]any

// session tracks one call's subscriber and its pending buffer. Only the
// most recent undelivered message is retained; delivery before connect
// is best-effort by design.
type session struct {
	writeMu sync.Mutex
	conn    Conn
	pending Message
}

// Registry maps call ids to push sessions. All methods are safe for
// concurrent use; sends within one call are delivered in submission
// order while the socket stays open.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	logger   *slog.Logger
}

// NewRegistry creates an empty push registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		logger:   logger.With("subsystem", "push_registry"),
	}
}

// Attach binds a socket to the call. A call with a live socket rejects
// the newcomer with ErrSessionExists (the caller should close it). Any
// pending message is flushed to the new subscriber.
func (r *Registry) Attach(callID string, conn Conn) error {
	r.mu.Lock()
	sess, ok := r.sessions[callID]
	if ok && sess.conn != nil {
		r.mu.Unlock()
		return ErrSessionExists
	}
	if !ok {
		sess = &session{}
		r.sessions[callID] = sess
	}
	sess.conn = conn
	pending := sess.pending
	sess.pending = nil
	sess.writeMu.Lock()
	r.mu.Unlock()
	defer sess.writeMu.Unlock()

	r.logger.Debug("push session attached", "call_id", callID)

	if pending != nil {
		if err := conn.WriteJSON(pending); err != nil {
			r.logger.Warn("flushing pending push message failed", "call_id", callID, "error", err)
			r.dropConn(callID, conn)
			return nil
		}
	}
	return nil
}

// Send delivers the payload to the call's subscriber, or parks it as the
// sole pending message when no socket is connected.
func (r *Registry) Send(callID string, payload Message) {
	msg := make(Message, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["callId"] = callID

	r.mu.Lock()
	sess, ok := r.sessions[callID]
	if !ok {
		sess = &session{}
		r.sessions[callID] = sess
	}
	if sess.conn == nil {
		sess.pending = msg
		r.mu.Unlock()
		return
	}
	conn := sess.conn
	// Take the write lock before releasing the registry lock so per-call
	// delivery order matches submission order.
	sess.writeMu.Lock()
	r.mu.Unlock()
	defer sess.writeMu.Unlock()

	if err := conn.WriteJSON(msg); err != nil {
		r.logger.Warn("push send failed", "call_id", callID, "error", err)
		r.dropConn(callID, conn)
	}
}

// Detach unbinds the socket from the call, leaving the session (and any
// later pending messages) in place for a reconnect. A socket that is no
// longer the bound one is just closed.
func (r *Registry) Detach(callID string, conn Conn) {
	r.dropConn(callID, conn)
}

// dropConn detaches a broken socket, leaving the session (and any later
// pending messages) in place for a reconnect.
func (r *Registry) dropConn(callID string, conn Conn) {
	conn.Close()
	r.mu.Lock()
	if sess, ok := r.sessions[callID]; ok && sess.conn == conn {
		sess.conn = nil
	}
	r.mu.Unlock()
}

// Close closes and forgets the call's session.
func (r *Registry) Close(callID string) {
	r.mu.Lock()
	sess, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()

	if ok && sess.conn != nil {
		sess.conn.Close()
	}
}

// MarkTerminal sends one final status message, then closes the session
// after TerminalCloseDelay.
func (r *Registry) MarkTerminal(callID string, payload Message) {
	r.Send(callID, payload)
	time.AfterFunc(TerminalCloseDelay, func() { r.Close(callID) })
}

// Shutdown closes every session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	for _, sess := range sessions {
		if sess.conn != nil {
			sess.conn.Close()
		}
	}
}

// ActiveCalls returns the ids of calls with a connected subscriber. This
// is a read-through debug view, not a separate source of truth.
func (r *Registry) ActiveCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if sess.conn != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// ActiveCount returns the number of connected subscribers.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, sess := range r.sessions {
		if sess.conn != nil {
			n++
		}
	}
	return n
}
