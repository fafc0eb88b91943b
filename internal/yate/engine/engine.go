// Package engine implements the Yate external-module dispatch core: handler
// and watch registries, pending-request tracking, and the inbound dispatch
// algorithm. It depends on no transport; callers supply a "write one line"
// callable, making the engine testable without any I/O (see the "Ownership
// of transports" design note).
package engine

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eventphone/goyate/internal/yate/protocol"
)

// ErrUsage signals an application-level misuse of the engine's registration
// API, as opposed to a wire-level protocol error.
var ErrUsage = errors.New("yate: usage error")

// UsageError wraps ErrUsage with a reason.
type UsageError struct {
	Reason string
}

func (e *UsageError) Error() string { return "yate: " + e.Reason }
func (e *UsageError) Unwrap() error { return ErrUsage }

const sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func newSessionID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on an in-memory buffer does not fail on any
		// platform this library targets; a failure here indicates a
		// broken runtime, not a recoverable condition.
		panic(fmt.Sprintf("yate: session id generation: %v", err))
	}
	for i, b := range buf {
		buf[i] = sessionIDAlphabet[int(b)%len(sessionIDAlphabet)]
	}
	return string(buf)
}

// Engine tracks handler/watch registries and pending requests, and drives
// the inbound dispatch algorithm. All exported methods are safe for
// concurrent use; registry access is serialised with a mutex per §5's
// "multi-threaded implementation MUST serialise registry access" note.
type Engine struct {
	writeLine func(string) error
	log       *slog.Logger

	sessionID string
	counter   uint64

	mu              sync.Mutex
	messageHandlers map[string]*MessageHandler
	watchHandlers   map[string]*WatchHandler
	pending         map[string]*PendingRequest
	localParams     map[string]string
	localCallbacks  map[string]LocalDoneCallback
}

// New creates an Engine bound to writeLine, the sole path by which the
// engine emits wire bytes. log may be nil, in which case slog.Default() is
// used.
func New(writeLine func(string) error, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		writeLine:       writeLine,
		log:             log.With("subsystem", "yate-engine"),
		sessionID:       newSessionID(),
		messageHandlers: make(map[string]*MessageHandler),
		watchHandlers:   make(map[string]*WatchHandler),
		pending:         make(map[string]*PendingRequest),
		localParams:     make(map[string]string),
		localCallbacks:  make(map[string]LocalDoneCallback),
	}
}

// nextID allocates the next "{session}.{counter}" correlation id.
func (e *Engine) nextID() string {
	n := atomic.AddUint64(&e.counter, 1)
	return fmt.Sprintf("%s.%d", e.sessionID, n)
}

func (e *Engine) write(line string) error {
	if err := e.writeLine(line); err != nil {
		return fmt.Errorf("writing line: %w", err)
	}
	return nil
}

// SendConnect emits the TCP/Unix handshake record. stdio transports never
// call this.
func (e *Engine) SendConnect() error {
	return e.write(protocol.NewConnect().Encode())
}

// RegisterMessageHandler records a handler for inbound messages named name
// and, unless install is false, sends an InstallRequest for it. Registering
// over an existing handler for the same name replaces it and logs a
// warning. name must not be empty.
func (e *Engine) RegisterMessageHandler(name string, priority int, cb MessageCallback, install bool, done DoneCallback, filterAttr, filterValue string) error {
	if name == "" {
		return &UsageError{Reason: "message handler name must not be empty"}
	}

	h := &MessageHandler{
		Name:        name,
		Priority:    priority,
		Callback:    cb,
		FilterAttr:  filterAttr,
		FilterValue: filterValue,
		HasFilter:   filterAttr != "",
		Done:        done,
	}

	e.mu.Lock()
	if _, exists := e.messageHandlers[name]; exists {
		e.log.Warn("replacing existing message handler", "name", name)
	}
	e.messageHandlers[name] = h
	e.mu.Unlock()

	if !install {
		return nil
	}
	req := &protocol.InstallRequest{
		Priority:    priority,
		Name:        name,
		FilterAttr:  filterAttr,
		FilterValue: filterValue,
		HasFilter:   h.HasFilter,
	}
	return e.write(req.Encode())
}

// UnregisterMessageHandler removes the handler for name. If it was
// installed, an UninstallRequest is sent and the handler is kept (marked
// uninstalled) until the ack arrives; otherwise it is dropped immediately.
// A name with no registered handler is a no-op.
func (e *Engine) UnregisterMessageHandler(name string) error {
	e.mu.Lock()
	h, ok := e.messageHandlers[name]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if !h.Installed {
		delete(e.messageHandlers, name)
		e.mu.Unlock()
		return nil
	}
	h.Uninstalled = true
	e.mu.Unlock()

	req := &protocol.UninstallRequest{Name: name}
	return e.write(req.Encode())
}

// RegisterWatchHandler records a non-consuming subscription to messages
// named name (empty name means the wildcard watch) and sends a
// WatchRequest.
func (e *Engine) RegisterWatchHandler(name string, cb ReplyCallback, done DoneCallback) error {
	w := &WatchHandler{Name: name, Callback: cb, Done: done}

	e.mu.Lock()
	if _, exists := e.watchHandlers[name]; exists {
		e.log.Warn("replacing existing watch handler", "name", name)
	}
	e.watchHandlers[name] = w
	e.mu.Unlock()

	req := &protocol.WatchRequest{Name: name}
	return e.write(req.Encode())
}

// UnregisterWatchHandler is the watch symmetric of UnregisterMessageHandler.
func (e *Engine) UnregisterWatchHandler(name string) error {
	e.mu.Lock()
	w, ok := e.watchHandlers[name]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if !w.Installed {
		delete(e.watchHandlers, name)
		e.mu.Unlock()
		return nil
	}
	w.Uninstalled = true
	e.mu.Unlock()

	req := &protocol.UnwatchRequest{Name: name}
	return e.write(req.Encode())
}

// SetLocal requests the engine set (or, with value == "", query) a local
// parameter. done, if non-nil, is invoked exactly once when the ack
// arrives.
func (e *Engine) SetLocal(param, value string, done LocalDoneCallback) error {
	if done != nil {
		e.mu.Lock()
		e.localCallbacks[param] = done
		e.mu.Unlock()
	}
	req := &protocol.SetLocalRequest{Param: param, Value: value}
	return e.write(req.Encode())
}

// RegisterLocalAckCallback arranges for done to be invoked the next time a
// SetLocalAck for param arrives, without itself emitting a SetLocalRequest.
// It exists for drivers that need to write the request line through their
// own serialised path (e.g. automatic bufsize negotiation) while still
// reusing the engine's ack-matching machinery.
func (e *Engine) RegisterLocalAckCallback(param string, done LocalDoneCallback) {
	e.mu.Lock()
	e.localCallbacks[param] = done
	e.mu.Unlock()
}

// GetLocal returns the cached value for param and whether it is known.
func (e *Engine) GetLocal(param string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.localParams[param]
	return v, ok
}

// SendMessage allocates a correlation id, encodes and emits msg. Unless
// fireAndForget is set, the request is tracked as a PendingRequest and cb is
// invoked exactly once when the matching reply arrives.
func (e *Engine) SendMessage(msg *protocol.MessageRequest, cb RequestCallback, fireAndForget bool) (string, error) {
	id := e.nextID()

	if !fireAndForget {
		e.mu.Lock()
		e.pending[id] = &PendingRequest{ID: id, Original: msg, Callback: cb}
		e.mu.Unlock()
	}

	line := msg.Encode(id, e.timestamp())
	if err := e.write(line); err != nil {
		if !fireAndForget {
			e.mu.Lock()
			delete(e.pending, id)
			e.mu.Unlock()
		}
		return "", err
	}
	return id, nil
}

// AnswerMessage encodes and emits the reply form of msg with the given
// processed flag.
func (e *Engine) AnswerMessage(msg *protocol.Message, processed bool) error {
	return e.write(msg.EncodeAnswer(processed))
}

// nowUnix supplies the timestamp of encoded messages; see defaultNowUnix.
var nowUnix = defaultNowUnix

func (e *Engine) timestamp() int64 { return nowUnix() }

// HandleLine parses one inbound wire line and dispatches it. Parse failures
// are logged and the line dropped; HandleLine never returns an error to the
// caller because a malformed inbound record must not interrupt the line
// loop (see §7 "Failure semantics").
func (e *Engine) HandleLine(line string) {
	rec, err := protocol.Parse(line)
	if err != nil {
		e.log.Debug("dropping malformed record", "error", err, "line", line)
		return
	}
	e.Dispatch(rec)
}

// Dispatch routes one parsed record to its consumer per the algorithm in
// §4.3.
func (e *Engine) Dispatch(rec protocol.Record) {
	switch r := rec.(type) {
	case *protocol.InstallAck:
		e.handleInstallAck(r)
	case *protocol.UninstallAck:
		e.handleUninstallAck(r)
	case *protocol.WatchAck:
		e.handleWatchAck(r)
	case *protocol.UnwatchAck:
		e.handleUnwatchAck(r)
	case *protocol.SetLocalAck:
		e.handleSetLocalAck(r)
	case *protocol.Message:
		if r.Reply {
			e.handleMessageReply(r)
		} else {
			e.handleMessageRequest(r)
		}
	default:
		e.log.Debug("dropping record with no dispatch route", "type", fmt.Sprintf("%T", rec))
	}
}

func (e *Engine) handleInstallAck(ack *protocol.InstallAck) {
	e.mu.Lock()
	h, ok := e.messageHandlers[ack.Name]
	e.mu.Unlock()
	if !ok {
		e.log.Debug("install ack for unknown handler", "name", ack.Name)
		return
	}
	if ack.Success {
		e.mu.Lock()
		h.Installed = true
		e.mu.Unlock()
	}
	if h.Done != nil {
		h.Done(ack.Success)
	}
}

func (e *Engine) handleUninstallAck(ack *protocol.UninstallAck) {
	e.mu.Lock()
	_, ok := e.messageHandlers[ack.Name]
	if ok {
		delete(e.messageHandlers, ack.Name)
	}
	e.mu.Unlock()
	if !ok {
		e.log.Debug("uninstall ack for unknown handler", "name", ack.Name)
	}
}

func (e *Engine) handleWatchAck(ack *protocol.WatchAck) {
	e.mu.Lock()
	w, ok := e.watchHandlers[ack.Name]
	e.mu.Unlock()
	if !ok {
		e.log.Debug("watch ack for unknown watcher", "name", ack.Name)
		return
	}
	if ack.Success {
		e.mu.Lock()
		w.Installed = true
		e.mu.Unlock()
	}
	if w.Done != nil {
		w.Done(ack.Success)
	}
}

func (e *Engine) handleUnwatchAck(ack *protocol.UnwatchAck) {
	e.mu.Lock()
	_, ok := e.watchHandlers[ack.Name]
	if ok {
		delete(e.watchHandlers, ack.Name)
	}
	e.mu.Unlock()
	if !ok {
		e.log.Debug("unwatch ack for unknown watcher", "name", ack.Name)
	}
}

func (e *Engine) handleSetLocalAck(ack *protocol.SetLocalAck) {
	e.mu.Lock()
	e.localParams[ack.Param] = ack.Value
	done, ok := e.localCallbacks[ack.Param]
	if ok {
		delete(e.localCallbacks, ack.Param)
	}
	e.mu.Unlock()

	if ok && done != nil {
		done(ack.Param, ack.Value, ack.Success)
	}
}

func (e *Engine) handleMessageRequest(msg *protocol.Message) {
	e.mu.Lock()
	h, ok := e.messageHandlers[msg.Name]
	e.mu.Unlock()

	if ok {
		verdict := e.invokeMessageCallback(h, msg)
		if verdict != nil {
			if err := e.AnswerMessage(msg, *verdict); err != nil {
				e.log.Error("answering message", "name", msg.Name, "error", err)
			}
			return
		}
		// Callback took responsibility (or will answer asynchronously).
		return
	}

	if err := e.AnswerMessage(msg, false); err != nil {
		e.log.Error("auto-acking unhandled message", "name", msg.Name, "error", err)
	}
}

// invokeMessageCallback runs h's callback, recovering a panic so a broken
// handler never takes down the dispatch path. A panicking callback cannot
// have answered the message itself, so recovery yields the same verdict as
// an explicit processed=false, not "no verdict" (§7.1).
func (e *Engine) invokeMessageCallback(h *MessageHandler, msg *protocol.Message) (verdict *bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("message handler panicked", "name", msg.Name, "panic", r)
			unhandled := false
			verdict = &unhandled
		}
	}()
	return h.Callback(msg)
}

func (e *Engine) handleMessageReply(msg *protocol.Message) {
	e.mu.Lock()
	pr, ok := e.pending[msg.ID]
	if ok {
		delete(e.pending, msg.ID)
	}
	e.mu.Unlock()

	if ok {
		if pr.Callback != nil {
			pr.Callback(pr.Original, msg)
		}
		return
	}

	e.mu.Lock()
	w, ok := e.watchHandlers[msg.Name]
	if !ok {
		w, ok = e.watchHandlers[""]
	}
	e.mu.Unlock()

	if ok && w.Callback != nil {
		w.Callback(msg)
		return
	}

	e.log.Debug("dropping reply with no watcher or pending request", "id", msg.ID, "name", msg.Name)
}

// HasPending reports whether id is currently tracked as a pending request,
// used by tests asserting the pending-registry invariant.
func (e *Engine) HasPending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

// HandlerInstalled reports whether the message handler for name has
// received a successful install ack.
func (e *Engine) HandlerInstalled(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.messageHandlers[name]
	return ok && h.Installed
}
