package engine

import "github.com/eventphone/goyate/internal/yate/protocol"

// MessageCallback handles an inbound, non-reply Message. Returning a
// non-nil bool asks the engine to auto-answer the message with that
// processed flag; returning nil means the callback has taken (or will
// take) responsibility for answering itself.
type MessageCallback func(msg *protocol.Message) *bool

// ReplyCallback handles the answer message matching a watch subscription.
type ReplyCallback func(msg *protocol.Message)

// RequestCallback handles the reply to a previously sent MessageRequest,
// receiving both the original request and the engine's reply.
type RequestCallback func(original *protocol.MessageRequest, reply *protocol.Message)

// DoneCallback reports the outcome of an install/watch handshake.
type DoneCallback func(success bool)

// LocalDoneCallback reports the outcome of a setlocal handshake.
type LocalDoneCallback func(param, value string, success bool)

// MessageHandler is a registered consumer of one inbound message name.
type MessageHandler struct {
	Name          string
	Priority      int
	Callback      MessageCallback
	FilterAttr    string
	FilterValue   string
	HasFilter     bool
	Installed     bool
	Uninstalled   bool
	Done          DoneCallback
}

// WatchHandler is a registered non-consuming subscriber to a message name.
// An empty Name is the wildcard subscription (matches any reply with no
// more specific watcher).
type WatchHandler struct {
	Name        string
	Callback    ReplyCallback
	Installed   bool
	Uninstalled bool
	Done        DoneCallback
}

// PendingRequest tracks a send_message awaiting its reply.
type PendingRequest struct {
	ID       string
	Original *protocol.MessageRequest
	Callback RequestCallback
}
