// Package protocol implements the Yate external-module message model: the
// tagged record variants exchanged over the line codec, and their
// parse/encode rules.
package protocol

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/eventphone/goyate/internal/yate/codec"
)

// ErrProtocol is the sentinel wrapped by every parse failure that is not a
// field-encoding error (unknown tag, wrong arity, non-integer field).
var ErrProtocol = errors.New("yate: protocol error")

// ProtocolError carries a human-readable description of a malformed record.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "yate: " + e.Reason }
func (e *ProtocolError) Unwrap() error { return ErrProtocol }

func protoErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Tags for every record variant, as the leading field reads once decoded.
// On the wire that field is escaped like any other, so its '%' is doubled
// ("%%>message", "%%<install", ...).
const (
	TagMessageReq    = "%>message"
	TagMessageAck    = "%<message"
	TagInstallReq    = "%>install"
	TagInstallAck    = "%<install"
	TagUninstallReq  = "%>uninstall"
	TagUninstallAck  = "%<uninstall"
	TagWatchReq      = "%>watch"
	TagWatchAck      = "%<watch"
	TagUnwatchReq    = "%>unwatch"
	TagUnwatchAck    = "%<unwatch"
	TagSetLocalReq   = "%>setlocal"
	TagSetLocalAck   = "%<setlocal"
	TagConnect       = "%>connect"
)

// Record is implemented by every parsed inbound variant so that dispatch can
// switch on concrete type.
type Record interface {
	isRecord()
}

// Message represents both directions of %>message/%<message.
//
// For an inbound request (Reply=false), Time holds the engine timestamp.
// For a reply (Reply=true), Processed holds the "processed" flag instead.
type Message struct {
	ID           string
	Time         int64 // only meaningful when !Reply
	Processed    bool  // only meaningful when Reply
	Name         string
	ReturnValue  string
	Params       *Params
	Reply        bool
}

func (*Message) isRecord() {}

// MessageRequest is the application-authored outbound message before an id
// and timestamp have been assigned by the engine core.
type MessageRequest struct {
	Name        string
	ReturnValue string
	Params      *Params
}

// NewMessageRequest creates a fire-ready outbound message with an empty
// param set if params is nil.
func NewMessageRequest(name string, params *Params) *MessageRequest {
	if params == nil {
		params = NewParams()
	}
	return &MessageRequest{Name: name, Params: params}
}

// Encode renders the %>message wire form for this request, given the
// correlation id and timestamp assigned by the engine core.
func (m *MessageRequest) Encode(id string, timestamp int64) string {
	fields := append([]string{TagMessageReq, id, strconv.FormatInt(timestamp, 10), m.Name, m.ReturnValue}, m.Params.Pairs()...)
	return codec.EncodeJoin(fields...)
}

// EncodeAnswer renders the %<message wire form answering an inbound
// Message, carrying the same id and name, and the (possibly mutated)
// return value and params, per §4.2 "Answer encoding".
func (m *Message) EncodeAnswer(processed bool) string {
	fields := append([]string{TagMessageAck, m.ID, strconv.FormatBool(processed), m.Name, m.ReturnValue}, m.Params.Pairs()...)
	return codec.EncodeJoin(fields...)
}

// InstallRequest asks the engine to route messages named Name, at Priority,
// to this peer. An optional filter restricts delivery to messages whose
// FilterAttr param equals FilterValue.
type InstallRequest struct {
	Priority    int
	Name        string
	FilterAttr  string
	FilterValue string
	HasFilter   bool
}

func (*InstallRequest) isRecord() {}

// Encode renders the %>install wire form.
func (r *InstallRequest) Encode() string {
	fields := []string{TagInstallReq, strconv.Itoa(r.Priority), r.Name}
	if r.HasFilter {
		fields = append(fields, r.FilterAttr, r.FilterValue)
	}
	return codec.EncodeJoin(fields...)
}

// InstallAck is the engine's response to an InstallRequest.
type InstallAck struct {
	Priority int
	Name     string
	Success  bool
}

func (*InstallAck) isRecord() {}

// UninstallRequest asks the engine to stop routing messages named Name to
// this peer.
type UninstallRequest struct {
	Name string
}

func (*UninstallRequest) isRecord() {}

// Encode renders the %>uninstall wire form.
func (r *UninstallRequest) Encode() string {
	return codec.EncodeJoin(TagUninstallReq, r.Name)
}

// UninstallAck is the engine's response to an UninstallRequest.
type UninstallAck struct {
	Priority int
	Name     string
	Success  bool
}

func (*UninstallAck) isRecord() {}

// WatchRequest asks the engine for a non-consuming subscription to messages
// named Name (empty Name means wildcard: all message types).
type WatchRequest struct {
	Name string
}

func (*WatchRequest) isRecord() {}

// Encode renders the %>watch wire form.
func (r *WatchRequest) Encode() string {
	return codec.EncodeJoin(TagWatchReq, r.Name)
}

// WatchAck is the engine's response to a WatchRequest.
type WatchAck struct {
	Name    string
	Success bool
}

func (*WatchAck) isRecord() {}

// UnwatchRequest cancels a prior watch subscription.
type UnwatchRequest struct {
	Name string
}

func (*UnwatchRequest) isRecord() {}

// Encode renders the %>unwatch wire form.
func (r *UnwatchRequest) Encode() string {
	return codec.EncodeJoin(TagUnwatchReq, r.Name)
}

// UnwatchAck is the engine's response to an UnwatchRequest.
type UnwatchAck struct {
	Name    string
	Success bool
}

func (*UnwatchAck) isRecord() {}

// SetLocalRequest gets (Value == "") or sets an engine-local parameter.
type SetLocalRequest struct {
	Param string
	Value string
}

func (*SetLocalRequest) isRecord() {}

// Encode renders the %>setlocal wire form.
func (r *SetLocalRequest) Encode() string {
	return codec.EncodeJoin(TagSetLocalReq, r.Param, r.Value)
}

// SetLocalAck is the engine's response to a SetLocalRequest, carrying the
// authoritative value (which may differ from the requested one).
type SetLocalAck struct {
	Param   string
	Value   string
	Success bool
}

func (*SetLocalAck) isRecord() {}

// Connect is the initial handshake record sent on TCP/Unix connections.
type Connect struct {
	Role string
	ID   string
	Type string
}

func (*Connect) isRecord() {}

// NewConnect creates the standard "global" role handshake.
func NewConnect() *Connect { return &Connect{Role: "global"} }

// Encode renders the %>connect wire form.
func (c *Connect) Encode() string {
	fields := []string{TagConnect, c.Role}
	if c.ID != "" {
		fields = append(fields, c.ID)
		if c.Type != "" {
			fields = append(fields, c.Type)
		}
	}
	return codec.EncodeJoin(fields...)
}

// Parse decodes one wire line into its concrete Record variant, per the
// token table in §4.2. It never panics; every malformed input yields an
// error wrapping ErrProtocol or codec.ErrDecode.
func Parse(line string) (Record, error) {
	fields, err := codec.DecodeSplit(line)
	if err != nil {
		return nil, fmt.Errorf("parsing record: %w", err)
	}
	if len(fields) == 0 {
		return nil, protoErrorf("empty record")
	}

	switch fields[0] {
	case TagMessageReq:
		return parseMessage(fields, false)
	case TagMessageAck:
		return parseMessage(fields, true)
	case TagInstallReq:
		return parseInstallRequest(fields)
	case TagInstallAck:
		return parseInstallAck(fields)
	case TagUninstallReq:
		return parseUninstallRequest(fields)
	case TagUninstallAck:
		return parseUninstallAck(fields)
	case TagWatchReq:
		return parseWatchRequest(fields)
	case TagWatchAck:
		return parseWatchAck(fields)
	case TagUnwatchReq:
		return parseUnwatchRequest(fields)
	case TagUnwatchAck:
		return parseUnwatchAck(fields)
	case TagSetLocalReq:
		return parseSetLocalRequest(fields)
	case TagSetLocalAck:
		return parseSetLocalAck(fields)
	case TagConnect:
		return parseConnect(fields)
	default:
		return nil, protoErrorf("unknown record tag %q", fields[0])
	}
}

func parseMessage(fields []string, reply bool) (*Message, error) {
	if len(fields) < 5 {
		return nil, protoErrorf("message record has only %d fields, want at least 5", len(fields))
	}
	m := &Message{
		ID:          fields[1],
		Name:        fields[3],
		ReturnValue: fields[4],
		Params:      ParamsFromPairs(fields[5:]),
		Reply:       reply,
	}
	if reply {
		m.Processed = fields[2] == "true"
	} else {
		t, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, protoErrorf("invalid message time %q", fields[2])
		}
		m.Time = t
	}
	return m, nil
}

func parseInstallRequest(fields []string) (*InstallRequest, error) {
	if len(fields) < 3 {
		return nil, protoErrorf("install request has only %d fields, want at least 3", len(fields))
	}
	priority, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, protoErrorf("invalid install priority %q", fields[1])
	}
	r := &InstallRequest{Priority: priority, Name: fields[2]}
	if len(fields) >= 4 {
		r.HasFilter = true
		r.FilterAttr = fields[3]
	}
	if len(fields) >= 5 {
		r.FilterValue = fields[4]
	}
	return r, nil
}

func parseInstallAck(fields []string) (*InstallAck, error) {
	if len(fields) < 4 {
		return nil, protoErrorf("install ack has only %d fields, want at least 4", len(fields))
	}
	priority, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, protoErrorf("invalid install ack priority %q", fields[1])
	}
	return &InstallAck{Priority: priority, Name: fields[2], Success: fields[3] == "true"}, nil
}

func parseUninstallRequest(fields []string) (*UninstallRequest, error) {
	if len(fields) != 2 {
		return nil, protoErrorf("uninstall request has %d fields, want 2", len(fields))
	}
	return &UninstallRequest{Name: fields[1]}, nil
}

func parseUninstallAck(fields []string) (*UninstallAck, error) {
	if len(fields) < 4 {
		return nil, protoErrorf("uninstall ack has only %d fields, want at least 4", len(fields))
	}
	priority, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, protoErrorf("invalid uninstall ack priority %q", fields[1])
	}
	return &UninstallAck{Priority: priority, Name: fields[2], Success: fields[3] == "true"}, nil
}

func parseWatchRequest(fields []string) (*WatchRequest, error) {
	if len(fields) != 2 {
		return nil, protoErrorf("watch request has %d fields, want 2", len(fields))
	}
	return &WatchRequest{Name: fields[1]}, nil
}

func parseWatchAck(fields []string) (*WatchAck, error) {
	if len(fields) < 3 {
		return nil, protoErrorf("watch ack has only %d fields, want at least 3", len(fields))
	}
	return &WatchAck{Name: fields[1], Success: fields[2] == "true"}, nil
}

func parseUnwatchRequest(fields []string) (*UnwatchRequest, error) {
	if len(fields) != 2 {
		return nil, protoErrorf("unwatch request has %d fields, want 2", len(fields))
	}
	return &UnwatchRequest{Name: fields[1]}, nil
}

func parseUnwatchAck(fields []string) (*UnwatchAck, error) {
	if len(fields) < 3 {
		return nil, protoErrorf("unwatch ack has only %d fields, want at least 3", len(fields))
	}
	return &UnwatchAck{Name: fields[1], Success: fields[2] == "true"}, nil
}

func parseSetLocalRequest(fields []string) (*SetLocalRequest, error) {
	if len(fields) != 3 {
		return nil, protoErrorf("setlocal request has %d fields, want 3", len(fields))
	}
	return &SetLocalRequest{Param: fields[1], Value: fields[2]}, nil
}

func parseSetLocalAck(fields []string) (*SetLocalAck, error) {
	if len(fields) != 4 {
		return nil, protoErrorf("setlocal ack has %d fields, want 4", len(fields))
	}
	return &SetLocalAck{Param: fields[1], Value: fields[2], Success: fields[3] == "true"}, nil
}

func parseConnect(fields []string) (*Connect, error) {
	if len(fields) < 2 {
		return nil, protoErrorf("connect record has only %d fields, want at least 2", len(fields))
	}
	c := &Connect{Role: fields[1]}
	if len(fields) >= 3 {
		c.ID = fields[2]
	}
	if len(fields) >= 4 {
		c.Type = fields[3]
	}
	return c, nil
}
