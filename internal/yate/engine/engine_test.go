package engine

import (
	"errors"
	"sync"
	"testing"

	"github.com/eventphone/goyate/internal/yate/protocol"
)

// capture is a minimal fake "write one line" sink recording every line an
// Engine emits, in order.
type capture struct {
	mu    sync.Mutex
	lines []string
}

func (c *capture) write(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	return nil
}

func (c *capture) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) == 0 {
		return ""
	}
	return c.lines[len(c.lines)-1]
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func newTestEngine() (*Engine, *capture) {
	c := &capture{}
	return New(c.write, nil), c
}

func TestSendMessage_IDsAreUnique(t *testing.T) {
	e, _ := newTestEngine()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := e.SendMessage(protocol.NewMessageRequest("test.probe", nil), nil, true)
		if err != nil {
			t.Fatalf("SendMessage error: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestSendMessage_PendingRegistryLifecycle(t *testing.T) {
	e, _ := newTestEngine()
	replied := false
	id, err := e.SendMessage(protocol.NewMessageRequest("call.execute", nil), func(orig *protocol.MessageRequest, reply *protocol.Message) {
		replied = true
	}, false)
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if !e.HasPending(id) {
		t.Fatalf("expected id %q to be pending right after send", id)
	}

	e.HandleLine("%%<message:" + id + ":true:call.execute::id=sip/1")

	if e.HasPending(id) {
		t.Errorf("expected id %q to be removed from pending after reply", id)
	}
	if !replied {
		t.Error("expected callback to be invoked")
	}
}

func TestSendMessage_FireAndForgetNeverPends(t *testing.T) {
	e, _ := newTestEngine()
	id, err := e.SendMessage(protocol.NewMessageRequest("test.probe", nil), nil, true)
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if e.HasPending(id) {
		t.Error("fire-and-forget request must never be tracked as pending")
	}
}

func TestRegisterMessageHandler_InstalledFlagFollowsAck(t *testing.T) {
	e, c := newTestEngine()
	done := false
	var doneSuccess bool
	err := e.RegisterMessageHandler("chan.notify", 100, func(msg *protocol.Message) *bool {
		return nil
	}, true, func(success bool) {
		done = true
		doneSuccess = success
	}, "", "")
	if err != nil {
		t.Fatalf("RegisterMessageHandler error: %v", err)
	}
	if e.HandlerInstalled("chan.notify") {
		t.Error("handler must not be installed before the ack arrives")
	}
	if got, want := c.last(), "%%>install:100:chan.notify"; got != want {
		t.Errorf("install line = %q, want %q", got, want)
	}

	e.HandleLine("%%<install:100:chan.notify:true")

	if !e.HandlerInstalled("chan.notify") {
		t.Error("handler must be installed after a successful ack")
	}
	if !done || !doneSuccess {
		t.Errorf("done callback = (%v, %v), want (true, true)", done, doneSuccess)
	}
}

func TestRegisterMessageHandler_EmptyNameRejected(t *testing.T) {
	e, _ := newTestEngine()
	err := e.RegisterMessageHandler("", 100, func(msg *protocol.Message) *bool { return nil }, true, nil, "", "")
	if err == nil {
		t.Fatal("expected ErrUsage for empty handler name")
	}
	if !errors.Is(err, ErrUsage) {
		t.Errorf("error = %v, want to wrap ErrUsage", err)
	}
}

func TestDispatch_AutoAckUnhandledMessage(t *testing.T) {
	e, c := newTestEngine()
	e.HandleLine("%%>message:0xDEAD:1415:call.hangup:ret:channel=dump/3")

	want := "%%<message:0xDEAD:false:call.hangup:ret:channel=dump/3"
	if got := c.last(); got != want {
		t.Errorf("auto-ack = %q, want %q", got, want)
	}
	if c.count() != 1 {
		t.Errorf("expected exactly one outbound line, got %d", c.count())
	}
}

func TestDispatch_HandlerCanRequestAutoAnswer(t *testing.T) {
	e, c := newTestEngine()
	if err := e.RegisterMessageHandler("call.hangup", 100, func(msg *protocol.Message) *bool {
		processed := true
		return &processed
	}, false, nil, "", ""); err != nil {
		t.Fatalf("RegisterMessageHandler error: %v", err)
	}

	e.HandleLine("%%>message:0xDEAD:1415:call.hangup:ret:channel=dump/3")

	want := "%%<message:0xDEAD:true:call.hangup:ret:channel=dump/3"
	if got := c.last(); got != want {
		t.Errorf("answer = %q, want %q", got, want)
	}
}

func TestDispatch_HandlerTakingResponsibilitySuppressesAutoAck(t *testing.T) {
	e, c := newTestEngine()
	if err := e.RegisterMessageHandler("call.hangup", 100, func(msg *protocol.Message) *bool {
		return nil
	}, false, nil, "", ""); err != nil {
		t.Fatalf("RegisterMessageHandler error: %v", err)
	}

	e.HandleLine("%%>message:0xDEAD:1415:call.hangup:ret:channel=dump/3")

	if c.count() != 0 {
		t.Errorf("expected no outbound line when callback returns nil, got %d: %v", c.count(), c.lines)
	}
}

func TestDispatch_PanickingHandlerStillAutoAcks(t *testing.T) {
	e, c := newTestEngine()
	if err := e.RegisterMessageHandler("call.hangup", 100, func(msg *protocol.Message) *bool {
		panic("boom")
	}, false, nil, "", ""); err != nil {
		t.Fatalf("RegisterMessageHandler error: %v", err)
	}

	e.HandleLine("%%>message:0xDEAD:1415:call.hangup:ret:channel=dump/3")

	want := "%%<message:0xDEAD:false:call.hangup:ret:channel=dump/3"
	if got := c.last(); got != want {
		t.Errorf("answer after panic = %q, want %q", got, want)
	}
}

func TestDispatch_ReplyFallsBackToWildcardWatch(t *testing.T) {
	e, _ := newTestEngine()
	var got *protocol.Message
	if err := e.RegisterWatchHandler("", func(msg *protocol.Message) {
		got = msg
	}, nil); err != nil {
		t.Fatalf("RegisterWatchHandler error: %v", err)
	}

	e.HandleLine("%%<message:abc.1:true:engine.timer::time=1700000000")

	if got == nil {
		t.Fatal("expected wildcard watcher to receive the reply")
	}
	if got.Name != "engine.timer" {
		t.Errorf("Name = %q, want engine.timer", got.Name)
	}
}

func TestSetLocal_UpdatesCacheAndFiresCallback(t *testing.T) {
	e, c := newTestEngine()
	var gotParam, gotValue string
	var gotSuccess bool
	if err := e.SetLocal("bufsize", "8192", func(param, value string, success bool) {
		gotParam, gotValue, gotSuccess = param, value, success
	}); err != nil {
		t.Fatalf("SetLocal error: %v", err)
	}
	if got, want := c.last(), "%%>setlocal:bufsize:8192"; got != want {
		t.Errorf("setlocal line = %q, want %q", got, want)
	}

	e.HandleLine("%%<setlocal:bufsize:8192:true")

	if gotParam != "bufsize" || gotValue != "8192" || !gotSuccess {
		t.Errorf("callback args = (%q, %q, %v), want (bufsize, 8192, true)", gotParam, gotValue, gotSuccess)
	}
	v, ok := e.GetLocal("bufsize")
	if !ok || v != "8192" {
		t.Errorf("GetLocal(bufsize) = (%q, %v), want (8192, true)", v, ok)
	}
}

func TestUnregisterMessageHandler_SendsUninstallWhenInstalled(t *testing.T) {
	e, c := newTestEngine()
	if err := e.RegisterMessageHandler("chan.dtmf", 100, func(msg *protocol.Message) *bool { return nil }, true, nil, "", ""); err != nil {
		t.Fatalf("RegisterMessageHandler error: %v", err)
	}
	e.HandleLine("%%<install:100:chan.dtmf:true")

	if err := e.UnregisterMessageHandler("chan.dtmf"); err != nil {
		t.Fatalf("UnregisterMessageHandler error: %v", err)
	}
	if got, want := c.last(), "%%>uninstall:chan.dtmf"; got != want {
		t.Errorf("uninstall line = %q, want %q", got, want)
	}
}

func TestUnregisterMessageHandler_NeverInstalledDropsImmediately(t *testing.T) {
	e, c := newTestEngine()
	if err := e.RegisterMessageHandler("chan.dtmf", 100, func(msg *protocol.Message) *bool { return nil }, false, nil, "", ""); err != nil {
		t.Fatalf("RegisterMessageHandler error: %v", err)
	}
	if err := e.UnregisterMessageHandler("chan.dtmf"); err != nil {
		t.Fatalf("UnregisterMessageHandler error: %v", err)
	}
	if c.count() != 0 {
		t.Errorf("expected no uninstall wire traffic, got %v", c.lines)
	}
	if e.HandlerInstalled("chan.dtmf") {
		t.Error("handler should be gone from the registry")
	}
}

func TestInstallRequest_WithFilter(t *testing.T) {
	e, c := newTestEngine()
	if err := e.RegisterMessageHandler("chan.dtmf", 100, func(msg *protocol.Message) *bool { return nil }, true, nil, "id", "sip/1"); err != nil {
		t.Fatalf("RegisterMessageHandler error: %v", err)
	}
	if got, want := c.last(), "%%>install:100:chan.dtmf:id:sip/1"; got != want {
		t.Errorf("install line = %q, want %q", got, want)
	}
}
