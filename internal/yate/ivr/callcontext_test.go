package ivr

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eventphone/goyate/internal/yate/driver"
)

// simTransport is a minimal yatesim-style in-memory pair: the test plays
// the role of the Yate engine on the far end of an io.Pipe in each
// direction.
type simTransport struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (s *simTransport) Read(b []byte) (int, error)  { return s.r.Read(b) }
func (s *simTransport) Write(b []byte) (int, error) { return s.w.Write(b) }
func (s *simTransport) Close() error {
	s.r.Close()
	return s.w.Close()
}

type harness struct {
	driver    *driver.Driver
	call      *CallContext
	simLines  *bufio.Scanner
	simWrite  *io.PipeWriter
	runErr    chan error
	seenMu    sync.Mutex
	seenLines []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	toDriver, fromSim := io.Pipe()
	toSim, fromDriver := io.Pipe()

	transport := &simTransport{r: toDriver, w: toSim}
	d := driver.New(transport, nil)
	call := New(d, nil)

	h := &harness{
		driver:   d,
		call:     call,
		simLines: bufio.NewScanner(fromDriver),
		simWrite: fromSim,
		runErr:   make(chan error, 1),
	}

	go func() {
		for h.simLines.Scan() {
			line := h.simLines.Text()
			h.seenMu.Lock()
			h.seenLines = append(h.seenLines, line)
			h.seenMu.Unlock()
			h.handleSimLine(line)
		}
	}()

	return h
}

// handleSimLine plays the Yate engine's side of the handshake: every
// install request gets an immediate successful ack.
func (h *harness) handleSimLine(line string) {
	if strings.HasPrefix(line, "%%>install:") {
		fields := strings.SplitN(line, ":", 4)
		if len(fields) >= 3 {
			h.simWrite.Write([]byte("%%<install:" + fields[1] + ":" + fields[2] + ":true\n"))
		}
	}
}

func (h *harness) sawLine(want string) bool {
	h.seenMu.Lock()
	defer h.seenMu.Unlock()
	for _, l := range h.seenLines {
		if l == want {
			return true
		}
	}
	return false
}

func (h *harness) start(ctx context.Context) {
	go func() { h.runErr <- h.driver.Run(ctx, false) }()
}

func (h *harness) sendCallExecute(callID string) {
	h.simWrite.Write([]byte("%%>message:0xCALL.1:1700000000:call.execute::id=" + callID + "\n"))
}

func (h *harness) sendDTMF(callID, text string) {
	h.simWrite.Write([]byte("%%>message:0xDTMF.1:1700000000:chan.dtmf::id=" + callID + ":text=" + text + "\n"))
}

func (h *harness) sendNotifyEOF(callID string) {
	h.simWrite.Write([]byte("%%>message:0xNOTE.1:1700000000:chan.notify::targetid=" + callID + ":reason=eof\n"))
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCallContext_InstallsThreeFilteredHandlers(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.start(ctx)

	h.sendCallExecute("sip/1")

	waitUntil(t, time.Second, func() bool {
		return h.sawLine("%%>install:100:chan.notify:targetid:sip/1") &&
			h.sawLine("%%>install:100:chan.dtmf:id:sip/1") &&
			h.sawLine("%%>install:100:chan.hangup:id:sip/1")
	})
}

func TestCallContext_ReadDTMFUntil(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.start(ctx)

	appDone := make(chan struct{})
	go func() {
		h.call.Run(ctx, func(ctx context.Context, call *CallContext) {
			got, err := call.ReadDTMFUntil(ctx, "#", 0)
			if err != nil {
				t.Errorf("ReadDTMFUntil error: %v", err)
			}
			if got != "4711#" {
				t.Errorf("ReadDTMFUntil = %q, want 4711#", got)
			}
			close(appDone)
		})
	}()

	h.sendCallExecute("sip/1")
	waitUntil(t, time.Second, func() bool { return h.sawLine("%%>install:100:chan.dtmf:id:sip/1") })

	for _, digit := range []string{"4", "7", "1", "1", "#"} {
		h.sendDTMF("sip/1", digit)
	}

	select {
	case <-appDone:
	case <-ctx.Done():
		t.Fatal("timed out waiting for app to finish reading DTMF")
	}
}

func TestCallContext_PlaySoundfileComplete(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.start(ctx)

	appDone := make(chan struct{})
	go func() {
		h.call.Run(ctx, func(ctx context.Context, call *CallContext) {
			ok, err := call.PlaySoundfile(ctx, "foo.slin", false, true)
			if err != nil {
				t.Errorf("PlaySoundfile error: %v", err)
			}
			if !ok {
				t.Error("PlaySoundfile = false, want true")
			}
			close(appDone)
		})
	}()

	h.sendCallExecute("sip/1")
	waitUntil(t, time.Second, func() bool { return h.sawLine("%%>install:100:chan.notify:targetid:sip/1") })

	// Answer the chan.attach message sent by PlaySoundfile, then simulate
	// playback reaching end of file.
	waitUntil(t, time.Second, func() bool {
		h.seenMu.Lock()
		defer h.seenMu.Unlock()
		for _, l := range h.seenLines {
			if strings.HasPrefix(l, "%%>message") && strings.Contains(l, "chan.attach") {
				return true
			}
		}
		return false
	})
	h.seenMu.Lock()
	var attachID string
	for _, l := range h.seenLines {
		if strings.HasPrefix(l, "%%>message") && strings.Contains(l, "chan.attach") {
			fields := strings.SplitN(l, ":", 3)
			attachID = fields[1]
		}
	}
	h.seenMu.Unlock()
	h.simWrite.Write([]byte("%%<message:" + attachID + ":true:chan.attach::\n"))
	h.sendNotifyEOF("sip/1")

	select {
	case <-appDone:
	case <-ctx.Done():
		t.Fatal("timed out waiting for PlaySoundfile to complete")
	}
}

func TestCallContext_PlaySoundfile_RepeatAndCompleteRejected(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := h.call.PlaySoundfile(ctx, "foo.slin", true, true)
	if err == nil {
		t.Fatal("expected ErrUsage for repeat+complete")
	}
}

func TestCallContext_HangupRunsHandlersAndCancelsApp(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.start(ctx)

	var hangupRan bool
	appCancelled := make(chan struct{})
	appRegistered := make(chan struct{})
	go func() {
		h.call.Run(ctx, func(ctx context.Context, call *CallContext) {
			call.RegisterHangupHandler(func() { hangupRan = true })
			close(appRegistered)
			<-ctx.Done()
			close(appCancelled)
		})
	}()

	h.sendCallExecute("sip/1")
	waitUntil(t, time.Second, func() bool { return h.sawLine("%%>install:100:chan.hangup:id:sip/1") })

	select {
	case <-appRegistered:
	case <-ctx.Done():
		t.Fatal("timed out waiting for app to register its hangup handler")
	}

	h.simWrite.Write([]byte("%%>message:0xHUP.1:1700000000:chan.hangup::id=sip/1\n"))

	select {
	case <-appCancelled:
	case <-ctx.Done():
		t.Fatal("timed out waiting for app context to be cancelled")
	}
	if !hangupRan {
		t.Error("expected hangup handler to run before cancellation")
	}
}
