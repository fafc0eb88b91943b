// Package ivr specialises the async driver for a single call: it installs
// the call.execute/chan.notify/chan.dtmf/chan.hangup handlers a simple IVR
// script needs and exposes playback, recording, DTMF, and tone operations
// in terms of them.
package ivr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eventphone/goyate/internal/yate/driver"
	"github.com/eventphone/goyate/internal/yate/protocol"
)

// Event is the kind of channel event WaitChannelEvent reports.
type Event int

const (
	// EventNone is returned when WaitChannelEvent times out.
	EventNone Event = iota
	EventDTMF
	EventPlaybackEnd
)

func (e Event) String() string {
	switch e {
	case EventDTMF:
		return "dtmf"
	case EventPlaybackEnd:
		return "playback_end"
	default:
		return "none"
	}
}

// CallContext orchestrates exactly one call. Only one CallContext may be
// active per process, matching the Non-goal of multi-call orchestration.
type CallContext struct {
	d   *driver.Driver
	log *slog.Logger

	callID     string
	callParams *protocol.Params

	dtmfMu  sync.Mutex
	dtmfBuf string
	dtmfSig *signal

	playbackSig *signal

	hangupMu       sync.Mutex
	hangupHandlers []func()

	mainCancel context.CancelFunc
	ready      chan error
}

// New creates a CallContext bound to d and installs the one-shot
// call.execute handler described in §4.5, without issuing an install
// request for it. log may be nil, in which case slog.Default() is used.
func New(d *driver.Driver, log *slog.Logger) *CallContext {
	if log == nil {
		log = slog.Default()
	}
	c := &CallContext{
		d:           d,
		log:         log.With("subsystem", "yate-ivr"),
		dtmfSig:     newSignal(),
		playbackSig: newSignal(),
		ready:       make(chan error, 1),
	}
	if err := d.Engine().RegisterMessageHandler("call.execute", 100, c.handleCallExecute, false, nil, "", ""); err != nil {
		// Only reachable if "call.execute" were empty, which it never is.
		panic(fmt.Sprintf("yate/ivr: registering call.execute handler: %v", err))
	}
	return c
}

// CallID returns the channel id of the call being handled. Only meaningful
// after Run's app callback has started.
func (c *CallContext) CallID() string { return c.callID }

// CallParams returns the parameters carried by the inbound call.execute
// message, frozen at call start.
func (c *CallContext) CallParams() *protocol.Params { return c.callParams }

// RegisterHangupHandler appends fn to the list of functions run, in
// registration order, when the call hangs up.
func (c *CallContext) RegisterHangupHandler(fn func()) {
	c.hangupMu.Lock()
	defer c.hangupMu.Unlock()
	c.hangupHandlers = append(c.hangupHandlers, fn)
}

// Run blocks until the call arrives and the chan.notify/chan.dtmf/
// chan.hangup handlers are installed, then runs app with a context that is
// cancelled when the call hangs up (after registered hangup handlers have
// run) or when ctx itself is cancelled.
func (c *CallContext) Run(ctx context.Context, app func(ctx context.Context, call *CallContext)) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mainCancel = cancel
	defer cancel()

	select {
	case err := <-c.ready:
		if err != nil {
			return fmt.Errorf("installing ivr handlers: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	app(runCtx, c)
	return nil
}

func (c *CallContext) handleCallExecute(msg *protocol.Message) *bool {
	id, _ := msg.Params.Get("id")
	c.callID = id
	c.callParams = msg.Params.Clone()

	go c.installHandlers()

	if err := c.d.Engine().UnregisterMessageHandler("call.execute"); err != nil {
		c.log.Error("unregistering call.execute handler", "error", err)
	}

	accept := true
	return &accept
}

func (c *CallContext) installHandlers() {
	ctx := context.Background()

	if _, err := c.d.RegisterMessageHandlerAsync(ctx, "chan.notify", 100, c.handleChanNotify, "targetid", c.callID); err != nil {
		c.ready <- fmt.Errorf("installing chan.notify handler: %w", err)
		return
	}
	if _, err := c.d.RegisterMessageHandlerAsync(ctx, "chan.dtmf", 100, c.handleChanDTMF, "id", c.callID); err != nil {
		c.ready <- fmt.Errorf("installing chan.dtmf handler: %w", err)
		return
	}
	if _, err := c.d.RegisterMessageHandlerAsync(ctx, "chan.hangup", 100, c.handleChanHangup, "id", c.callID); err != nil {
		c.ready <- fmt.Errorf("installing chan.hangup handler: %w", err)
		return
	}
	c.ready <- nil
}

func (c *CallContext) handleChanNotify(msg *protocol.Message) *bool {
	if reason, _ := msg.Params.Get("reason"); reason == "eof" {
		c.playbackSig.fire()
	}
	accept := true
	return &accept
}

func (c *CallContext) handleChanDTMF(msg *protocol.Message) *bool {
	text, _ := msg.Params.Get("text")
	c.dtmfMu.Lock()
	c.dtmfBuf += text
	c.dtmfMu.Unlock()
	c.dtmfSig.fire()
	accept := true
	return &accept
}

// handleChanHangup runs registered hangup handlers and cancels the
// application's context, then accepts the message, matching the original
// handler's explicit return True.
func (c *CallContext) handleChanHangup(msg *protocol.Message) *bool {
	c.hangupMu.Lock()
	handlers := append([]func(){}, c.hangupHandlers...)
	c.hangupMu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	if c.mainCancel != nil {
		c.mainCancel()
	}
	accept := true
	return &accept
}

// PlaySoundfile plays the audio file at path on the call. repeat and
// complete must not both be true. If complete, the call blocks until
// playback reaches end-of-file.
func (c *CallContext) PlaySoundfile(ctx context.Context, path string, repeat, complete bool) (bool, error) {
	if repeat && complete {
		return false, &UsageError{Reason: "repeat and complete must not both be true"}
	}

	params := protocol.NewParams()
	params.Set("source", "wave/play/"+path)
	params.Set("notify", c.callID)
	if repeat {
		params.Set("autorepeat", "true")
	}

	var done <-chan struct{}
	if complete {
		c.playbackSig.reset()
		done = c.playbackSig.wait()
	}

	if _, err := c.d.SendMessageAsync(ctx, protocol.NewMessageRequest("chan.attach", params)); err != nil {
		return false, err
	}

	if complete {
		select {
		case <-done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return true, nil
}

func (c *CallContext) sendRecordMessage(ctx context.Context, path string) (*protocol.Message, error) {
	params := protocol.NewParams()
	params.Set("consumer", "wave/record/"+path)
	params.Set("notify", c.callID)
	return c.d.SendMessageAsync(ctx, protocol.NewMessageRequest("chan.attach", params))
}

// RecordAudio starts recording the call's remote end to path. If timeLimit
// is positive, a background Task is scheduled to call StopRecording once it
// elapses; the returned Task can be cancelled to suppress the automatic
// stop. A zero timeLimit means "no automatic stop", and RecordAudio returns
// a nil Task.
func (c *CallContext) RecordAudio(ctx context.Context, path string, timeLimit time.Duration) (*driver.Task, error) {
	if _, err := c.sendRecordMessage(ctx, path); err != nil {
		return nil, err
	}
	if timeLimit <= 0 {
		return nil, nil
	}
	task := c.d.ScheduleTask(ctx, timeLimit, func() {
		if _, err := c.StopRecording(ctx); err != nil {
			c.log.Error("automatic stop_recording failed", "error", err)
		}
	})
	return task, nil
}

// RecordAudioWait is the blocking variant of RecordAudio: it records for
// exactly timeLimit before stopping and returning the stop's result.
func (c *CallContext) RecordAudioWait(ctx context.Context, path string, timeLimit time.Duration) (bool, error) {
	if _, err := c.sendRecordMessage(ctx, path); err != nil {
		return false, err
	}
	select {
	case <-time.After(timeLimit):
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return c.StopRecording(ctx)
}

// StopRecording stops any running recording of the call's remote end. It
// returns true once the engine's reply to the stop request arrives; the
// reply's processed flag is not consulted (see SPEC_FULL.md's design note on
// this operation's return value).
func (c *CallContext) StopRecording(ctx context.Context) (bool, error) {
	if _, err := c.sendRecordMessage(ctx, "-"); err != nil {
		return false, err
	}
	return true, nil
}

// ReadDTMFUntil clears the DTMF buffer, then collects symbols until one
// present in stopSymbols is seen (inclusive of that symbol in the
// returned prefix) or timeout elapses. A zero timeout means no deadline.
//
// Preserves the source's documented buffer-slicing quirk: the stop symbol
// is both returned at the end of the collected prefix and left at the head
// of the internal buffer for the next read.
func (c *CallContext) ReadDTMFUntil(ctx context.Context, stopSymbols string, timeout time.Duration) (string, error) {
	c.dtmfMu.Lock()
	c.dtmfBuf = ""
	waitCh := c.dtmfSig.wait()
	c.dtmfMu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var collected strings.Builder
	for {
		select {
		case <-waitCh:
		case <-deadline:
			return collected.String(), nil
		case <-ctx.Done():
			return collected.String(), ctx.Err()
		}

		c.dtmfMu.Lock()
		buf := c.dtmfBuf
		c.dtmfBuf = ""
		waitCh = c.dtmfSig.wait()
		c.dtmfMu.Unlock()

		stopped := false
		for i := 0; i < len(buf); i++ {
			collected.WriteByte(buf[i])
			if strings.IndexByte(stopSymbols, buf[i]) >= 0 {
				c.dtmfMu.Lock()
				c.dtmfBuf = buf[i:] + c.dtmfBuf
				c.dtmfMu.Unlock()
				stopped = true
				break
			}
		}
		if stopped {
			return collected.String(), nil
		}
	}
}

// ReadDTMFSymbols clears the DTMF buffer, then collects exactly count
// symbols, or whatever is available when timeout elapses. A zero timeout
// means no deadline. Leftover characters beyond count remain buffered.
func (c *CallContext) ReadDTMFSymbols(ctx context.Context, count int, timeout time.Duration) (string, error) {
	c.dtmfMu.Lock()
	c.dtmfBuf = ""
	c.dtmfMu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		c.dtmfMu.Lock()
		haveEnough := len(c.dtmfBuf) >= count
		waitCh := c.dtmfSig.wait()
		c.dtmfMu.Unlock()
		if haveEnough {
			break
		}

		select {
		case <-waitCh:
		case <-deadline:
			c.dtmfMu.Lock()
			defer c.dtmfMu.Unlock()
			return c.dtmfBuf, nil
		case <-ctx.Done():
			c.dtmfMu.Lock()
			defer c.dtmfMu.Unlock()
			return c.dtmfBuf, ctx.Err()
		}
	}

	c.dtmfMu.Lock()
	defer c.dtmfMu.Unlock()
	result := c.dtmfBuf[:count]
	c.dtmfBuf = c.dtmfBuf[count:]
	return result, nil
}

// Silence stops playback and sends silence on the channel.
func (c *CallContext) Silence(ctx context.Context) (*protocol.Message, error) {
	return c.Tone(ctx, "silence")
}

// Tone attaches the named tone generator as the channel's source.
func (c *CallContext) Tone(ctx context.Context, name string) (*protocol.Message, error) {
	params := protocol.NewParams()
	params.Set("source", "tone/"+name)
	return c.d.SendMessageAsync(ctx, protocol.NewMessageRequest("chan.attach", params))
}

// WaitChannelEvent blocks until the next DTMF or playback-end event, or
// until timeout elapses (returning EventNone). A zero timeout means no
// deadline.
func (c *CallContext) WaitChannelEvent(ctx context.Context, timeout time.Duration) (Event, error) {
	dtmfCh := c.dtmfSig.wait()
	playCh := c.playbackSig.wait()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-dtmfCh:
		return EventDTMF, nil
	case <-playCh:
		return EventPlaybackEnd, nil
	case <-deadline:
		return EventNone, nil
	case <-ctx.Done():
		return EventNone, ctx.Err()
	}
}
