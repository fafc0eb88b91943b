// Package driver binds the protocol-agnostic engine core to a concrete byte
// transport (stdio, TCP, or Unix) and layers awaitable operations on top of
// the engine's callback-based contract, per §4.4.
package driver

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eventphone/goyate/internal/yate/codec"
	"github.com/eventphone/goyate/internal/yate/engine"
	"github.com/eventphone/goyate/internal/yate/protocol"
)

// StreamClosedFunc is invoked once when the read side of the transport
// reaches EOF or fails, so the application can unwind.
type StreamClosedFunc func(err error)

// Driver owns one Transport and the Engine bound to it. Construct with New,
// start the line loop with Run, and use the *_async methods (or the
// embedded Engine's callback-based methods directly) from application
// goroutines.
type Driver struct {
	engine    *engine.Engine
	transport Transport
	log       *slog.Logger

	automaticBufsize bool
	bufsizeMu        sync.Mutex
	bufsize          int

	out      chan string
	writeMu  sync.Mutex
	closed   chan struct{}
	closeOne sync.Once

	onStreamClosed StreamClosedFunc
}

// Option configures a Driver at construction.
type Option func(*Driver)

// WithAutomaticBufsize enables the optional bufsize-growth feature
// described in §4.4. Default off.
func WithAutomaticBufsize(enabled bool) Option {
	return func(d *Driver) { d.automaticBufsize = enabled }
}

// WithStreamClosedHook registers fn to run once the read loop observes EOF
// or a transport failure.
func WithStreamClosedHook(fn StreamClosedFunc) Option {
	return func(d *Driver) { d.onStreamClosed = fn }
}

// New creates a Driver over transport. log may be nil, in which case
// slog.Default() is used.
func New(transport Transport, log *slog.Logger, opts ...Option) *Driver {
	if log == nil {
		log = slog.Default()
	}
	d := &Driver{
		transport: transport,
		log:       log.With("subsystem", "yate-driver"),
		bufsize:   defaultBufsize,
		out:       make(chan string, 64),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.engine = engine.New(d.enqueue, log)
	return d
}

// Engine returns the bound engine core, for direct use of its
// callback-based operations alongside this driver's awaitable wrappers.
func (d *Driver) Engine() *engine.Engine { return d.engine }

// enqueue is the "write one line" callable handed to the engine core. It
// never blocks the caller on transport I/O: the actual write (and any
// bufsize negotiation) happens on the writer goroutine started by Run.
func (d *Driver) enqueue(line string) error {
	select {
	case <-d.closed:
		return transportErrorf("write", fmt.Errorf("driver is closed"))
	case d.out <- line:
		return nil
	}
}

func (d *Driver) rawWrite(line string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, err := d.transport.Write([]byte(line + "\n")); err != nil {
		return transportErrorf("write", err)
	}
	return nil
}

// Run sends the Connect handshake (if sendConnect is true) and then drives
// the read and write loops until ctx is cancelled or the transport fails.
// It returns the first error from either loop.
func (d *Driver) Run(ctx context.Context, sendConnect bool) error {
	if sendConnect {
		if err := d.engine.SendConnect(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.readLoop(ctx) })
	g.Go(func() error { return d.writeLoop(ctx) })

	if d.automaticBufsize {
		if err := d.queryInitialBufsize(ctx); err != nil {
			d.log.Warn("initial bufsize query failed", "error", err)
		}
	}

	err := g.Wait()
	d.closeOne.Do(func() { close(d.closed) })
	_ = d.transport.Close()
	return err
}

func (d *Driver) readLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(d.transport)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				err := <-scanErr
				if d.onStreamClosed != nil {
					d.onStreamClosed(err)
				}
				if err != nil {
					return transportErrorf("read", err)
				}
				return transportErrorf("read", fmt.Errorf("end of stream"))
			}
			d.engine.HandleLine(line)
		}
	}
}

func (d *Driver) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-d.out:
			if !ok {
				return nil
			}
			if d.automaticBufsize && !strings.HasPrefix(line, codec.EncodeField(protocol.TagSetLocalReq)+":") {
				if err := d.ensureBufsize(ctx, len(line)); err != nil {
					return err
				}
			}
			if err := d.rawWrite(line); err != nil {
				return err
			}
		}
	}
}

type localAck struct {
	value   string
	success bool
}

// queryInitialBufsize issues the documented query form of SetLocal
// ("bufsize", "") so the driver's cached threshold reflects the engine's
// real configured value before any growth decision is made, matching the
// original's `get_local_async("bufsize")` call when the feature is
// enabled. It writes directly (bypassing d.out), since it runs before the
// write loop has anything else queued and must not wait behind it.
func (d *Driver) queryInitialBufsize(ctx context.Context) error {
	ackCh := make(chan localAck, 1)
	d.engine.RegisterLocalAckCallback("bufsize", func(_, value string, success bool) {
		ackCh <- localAck{value: value, success: success}
	})

	req := &protocol.SetLocalRequest{Param: "bufsize", Value: ""}
	if err := d.rawWrite(req.Encode()); err != nil {
		return err
	}

	select {
	case ack := <-ackCh:
		if !ack.success {
			return nil
		}
		n, err := strconv.Atoi(ack.value)
		if err != nil {
			return nil
		}
		d.bufsizeMu.Lock()
		d.bufsize = n
		d.bufsizeMu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureBufsize negotiates a larger engine-local bufsize if the line about
// to be written would not fit in the currently known one, blocking until
// the SetLocalAck arrives. It writes the negotiation line directly
// (bypassing d.out) since this method runs on the writer goroutine itself.
func (d *Driver) ensureBufsize(ctx context.Context, lineLen int) error {
	needed := lineLen + 2

	d.bufsizeMu.Lock()
	cur := d.bufsize
	d.bufsizeMu.Unlock()
	if needed <= cur {
		return nil
	}

	newSize := nextBufsize(needed)
	ackCh := make(chan bool, 1)
	d.engine.RegisterLocalAckCallback("bufsize", func(_, _ string, success bool) {
		ackCh <- success
	})

	req := &protocol.SetLocalRequest{Param: "bufsize", Value: strconv.Itoa(newSize)}
	if err := d.rawWrite(req.Encode()); err != nil {
		return err
	}

	select {
	case success := <-ackCh:
		if success {
			d.bufsizeMu.Lock()
			d.bufsize = newSize
			d.bufsizeMu.Unlock()
		} else {
			d.log.Warn("bufsize increase rejected by engine", "requested", newSize)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Awaitable operations (§4.4) ---

// RegisterMessageHandlerAsync installs a handler and resolves with the
// install ack's success flag.
func (d *Driver) RegisterMessageHandlerAsync(ctx context.Context, name string, priority int, cb engine.MessageCallback, filterAttr, filterValue string) (bool, error) {
	f := newFuture[bool]()
	err := d.engine.RegisterMessageHandler(name, priority, cb, true, func(success bool) {
		f.resolve(success)
	}, filterAttr, filterValue)
	if err != nil {
		return false, err
	}
	return f.wait(ctx)
}

// RegisterWatchHandlerAsync subscribes to name and resolves with the watch
// ack's success flag.
func (d *Driver) RegisterWatchHandlerAsync(ctx context.Context, name string, cb engine.ReplyCallback) (bool, error) {
	f := newFuture[bool]()
	err := d.engine.RegisterWatchHandler(name, cb, func(success bool) {
		f.resolve(success)
	})
	if err != nil {
		return false, err
	}
	return f.wait(ctx)
}

// SendMessageAsync sends msg and resolves with the engine's reply.
func (d *Driver) SendMessageAsync(ctx context.Context, msg *protocol.MessageRequest) (*protocol.Message, error) {
	f := newFuture[*protocol.Message]()
	_, err := d.engine.SendMessage(msg, func(_ *protocol.MessageRequest, reply *protocol.Message) {
		f.resolve(reply)
	}, false)
	if err != nil {
		return nil, err
	}
	return f.wait(ctx)
}

// SetLocalAsync sets param and resolves with the ack's success flag.
func (d *Driver) SetLocalAsync(ctx context.Context, param, value string) (bool, error) {
	f := newFuture[bool]()
	err := d.engine.SetLocal(param, value, func(_, _ string, success bool) {
		f.resolve(success)
	})
	if err != nil {
		return false, err
	}
	return f.wait(ctx)
}

// GetLocalAsync returns the cached value for param if known; otherwise it
// issues the engine's documented query form (SetLocal with an empty value)
// and resolves with the authoritative value from the ack.
func (d *Driver) GetLocalAsync(ctx context.Context, param string) (string, error) {
	if v, ok := d.engine.GetLocal(param); ok {
		return v, nil
	}
	f := newFuture[string]()
	err := d.engine.SetLocal(param, "", func(_, value string, _ bool) {
		f.resolve(value)
	})
	if err != nil {
		return "", err
	}
	return f.wait(ctx)
}

// Task is a cancellable background timer, used by the IVR layer to run a
// deferred action (e.g. the automatic stop on a recording time limit)
// without blocking the caller.
type Task struct {
	ID     uuid.UUID
	cancel context.CancelFunc
}

// Cancel stops the task if it has not yet fired.
func (t *Task) Cancel() { t.cancel() }

// ScheduleTask runs fn after d elapses, unless the returned Task is
// cancelled first.
func (d *Driver) ScheduleTask(parent context.Context, after time.Duration, fn func()) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{ID: uuid.New(), cancel: cancel}
	timer := time.NewTimer(after)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			fn()
		case <-ctx.Done():
		}
	}()
	return t
}
