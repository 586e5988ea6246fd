package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// DefaultBackoff is the fixed delay before reconnecting after a transport error
const DefaultBackoff = 5 * time.Second

// Listener receives events and transport errors from a Channel.
// Calls are made one at a time from the channel's reader goroutine. A callback
// may close its own channel; Close called from anywhere else waits for a running
// callback to return.
type Listener interface {
	OnEvent(Event)
	OnError(error)
}

// ListenerFuncs adapts two functions to Listener. Either may be nil.
type ListenerFuncs struct {
	Event func(Event)
	Error func(error)
}

func (l ListenerFuncs) OnEvent(ev Event) {
	if l.Event != nil {
		l.Event(ev)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

// Timer is the part of *time.Timer the channel needs
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ChannelConfig describes one push connection
type ChannelConfig struct {
	Name      string // used in log lines
	URL       string
	Token     string
	Dialer    Dialer
	Backoff   time.Duration
	AfterFunc AfterFunc
}

// Channel owns one push connection to one topic.
//
// Every connection attempt runs under a generation number. Frames, errors and
// scheduled reconnects carry the generation they were born in and are dropped
// once Close or a newer attempt has moved the generation on. Once Close returns
// no listener callback is running or will start, except the one Close was called from.
type Channel struct {
	cfg      ChannelConfig
	listener Listener

	// dispatch is held across the liveness check and the listener call
	dispatch sync.Mutex

	mu         sync.Mutex
	callbackG  uint64 // goroutine running a listener callback, 0 when idle
	generation uint64
	opened     bool
	closed     bool
	cancel     context.CancelFunc
	retry      Timer
	retries    int
	done       chan struct{}
}

// NewChannel creates a channel; nothing is dialed until Open
func NewChannel(cfg ChannelConfig, listener Listener) *Channel {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = realAfterFunc
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewRestyDialer()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.URL
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}
	return &Channel{cfg: cfg, listener: listener}
}

// Open starts the connection. Calling Open on an open or closed channel is a no-op.
func (c *Channel) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opened || c.closed {
		return
	}
	c.opened = true
	c.connectLocked()
}

// Close tears the connection down and cancels any pending reconnect.
// It is idempotent and safe on a channel that was never opened.
func (c *Channel) Close() {
	self := goroutineID()

	c.mu.Lock()
	reentrant := c.callbackG != 0 && c.callbackG == self
	if c.closed {
		c.mu.Unlock()
		if !reentrant {
			c.awaitCallback()
		}
		return
	}
	c.closed = true
	c.generation++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !reentrant {
		c.awaitCallback()
	}
	log.Printf("Stream %s closed", c.cfg.Name)
}

// awaitCallback blocks until a listener call that passed its liveness check has returned
func (c *Channel) awaitCallback() {
	c.dispatch.Lock()
	c.dispatch.Unlock()
}

// Closed reports whether Close has been called
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Retries returns the number of reconnects scheduled since the last successful dial
func (c *Channel) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// Done returns a channel closed when the current reader goroutine exits.
// Used by tests to wait for teardown.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.done
}

// connectLocked starts a new attempt; c.mu must be held
func (c *Channel) connectLocked() {
	c.generation++
	gen := c.generation

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(ctx, gen, c.done)
}

func (c *Channel) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	body, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL, c.cfg.Token)
	if err != nil {
		c.handleTransportError(gen, err)
		return
	}
	defer body.Close()

	if !c.markConnected(gen) {
		return
	}
	log.Printf("Stream %s connected", c.cfg.Name)

	reader := NewFrameReader(body)
	for {
		payload, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			c.handleTransportError(gen, err)
			return
		}

		ev, err := Decode(payload)
		if err != nil {
			log.Printf("WARNING: Stream %s dropped frame: %v", c.cfg.Name, err)
			continue
		}

		if !c.deliver(gen, ev) {
			return
		}
	}
}

// currentLocked reports whether gen is still the live attempt; c.mu must be held
func (c *Channel) currentLocked(gen uint64) bool {
	return !c.closed && c.generation == gen
}

func (c *Channel) markConnected(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(gen) {
		return false
	}
	c.retries = 0
	return true
}

// deliver invokes the listener if gen is still live; returns false once superseded
func (c *Channel) deliver(gen uint64, ev Event) bool {
	return c.invoke(func() bool { return c.currentLocked(gen) }, func() {
		c.listener.OnEvent(ev)
	})
}

// invoke runs call while holding dispatch, provided live (evaluated under c.mu) holds
func (c *Channel) invoke(live func() bool, call func()) bool {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	c.mu.Lock()
	if !live() {
		c.mu.Unlock()
		return false
	}
	c.callbackG = goroutineID()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.callbackG = 0
		c.mu.Unlock()
	}()
	call()
	return true
}

// handleTransportError schedules exactly one reconnect for the failed attempt
func (c *Channel) handleTransportError(gen uint64, err error) {
	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		return
	}
	// Move the generation on so nothing else from the failed attempt is delivered
	// while the backoff is pending.
	c.generation++
	scheduled := c.generation
	c.retries++
	retries := c.retries
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.retry = c.cfg.AfterFunc(c.cfg.Backoff, func() {
		c.reconnect(scheduled)
	})
	c.mu.Unlock()

	log.Printf("WARNING: Stream %s error (retry %d in %s): %v", c.cfg.Name, retries, c.cfg.Backoff, err)
	c.invoke(func() bool { return !c.closed }, func() {
		c.listener.OnError(err)
	})
}

func (c *Channel) reconnect(scheduled uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(scheduled) {
		return
	}
	c.retry = nil
	c.connectLocked()
}

// goroutineID parses the current goroutine's id from its stack header ("goroutine 42 [running]:")
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}
