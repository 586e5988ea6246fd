package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeConn is one dialed connection whose frames are written by the test
type fakeConn struct {
	url    string
	token  string
	writer *io.PipeWriter
}

func (c *fakeConn) send(t *testing.T, frame string) {
	t.Helper()
	if _, err := fmt.Fprintf(c.writer, "data: %s\n\n", frame); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

func (c *fakeConn) drop(err error) {
	c.writer.CloseWithError(err)
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failNext int
	conns    chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (io.ReadCloser, error) {
	d.mu.Lock()
	d.dials++
	fail := d.failNext > 0
	if fail {
		d.failNext--
	}
	d.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}

	reader, writer := io.Pipe()
	go func() {
		<-ctx.Done()
		writer.CloseWithError(ctx.Err())
	}()
	d.conns <- &fakeConn{url: url, token: token, writer: writer}
	return reader, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) waitConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

// fakeClock records scheduled callbacks; the test decides when they fire.
// AfterFunc must never run f synchronously because the channel holds its lock.
type fakeClock struct {
	mu      sync.Mutex
	pending []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, delay: d, fn: f}
	c.pending = append(c.pending, timer)
	return timer
}

// Pending returns the delays of timers that have neither fired nor been stopped
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var delays []time.Duration
	for _, timer := range c.pending {
		if !timer.stopped && !timer.fired {
			delays = append(delays, timer.delay)
		}
	}
	return delays
}

// Fire runs every active timer and returns how many ran
func (c *fakeClock) Fire() int {
	c.mu.Lock()
	var due []*fakeTimer
	for _, timer := range c.pending {
		if !timer.stopped && !timer.fired {
			timer.fired = true
			due = append(due, timer)
		}
	}
	c.pending = nil
	c.mu.Unlock()

	for _, timer := range due {
		timer.fn()
	}
	return len(due)
}

// recorder collects listener calls
type recorder struct {
	events chan Event
	errors chan error
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 32), errors: make(chan error, 32)}
}

func (r *recorder) OnEvent(ev Event)  { r.events <- ev }
func (r *recorder) OnError(err error) { r.errors <- err }

func (r *recorder) waitEvent(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (r *recorder) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errors:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
		return nil
	}
}

func (r *recorder) assertNoEvent(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event delivered: %#v", ev)
	case <-time.After(wait):
	}
}
