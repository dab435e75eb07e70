package session

import (
	"errors"
	"sync"
	"time"
)

var errFakeClosed = errors.New("fake: use of closed connection")

type fakeFrame struct {
	typ  int
	data []byte
	err  error
}

// fakeConn is an in-memory Conn. Tests push inbound frames with deliver and
// inspect what the actor wrote with frames/controls.
type fakeConn struct {
	in        chan fakeFrame
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  []fakeFrame
	controls []fakeFrame
	writeErr error
	attempts int
	pong     func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan fakeFrame, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) deliver(typ int, data []byte) {
	c.in <- fakeFrame{typ: typ, data: data}
}

func (c *fakeConn) fail(err error) {
	c.in <- fakeFrame{err: err}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.typ, f.data, f.err
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(typ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.isClosed() {
		return errFakeClosed
	}
	c.written = append(c.written, fakeFrame{typ: typ, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteControl(typ int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return errFakeClosed
	}
	c.controls = append(c.controls, fakeFrame{typ: typ, data: data})
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pong = h
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) writeAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, f := range c.written {
		out[i] = string(f.data)
	}
	return out
}

func (c *fakeConn) controlTypes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.controls))
	for i, f := range c.controls {
		out[i] = f.typ
	}
	return out
}
