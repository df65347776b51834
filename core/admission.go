package core

import (
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const rejectBody = "503 Service Unavailable - Server Too Busy"

var rejectResponse = []byte("HTTP/1.1 503 Service Unavailable\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Length: " + strconv.Itoa(len(rejectBody)) + "\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	rejectBody)

// ConnectionTracker admits connections up to a ceiling. The count check and
// the set insert happen under one lock, so two connections arriving at the
// boundary can never both get in.
type ConnectionTracker struct {
	max int

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	admitted atomic.Uint64
	rejected atomic.Uint64
}

// NewConnectionTracker creates a tracker. A negative max means unlimited.
func NewConnectionTracker(max int) *ConnectionTracker {
	return &ConnectionTracker{
		max:   max,
		conns: make(map[net.Conn]struct{}),
	}
}

// Admit adds c to the tracked set unless the ceiling is reached
func (t *ConnectionTracker) Admit(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.max >= 0 && len(t.conns) >= t.max {
		t.rejected.Add(1)
		return false
	}
	t.conns[c] = struct{}{}
	t.admitted.Add(1)
	return true
}

// Remove forgets c. Removing an unknown connection is a no-op.
func (t *ConnectionTracker) Remove(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

// Len is the number of live admitted connections
func (t *ConnectionTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *ConnectionTracker) Max() int { return t.max }

func (t *ConnectionTracker) Admitted() uint64 { return t.admitted.Load() }

func (t *ConnectionTracker) Rejected() uint64 { return t.rejected.Load() }

// CloseAll closes every tracked connection and returns how many it closed
func (t *ConnectionTracker) CloseAll() int {
	t.mu.Lock()
	conns := make([]net.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// Reject answers c with the fixed 503 and closes it. The write side shuts
// down first and pending input is drained for a moment so the peer reads
// the response instead of a reset.
func Reject(c net.Conn) {
	c.SetWriteDeadline(time.Now().Add(rejectDrainTimeout))
	if _, err := c.Write(rejectResponse); err != nil {
		c.Close()
		return
	}

	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	c.SetReadDeadline(time.Now().Add(rejectDrainTimeout))
	io.Copy(io.Discard, io.LimitReader(c, rejectDrainLimit))
	c.Close()
}
