package core

import (
	"bufio"
	"io"
	"net"
	nethttp "net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a
}

func TestConnectionTracker_Ceiling(t *testing.T) {
	tr := NewConnectionTracker(2)
	c1, c2, c3 := pipeConn(t), pipeConn(t), pipeConn(t)

	if !tr.Admit(c1) || !tr.Admit(c2) {
		t.Fatal("connections under the ceiling were rejected")
	}
	if tr.Admit(c3) {
		t.Fatal("connection over the ceiling was admitted")
	}

	tr.Remove(c1)
	if !tr.Admit(c3) {
		t.Error("slot freed by Remove was not reusable")
	}
	if tr.Len() != 2 {
		t.Errorf("Len = %d, want 2", tr.Len())
	}
	if tr.Admitted() != 3 || tr.Rejected() != 1 {
		t.Errorf("admitted=%d rejected=%d, want 3 and 1", tr.Admitted(), tr.Rejected())
	}

	tr.Remove(c1)
	if tr.Len() != 2 {
		t.Error("removing an unknown connection changed the count")
	}
}

func TestConnectionTracker_Unlimited(t *testing.T) {
	tr := NewConnectionTracker(Unlimited)
	for i := 0; i < 100; i++ {
		if !tr.Admit(pipeConn(t)) {
			t.Fatalf("unlimited tracker rejected connection %d", i)
		}
	}
}

func TestConnectionTracker_ConcurrentBoundary(t *testing.T) {
	const max = 5
	tr := NewConnectionTracker(max)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		c := pipeConn(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Admit(c) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != max {
		t.Errorf("admitted %d connections, want exactly %d", admitted.Load(), max)
	}
}

func TestConnectionTracker_CloseAll(t *testing.T) {
	tr := NewConnectionTracker(Unlimited)
	a, b := net.Pipe()
	defer b.Close()
	tr.Admit(a)

	if n := tr.CloseAll(); n != 1 {
		t.Errorf("CloseAll = %d, want 1", n)
	}
	if _, err := b.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("peer read after CloseAll = %v, want EOF", err)
	}
}

func TestReject_WritesFixed503(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			Reject(c)
		}
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))

	resp, err := nethttp.ReadResponse(bufio.NewReader(c), nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 503 {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if string(body) != rejectBody {
		t.Errorf("body = %q", body)
	}
	if resp.ContentLength != int64(len(rejectBody)) {
		t.Errorf("Content-Length = %d", resp.ContentLength)
	}
	if !resp.Close {
		t.Error("503 did not announce Connection: close")
	}
}
