package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
)

type fakeConn struct {
	mu     sync.Mutex
	writes []string
	types  []int
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *fakeConn) WriteMessage(t int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, t)
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastReachesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New("test")
	go h.Run(ctx)

	hello, err := EncodeEnvelope("hello", map[string]int{"n": 1})
	if err != nil {
		t.Fatal(err)
	}
	conn := newFakeConn()
	client := NewClient(h, conn, hello)
	go client.Run()

	waitFor(t, "registration", func() bool { return h.ClientCount() == 1 })

	if err := h.Publish("grid", []int{1, 2}); err != nil {
		t.Fatal(err)
	}
	h.BroadcastBinary([]byte{0xff, 0xd8})

	waitFor(t, "three writes", func() bool { return len(conn.got()) == 3 })
	got := conn.got()
	if got[0] != `{"type":"hello","data":{"n":1}}` {
		t.Errorf("initial message = %s", got[0])
	}
	if got[1] != `{"type":"grid","data":[1,2]}` {
		t.Errorf("broadcast = %s", got[1])
	}
	conn.mu.Lock()
	if conn.types[2] != websocket.BinaryMessage {
		t.Errorf("binary frame sent as type %d", conn.types[2])
	}
	conn.mu.Unlock()

	conn.Close()
	waitFor(t, "unregistration", func() bool { return h.ClientCount() == 0 })
}

func TestRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := New("test")
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	conn := newFakeConn()
	NewClient(h, conn)
	waitFor(t, "running", h.IsRunning)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if h.IsRunning() || h.ClientCount() != 0 {
		t.Errorf("running=%v clients=%d", h.IsRunning(), h.ClientCount())
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New("test")
	go h.Run(ctx)

	// never pumped, so its queue fills up
	NewClient(h, newFakeConn())
	waitFor(t, "registration", func() bool { return h.ClientCount() == 1 })

	for i := 0; i < sendBuffer+1; i++ {
		h.BroadcastJSON("x")
		time.Sleep(time.Millisecond)
	}
	waitFor(t, "drop", func() bool { return h.ClientCount() == 0 })
}
