package chat

import (
	"strconv"
	"sync"
	"testing"

	"github.com/coder/websocket"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
	code   websocket.StatusCode
}

func (f *fakeConn) Close(code websocket.StatusCode, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	conn := &fakeConn{}

	reg.Register("v_1:tab-1", conn)

	if active := reg.Active("v_1:tab-1"); active != conn {
		t.Errorf("Expected connection %v, got %v", conn, active)
	}
	if !reg.IsActive("v_1:tab-1") || reg.IsActive("v_1:tab-2") {
		t.Error("IsActive disagrees with the registered connections")
	}
}

func TestRegistry_RegisterReplacesOlderConnection(t *testing.T) {
	reg := NewRegistry()
	older := &fakeConn{}
	newer := &fakeConn{}

	reg.Register("v_1:tab-1", older)
	reg.Register("v_1:tab-1", newer)

	if !older.isClosed() {
		t.Error("Expected the replaced connection to be closed")
	}
	if newer.isClosed() {
		t.Error("Expected the new connection to stay open")
	}
	if reg.Active("v_1:tab-1") != newer {
		t.Error("Expected the newer connection to be active")
	}
}

func TestRegistry_UnregisterStale(t *testing.T) {
	reg := NewRegistry()
	older := &fakeConn{}
	newer := &fakeConn{}

	reg.Register("v_1:tab-1", older)
	reg.Register("v_1:tab-1", newer)
	// The replaced handler unwinds after the newer one registered.
	reg.Unregister("v_1:tab-1", older)

	if reg.Active("v_1:tab-1") != newer {
		t.Error("Stale unregister must not remove the newer connection")
	}

	reg.Unregister("v_1:tab-1", newer)
	if reg.Active("v_1:tab-1") != nil {
		t.Error("Expected no active connection")
	}
}

func TestRegistry_CloseSession(t *testing.T) {
	reg := NewRegistry()
	conn := &fakeConn{}
	other := &fakeConn{}

	reg.Register("v_1:tab-1", conn)
	reg.Register("v_1:tab-2", other)
	reg.CloseSession("v_1:tab-1")
	reg.CloseSession("v_1:missing")

	if !conn.isClosed() || conn.code != websocket.StatusGoingAway {
		t.Errorf("Expected going-away close, got closed=%v code=%v", conn.closed, conn.code)
	}
	if other.isClosed() {
		t.Error("Closing one tab must not affect another")
	}
	if reg.Len() != 1 {
		t.Errorf("Expected 1 active connection, got %d", reg.Len())
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	reg := NewRegistry()
	conns := []*fakeConn{{}, {}, {}}
	for i, c := range conns {
		reg.Register("v_1:tab-"+strconv.Itoa(i), c)
	}

	reg.CloseAll()

	for i, c := range conns {
		if !c.isClosed() {
			t.Errorf("Connection %d not closed", i)
		}
	}
	if reg.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", reg.Len())
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			reg.Register("v_1:tab-"+strconv.Itoa(i), &fakeConn{})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			reg.Active("v_1:tab-" + strconv.Itoa(i))
		}
	}()
	wg.Wait()

	if reg.Len() != 1000 {
		t.Errorf("Expected 1000 connections, got %d", reg.Len())
	}
}
