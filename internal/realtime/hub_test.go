package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn feeds scripted control messages to the read loop and records
// everything written back.
type fakeConn struct {
	inbox chan controlMessage

	mu     sync.Mutex
	writes []envelope
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan controlMessage, 8)}
}

func (f *fakeConn) ReadJSON(v any) error {
	msg, ok := <-f.inbox
	if !ok {
		return errors.New("connection closed")
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, v.(envelope))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) events() []envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]envelope, len(f.writes))
	copy(out, f.writes)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEmitToReachesOnlyRoomMembers(t *testing.T) {
	hub := NewHub()
	inRoom := newFakeConn()
	outOfRoom := newFakeConn()
	go hub.runClient(inRoom)
	go hub.runClient(outOfRoom)

	inRoom.inbox <- controlMessage{Action: "join", Room: "doc-a:class-1"}
	outOfRoom.inbox <- controlMessage{Action: "join", Room: "doc-b:class-1"}
	waitFor(t, func() bool { return len(hub.RoomsWithPrefix("doc-")) == 2 })

	hub.EmitTo("doc-a:class-1", "new_thread", map[string]string{"threadId": "t-1"})
	waitFor(t, func() bool { return len(inRoom.events()) == 1 })

	got := inRoom.events()[0]
	if got.Event != "new_thread" {
		t.Fatalf("event = %s, want new_thread", got.Event)
	}
	if len(outOfRoom.events()) != 0 {
		t.Fatalf("client outside the room received %d events", len(outOfRoom.events()))
	}

	close(inRoom.inbox)
	close(outOfRoom.inbox)
}

func TestEmitAllReachesEveryClient(t *testing.T) {
	hub := NewHub()
	first := newFakeConn()
	second := newFakeConn()
	go hub.runClient(first)
	go hub.runClient(second)

	first.inbox <- controlMessage{Action: "join", Room: "doc-a:class-1"}
	waitFor(t, func() bool { return len(hub.RoomsWithPrefix("doc-a")) == 1 })

	hub.EmitAll("create_new_thread", map[string]string{"class_id": "class-1"})
	waitFor(t, func() bool { return len(first.events()) == 1 && len(second.events()) == 1 })

	close(first.inbox)
	close(second.inbox)
}

func TestRoomsWithPrefixFindsSectionSubrooms(t *testing.T) {
	hub := NewHub()
	global := newFakeConn()
	section := newFakeConn()
	other := newFakeConn()
	go hub.runClient(global)
	go hub.runClient(section)
	go hub.runClient(other)

	global.inbox <- controlMessage{Action: "join", Room: "doc-a:class-1"}
	section.inbox <- controlMessage{Action: "join", Room: "doc-a:class-1:section-2"}
	other.inbox <- controlMessage{Action: "join", Room: "doc-a:class-9"}
	waitFor(t, func() bool { return len(hub.RoomsWithPrefix("doc-a")) == 3 })

	rooms := hub.RoomsWithPrefix("doc-a:class-1")
	if len(rooms) != 2 {
		t.Fatalf("RoomsWithPrefix returned %v, want the class room and its subroom", rooms)
	}

	close(global.inbox)
	close(section.inbox)
	close(other.inbox)
}

func TestDisconnectPrunesEmptyRooms(t *testing.T) {
	hub := NewHub()
	only := newFakeConn()
	go hub.runClient(only)

	only.inbox <- controlMessage{Action: "join", Room: "doc-a:class-1"}
	waitFor(t, func() bool { return len(hub.RoomsWithPrefix("doc-a")) == 1 })

	close(only.inbox)
	waitFor(t, func() bool { return len(hub.RoomsWithPrefix("doc-a")) == 0 })
}

func TestLeaveRemovesSubscription(t *testing.T) {
	hub := NewHub()
	cl := newFakeConn()
	go hub.runClient(cl)

	cl.inbox <- controlMessage{Action: "join", Room: "doc-a:class-1"}
	waitFor(t, func() bool { return len(hub.RoomsWithPrefix("doc-a")) == 1 })

	cl.inbox <- controlMessage{Action: "leave", Room: "doc-a:class-1"}
	waitFor(t, func() bool { return len(hub.RoomsWithPrefix("doc-a")) == 0 })

	hub.EmitTo("doc-a:class-1", "new_thread", nil)
	if len(cl.events()) != 0 {
		t.Fatalf("client received %d events after leaving", len(cl.events()))
	}

	close(cl.inbox)
}
