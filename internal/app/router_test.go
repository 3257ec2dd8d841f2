package app

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"testing"
)

type emitted struct {
	room    string
	event   string
	payload map[string]any
}

type fakeHub struct {
	rooms  []string
	scoped []emitted
	global []emitted
}

func (f *fakeHub) EmitTo(roomID, event string, payload any) {
	f.scoped = append(f.scoped, emitted{room: roomID, event: event, payload: payload.(map[string]any)})
}

func (f *fakeHub) EmitAll(event string, payload any) {
	f.global = append(f.global, emitted{event: event, payload: payload.(map[string]any)})
}

func (f *fakeHub) RoomsWithPrefix(prefix string) []string {
	var out []string
	for _, room := range f.rooms {
		if strings.HasPrefix(room, prefix) {
			out = append(out, room)
		}
	}
	return out
}

func TestRoomKey(t *testing.T) {
	sum := md5.Sum([]byte("/course/intro.html"))
	want := hex.EncodeToString(sum[:]) + ":cls-1"
	if got := RoomKey("/course/intro.html", "cls-1"); got != want {
		t.Fatalf("RoomKey() = %s, want %s", got, want)
	}
}

func TestAnnounceNewThreadEveryoneReachesSubrooms(t *testing.T) {
	room := RoomKey("/doc", "cls-1")
	hub := &fakeHub{rooms: []string{room, room + ":sec-a", room + ":sec-b", RoomKey("/doc", "cls-2")}}
	router := NewRouter(hub)

	router.AnnounceNewThread(ThreadAnnouncement{
		SourceURL:    "/doc",
		ClassID:      "cls-1",
		AuthorID:     "stu-1",
		ThreadID:     "thr-1",
		Visibility:   "EVERYONE",
		Audience:     []string{"stu-1", "stu-2"},
		ReplyRequest: true,
		SeenUserIDs:  []string{"stu-1"},
		Broadcast:    true,
	})

	if len(hub.scoped) != 3 {
		t.Fatalf("scoped emits = %d, want class room plus two subrooms", len(hub.scoped))
	}
	for _, e := range hub.scoped {
		if e.event != "new_thread" {
			t.Fatalf("scoped event = %s", e.event)
		}
		if !strings.HasPrefix(e.room, room) {
			t.Fatalf("emit leaked to room %s", e.room)
		}
		if _, present := e.payload["replyRequest"]; present {
			t.Fatalf("room-scoped copy must not carry replyRequest")
		}
	}

	if len(hub.global) != 2 {
		t.Fatalf("global emits = %d, want unscoped new_thread plus create_new_thread", len(hub.global))
	}
	if hub.global[0].event != "new_thread" || hub.global[0].payload["replyRequest"] != true {
		t.Fatalf("unscoped new_thread missing replyRequest: %v", hub.global[0].payload)
	}
	ping := hub.global[1]
	if ping.event != "create_new_thread" {
		t.Fatalf("second global event = %s", ping.event)
	}
	if ping.payload["parent"] != "thr-1" || ping.payload["class_id"] != "cls-1" || ping.payload["reply_requests"] != true {
		t.Fatalf("create_new_thread payload = %v", ping.payload)
	}
}

func TestAnnounceNewThreadInstructorsSkipsSubrooms(t *testing.T) {
	room := RoomKey("/doc", "cls-1")
	hub := &fakeHub{rooms: []string{room, room + ":sec-a"}}
	router := NewRouter(hub)

	router.AnnounceNewThread(ThreadAnnouncement{
		SourceURL:  "/doc",
		ClassID:    "cls-1",
		ThreadID:   "thr-1",
		Visibility: "INSTRUCTORS",
		Broadcast:  true,
	})

	if len(hub.scoped) != 1 || hub.scoped[0].room != room {
		t.Fatalf("INSTRUCTORS thread should reach the class room only, got %v", hub.scoped)
	}
}

func TestAnnounceNewThreadMyselfStaysSilentInRooms(t *testing.T) {
	hub := &fakeHub{}
	router := NewRouter(hub)

	router.AnnounceNewThread(ThreadAnnouncement{
		SourceURL:  "/doc",
		ClassID:    "cls-1",
		ThreadID:   "thr-1",
		Visibility: "MYSELF",
		Broadcast:  true,
	})

	if len(hub.scoped) != 0 {
		t.Fatalf("MYSELF thread must not reach any room")
	}
	if len(hub.global) != 1 || hub.global[0].event != "create_new_thread" {
		t.Fatalf("MYSELF thread should still ping counters, got %v", hub.global)
	}
}

func TestAnnounceNewThreadMediaSkipsUnscoped(t *testing.T) {
	room := RoomKey("/doc", "cls-1")
	hub := &fakeHub{rooms: []string{room}}
	router := NewRouter(hub)

	router.AnnounceNewThread(ThreadAnnouncement{
		SourceURL:  "/doc",
		ClassID:    "cls-1",
		ThreadID:   "thr-1",
		Visibility: "EVERYONE",
		Broadcast:  false,
	})

	if len(hub.scoped) != 1 {
		t.Fatalf("scoped emits = %d, want 1", len(hub.scoped))
	}
	if len(hub.global) != 0 {
		t.Fatalf("media uploads must skip unscoped emits, got %v", hub.global)
	}
}

func TestAnnounceNewReply(t *testing.T) {
	room := RoomKey("/doc", "cls-1")
	hub := &fakeHub{rooms: []string{room, room + ":sec-a"}}
	router := NewRouter(hub)

	router.AnnounceNewReply(ReplyAnnouncement{
		SourceURL:    "/doc",
		ClassID:      "cls-1",
		AuthorID:     "stu-2",
		ThreadID:     "thr-1",
		HeadID:       "ann-head",
		AnnotationID: "ann-reply",
		SeenUserIDs:  []string{"stu-2"},
		Broadcast:    true,
	})

	if len(hub.scoped) != 2 {
		t.Fatalf("scoped emits = %d, want class room plus subroom", len(hub.scoped))
	}
	payload := hub.scoped[0].payload
	if payload["headAnnotationId"] != "ann-head" || payload["newAnnotationId"] != "ann-reply" {
		t.Fatalf("scoped new_reply payload = %v", payload)
	}

	if len(hub.global) != 1 || hub.global[0].event != "new_reply" {
		t.Fatalf("global emits = %v", hub.global)
	}
	if hub.global[0].payload["parent"] != "thr-1" || hub.global[0].payload["user_id"] != "stu-2" {
		t.Fatalf("unscoped new_reply payload = %v", hub.global[0].payload)
	}
}

func TestAnnounceDeletedHeadHasNilParent(t *testing.T) {
	hub := &fakeHub{}
	router := NewRouter(hub)

	router.AnnounceDeleted("/doc", "cls-1", "stu-1", []string{"stu-1"}, nil, nil)

	if len(hub.global) != 1 || hub.global[0].event != "delete_comment" {
		t.Fatalf("global emits = %v", hub.global)
	}
	payload := hub.global[0].payload
	if payload["parent"] != nil {
		t.Fatalf("parent = %v, want nil for a head deletion", payload["parent"])
	}
	if requesters, ok := payload["reply_requests"].([]string); !ok || len(requesters) != 0 {
		t.Fatalf("reply_requests = %v, want empty non-nil slice", payload["reply_requests"])
	}
}

func TestAnnounceReplyRequestCarriesAuthor(t *testing.T) {
	hub := &fakeHub{}
	router := NewRouter(hub)

	router.AnnounceReplyRequest("/doc", "cls-1", "author-1", true, []string{"stu-2"})

	payload := hub.global[0].payload
	if payload["user_id"] != "author-1" {
		t.Fatalf("user_id = %v, want the annotation author", payload["user_id"])
	}
	if payload["add_request"] != true {
		t.Fatalf("add_request = %v", payload["add_request"])
	}
}
