package app

import (
	"crypto/md5"
	"encoding/hex"
)

// eventHub is the fan-out surface the notification router drives. The
// websocket hub implements it; tests substitute a recorder.
type eventHub interface {
	EmitTo(roomID, event string, payload any)
	EmitAll(event string, payload any)
	RoomsWithPrefix(prefix string) []string
}

// RoomKey derives the class room for a document: md5 of the source URL,
// hex-encoded, joined with the class ID. Section subrooms append a section
// ID as a third segment; they are discovered by prefix scan at emit time.
func RoomKey(sourceURL, classID string) string {
	sum := md5.Sum([]byte(sourceURL))
	return hex.EncodeToString(sum[:]) + ":" + classID
}

// Router translates annotation mutations into websocket events. Room-scoped
// copies go to the class room and its section subrooms; some events also
// broadcast unscoped so badge counters update everywhere.
type Router struct {
	hub eventHub
}

func NewRouter(hub eventHub) *Router {
	return &Router{hub: hub}
}

func withReplyRequest(scoped map[string]any, replyRequest bool) map[string]any {
	unscoped := make(map[string]any, len(scoped)+1)
	for k, v := range scoped {
		unscoped[k] = v
	}
	unscoped["replyRequest"] = replyRequest
	return unscoped
}

type ThreadAnnouncement struct {
	SourceURL    string
	ClassID      string
	AuthorID     string
	ThreadID     string
	Visibility   string
	Audience     []string
	TaggedUsers  []string
	ReplyRequest bool
	SeenUserIDs  []string
	// Broadcast adds the unscoped copies. Media uploads skip them.
	Broadcast bool
}

// AnnounceNewThread routes a thread creation. INSTRUCTORS threads reach the
// class room only, since instructors never join section subrooms. EVERYONE
// threads reach the class room and every section subroom. MYSELF threads
// stay silent. The unscoped copy carries the replyRequest flag the
// room-scoped copies omit.
func (r *Router) AnnounceNewThread(a ThreadAnnouncement) {
	room := RoomKey(a.SourceURL, a.ClassID)
	scoped := map[string]any{
		"sourceUrl":   a.SourceURL,
		"authorId":    a.AuthorID,
		"userIds":     nonNilIDs(a.Audience),
		"threadId":    a.ThreadID,
		"classId":     a.ClassID,
		"taggedUsers": nonNilIDs(a.TaggedUsers),
	}

	switch a.Visibility {
	case "INSTRUCTORS":
		r.hub.EmitTo(room, "new_thread", scoped)
		if a.Broadcast {
			r.hub.EmitAll("new_thread", withReplyRequest(scoped, a.ReplyRequest))
		}
	case "EVERYONE":
		r.hub.EmitTo(room, "new_thread", scoped)
		for _, sectionRoom := range r.hub.RoomsWithPrefix(room + ":") {
			r.hub.EmitTo(sectionRoom, "new_thread", scoped)
		}
		if a.Broadcast {
			r.hub.EmitAll("new_thread", withReplyRequest(scoped, a.ReplyRequest))
		}
	}

	if a.Broadcast {
		r.hub.EmitAll("create_new_thread", map[string]any{
			"filepath":       a.SourceURL,
			"class_id":       a.ClassID,
			"user_id":        a.AuthorID,
			"seen_user":      nonNilIDs(a.SeenUserIDs),
			"parent":         a.ThreadID,
			"reply_requests": a.ReplyRequest,
		})
	}
}

type ReplyAnnouncement struct {
	SourceURL    string
	ClassID      string
	AuthorID     string
	ThreadID     string
	HeadID       string
	AnnotationID string
	TaggedUsers  []string
	ReplyRequest bool
	SeenUserIDs  []string
	Broadcast    bool
}

// AnnounceNewReply routes a reply to the class room and its section
// subrooms, plus an unscoped snake_case copy for badge counters.
func (r *Router) AnnounceNewReply(a ReplyAnnouncement) {
	room := RoomKey(a.SourceURL, a.ClassID)
	scoped := map[string]any{
		"sourceUrl":        a.SourceURL,
		"classId":          a.ClassID,
		"authorId":         a.AuthorID,
		"threadId":         a.ThreadID,
		"headAnnotationId": a.HeadID,
		"taggedUsers":      nonNilIDs(a.TaggedUsers),
		"newAnnotationId":  a.AnnotationID,
	}
	r.hub.EmitTo(room, "new_reply", scoped)
	for _, sectionRoom := range r.hub.RoomsWithPrefix(room + ":") {
		r.hub.EmitTo(sectionRoom, "new_reply", scoped)
	}

	if a.Broadcast {
		r.hub.EmitAll("new_reply", map[string]any{
			"filepath":       a.SourceURL,
			"class_id":       a.ClassID,
			"user_id":        a.AuthorID,
			"seen_user":      nonNilIDs(a.SeenUserIDs),
			"parent":         a.ThreadID,
			"reply_requests": a.ReplyRequest,
		})
	}
}

// AnnounceThreadSeen broadcasts a read receipt.
func (r *Router) AnnounceThreadSeen(sourceURL, classID, userID, threadID string) {
	r.hub.EmitAll("read_thread", map[string]any{
		"filepath":  sourceURL,
		"class_id":  classID,
		"user_id":   userID,
		"thread_id": threadID,
	})
}

// AnnounceDeleted broadcasts an annotation removal. parentID is nil for
// thread heads.
func (r *Router) AnnounceDeleted(sourceURL, classID, authorID string, seenUserIDs []string, parentID any, requesterIDs []string) {
	r.hub.EmitAll("delete_comment", map[string]any{
		"filepath":       sourceURL,
		"class_id":       classID,
		"user_id":        authorID,
		"seen_user":      nonNilIDs(seenUserIDs),
		"parent":         parentID,
		"reply_requests": nonNilIDs(requesterIDs),
	})
}

// AnnounceReplyRequest broadcasts a reply-request toggle. user_id carries
// the annotation author, not the toggling user.
func (r *Router) AnnounceReplyRequest(sourceURL, classID, authorID string, added bool, requesterIDs []string) {
	r.hub.EmitAll("reply_request", map[string]any{
		"filepath":         sourceURL,
		"class_id":         classID,
		"user_id":          authorID,
		"add_request":      added,
		"reply_requesters": nonNilIDs(requesterIDs),
	})
}
