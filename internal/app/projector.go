package app

import (
	"log"

	"marginalia/api/internal/store"
)

// The projector turns storage records into the annotation view models
// clients consume. Heads carry their anchor range; replies carry a parent
// pointer instead.

func annotationView(a store.Annotation, location *store.Location, seenUserIDs []string, instructors map[string]bool, viewerID string, follows map[string]bool) map[string]any {
	var rng any
	if location != nil {
		rng = map[string]any{
			"start":       location.StartNode,
			"end":         location.EndNode,
			"startOffset": location.StartOffset,
			"endOffset":   location.EndOffset,
		}
	}
	var parent any
	if a.ParentID != "" {
		parent = a.ParentID
	}
	var media any
	if a.Media != nil {
		media = map[string]any{
			"type":     a.Media.Type,
			"filepath": a.Media.Filepath,
		}
	}

	return map[string]any{
		"id":                  a.ID,
		"range":               rng,
		"parent":              parent,
		"timestamp":           a.CreatedAt,
		"author":              a.AuthorID,
		"authorName":          a.AuthorFirst + " " + a.AuthorLast,
		"instructor":          instructors[a.AuthorID],
		"html":                a.Content,
		"hashtags":            nonNilIDs(a.TagTypeIDs),
		"people":              nonNilIDs(a.TaggedUserIDs),
		"visibility":          a.Visibility,
		"anonymity":           a.Anonymity,
		"endorsed":            a.Endorsed,
		"replyRequestedByMe":  containsID(a.ReplyRequesterIDs, viewerID),
		"replyRequestCount":   len(a.ReplyRequesterIDs),
		"starredByMe":         containsID(a.StarrerIDs, viewerID),
		"starCount":           len(a.StarrerIDs),
		"seenByMe":            containsID(seenUserIDs, viewerID),
		"bookmarked":          containsID(a.BookmarkerIDs, viewerID),
		"media":               media,
		"followed":            follows[a.AuthorID],
	}
}

// projectThreads builds the two-part listing payload: visible head
// annotations plus every reply grouped under its parent ID. Replies ride
// along unfiltered; hiding a thread hides its replies wholesale.
func projectThreads(records []store.ThreadRecord, m Membership, viewerID string, follows map[string]bool, sectioned bool) map[string]any {
	heads := make([]map[string]any, 0)
	annotations := make(map[string][]map[string]any)

	for _, rec := range records {
		if rec.Head == nil {
			log.Printf("warning: thread %s has no head annotation, skipping", rec.Thread.ID)
			continue
		}
		if !threadVisible(*rec.Head, m, viewerID, sectioned) {
			continue
		}
		heads = append(heads, annotationView(*rec.Head, &rec.Location, rec.SeenUserIDs, m.Instructors, viewerID, follows))
		for _, a := range rec.Annotations {
			if a.ParentID == "" {
				continue
			}
			annotations[a.ParentID] = append(annotations[a.ParentID],
				annotationView(a, nil, rec.SeenUserIDs, m.Instructors, viewerID, follows))
		}
	}

	return map[string]any{
		"headAnnotations": heads,
		"annotationsData": annotations,
	}
}

// projectThread builds the single-thread payload. No visibility filtering
// happens here.
func projectThread(rec store.ThreadRecord, instructors map[string]bool, viewerID string, follows map[string]bool) map[string]any {
	annotations := make(map[string][]map[string]any)
	var head any
	if rec.Head != nil {
		head = annotationView(*rec.Head, &rec.Location, rec.SeenUserIDs, instructors, viewerID, follows)
	} else {
		log.Printf("warning: thread %s has no head annotation", rec.Thread.ID)
	}
	for _, a := range rec.Annotations {
		if a.ParentID == "" {
			continue
		}
		annotations[a.ParentID] = append(annotations[a.ParentID],
			annotationView(a, nil, rec.SeenUserIDs, instructors, viewerID, follows))
	}
	return map[string]any{
		"headAnnotation":  head,
		"annotationsData": annotations,
	}
}

// projectStats sums per-source counters. A thread the viewer has not seen
// counts every one of its annotations as unread.
func projectStats(records []store.ThreadRecord, viewerID string) map[string]any {
	me := 0
	unread := 0
	replyRequests := 0
	total := 0
	threads := 0

	for _, rec := range records {
		for _, a := range rec.Annotations {
			if a.AuthorID == viewerID {
				me++
			}
			replyRequests += len(a.ReplyRequesterIDs)
			total++
		}
		if !containsID(rec.SeenUserIDs, viewerID) {
			unread += len(rec.Annotations)
		}
		threads++
	}

	return map[string]any{
		"me":            me,
		"unread":        unread,
		"replyRequests": replyRequests,
		"thread":        threads,
		"total":         total,
	}
}

func nonNilIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
