package app

import "marginalia/api/internal/store"

// threadVisible decides whether a whole thread shows up for the viewer,
// judged on its head annotation alone. Replies are filtered separately.
//
// When sectioned is set, students additionally lose threads authored by
// students outside their cohort. Single-thread fetches never apply the
// sectioned rule; the client is trusted to only ask for threads it was
// shown.
func threadVisible(head store.Annotation, m Membership, viewerID string, sectioned bool) bool {
	if head.Visibility == store.VisibilityMyself && head.AuthorID != viewerID {
		return false
	}
	if head.Visibility == store.VisibilityInstructors && !m.IsInstructor() && head.AuthorID != viewerID {
		return false
	}
	if sectioned && m.Role == RoleStudent && head.AuthorID != viewerID &&
		!m.Cohort[head.AuthorID] && !m.Instructors[head.AuthorID] {
		return false
	}
	return true
}

// replyVisible filters individual replies. Unlike thread heads, an
// INSTRUCTORS reply is hidden even from its own student author.
func replyVisible(a store.Annotation, instructors map[string]bool, viewerID string) bool {
	if a.Visibility == store.VisibilityMyself && a.AuthorID != viewerID {
		return false
	}
	if a.Visibility == store.VisibilityInstructors && !instructors[viewerID] {
		return false
	}
	return true
}
