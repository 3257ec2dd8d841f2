package app

import (
	"testing"

	"marginalia/api/internal/store"
)

func studentMembership(cohort ...string) Membership {
	m := Membership{
		Role:        RoleStudent,
		Instructors: map[string]bool{"inst-1": true},
		Cohort:      make(map[string]bool),
	}
	for _, id := range cohort {
		m.Cohort[id] = true
	}
	return m
}

func TestThreadVisibleMyself(t *testing.T) {
	head := store.Annotation{AuthorID: "stu-1", Visibility: store.VisibilityMyself}
	m := studentMembership("stu-1", "stu-2")

	if !threadVisible(head, m, "stu-1", false) {
		t.Fatalf("author should see their own MYSELF thread")
	}
	if threadVisible(head, m, "stu-2", false) {
		t.Fatalf("MYSELF thread leaked to another student")
	}

	instructor := Membership{Role: RoleInstructor, Instructors: map[string]bool{"inst-1": true}, Cohort: map[string]bool{}}
	if threadVisible(head, instructor, "inst-1", false) {
		t.Fatalf("MYSELF thread leaked to an instructor")
	}
}

func TestThreadVisibleInstructors(t *testing.T) {
	head := store.Annotation{AuthorID: "stu-1", Visibility: store.VisibilityInstructors}

	instructor := Membership{Role: RoleInstructor, Instructors: map[string]bool{"inst-1": true}, Cohort: map[string]bool{}}
	if !threadVisible(head, instructor, "inst-1", false) {
		t.Fatalf("instructor should see an INSTRUCTORS thread")
	}
	if !threadVisible(head, studentMembership("stu-1"), "stu-1", false) {
		t.Fatalf("author should see their own INSTRUCTORS thread")
	}
	if threadVisible(head, studentMembership("stu-1", "stu-2"), "stu-2", false) {
		t.Fatalf("INSTRUCTORS thread leaked to another student")
	}
}

func TestThreadVisibleSectioned(t *testing.T) {
	m := studentMembership("stu-1", "stu-2")

	inCohort := store.Annotation{AuthorID: "stu-2", Visibility: store.VisibilityEveryone}
	outOfCohort := store.Annotation{AuthorID: "stu-9", Visibility: store.VisibilityEveryone}
	byInstructor := store.Annotation{AuthorID: "inst-1", Visibility: store.VisibilityEveryone}

	if !threadVisible(inCohort, m, "stu-1", true) {
		t.Fatalf("cohort thread hidden in sectioned mode")
	}
	if threadVisible(outOfCohort, m, "stu-1", true) {
		t.Fatalf("out-of-cohort thread visible in sectioned mode")
	}
	if !threadVisible(byInstructor, m, "stu-1", true) {
		t.Fatalf("instructor thread hidden in sectioned mode")
	}
	// The sectioned rule never applies without the flag or to instructors.
	if !threadVisible(outOfCohort, m, "stu-1", false) {
		t.Fatalf("out-of-cohort thread hidden without the sectioned flag")
	}
	instructor := Membership{Role: RoleInstructor, Instructors: map[string]bool{"inst-1": true}, Cohort: map[string]bool{}}
	if !threadVisible(outOfCohort, instructor, "inst-1", true) {
		t.Fatalf("sectioned mode should not hide anything from instructors")
	}
}

func TestReplyVisible(t *testing.T) {
	instructors := map[string]bool{"inst-1": true}

	mine := store.Annotation{AuthorID: "stu-1", Visibility: store.VisibilityMyself}
	if !replyVisible(mine, instructors, "stu-1") {
		t.Fatalf("author should see their own MYSELF reply")
	}
	if replyVisible(mine, instructors, "stu-2") {
		t.Fatalf("MYSELF reply leaked")
	}

	toInstructors := store.Annotation{AuthorID: "stu-1", Visibility: store.VisibilityInstructors}
	if !replyVisible(toInstructors, instructors, "inst-1") {
		t.Fatalf("instructor should see an INSTRUCTORS reply")
	}
	// Reply filtering has no author carve-out for INSTRUCTORS.
	if replyVisible(toInstructors, instructors, "stu-1") {
		t.Fatalf("INSTRUCTORS reply should be hidden from its student author")
	}

	open := store.Annotation{AuthorID: "stu-1", Visibility: store.VisibilityEveryone}
	if !replyVisible(open, instructors, "stu-2") {
		t.Fatalf("EVERYONE reply hidden")
	}
}
