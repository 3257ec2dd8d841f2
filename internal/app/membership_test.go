package app

import (
	"testing"

	"marginalia/api/internal/store"
)

func multiSectionClass() store.ClassInfo {
	return store.ClassInfo{
		ID:          "cls-1",
		Name:        "Systems",
		Instructors: []store.User{{ID: "inst-1"}},
		Sections: []store.Section{
			{ID: "sec-global", ClassID: "cls-1", IsGlobal: true, MemberIDs: []string{"stu-1", "stu-2", "stu-3"}},
			{ID: "sec-a", ClassID: "cls-1", MemberIDs: []string{"stu-1", "stu-2"}},
			{ID: "sec-b", ClassID: "cls-1", MemberIDs: []string{"stu-3"}},
		},
	}
}

func TestResolveMembershipInstructorCohortIsWholeClass(t *testing.T) {
	m := ResolveMembership(multiSectionClass(), "inst-1")

	if m.Role != RoleInstructor {
		t.Fatalf("Role = %v, want %v", m.Role, RoleInstructor)
	}
	if len(m.Cohort) != 3 {
		t.Fatalf("Cohort size = %d, want 3", len(m.Cohort))
	}
	for _, id := range []string{"stu-1", "stu-2", "stu-3"} {
		if !m.Cohort[id] {
			t.Fatalf("Cohort missing %s", id)
		}
	}
}

func TestResolveMembershipStudentCohortIsOwnSection(t *testing.T) {
	m := ResolveMembership(multiSectionClass(), "stu-3")

	if m.Role != RoleStudent {
		t.Fatalf("Role = %v, want %v", m.Role, RoleStudent)
	}
	if len(m.Cohort) != 1 || !m.Cohort["stu-3"] {
		t.Fatalf("Cohort = %v, want just stu-3", m.Cohort)
	}
	if m.Cohort["stu-1"] {
		t.Fatalf("stu-1 leaked into stu-3's cohort")
	}
}

func TestResolveMembershipSingleSectionClass(t *testing.T) {
	info := store.ClassInfo{
		ID:          "cls-2",
		Instructors: []store.User{{ID: "inst-1"}},
		Sections: []store.Section{
			{ID: "sec-global", ClassID: "cls-2", IsGlobal: true, MemberIDs: []string{"stu-1", "stu-2"}},
		},
	}

	// With only the global section, everyone's cohort is the whole class.
	for _, viewer := range []string{"inst-1", "stu-1"} {
		m := ResolveMembership(info, viewer)
		if len(m.Cohort) != 2 {
			t.Fatalf("viewer %s: Cohort size = %d, want 2", viewer, len(m.Cohort))
		}
	}
}

func TestResolveMembershipGlobalOnlyStudentHasEmptyCohort(t *testing.T) {
	info := multiSectionClass()
	info.Sections[0].MemberIDs = append(info.Sections[0].MemberIDs, "stu-4")

	m := ResolveMembership(info, "stu-4")
	if m.Role != RoleStudent {
		t.Fatalf("Role = %v, want %v", m.Role, RoleStudent)
	}
	if len(m.Cohort) != 0 {
		t.Fatalf("Cohort = %v, want empty", m.Cohort)
	}
}

func TestResolveMembershipNonMember(t *testing.T) {
	m := ResolveMembership(multiSectionClass(), "stranger")

	if m.Role != RoleNone {
		t.Fatalf("Role = %v, want %v", m.Role, RoleNone)
	}
	if len(m.Cohort) != 0 {
		t.Fatalf("Cohort = %v, want empty", m.Cohort)
	}
	if !m.Instructors["inst-1"] {
		t.Fatalf("Instructors set should still be populated for non-members")
	}
}

func TestResolveMembershipInstructorWinsOverEnrollment(t *testing.T) {
	info := multiSectionClass()
	info.Instructors = append(info.Instructors, store.User{ID: "stu-1"})

	m := ResolveMembership(info, "stu-1")
	if m.Role != RoleInstructor {
		t.Fatalf("Role = %v, want %v", m.Role, RoleInstructor)
	}
	if len(m.Cohort) != 3 {
		t.Fatalf("Cohort size = %d, want whole class", len(m.Cohort))
	}
}
