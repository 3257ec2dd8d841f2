package app

import "marginalia/api/internal/store"

type Role string

const (
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
	RoleNone       Role = "none"
)

// Membership is a viewer's resolved standing within one class: their role,
// the class instructor set, and the cohort of students whose posts they may
// see in sectioned mode.
type Membership struct {
	Role        Role
	Instructors map[string]bool
	Cohort      map[string]bool
}

func (m Membership) IsInstructor() bool {
	return m.Role == RoleInstructor
}

// ResolveMembership determines the viewer's role and cohort for a class.
//
// Role: instructor membership wins over student membership; a user in
// neither set gets RoleNone and sees nothing.
//
// Cohort selection walks sections in creation order and stops at the first
// match: a single-section class always selects that section, an instructor
// selects the global section, a student selects the first non-global section
// they belong to. A student enrolled only in the global section of a
// multi-section class ends with an empty cohort.
func ResolveMembership(info store.ClassInfo, userID string) Membership {
	m := Membership{
		Role:        RoleNone,
		Instructors: make(map[string]bool),
		Cohort:      make(map[string]bool),
	}

	for _, instructor := range info.Instructors {
		m.Instructors[instructor.ID] = true
	}

	isStudent := false
	if global := info.GlobalSection(); global != nil {
		for _, memberID := range global.MemberIDs {
			if memberID == userID {
				isStudent = true
				break
			}
		}
	}

	switch {
	case m.Instructors[userID]:
		m.Role = RoleInstructor
	case isStudent:
		m.Role = RoleStudent
	default:
		return m
	}

	singleSection := len(info.Sections) == 1
	for _, section := range info.Sections {
		if (m.Role == RoleInstructor && section.IsGlobal) || singleSection {
			for _, memberID := range section.MemberIDs {
				m.Cohort[memberID] = true
			}
			break
		}
		if !section.IsGlobal && containsID(section.MemberIDs, userID) {
			for _, memberID := range section.MemberIDs {
				m.Cohort[memberID] = true
			}
			break
		}
	}
	return m
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
