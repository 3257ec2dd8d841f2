package store

import "time"

// Visibility values carried by annotations. Stored as text, compared verbatim.
const (
	VisibilityMyself      = "MYSELF"
	VisibilityInstructors = "INSTRUCTORS"
	VisibilityEveryone    = "EVERYONE"
)

type User struct {
	ID           string
	Username     string
	FirstName    string
	LastName     string
	PasswordHash string
	CreatedAt    time.Time
}

type Class struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Section is a cohort inside a class. Exactly one section per class has
// IsGlobal set; it contains every enrolled student.
type Section struct {
	ID        string
	ClassID   string
	Name      string
	IsGlobal  bool
	MemberIDs []string
}

// ClassInfo is a class loaded with the associations membership resolution
// needs: instructors, every section with member ids, and the global section's
// members as full users (for roster responses).
type ClassInfo struct {
	ID            string
	Name          string
	Instructors   []User
	Sections      []Section
	GlobalMembers []User
}

// GlobalSection returns the class-wide section, or nil if the data is
// malformed and no section is flagged global.
func (c ClassInfo) GlobalSection() *Section {
	for i := range c.Sections {
		if c.Sections[i].IsGlobal {
			return &c.Sections[i]
		}
	}
	return nil
}

// Source is a document identified by (filepath, class).
type Source struct {
	ID       string
	ClassID  string
	Filepath string
}

// Location anchors one thread to an HTML range inside a source.
type Location struct {
	ID          string
	SourceID    string
	StartNode   string
	EndNode     string
	StartOffset int
	EndOffset   int
}

type Thread struct {
	ID         string
	LocationID string
	CreatedAt  time.Time
}

type Media struct {
	Type     string
	Filepath string
}

// Annotation is one comment node with its author join and association sets
// loaded. ParentID is empty for a thread's head annotation.
type Annotation struct {
	ID             string
	ThreadID       string
	ParentID       string
	AuthorID       string
	AuthorUsername string
	AuthorFirst    string
	AuthorLast     string
	Content        string
	Visibility     string
	Anonymity      string
	Endorsed       bool
	CreatedAt      time.Time

	TagTypeIDs        []string
	TaggedUserIDs     []string
	ReplyRequesterIDs []string
	StarrerIDs        []string
	BookmarkerIDs     []string
	Media             *Media
}

// ThreadRecord is a thread loaded with everything a read needs: its location,
// head annotation, all annotations (head included), and the per-thread user
// sets. Head is nil when the expected association is missing; callers treat
// that as an integrity anomaly and skip the record.
type ThreadRecord struct {
	Thread         Thread
	Location       Location
	Head           *Annotation
	Annotations    []Annotation
	SeenUserIDs    []string
	RepliedUserIDs []string
}

// AnnotationContext is an annotation plus the chain back to its class and
// source, used by mutation endpoints that broadcast ping events.
type AnnotationContext struct {
	Annotation  Annotation
	HeadID      string
	Filepath    string
	ClassID     string
	SeenUserIDs []string
}

type TagType struct {
	ID      string
	ClassID string
	Name    string
}
