package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	ThreadID   string `json:"threadId"`
	Snippet    string `json:"snippet"`
	AuthorID   string `json:"authorId"`
	Filepath   string `json:"filepath"`
	ClassID    string `json:"classId"`
	Visibility string `json:"visibility"`
}

// Query describes an annotation search request. ViewerID and Instructor
// decide which visibilities the results may contain.
type Query struct {
	Text       string
	ClassID    string
	ViewerID   string
	Instructor bool
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over annotations.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// AnnotationRecord is the data we index for an annotation.
type AnnotationRecord struct {
	ID         string `json:"id"`
	ThreadID   string `json:"threadId"`
	Content    string `json:"content"`
	AuthorID   string `json:"authorId"`
	Filepath   string `json:"filepath"`
	ClassID    string `json:"classId"`
	Visibility string `json:"visibility"`
}
