package app

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"marginalia/api/internal/auth"
	"marginalia/api/internal/authpw"
	"marginalia/api/internal/config"
	"marginalia/api/internal/media"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	FirstName    string
	LastName     string
	JTI          string
	ExpiresAt    time.Time
}

// AnnotationRange mirrors the client's serialized text anchor.
type AnnotationRange struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	StartOffset int    `json:"startOffset"`
	EndOffset   int    `json:"endOffset"`
}

type CreateThreadInput struct {
	URL          string           `json:"url"`
	Class        string           `json:"class"`
	Content      string           `json:"content"`
	Range        *AnnotationRange `json:"range"`
	Tags         []string         `json:"tags"`
	UserTags     []string         `json:"userTags"`
	Visibility   string           `json:"visibility"`
	Anonymity    string           `json:"anonymity"`
	Endorsed     bool             `json:"endorsed"`
	ReplyRequest bool             `json:"replyRequest"`
	Star         bool             `json:"star"`
	Bookmark     bool             `json:"bookmark"`
	MediaType    string           `json:"type,omitempty"`
}

type CreateReplyInput struct {
	URL          string   `json:"url"`
	Class        string   `json:"class"`
	Content      string   `json:"content"`
	Tags         []string `json:"tags"`
	UserTags     []string `json:"userTags"`
	Visibility   string   `json:"visibility"`
	Anonymity    string   `json:"anonymity"`
	Endorsed     bool     `json:"endorsed"`
	ReplyRequest bool     `json:"replyRequest"`
	Star         bool     `json:"star"`
	Bookmark     bool     `json:"bookmark"`
	MediaType    string   `json:"type,omitempty"`
}

type UpdateAnnotationInput struct {
	Content      string   `json:"content"`
	Tags         []string `json:"tags"`
	UserTags     []string `json:"userTags"`
	Visibility   string   `json:"visibility"`
	Anonymity    string   `json:"anonymity"`
	Endorsed     bool     `json:"endorsed"`
	ReplyRequest bool     `json:"replyRequest"`
}

var allowedVisibility = map[string]struct{}{
	"MYSELF":      {},
	"INSTRUCTORS": {},
	"EVERYONE":    {},
}

var allowedAnonymity = map[string]struct{}{
	"IDENTIFIED": {},
	"ANONYMOUS":  {},
}

type dataStore interface {
	GetUser(context.Context, string) (store.User, error)
	ListFollowedAuthors(context.Context, string) ([]string, error)
	GetClass(context.Context, string) (store.Class, error)
	GetClassInfo(context.Context, string) (store.ClassInfo, error)
	ListMemberSections(context.Context, string) ([]store.Section, error)
	ListInstructorClasses(context.Context, string) ([]store.Class, error)
	ListTagTypes(context.Context, string) ([]store.TagType, error)
	GetSource(context.Context, string, string) (store.Source, error)
	ListSourcesByFilepath(context.Context, string) ([]store.Source, error)
	CreateLocation(context.Context, store.Location) error
	DeleteLocation(context.Context, string) error
	CreateThread(context.Context, store.Thread) error
	DeleteThread(context.Context, string) error
	ListThreadsBySource(context.Context, string) ([]store.ThreadRecord, error)
	GetThreadRecord(context.Context, string) (store.ThreadRecord, error)
	GetAnnotation(context.Context, string) (store.Annotation, error)
	GetAnnotationContext(context.Context, string) (store.AnnotationContext, error)
	ListReplies(context.Context, string) ([]store.Annotation, error)
	CreateAnnotation(context.Context, store.Annotation) error
	UpdateAnnotation(context.Context, string, string, string, string, bool) error
	DeleteAnnotation(context.Context, string) error
	AttachMedia(context.Context, string, string, string) error
	SetTags(context.Context, string, []string) error
	SetTaggedUsers(context.Context, string, []string) error
	AddReplyRequester(context.Context, string, string) error
	RemoveReplyRequester(context.Context, string, string) error
	AddStarrer(context.Context, string, string) error
	RemoveStarrer(context.Context, string, string) error
	AddBookmarker(context.Context, string, string) error
	RemoveBookmarker(context.Context, string, string) error
	SetThreadSeenUsers(context.Context, string, []string) error
	SetThreadRepliedUsers(context.Context, string, []string) error
	AddThreadSeenUser(context.Context, string, string) error
	RemoveThreadSeenUser(context.Context, string, string) error
	AddThreadRepliedUser(context.Context, string, string) error
	RemoveThreadRepliedUser(context.Context, string, string) error
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// refreshSessionStore abstracts refresh-token storage so Redis can take
// over from Postgres when configured.
type refreshSessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// pgSessionStore adapts the primary data store to refreshSessionStore.
type pgSessionStore struct {
	store dataStore
}

func (p pgSessionStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p pgSessionStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.store.LookupRefreshSession(ctx, tokenHash)
}

func (p pgSessionStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}

type mediaStore interface {
	Save(ctx context.Context, filename, contentType string, size int64, body io.Reader) (string, error)
	Open(ctx context.Context, mediaPath string) (io.ReadCloser, error)
	Remove(ctx context.Context, mediaPath string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshSessionStore
	router   *Router
	search   *search.Service
	media    mediaStore
	authpw   *authpw.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, hub eventHub, searchService *search.Service) *Service {
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		router: NewRouter(hub),
		search: searchService,
		authpw: authpw.NewService(dataStore),
	}
	s.sessions = pgSessionStore{store: s.store}
	return s
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions refreshSessionStore, hub eventHub, searchService *search.Service) *Service {
	s := New(cfg, dataStore, hub, searchService)
	s.sessions = sessions
	return s
}

// SetMediaStore wires object storage for annotation attachments. Without it
// media uploads are rejected.
func (s *Service) SetMediaStore(m mediaStore) {
	s.media = m
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap refreshes the search index from the primary store.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

// ---- sessions ----

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUser(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ---- roster and class lookups ----

// MyClasses lists the viewer's classes that have the document registered,
// whether they belong as student or instructor.
func (s *Service) MyClasses(ctx context.Context, viewerID, sourceURL string) ([]map[string]any, error) {
	sources, err := s.store.ListSourcesByFilepath(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	sourceClasses := make(map[string]bool, len(sources))
	for _, source := range sources {
		sourceClasses[source.ClassID] = true
	}

	sections, err := s.store.ListMemberSections(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	classes := make([]store.Class, 0)
	for _, section := range sections {
		if seen[section.ClassID] {
			continue
		}
		seen[section.ClassID] = true
		class, err := s.store.GetClass(ctx, section.ClassID)
		if err != nil {
			return nil, err
		}
		classes = append(classes, class)
	}

	instructorClasses, err := s.store.ListInstructorClasses(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	classes = append(classes, instructorClasses...)

	items := make([]map[string]any, 0)
	for _, class := range classes {
		if !sourceClasses[class.ID] {
			continue
		}
		items = append(items, map[string]any{
			"id":   class.ID,
			"name": class.Name,
		})
	}
	return items, nil
}

// MyCurrentSection returns the viewer's non-global section in a class, or
// an empty string when they only belong to the global section.
func (s *Service) MyCurrentSection(ctx context.Context, viewerID, classID string) (string, error) {
	sections, err := s.store.ListMemberSections(ctx, viewerID)
	if err != nil {
		return "", err
	}
	for _, section := range sections {
		if section.ClassID == classID && !section.IsGlobal {
			return section.ID, nil
		}
	}
	return "", nil
}

// AllUsers returns the class roster keyed by user ID. Users who are both
// enrolled and teaching surface as instructors.
func (s *Service) AllUsers(ctx context.Context, sourceURL, classID string) (map[string]any, error) {
	source, err := s.store.GetSource(ctx, sourceURL, classID)
	if err != nil {
		return nil, err
	}
	info, err := s.store.GetClassInfo(ctx, source.ClassID)
	if err != nil {
		return nil, err
	}

	roster := make(map[string]any)
	for _, user := range info.GlobalMembers {
		roster[user.ID] = rosterEntry(user, "student")
	}
	for _, user := range info.Instructors {
		roster[user.ID] = rosterEntry(user, "instructor")
	}
	return roster, nil
}

func rosterEntry(user store.User, role string) map[string]any {
	return map[string]any{
		"id":         user.ID,
		"username":   user.Username,
		"first_name": user.FirstName,
		"last_name":  user.LastName,
		"name": map[string]any{
			"first": user.FirstName,
			"last":  user.LastName,
		},
		"role": role,
	}
}

// AllTagTypes returns the class's hashtag vocabulary keyed by tag type ID.
func (s *Service) AllTagTypes(ctx context.Context, sourceURL, classID string) (map[string]any, error) {
	source, err := s.store.GetSource(ctx, sourceURL, classID)
	if err != nil {
		return nil, err
	}
	tagTypes, err := s.store.ListTagTypes(ctx, source.ClassID)
	if err != nil {
		return nil, err
	}
	items := make(map[string]any, len(tagTypes))
	for _, tagType := range tagTypes {
		items[tagType.ID] = map[string]any{
			"id":       tagType.ID,
			"class_id": tagType.ClassID,
			"name":     tagType.Name,
		}
	}
	return items, nil
}

// Stats sums the viewer's per-source counters across all threads.
func (s *Service) Stats(ctx context.Context, viewerID, sourceURL, classID string) (map[string]any, error) {
	source, err := s.store.GetSource(ctx, sourceURL, classID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListThreadsBySource(ctx, source.ID)
	if err != nil {
		return nil, err
	}
	return projectStats(records, viewerID), nil
}

// ---- thread listing ----

// ListAnnotations returns every thread the viewer may see on a document,
// heads and replies projected separately. Non-members get an empty list.
func (s *Service) ListAnnotations(ctx context.Context, viewerID, sourceURL, classID string, sectioned bool) (any, error) {
	source, err := s.store.GetSource(ctx, sourceURL, classID)
	if err != nil {
		return nil, err
	}
	info, err := s.store.GetClassInfo(ctx, source.ClassID)
	if err != nil {
		return nil, err
	}
	m := ResolveMembership(info, viewerID)
	if m.Role == RoleNone {
		return []any{}, nil
	}

	follows, err := s.followSet(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListThreadsBySource(ctx, source.ID)
	if err != nil {
		return nil, err
	}
	return projectThreads(records, m, viewerID, follows, sectioned), nil
}

// SpecificThread returns one thread with its replies. The sectioned rule is
// not applied here; clients only learn thread IDs through events and
// listings they were already allowed to see.
func (s *Service) SpecificThread(ctx context.Context, viewerID, sourceURL, classID, threadID string) (map[string]any, error) {
	source, err := s.store.GetSource(ctx, sourceURL, classID)
	if err != nil {
		return nil, err
	}
	info, err := s.store.GetClassInfo(ctx, source.ClassID)
	if err != nil {
		return nil, err
	}
	follows, err := s.followSet(ctx, viewerID)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.GetThreadRecord(ctx, threadID)
	if err != nil {
		return nil, err
	}
	m := ResolveMembership(info, viewerID)
	return projectThread(rec, m.Instructors, viewerID, follows), nil
}

func (s *Service) followSet(ctx context.Context, viewerID string) (map[string]bool, error) {
	followedIDs, err := s.store.ListFollowedAuthors(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	follows := make(map[string]bool, len(followedIDs))
	for _, id := range followedIDs {
		follows[id] = true
	}
	return follows, nil
}

// ---- thread creation ----

func validateAnnotationInput(visibility, anonymity string) error {
	if _, ok := allowedVisibility[visibility]; !ok {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "visibility must be MYSELF, INSTRUCTORS or EVERYONE", nil)
	}
	if _, ok := allowedAnonymity[anonymity]; !ok {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "anonymity must be IDENTIFIED or ANONYMOUS", nil)
	}
	return nil
}

// CreateThread anchors a new thread to a document location, records the
// author's initial marks, and routes the announcement events.
func (s *Service) CreateThread(ctx context.Context, viewerID string, input CreateThreadInput) (any, error) {
	return s.createThread(ctx, viewerID, input, nil, true)
}

// CreateMediaThread stores the uploaded attachment first, then creates the
// thread with the media row linked. Media threads skip the unscoped
// broadcast copies.
func (s *Service) CreateMediaThread(ctx context.Context, viewerID string, input CreateThreadInput, filename, contentType string, size int64, body io.Reader) (any, error) {
	if s.media == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Media storage not configured", nil)
	}
	mediaPath, err := s.media.Save(ctx, filename, contentType, size, body)
	if err != nil {
		return nil, err
	}
	mediaType := input.MediaType
	if mediaType == "" {
		mediaType = media.TypeForContentType(contentType)
	}
	return s.createThread(ctx, viewerID, input, &store.Media{Type: mediaType, Filepath: mediaPath}, false)
}

func (s *Service) createThread(ctx context.Context, viewerID string, input CreateThreadInput, attachment *store.Media, broadcast bool) (any, error) {
	if input.Range == nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "range is required", nil)
	}
	if err := validateAnnotationInput(input.Visibility, input.Anonymity); err != nil {
		return nil, err
	}

	source, err := s.store.GetSource(ctx, input.URL, input.Class)
	if err != nil {
		return nil, err
	}
	info, err := s.store.GetClassInfo(ctx, source.ClassID)
	if err != nil {
		return nil, err
	}
	m := ResolveMembership(info, viewerID)
	if m.Role == RoleNone {
		return []any{}, nil
	}

	location := store.Location{
		ID:          util.NewID("loc"),
		SourceID:    source.ID,
		StartNode:   input.Range.Start,
		EndNode:     input.Range.End,
		StartOffset: input.Range.StartOffset,
		EndOffset:   input.Range.EndOffset,
	}
	if err := s.store.CreateLocation(ctx, location); err != nil {
		return nil, err
	}

	thread := store.Thread{ID: util.NewID("thr"), LocationID: location.ID}
	if err := s.store.CreateThread(ctx, thread); err != nil {
		return nil, err
	}

	annotation := store.Annotation{
		ID:         util.NewID("ann"),
		ThreadID:   thread.ID,
		AuthorID:   viewerID,
		Content:    input.Content,
		Visibility: input.Visibility,
		Anonymity:  input.Anonymity,
		Endorsed:   input.Endorsed,
	}
	if err := s.store.CreateAnnotation(ctx, annotation); err != nil {
		return nil, err
	}

	if err := s.applyAuthorMarks(ctx, annotation.ID, thread.ID, viewerID, input.Tags, input.UserTags, input.ReplyRequest, input.Star, input.Bookmark); err != nil {
		return nil, err
	}

	if attachment != nil {
		if err := s.store.AttachMedia(ctx, annotation.ID, attachment.Type, attachment.Filepath); err != nil {
			return nil, err
		}
	}

	if s.search != nil {
		s.search.IndexAnnotation(search.AnnotationRecord{
			ID:         annotation.ID,
			ThreadID:   thread.ID,
			Content:    annotation.Content,
			AuthorID:   viewerID,
			Filepath:   input.URL,
			ClassID:    input.Class,
			Visibility: annotation.Visibility,
		})
	}

	audience := make([]string, 0, len(m.Instructors)+len(m.Cohort))
	for id := range m.Instructors {
		audience = append(audience, id)
	}
	if annotation.Visibility == store.VisibilityEveryone {
		for id := range m.Cohort {
			if !m.Instructors[id] {
				audience = append(audience, id)
			}
		}
	}

	s.router.AnnounceNewThread(ThreadAnnouncement{
		SourceURL:    input.URL,
		ClassID:      input.Class,
		AuthorID:     viewerID,
		ThreadID:     thread.ID,
		Visibility:   annotation.Visibility,
		Audience:     audience,
		TaggedUsers:  input.UserTags,
		ReplyRequest: input.ReplyRequest,
		SeenUserIDs:  []string{viewerID},
		Broadcast:    broadcast,
	})

	created, err := s.store.GetAnnotation(ctx, annotation.ID)
	if err != nil {
		return nil, err
	}
	follows, err := s.followSet(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	return annotationView(created, &location, []string{viewerID}, m.Instructors, viewerID, follows), nil
}

// applyAuthorMarks records tags, mentions and the author's initial toggles,
// then resets the thread's seen and replied sets to just the author. Every
// step is ordered and error-checked; a failed step aborts the batch.
func (s *Service) applyAuthorMarks(ctx context.Context, annotationID, threadID, authorID string, tags, userTags []string, replyRequest, star, bookmark bool) error {
	if err := s.store.SetTags(ctx, annotationID, tags); err != nil {
		return err
	}
	if err := s.store.SetTaggedUsers(ctx, annotationID, userTags); err != nil {
		return err
	}
	if replyRequest {
		if err := s.store.AddReplyRequester(ctx, annotationID, authorID); err != nil {
			return err
		}
	}
	if star {
		if err := s.store.AddStarrer(ctx, annotationID, authorID); err != nil {
			return err
		}
	}
	if bookmark {
		if err := s.store.AddBookmarker(ctx, annotationID, authorID); err != nil {
			return err
		}
	}
	if err := s.store.SetThreadSeenUsers(ctx, threadID, []string{authorID}); err != nil {
		return err
	}
	return s.store.SetThreadRepliedUsers(ctx, threadID, []string{authorID})
}

// ---- replies ----

// ListReplies returns the visible replies under a parent annotation.
func (s *Service) ListReplies(ctx context.Context, viewerID, parentID string) ([]map[string]any, error) {
	parent, err := s.store.GetAnnotationContext(ctx, parentID)
	if err != nil {
		return nil, err
	}
	info, err := s.store.GetClassInfo(ctx, parent.ClassID)
	if err != nil {
		return nil, err
	}
	instructors := make(map[string]bool, len(info.Instructors))
	for _, instructor := range info.Instructors {
		instructors[instructor.ID] = true
	}
	follows, err := s.followSet(ctx, viewerID)
	if err != nil {
		return nil, err
	}

	replies, err := s.store.ListReplies(ctx, parentID)
	if err != nil {
		return nil, err
	}

	views := make([]map[string]any, 0, len(replies))
	for _, reply := range replies {
		if !replyVisible(reply, instructors, viewerID) {
			continue
		}
		views = append(views, annotationView(reply, nil, parent.SeenUserIDs, instructors, viewerID, follows))
	}
	return views, nil
}

// CreateReply posts a reply under a parent annotation and routes the
// announcement events.
func (s *Service) CreateReply(ctx context.Context, viewerID, parentID string, input CreateReplyInput) (any, error) {
	return s.createReply(ctx, viewerID, parentID, input, nil, true)
}

// CreateMediaReply stores the uploaded attachment and posts the reply with
// the media row linked. Media replies skip the unscoped broadcast copy.
func (s *Service) CreateMediaReply(ctx context.Context, viewerID, parentID string, input CreateReplyInput, filename, contentType string, size int64, body io.Reader) (any, error) {
	if s.media == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Media storage not configured", nil)
	}
	mediaPath, err := s.media.Save(ctx, filename, contentType, size, body)
	if err != nil {
		return nil, err
	}
	mediaType := input.MediaType
	if mediaType == "" {
		mediaType = media.TypeForContentType(contentType)
	}
	return s.createReply(ctx, viewerID, parentID, input, &store.Media{Type: mediaType, Filepath: mediaPath}, false)
}

func (s *Service) createReply(ctx context.Context, viewerID, parentID string, input CreateReplyInput, attachment *store.Media, broadcast bool) (any, error) {
	if err := validateAnnotationInput(input.Visibility, input.Anonymity); err != nil {
		return nil, err
	}

	parent, err := s.store.GetAnnotationContext(ctx, parentID)
	if err != nil {
		return nil, err
	}

	annotation := store.Annotation{
		ID:         util.NewID("ann"),
		ThreadID:   parent.Annotation.ThreadID,
		ParentID:   parentID,
		AuthorID:   viewerID,
		Content:    input.Content,
		Visibility: input.Visibility,
		Anonymity:  input.Anonymity,
		Endorsed:   input.Endorsed,
	}
	if err := s.store.CreateAnnotation(ctx, annotation); err != nil {
		return nil, err
	}

	if err := s.applyAuthorMarks(ctx, annotation.ID, annotation.ThreadID, viewerID, input.Tags, input.UserTags, input.ReplyRequest, input.Star, input.Bookmark); err != nil {
		return nil, err
	}

	if attachment != nil {
		if err := s.store.AttachMedia(ctx, annotation.ID, attachment.Type, attachment.Filepath); err != nil {
			return nil, err
		}
	}

	if s.search != nil {
		s.search.IndexAnnotation(search.AnnotationRecord{
			ID:         annotation.ID,
			ThreadID:   annotation.ThreadID,
			Content:    annotation.Content,
			AuthorID:   viewerID,
			Filepath:   parent.Filepath,
			ClassID:    parent.ClassID,
			Visibility: annotation.Visibility,
		})
	}

	s.router.AnnounceNewReply(ReplyAnnouncement{
		SourceURL:    parent.Filepath,
		ClassID:      parent.ClassID,
		AuthorID:     viewerID,
		ThreadID:     annotation.ThreadID,
		HeadID:       parent.HeadID,
		AnnotationID: annotation.ID,
		TaggedUsers:  input.UserTags,
		ReplyRequest: input.ReplyRequest,
		SeenUserIDs:  []string{viewerID},
		Broadcast:    broadcast,
	})

	created, err := s.store.GetAnnotation(ctx, annotation.ID)
	if err != nil {
		return nil, err
	}
	info, err := s.store.GetClassInfo(ctx, parent.ClassID)
	if err != nil {
		return nil, err
	}
	instructors := make(map[string]bool, len(info.Instructors))
	for _, instructor := range info.Instructors {
		instructors[instructor.ID] = true
	}
	follows, err := s.followSet(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	return annotationView(created, nil, []string{viewerID}, instructors, viewerID, follows), nil
}

// ---- mutation of existing annotations ----

// UpdateAnnotation edits content and flags, replaces tag sets, and toggles
// the editor's reply request.
func (s *Service) UpdateAnnotation(ctx context.Context, viewerID, annotationID string, input UpdateAnnotationInput) error {
	if err := validateAnnotationInput(input.Visibility, input.Anonymity); err != nil {
		return err
	}
	if _, err := s.store.GetAnnotation(ctx, annotationID); err != nil {
		return err
	}
	if err := s.store.UpdateAnnotation(ctx, annotationID, input.Content, input.Visibility, input.Anonymity, input.Endorsed); err != nil {
		return err
	}
	if err := s.store.SetTags(ctx, annotationID, input.Tags); err != nil {
		return err
	}
	if err := s.store.SetTaggedUsers(ctx, annotationID, input.UserTags); err != nil {
		return err
	}
	if input.ReplyRequest {
		if err := s.store.AddReplyRequester(ctx, annotationID, viewerID); err != nil {
			return err
		}
	} else {
		if err := s.store.RemoveReplyRequester(ctx, annotationID, viewerID); err != nil {
			return err
		}
	}

	if s.search != nil {
		if edited, err := s.store.GetAnnotationContext(ctx, annotationID); err == nil {
			s.search.IndexAnnotation(search.AnnotationRecord{
				ID:         edited.Annotation.ID,
				ThreadID:   edited.Annotation.ThreadID,
				Content:    edited.Annotation.Content,
				AuthorID:   edited.Annotation.AuthorID,
				Filepath:   edited.Filepath,
				ClassID:    edited.ClassID,
				Visibility: edited.Annotation.Visibility,
			})
		}
	}
	return nil
}

// DeleteAnnotation removes an annotation. Deleting a thread head cascades
// to the thread and its location, taking every reply with it.
func (s *Service) DeleteAnnotation(ctx context.Context, annotationID string) error {
	target, err := s.store.GetAnnotationContext(ctx, annotationID)
	if err != nil {
		return err
	}
	rec, err := s.store.GetThreadRecord(ctx, target.Annotation.ThreadID)
	if err != nil {
		return err
	}

	if err := s.store.DeleteAnnotation(ctx, annotationID); err != nil {
		return err
	}
	if target.Annotation.ParentID == "" {
		if err := s.store.DeleteThread(ctx, rec.Thread.ID); err != nil {
			return err
		}
		if err := s.store.DeleteLocation(ctx, rec.Location.ID); err != nil {
			return err
		}
	}

	if s.media != nil {
		for _, a := range rec.Annotations {
			if a.Media == nil {
				continue
			}
			// A head delete takes every reply's attachment with it.
			if target.Annotation.ParentID != "" && a.ID != annotationID {
				continue
			}
			if err := s.media.Remove(ctx, a.Media.Filepath); err != nil {
				log.Printf("warning: failed to remove media %s for annotation %s: %v", a.Media.Filepath, a.ID, err)
			}
		}
	}

	if s.search != nil {
		s.search.DeleteAnnotation(annotationID)
	}

	var parent any
	if target.Annotation.ParentID != "" {
		parent = target.Annotation.ParentID
	}
	s.router.AnnounceDeleted(target.Filepath, target.ClassID, target.Annotation.AuthorID, target.SeenUserIDs, parent, target.Annotation.ReplyRequesterIDs)
	return nil
}

// MarkSeen records that the viewer read the annotation's thread. The
// remove-then-add keeps the operation idempotent.
func (s *Service) MarkSeen(ctx context.Context, viewerID, annotationID string) error {
	target, err := s.store.GetAnnotationContext(ctx, annotationID)
	if err != nil {
		return err
	}
	threadID := target.Annotation.ThreadID
	if err := s.store.RemoveThreadSeenUser(ctx, threadID, viewerID); err != nil {
		return err
	}
	if err := s.store.AddThreadSeenUser(ctx, threadID, viewerID); err != nil {
		return err
	}
	s.router.AnnounceThreadSeen(target.Filepath, target.ClassID, viewerID, threadID)
	return nil
}

// ToggleStar sets or clears the viewer's star and marks the thread both
// seen and replied for them.
func (s *Service) ToggleStar(ctx context.Context, viewerID, annotationID string, starred bool) error {
	target, err := s.store.GetAnnotationContext(ctx, annotationID)
	if err != nil {
		return err
	}
	if starred {
		if err := s.store.AddStarrer(ctx, annotationID, viewerID); err != nil {
			return err
		}
	} else {
		if err := s.store.RemoveStarrer(ctx, annotationID, viewerID); err != nil {
			return err
		}
	}
	return s.touchThread(ctx, target.Annotation.ThreadID, viewerID)
}

// ToggleReplyRequest sets or clears the viewer's reply request and
// broadcasts the toggle so counters update.
func (s *Service) ToggleReplyRequest(ctx context.Context, viewerID, annotationID string, requested bool) error {
	target, err := s.store.GetAnnotationContext(ctx, annotationID)
	if err != nil {
		return err
	}
	if requested {
		if err := s.store.AddReplyRequester(ctx, annotationID, viewerID); err != nil {
			return err
		}
	} else {
		if err := s.store.RemoveReplyRequester(ctx, annotationID, viewerID); err != nil {
			return err
		}
	}
	if err := s.touchThread(ctx, target.Annotation.ThreadID, viewerID); err != nil {
		return err
	}
	s.router.AnnounceReplyRequest(target.Filepath, target.ClassID, target.Annotation.AuthorID, requested, target.Annotation.ReplyRequesterIDs)
	return nil
}

// ToggleBookmark sets or clears the viewer's bookmark and marks the thread
// both seen and replied for them.
func (s *Service) ToggleBookmark(ctx context.Context, viewerID, annotationID string, bookmarked bool) error {
	target, err := s.store.GetAnnotationContext(ctx, annotationID)
	if err != nil {
		return err
	}
	if bookmarked {
		if err := s.store.AddBookmarker(ctx, annotationID, viewerID); err != nil {
			return err
		}
	} else {
		if err := s.store.RemoveBookmarker(ctx, annotationID, viewerID); err != nil {
			return err
		}
	}
	return s.touchThread(ctx, target.Annotation.ThreadID, viewerID)
}

func (s *Service) touchThread(ctx context.Context, threadID, viewerID string) error {
	if err := s.store.RemoveThreadSeenUser(ctx, threadID, viewerID); err != nil {
		return err
	}
	if err := s.store.AddThreadSeenUser(ctx, threadID, viewerID); err != nil {
		return err
	}
	if err := s.store.RemoveThreadRepliedUser(ctx, threadID, viewerID); err != nil {
		return err
	}
	return s.store.AddThreadRepliedUser(ctx, threadID, viewerID)
}

// ---- search and media ----

// SearchAnnotations runs a full-text query scoped to a class and the
// visibilities the viewer's role permits.
func (s *Service) SearchAnnotations(ctx context.Context, viewerID, classID, text string, limit, offset int) (search.Response, error) {
	instructor := false
	if classID != "" {
		info, err := s.store.GetClassInfo(ctx, classID)
		if err != nil {
			return search.Response{}, err
		}
		m := ResolveMembership(info, viewerID)
		if m.Role == RoleNone {
			return search.Response{Results: []search.Result{}, Query: text}, nil
		}
		instructor = m.IsInstructor()
	}
	return s.search.Search(search.Query{
		Text:       text,
		ClassID:    classID,
		ViewerID:   viewerID,
		Instructor: instructor,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// OpenMedia streams a stored attachment.
func (s *Service) OpenMedia(ctx context.Context, mediaPath string) (io.ReadCloser, error) {
	if s.media == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Media storage not configured", nil)
	}
	return s.media.Open(ctx, mediaPath)
}
