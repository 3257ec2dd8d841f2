package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, first_name, last_name, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.FirstName, &user.LastName, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, first_name, last_name, password_hash, created_at
		FROM users WHERE username=$1
	`, username).Scan(&user.ID, &user.Username, &user.FirstName, &user.LastName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, first_name, last_name, password_hash)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Username, user.FirstName, user.LastName, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2 WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFollowedAuthors(ctx context.Context, userID string) ([]string, error) {
	return s.listIDs(ctx, `SELECT followed_id FROM followers WHERE user_id=$1`, userID)
}

// ---- classes and sections ----

func (s *PostgresStore) GetClass(ctx context.Context, classID string) (Class, error) {
	var class Class
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM classes WHERE id=$1
	`, classID).Scan(&class.ID, &class.Name, &class.CreatedAt)
	if err != nil {
		return Class{}, err
	}
	return class, nil
}

// GetClassInfo loads a class with the associations membership resolution and
// roster responses need. Section order follows creation order, which is what
// cohort selection iterates.
func (s *PostgresStore) GetClassInfo(ctx context.Context, classID string) (ClassInfo, error) {
	info := ClassInfo{ID: classID}
	err := s.db.QueryRowContext(ctx, `SELECT name FROM classes WHERE id=$1`, classID).Scan(&info.Name)
	if err != nil {
		return ClassInfo{}, err
	}

	instructors, err := s.listUsers(ctx, `
		SELECT u.id, u.username, u.first_name, u.last_name
		FROM class_instructors ci JOIN users u ON u.id = ci.user_id
		WHERE ci.class_id=$1
		ORDER BY u.username
	`, classID)
	if err != nil {
		return ClassInfo{}, fmt.Errorf("list instructors: %w", err)
	}
	info.Instructors = instructors

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, class_id, name, is_global
		FROM sections WHERE class_id=$1
		ORDER BY created_at, id
	`, classID)
	if err != nil {
		return ClassInfo{}, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var section Section
		if err := rows.Scan(&section.ID, &section.ClassID, &section.Name, &section.IsGlobal); err != nil {
			return ClassInfo{}, fmt.Errorf("scan section: %w", err)
		}
		info.Sections = append(info.Sections, section)
	}
	if err := rows.Err(); err != nil {
		return ClassInfo{}, fmt.Errorf("iterate sections: %w", err)
	}

	for i := range info.Sections {
		members, err := s.listIDs(ctx, `SELECT user_id FROM section_members WHERE section_id=$1 ORDER BY user_id`, info.Sections[i].ID)
		if err != nil {
			return ClassInfo{}, fmt.Errorf("list section members: %w", err)
		}
		info.Sections[i].MemberIDs = members
		if info.Sections[i].IsGlobal {
			users, err := s.listUsers(ctx, `
				SELECT u.id, u.username, u.first_name, u.last_name
				FROM section_members sm JOIN users u ON u.id = sm.user_id
				WHERE sm.section_id=$1
				ORDER BY u.username
			`, info.Sections[i].ID)
			if err != nil {
				return ClassInfo{}, fmt.Errorf("list global members: %w", err)
			}
			info.GlobalMembers = users
		}
	}
	return info, nil
}

func (s *PostgresStore) ListMemberSections(ctx context.Context, userID string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sec.id, sec.class_id, sec.name, sec.is_global
		FROM section_members sm JOIN sections sec ON sec.id = sm.section_id
		WHERE sm.user_id=$1
		ORDER BY sec.created_at, sec.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list member sections: %w", err)
	}
	defer rows.Close()

	sections := make([]Section, 0)
	for rows.Next() {
		var section Section
		if err := rows.Scan(&section.ID, &section.ClassID, &section.Name, &section.IsGlobal); err != nil {
			return nil, fmt.Errorf("scan member section: %w", err)
		}
		sections = append(sections, section)
	}
	return sections, rows.Err()
}

func (s *PostgresStore) ListInstructorClasses(ctx context.Context, userID string) ([]Class, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.created_at
		FROM class_instructors ci JOIN classes c ON c.id = ci.class_id
		WHERE ci.user_id=$1
		ORDER BY c.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list instructor classes: %w", err)
	}
	defer rows.Close()

	classes := make([]Class, 0)
	for rows.Next() {
		var class Class
		if err := rows.Scan(&class.ID, &class.Name, &class.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan class: %w", err)
		}
		classes = append(classes, class)
	}
	return classes, rows.Err()
}

func (s *PostgresStore) ListTagTypes(ctx context.Context, classID string) ([]TagType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, class_id, name FROM tag_types WHERE class_id=$1 ORDER BY name
	`, classID)
	if err != nil {
		return nil, fmt.Errorf("list tag types: %w", err)
	}
	defer rows.Close()

	items := make([]TagType, 0)
	for rows.Next() {
		var item TagType
		if err := rows.Scan(&item.ID, &item.ClassID, &item.Name); err != nil {
			return nil, fmt.Errorf("scan tag type: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ---- sources and locations ----

func (s *PostgresStore) GetSource(ctx context.Context, filepath, classID string) (Source, error) {
	var source Source
	err := s.db.QueryRowContext(ctx, `
		SELECT id, class_id, filepath FROM sources WHERE filepath=$1 AND class_id=$2
	`, filepath, classID).Scan(&source.ID, &source.ClassID, &source.Filepath)
	if err != nil {
		return Source{}, err
	}
	return source, nil
}

func (s *PostgresStore) ListSourcesByFilepath(ctx context.Context, filepath string) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, class_id, filepath FROM sources WHERE filepath=$1
	`, filepath)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	sources := make([]Source, 0)
	for rows.Next() {
		var source Source
		if err := rows.Scan(&source.ID, &source.ClassID, &source.Filepath); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, source)
	}
	return sources, rows.Err()
}

func (s *PostgresStore) CreateLocation(ctx context.Context, location Location) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, source_id, start_node, end_node, start_offset, end_offset)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, location.ID, location.SourceID, location.StartNode, location.EndNode, location.StartOffset, location.EndOffset)
	if err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteLocation(ctx context.Context, locationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locations WHERE id=$1`, locationID)
	if err != nil {
		return fmt.Errorf("delete location: %w", err)
	}
	return nil
}

// ---- threads ----

func (s *PostgresStore) CreateThread(ctx context.Context, thread Thread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, location_id) VALUES ($1, $2)
	`, thread.ID, thread.LocationID)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id=$1`, threadID)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListThreadsBySource(ctx context.Context, sourceID string) ([]ThreadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.location_id, t.created_at,
		       l.id, l.source_id, l.start_node, l.end_node, l.start_offset, l.end_offset
		FROM threads t JOIN locations l ON l.id = t.location_id
		WHERE l.source_id=$1
		ORDER BY t.created_at, t.id
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	records := make([]ThreadRecord, 0)
	for rows.Next() {
		var rec ThreadRecord
		if err := rows.Scan(
			&rec.Thread.ID, &rec.Thread.LocationID, &rec.Thread.CreatedAt,
			&rec.Location.ID, &rec.Location.SourceID, &rec.Location.StartNode,
			&rec.Location.EndNode, &rec.Location.StartOffset, &rec.Location.EndOffset,
		); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}

	for i := range records {
		if err := s.fillThreadRecord(ctx, &records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *PostgresStore) GetThreadRecord(ctx context.Context, threadID string) (ThreadRecord, error) {
	var rec ThreadRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.location_id, t.created_at,
		       l.id, l.source_id, l.start_node, l.end_node, l.start_offset, l.end_offset
		FROM threads t JOIN locations l ON l.id = t.location_id
		WHERE t.id=$1
	`, threadID).Scan(
		&rec.Thread.ID, &rec.Thread.LocationID, &rec.Thread.CreatedAt,
		&rec.Location.ID, &rec.Location.SourceID, &rec.Location.StartNode,
		&rec.Location.EndNode, &rec.Location.StartOffset, &rec.Location.EndOffset,
	)
	if err != nil {
		return ThreadRecord{}, err
	}
	if err := s.fillThreadRecord(ctx, &rec); err != nil {
		return ThreadRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) fillThreadRecord(ctx context.Context, rec *ThreadRecord) error {
	annotations, err := s.listThreadAnnotations(ctx, rec.Thread.ID)
	if err != nil {
		return err
	}
	rec.Annotations = annotations
	for i := range rec.Annotations {
		if rec.Annotations[i].ParentID == "" {
			rec.Head = &rec.Annotations[i]
			break
		}
	}

	seen, err := s.listIDs(ctx, `SELECT user_id FROM thread_seen_users WHERE thread_id=$1`, rec.Thread.ID)
	if err != nil {
		return fmt.Errorf("list seen users: %w", err)
	}
	rec.SeenUserIDs = seen

	replied, err := s.listIDs(ctx, `SELECT user_id FROM thread_replied_users WHERE thread_id=$1`, rec.Thread.ID)
	if err != nil {
		return fmt.Errorf("list replied users: %w", err)
	}
	rec.RepliedUserIDs = replied
	return nil
}

// ---- annotations ----

const annotationColumns = `
	a.id, a.thread_id, COALESCE(a.parent_id, ''), a.author_id,
	u.username, u.first_name, u.last_name,
	a.content, a.visibility, a.anonymity, a.endorsed, a.created_at
`

func scanAnnotation(row interface{ Scan(...any) error }) (Annotation, error) {
	var a Annotation
	err := row.Scan(
		&a.ID, &a.ThreadID, &a.ParentID, &a.AuthorID,
		&a.AuthorUsername, &a.AuthorFirst, &a.AuthorLast,
		&a.Content, &a.Visibility, &a.Anonymity, &a.Endorsed, &a.CreatedAt,
	)
	return a, err
}

func (s *PostgresStore) listThreadAnnotations(ctx context.Context, threadID string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations a JOIN users u ON u.id = a.author_id
		WHERE a.thread_id=$1
		ORDER BY a.created_at, a.id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	annotations := make([]Annotation, 0)
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		annotations = append(annotations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}

	for i := range annotations {
		if err := s.fillAnnotationSets(ctx, &annotations[i]); err != nil {
			return nil, err
		}
	}
	return annotations, nil
}

func (s *PostgresStore) fillAnnotationSets(ctx context.Context, a *Annotation) error {
	var err error
	if a.TagTypeIDs, err = s.listIDs(ctx, `SELECT tag_type_id FROM tags WHERE annotation_id=$1`, a.ID); err != nil {
		return fmt.Errorf("list tags: %w", err)
	}
	if a.TaggedUserIDs, err = s.listIDs(ctx, `SELECT user_id FROM annotation_tagged_users WHERE annotation_id=$1`, a.ID); err != nil {
		return fmt.Errorf("list tagged users: %w", err)
	}
	if a.ReplyRequesterIDs, err = s.listIDs(ctx, `SELECT user_id FROM annotation_reply_requesters WHERE annotation_id=$1`, a.ID); err != nil {
		return fmt.Errorf("list reply requesters: %w", err)
	}
	if a.StarrerIDs, err = s.listIDs(ctx, `SELECT user_id FROM annotation_starrers WHERE annotation_id=$1`, a.ID); err != nil {
		return fmt.Errorf("list starrers: %w", err)
	}
	if a.BookmarkerIDs, err = s.listIDs(ctx, `SELECT user_id FROM annotation_bookmarkers WHERE annotation_id=$1`, a.ID); err != nil {
		return fmt.Errorf("list bookmarkers: %w", err)
	}

	var media Media
	err = s.db.QueryRowContext(ctx, `
		SELECT type, filepath FROM annotation_media WHERE annotation_id=$1
	`, a.ID).Scan(&media.Type, &media.Filepath)
	if err == nil {
		a.Media = &media
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load media: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, annotationID string) (Annotation, error) {
	a, err := scanAnnotation(s.db.QueryRowContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations a JOIN users u ON u.id = a.author_id
		WHERE a.id=$1
	`, annotationID))
	if err != nil {
		return Annotation{}, err
	}
	if err := s.fillAnnotationSets(ctx, &a); err != nil {
		return Annotation{}, err
	}
	return a, nil
}

// GetAnnotationContext resolves the annotation plus the chain back through
// thread, location and source to the owning class.
func (s *PostgresStore) GetAnnotationContext(ctx context.Context, annotationID string) (AnnotationContext, error) {
	annotation, err := s.GetAnnotation(ctx, annotationID)
	if err != nil {
		return AnnotationContext{}, err
	}

	var out AnnotationContext
	out.Annotation = annotation
	err = s.db.QueryRowContext(ctx, `
		SELECT src.filepath, src.class_id, COALESCE(head.id, '')
		FROM threads t
		JOIN locations l ON l.id = t.location_id
		JOIN sources src ON src.id = l.source_id
		LEFT JOIN annotations head ON head.thread_id = t.id AND head.parent_id IS NULL
		WHERE t.id=$1
	`, annotation.ThreadID).Scan(&out.Filepath, &out.ClassID, &out.HeadID)
	if err != nil {
		return AnnotationContext{}, fmt.Errorf("resolve annotation context: %w", err)
	}

	seen, err := s.listIDs(ctx, `SELECT user_id FROM thread_seen_users WHERE thread_id=$1`, annotation.ThreadID)
	if err != nil {
		return AnnotationContext{}, fmt.Errorf("list seen users: %w", err)
	}
	out.SeenUserIDs = seen
	return out, nil
}

func (s *PostgresStore) ListReplies(ctx context.Context, parentID string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations a JOIN users u ON u.id = a.author_id
		WHERE a.parent_id=$1
		ORDER BY a.created_at, a.id
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	replies := make([]Annotation, 0)
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		replies = append(replies, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	for i := range replies {
		if err := s.fillAnnotationSets(ctx, &replies[i]); err != nil {
			return nil, err
		}
	}
	return replies, nil
}

func (s *PostgresStore) CreateAnnotation(ctx context.Context, a Annotation) error {
	parent := sql.NullString{String: a.ParentID, Valid: a.ParentID != ""}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, thread_id, parent_id, author_id, content, visibility, anonymity, endorsed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.ThreadID, parent, a.AuthorID, a.Content, a.Visibility, a.Anonymity, a.Endorsed)
	if err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAnnotation(ctx context.Context, annotationID, content, visibility, anonymity string, endorsed bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE annotations SET content=$2, visibility=$3, anonymity=$4, endorsed=$5 WHERE id=$1
	`, annotationID, content, visibility, anonymity, endorsed)
	if err != nil {
		return fmt.Errorf("update annotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAnnotation(ctx context.Context, annotationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE id=$1`, annotationID)
	if err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) AttachMedia(ctx context.Context, annotationID, mediaType, filepath string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotation_media (annotation_id, type, filepath)
		VALUES ($1, $2, $3)
		ON CONFLICT (annotation_id) DO UPDATE SET type=EXCLUDED.type, filepath=EXCLUDED.filepath
	`, annotationID, mediaType, filepath)
	if err != nil {
		return fmt.Errorf("attach media: %w", err)
	}
	return nil
}

// ---- association set mutators (all idempotent) ----

func (s *PostgresStore) SetTags(ctx context.Context, annotationID string, tagTypeIDs []string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE annotation_id=$1`, annotationID); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	for _, tagTypeID := range tagTypeIDs {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO tags (annotation_id, tag_type_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, annotationID, tagTypeID); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SetTaggedUsers(ctx context.Context, annotationID string, userIDs []string) error {
	return s.replaceSet(ctx, "annotation_tagged_users", "annotation_id", annotationID, userIDs)
}

func (s *PostgresStore) AddReplyRequester(ctx context.Context, annotationID, userID string) error {
	return s.addMember(ctx, "annotation_reply_requesters", "annotation_id", annotationID, userID)
}

func (s *PostgresStore) RemoveReplyRequester(ctx context.Context, annotationID, userID string) error {
	return s.removeMember(ctx, "annotation_reply_requesters", "annotation_id", annotationID, userID)
}

func (s *PostgresStore) AddStarrer(ctx context.Context, annotationID, userID string) error {
	return s.addMember(ctx, "annotation_starrers", "annotation_id", annotationID, userID)
}

func (s *PostgresStore) RemoveStarrer(ctx context.Context, annotationID, userID string) error {
	return s.removeMember(ctx, "annotation_starrers", "annotation_id", annotationID, userID)
}

func (s *PostgresStore) AddBookmarker(ctx context.Context, annotationID, userID string) error {
	return s.addMember(ctx, "annotation_bookmarkers", "annotation_id", annotationID, userID)
}

func (s *PostgresStore) RemoveBookmarker(ctx context.Context, annotationID, userID string) error {
	return s.removeMember(ctx, "annotation_bookmarkers", "annotation_id", annotationID, userID)
}

func (s *PostgresStore) SetThreadSeenUsers(ctx context.Context, threadID string, userIDs []string) error {
	return s.replaceSet(ctx, "thread_seen_users", "thread_id", threadID, userIDs)
}

func (s *PostgresStore) SetThreadRepliedUsers(ctx context.Context, threadID string, userIDs []string) error {
	return s.replaceSet(ctx, "thread_replied_users", "thread_id", threadID, userIDs)
}

func (s *PostgresStore) AddThreadSeenUser(ctx context.Context, threadID, userID string) error {
	return s.addMember(ctx, "thread_seen_users", "thread_id", threadID, userID)
}

func (s *PostgresStore) RemoveThreadSeenUser(ctx context.Context, threadID, userID string) error {
	return s.removeMember(ctx, "thread_seen_users", "thread_id", threadID, userID)
}

func (s *PostgresStore) AddThreadRepliedUser(ctx context.Context, threadID, userID string) error {
	return s.addMember(ctx, "thread_replied_users", "thread_id", threadID, userID)
}

func (s *PostgresStore) RemoveThreadRepliedUser(ctx context.Context, threadID, userID string) error {
	return s.removeMember(ctx, "thread_replied_users", "thread_id", threadID, userID)
}

// ---- auth sessions ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.first_name, u.last_name
		FROM refresh_sessions rs JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash=$1 AND rs.revoked_at IS NULL AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Username, &user.FirstName, &user.LastName)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- helpers ----

func (s *PostgresStore) listIDs(ctx context.Context, query, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) listUsers(ctx context.Context, query, key string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.FirstName, &user.LastName); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) addMember(ctx context.Context, table, keyColumn, keyID, userID string) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, table, keyColumn)
	if _, err := s.db.ExecContext(ctx, query, keyID, userID); err != nil {
		return fmt.Errorf("add member %s: %w", table, err)
	}
	return nil
}

func (s *PostgresStore) removeMember(ctx context.Context, table, keyColumn, keyID, userID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s=$1 AND user_id=$2`, table, keyColumn)
	if _, err := s.db.ExecContext(ctx, query, keyID, userID); err != nil {
		return fmt.Errorf("remove member %s: %w", table, err)
	}
	return nil
}

func (s *PostgresStore) replaceSet(ctx context.Context, table, keyColumn, keyID string, userIDs []string) error {
	clear := fmt.Sprintf(`DELETE FROM %s WHERE %s=$1`, table, keyColumn)
	if _, err := s.db.ExecContext(ctx, clear, keyID); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	for _, userID := range userIDs {
		if err := s.addMember(ctx, table, keyColumn, keyID, userID); err != nil {
			return err
		}
	}
	return nil
}
