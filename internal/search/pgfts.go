package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over annotation content with ts_headline
// snippets, restricted to what the viewer's role may see.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := "a.fts @@ " + tsQuery
	if q.ClassID != "" {
		where += fmt.Sprintf(" AND src.class_id = $%d", argN)
		args = append(args, q.ClassID)
		argN++
	}

	visibility := []string{"a.visibility = 'EVERYONE'"}
	if q.Instructor {
		visibility = append(visibility, "a.visibility = 'INSTRUCTORS'")
	}
	if q.ViewerID != "" {
		visibility = append(visibility, fmt.Sprintf("a.author_id = $%d", argN))
		args = append(args, q.ViewerID)
		argN++
	}
	where += " AND (" + strings.Join(visibility, " OR ") + ")"

	baseSQL := fmt.Sprintf(`
		SELECT a.id, a.thread_id,
			ts_headline('english', a.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			a.author_id, src.filepath, src.class_id, a.visibility,
			ts_rank(a.fts, %s) AS rank
		FROM annotations a
		JOIN threads t ON t.id = a.thread_id
		JOIN locations l ON l.id = t.location_id
		JOIN sources src ON src.id = l.source_id
		WHERE %s`, tsQuery, tsQuery, where)

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", baseSQL)
	dataSQL := fmt.Sprintf(`SELECT id, thread_id, snippet, author_id, filepath, class_id, visibility
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, baseSQL, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.Snippet, &r.AuthorID, &r.Filepath, &r.ClassID, &r.Visibility); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all annotations for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]AnnotationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.thread_id, a.content, a.author_id, src.filepath, src.class_id, a.visibility
		FROM annotations a
		JOIN threads t ON t.id = a.thread_id
		JOIN locations l ON l.id = t.location_id
		JOIN sources src ON src.id = l.source_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load annotations: %w", err)
	}
	defer rows.Close()

	records := make([]AnnotationRecord, 0)
	for rows.Next() {
		var record AnnotationRecord
		if err := rows.Scan(&record.ID, &record.ThreadID, &record.Content, &record.AuthorID, &record.Filepath, &record.ClassID, &record.Visibility); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return records, nil
}
