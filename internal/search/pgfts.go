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

// Healthy always returns true, if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across document pages and tasks using
// plainto_tsquery and ts_rank, with ts_headline for snippets. An empty
// query text returns the default set instead.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return p.DefaultSet(q)
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

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultDocument {
		pageWhere := "d.fts @@ " + tsQuery
		if q.FilterProjectID != "" {
			pageWhere += fmt.Sprintf(" AND d.project_id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.title,
				ts_headline('english', coalesce(d.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.project_id, d.status,
				ts_rank(d.fts, %s) AS rank
			FROM document_pages d
			WHERE %s`, tsQuery, tsQuery, pageWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultTask {
		taskWhere := "t.fts @@ " + tsQuery
		if q.FilterProjectID != "" {
			taskWhere += fmt.Sprintf(" AND t.project_id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'task'::text AS type, t.id, t.title,
				ts_headline('english', coalesce(t.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				t.project_id, t.status,
				ts_rank(t.fts, %s) AS rank
			FROM project_tasks t
			WHERE %s`, tsQuery, tsQuery, taskWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, project_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

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
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// DefaultSet serves the blank-query case: the most recently updated
// document pages, bounded by the limit, with no offset paging.
func (p *PgFTS) DefaultSet(q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	where := "TRUE"
	args := []any{}
	if q.FilterProjectID != "" {
		args = append(args, q.FilterProjectID)
		where = "project_id = $1"
	}

	rows, err := p.db.QueryContext(context.Background(), fmt.Sprintf(`
		SELECT id, title, status, project_id
		FROM document_pages
		WHERE %s
		ORDER BY updated_at DESC
		LIMIT %d`, where, limit), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts default set: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Status, &r.ProjectID); err != nil {
			return nil, 0, fmt.Errorf("pgfts default scan: %w", err)
		}
		r.Type = ResultDocument
		results = append(results, r)
	}
	return results, len(results), rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PageRecord, []TaskRecord, error) {
	pageRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, content, project_id, status
		FROM document_pages
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load document pages: %w", err)
	}
	defer pageRows.Close()

	pages := make([]PageRecord, 0)
	for pageRows.Next() {
		var page PageRecord
		if err := pageRows.Scan(&page.ID, &page.Title, &page.Content, &page.ProjectID, &page.Status); err != nil {
			return nil, nil, fmt.Errorf("scan document page: %w", err)
		}
		pages = append(pages, page)
	}
	if err := pageRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate document pages: %w", err)
	}

	taskRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, description, project_id, status, priority
		FROM project_tasks
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	defer taskRows.Close()

	tasks := make([]TaskRecord, 0)
	for taskRows.Next() {
		var task TaskRecord
		if err := taskRows.Scan(&task.ID, &task.Title, &task.Description, &task.ProjectID, &task.Status, &task.Priority); err != nil {
			return nil, nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := taskRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate tasks: %w", err)
	}

	return pages, tasks, nil
}
