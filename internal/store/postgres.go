package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const documentPageColumns = `
	id, project_id, parent_id, title, content, sort_order, page_kind, is_control,
	scf_id, frameworks, framework_mappings, relevance_score, status, created_at, updated_at
`

func scanDocumentPage(row interface{ Scan(...any) error }) (DocumentPage, error) {
	var item DocumentPage
	var frameworksRaw, mappingsRaw []byte
	if err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.ParentID,
		&item.Title,
		&item.Content,
		&item.SortOrder,
		&item.PageKind,
		&item.IsControl,
		&item.SCFID,
		&frameworksRaw,
		&mappingsRaw,
		&item.RelevanceScore,
		&item.Status,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return DocumentPage{}, err
	}
	_ = json.Unmarshal(frameworksRaw, &item.Frameworks)
	_ = json.Unmarshal(mappingsRaw, &item.FrameworkMappings)
	return item, nil
}

func (s *PostgresStore) ListDocumentPages(ctx context.Context, projectID string) ([]DocumentPage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentPageColumns+`
		FROM document_pages
		WHERE project_id=$1
		ORDER BY sort_order ASC, created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list document pages: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentPage, 0)
	for rows.Next() {
		item, err := scanDocumentPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document page: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document pages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDocumentPage(ctx context.Context, pageID string) (DocumentPage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentPageColumns+`
		FROM document_pages
		WHERE id=$1
	`, pageID)
	return scanDocumentPage(row)
}

func (s *PostgresStore) InsertDocumentPage(ctx context.Context, item DocumentPage) error {
	frameworks, err := json.Marshal(orEmptyStrings(item.Frameworks))
	if err != nil {
		return fmt.Errorf("marshal frameworks: %w", err)
	}
	mappings, err := json.Marshal(orEmptyMappings(item.FrameworkMappings))
	if err != nil {
		return fmt.Errorf("marshal framework mappings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_pages
			(id, project_id, parent_id, title, content, sort_order, page_kind, is_control,
			 scf_id, frameworks, framework_mappings, relevance_score, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12, $13)
	`,
		item.ID, item.ProjectID, item.ParentID, item.Title, item.Content, item.SortOrder,
		item.PageKind, item.IsControl, item.SCFID, string(frameworks), string(mappings),
		item.RelevanceScore, item.Status,
	)
	if err != nil {
		return fmt.Errorf("insert document page: %w", err)
	}
	return nil
}

func (s *PostgresStore) RenameDocumentPage(ctx context.Context, pageID, title string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE document_pages SET title=$2, updated_at=NOW() WHERE id=$1
	`, pageID, title)
	if err != nil {
		return false, fmt.Errorf("rename document page: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rename document page rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateDocumentContent(ctx context.Context, pageID, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE document_pages SET content=$2, updated_at=NOW() WHERE id=$1
	`, pageID, content)
	if err != nil {
		return false, fmt.Errorf("update document content: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update document content rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateDocumentRelevance(ctx context.Context, pageID string, score *int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE document_pages SET relevance_score=$2, updated_at=NOW() WHERE id=$1
	`, pageID, score)
	if err != nil {
		return fmt.Errorf("update document relevance: %w", err)
	}
	return nil
}

// DeleteDocumentPages removes the given pages in one statement. Callers pass
// the full subtree id set; relations and tasks referencing these ids are
// intentionally left untouched (weak references).
func (s *PostgresStore) DeleteDocumentPages(ctx context.Context, pageIDs []string) error {
	if len(pageIDs) == 0 {
		return nil
	}
	encoded, err := json.Marshal(pageIDs)
	if err != nil {
		return fmt.Errorf("marshal page ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM document_pages
		WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb))
	`, string(encoded))
	if err != nil {
		return fmt.Errorf("delete document pages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM evidence
		WHERE document_id IN (SELECT jsonb_array_elements_text($1::jsonb))
	`, string(encoded))
	if err != nil {
		return fmt.Errorf("delete page evidence: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM evidence_requests
		WHERE document_id IN (SELECT jsonb_array_elements_text($1::jsonb))
	`, string(encoded))
	if err != nil {
		return fmt.Errorf("delete page evidence requests: %w", err)
	}
	return nil
}

func (s *PostgresStore) MaxSiblingOrder(ctx context.Context, projectID string, parentID *string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sort_order) FROM document_pages
		WHERE project_id=$1 AND parent_id IS NOT DISTINCT FROM $2
	`, projectID, parentID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max sibling order: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

func (s *PostgresStore) CountDocumentPages(ctx context.Context, projectID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_pages WHERE project_id=$1`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count document pages: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListEvidence(ctx context.Context, documentID string) ([]Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, name, value_type, COALESCE(value, 'null'::jsonb), collection_id, created_at
		FROM evidence
		WHERE document_id=$1
		ORDER BY created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	items := make([]Evidence, 0)
	for rows.Next() {
		var item Evidence
		var raw []byte
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Name, &item.ValueType, &raw, &item.CollectionID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		item.Value = json.RawMessage(raw)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertEvidence(ctx context.Context, item Evidence) error {
	value := item.Value
	if len(value) == 0 {
		value = json.RawMessage(`null`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence (id, document_id, name, value_type, value, collection_id)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, item.ID, item.DocumentID, item.Name, item.ValueType, string(value), item.CollectionID)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvidenceRequests(ctx context.Context, documentID string) ([]EvidenceRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, title, description, status, priority, due_date, created_at, updated_at
		FROM evidence_requests
		WHERE document_id=$1
		ORDER BY created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list evidence requests: %w", err)
	}
	defer rows.Close()

	items := make([]EvidenceRequest, 0)
	for rows.Next() {
		var item EvidenceRequest
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Title, &item.Description, &item.Status, &item.Priority, &item.DueDate, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan evidence request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence requests: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetEvidenceRequest(ctx context.Context, requestID string) (EvidenceRequest, error) {
	var item EvidenceRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, title, description, status, priority, due_date, created_at, updated_at
		FROM evidence_requests
		WHERE id=$1
	`, requestID).Scan(&item.ID, &item.DocumentID, &item.Title, &item.Description, &item.Status, &item.Priority, &item.DueDate, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return EvidenceRequest{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertEvidenceRequest(ctx context.Context, item EvidenceRequest) error {
	status := item.Status
	if status == "" {
		status = "pending"
	}
	priority := item.Priority
	if priority == "" {
		priority = "medium"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_requests (id, document_id, title, description, status, priority, due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.DocumentID, item.Title, item.Description, status, priority, item.DueDate)
	if err != nil {
		return fmt.Errorf("insert evidence request: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertPageRelation(ctx context.Context, relation PageRelation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO page_relations (id, document_id, related_document_id, relation_type)
		VALUES ($1, $2, $3, $4)
	`, relation.ID, relation.DocumentID, relation.RelatedDocumentID, relation.RelationType)
	if err != nil {
		return fmt.Errorf("insert page relation: %w", err)
	}
	return nil
}

// ListRelatedPages resolves a page's relations to target summaries. Targets
// that no longer exist are skipped rather than surfaced as errors.
func (s *PostgresStore) ListRelatedPages(ctx context.Context, documentID string) ([]RelatedPageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.status, d.page_kind, d.is_control, r.relation_type
		FROM page_relations r
		JOIN document_pages d ON d.id = r.related_document_id
		WHERE r.document_id=$1
		ORDER BY r.created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list related pages: %w", err)
	}
	defer rows.Close()

	items := make([]RelatedPageSummary, 0)
	for rows.Next() {
		var item RelatedPageSummary
		if err := rows.Scan(&item.ID, &item.Title, &item.Status, &item.PageKind, &item.IsControl, &item.RelationType); err != nil {
			return nil, fmt.Errorf("scan related page: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate related pages: %w", err)
	}
	return items, nil
}

// errNotFound wraps sql.ErrNoRows so callers can keep a single not-found
// check regardless of whether the miss came from a scan or an update.
func errNotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, sql.ErrNoRows)
}

func orEmptyStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func orEmptyMappings(values []FrameworkMapping) []FrameworkMapping {
	if values == nil {
		return []FrameworkMapping{}
	}
	return values
}
