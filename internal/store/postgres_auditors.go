package store

import (
	"context"
	"encoding/json"
	"fmt"
)

const auditorColumns = `
	id, project_id, document_id, name, description, schedule, instructions,
	is_active, run_count, last_run_at, last_status, created_at, updated_at
`

func scanAuditor(row interface{ Scan(...any) error }) (Auditor, error) {
	var item Auditor
	var instructions []byte
	if err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.DocumentID,
		&item.Name,
		&item.Description,
		&item.Schedule,
		&instructions,
		&item.IsActive,
		&item.RunCount,
		&item.LastRunAt,
		&item.LastStatus,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Auditor{}, err
	}
	item.Instructions = json.RawMessage(instructions)
	return item, nil
}

func (s *PostgresStore) ListAuditors(ctx context.Context, projectID string) ([]Auditor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditorColumns+`
		FROM auditors
		WHERE project_id=$1
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list auditors: %w", err)
	}
	defer rows.Close()

	items := make([]Auditor, 0)
	for rows.Next() {
		item, err := scanAuditor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auditor: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate auditors: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAuditor(ctx context.Context, auditorID string) (Auditor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+auditorColumns+`
		FROM auditors
		WHERE id=$1
	`, auditorID)
	return scanAuditor(row)
}

func (s *PostgresStore) InsertAuditor(ctx context.Context, item Auditor) error {
	instructions := item.Instructions
	if len(instructions) == 0 {
		instructions = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auditors (id, project_id, document_id, name, description, schedule, instructions, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`, item.ID, item.ProjectID, item.DocumentID, item.Name, item.Description, item.Schedule, string(instructions), item.IsActive)
	if err != nil {
		return fmt.Errorf("insert auditor: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAuditor(ctx context.Context, item Auditor) error {
	instructions := item.Instructions
	if len(instructions) == 0 {
		instructions = json.RawMessage(`{}`)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE auditors
		SET name=$2, description=$3, schedule=$4, instructions=$5::jsonb, is_active=$6, updated_at=NOW()
		WHERE id=$1
	`, item.ID, item.Name, item.Description, item.Schedule, string(instructions), item.IsActive)
	if err != nil {
		return fmt.Errorf("update auditor: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update auditor rows: %w", err)
	}
	if affected == 0 {
		return errNotFound("auditor", item.ID)
	}
	return nil
}

// DeleteAuditor removes the auditor; its reports follow via the cascade.
func (s *PostgresStore) DeleteAuditor(ctx context.Context, auditorID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM auditors WHERE id=$1`, auditorID)
	if err != nil {
		return false, fmt.Errorf("delete auditor: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete auditor rows: %w", err)
	}
	return affected > 0, nil
}

// MarkAuditorRun stamps the run bookkeeping the moment a run starts, so
// a crashed runner still leaves a trace on the auditor.
func (s *PostgresStore) MarkAuditorRun(ctx context.Context, auditorID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE auditors
		SET run_count=run_count+1, last_run_at=NOW(), updated_at=NOW()
		WHERE id=$1
	`, auditorID)
	if err != nil {
		return fmt.Errorf("mark auditor run: %w", err)
	}
	return nil
}

// SetAuditorLastStatus records the settled outcome of the latest run.
func (s *PostgresStore) SetAuditorLastStatus(ctx context.Context, auditorID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE auditors
		SET last_status=$2, updated_at=NOW()
		WHERE id=$1
	`, auditorID, status)
	if err != nil {
		return fmt.Errorf("set auditor last status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditReports(ctx context.Context, auditorID string, limit, offset int) ([]AuditReport, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_reports WHERE auditor_id=$1
	`, auditorID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit reports: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, auditor_id, status, score, executed_at, duration_seconds, findings
		FROM audit_reports
		WHERE auditor_id=$1
		ORDER BY executed_at DESC
		LIMIT $2 OFFSET $3
	`, auditorID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit reports: %w", err)
	}
	defer rows.Close()

	items := make([]AuditReport, 0)
	for rows.Next() {
		var item AuditReport
		var findings []byte
		if err := rows.Scan(&item.ID, &item.AuditorID, &item.Status, &item.Score, &item.ExecutedAt, &item.DurationSeconds, &findings); err != nil {
			return nil, 0, fmt.Errorf("scan audit report: %w", err)
		}
		item.Findings = json.RawMessage(findings)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit reports: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) GetAuditReport(ctx context.Context, reportID string) (AuditReport, error) {
	var item AuditReport
	var findings []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, auditor_id, status, score, executed_at, duration_seconds, findings
		FROM audit_reports
		WHERE id=$1
	`, reportID).Scan(&item.ID, &item.AuditorID, &item.Status, &item.Score, &item.ExecutedAt, &item.DurationSeconds, &findings)
	if err != nil {
		return AuditReport{}, err
	}
	item.Findings = json.RawMessage(findings)
	return item, nil
}

func (s *PostgresStore) InsertAuditReport(ctx context.Context, item AuditReport) error {
	findings := item.Findings
	if len(findings) == 0 {
		findings = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_reports (id, auditor_id, status, score, executed_at, duration_seconds, findings)
		VALUES ($1, $2, $3, $4, NOW(), $5, $6::jsonb)
	`, item.ID, item.AuditorID, item.Status, item.Score, item.DurationSeconds, string(findings))
	if err != nil {
		return fmt.Errorf("insert audit report: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteAuditReport(ctx context.Context, item AuditReport) error {
	findings := item.Findings
	if len(findings) == 0 {
		findings = json.RawMessage(`{}`)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE audit_reports
		SET status=$2, score=$3, duration_seconds=$4, findings=$5::jsonb
		WHERE id=$1
	`, item.ID, item.Status, item.Score, item.DurationSeconds, string(findings))
	if err != nil {
		return fmt.Errorf("complete audit report: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete audit report rows: %w", err)
	}
	if affected == 0 {
		return errNotFound("audit report", item.ID)
	}
	return nil
}

// LatestAuditReport returns the most recent report per auditor id, used to
// decorate auditor lists without an N+1 query.
func (s *PostgresStore) LatestAuditReports(ctx context.Context, projectID string) (map[string]AuditReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (r.auditor_id)
			r.id, r.auditor_id, r.status, r.score, r.executed_at, r.duration_seconds, r.findings
		FROM audit_reports r
		JOIN auditors a ON a.id = r.auditor_id
		WHERE a.project_id=$1
		ORDER BY r.auditor_id, r.executed_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("latest audit reports: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]AuditReport)
	for rows.Next() {
		var item AuditReport
		var findings []byte
		if err := rows.Scan(&item.ID, &item.AuditorID, &item.Status, &item.Score, &item.ExecutedAt, &item.DurationSeconds, &findings); err != nil {
			return nil, fmt.Errorf("scan latest audit report: %w", err)
		}
		item.Findings = json.RawMessage(findings)
		latest[item.AuditorID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest audit reports: %w", err)
	}
	return latest, nil
}
