package store

import (
	"context"
	"fmt"
	"strings"
)

// TaskFilter narrows a task listing. Query being non-nil switches the
// listing into typeahead mode: at most five rows, no count, no offset.
type TaskFilter struct {
	Status   string
	Priority string
	Query    *string
	Limit    int
	Offset   int
}

const typeaheadLimit = 5

const projectTaskColumns = `
	id, project_id, title, description, notes, status, priority, due_date,
	resolution_reason, resolution_date, depends_on_task_id, document_id,
	evidence_request_id, created_at, updated_at
`

func scanProjectTask(row interface{ Scan(...any) error }) (ProjectTask, error) {
	var item ProjectTask
	if err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.Title,
		&item.Description,
		&item.Notes,
		&item.Status,
		&item.Priority,
		&item.DueDate,
		&item.ResolutionReason,
		&item.ResolutionDate,
		&item.DependsOnTaskID,
		&item.DocumentID,
		&item.EvidenceRequestID,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return ProjectTask{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListProjectTasks(ctx context.Context, projectID string, filter TaskFilter) ([]ProjectTask, int, error) {
	where := []string{"project_id=$1"}
	args := []any{projectID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if filter.Priority != "" {
		args = append(args, filter.Priority)
		where = append(where, fmt.Sprintf("priority=$%d", len(args)))
	}

	if filter.Query != nil {
		// Typeahead: a present query, even an empty one, returns a small
		// fixed window with no pagination metadata.
		if q := strings.TrimSpace(*filter.Query); q != "" {
			args = append(args, "%"+strings.ToLower(q)+"%")
			where = append(where, fmt.Sprintf("LOWER(title) LIKE $%d", len(args)))
		}
		query := `
			SELECT ` + projectTaskColumns + `
			FROM project_tasks
			WHERE ` + strings.Join(where, " AND ") + `
			ORDER BY created_at DESC
			LIMIT ` + fmt.Sprint(typeaheadLimit)
		items, err := s.queryTasks(ctx, query, args)
		if err != nil {
			return nil, 0, err
		}
		return items, len(items), nil
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM project_tasks WHERE ` + strings.Join(where, " AND ")
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count project tasks: %w", err)
	}

	args = append(args, limit, offset)
	query := `
		SELECT ` + projectTaskColumns + `
		FROM project_tasks
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC
		LIMIT $` + fmt.Sprint(len(args)-1) + ` OFFSET $` + fmt.Sprint(len(args))
	items, err := s.queryTasks(ctx, query, args)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *PostgresStore) queryTasks(ctx context.Context, query string, args []any) ([]ProjectTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list project tasks: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectTask, 0)
	for rows.Next() {
		item, err := scanProjectTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project tasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetProjectTask(ctx context.Context, taskID string) (ProjectTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+projectTaskColumns+`
		FROM project_tasks
		WHERE id=$1
	`, taskID)
	return scanProjectTask(row)
}

func (s *PostgresStore) InsertProjectTask(ctx context.Context, item ProjectTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_tasks
			(id, project_id, title, description, notes, status, priority, due_date,
			 resolution_reason, resolution_date, depends_on_task_id, document_id,
			 evidence_request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		item.ID, item.ProjectID, item.Title, item.Description, item.Notes,
		item.Status, item.Priority, item.DueDate,
		item.ResolutionReason, item.ResolutionDate,
		item.DependsOnTaskID, item.DocumentID, item.EvidenceRequestID,
	)
	if err != nil {
		return fmt.Errorf("insert project task: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProjectTask(ctx context.Context, item ProjectTask) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE project_tasks
		SET title=$2, description=$3, notes=$4, status=$5, priority=$6, due_date=$7,
		    resolution_reason=$8, resolution_date=$9, depends_on_task_id=$10,
		    document_id=$11, evidence_request_id=$12, updated_at=NOW()
		WHERE id=$1
	`,
		item.ID, item.Title, item.Description, item.Notes, item.Status, item.Priority,
		item.DueDate, item.ResolutionReason, item.ResolutionDate,
		item.DependsOnTaskID, item.DocumentID, item.EvidenceRequestID,
	)
	if err != nil {
		return fmt.Errorf("update project task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update project task rows: %w", err)
	}
	if affected == 0 {
		return errNotFound("project task", item.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteProjectTask(ctx context.Context, taskID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM project_tasks WHERE id=$1`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete project task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete project task rows: %w", err)
	}
	return affected > 0, nil
}

// ClearTaskDependents nulls out depends_on_task_id on every task pointing
// at the given task, so deleting a task never strands dependents behind a
// dangling reference.
func (s *PostgresStore) ClearTaskDependents(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE project_tasks SET depends_on_task_id=NULL, updated_at=NOW()
		WHERE depends_on_task_id=$1
	`, taskID)
	if err != nil {
		return fmt.Errorf("clear task dependents: %w", err)
	}
	return nil
}

// TaskDependencyMap returns taskID -> dependsOnTaskID for one project,
// covering only tasks that declare a dependency. Cycle checks walk this.
func (s *PostgresStore) TaskDependencyMap(ctx context.Context, projectID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, depends_on_task_id
		FROM project_tasks
		WHERE project_id=$1 AND depends_on_task_id IS NOT NULL
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("task dependency map: %w", err)
	}
	defer rows.Close()

	deps := make(map[string]string)
	for rows.Next() {
		var id, dependsOn string
		if err := rows.Scan(&id, &dependsOn); err != nil {
			return nil, fmt.Errorf("scan task dependency: %w", err)
		}
		deps[id] = dependsOn
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task dependencies: %w", err)
	}
	return deps, nil
}
