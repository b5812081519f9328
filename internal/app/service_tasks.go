package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"comply/api/internal/search"
	"comply/api/internal/store"
	"comply/api/internal/tasks"
	"comply/api/internal/util"
)

type TaskCreateInput struct {
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Notes             string     `json:"notes"`
	Status            string     `json:"status"`
	Priority          string     `json:"priority"`
	DueDate           *time.Time `json:"dueDate"`
	ResolutionReason  string     `json:"resolutionReason"`
	DependsOnTaskID   *string    `json:"dependsOnTaskId"`
	DocumentID        *string    `json:"documentId"`
	EvidenceRequestID *string    `json:"evidenceRequestId"`
}

// TaskUpdateInput carries partial updates. A nil field is left alone; an
// empty dependsOnTaskId clears the dependency.
type TaskUpdateInput struct {
	Title            *string    `json:"title"`
	Description      *string    `json:"description"`
	Notes            *string    `json:"notes"`
	Status           *string    `json:"status"`
	Priority         *string    `json:"priority"`
	DueDate          *time.Time `json:"dueDate"`
	ResolutionReason *string    `json:"resolutionReason"`
	DependsOnTaskID  *string    `json:"dependsOnTaskId"`
}

type TaskListOptions struct {
	Query    *string
	Status   string
	Priority string
	Limit    int
	Offset   int
}

// ListTasks returns a project's tasks. A present query switches to
// typeahead mode: a small fixed window matched on title, no pagination
// envelope. Otherwise the listing is paginated.
func (s *Service) ListTasks(ctx context.Context, projectID string, opts TaskListOptions) (map[string]any, error) {
	filter := store.TaskFilter{
		Query:  opts.Query,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	if opts.Status != "" {
		status, err := tasks.NormalizeStatus(opts.Status)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		}
		filter.Status = status
	}
	if opts.Priority != "" {
		priority, err := tasks.NormalizePriority(opts.Priority)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		}
		filter.Priority = priority
	}

	items, total, err := s.store.ListProjectTasks(ctx, projectID, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	views := make([]map[string]any, 0, len(items))
	for _, task := range items {
		views = append(views, taskView(task))
	}

	if opts.Query != nil {
		return map[string]any{"tasks": views, "total": len(views)}, nil
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	pages := 0
	if total > 0 {
		pages = (total + limit - 1) / limit
	}
	return map[string]any{
		"tasks":  views,
		"total":  total,
		"limit":  limit,
		"offset": filter.Offset,
		"pages":  pages,
	}, nil
}

func taskView(task store.ProjectTask) map[string]any {
	return map[string]any{
		"id":                task.ID,
		"projectId":         task.ProjectID,
		"title":             task.Title,
		"description":       task.Description,
		"notes":             task.Notes,
		"status":            task.Status,
		"priority":          task.Priority,
		"dueDate":           task.DueDate,
		"resolutionReason":  task.ResolutionReason,
		"resolutionDate":    task.ResolutionDate,
		"dependsOnTaskId":   task.DependsOnTaskID,
		"documentId":        task.DocumentID,
		"evidenceRequestId": task.EvidenceRequestID,
		"createdAt":         task.CreatedAt,
		"updatedAt":         task.UpdatedAt,
	}
}

// CreateTask validates vocabulary, entity links, and the completion
// contract before persisting.
func (s *Service) CreateTask(ctx context.Context, projectID string, input TaskCreateInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	status, err := tasks.NormalizeStatus(input.Status)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	priority, err := tasks.NormalizePriority(input.Priority)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	if err := tasks.ValidateCompletion(status, input.ResolutionReason); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	if input.DependsOnTaskID != nil && *input.DependsOnTaskID != "" {
		if _, err := s.taskInProject(ctx, projectID, *input.DependsOnTaskID); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dependency task not found in project", nil)
		}
	} else {
		input.DependsOnTaskID = nil
	}
	if input.DocumentID != nil && *input.DocumentID != "" {
		if _, err := s.pageInProject(ctx, projectID, *input.DocumentID); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "linked page not found in project", nil)
		}
	} else {
		input.DocumentID = nil
	}
	if input.EvidenceRequestID != nil && *input.EvidenceRequestID != "" {
		if _, err := s.store.GetEvidenceRequest(ctx, *input.EvidenceRequestID); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "linked evidence request not found", nil)
		}
	} else {
		input.EvidenceRequestID = nil
	}

	task := store.ProjectTask{
		ID:                util.NewID("task"),
		ProjectID:         projectID,
		Title:             title,
		Description:       strings.TrimSpace(input.Description),
		Notes:             input.Notes,
		Status:            status,
		Priority:          priority,
		DueDate:           input.DueDate,
		ResolutionReason:  strings.TrimSpace(input.ResolutionReason),
		DependsOnTaskID:   input.DependsOnTaskID,
		DocumentID:        input.DocumentID,
		EvidenceRequestID: input.EvidenceRequestID,
	}
	if status == tasks.StatusCompleted {
		now := time.Now()
		task.ResolutionDate = &now
	}
	if err := s.store.InsertProjectTask(ctx, task); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if s.search != nil {
		s.search.IndexTask(search.TaskRecord{
			ID: task.ID, Title: task.Title, Description: task.Description,
			ProjectID: projectID, Status: task.Status, Priority: task.Priority,
		})
	}
	s.bumpRefresh(ctx, projectID)
	return taskView(task), nil
}

// GetTask returns one task with its dependency resolved. A task whose
// dependency has not completed is flagged blocked; the flag is advisory
// and never prevents a transition.
func (s *Service) GetTask(ctx context.Context, projectID, taskID string) (map[string]any, error) {
	task, err := s.taskInProject(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	view := taskView(task)
	view["blocked"] = false
	if task.DependsOnTaskID != nil {
		dependency, err := s.store.GetProjectTask(ctx, *task.DependsOnTaskID)
		if err == nil {
			view["dependsOnTask"] = map[string]any{
				"id":     dependency.ID,
				"title":  dependency.Title,
				"status": dependency.Status,
			}
			view["blocked"] = dependency.Status != tasks.StatusCompleted
		}
	}
	return view, nil
}

// UpdateTask applies a partial update. A status update that matches the
// current status is a silent no-op that leaves updatedAt untouched.
func (s *Service) UpdateTask(ctx context.Context, projectID, taskID string, input TaskUpdateInput) (map[string]any, error) {
	task, err := s.taskInProject(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}

	changed := false

	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
		}
		if title != task.Title {
			task.Title = title
			changed = true
		}
	}
	if input.Description != nil && *input.Description != task.Description {
		task.Description = *input.Description
		changed = true
	}
	if input.Notes != nil && *input.Notes != task.Notes {
		task.Notes = *input.Notes
		changed = true
	}
	if input.Priority != nil {
		priority, err := tasks.NormalizePriority(*input.Priority)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		}
		if priority != task.Priority {
			task.Priority = priority
			changed = true
		}
	}
	if input.DueDate != nil {
		if task.DueDate == nil || !task.DueDate.Equal(*input.DueDate) {
			task.DueDate = input.DueDate
			changed = true
		}
	}
	if input.ResolutionReason != nil {
		reason := strings.TrimSpace(*input.ResolutionReason)
		if reason != task.ResolutionReason {
			task.ResolutionReason = reason
			changed = true
		}
	}

	if input.DependsOnTaskID != nil {
		if *input.DependsOnTaskID == "" {
			if task.DependsOnTaskID != nil {
				task.DependsOnTaskID = nil
				changed = true
			}
		} else {
			dependsOn := *input.DependsOnTaskID
			if _, err := s.taskInProject(ctx, projectID, dependsOn); err != nil {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dependency task not found in project", nil)
			}
			depMap, err := s.store.TaskDependencyMap(ctx, projectID)
			if err != nil {
				return nil, fmt.Errorf("dependency map: %w", err)
			}
			if tasks.WouldCycle(taskID, dependsOn, depMap) {
				return nil, domainError(http.StatusUnprocessableEntity, "DEPENDENCY_CYCLE", "dependency would create a cycle", nil)
			}
			if task.DependsOnTaskID == nil || *task.DependsOnTaskID != dependsOn {
				task.DependsOnTaskID = &dependsOn
				changed = true
			}
		}
	}

	if input.Status != nil {
		status, err := tasks.NormalizeStatus(*input.Status)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		}
		if status != task.Status {
			if err := tasks.ValidateCompletion(status, task.ResolutionReason); err != nil {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			}
			task.Status = status
			if status == tasks.StatusCompleted {
				now := time.Now()
				task.ResolutionDate = &now
			}
			changed = true
		}
	}

	if !changed {
		return taskView(task), nil
	}

	if err := s.store.UpdateProjectTask(ctx, task); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if s.search != nil {
		s.search.IndexTask(search.TaskRecord{
			ID: task.ID, Title: task.Title, Description: task.Description,
			ProjectID: projectID, Status: task.Status, Priority: task.Priority,
		})
	}
	s.bumpRefresh(ctx, projectID)
	return taskView(task), nil
}

// DeleteTask removes a task, first detaching any tasks that depend on it.
func (s *Service) DeleteTask(ctx context.Context, projectID, taskID string) (map[string]any, error) {
	if _, err := s.taskInProject(ctx, projectID, taskID); err != nil {
		return nil, err
	}
	if err := s.store.ClearTaskDependents(ctx, taskID); err != nil {
		return nil, fmt.Errorf("clear dependents: %w", err)
	}
	if _, err := s.store.DeleteProjectTask(ctx, taskID); err != nil {
		return nil, fmt.Errorf("delete task: %w", err)
	}
	if s.search != nil {
		s.search.DeleteTask(taskID)
	}
	s.bumpRefresh(ctx, projectID)
	return map[string]any{"deleted": true, "id": taskID}, nil
}

func (s *Service) taskInProject(ctx context.Context, projectID, taskID string) (store.ProjectTask, error) {
	task, err := s.store.GetProjectTask(ctx, taskID)
	if err != nil {
		return store.ProjectTask{}, fmt.Errorf("get task: %w", err)
	}
	if task.ProjectID != projectID {
		return store.ProjectTask{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return task, nil
}
