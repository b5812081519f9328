package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"comply/api/internal/grading"
	"comply/api/internal/store"
	"comply/api/internal/util"
)

type AuditorInput struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Schedule     string          `json:"schedule"`
	DocumentID   *string         `json:"documentId"`
	Instructions json.RawMessage `json:"instructions"`
	IsActive     *bool           `json:"isActive"`
}

type CompleteRunInput struct {
	ReportID        string                      `json:"reportId"`
	Results         []grading.RequirementResult `json:"results"`
	DurationSeconds float64                     `json:"durationSeconds"`
	RunError        string                      `json:"error"`
}

// ListAuditors returns one page of a project's auditors decorated with
// their latest report and, for scheduled auditors, the next fire time.
// The window is sliced here rather than in SQL so the same full scan
// serves the document-scoped panel; auditor counts stay small.
func (s *Service) ListAuditors(ctx context.Context, projectID string, limit, offset int) (map[string]any, error) {
	auditors, err := s.store.ListAuditors(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list auditors: %w", err)
	}
	latest, err := s.store.LatestAuditReports(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("latest reports: %w", err)
	}

	limit, offset, pages := pageWindow(limit, offset, len(auditors))
	window := auditors[min(offset, len(auditors)):]
	if len(window) > limit {
		window = window[:limit]
	}

	items := make([]map[string]any, 0, len(window))
	for _, auditor := range window {
		items = append(items, s.auditorView(auditor, latest[auditor.ID]))
	}
	return map[string]any{
		"auditors": items,
		"total":    len(auditors),
		"limit":    limit,
		"offset":   offset,
		"pages":    pages,
	}, nil
}

// pageWindow normalizes offset pagination: default page size 50, cap 500,
// pages = ceil(total/limit). An offset past total yields an empty page.
func pageWindow(limit, offset, total int) (int, int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	pages := 0
	if total > 0 {
		pages = (total + limit - 1) / limit
	}
	return limit, offset, pages
}

func (s *Service) auditorView(auditor store.Auditor, latest store.AuditReport) map[string]any {
	view := map[string]any{
		"id":          auditor.ID,
		"projectId":   auditor.ProjectID,
		"documentId":  auditor.DocumentID,
		"name":        auditor.Name,
		"description": auditor.Description,
		"schedule":    auditor.Schedule,
		"isActive":    auditor.IsActive,
		"runCount":    auditor.RunCount,
		"lastRunAt":   auditor.LastRunAt,
		"lastStatus":  auditor.LastStatus,
		"createdAt":   auditor.CreatedAt,
		"updatedAt":   auditor.UpdatedAt,
	}
	if latest.ID != "" {
		view["latestReport"] = reportView(latest)
	}
	if next, err := grading.NextRun(auditor.Schedule, time.Now()); err == nil && next != nil {
		view["nextRunAt"] = next
	}
	return view
}

func reportView(report store.AuditReport) map[string]any {
	return map[string]any{
		"id":              report.ID,
		"auditorId":       report.AuditorID,
		"status":          report.Status,
		"score":           report.Score,
		"scoreDisplay":    grading.FormatScore(report.Score),
		"executedAt":      report.ExecutedAt,
		"durationSeconds": report.DurationSeconds,
		"findings":        report.Findings,
	}
}

// CreateAuditor validates the rubric and schedule before persisting.
func (s *Service) CreateAuditor(ctx context.Context, projectID string, input AuditorInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	instructions, err := s.validateAuditorInput(ctx, projectID, input)
	if err != nil {
		return nil, err
	}

	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}
	auditor := store.Auditor{
		ID:           util.NewID("aud"),
		ProjectID:    projectID,
		DocumentID:   input.DocumentID,
		Name:         name,
		Description:  strings.TrimSpace(input.Description),
		Schedule:     strings.TrimSpace(input.Schedule),
		Instructions: instructions,
		IsActive:     isActive,
	}
	if err := s.store.InsertAuditor(ctx, auditor); err != nil {
		return nil, fmt.Errorf("insert auditor: %w", err)
	}
	s.bumpRefresh(ctx, projectID)
	return s.auditorView(auditor, store.AuditReport{}), nil
}

// UpdateAuditor replaces an auditor's editable fields.
func (s *Service) UpdateAuditor(ctx context.Context, projectID, auditorID string, input AuditorInput) (map[string]any, error) {
	auditor, err := s.auditorInProject(ctx, projectID, auditorID)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	instructions, err := s.validateAuditorInput(ctx, projectID, input)
	if err != nil {
		return nil, err
	}

	auditor.Name = name
	auditor.Description = strings.TrimSpace(input.Description)
	auditor.Schedule = strings.TrimSpace(input.Schedule)
	auditor.Instructions = instructions
	if input.IsActive != nil {
		auditor.IsActive = *input.IsActive
	}
	if err := s.store.UpdateAuditor(ctx, auditor); err != nil {
		return nil, fmt.Errorf("update auditor: %w", err)
	}
	s.bumpRefresh(ctx, projectID)
	return s.auditorView(auditor, store.AuditReport{}), nil
}

func (s *Service) validateAuditorInput(ctx context.Context, projectID string, input AuditorInput) (json.RawMessage, error) {
	if err := grading.ValidateSchedule(strings.TrimSpace(input.Schedule)); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	if input.DocumentID != nil {
		if _, err := s.pageInProject(ctx, projectID, *input.DocumentID); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "scoped page not found in project", nil)
		}
	}

	parsed, err := grading.Parse(input.Instructions)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "instructions are not valid JSON", nil)
	}
	normalized := grading.Normalize(parsed)
	if err := grading.Validate(normalized); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("encode instructions: %w", err)
	}
	return encoded, nil
}

// DeleteAuditor removes an auditor and, via the store cascade, its reports.
func (s *Service) DeleteAuditor(ctx context.Context, projectID, auditorID string) (map[string]any, error) {
	if _, err := s.auditorInProject(ctx, projectID, auditorID); err != nil {
		return nil, err
	}
	if _, err := s.store.DeleteAuditor(ctx, auditorID); err != nil {
		return nil, fmt.Errorf("delete auditor: %w", err)
	}
	if s.signal != nil {
		if err := s.signal.ReleaseRunLock(ctx, auditorID); err != nil {
			log.Printf("signal: release lock for deleted auditor %s: %v", auditorID, err)
		}
	}
	s.bumpRefresh(ctx, projectID)
	return map[string]any{"deleted": true, "id": auditorID}, nil
}

// GetAuditor returns one auditor with its rubric.
func (s *Service) GetAuditor(ctx context.Context, projectID, auditorID string) (map[string]any, error) {
	auditor, err := s.auditorInProject(ctx, projectID, auditorID)
	if err != nil {
		return nil, err
	}
	view := s.auditorView(auditor, store.AuditReport{})
	view["instructions"] = auditor.Instructions
	return view, nil
}

// DocumentAuditors lists the auditors evaluating a page: those scoped to
// it directly plus any whose rubric targets name it.
func (s *Service) DocumentAuditors(ctx context.Context, projectID, pageID string) ([]map[string]any, error) {
	auditors, err := s.store.ListAuditors(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list auditors: %w", err)
	}
	latest, err := s.store.LatestAuditReports(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("latest reports: %w", err)
	}

	items := make([]map[string]any, 0)
	for _, auditor := range auditors {
		scoped := auditor.DocumentID != nil && *auditor.DocumentID == pageID
		if !scoped {
			instructions, err := grading.Parse(auditor.Instructions)
			if err != nil || !grading.TargetsDocument(instructions, pageID) {
				continue
			}
		}
		items = append(items, s.auditorView(auditor, latest[auditor.ID]))
	}
	return items, nil
}

// RunAuditor starts an audit run: it records a running report, stamps
// the auditor's run bookkeeping, and takes the per-auditor guard so a
// second run cannot start until this one settles or the guard expires.
func (s *Service) RunAuditor(ctx context.Context, projectID, auditorID string) (map[string]any, error) {
	auditor, err := s.auditorInProject(ctx, projectID, auditorID)
	if err != nil {
		return nil, err
	}
	if !auditor.IsActive {
		return nil, domainError(http.StatusConflict, "AUDITOR_INACTIVE", "Auditor is inactive", nil)
	}
	instructions, err := grading.Parse(auditor.Instructions)
	if err != nil || !grading.HasObjectives(instructions) {
		return nil, domainError(http.StatusUnprocessableEntity, "NO_OBJECTIVES", "Auditor has no requirements to evaluate", nil)
	}

	reportID := util.NewID("rep")
	if s.signal != nil {
		ttl := time.Duration(s.cfg.RunTTLSeconds) * time.Second
		acquired, err := s.signal.AcquireRunLock(ctx, auditorID, reportID, ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if !acquired {
			return nil, domainError(http.StatusConflict, "RUN_IN_PROGRESS", "A run is already in progress for this auditor", nil)
		}
	}

	report := store.AuditReport{
		ID:        reportID,
		AuditorID: auditorID,
		Status:    grading.StatusRunning,
	}
	if err := s.store.InsertAuditReport(ctx, report); err != nil {
		if s.signal != nil {
			_ = s.signal.ReleaseRunLock(ctx, auditorID)
		}
		return nil, fmt.Errorf("insert report: %w", err)
	}
	// run_count and last_run_at reflect the attempt even if the runner
	// never reports back.
	if err := s.store.MarkAuditorRun(ctx, auditorID); err != nil {
		return nil, fmt.Errorf("mark auditor run: %w", err)
	}

	return map[string]any{
		"reportId":  reportID,
		"auditorId": auditorID,
		"status":    grading.StatusRunning,
	}, nil
}

// CompleteAuditRun settles a running report with the per-requirement
// results posted by the runner. A reported runner error settles the
// report as error without scoring.
func (s *Service) CompleteAuditRun(ctx context.Context, input CompleteRunInput) (map[string]any, error) {
	if strings.TrimSpace(input.ReportID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reportId is required", nil)
	}
	report, err := s.store.GetAuditReport(ctx, input.ReportID)
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	if report.Status != grading.StatusRunning {
		return nil, domainError(http.StatusConflict, "RUN_SETTLED", "Report has already settled", nil)
	}
	auditor, err := s.store.GetAuditor(ctx, report.AuditorID)
	if err != nil {
		return nil, fmt.Errorf("get auditor: %w", err)
	}

	var outcome grading.Outcome
	findings := map[string]any{"results": input.Results}
	if input.RunError != "" {
		outcome = grading.Outcome{Status: grading.StatusError}
		findings["error"] = input.RunError
	} else {
		instructions, err := grading.Parse(auditor.Instructions)
		if err != nil {
			outcome = grading.Outcome{Status: grading.StatusError}
			findings["error"] = "stored instructions unreadable"
		} else {
			outcome = grading.Aggregate(instructions, input.Results)
		}
	}

	encodedFindings, err := json.Marshal(findings)
	if err != nil {
		return nil, fmt.Errorf("encode findings: %w", err)
	}
	report.Status = outcome.Status
	report.Score = outcome.Score
	report.DurationSeconds = input.DurationSeconds
	report.Findings = encodedFindings
	if err := s.store.CompleteAuditReport(ctx, report); err != nil {
		return nil, fmt.Errorf("complete report: %w", err)
	}
	if err := s.store.SetAuditorLastStatus(ctx, auditor.ID, outcome.Status); err != nil {
		return nil, fmt.Errorf("set last status: %w", err)
	}
	if s.signal != nil {
		if err := s.signal.ReleaseRunLock(ctx, auditor.ID); err != nil {
			log.Printf("signal: release run lock %s: %v", auditor.ID, err)
		}
	}
	s.bumpRefresh(ctx, auditor.ProjectID)

	return reportView(report), nil
}

// AuditorReports lists one page of an auditor's past runs, newest first.
func (s *Service) AuditorReports(ctx context.Context, projectID, auditorID string, limit, offset int) (map[string]any, error) {
	if _, err := s.auditorInProject(ctx, projectID, auditorID); err != nil {
		return nil, err
	}
	reports, total, err := s.store.ListAuditReports(ctx, auditorID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	items := make([]map[string]any, 0, len(reports))
	for _, report := range reports {
		items = append(items, reportView(report))
	}
	limit, offset, pages := pageWindow(limit, offset, total)
	return map[string]any{
		"reports": items,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
		"pages":   pages,
	}, nil
}

func (s *Service) auditorInProject(ctx context.Context, projectID, auditorID string) (store.Auditor, error) {
	auditor, err := s.store.GetAuditor(ctx, auditorID)
	if err != nil {
		return store.Auditor{}, fmt.Errorf("get auditor: %w", err)
	}
	if auditor.ProjectID != projectID {
		return store.Auditor{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return auditor, nil
}
