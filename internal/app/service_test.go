package app

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"comply/api/internal/config"
	"comply/api/internal/doctree"
	"comply/api/internal/store"
)

type fakeStore struct {
	listDocumentPagesFn    func(context.Context, string) ([]store.DocumentPage, error)
	getDocumentPageFn      func(context.Context, string) (store.DocumentPage, error)
	insertDocumentPageFn   func(context.Context, store.DocumentPage) error
	deleteDocumentPagesFn  func(context.Context, []string) error
	maxSiblingOrderFn      func(context.Context, string, *string) (int, error)
	countDocumentPagesFn   func(context.Context, string) (int, error)
	listEvidenceFn         func(context.Context, string) ([]store.Evidence, error)
	listEvidenceRequestsFn func(context.Context, string) ([]store.EvidenceRequest, error)
	getEvidenceRequestFn   func(context.Context, string) (store.EvidenceRequest, error)
	listRelatedPagesFn     func(context.Context, string) ([]store.RelatedPageSummary, error)
	listAuditorsFn         func(context.Context, string) ([]store.Auditor, error)
	getAuditorFn           func(context.Context, string) (store.Auditor, error)
	insertAuditorFn        func(context.Context, store.Auditor) error
	updateAuditorFn        func(context.Context, store.Auditor) error
	getAuditReportFn       func(context.Context, string) (store.AuditReport, error)
	insertAuditReportFn    func(context.Context, store.AuditReport) error
	completeAuditReportFn  func(context.Context, store.AuditReport) error
	latestAuditReportsFn   func(context.Context, string) (map[string]store.AuditReport, error)
	markAuditorRunFn       func(context.Context, string) error
	setAuditorLastStatusFn func(context.Context, string, string) error
	listProjectTasksFn     func(context.Context, string, store.TaskFilter) ([]store.ProjectTask, int, error)
	getProjectTaskFn       func(context.Context, string) (store.ProjectTask, error)
	insertProjectTaskFn    func(context.Context, store.ProjectTask) error
	updateProjectTaskFn    func(context.Context, store.ProjectTask) error
	deleteProjectTaskFn    func(context.Context, string) (bool, error)
	clearTaskDependentsFn  func(context.Context, string) error
	taskDependencyMapFn    func(context.Context, string) (map[string]string, error)
}

func (f *fakeStore) ListDocumentPages(ctx context.Context, projectID string) ([]store.DocumentPage, error) {
	if f.listDocumentPagesFn != nil {
		return f.listDocumentPagesFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) GetDocumentPage(ctx context.Context, pageID string) (store.DocumentPage, error) {
	if f.getDocumentPageFn != nil {
		return f.getDocumentPageFn(ctx, pageID)
	}
	return store.DocumentPage{}, sql.ErrNoRows
}
func (f *fakeStore) InsertDocumentPage(ctx context.Context, page store.DocumentPage) error {
	if f.insertDocumentPageFn != nil {
		return f.insertDocumentPageFn(ctx, page)
	}
	return nil
}
func (f *fakeStore) RenameDocumentPage(context.Context, string, string) (bool, error) {
	return true, nil
}
func (f *fakeStore) UpdateDocumentContent(context.Context, string, string) (bool, error) {
	return true, nil
}
func (f *fakeStore) UpdateDocumentRelevance(context.Context, string, *int) error { return nil }
func (f *fakeStore) DeleteDocumentPages(ctx context.Context, ids []string) error {
	if f.deleteDocumentPagesFn != nil {
		return f.deleteDocumentPagesFn(ctx, ids)
	}
	return nil
}
func (f *fakeStore) MaxSiblingOrder(ctx context.Context, projectID string, parentID *string) (int, error) {
	if f.maxSiblingOrderFn != nil {
		return f.maxSiblingOrderFn(ctx, projectID, parentID)
	}
	return 0, nil
}
func (f *fakeStore) CountDocumentPages(ctx context.Context, projectID string) (int, error) {
	if f.countDocumentPagesFn != nil {
		return f.countDocumentPagesFn(ctx, projectID)
	}
	return 0, nil
}
func (f *fakeStore) ListEvidence(ctx context.Context, pageID string) ([]store.Evidence, error) {
	if f.listEvidenceFn != nil {
		return f.listEvidenceFn(ctx, pageID)
	}
	return nil, nil
}
func (f *fakeStore) InsertEvidence(context.Context, store.Evidence) error { return nil }
func (f *fakeStore) ListEvidenceRequests(ctx context.Context, pageID string) ([]store.EvidenceRequest, error) {
	if f.listEvidenceRequestsFn != nil {
		return f.listEvidenceRequestsFn(ctx, pageID)
	}
	return nil, nil
}
func (f *fakeStore) GetEvidenceRequest(ctx context.Context, requestID string) (store.EvidenceRequest, error) {
	if f.getEvidenceRequestFn != nil {
		return f.getEvidenceRequestFn(ctx, requestID)
	}
	return store.EvidenceRequest{}, sql.ErrNoRows
}
func (f *fakeStore) InsertEvidenceRequest(context.Context, store.EvidenceRequest) error { return nil }
func (f *fakeStore) InsertPageRelation(context.Context, store.PageRelation) error       { return nil }
func (f *fakeStore) ListRelatedPages(ctx context.Context, pageID string) ([]store.RelatedPageSummary, error) {
	if f.listRelatedPagesFn != nil {
		return f.listRelatedPagesFn(ctx, pageID)
	}
	return nil, nil
}
func (f *fakeStore) ListAuditors(ctx context.Context, projectID string) ([]store.Auditor, error) {
	if f.listAuditorsFn != nil {
		return f.listAuditorsFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) GetAuditor(ctx context.Context, auditorID string) (store.Auditor, error) {
	if f.getAuditorFn != nil {
		return f.getAuditorFn(ctx, auditorID)
	}
	return store.Auditor{}, sql.ErrNoRows
}
func (f *fakeStore) InsertAuditor(ctx context.Context, auditor store.Auditor) error {
	if f.insertAuditorFn != nil {
		return f.insertAuditorFn(ctx, auditor)
	}
	return nil
}
func (f *fakeStore) UpdateAuditor(ctx context.Context, auditor store.Auditor) error {
	if f.updateAuditorFn != nil {
		return f.updateAuditorFn(ctx, auditor)
	}
	return nil
}
func (f *fakeStore) DeleteAuditor(context.Context, string) (bool, error) { return true, nil }
func (f *fakeStore) MarkAuditorRun(ctx context.Context, auditorID string) error {
	if f.markAuditorRunFn != nil {
		return f.markAuditorRunFn(ctx, auditorID)
	}
	return nil
}
func (f *fakeStore) SetAuditorLastStatus(ctx context.Context, auditorID, status string) error {
	if f.setAuditorLastStatusFn != nil {
		return f.setAuditorLastStatusFn(ctx, auditorID, status)
	}
	return nil
}
func (f *fakeStore) ListAuditReports(context.Context, string, int, int) ([]store.AuditReport, int, error) {
	return nil, 0, nil
}
func (f *fakeStore) GetAuditReport(ctx context.Context, reportID string) (store.AuditReport, error) {
	if f.getAuditReportFn != nil {
		return f.getAuditReportFn(ctx, reportID)
	}
	return store.AuditReport{}, sql.ErrNoRows
}
func (f *fakeStore) InsertAuditReport(ctx context.Context, report store.AuditReport) error {
	if f.insertAuditReportFn != nil {
		return f.insertAuditReportFn(ctx, report)
	}
	return nil
}
func (f *fakeStore) CompleteAuditReport(ctx context.Context, report store.AuditReport) error {
	if f.completeAuditReportFn != nil {
		return f.completeAuditReportFn(ctx, report)
	}
	return nil
}
func (f *fakeStore) LatestAuditReports(ctx context.Context, projectID string) (map[string]store.AuditReport, error) {
	if f.latestAuditReportsFn != nil {
		return f.latestAuditReportsFn(ctx, projectID)
	}
	return map[string]store.AuditReport{}, nil
}
func (f *fakeStore) ListProjectTasks(ctx context.Context, projectID string, filter store.TaskFilter) ([]store.ProjectTask, int, error) {
	if f.listProjectTasksFn != nil {
		return f.listProjectTasksFn(ctx, projectID, filter)
	}
	return nil, 0, nil
}
func (f *fakeStore) GetProjectTask(ctx context.Context, taskID string) (store.ProjectTask, error) {
	if f.getProjectTaskFn != nil {
		return f.getProjectTaskFn(ctx, taskID)
	}
	return store.ProjectTask{}, sql.ErrNoRows
}
func (f *fakeStore) InsertProjectTask(ctx context.Context, task store.ProjectTask) error {
	if f.insertProjectTaskFn != nil {
		return f.insertProjectTaskFn(ctx, task)
	}
	return nil
}
func (f *fakeStore) UpdateProjectTask(ctx context.Context, task store.ProjectTask) error {
	if f.updateProjectTaskFn != nil {
		return f.updateProjectTaskFn(ctx, task)
	}
	return nil
}
func (f *fakeStore) DeleteProjectTask(ctx context.Context, taskID string) (bool, error) {
	if f.deleteProjectTaskFn != nil {
		return f.deleteProjectTaskFn(ctx, taskID)
	}
	return true, nil
}
func (f *fakeStore) ClearTaskDependents(ctx context.Context, taskID string) error {
	if f.clearTaskDependentsFn != nil {
		return f.clearTaskDependentsFn(ctx, taskID)
	}
	return nil
}
func (f *fakeStore) TaskDependencyMap(ctx context.Context, projectID string) (map[string]string, error) {
	if f.taskDependencyMapFn != nil {
		return f.taskDependencyMapFn(ctx, projectID)
	}
	return map[string]string{}, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeHistory struct {
	ensureFn func(string, string, string) error
	commitFn func(string, string, string, string) (store.CommitInfo, error)
	removeFn func(string) error
}

func (f *fakeHistory) EnsurePageRepo(pageID, content, author string) error {
	if f.ensureFn != nil {
		return f.ensureFn(pageID, content, author)
	}
	return nil
}
func (f *fakeHistory) CommitContent(pageID, content, author, message string) (store.CommitInfo, error) {
	if f.commitFn != nil {
		return f.commitFn(pageID, content, author, message)
	}
	return store.CommitInfo{Hash: "abc1234"}, nil
}
func (f *fakeHistory) History(string, int) ([]store.CommitInfo, error) { return nil, nil }
func (f *fakeHistory) ContentAt(string, string) (string, error)       { return "", nil }
func (f *fakeHistory) RemovePageRepo(pageID string) error {
	if f.removeFn != nil {
		return f.removeFn(pageID)
	}
	return nil
}

type fakeSignal struct {
	bumps     []string
	acquireFn func(context.Context, string, string, time.Duration) (bool, error)
	released  []string
}

func (f *fakeSignal) Bump(_ context.Context, projectID string) (int64, error) {
	f.bumps = append(f.bumps, projectID)
	return int64(len(f.bumps)), nil
}
func (f *fakeSignal) Current(context.Context, string) (int64, error) { return 0, nil }
func (f *fakeSignal) AcquireRunLock(ctx context.Context, auditorID, reportID string, ttl time.Duration) (bool, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, auditorID, reportID, ttl)
	}
	return true, nil
}
func (f *fakeSignal) ReleaseRunLock(_ context.Context, auditorID string) error {
	f.released = append(f.released, auditorID)
	return nil
}
func (f *fakeSignal) Ping(context.Context) error { return nil }

func newTestService(fs *fakeStore, fh *fakeHistory, fsig *fakeSignal) *Service {
	svc := &Service{
		cfg:     config.Config{RunToken: "test-run-token", RunTTLSeconds: 60},
		store:   fs,
		history: fh,
	}
	if fsig != nil {
		svc.signal = fsig
	}
	return svc
}

func strPtr(s string) *string { return &s }
func intPtr(v int) *int       { return &v }

func pageFixture(id, projectID string) store.DocumentPage {
	return store.DocumentPage{ID: id, ProjectID: projectID, Title: "Page " + id, Status: "draft"}
}

func TestCreateDocumentPageRequiresTitle(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeHistory{}, nil)
	_, err := svc.CreateDocumentPage(context.Background(), "proj", CreatePageInput{Title: "   "})
	var domainErr *DomainError
	if err == nil || !asDomain(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422, got %v", err)
	}
}

func TestCreateDocumentPageFirstPageGetsTemplate(t *testing.T) {
	var inserted store.DocumentPage
	fs := &fakeStore{
		insertDocumentPageFn: func(_ context.Context, page store.DocumentPage) error {
			inserted = page
			return nil
		},
	}
	fsig := &fakeSignal{}
	svc := newTestService(fs, &fakeHistory{}, fsig)

	if _, err := svc.CreateDocumentPage(context.Background(), "proj", CreatePageInput{Title: "Access Control"}); err != nil {
		t.Fatalf("CreateDocumentPage() error = %v", err)
	}
	if !strings.Contains(inserted.Content, "```mermaid") {
		t.Fatalf("first page should use the worked-example template")
	}
	if inserted.SortOrder != 1 {
		t.Fatalf("order = %d, want max+1 = 1", inserted.SortOrder)
	}
	if len(fsig.bumps) != 1 || fsig.bumps[0] != "proj" {
		t.Fatalf("refresh bumps = %v", fsig.bumps)
	}
}

func TestCreateDocumentPageLaterPagesSkipTemplate(t *testing.T) {
	var inserted store.DocumentPage
	fs := &fakeStore{
		countDocumentPagesFn: func(context.Context, string) (int, error) { return 3, nil },
		maxSiblingOrderFn: func(context.Context, string, *string) (int, error) {
			return 7, nil
		},
		insertDocumentPageFn: func(_ context.Context, page store.DocumentPage) error {
			inserted = page
			return nil
		},
	}
	svc := newTestService(fs, &fakeHistory{}, nil)

	if _, err := svc.CreateDocumentPage(context.Background(), "proj", CreatePageInput{Title: "Backups"}); err != nil {
		t.Fatalf("CreateDocumentPage() error = %v", err)
	}
	if strings.Contains(inserted.Content, "mermaid") {
		t.Fatalf("later pages should not use the worked example")
	}
	if inserted.SortOrder != 8 {
		t.Fatalf("order = %d, want 8", inserted.SortOrder)
	}
}

func TestCreateDocumentPageRejectsForeignParent(t *testing.T) {
	fs := &fakeStore{
		getDocumentPageFn: func(_ context.Context, pageID string) (store.DocumentPage, error) {
			return pageFixture(pageID, "other-project"), nil
		},
	}
	svc := newTestService(fs, &fakeHistory{}, nil)
	_, err := svc.CreateDocumentPage(context.Background(), "proj", CreatePageInput{
		Title:    "Child",
		ParentID: strPtr("parent-1"),
	})
	var domainErr *DomainError
	if err == nil || !asDomain(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 for foreign parent, got %v", err)
	}
}

func TestFullDocumentDegradesAuditorsPanel(t *testing.T) {
	fs := &fakeStore{
		getDocumentPageFn: func(_ context.Context, pageID string) (store.DocumentPage, error) {
			return pageFixture(pageID, "proj"), nil
		},
		listAuditorsFn: func(context.Context, string) ([]store.Auditor, error) {
			return nil, sql.ErrConnDone
		},
	}
	svc := newTestService(fs, &fakeHistory{}, nil)

	payload, err := svc.FullDocument(context.Background(), "proj", "page-1")
	if err != nil {
		t.Fatalf("FullDocument() error = %v", err)
	}
	auditors, ok := payload["auditors"].([]map[string]any)
	if !ok || len(auditors) != 0 {
		t.Fatalf("auditors panel should degrade to empty, got %v", payload["auditors"])
	}
}

func TestFullDocumentIncludesOrderedChildren(t *testing.T) {
	fs := &fakeStore{
		getDocumentPageFn: func(_ context.Context, pageID string) (store.DocumentPage, error) {
			return pageFixture(pageID, "proj"), nil
		},
		listDocumentPagesFn: func(context.Context, string) ([]store.DocumentPage, error) {
			return []store.DocumentPage{
				{ID: "page-1", ProjectID: "proj", SortOrder: 1},
				{ID: "child-b", ProjectID: "proj", ParentID: strPtr("page-1"), SortOrder: 2},
				{ID: "child-a", ProjectID: "proj", ParentID: strPtr("page-1"), SortOrder: 1},
			}, nil
		},
	}
	svc := newTestService(fs, &fakeHistory{}, nil)

	payload, err := svc.FullDocument(context.Background(), "proj", "page-1")
	if err != nil {
		t.Fatalf("FullDocument() error = %v", err)
	}
	children, ok := payload["children"].([]*doctree.Node)
	if !ok || len(children) != 2 {
		t.Fatalf("children = %v", payload["children"])
	}
	if children[0].ID != "child-a" || children[1].ID != "child-b" {
		t.Fatalf("children order = %s, %s", children[0].ID, children[1].ID)
	}
}

func TestFullDocumentCrossProjectIsNotFound(t *testing.T) {
	fs := &fakeStore{
		getDocumentPageFn: func(_ context.Context, pageID string) (store.DocumentPage, error) {
			return pageFixture(pageID, "other"), nil
		},
	}
	svc := newTestService(fs, &fakeHistory{}, nil)
	_, err := svc.FullDocument(context.Background(), "proj", "page-1")
	var domainErr *DomainError
	if err == nil || !asDomain(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestSetDocumentRelevanceRange(t *testing.T) {
	fs := &fakeStore{
		getDocumentPageFn: func(_ context.Context, pageID string) (store.DocumentPage, error) {
			return pageFixture(pageID, "proj"), nil
		},
	}
	svc := newTestService(fs, &fakeHistory{}, nil)
	ctx := context.Background()

	if _, err := svc.SetDocumentRelevance(ctx, "proj", "page-1", intPtr(101)); err == nil {
		t.Fatal("score over 100 accepted")
	}
	payload, err := svc.SetDocumentRelevance(ctx, "proj", "page-1", intPtr(85))
	if err != nil {
		t.Fatalf("SetDocumentRelevance() error = %v", err)
	}
	band, _ := payload["relevanceBand"].(*string)
	if band == nil || *band != "high" {
		t.Fatalf("band = %v, want high", band)
	}
	if _, err := svc.SetDocumentRelevance(ctx, "proj", "page-1", nil); err != nil {
		t.Fatalf("clearing relevance should succeed: %v", err)
	}
}

func TestDeleteDocumentBranch(t *testing.T) {
	pages := []store.DocumentPage{
		{ID: "root-a", ProjectID: "proj", SortOrder: 1},
		{ID: "root-b", ProjectID: "proj", SortOrder: 2},
		{ID: "child", ProjectID: "proj", ParentID: strPtr("root-a"), SortOrder: 1},
	}
	var deleted []string
	var removedRepos []string
	fs := &fakeStore{
		getDocumentPageFn: func(_ context.Context, pageID string) (store.DocumentPage, error) {
			return pageFixture(pageID, "proj"), nil
		},
		listDocumentPagesFn: func(context.Context, string) ([]store.DocumentPage, error) {
			return pages, nil
		},
		deleteDocumentPagesFn: func(_ context.Context, ids []string) error {
			deleted = ids
			return nil
		},
	}
	fh := &fakeHistory{removeFn: func(pageID string) error {
		removedRepos = append(removedRepos, pageID)
		return nil
	}}
	svc := newTestService(fs, fh, nil)

	payload, err := svc.DeleteDocumentBranch(context.Background(), "proj", "root-a")
	if err != nil {
		t.Fatalf("DeleteDocumentBranch() error = %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("deleted ids = %v, want root-a and child", deleted)
	}
	next, _ := payload["nextSelectionId"].(*string)
	if next == nil || *next != "root-b" {
		t.Fatalf("next selection = %v, want root-b", next)
	}
	if len(removedRepos) != 2 {
		t.Fatalf("history repos removed = %v", removedRepos)
	}
}

func asDomain(err error, target **DomainError) bool {
	de, ok := err.(*DomainError)
	if ok {
		*target = de
	}
	return ok
}
