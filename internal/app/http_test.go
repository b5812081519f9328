package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"comply/api/internal/grading"
	"comply/api/internal/store"
)

func newTestServer(fs *fakeStore, fsig *fakeSignal) *httptest.Server {
	svc := newTestService(fs, &fakeHistory{}, fsig)
	return httptest.NewServer(NewHTTPServer(svc, "*").Handler())
}

func doJSON(t *testing.T, method, url, body string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&fakeStore{}, nil)
	defer server.Close()

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || payload["ok"] != true {
		t.Fatalf("status = %d, payload = %v", resp.StatusCode, payload)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	server := newTestServer(&fakeStore{}, &fakeSignal{})
	defer server.Close()

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/ready", "", nil)
	if resp.StatusCode != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("status = %d, payload = %v", resp.StatusCode, payload)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server := newTestServer(&fakeStore{}, nil)
	defer server.Close()

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("status = %d, payload = %v", resp.StatusCode, payload)
	}
}

func TestDocumentsMethodNotAllowed(t *testing.T) {
	server := newTestServer(&fakeStore{}, nil)
	defer server.Close()

	resp, _ := doJSON(t, http.MethodPatch, server.URL+"/api/projects/proj/documents", "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestMissingPageMapsTo404(t *testing.T) {
	server := newTestServer(&fakeStore{}, nil)
	defer server.Close()

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/projects/proj/documents/page-missing", "", nil)
	if resp.StatusCode != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("status = %d, payload = %v", resp.StatusCode, payload)
	}
}

func TestCreateDocumentPageEndpoint(t *testing.T) {
	fs := &fakeStore{}
	server := newTestServer(fs, nil)
	defer server.Close()

	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/projects/proj/documents",
		`{"title": "Access Control"}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, payload = %v", resp.StatusCode, payload)
	}
	if payload["title"] != "Access Control" {
		t.Fatalf("payload = %v", payload)
	}

	resp, payload = doJSON(t, http.MethodPost, server.URL+"/api/projects/proj/documents",
		`{"title": "   "}`, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("status = %d, payload = %v", resp.StatusCode, payload)
	}
}

func TestInvalidBodyIs400(t *testing.T) {
	server := newTestServer(&fakeStore{}, nil)
	defer server.Close()

	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/projects/proj/documents",
		`{"title": `, nil)
	if resp.StatusCode != http.StatusBadRequest || payload["code"] != "INVALID_BODY" {
		t.Fatalf("status = %d, payload = %v", resp.StatusCode, payload)
	}
}

func TestHistoryLimitMustBeInteger(t *testing.T) {
	fs := &fakeStore{
		getDocumentPageFn: func(_ context.Context, pageID string) (store.DocumentPage, error) {
			return pageFixture(pageID, "proj"), nil
		},
	}
	server := newTestServer(fs, nil)
	defer server.Close()

	resp, payload := doJSON(t, http.MethodGet,
		server.URL+"/api/projects/proj/documents/page-1/history?limit=lots", "", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("status = %d, payload = %v", resp.StatusCode, payload)
	}
}

func TestRunAuditorEndpointAccepted(t *testing.T) {
	fs := &fakeStore{
		getAuditorFn: func(_ context.Context, id string) (store.Auditor, error) {
			return auditorFixture(id, "proj"), nil
		},
	}
	server := newTestServer(fs, &fakeSignal{})
	defer server.Close()

	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/projects/proj/auditors/aud-1/run", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, payload = %v", resp.StatusCode, payload)
	}
	if payload["status"] != grading.StatusRunning {
		t.Fatalf("payload = %v", payload)
	}
}

func TestCompleteRunEndpointRequiresToken(t *testing.T) {
	fs := &fakeStore{
		getAuditReportFn: func(_ context.Context, id string) (store.AuditReport, error) {
			return store.AuditReport{ID: id, AuditorID: "aud-1", Status: grading.StatusRunning}, nil
		},
		getAuditorFn: func(_ context.Context, id string) (store.Auditor, error) {
			return auditorFixture(id, "proj"), nil
		},
	}
	server := newTestServer(fs, nil)
	defer server.Close()

	body := `{"reportId": "rep-1", "results": [{"title": "Access reviews", "score": 90}, {"title": "MFA", "score": 90}]}`

	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/internal/audit/complete", body, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, payload = %v", resp.StatusCode, payload)
	}

	header := http.Header{}
	header.Set("x-comply-run-token", "wrong")
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/internal/audit/complete", body, header)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", resp.StatusCode)
	}

	header.Set("x-comply-run-token", "test-run-token")
	resp, payload = doJSON(t, http.MethodPost, server.URL+"/api/internal/audit/complete", body, header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token: status = %d, payload = %v", resp.StatusCode, payload)
	}
	if payload["status"] != grading.StatusPassed {
		t.Fatalf("payload = %v", payload)
	}
}

func TestTaskListModeSwitch(t *testing.T) {
	var seenFilter store.TaskFilter
	fs := &fakeStore{
		listProjectTasksFn: func(_ context.Context, _ string, filter store.TaskFilter) ([]store.ProjectTask, int, error) {
			seenFilter = filter
			return nil, 0, nil
		},
	}
	server := newTestServer(fs, nil)
	defer server.Close()

	// Empty q still selects typeahead mode.
	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/projects/proj/tasks?q=", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if seenFilter.Query == nil {
		t.Fatal("q present should flow through as a typeahead query")
	}
	if _, hasPages := payload["pages"]; hasPages {
		t.Fatalf("typeahead payload = %v", payload)
	}

	resp, payload = doJSON(t, http.MethodGet, server.URL+"/api/projects/proj/tasks", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if seenFilter.Query != nil {
		t.Fatal("absent q should list without a query")
	}
	if _, hasPages := payload["pages"]; !hasPages {
		t.Fatalf("paginated payload = %v", payload)
	}
}

func TestOptionsPreflight(t *testing.T) {
	server := newTestServer(&fakeStore{}, nil)
	defer server.Close()

	resp, _ := doJSON(t, http.MethodOptions, server.URL+"/api/projects/proj/documents", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("CORS origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}
