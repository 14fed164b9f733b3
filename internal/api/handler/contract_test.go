package handler_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/listingintel/internal/api"
	"github.com/kiranshivaraju/listingintel/internal/api/handler"
	mw "github.com/kiranshivaraju/listingintel/internal/api/middleware"
	"github.com/kiranshivaraju/listingintel/internal/jobs"
	"github.com/kiranshivaraju/listingintel/internal/pollers"
	"github.com/kiranshivaraju/listingintel/internal/store"
	"github.com/kiranshivaraju/listingintel/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

var (
	testOwnerID  = "acct_contract"
	testRawKey   = "li_test_contract_key_1234567890"
	testReadKey  = "li_read_contract_key_0987654321"
	testSubject  = "listing-1"
	testJobType  = "business_analysis"
	testJobKey   = models.JobKey{SubjectID: testSubject, Type: models.JobTypeBusinessAnalysis}
	testResult   = json.RawMessage(`{"summary":"R","score":72}`)
	pollEndpoint = "/api/v1/jobs/poll?subject_id=" + testSubject + "&job_type=" + testJobType
)

func hashed(raw string) string {
	h, _ := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	return string(h)
}

// gatedAnalyzer reports two progress steps, then waits for release.
type gatedAnalyzer struct {
	release chan struct{}
	err     error
}

func (a *gatedAnalyzer) Run(ctx context.Context, _ models.AnalysisRequest, report models.ProgressFunc) (json.RawMessage, error) {
	if err := report(10, "collecting listing data"); err != nil {
		return nil, err
	}
	if err := report(55, "scoring"); err != nil {
		return nil, err
	}
	select {
	case <-a.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if a.err != nil {
		return nil, a.err
	}
	return testResult, nil
}

// ─── test harness ────────────────────────────────────────────────────────────

type testServer struct {
	server   *httptest.Server
	store    *store.MemoryStore
	registry *pollers.MemoryRegistry
	manager  *jobs.Manager
	analyzer *gatedAnalyzer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateAPIKey(ctx, &models.APIKey{
		ID: uuid.New(), OwnerID: testOwnerID, Name: "admin", KeyHash: hashed(testRawKey),
		KeyPrefix: testRawKey[:8], Scopes: []string{"jobs", "admin"},
	}))
	require.NoError(t, st.CreateAPIKey(ctx, &models.APIKey{
		ID: uuid.New(), OwnerID: "acct_reader", Name: "reader", KeyHash: hashed(testReadKey),
		KeyPrefix: testReadKey[:8], Scopes: []string{"jobs"},
	}))

	reg := pollers.NewMemoryRegistry(time.Minute)
	analyzer := &gatedAnalyzer{release: make(chan struct{})}
	mgr := jobs.NewManager(st, reg, analyzer, jobs.Options{CancelCheckInterval: 10 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Stop(ctx)
	})

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(nil, 0),

		HealthHandler:    handler.NewHealthHandler(handler.HealthCheck{Name: "database", Ping: st.Ping}, handler.HealthCheck{Name: "cache"}),
		StartJob:         handler.NewStartJobHandler(mgr, reg),
		PollJob:          handler.NewPollJobHandler(mgr, reg),
		CancelJob:        handler.NewCancelJobHandler(mgr),
		UnregisterPoller: handler.NewUnregisterPollerHandler(mgr, reg),
		JobEvents:        handler.NewJobEventsHandler(mgr, reg, 50*time.Millisecond),
		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListJobsHandler:  handler.NewListJobsHandler(mgr),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{server: srv, store: st, registry: reg, manager: mgr, analyzer: analyzer}
}

func (ts *testServer) request(method, path, rawKey string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, ts.server.URL+path, &buf)
	if rawKey != "" {
		req.Header.Set("Authorization", "Bearer "+rawKey)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (ts *testServer) authRequest(method, path string, body any) *http.Request {
	return ts.request(method, path, testRawKey, body)
}

func (ts *testServer) do(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode == http.StatusNoContent {
		return resp, nil
	}
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func (ts *testServer) start(t *testing.T, pollerID string) map[string]any {
	t.Helper()
	resp, body := ts.do(t, ts.authRequest("POST", "/api/v1/jobs", map[string]any{
		"subject_id": testSubject,
		"job_type":   testJobType,
		"parameters": map[string]any{"asking_price": 450000},
		"poller_id":  pollerID,
	}))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return body["data"].(map[string]any)
}

func (ts *testServer) waitForPoll(t *testing.T, status string) map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		resp, body := ts.do(t, ts.authRequest("GET", pollEndpoint, nil))
		if resp.StatusCode == http.StatusOK {
			data := body["data"].(map[string]any)
			if data["status"] == status {
				return data
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func errCode(body map[string]any) any {
	return body["error"].(map[string]any)["code"]
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTRACT TESTS
// ═══════════════════════════════════════════════════════════════════════════════

// ─── GET /api/v1/health ──────────────────────────────────────────────────────

func TestHealth_200_Unauthenticated(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, ts.request("GET", "/api/v1/health", "", nil))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "ok", data["database"])
	assert.Equal(t, "disabled", data["cache"])
}

func TestHealth_503_Degraded(t *testing.T) {
	h := handler.NewHealthHandler(handler.HealthCheck{
		Name: "cache",
		Ping: func(context.Context) error { return errors.New("redis down") },
	})
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "DEGRADED")
}

// ─── POST /api/v1/jobs ───────────────────────────────────────────────────────

func TestStartJob_202_Queued(t *testing.T) {
	ts := newTestServer(t)

	data := ts.start(t, "tab-a")

	assert.Contains(t, []any{"queued", "processing"}, data["status"])
	id, err := uuid.Parse(data["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, models.JobIDFor(testJobKey), id)

	job, err := ts.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, testOwnerID, job.OwnerID)
	assert.JSONEq(t, `{"asking_price":450000}`, string(job.Parameters))

	n, err := ts.registry.Count(context.Background(), testJobKey)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStartJob_Idempotent(t *testing.T) {
	ts := newTestServer(t)

	first := ts.start(t, "tab-a")
	second := ts.start(t, "tab-b")

	assert.Equal(t, first["job_id"], second["job_id"])
	all, err := ts.store.List(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStartJob_AfterTerminalStartsFreshRun(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "")
	close(ts.analyzer.release)
	ts.waitForPoll(t, "succeeded")

	// A terminal job is replaced by a fresh run on the next start.
	data := ts.start(t, "")
	assert.Contains(t, []any{"queued", "processing"}, data["status"])
}

func TestStartJob_400_Validation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name string
		body any
		code string
	}{
		{"missing subject", map[string]any{"job_type": testJobType}, "INVALID_REQUEST"},
		{"missing type", map[string]any{"subject_id": testSubject}, "INVALID_REQUEST"},
		{"unknown type", map[string]any{"subject_id": testSubject, "job_type": "tarot"}, "INVALID_JOB_TYPE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := ts.do(t, ts.authRequest("POST", "/api/v1/jobs", tc.body))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tc.code, errCode(body))
		})
	}
}

func TestStartJob_503_WhileShuttingDown(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.manager.Stop(ctx))

	resp, body := ts.do(t, ts.authRequest("POST", "/api/v1/jobs", map[string]any{
		"subject_id": testSubject,
		"job_type":   testJobType,
	}))

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "SERVICE_UNAVAILABLE", errCode(body))
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
}

func TestStartJob_400_InvalidJSON(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest("POST", ts.server.URL+"/api/v1/jobs", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+testRawKey)
	resp, body := ts.do(t, req)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errCode(body))
}

func TestStartJob_401_MissingToken(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, ts.request("POST", "/api/v1/jobs", "", map[string]any{}))

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", errCode(body))
}

// ─── GET /api/v1/jobs/poll ───────────────────────────────────────────────────

func TestPollJob_HappyPath(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "tab-a")

	running := ts.waitForPoll(t, "running")
	assert.GreaterOrEqual(t, running["progress"], float64(10))
	assert.NotNil(t, running["started_at"])

	close(ts.analyzer.release)
	done := ts.waitForPoll(t, "succeeded")

	assert.Equal(t, float64(100), done["progress"])
	assert.Nil(t, done["partial_output"])
	assert.Nil(t, done["error"])
	assert.NotNil(t, done["completed_at"])
	result, _ := json.Marshal(done["result"])
	assert.JSONEq(t, string(testResult), string(result))
}

func TestPollJob_ByJobID(t *testing.T) {
	ts := newTestServer(t)
	started := ts.start(t, "")

	resp, body := ts.do(t, ts.authRequest("GET", "/api/v1/jobs/poll?job_id="+started["job_id"].(string), nil))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, started["job_id"], body["data"].(map[string]any)["job_id"])
}

func TestPollJob_RegistersPollerFromHeader(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "")

	req := ts.authRequest("GET", pollEndpoint, nil)
	req.Header.Set(handler.PollerHeader, "tab-z")
	resp, _ := ts.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	active, err := ts.registry.HasActivePollers(context.Background(), testJobKey)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestPollJob_404_NoJob(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, ts.authRequest("GET", pollEndpoint, nil))

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errCode(body))
}

func TestPollJob_400_BadParams(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{
		"/api/v1/jobs/poll",
		"/api/v1/jobs/poll?subject_id=listing-1",
		"/api/v1/jobs/poll?job_id=not-a-uuid",
	} {
		resp, body := ts.do(t, ts.authRequest("GET", path, nil))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		assert.Equal(t, "INVALID_REQUEST", errCode(body), path)
	}
}

func TestPollJob_FailedJobReportsError(t *testing.T) {
	ts := newTestServer(t)
	ts.analyzer.err = errors.New("AI provider is not available")
	ts.start(t, "")
	close(ts.analyzer.release)

	failed := ts.waitForPoll(t, "failed")
	assert.Equal(t, "AI provider is not available", failed["error"])
}

// ─── POST /api/v1/jobs/{jobID}/cancel ────────────────────────────────────────

func TestCancelJob_204_ThenCanceled(t *testing.T) {
	ts := newTestServer(t)
	started := ts.start(t, "")
	ts.waitForPoll(t, "running")

	resp, _ := ts.do(t, ts.authRequest("POST", "/api/v1/jobs/"+started["job_id"].(string)+"/cancel", nil))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	canceled := ts.waitForPoll(t, "canceled")
	assert.Equal(t, true, canceled["cancel_requested"])
}

func TestCancelJob_404_Unknown(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, ts.authRequest("POST", "/api/v1/jobs/"+uuid.New().String()+"/cancel", nil))

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errCode(body))
}

// ─── DELETE /api/v1/jobs/{jobID}/pollers/{pollerID} ──────────────────────────

func TestUnregisterPoller_204(t *testing.T) {
	ts := newTestServer(t)
	started := ts.start(t, "tab-a")

	resp, _ := ts.do(t, ts.authRequest("DELETE", "/api/v1/jobs/"+started["job_id"].(string)+"/pollers/tab-a", nil))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	active, err := ts.registry.HasActivePollers(context.Background(), testJobKey)
	require.NoError(t, err)
	assert.False(t, active)

	resp, _ = ts.do(t, ts.authRequest("DELETE", "/api/v1/jobs/"+uuid.New().String()+"/pollers/tab-a", nil))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "unknown jobs are not an error")
}

// ─── GET /api/v1/jobs/{jobID}/events ─────────────────────────────────────────

func TestJobEvents_StreamsUntilTerminal(t *testing.T) {
	ts := newTestServer(t)
	started := ts.start(t, "")

	req := ts.authRequest("GET", "/api/v1/jobs/"+started["job_id"].(string)+"/events?poller_id=stream-1", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	close(ts.analyzer.release)

	var statuses []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var view handler.JobView
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &view))
		statuses = append(statuses, string(view.Status))
	}

	require.NotEmpty(t, statuses)
	assert.Equal(t, "succeeded", statuses[len(statuses)-1], "stream ends on the terminal snapshot")
}

// ─── admin ───────────────────────────────────────────────────────────────────

func TestCreateKey_201_ThenUsable(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, ts.authRequest("POST", "/api/v1/admin/keys", map[string]any{
		"owner_id": "acct_new", "name": "ci",
	}))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data := body["data"].(map[string]any)
	raw := data["key"].(string)
	assert.Equal(t, raw[:8], data["key_prefix"])

	resp, _ = ts.do(t, ts.request("GET", pollEndpoint, raw, nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "new key authenticates")
}

func TestAdmin_403_WithoutScope(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, ts.request("GET", "/api/v1/admin/jobs", testReadKey, nil))

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errCode(body))
}

func TestListJobs_Paginated(t *testing.T) {
	ts := newTestServer(t)
	for _, subject := range []string{"listing-1", "listing-2", "listing-3"} {
		resp, _ := ts.do(t, ts.authRequest("POST", "/api/v1/jobs", map[string]any{
			"subject_id": subject, "job_type": testJobType,
		}))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp, body := ts.do(t, ts.authRequest("GET", "/api/v1/admin/jobs?limit=2", nil))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"].([]any), 2)
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(3), meta["total"])
	assert.Equal(t, true, meta["has_next"])

	resp, body = ts.do(t, ts.authRequest("GET", "/api/v1/admin/jobs?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errCode(body))
}
