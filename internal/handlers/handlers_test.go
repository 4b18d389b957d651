package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/models"
	"github.com/stanstork/ocms-cron/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

type fakeTrigger struct {
	mu     sync.Mutex
	result models.JobResult
	async  []string
	ran    []string
}

func (f *fakeTrigger) Has(name string) bool { return name == "lta_upload" }

func (f *fakeTrigger) Trigger(_ context.Context, name string) (models.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, name)
	return f.result, nil
}

func (f *fakeTrigger) TriggerAsync(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.async = append(f.async, name)
	return nil
}

func (f *fakeTrigger) Jobs() []scheduler.JobInfo {
	return []scheduler.JobInfo{{Name: "lta_upload", Cron: "0 0 9 * * *", Enabled: true}}
}

type fakeRuns struct {
	limit int
}

func (f *fakeRuns) Start(context.Context, string) (models.JobRun, error) { return models.JobRun{}, nil }
func (f *fakeRuns) Finish(context.Context, int64, models.RunStatus, string) error {
	return nil
}
func (f *fakeRuns) AbandonRunning(context.Context, string, string) (int64, error) { return 0, nil }
func (f *fakeRuns) ListRecent(_ context.Context, name string, limit int) ([]models.JobRun, error) {
	f.limit = limit
	return []models.JobRun{{ID: 7, JobName: name, RunStatus: models.RunStatusSuccess}}, nil
}

type testServer struct {
	router  *mux.Router
	trigger *fakeTrigger
	runs    *fakeRuns
}

func newTestServer() *testServer {
	ts := &testServer{
		trigger: &fakeTrigger{result: models.JobResult{Success: true, Message: "lta_upload skip no data"}},
		runs:    &fakeRuns{},
	}
	auth := NewAuthHandler(testSecret, zerolog.Nop())
	jobs := NewJobHandler(ts.trigger, ts.runs, zerolog.Nop())
	jobs.now = func() time.Time { return time.UnixMilli(1709285415000) }

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.JWTMiddleware)
	api.HandleFunc("/jobs/{jobName}/trigger", jobs.TriggerJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{jobName}/runs", jobs.ListRuns).Methods(http.MethodGet)
	api.HandleFunc("/jobs", jobs.ListJobs).Methods(http.MethodGet)
	ts.router = r
	return ts
}

func bearer(t *testing.T, roles ...models.Role) string {
	t.Helper()
	tok, err := IssueToken(testSecret, "ops", roles, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (ts *testServer) do(method, path, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestTriggerJobSync(t *testing.T) {
	ts := newTestServer()
	rec := ts.do(http.MethodPost, "/api/jobs/lta_upload/trigger", bearer(t, models.RoleOperator), "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.TriggerResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "lta_upload skip no data", resp.Message)
	assert.Equal(t, "lta_upload", resp.JobName)
	assert.Equal(t, int64(1709285415000), resp.Timestamp)
	assert.Equal(t, []string{"lta_upload"}, ts.trigger.ran)
}

func TestTriggerJobAsync(t *testing.T) {
	ts := newTestServer()
	rec := ts.do(http.MethodPost, "/api/jobs/lta_upload/trigger", bearer(t, models.RoleOperator), `{"async":true}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"success":true,"message":"lta_upload triggered","jobName":"lta_upload","timestamp":1709285415000}`, rec.Body.String())
	assert.Equal(t, []string{"lta_upload"}, ts.trigger.async)
	assert.Empty(t, ts.trigger.ran)
}

func TestTriggerUnknownJob(t *testing.T) {
	ts := newTestServer()
	rec := ts.do(http.MethodPost, "/api/jobs/nope/trigger", bearer(t, models.RoleAdmin), "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestTriggerRequiresToken(t *testing.T) {
	ts := newTestServer()
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodPost, "/api/jobs/lta_upload/trigger", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodPost, "/api/jobs/lta_upload/trigger", "Bearer garbage", "").Code)

	other, err := IssueToken("other-secret", "ops", []models.Role{models.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodPost, "/api/jobs/lta_upload/trigger", "Bearer "+other, "").Code)

	expired, err := IssueToken(testSecret, "ops", []models.Role{models.RoleAdmin}, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodPost, "/api/jobs/lta_upload/trigger", "Bearer "+expired, "").Code)
}

func TestListRunsClampsLimit(t *testing.T) {
	ts := newTestServer()
	rec := ts.do(http.MethodGet, "/api/jobs/lta_upload/runs?limit=5000", bearer(t, models.RoleViewer), "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxRunLimit, ts.runs.limit)
	assert.Contains(t, rec.Body.String(), `"run_status":"SUCCESS"`)

	rec = ts.do(http.MethodGet, "/api/jobs/lta_upload/runs?limit=abc", bearer(t, models.RoleViewer), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobs(t *testing.T) {
	ts := newTestServer()
	rec := ts.do(http.MethodGet, "/api/jobs", bearer(t, models.RoleViewer), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"lta_upload"`)
}

type fakeResolver struct {
	known map[string]bool
	got   map[string]string
}

func (f *fakeResolver) Resolve(_ context.Context, requestID, token string) bool {
	if !f.known[requestID] {
		return false
	}
	f.got[requestID] = token
	delete(f.known, requestID)
	return true
}

func newCallbackHandler(t *testing.T) (*CallbackHandler, *fakeResolver) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("shared-key"), bcrypt.MinCost)
	require.NoError(t, err)
	res := &fakeResolver{known: map[string]bool{"OCMS-1": true}, got: map[string]string{}}
	return NewCallbackHandler(res, string(hash), zerolog.Nop()), res
}

func postCallback(h *CallbackHandler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/callbacks/encryption", strings.NewReader(body))
	if key != "" {
		req.Header.Set(apiKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	h.EncryptionCallback(rec, req)
	return rec
}

func TestEncryptionCallbackAcceptsOnce(t *testing.T) {
	h, res := newCallbackHandler(t)

	rec := postCallback(h, "shared-key", `{"requestId":"OCMS-1","token":"tok"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accepted":true}`, rec.Body.String())
	assert.Equal(t, "tok", res.got["OCMS-1"])

	rec = postCallback(h, "shared-key", `{"requestId":"OCMS-1","token":"tok"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accepted":false}`, rec.Body.String())
}

func TestEncryptionCallbackRejectsBadInput(t *testing.T) {
	h, _ := newCallbackHandler(t)

	assert.Equal(t, http.StatusUnauthorized, postCallback(h, "", `{"requestId":"OCMS-1","token":"t"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, postCallback(h, "wrong", `{"requestId":"OCMS-1","token":"t"}`).Code)
	assert.Equal(t, http.StatusBadRequest, postCallback(h, "shared-key", `{not json`).Code)
	assert.Equal(t, http.StatusBadRequest, postCallback(h, "shared-key", `{"requestId":"OCMS-1"}`).Code)

	unconfigured := NewCallbackHandler(&fakeResolver{}, "", zerolog.Nop())
	assert.Equal(t, http.StatusUnauthorized, postCallback(unconfigured, "shared-key", `{"requestId":"x","token":"t"}`).Code)
}
