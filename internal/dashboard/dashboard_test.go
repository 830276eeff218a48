package dashboard

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"github.com/peterhq/peterbot/internal/config"
	"github.com/peterhq/peterbot/internal/configstore"
	"github.com/peterhq/peterbot/internal/store"
)

const (
	testPassword = "hunter2"
	testChatID   = "777"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DashboardConfig{Password: testPassword, Port: 3000}
	return New(cfg, st, configstore.New(dir), testChatID), st
}

func perform(t *testing.T, s *Server, method, path, body string, authed bool) *ut.ResponseRecorder {
	t.Helper()
	var b *ut.Body
	headers := []ut.Header{{Key: "Content-Type", Value: "application/json"}}
	if body != "" {
		b = &ut.Body{Body: bytes.NewBufferString(body), Len: len(body)}
	}
	if authed {
		headers = append(headers, ut.Header{Key: "X-Dashboard-Password", Value: testPassword})
	}
	return ut.PerformRequest(s.hz.Engine, method, path, b, headers...)
}

func decode(t *testing.T, w *ut.ResponseRecorder, out any) {
	t.Helper()
	if err := sonic.Unmarshal(w.Result().Body(), out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s, _ := newTestServer(t)

	w := perform(t, s, "GET", "/api/health", "", false)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Status string `json:"status"`
		Name   string `json:"name"`
		TS     int64  `json:"ts"`
	}
	decode(t, w, &resp)
	if resp.Status != "ok" || resp.Name != serviceName || resp.TS == 0 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestAuthVerify(t *testing.T) {
	s, _ := newTestServer(t)

	w := perform(t, s, "POST", "/api/auth/verify", `{"password":"hunter2"}`, false)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Valid bool `json:"valid"`
	}
	decode(t, w, &resp)
	if !resp.Valid {
		t.Error("correct password rejected")
	}

	w = perform(t, s, "POST", "/api/auth/verify", `{"password":"wrong"}`, false)
	decode(t, w, &resp)
	if resp.Valid {
		t.Error("wrong password accepted")
	}
}

func TestJobsRequireAuth(t *testing.T) {
	s, _ := newTestServer(t)

	w := perform(t, s, "GET", "/api/jobs", "", false)
	if w.Code != 401 {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestListJobs(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	if _, err := st.CreateJob(ctx, store.TypeTask, "task one", testChatID, ""); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := st.CreateJob(ctx, store.TypeTask, "task two", testChatID, ""); err != nil {
		t.Fatalf("create job: %v", err)
	}

	w := perform(t, s, "GET", "/api/jobs", "", true)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Jobs  []*store.Job `json:"jobs"`
		Total int          `json:"total"`
	}
	decode(t, w, &resp)
	if resp.Total != 2 || len(resp.Jobs) != 2 {
		t.Fatalf("total = %d, jobs = %d", resp.Total, len(resp.Jobs))
	}
}

func TestGetJobNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w := perform(t, s, "GET", "/api/jobs/nosuchid", "", true)
	if w.Code != 404 {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCancelJob(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, store.TypeTask, "cancel me", testChatID, "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	w := perform(t, s, "POST", "/api/jobs/"+job.ID+"/cancel", "", true)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Output != "Cancelled by user" {
		t.Errorf("output = %q", got.Output)
	}

	// A terminal job cannot be cancelled again.
	w = perform(t, s, "POST", "/api/jobs/"+job.ID+"/cancel", "", true)
	if w.Code != 409 {
		t.Fatalf("second cancel status = %d, want 409", w.Code)
	}
}

func TestSoulRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	w := perform(t, s, "PUT", "/api/soul", `{"content":"be kind"}`, true)
	if w.Code != 200 {
		t.Fatalf("put status = %d", w.Code)
	}

	w = perform(t, s, "GET", "/api/soul", "", true)
	if w.Code != 200 {
		t.Fatalf("get status = %d", w.Code)
	}
	var entry configstore.Entry
	decode(t, w, &entry)
	if entry.Content != "be kind" {
		t.Fatalf("content = %q", entry.Content)
	}
	if entry.Size != int64(len("be kind")) {
		t.Errorf("size = %d", entry.Size)
	}
}

func TestBlocklistValidation(t *testing.T) {
	s, _ := newTestServer(t)

	w := perform(t, s, "PUT", "/api/blocklist", `{"content":"{\"strict\":[]}"}`, true)
	if w.Code != 400 {
		t.Fatalf("missing warn key accepted, status = %d", w.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	decode(t, w, &resp)
	if !strings.Contains(resp.Error, "warn") {
		t.Errorf("error = %q, want missing-key message", resp.Error)
	}

	w = perform(t, s, "PUT", "/api/blocklist", `{"content":"{\"strict\":[],\"warn\":[]}"}`, true)
	if w.Code != 200 {
		t.Fatalf("valid blocklist rejected, status = %d", w.Code)
	}
}
