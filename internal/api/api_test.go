package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

type memAlarm struct {
	mu    sync.Mutex
	at    time.Time
	armed bool
	err   error
}

func (a *memAlarm) Set(_ context.Context, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.at, a.armed = at, true
	return nil
}

func (a *memAlarm) Clear(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.armed = false
	return nil
}

func (a *memAlarm) Get(context.Context) (time.Time, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.at, a.armed, nil
}

type alarms struct {
	mu sync.Mutex
	m  map[string]*memAlarm
}

func (p *alarms) For(key string) reminder.Alarm {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.m[key]; ok {
		return a
	}
	a := &memAlarm{}
	p.m[key] = a
	return a
}

func (p *alarms) get(key string) *memAlarm {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m[key]
}

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *alarms) {
	t.Helper()
	al := &alarms{m: map[string]*memAlarm{}}
	reg := reminder.NewRegistry(reminder.RegistryConfig{Store: storage.NewMemory(), Alarms: al})
	mux := http.NewServeMux()
	NewHandler(reg, logx.Nop()).Routes(mux, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, al
}

func do(t *testing.T, method, url, body string, header ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, b
}

func TestCreateListDelete(t *testing.T) {
	srv, al := newTestServer(t, Config{})

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/alice/create", `{"reminderAt": 1900000000000, "content": "call mom", "userId": "u1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status %d: %s", resp.StatusCode, body)
	}
	var created CreateResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != "success" || created.TaskID == "" {
		t.Fatalf("create response %s", body)
	}
	if at, _, _ := al.get("alice").Get(context.Background()); at.UnixMilli() != 1900000000000 {
		t.Fatalf("alarm armed at %d", at.UnixMilli())
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/alice/list", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", resp.StatusCode)
	}
	var list struct {
		Tasks []map[string]any `json:"tasks"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tasks) != 1 {
		t.Fatalf("list %s", body)
	}
	task := list.Tasks[0]
	if task["taskId"] != created.TaskID || task["content"] != "call mom" || task["userId"] != "u1" || task["reminderAt"] != float64(1900000000000) {
		t.Fatalf("task shape %s", body)
	}

	resp, body = do(t, http.MethodDelete, srv.URL+"/v1/alice/delete/"+created.TaskID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}
	var deleted DeleteResponse
	_ = json.Unmarshal(body, &deleted)
	if deleted.Status != "delete success" || deleted.TaskID != created.TaskID {
		t.Fatalf("delete response %s", body)
	}
	if _, armed, _ := al.get("alice").Get(context.Background()); armed {
		t.Fatal("alarm should be cleared once the pool is empty")
	}

	_, body = do(t, http.MethodGet, srv.URL+"/v1/alice/list", "")
	if strings.TrimSpace(string(body)) != `{"tasks":[]}` {
		t.Fatalf("empty list %s", body)
	}
}

func TestCreateAcceptsRFC3339(t *testing.T) {
	srv, al := newTestServer(t, Config{})
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/bob/create", `{"reminderAt": "2030-01-02T03:04:05Z", "content": "x", "userId": "u"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	want := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	if at, _, _ := al.get("bob").Get(context.Background()); !at.Equal(want) {
		t.Fatalf("armed at %s, want %s", at, want)
	}
}

func TestDeleteUnknownSucceeds(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	resp, body := do(t, http.MethodDelete, srv.URL+"/v1/alice/delete/nope", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
}

func TestBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	cases := []struct {
		name, path, body string
	}{
		{"invalid json", "/v1/alice/create", `{"reminderAt":`},
		{"missing reminderAt", "/v1/alice/create", `{"content":"x","userId":"u"}`},
		{"bad timestamp", "/v1/alice/create", `{"reminderAt":"tomorrow","userId":"u"}`},
		{"missing user", "/v1/alice/create", `{"reminderAt":1900000000000}`},
		{"bad key", "/v1/bad%20key/create", `{"reminderAt":1900000000000,"userId":"u"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+tc.path, tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status %d: %s", resp.StatusCode, body)
			}
			var er ErrorResponse
			if err := json.Unmarshal(body, &er); err != nil || er.Error.Code != ErrCodeBadRequest {
				t.Fatalf("error body %s", body)
			}
		})
	}
}

func TestArmFailureReportsPersistedTask(t *testing.T) {
	srv, al := newTestServer(t, Config{})
	a := al.For("carol").(*memAlarm)
	a.mu.Lock()
	a.err = errors.New("alarm backend down")
	a.mu.Unlock()

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/carol/create", `{"reminderAt":1900000000000,"content":"x","userId":"u"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatal(err)
	}
	if er.Error.Code != ErrCodeArmFailed || er.Error.TaskID == "" {
		t.Fatalf("error body %s", body)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/v1/carol/list", "")
	if !strings.Contains(string(body), er.Error.TaskID) {
		t.Fatalf("task should be persisted despite arm failure: %s", body)
	}
}

func TestAuthToken(t *testing.T) {
	srv, _ := newTestServer(t, Config{Token: "s3cret"})

	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/alice/list", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/alice/list", "", "Authorization", "Bearer wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: status %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/alice/list", "", "Authorization", "Bearer s3cret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good token: status %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should not need a token: status %d", resp.StatusCode)
	}
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	resp, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK || string(body) != "# metrics" {
		t.Fatalf("metrics %d %s", resp.StatusCode, body)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := Recovery(logx.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestTimestampParsing(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  bool
	}{
		{`1700000000000`, 1700000000000, false},
		{`1700000000000.0`, 1700000000000, false},
		{`"2023-11-14T22:13:20Z"`, 1700000000000, false},
		{`"2023-11-14T23:13:20+01:00"`, 1700000000000, false},
		{`"yesterday"`, 0, true},
		{`true`, 0, true},
	}
	for _, tc := range cases {
		var ts Timestamp
		err := json.Unmarshal([]byte(tc.in), &ts)
		if tc.err {
			if err == nil {
				t.Errorf("%s: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.in, err)
			continue
		}
		if ts.UnixMilli() != tc.want {
			t.Errorf("%s: got %d want %d", tc.in, ts.UnixMilli(), tc.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.1:80":    false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("%s: got %v want %v", addr, got, want)
		}
	}
}
