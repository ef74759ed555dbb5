package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkgboard/internal/config"
	"pkgboard/internal/db"
	"pkgboard/internal/migrate"
	"pkgboard/internal/notify"
	"pkgboard/internal/registry"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T, mutate func(*Config)) testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	g := registry.New(conn, config.Default("test-board"))
	g.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	cfg := Config{Registry: g, ReleaseToken: "hooksecret"}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	ts := testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			srv.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(res.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, out.Bytes()
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope %s: %v", data, err)
	}
	return envelope.Error.Code
}

func seedPackage(t *testing.T, ts testServer, id int64, name string) {
	t.Helper()
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/packages", map[string]any{"id": id, "name": name}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("seed package: status %d body %s", res.StatusCode, data)
	}
}

func seedPackager(t *testing.T, ts testServer, uid int64, alias string) {
	t.Helper()
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/packagers", map[string]any{"tg_uid": uid, "alias": alias}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("seed packager: status %d body %s", res.StatusCode, data)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d body %s", res.StatusCode, data)
	}
	if res.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header")
	}
}

func TestBoardContract(t *testing.T) {
	ts := newTestServer(t, nil)
	seedPackager(t, ts, 42, "alice")
	seedPackage(t, ts, 7, "libfoo")
	seedPackage(t, ts, 8, "libbar")

	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/packages/7/assign", map[string]any{"assignee": 42, "assigned_at": 100}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: status %d body %s", res.StatusCode, data)
	}
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/marks", map[string]any{
		"name": "outdated", "for_pkg": 8, "marked_by": 42, "msg_id": 1,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mark: status %d body %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/pkg", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("board: status %d body %s", res.StatusCode, data)
	}
	var board struct {
		WorkList []struct {
			Pkg        int64  `json:"pkg"`
			PkgName    string `json:"pkgName"`
			Alias      string `json:"alias"`
			AssignedAt int64  `json:"assignedAt"`
		} `json:"workList"`
		MarkList []struct {
			Pkg     int64  `json:"pkg"`
			PkgName string `json:"pkgName"`
			Marks   []struct {
				Name string `json:"name"`
			} `json:"marks"`
		} `json:"markList"`
	}
	if err := json.Unmarshal(data, &board); err != nil {
		t.Fatalf("decode board %s: %v", data, err)
	}
	if len(board.WorkList) != 1 || board.WorkList[0].PkgName != "libfoo" || board.WorkList[0].Alias != "alice" || board.WorkList[0].AssignedAt != 100 {
		t.Fatalf("unexpected work list %s", data)
	}
	if len(board.MarkList) != 1 || board.MarkList[0].PkgName != "libbar" || len(board.MarkList[0].Marks) != 1 {
		t.Fatalf("unexpected mark list %s", data)
	}
}

func TestAssignUnknownPackage(t *testing.T) {
	ts := newTestServer(t, nil)
	seedPackager(t, ts, 42, "alice")
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/packages/999/assign", map[string]any{"assignee": 42}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d body %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestUnassignAndAssignee(t *testing.T) {
	ts := newTestServer(t, nil)
	seedPackager(t, ts, 42, "alice")
	seedPackage(t, ts, 7, "libfoo")

	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/packages/7/assign", map[string]any{"assignee": 42}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: status %d body %s", res.StatusCode, data)
	}
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/packages/7/unassign", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unassign: status %d body %s", res.StatusCode, data)
	}
	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/packages/7/assignee", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assignee: status %d body %s", res.StatusCode, data)
	}
	var out struct {
		Assigned bool `json:"assigned"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode assignee %s: %v", data, err)
	}
	if out.Assigned {
		t.Fatalf("expected unassigned, got %s", data)
	}
}

func TestRecordMarkWithoutReferences(t *testing.T) {
	ts := newTestServer(t, nil)
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/marks", map[string]any{
		"name": "unknown", "msg_id": 555,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status %d body %s", res.StatusCode, data)
	}
	var mark struct {
		Name     string `json:"name"`
		ForPkg   *int64 `json:"for_pkg"`
		MarkedBy *int64 `json:"marked_by"`
	}
	if err := json.Unmarshal(data, &mark); err != nil {
		t.Fatalf("decode mark %s: %v", data, err)
	}
	if mark.Name != "unknown" || mark.ForPkg != nil || mark.MarkedBy != nil {
		t.Fatalf("unexpected mark %s", data)
	}
}

func TestRecordMarkUnknownName(t *testing.T) {
	ts := newTestServer(t, nil)
	seedPackager(t, ts, 42, "alice")
	seedPackage(t, ts, 7, "libfoo")
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/marks", map[string]any{
		"name": "nonsense", "for_pkg": 7, "marked_by": 42, "msg_id": 1,
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d body %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "constraint_violation" {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestRelationsAndReady(t *testing.T) {
	ts := newTestServer(t, nil)
	seedPackage(t, ts, 1, "libfoo")
	seedPackage(t, ts, 2, "libbar")

	res, data := doJSON(t, ts.client, http.MethodPut, ts.URL+"/v0/relations", map[string]any{
		"request": 1, "required": 2, "status": "missing_dep",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put relation: status %d body %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/packages/1/ready", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ready: status %d body %s", res.StatusCode, data)
	}
	var ready struct {
		Ready    bool    `json:"ready"`
		Blockers []int64 `json:"blockers"`
	}
	if err := json.Unmarshal(data, &ready); err != nil {
		t.Fatalf("decode ready %s: %v", data, err)
	}
	if ready.Ready || len(ready.Blockers) != 1 || ready.Blockers[0] != 2 {
		t.Fatalf("unexpected ready payload %s", data)
	}

	res, data = doJSON(t, ts.client, http.MethodDelete, ts.URL+"/v0/relations/1/2", nil, nil)
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("resolve: status %d body %s", res.StatusCode, data)
	}
	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/packages/1/ready", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ready: status %d body %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &ready); err != nil {
		t.Fatalf("decode ready %s: %v", data, err)
	}
	if !ready.Ready {
		t.Fatalf("expected ready after resolve, got %s", data)
	}
}

func TestReadyCycleConflict(t *testing.T) {
	ts := newTestServer(t, nil)
	seedPackage(t, ts, 1, "libfoo")
	seedPackage(t, ts, 2, "libbar")
	for _, rel := range []map[string]any{
		{"request": 1, "required": 2, "status": "missing_dep"},
		{"request": 2, "required": 1, "status": "missing_dep"},
	} {
		res, data := doJSON(t, ts.client, http.MethodPut, ts.URL+"/v0/relations", rel, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("put relation: status %d body %s", res.StatusCode, data)
		}
	}
	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/packages/1/ready", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d body %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "cyclic_dependency" {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestSelfDependencyRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	seedPackage(t, ts, 1, "libfoo")
	res, data := doJSON(t, ts.client, http.MethodPut, ts.URL+"/v0/relations", map[string]any{
		"request": 1, "required": 1, "status": "missing_dep",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d body %s", res.StatusCode, data)
	}
}

func TestReleaseHook(t *testing.T) {
	ts := newTestServer(t, nil)
	seedPackager(t, ts, 42, "alice")
	seedPackage(t, ts, 7, "libfoo")
	seedPackage(t, ts, 8, "libbar")

	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/packages/7/assign", map[string]any{"assignee": 42}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: status %d body %s", res.StatusCode, data)
	}
	res, data = doJSON(t, ts.client, http.MethodPut, ts.URL+"/v0/relations", map[string]any{
		"request": 8, "required": 7, "status": "missing_dep",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put relation: status %d body %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/delete/libfoo/leaf?token=hooksecret", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("release: status %d body %s", res.StatusCode, data)
	}
	var out struct {
		Pkg struct {
			Name string `json:"name"`
		} `json:"pkg"`
		Status   string `json:"status"`
		Assignee *struct {
			TgUID int64 `json:"tg_uid"`
		} `json:"assignee"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode release %s: %v", data, err)
	}
	if out.Pkg.Name != "libfoo" || out.Status != "leaf" || out.Assignee == nil || out.Assignee.TgUID != 42 {
		t.Fatalf("unexpected release payload %s", data)
	}

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/packages/8/ready", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ready: status %d body %s", res.StatusCode, data)
	}
	var ready struct {
		Ready bool `json:"ready"`
	}
	if err := json.Unmarshal(data, &ready); err != nil {
		t.Fatalf("decode ready %s: %v", data, err)
	}
	if !ready.Ready {
		t.Fatalf("expected dependent unblocked after release, got %s", data)
	}
}

func TestReleaseHookNotificationEscapesName(t *testing.T) {
	var mu sync.Mutex
	var texts []string
	tgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad telegram body: %v", err)
		}
		mu.Lock()
		texts = append(texts, body.Text)
		mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer tgSrv.Close()

	ts := newTestServer(t, func(cfg *Config) {
		tg := notify.NewTelegram("secret", 1)
		tg.BaseURL = tgSrv.URL
		cfg.Telegram = tg
	})
	seedPackager(t, ts, 42, "alice")
	seedPackage(t, ts, 7, "lib<foo")

	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/packages/7/assign", map[string]any{"assignee": 42}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: status %d body %s", res.StatusCode, data)
	}
	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/delete/lib%3Cfoo/leaf?token=hooksecret", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("release: status %d body %s", res.StatusCode, data)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(texts) != 1 {
		t.Fatalf("expected one notification, got %v", texts)
	}
	if !strings.Contains(texts[0], "lib&lt;foo") {
		t.Fatalf("expected escaped package name, got %q", texts[0])
	}
	if !strings.Contains(texts[0], `tg://user?id=42`) {
		t.Fatalf("expected assignee mention, got %q", texts[0])
	}
}

func TestReleaseHookAuth(t *testing.T) {
	ts := newTestServer(t, nil)
	seedPackage(t, ts, 7, "libfoo")

	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/delete/libfoo/leaf?token=wrong", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d body %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/delete/libfoo/whatever?token=hooksecret", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d body %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/delete/ghost/leaf?token=hooksecret", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d body %s", res.StatusCode, data)
	}
}

func TestReleaseHookDisabledWithoutToken(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.ReleaseToken = "" })
	seedPackage(t, ts, 7, "libfoo")
	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/delete/libfoo/leaf?token=anything", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d body %s", res.StatusCode, data)
	}
}

func TestAPITokenAuth(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.Auth = AuthConfig{APIToken: "sekrit"} })

	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/packages", map[string]any{"id": 1, "name": "libfoo"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d body %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/packages", map[string]any{"id": 1, "name": "libfoo"},
		map[string]string{"X-Api-Token": "sekrit"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with token, got %d body %s", res.StatusCode, data)
	}

	// board stays public
	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/pkg", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("board must be public, got %d body %s", res.StatusCode, data)
	}
}

func TestEventsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	seedPackager(t, ts, 42, "alice")
	seedPackage(t, ts, 7, "libfoo")
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/packages/7/assign", map[string]any{"assignee": 42}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: status %d body %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts.client, http.MethodGet, fmt.Sprintf("%s/v0/events?type=%s", ts.URL, "pkg.assigned"), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: status %d body %s", res.StatusCode, data)
	}
	var events []struct {
		Type     string `json:"type"`
		EntityID string `json:"entity_id"`
	}
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("decode events %s: %v", data, err)
	}
	if len(events) != 1 || events[0].EntityID != "7" {
		t.Fatalf("unexpected events %s", data)
	}
}
