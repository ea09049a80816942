package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/authcore/internal/config"
	otelPkg "github.com/basket/authcore/internal/otel"
	"github.com/basket/authcore/internal/task"
)

const testMasterKey = "0123456789abcdef0123"

// setTestHome points config.Load at a fresh home directory.
func setTestHome(t *testing.T, backendURL string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AUTHCORE_HOME", home)
	t.Setenv("AUTHCORE_MASTER_KEY", testMasterKey)
	t.Setenv("AUTHCORE_BACKEND_URL", backendURL)
	t.Setenv("AUTHCORE_EVENTS_URL", "")
	t.Setenv("AUTHCORE_DB_PATH", "")
	return home
}

func captureStdout(t *testing.T, fn func() int) (string, int) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	old := os.Stdout
	os.Stdout = w
	code := fn()
	w.Close()
	os.Stdout = old
	out, _ := io.ReadAll(r)
	return string(out), code
}

type fakeBackend struct {
	mu      sync.Mutex
	bearers []string
}

func (f *fakeBackend) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.Path {
		case "/auth/register":
			_ = json.NewEncoder(w).Encode(map[string]string{"user_id": "user-1"})
		case "/auth/sign-in":
			if body["user_id"] != "user-1" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unknown_user"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id_token":      "id-1",
				"access_token":  "a-1",
				"refresh_token": "r-1",
				"expires_in":    3600,
			})
		case "/v1/echo":
			f.mu.Lock()
			f.bearers = append(f.bearers, r.Header.Get("Authorization"))
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(body)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestNewApp_RequiresMasterKey(t *testing.T) {
	cfg := config.Default()
	cfg.HomeDir = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.HomeDir, "credentials.db")
	if _, err := newApp(context.Background(), cfg, nil, nil); !errors.Is(err, errNoMasterKey) {
		t.Fatalf("expected errNoMasterKey, got %v", err)
	}
}

func TestNewApp_OptionalComponents(t *testing.T) {
	cfg := config.Default()
	cfg.HomeDir = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.HomeDir, "credentials.db")
	cfg.MasterKey = testMasterKey

	a, err := newApp(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if a.refresher != nil || a.keeper != nil || a.hub != nil {
		t.Fatal("expected backend and hub components to be absent without urls")
	}
	if a.dispatcher == nil || a.scheduler == nil || a.state == nil {
		t.Fatal("expected core components")
	}
	if err := a.requireBackend(); err == nil {
		t.Fatal("expected requireBackend error")
	}
	a.close()

	cfg.BackendURL = "http://127.0.0.1:1"
	cfg.EventsURL = "ws://127.0.0.1:1/events"
	a, err = newApp(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("new app with urls: %v", err)
	}
	defer a.close()
	if a.refresher == nil || a.keeper == nil || a.hub == nil {
		t.Fatal("expected backend and hub components")
	}
}

func TestLoadSchemas(t *testing.T) {
	dir := t.TempDir()
	schema := `{"type":"object","required":["id"],"properties":{"id":{"type":"string"}}}`
	if err := os.WriteFile(filepath.Join(dir, "create.schema.json"), []byte(schema), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	tr, err := loadSchemas(dir, []string{"create", "update"}, logger)
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}
	if _, err := tr.Translate("create", []byte(`{"name":"x"}`)); err == nil {
		t.Fatal("expected create event without id to fail validation")
	}
	if _, err := tr.Translate("update", []byte(`{"name":"x"}`)); err != nil {
		t.Fatalf("update has no schema and should decode: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "update.schema.json"), []byte(`{"type":`), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	if _, err := loadSchemas(dir, []string{"update"}, logger); err == nil {
		t.Fatal("expected malformed schema to fail")
	}

	if _, err := loadSchemas(filepath.Join(dir, "missing"), []string{"create"}, logger); err != nil {
		t.Fatalf("missing schema dir should not fail: %v", err)
	}
}

func TestWatchConfig_ReloadsDepthOnly(t *testing.T) {
	home := setTestHome(t, "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	a, err := newApp(context.Background(), cfg, logger, nil)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := config.NewWatcher(home, logger)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	go watchConfig(ctx, a, w, logger)

	data := "serial_queue:\n  max_queue_depth: 4\nparallel_queue:\n  max_queue_depth: 6\n  max_concurrency: 2\n"
	if err := os.WriteFile(config.ConfigPath(home), []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	wantConc := cfg.ParallelQueue.MaxConcurrency
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := a.scheduler.Status()
		if st.Serial.MaxQueueDepth == 4 && st.Parallel.MaxQueueDepth == 6 {
			if st.Parallel.MaxConcurrency != wantConc {
				t.Fatalf("reload changed concurrency to %d, want %d", st.Parallel.MaxConcurrency, wantConc)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("queues not reconfigured: %+v", a.scheduler.Status())
}

func TestTelemetryProvider_FromConfig(t *testing.T) {
	home := setTestHome(t, "")
	t.Setenv("AUTHCORE_CLIENT_ID", "")
	data := "client_id: android-app\nserial_queue:\n  max_queue_depth: 5\notel:\n  enabled: true\n  exporter: file\n"
	if err := os.WriteFile(config.ConfigPath(home), []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	provider, err := otelPkg.Init(ctx, cfg.OTel, telemetryInstall(cfg))
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	if !provider.Enabled() {
		t.Fatal("otel enabled in config but provider is a noop")
	}
	if v, ok := provider.Resource.Set().Value("authcore.client_id"); !ok || v.AsString() != "android-app" {
		t.Fatalf("client id attribute = %v", v)
	}
	if v, ok := provider.Resource.Set().Value("authcore.queue.serial.max_depth"); !ok || v.AsInt64() != 5 {
		t.Fatalf("serial depth attribute = %v", v)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	a, err := newApp(ctx, cfg, logger, provider)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.close()
	tk := task.New("warmup", nil)
	if err := a.scheduler.Serial().AddTasks(ctx, []*task.Task{tk}, true); err != nil {
		t.Fatalf("run task: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rm, err := provider.CollectMetrics(ctx)
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		if otelPkg.Totals(rm)["authcore.task.finished"] >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task metrics never recorded: %v", otelPkg.Totals(rm))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "logs", "traces.jsonl")); err != nil {
		t.Fatalf("file exporter did not create traces.jsonl: %v", err)
	}
}

func TestNewApp_NilProviderUsesNoop(t *testing.T) {
	setTestHome(t, "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	provider, err := otelPkg.Init(context.Background(), cfg.OTel, telemetryInstall(cfg))
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	if provider.Enabled() {
		t.Fatal("otel is disabled by default")
	}
	a, err := newApp(context.Background(), cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("new app without provider: %v", err)
	}
	a.close()
}

func TestParamFlag(t *testing.T) {
	p := paramFlag{}
	if err := p.Set("password=pw=x"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if p["password"] != "pw=x" {
		t.Fatalf("unexpected value %q", p["password"])
	}
	if err := p.Set("novalue"); err == nil {
		t.Fatal("expected error without '='")
	}
	if err := p.Set("=x"); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestAccountCommands_EndToEnd(t *testing.T) {
	fb := &fakeBackend{}
	ts := httptest.NewServer(fb.handler(t))
	defer ts.Close()
	home := setTestHome(t, ts.URL)
	ctx := context.Background()

	out, code := captureStdout(t, func() int { return runRegisterCommand(ctx, nil) })
	if code != 0 || strings.TrimSpace(out) != "user-1" {
		t.Fatalf("register: code=%d out=%q", code, out)
	}
	trail, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil || !strings.Contains(string(trail), `"credential.registered"`) {
		t.Fatalf("register not audited: %v %s", err, trail)
	}

	if code := runCallCommand(ctx, []string{"/v1/echo"}); code != 1 {
		t.Fatalf("call before sign in: got %d, want 1", code)
	}

	if _, code := captureStdout(t, func() int { return runSignInCommand(ctx, nil) }); code != 0 {
		t.Fatalf("signin: got %d", code)
	}

	out, code = captureStdout(t, func() int { return runCallCommand(ctx, []string{"/v1/echo", `{"n":1}`}) })
	if code != 0 {
		t.Fatalf("call: got %d", code)
	}
	var echoed map[string]float64
	if err := json.Unmarshal([]byte(out), &echoed); err != nil || echoed["n"] != 1 {
		t.Fatalf("unexpected call output %q (%v)", out, err)
	}
	if _, code := captureStdout(t, func() int { return runCallCommand(ctx, []string{"-mutate", "/v1/echo"}) }); code != 0 {
		t.Fatalf("mutate call: got %d", code)
	}
	fb.mu.Lock()
	bearers := append([]string(nil), fb.bearers...)
	fb.mu.Unlock()
	if len(bearers) != 2 || bearers[0] != "Bearer a-1" || bearers[1] != "Bearer a-1" {
		t.Fatalf("unexpected bearers %v", bearers)
	}

	out, code = captureStdout(t, func() int { return runStatusCommand(ctx, nil) })
	if code != 0 {
		t.Fatalf("status: got %d", code)
	}
	var report statusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode status: %v (%q)", err, out)
	}
	if !report.Credentials.SignedIn || report.Credentials.UserID != "user-1" || !report.Backend {
		t.Fatalf("unexpected status %+v", report)
	}
	if strings.Contains(out, "a-1") || strings.Contains(out, "r-1") {
		t.Fatalf("status leaked a token: %s", out)
	}

	if code := runSignOutCommand(ctx, nil); code != 0 {
		t.Fatalf("signout: got %d", code)
	}
	out, _ = captureStdout(t, func() int { return runStatusCommand(ctx, nil) })
	report = statusReport{}
	_ = json.Unmarshal([]byte(out), &report)
	if report.Credentials.SignedIn || report.Credentials.UserID != "user-1" {
		t.Fatalf("signout should keep the user id only: %+v", report.Credentials)
	}

	if code := runResetCommand(ctx, nil); code != 0 {
		t.Fatalf("reset: got %d", code)
	}
	out, _ = captureStdout(t, func() int { return runStatusCommand(ctx, nil) })
	report = statusReport{}
	_ = json.Unmarshal([]byte(out), &report)
	if report.Credentials.Registered {
		t.Fatalf("reset should remove the user id: %+v", report.Credentials)
	}
}

func TestCommands_UsageErrors(t *testing.T) {
	setTestHome(t, "")
	ctx := context.Background()
	tests := []struct {
		name string
		run  func() int
	}{
		{"status extra args", func() int { return runStatusCommand(ctx, []string{"extra"}) }},
		{"signout extra args", func() int { return runSignOutCommand(ctx, []string{"extra"}) }},
		{"reset extra args", func() int { return runResetCommand(ctx, []string{"extra"}) }},
		{"register positional", func() int { return runRegisterCommand(ctx, []string{"who"}) }},
		{"call without path", func() int { return runCallCommand(ctx, nil) }},
		{"call invalid body", func() int { return runCallCommand(ctx, []string{"/x", "{"}) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if code := tc.run(); code != 2 {
				t.Fatalf("got exit code %d, want 2", code)
			}
		})
	}
}

func TestCommands_NoBackend(t *testing.T) {
	setTestHome(t, "")
	ctx := context.Background()
	if code := runRegisterCommand(ctx, nil); code != 1 {
		t.Fatalf("register without backend: got %d, want 1", code)
	}
	if code := runSignInCommand(ctx, nil); code != 1 {
		t.Fatalf("signin without backend: got %d, want 1", code)
	}
	if code := runCallCommand(ctx, []string{"/x"}); code != 1 {
		t.Fatalf("call without backend: got %d, want 1", code)
	}
}

func TestRunStatusCommand_NoMasterKey(t *testing.T) {
	setTestHome(t, "")
	t.Setenv("AUTHCORE_MASTER_KEY", "")
	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunDoctorCommand_JSON(t *testing.T) {
	setTestHome(t, "")
	out, code := captureStdout(t, func() int { return runDoctorCommand(context.Background(), []string{"-json"}) })
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &diag); err != nil {
		t.Fatalf("decode doctor output: %v (%q)", err, out)
	}
	if len(diag.Results) == 0 {
		t.Fatal("expected results")
	}
	if code != 0 {
		t.Fatalf("expected clean diagnosis with master key set, got %d: %s", code, out)
	}
}
