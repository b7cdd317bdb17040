package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	rc "github.com/linnemanlabs/corerecon/internal/cfg"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestRouteUpgrades(t *testing.T) {
	t.Parallel()

	tag := func(name string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("X-Handler", name)
		})
	}
	h := routeUpgrades(tag("ws"), tag("api"))

	tests := []struct {
		path string
		want string
	}{
		{"/ws/alerts", "ws"},
		{"/ws/incidents/42", "ws"},
		{"/ws", "api"},
		{"/wsx/alerts", "api"},
		{"/api/v1/alerts", "api"},
		{"/-/healthy", "api"},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))
		if got := rec.Header().Get("X-Handler"); got != tt.want {
			t.Errorf("%s routed to %q, want %q", tt.path, got, tt.want)
		}
	}
}

func defaultConfig(t *testing.T) rc.Config {
	t.Helper()
	var c rc.Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return c
}

func TestShutdown_RunsStepsInOrder(t *testing.T) {
	t.Parallel()

	var order []string
	step := func(name string, err error) stopStep {
		return stopStep{name, func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Errorf("%s: context has no deadline", name)
			}
			order = append(order, name)
			return err
		}}
	}

	shutdown(context.Background(), log.Nop(), time.Second, []stopStep{
		step("api", nil),
		step("streams", errors.New("boom")),
		step("relay", nil),
	})

	if got := strings.Join(order, ","); got != "api,streams,relay" {
		t.Errorf("order = %q, want api,streams,relay", got)
	}
}

func TestShutdown_SlowStepGetsItsSlice(t *testing.T) {
	t.Parallel()

	var slowErr error
	start := time.Now()
	shutdown(context.Background(), log.Nop(), 200*time.Millisecond, []stopStep{
		{"slow", func(ctx context.Context) error {
			<-ctx.Done()
			slowErr = ctx.Err()
			return slowErr
		}},
		{"fast", func(context.Context) error { return nil }},
	})

	if !errors.Is(slowErr, context.DeadlineExceeded) {
		t.Errorf("slow step err = %v, want deadline exceeded", slowErr)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("shutdown took %v", elapsed)
	}
}

func TestShutdown_NoSteps(t *testing.T) {
	t.Parallel()
	shutdown(context.Background(), log.Nop(), time.Second, nil)
}

func TestStartRelay_StopWaitsForRun(t *testing.T) {

	c := defaultConfig(t)
	a, err := buildApp(context.Background(), log.Nop(), &c, prometheus.NewRegistry(), "test")
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	stopRelay := startRelay(log.Nop(), a.relay)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := stopRelay(ctx); err != nil {
		t.Fatalf("stop relay: %v", err)
	}
}

func TestAPIHandler(t *testing.T) {
	// Not parallel: buildApp installs the global query observer.
	c := defaultConfig(t)
	a, err := buildApp(context.Background(), log.Nop(), &c, prometheus.NewRegistry(), "test")
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.closeStore()

	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	h := apiHandler(handlerDeps{
		logger:  log.Nop(),
		app:     a,
		tokens:  []string{"secret"},
		healthz: ok,
		readyz:  ok,
	})

	alert := `{"title":"Brute force","source":"edr","raw_event":{"src_ip":"10.0.0.1"}}`
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		auth   string
		want   int
	}{
		{"healthz open", http.MethodGet, "/-/healthy", "", "", http.StatusOK},
		{"readyz open", http.MethodGet, "/-/ready", "", "", http.StatusOK},
		{"api needs token", http.MethodPost, "/api/v1/alerts", alert, "", http.StatusUnauthorized},
		{"api with token", http.MethodPost, "/api/v1/alerts", alert, "Bearer secret", http.StatusCreated},
		{"stats with token", http.MethodGet, "/api/v1/streams/stats", "", "Bearer secret", http.StatusOK},
		{"ws needs token", http.MethodGet, "/ws/alerts", "", "", http.StatusUnauthorized},
		{"unknown route", http.MethodGet, "/nope", "", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %q)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestOpenStore_MemoryWithoutDatabase(t *testing.T) {
	t.Parallel()

	c := defaultConfig(t)
	store, closeStore, err := openStore(context.Background(), log.Nop(), &c)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer closeStore()
	if store == nil {
		t.Fatal("store is nil")
	}
}

func TestLoadExtractor_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := loadExtractor(context.Background(), log.Nop(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "signature aliases") {
		t.Fatalf("err = %v, want signature aliases error", err)
	}
}
