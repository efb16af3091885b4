package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

var envMu sync.Mutex

const (
	testPG     = "postgres://u:p@localhost:5432/db?sslmode=disable"
	testRouter = "http://kannel:13013/cgi-bin/sendsms?to=%(recipient)s&text=%(text)s"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("POSTGRES_URL", testPG)
	t.Setenv("ROUTER_URL", testRouter)
}

func TestLoadAll_HappyPath_NoRedis(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Database.PostgresURL != testPG {
		t.Fatalf("unexpected PostgresURL: %q", cfg.Database.PostgresURL)
	}
	if cfg.Router.Templates.Single != testRouter {
		t.Fatalf("unexpected router template: %+v", cfg.Router.Templates)
	}
	if cfg.Router.Method != "GET" {
		t.Fatalf("unexpected Router.Method default: %q", cfg.Router.Method)
	}
	if cfg.Router.Timeout != 15*time.Second {
		t.Fatalf("unexpected Router.Timeout default: %v", cfg.Router.Timeout)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected Server.Address default: %q", cfg.Server.Address)
	}
	if cfg.Scheduler.Interval != 60*time.Second {
		t.Fatalf("unexpected Scheduler.Interval default: %v", cfg.Scheduler.Interval)
	}

	d := cfg.Dispatch
	if d.ChunkSize != 400 || d.SweepLimit != 100 {
		t.Fatalf("unexpected chunk/sweep defaults: %+v", d)
	}
	if d.StaleQueued != 120*time.Second || d.MessageLease != 60*time.Second || d.SweepLease != 300*time.Second {
		t.Fatalf("unexpected duration defaults: %+v", d)
	}

	if cfg.Redis.Enabled {
		t.Fatalf("expected Redis disabled when REDIS_ADDR not set")
	}
}

func TestLoadAll_HappyPath_WithRedis(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)

	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("EVENTS_CHANNEL", "sms:events")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if !cfg.Redis.Enabled {
		t.Fatalf("expected Redis enabled")
	}
	if cfg.Redis.Address != "localhost:6379" {
		t.Fatalf("unexpected Redis.Address: %q", cfg.Redis.Address)
	}
	if cfg.Redis.Password != "secret" {
		t.Fatalf("unexpected Redis.Password: %q", cfg.Redis.Password)
	}
	if cfg.Redis.DB != 3 {
		t.Fatalf("unexpected Redis.DB: %d", cfg.Redis.DB)
	}
	if cfg.Redis.EventsChannel != "sms:events" {
		t.Fatalf("unexpected Redis.EventsChannel: %q", cfg.Redis.EventsChannel)
	}
}

func TestLoadAll_RouterFile(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	t.Setenv("POSTGRES_URL", testPG)

	path := filepath.Join(t.TempDir(), "router.yaml")
	body := `
router_url:
  default: http://kannel/send?to=%(recipient)s
  yo: http://yo/send?dest=%(recipient)s
bulk_router_url:
  yo: http://yo/bulk?dest=%(recipient)s
method: post
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	t.Setenv("ROUTER_CONFIG_FILE", path)

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if got, _ := cfg.Router.Templates.Resolve("yo"); got != "http://yo/send?dest=%(recipient)s" {
		t.Fatalf("unexpected yo template %q", got)
	}
	if got, _ := cfg.Router.Templates.Resolve("mtn"); got != "http://kannel/send?to=%(recipient)s" {
		t.Fatalf("expected default template for unknown backend, got %q", got)
	}
	if cfg.Router.BulkTemplates["yo"] == "" {
		t.Fatalf("expected bulk template for yo, got %+v", cfg.Router.BulkTemplates)
	}
	if cfg.Router.Method != "POST" {
		t.Fatalf("expected method from file, got %q", cfg.Router.Method)
	}

	// env overrides the file
	t.Setenv("ROUTER_URL", testRouter)
	t.Setenv("ROUTER_HTTP_METHOD", "GET")
	cfg, err = LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}
	if cfg.Router.Templates.Single != testRouter || cfg.Router.Method != "GET" {
		t.Fatalf("expected env override, got %+v", cfg.Router)
	}
}

func TestLoadAll_RouterFileErrors(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	t.Setenv("POSTGRES_URL", testPG)

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("ROUTER_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
		if _, err := LoadAll(); err == nil || !strings.Contains(err.Error(), "ROUTER_CONFIG_FILE") {
			t.Fatalf("expected file error, got %v", err)
		}
	})

	t.Run("bad router_url shape", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "router.yaml")
		if err := os.WriteFile(path, []byte("router_url: [a, b]\n"), 0o600); err != nil {
			t.Fatalf("write file: %v", err)
		}
		t.Setenv("ROUTER_CONFIG_FILE", path)
		if _, err := LoadAll(); err == nil {
			t.Fatalf("expected parse error")
		}
	})
}

func TestLoadAll_RequiredEnvMissing(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	t.Run("missing POSTGRES_URL", func(t *testing.T) {
		clearTestEnv(t)
		t.Setenv("ROUTER_URL", testRouter)

		_, err := LoadAll()
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "POSTGRES_URL") {
			t.Fatalf("expected error mentioning POSTGRES_URL, got: %v", err)
		}
	})

	t.Run("missing ROUTER_URL", func(t *testing.T) {
		clearTestEnv(t)
		t.Setenv("POSTGRES_URL", testPG)

		_, err := LoadAll()
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "ROUTER_URL") {
			t.Fatalf("expected error mentioning ROUTER_URL, got: %v", err)
		}
	})

	t.Run("reports every missing var", func(t *testing.T) {
		clearTestEnv(t)

		_, err := LoadAll()
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "POSTGRES_URL") || !strings.Contains(err.Error(), "ROUTER_URL") {
			t.Fatalf("expected both vars in error, got: %v", err)
		}
	})
}

func TestLoadAll_InvalidInts(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []string{
		"SCHED_INTERVAL_SECONDS",
		"CHUNK_SIZE",
		"SWEEP_LIMIT",
		"STALE_QUEUED_SECONDS",
		"MESSAGE_LOCK_SECONDS",
		"SWEEP_LOCK_SECONDS",
		"ROUTER_TIMEOUT_SECONDS",
		"REDIS_DB",
	}

	for _, key := range cases {
		t.Run(key, func(t *testing.T) {
			clearTestEnv(t)
			setRequired(t)

			if strings.HasPrefix(key, "REDIS_") {
				t.Setenv("REDIS_ADDR", "localhost:6379")
			}
			t.Setenv(key, "abc")

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("expected error mentioning %s, got: %v", key, err)
			}
		})
	}
}

func TestLoadAll_ValidationFailures(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		key string
		val string
	}{
		{"SCHED_INTERVAL_SECONDS", "0"},
		{"CHUNK_SIZE", "0"},
		{"SWEEP_LIMIT", "-1"},
		{"STALE_QUEUED_SECONDS", "-5"},
		{"MESSAGE_LOCK_SECONDS", "0"},
		{"SWEEP_LOCK_SECONDS", "0"},
		{"ROUTER_TIMEOUT_SECONDS", "0"},
		{"ROUTER_HTTP_METHOD", "PUT"},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			clearTestEnv(t)
			setRequired(t)
			t.Setenv(tc.key, tc.val)

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.key, err)
			}
		})
	}
}

func TestLoadAll_StaleQueuedZeroDisables(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)
	t.Setenv("STALE_QUEUED_SECONDS", "0")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}
	if cfg.Dispatch.StaleQueued != 0 {
		t.Fatalf("expected 0, got %v", cfg.Dispatch.StaleQueued)
	}
}

func TestRequireEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	_, err := requireEnv("MISSING_KEY")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	t.Setenv("FOO", "bar")
	v, err := requireEnv("FOO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "bar" {
		t.Fatalf("expected %q, got %q", "bar", v)
	}
}

func TestGetEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	if got := getEnv("NOPE", "default"); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}

	t.Setenv("A", "x")
	if got := getEnv("A", "default"); got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	got, err := getEnvInt("MISSING", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}

	t.Setenv("N", "123")
	got, err = getEnvInt("N", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 123 {
		t.Fatalf("expected 123, got %d", got)
	}

	t.Setenv("BAD", "abc")
	_, err = getEnvInt("BAD", 7)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "BAD") {
		t.Fatalf("expected error mentioning BAD, got: %v", err)
	}
}

func TestJoinErrors(t *testing.T) {
	if err := joinErrors(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	e1 := errors.New("one")
	e2 := errors.New("two")
	err := joinErrors([]error{e1, e2})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	if !errors.Is(err, e1) {
		t.Fatalf("expected errors.Is(err, e1) to be true")
	}
	if !errors.Is(err, e2) {
		t.Fatalf("expected errors.Is(err, e2) to be true")
	}
}

func clearTestEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"POSTGRES_URL",
		"ROUTER_URL",
		"ROUTER_CONFIG_FILE",
		"ROUTER_HTTP_METHOD",
		"ROUTER_TIMEOUT_SECONDS",
		"SCHED_INTERVAL_SECONDS",
		"CHUNK_SIZE",
		"SWEEP_LIMIT",
		"STALE_QUEUED_SECONDS",
		"MESSAGE_LOCK_SECONDS",
		"SWEEP_LOCK_SECONDS",
		"SERVER_ADDRESS",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"EVENTS_CHANNEL",
		"FOO",
		"A",
		"N",
		"BAD",
	}
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}
