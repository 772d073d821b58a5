package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cjeanneret/camsession/internal/config"
	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/cjeanneret/camsession/internal/logic/persist"
	"github.com/cjeanneret/camsession/internal/logic/session"
	"github.com/cjeanneret/camsession/internal/store"
	"github.com/cjeanneret/camsession/internal/web"
)

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("expected default port 8080, got %d", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port() = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	for _, input := range []string{"0", "65536", "-1", "abc", "8080.5"} {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail, got nil", input)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
}

// ---------- wiring ----------

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("storage:\n  pictures_root: " + t.TempDir() + "\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func TestNewBackendFromConfig_Sim(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Device.IDs = []string{"back", "front"}

	backend, err := newBackendFromConfig(cfg)
	if err != nil {
		t.Fatalf("newBackendFromConfig: %v", err)
	}
	ids, err := backend.DeviceIDs()
	if err != nil {
		t.Fatalf("DeviceIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "back" {
		t.Errorf("ids = %v, want [back front]", ids)
	}
	caps, err := backend.Capabilities("back")
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if len(caps.Outputs) != len(config.DefaultCapabilities) {
		t.Errorf("outputs = %d, want %d", len(caps.Outputs), len(config.DefaultCapabilities))
	}
}

func TestNewBackendFromConfig_Unsupported(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Device.Backend = "v4l2"
	if _, err := newBackendFromConfig(cfg); err == nil {
		t.Error("unsupported backend should fail")
	}
}

func TestNewIndicatorFromConfig(t *testing.T) {
	cfg := newTestConfig(t)
	ind, err := newIndicatorFromConfig(cfg)
	if err != nil || ind != nil {
		t.Fatalf("disabled indicator = %v, %v; want nil, nil", ind, err)
	}

	cfg.Indicator.Enabled = true
	ind, err = newIndicatorFromConfig(cfg)
	if err != nil {
		t.Fatalf("newIndicatorFromConfig: %v", err)
	}
	if err := ind.SetBusy(true); err != nil {
		t.Errorf("SetBusy: %v", err)
	}
	if err := ind.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestCoordinatorOptions(t *testing.T) {
	cfg := newTestConfig(t)
	opts := coordinatorOptions(cfg)
	if opts.FrameTimeout != 2*time.Second || opts.CaptureTimeout != 10*time.Second {
		t.Errorf("timeouts = %v/%v, want 2s/10s", opts.FrameTimeout, opts.CaptureTimeout)
	}
	if opts.MaxImages != 2 || opts.PreviewTarget != "preview" || !opts.AutoPreview {
		t.Errorf("options = %+v", opts)
	}
}

func TestCommandTimeout(t *testing.T) {
	cfg := newTestConfig(t)
	if d := commandTimeout(cfg); d != web.DefaultCommandTimeout {
		t.Errorf("commandTimeout = %v, want %v", d, web.DefaultCommandTimeout)
	}
	cfg.Session.CaptureTimeoutMs = 30000
	if d := commandTimeout(cfg); d != 32*time.Second {
		t.Errorf("commandTimeout = %v, want 32s", d)
	}
}

// ---------- captureOnce ----------

func newTestCoordinator(t *testing.T, cfg *config.Config) (*session.Coordinator, *camera.Sim) {
	t.Helper()
	backend, err := newBackendFromConfig(cfg)
	if err != nil {
		t.Fatalf("newBackendFromConfig: %v", err)
	}
	opts := coordinatorOptions(cfg)
	opts.AutoPreview = false
	opts.Registry = session.NewRegistry()
	coord := session.New(backend, persist.New(cfg.Storage.PicturesRoot, cfg.NameResolution()), cliListener{}, opts)
	t.Cleanup(coord.OnBackground)
	return coord, backend.(*camera.Sim)
}

func TestCaptureOnce_WritesStill(t *testing.T) {
	cfg := newTestConfig(t)
	coord, _ := newTestCoordinator(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path, err := captureOnce(ctx, coord, 90)
	if err != nil {
		t.Fatalf("captureOnce: %v", err)
	}
	if filepath.Dir(path) != filepath.Join(cfg.Storage.PicturesRoot, persist.Subdir) {
		t.Errorf("path = %q", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("stat still: %v", err)
	}
	if coord.State() != session.Closed {
		t.Errorf("state = %s, want Closed", coord.State())
	}
}

func TestCaptureOnce_PermissionDenied(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Device.GrantCamera = false
	coord, sim := newTestCoordinator(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := captureOnce(ctx, coord, 0)
	if session.KindOf(err) != session.PermissionDenied {
		t.Errorf("err = %v, want PermissionDenied", err)
	}
	if sim.Opens() != 0 {
		t.Errorf("opens = %d, want 0", sim.Opens())
	}
}

// ---------- run ----------

// writeRunConfig writes a config with the mock indicator and a capture
// history under a fresh configs/ directory and returns its path.
func writeRunConfig(t *testing.T) (cfgPath, root string) {
	t.Helper()
	dir := t.TempDir()
	root = filepath.Join(dir, "pictures")
	yaml := "storage:\n" +
		"  pictures_root: " + root + "\n" +
		"  history_db: " + filepath.Join(root, "history.db") + "\n" +
		"indicator:\n" +
		"  enabled: true\n" +
		"  mock_gpio: true\n" +
		"defaults:\n" +
		"  debug_level: 0\n"
	if err := os.MkdirAll(filepath.Join(dir, "configs"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfgPath = filepath.Join(dir, "configs", "test.yaml")
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath, root
}

func TestRun_OneShotPrintsPathAndRecordsHistory(t *testing.T) {
	cfgPath, root := writeRunConfig(t)
	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := run(ctx, cfgPath, 0, 180, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	path := string(bytes.TrimSpace(out.Bytes()))
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat %q: %v", path, err)
	}

	history, err := store.Open(ctx, filepath.Join(root, "history.db"))
	if err != nil {
		t.Fatalf("reopen history: %v", err)
	}
	defer history.Close()
	recs, err := history.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 || recs[0].Path != path {
		t.Errorf("history = %+v, want one record for %q", recs, path)
	}
}

func TestRun_ServerErrorIsReturned(t *testing.T) {
	cfgPath, _ := writeRunConfig(t)

	// Hold the port so the web server cannot bind it.
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfgPath, port, 0, &bytes.Buffer{}) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("run should fail when the port is taken")
		}
	case <-ctx.Done():
		t.Fatal("run did not return after the server failed")
	}
}

func TestRun_RejectsBadRotation(t *testing.T) {
	cfgPath, root := writeRunConfig(t)
	if err := run(context.Background(), cfgPath, 0, 45, &bytes.Buffer{}); err == nil {
		t.Fatal("rotation 45 should be rejected")
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("nothing should be created before validation passes, stat err = %v", err)
	}
}
