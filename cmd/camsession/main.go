package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/camsession/internal/config"
	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/cjeanneret/camsession/internal/hw/gpio"
	"github.com/cjeanneret/camsession/internal/logic/persist"
	"github.com/cjeanneret/camsession/internal/logic/request"
	"github.com/cjeanneret/camsession/internal/logic/session"
	"github.com/cjeanneret/camsession/internal/store"
	"github.com/cjeanneret/camsession/internal/web"
	"github.com/pkg/errors"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	rotation := flag.Int("rotation", 0, "display rotation in degrees for the still (0, 90, 180 or 270)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *cfgPath, webPort.port(), *rotation, os.Stdout); err != nil {
		cancel()
		log.Fatal(err)
	}
}

// run wires the application and blocks until the web server stops or the
// one-shot capture completes. Everything it opens is closed before it returns.
func run(ctx context.Context, cfgPath string, port, rotation int, stdout io.Writer) error {
	// Load configuration
	if err := config.ValidateConfigPath(cfgPath); err != nil {
		return errors.Wrap(err, "invalid config path")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return errors.Wrap(err, "load config failed")
	}
	if _, err := request.JPEGOrientation(rotation); err != nil {
		return errors.Wrap(err, "invalid -rotation")
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	debug.Step(1, "Initializing camera backend")
	backend, err := newBackendFromConfig(cfg)
	if err != nil {
		return errors.Wrap(err, "init camera failed")
	}
	debug.PrintStruct("Device config", cfg.Device)

	debug.Step(2, "Initializing capture indicator")
	indicator, err := newIndicatorFromConfig(cfg)
	if err != nil {
		return errors.Wrap(err, "init indicator failed")
	}
	if indicator != nil {
		defer func() {
			if err := indicator.Close(); err != nil {
				log.Printf("closing indicator failed: %v", err)
			}
		}()
	}

	debug.Step(3, "Opening capture history")
	var history *store.History
	if cfg.Storage.HistoryDB != "" {
		history, err = store.Open(ctx, cfg.Storage.HistoryDB)
		if err != nil {
			return errors.Wrap(err, "open capture history failed")
		}
		defer history.Close()
	}
	debug.Value("History DB", cfg.Storage.HistoryDB)

	debug.Step(4, "Creating session coordinator")
	opts := coordinatorOptions(cfg)
	if indicator != nil {
		opts.Indicator = indicator
	}
	if history != nil {
		opts.Recorder = history
	}
	persistor := persist.New(cfg.Storage.PicturesRoot, cfg.NameResolution())
	debug.Value("Pictures dir", persistor.Dir())

	if port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(stdout, web.BroadcastWriter(broadcaster)))
		defer debug.SetOutput(stdout)

		coord := session.New(backend, persistor, web.NewSessionListener(broadcaster), opts)
		defer coord.OnBackground()

		handlers := web.NewHandlers(broadcaster, coord, rotation)
		if history != nil {
			handlers.History = history
		}
		srv := web.NewServer(webAddr, handlers)
		srv.SetCommandTimeout(commandTimeout(cfg))
		return errors.Wrap(srv.Run(ctx), "web server")
	}

	// One cycle drives the preview explicitly.
	opts.AutoPreview = false
	coord := session.New(backend, persistor, cliListener{}, opts)
	defer coord.OnBackground()
	path, err := captureOnce(ctx, coord, rotation)
	if err != nil {
		return errors.Wrap(err, "capture failed")
	}
	fmt.Fprintln(stdout, path)
	return nil
}

// captureOnce runs open, preview, capture and close, and returns the
// persisted file.
func captureOnce(ctx context.Context, c web.Controller, rotation int) (string, error) {
	debug.Section("Capture")
	defer func() {
		if err := c.RequestClose().Wait(context.Background()); err != nil {
			debug.Error(errors.Wrap(err, "close"))
		}
	}()

	if err := c.RequestOpen().Wait(ctx); err != nil {
		return "", errors.Wrap(err, "open")
	}
	if err := c.ConfigurePreview().Wait(ctx); err != nil {
		return "", errors.Wrap(err, "preview")
	}
	shot := c.RequestCapture(rotation)
	if err := shot.Wait(ctx); err != nil {
		return "", errors.Wrap(err, "capture")
	}
	debug.Section("Capture complete")
	return shot.Path(), nil
}

// cliListener logs coordinator notifications.
type cliListener struct{}

func (cliListener) OnPreviewReady(size camera.Size) { debug.Info("Preview running at %s", size) }
func (cliListener) OnCaptured(path string)          { debug.Info("Captured %s", path) }
func (cliListener) OnError(kind session.Kind, msg string) {
	log.Printf("camera error (%s): %s", kind, msg)
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// newBackendFromConfig selects a camera backend based on configuration.
func newBackendFromConfig(cfg *config.Config) (camera.Backend, error) {
	switch cfg.Device.Backend {
	case "sim":
		caps, err := cfg.DeviceCapabilities()
		if err != nil {
			return nil, errors.Wrap(err, "device capabilities")
		}
		return camera.NewSim(camera.SimConfig{
			DeviceIDs:      cfg.Device.IDs,
			Capabilities:   caps,
			DenyPermission: !cfg.Device.GrantCamera,
			OpenDelay:      cfg.OpenDelay(),
			ConfigureDelay: cfg.ConfigureDelay(),
			CaptureDelay:   cfg.CaptureDelay(),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported camera backend: %s", cfg.Device.Backend)
	}
}

// newIndicatorFromConfig returns nil when the indicator is disabled.
func newIndicatorFromConfig(cfg *config.Config) (*gpio.Indicator, error) {
	if !cfg.Indicator.Enabled {
		return nil, nil
	}
	debug.Value("Mock GPIO", cfg.Indicator.MockGPIO)
	drv, err := gpio.NewDriver(cfg.Indicator.MockGPIO)
	if err != nil {
		return nil, err
	}
	ind, err := gpio.NewIndicator(drv, cfg.Indicator.Pin, cfg.Indicator.ActiveLow)
	if err != nil {
		drv.Close()
		return nil, err
	}
	debug.Value("Indicator pin", cfg.Indicator.Pin)
	return ind, nil
}

func coordinatorOptions(cfg *config.Config) session.Options {
	return session.Options{
		DeviceID:       cfg.Device.ID,
		PreviewTarget:  cfg.Session.PreviewTarget,
		AutoPreview:    cfg.Session.AutoPreview,
		MaxImages:      cfg.Session.MaxImages,
		FrameTimeout:   cfg.FrameTimeout(),
		CaptureTimeout: cfg.CaptureTimeout(),
	}
}

// commandTimeout leaves room for the slowest capture plus the simulated
// open and configure latency.
func commandTimeout(cfg *config.Config) time.Duration {
	d := cfg.CaptureTimeout() + cfg.FrameTimeout() + cfg.OpenDelay() + cfg.ConfigureDelay()
	if d < web.DefaultCommandTimeout {
		return web.DefaultCommandTimeout
	}
	return d
}
