package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/creasty/defaults"
	"github.com/pkg/errors"
	"gopkg.in/go-playground/validator.v9"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 1 << 20

// DeviceConfig selects the camera backend and, for the simulated backend,
// what the device advertises and how slowly it answers.
type DeviceConfig struct {
	Backend          string   `yaml:"backend" default:"sim" validate:"oneof=sim"`
	// ID empty selects the first device reported by the backend.
	ID               string   `yaml:"id"`
	// IDs lists the devices the simulated backend exposes.
	IDs              []string `yaml:"ids" default:"[]"`
	Capabilities     []string `yaml:"capabilities" default:"[]" validate:"dive,capability"`
	OpenDelayMs      int      `yaml:"open_delay_ms" validate:"gte=0"`
	ConfigureDelayMs int      `yaml:"configure_delay_ms" validate:"gte=0"`
	CaptureDelayMs   int      `yaml:"capture_delay_ms" validate:"gte=0"`
	GrantCamera      bool     `yaml:"grant_camera" default:"true"` // false simulates a denied permission
}

// SessionConfig tunes the session coordinator.
type SessionConfig struct {
	AutoPreview      bool   `yaml:"auto_preview" default:"true"`
	FrameTimeoutMs   int    `yaml:"frame_timeout_ms" default:"2000" validate:"gt=0"`
	CaptureTimeoutMs int    `yaml:"capture_timeout_ms" default:"10000" validate:"gt=0"`
	MaxImages        int    `yaml:"max_images" default:"2" validate:"min=1,max=8"`
	PreviewTarget    string `yaml:"preview_target" default:"preview"`
}

// StorageConfig describes where stills land.
type StorageConfig struct {
	PicturesRoot     string `yaml:"pictures_root" default:"pictures" validate:"required"`
	NameResolutionMs int    `yaml:"name_resolution_ms" default:"1000" validate:"gt=0"`
	HistoryDB        string `yaml:"history_db"` // sqlite file; empty disables the capture history
}

// IndicatorConfig drives an optional GPIO pin while a capture is in flight.
type IndicatorConfig struct {
	Enabled   bool `yaml:"enabled"`
	Pin       int  `yaml:"pin" default:"17" validate:"gte=0,lte=27"` // BCM numbering
	ActiveLow bool `yaml:"active_low"`
	MockGPIO  bool `yaml:"mock_gpio" default:"true"` // true=dev/test, false=real Raspberry Pi
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int `yaml:"debug_level" validate:"gte=0,lte=4"` // 0=off, 1=info, 2=live, 3=verbose, 4=trace
}

// Config aggregates all application configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device" default:"{}"`
	Session   SessionConfig   `yaml:"session" default:"{}"`
	Storage   StorageConfig   `yaml:"storage" default:"{}"`
	Indicator IndicatorConfig `yaml:"indicator" default:"{}"`
	Defaults  DefaultsConfig  `yaml:"defaults" default:"{}"`
}

// DefaultCapabilities is what the simulated device advertises when the
// config lists none.
var DefaultCapabilities = []string{
	"4000x3000 JPEG",
	"1920x1080 preview",
	"1280x720 preview",
	"640x480 YUV",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("capability", capability); err != nil {
		panic(err)
	}
	return v
}

// capability accepts stream options such as "4000x3000 JPEG".
func capability(fl validator.FieldLevel) bool {
	_, err := camera.ParseStreamOption(fl.Field().String())
	return err == nil
}

// ValidateConfigPath accepts only .yaml files that sit directly inside a
// directory named configs, without parent-directory components.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return errors.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return errors.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return errors.Wrapf(err, "resolve config path %q", path)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return errors.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration. Fields missing from
// the file keep their defaults.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, errors.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	return Parse(data)
}

// Parse decodes YAML data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "set defaults")
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrap(err, "unmarshal yaml")
		}
	}
	if len(cfg.Device.Capabilities) == 0 {
		cfg.Device.Capabilities = append([]string(nil), DefaultCapabilities...)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, validationError(err)
	}
	return &cfg, nil
}

func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Wrap(err, "validate config")
	}
	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Namespace()+" ("+e.Tag()+")")
	}
	return errors.Errorf("invalid config: %s", strings.Join(fields, ", "))
}

// FrameTimeout is how long a capture waits for its frame after metadata.
func (c *Config) FrameTimeout() time.Duration {
	return time.Duration(c.Session.FrameTimeoutMs) * time.Millisecond
}

// CaptureTimeout is how long a capture waits for any hardware callback.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Session.CaptureTimeoutMs) * time.Millisecond
}

// NameResolution is the timestamp granularity of persisted file names.
func (c *Config) NameResolution() time.Duration {
	return time.Duration(c.Storage.NameResolutionMs) * time.Millisecond
}

// OpenDelay returns the simulated device open latency.
func (c *Config) OpenDelay() time.Duration {
	return time.Duration(c.Device.OpenDelayMs) * time.Millisecond
}

// ConfigureDelay returns the simulated session configuration latency.
func (c *Config) ConfigureDelay() time.Duration {
	return time.Duration(c.Device.ConfigureDelayMs) * time.Millisecond
}

// CaptureDelay returns the simulated capture latency.
func (c *Config) CaptureDelay() time.Duration {
	return time.Duration(c.Device.CaptureDelayMs) * time.Millisecond
}

// DeviceCapabilities parses the configured capability list.
func (c *Config) DeviceCapabilities() (camera.Capabilities, error) {
	return camera.ParseCapabilities(c.Device.Capabilities)
}
