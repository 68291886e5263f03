package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cleroux/go-foscam"
)

// Config is the relay server configuration.
type Config struct {
	Addr             string       `yaml:"addr"`
	LogLevel         string       `yaml:"log_level"`          // debug, info, warn, error
	ShutdownTimeoutS int          `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 10)
	Camera           CameraConfig `yaml:"camera"`
	Stream           StreamConfig `yaml:"stream"`
}

type CameraConfig struct {
	Host             string `yaml:"host"` // host or host:port
	OperatorUser     string `yaml:"operator_user"`
	OperatorPassword string `yaml:"operator_password"`
	GuestUser        string `yaml:"guest_user"`
	GuestPassword    string `yaml:"guest_password"`
	IROffOnStart     bool   `yaml:"ir_off_on_start"`
}

type StreamConfig struct {
	Rate           int      `yaml:"rate"`            // videostream.cgi rate code
	Resolution     int      `yaml:"resolution"`      // resolution code for the stream and default snapshots
	MaxFPS         float64  `yaml:"max_fps"`         // per-viewer cap, 0 = uncapped
	AllowedOrigins []string `yaml:"allowed_origins"` // extra origins allowed to open /ws, e.g. https://dash.example.com
}

func DefaultConfig() Config {
	return Config{
		Addr:             "127.0.0.1:8080",
		LogLevel:         "info",
		ShutdownTimeoutS: 10,
		Camera: CameraConfig{
			OperatorUser: "operator",
			GuestUser:    "guest",
		},
		Stream: StreamConfig{
			Rate:       int(foscam.Rate15FPS),
			Resolution: int(foscam.Resolution640x480),
		},
	}
}

// Load reads a YAML configuration file over the defaults. An empty path returns the defaults.
// The result is not validated so that flags can still override it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for values the camera or server cannot use.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if cfg.Camera.Host == "" {
		errs = append(errs, errors.New("camera.host is required"))
	}
	if !foscam.Rate(cfg.Stream.Rate).Valid() {
		errs = append(errs, fmt.Errorf("stream.rate %d is not one of 0, 1, 2, 5, 10, 15", cfg.Stream.Rate))
	}
	if !foscam.Resolution(cfg.Stream.Resolution).Valid() {
		errs = append(errs, fmt.Errorf("stream.resolution %d is not one of 4, 8, 16, 32", cfg.Stream.Resolution))
	}
	if cfg.Stream.MaxFPS < 0 {
		errs = append(errs, errors.New("stream.max_fps must not be negative"))
	}
	for _, origin := range cfg.Stream.AllowedOrigins {
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("stream.allowed_origins %q must be scheme://host[:port]", origin))
		}
	}
	if cfg.ShutdownTimeoutS <= 0 {
		errs = append(errs, errors.New("shutdown_timeout_s must be positive"))
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
