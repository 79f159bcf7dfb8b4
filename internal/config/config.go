// Package config loads the collector's optional config file. YAML and JSON
// are both accepted; command-line flags take precedence over file values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aspruds/divolte-collector/internal/harness"
	"github.com/aspruds/divolte-collector/pkg/httpcore"
)

// DefaultPort is the port the collector listens on when nothing else is set.
const DefaultPort = 8290

// DefaultHistorySize is the number of captured events kept for /admin/events.
const DefaultHistorySize = 10000

// DefaultGlobalName is the page global the tracker queue is published under.
const DefaultGlobalName = "divolte"

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Config is the contents of a collector config file.
type Config struct {
	Port           int           `yaml:"port"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	RequestLogSize int           `yaml:"request_log_size"`
	HistorySize    int           `yaml:"history_size"`
	Latency        time.Duration `yaml:"latency"`
	FailRate       float64       `yaml:"fail_rate"`
	Verbose        bool          `yaml:"verbose"`
	GlobalName     string        `yaml:"global_name"`
	ScenarioDir    string        `yaml:"scenario_dir"`
}

// Default returns the configuration used without a config file.
func Default() *Config {
	return &Config{
		Port:           DefaultPort,
		WaitTimeout:    harness.DefaultTimeout,
		RequestLogSize: httpcore.DefaultRequestLogSize,
		HistorySize:    DefaultHistorySize,
		GlobalName:     DefaultGlobalName,
	}
}

// Load reads the config file at path on top of Default. The format is chosen
// by extension: .yaml, .yml or .json.
func Load(path string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("config %s: unsupported extension (want .yaml, .yml or .json)", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data on top of Default and validates the result. JSON input
// is accepted since it is valid YAML. Unknown keys are an error.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.WaitTimeout < 0 {
		return fmt.Errorf("wait_timeout must not be negative")
	}
	if c.RequestLogSize < 0 {
		return fmt.Errorf("request_log_size must not be negative")
	}
	if c.HistorySize < 0 {
		return fmt.Errorf("history_size must not be negative")
	}
	if c.Latency < 0 {
		return fmt.Errorf("latency must not be negative")
	}
	if c.FailRate < 0 || c.FailRate > 1 {
		return fmt.Errorf("fail_rate must be between 0.0 and 1.0")
	}
	if !identifier.MatchString(c.GlobalName) {
		return fmt.Errorf("global_name %q is not a JavaScript identifier", c.GlobalName)
	}
	return nil
}

// ApplyTo fills the server settings that were not given on the command line.
func (c *Config) ApplyTo(hc *httpcore.Config) {
	if hc.Port == 0 {
		hc.Port = c.Port
	}
	if hc.Latency == 0 {
		hc.Latency = c.Latency
	}
	if hc.FailRate == 0 {
		hc.FailRate = c.FailRate
	}
	if !hc.Verbose {
		hc.Verbose = c.Verbose
	}
	if hc.RequestLogSize == httpcore.DefaultRequestLogSize || hc.RequestLogSize == 0 {
		hc.RequestLogSize = c.RequestLogSize
	}
}
