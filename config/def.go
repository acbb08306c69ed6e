// Package config loads the server configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPPort    int `yaml:"HTTPPort"`
	MetricsPort int `yaml:"MetricsPort"`
	RPCPort     int `yaml:"RPCPort"` // 0 disables the gRPC server

	LogLevel    string `yaml:"logLevel"`
	Development bool   `yaml:"development"`

	Backend    string  `yaml:"backend"`
	ModelPath  string  `yaml:"modelPath"`
	InputSize  int     `yaml:"inputSize"`
	UseGPU     bool    `yaml:"useGPU"`
	Confidence float32 `yaml:"confidence"`
	Iou        float32 `yaml:"iou"`

	RemoteURL       string `yaml:"remoteURL"`
	RemoteTimeoutMs int    `yaml:"remoteTimeoutMs"`

	// heartbeat to a registry, off unless UseRegServer is set
	UseRegServer bool   `yaml:"UseRegServer"`
	RegServerURL string `yaml:"RegServerURL"`
	AdvertiseURL string `yaml:"advertiseURL"` // defaults to the outbound IP and HTTPPort

	UploadDir          string `yaml:"uploadDir"`
	SessionIdleMinutes int    `yaml:"sessionIdleMinutes"`
	MaxUploadMB        int    `yaml:"maxUploadMB"`
}

var ErrInvalidConfig = errors.New("invalid config")

// Default is what an empty file gives.
func Default() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.HTTPPort == 0 {
		c.HTTPPort = 8080
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9090
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Backend == "" {
		c.Backend = "onnx"
	}
	if c.ModelPath == "" {
		c.ModelPath = "models/best.onnx"
	}
	if c.InputSize == 0 {
		c.InputSize = 640
	}
	if c.Confidence == 0 {
		c.Confidence = 0.3
	}
	if c.Iou == 0 {
		c.Iou = 0.45
	}
	if c.RemoteTimeoutMs == 0 {
		c.RemoteTimeoutMs = 10000
	}
	if c.UploadDir == "" {
		c.UploadDir = os.TempDir()
	}
	if c.SessionIdleMinutes == 0 {
		c.SessionIdleMinutes = 30
	}
	if c.MaxUploadMB == 0 {
		c.MaxUploadMB = 200
	}
}

func (c *Config) Validate() error {
	for name, port := range map[string]int{"HTTPPort": c.HTTPPort, "MetricsPort": c.MetricsPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%w: %s %d out of range", ErrInvalidConfig, name, port)
		}
	}
	if c.RPCPort < 0 || c.RPCPort > 65535 {
		return fmt.Errorf("%w: RPCPort %d out of range", ErrInvalidConfig, c.RPCPort)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be between 0.0 and 1.0, got %f", ErrInvalidConfig, c.Confidence)
	}
	if c.Iou < 0 || c.Iou > 1 {
		return fmt.Errorf("%w: iou must be between 0.0 and 1.0, got %f", ErrInvalidConfig, c.Iou)
	}
	switch c.Backend {
	case "onnx":
		if c.ModelPath == "" {
			return fmt.Errorf("%w: modelPath cannot be empty", ErrInvalidConfig)
		}
	case "http", "grpc":
		if c.RemoteURL == "" {
			return fmt.Errorf("%w: backend %s needs remoteURL", ErrInvalidConfig, c.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.UseRegServer && c.RegServerURL == "" {
		return fmt.Errorf("%w: UseRegServer needs RegServerURL", ErrInvalidConfig)
	}
	if c.SessionIdleMinutes < 0 {
		return fmt.Errorf("%w: sessionIdleMinutes cannot be negative", ErrInvalidConfig)
	}
	if c.MaxUploadMB < 0 {
		return fmt.Errorf("%w: maxUploadMB cannot be negative", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutMs) * time.Millisecond
}

func (c *Config) SessionIdle() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// Parse decodes YAML, fills defaults and validates.
func Parse(data []byte) (Config, error) {
	c := Config{}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}
