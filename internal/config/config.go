// Package config loads the bridge configuration from a YAML file.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/by6dx/rotator_bridge/pelco"
	"github.com/by6dx/rotator_bridge/rotator"
	"github.com/by6dx/rotator_bridge/rotctld"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration
type Config struct {
	Rotctld   RotctldConfig   `yaml:"rotctld"`
	Rotator   RotatorConfig   `yaml:"rotator"`
	SmartSink SmartSinkConfig `yaml:"smart_sink"`
	KeepAlive KeepAliveConfig `yaml:"keep_alive"`
	// PresetReset clears the self-test and auto-zero presets at startup.
	PresetReset bool         `yaml:"preset_reset"`
	Status      StatusConfig `yaml:"status"`
	MQTT        MQTTConfig   `yaml:"mqtt"`
}

// RotctldConfig is the upstream text protocol listener.
type RotctldConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// GpredictWorkaround accepts commands without a trailing newline.
	GpredictWorkaround bool `yaml:"gpredict_workaround"`
}

// RotatorConfig is the downstream pan-tilt head.
type RotatorConfig struct {
	// Network is "tcp" or "serial".
	Network string `yaml:"network"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// Device and Baud are only used for serial.
	Device          string  `yaml:"device,omitempty"`
	Baud            int     `yaml:"baud,omitempty"`
	AzimuthOffset   float64 `yaml:"azimuth_offset"`
	ElevationOffset float64 `yaml:"elevation_offset"`
}

type SmartSinkConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ChangeMargin   time.Duration `yaml:"change_margin"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	VelocityMargin float64       `yaml:"velocity_margin"`
}

type KeepAliveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// StatusConfig is the HTTP status and control endpoint. An empty Addr
// disables it.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// MQTTConfig enables status publishing when Broker is set.
type MQTTConfig struct {
	Broker   string        `yaml:"broker,omitempty"`
	Topic    string        `yaml:"topic"`
	ClientID string        `yaml:"client_id,omitempty"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Rotctld: RotctldConfig{
			Host:               "0.0.0.0",
			Port:               4533,
			GpredictWorkaround: true,
		},
		Rotator: RotatorConfig{
			Network:       "tcp",
			Host:          "192.168.3.136",
			Port:          4196,
			Baud:          9600,
			AzimuthOffset: -9,
		},
		SmartSink: SmartSinkConfig{
			Enabled:        true,
			ChangeMargin:   pelco.DefaultChangeMargin,
			SampleInterval: pelco.DefaultSampleInterval,
			VelocityMargin: pelco.DefaultVelocityMargin,
		},
		KeepAlive: KeepAliveConfig{
			Enabled:  true,
			Interval: pelco.DefaultKeepAliveInterval,
		},
		PresetReset: true,
		Status:      StatusConfig{Addr: "127.0.0.1:8502"},
		MQTT: MQTTConfig{
			Topic:    "rotator_bridge/status",
			Interval: time.Second,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validatePort(c.Rotctld.Port); err != nil {
		return fmt.Errorf("rotctld: %w", err)
	}
	if err := c.Rotator.Validate(); err != nil {
		return fmt.Errorf("rotator: %w", err)
	}
	if c.SmartSink.ChangeMargin < 0 || c.SmartSink.SampleInterval < 0 || c.SmartSink.VelocityMargin < 0 {
		return fmt.Errorf("smart_sink: negative margin or interval")
	}
	if c.KeepAlive.Interval < 0 {
		return fmt.Errorf("keep_alive: negative interval %v", c.KeepAlive.Interval)
	}
	if c.Status.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Status.Addr); err != nil {
			return fmt.Errorf("status: %w", err)
		}
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		return fmt.Errorf("mqtt: broker set without a topic")
	}
	return nil
}

func (r *RotatorConfig) Validate() error {
	switch r.Network {
	case "tcp":
		if err := validatePort(r.Port); err != nil {
			return err
		}
	case "serial":
		if r.Device == "" {
			return fmt.Errorf("serial network needs a device")
		}
		if r.Baud <= 0 {
			return fmt.Errorf("invalid baud rate %d", r.Baud)
		}
	default:
		return fmt.Errorf("unknown network %q", r.Network)
	}
	// A single wrap brings any offset in range back into [0, 360).
	if r.AzimuthOffset <= -360 || r.AzimuthOffset >= 360 {
		return fmt.Errorf("azimuth offset %v outside (-360, 360)", r.AzimuthOffset)
	}
	if r.ElevationOffset <= -90 || r.ElevationOffset >= 90 {
		return fmt.Errorf("elevation offset %v outside (-90, 90)", r.ElevationOffset)
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	return nil
}

// RotctldServer returns the upstream server settings.
func (c *Config) RotctldServer() rotctld.Config {
	return rotctld.Config{
		Addr:   net.JoinHostPort(c.Rotctld.Host, strconv.Itoa(c.Rotctld.Port)),
		Compat: c.Rotctld.GpredictWorkaround,
	}
}

// PelcoController returns the downstream controller settings.
func (c *Config) PelcoController() pelco.Config {
	cfg := pelco.Config{
		Network: c.Rotator.Network,
		Address: net.JoinHostPort(c.Rotator.Host, strconv.Itoa(c.Rotator.Port)),
		Offset: rotator.Offset{
			Azimuth:   c.Rotator.AzimuthOffset,
			Elevation: c.Rotator.ElevationOffset,
		},
		SmartSink:         c.SmartSink.Enabled,
		ChangeMargin:      c.SmartSink.ChangeMargin,
		SampleInterval:    c.SmartSink.SampleInterval,
		VelocityMargin:    c.SmartSink.VelocityMargin,
		KeepAlive:         c.KeepAlive.Enabled,
		KeepAliveInterval: c.KeepAlive.Interval,
	}
	if c.Rotator.Network == "serial" {
		cfg.Address = c.Rotator.Device
		cfg.Baud = c.Rotator.Baud
	}
	return cfg
}
