/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package config loads the agent console configuration from a YAML file,
// a .env file and DIALER_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tejzpr/dialer-console-go/calling"
	"github.com/tejzpr/dialer-console-go/dialersdk"
	"github.com/tejzpr/dialer-console-go/eventstream"
)

// Config is the complete agent console configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Stream  StreamConfig  `yaml:"stream"`
	SIP     SIPConfig     `yaml:"sip"`
	Calling CallingConfig `yaml:"calling"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Control ControlConfig `yaml:"control"`
	Log     LogConfig     `yaml:"log"`
}

type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	// Token is the agent's bearer token issued by the authentication backend.
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type StreamConfig struct {
	// URL of the event stream; defaults to the API base URL.
	URL          string        `yaml:"url"`
	Path         string        `yaml:"path"`
	PingInterval time.Duration `yaml:"ping_interval"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
}

// SIPConfig holds the agent's softphone account. Credentials are per agent
// and have no default.
type SIPConfig struct {
	Server      string        `yaml:"server"`
	Extension   string        `yaml:"extension"`
	Password    string        `yaml:"password"`
	DisplayName string        `yaml:"display_name"`
	Expires     time.Duration `yaml:"expires"`
	ICEServers  []string      `yaml:"ice_servers"`
}

type CallingConfig struct {
	DialMode             string        `yaml:"dial_mode"`
	RingTimeout          time.Duration `yaml:"ring_timeout"`
	EndedGracePeriod     time.Duration `yaml:"ended_grace_period"`
	TransportLossTimeout time.Duration `yaml:"transport_loss_timeout"`
	CommandTimeout       time.Duration `yaml:"command_timeout"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type ControlConfig struct {
	// Listen is the address of the local control API; empty disables it.
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used for settings absent from every source.
func Default() *Config {
	api := dialersdk.DefaultConfig()
	stream := eventstream.DefaultConfig()
	call := calling.DefaultConfig()
	return &Config{
		API: APIConfig{
			BaseURL:    api.BaseURL,
			Timeout:    api.Timeout,
			MaxRetries: api.MaxRetries,
		},
		Stream: StreamConfig{
			Path:         stream.Path,
			PingInterval: stream.PingInterval,
			BackoffMax:   stream.BackoffTimeMax,
		},
		SIP: SIPConfig{
			Expires:    call.SIP.Expires,
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Calling: CallingConfig{
			DialMode:             call.DialMode,
			RingTimeout:          call.RingTimeout,
			EndedGracePeriod:     call.EndedGracePeriod,
			TransportLossTimeout: call.TransportLossTimeout,
			CommandTimeout:       call.CommandTimeout,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "dialer-console",
			TopicPrefix: "dialer",
			QoS:         1,
		},
		Control: ControlConfig{Listen: "127.0.0.1:8765"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads path (optional when empty), then .env, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	// a missing .env file is fine
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"DIALER_API_URL":        &c.API.BaseURL,
		"DIALER_TOKEN":          &c.API.Token,
		"DIALER_STREAM_URL":     &c.Stream.URL,
		"DIALER_SIP_SERVER":     &c.SIP.Server,
		"DIALER_SIP_EXTENSION":  &c.SIP.Extension,
		"DIALER_SIP_PASSWORD":   &c.SIP.Password,
		"DIALER_DIAL_MODE":      &c.Calling.DialMode,
		"DIALER_MQTT_BROKER":    &c.MQTT.Broker,
		"DIALER_MQTT_USERNAME":  &c.MQTT.Username,
		"DIALER_MQTT_PASSWORD":  &c.MQTT.Password,
		"DIALER_CONTROL_LISTEN": &c.Control.Listen,
		"DIALER_LOG_LEVEL":      &c.Log.Level,
	}
	for key, dst := range strs {
		if value, ok := os.LookupEnv(key); ok {
			*dst = value
		}
	}

	if value := os.Getenv("DIALER_MQTT_ENABLED"); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid DIALER_MQTT_ENABLED: %w", err)
		}
		c.MQTT.Enabled = enabled
	}
	if value := os.Getenv("DIALER_RING_TIMEOUT"); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid DIALER_RING_TIMEOUT: %w", err)
		}
		c.Calling.RingTimeout = d
	}
	return nil
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.Token == "" {
		return fmt.Errorf("api.token is required (or set DIALER_TOKEN)")
	}
	if c.SIP.Server == "" {
		return fmt.Errorf("sip.server is required")
	}
	if !strings.HasPrefix(c.SIP.Server, "ws://") && !strings.HasPrefix(c.SIP.Server, "wss://") {
		return fmt.Errorf("sip.server must be a ws:// or wss:// URI, got %q", c.SIP.Server)
	}
	switch c.Calling.DialMode {
	case calling.DialModeSIP, calling.DialModeBackend:
	default:
		return fmt.Errorf("calling.dial_mode must be %q or %q, got %q", calling.DialModeSIP, calling.DialModeBackend, c.Calling.DialMode)
	}
	if c.Calling.RingTimeout <= 0 {
		return fmt.Errorf("calling.ring_timeout must be positive, got %s", c.Calling.RingTimeout)
	}
	if c.Calling.CommandTimeout <= 0 {
		return fmt.Errorf("calling.command_timeout must be positive, got %s", c.Calling.CommandTimeout)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be between 0 and 2, got %d", c.MQTT.QoS)
		}
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// APIClient returns the backend client configuration.
func (c *Config) APIClient(logger zerolog.Logger) *dialersdk.Config {
	cfg := dialersdk.DefaultConfig()
	cfg.BaseURL = c.API.BaseURL
	cfg.Timeout = c.API.Timeout
	cfg.MaxRetries = c.API.MaxRetries
	cfg.Logger = logger
	return cfg
}

// StreamURL returns the base URL of the event stream.
func (c *Config) StreamURL() string {
	if c.Stream.URL != "" {
		return c.Stream.URL
	}
	return c.API.BaseURL
}

// EventStream returns the event stream client configuration.
func (c *Config) EventStream() *eventstream.Config {
	cfg := eventstream.DefaultConfig()
	cfg.Path = c.Stream.Path
	cfg.PingInterval = c.Stream.PingInterval
	if c.Stream.BackoffMax > 0 {
		cfg.BackoffTimeMax = c.Stream.BackoffMax
	}
	return cfg
}

// CallingConfig returns the call-session configuration for the given extension.
func (c *Config) CallingConfig(extension string) *calling.Config {
	cfg := calling.DefaultConfig()
	cfg.DialMode = c.Calling.DialMode
	cfg.RingTimeout = c.Calling.RingTimeout
	cfg.EndedGracePeriod = c.Calling.EndedGracePeriod
	cfg.TransportLossTimeout = c.Calling.TransportLossTimeout
	cfg.CommandTimeout = c.Calling.CommandTimeout
	cfg.SIP.Server = c.SIP.Server
	cfg.SIP.Extension = extension
	cfg.SIP.Password = c.SIP.Password
	cfg.SIP.DisplayName = c.SIP.DisplayName
	if c.SIP.Expires > 0 {
		cfg.SIP.Expires = c.SIP.Expires
	}
	cfg.Media.ICEServers = nil
	for _, server := range c.SIP.ICEServers {
		cfg.Media.ICEServers = append(cfg.Media.ICEServers, webrtc.ICEServer{URLs: []string{server}})
	}
	return cfg
}
