package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/utils"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.json"

type Broker struct {
	Host                  string `json:"host" yaml:"host"`
	Port                  int    `json:"port" yaml:"port"`
	Transport             string `json:"transport" yaml:"transport"`
	WebSocketPath         string `json:"websocket_path" yaml:"websocket_path"`
	UseTLS                bool   `json:"use_tls" yaml:"use_tls"`
	TLSCertificate        string `json:"tls_certificate" yaml:"tls_certificate"`
	TLSKey                string `json:"tls_key" yaml:"tls_key"`
	TLSInsecureSkipVerify bool   `json:"tls_insecure_skip_verify" yaml:"tls_insecure_skip_verify"`
	ConnectTimeout        string `json:"connect_timeout" yaml:"connect_timeout"`
}

type Credentials struct {
	Login    string `json:"login" yaml:"login"`
	Passcode string `json:"passcode" yaml:"passcode"`
}

type Protocol struct {
	AcceptVersion string `json:"accept_version" yaml:"accept_version"`
	HeartBeat     string `json:"heart_beat" yaml:"heart_beat"`
	VirtualHost   string `json:"virtual_host" yaml:"virtual_host"`
}

type KeepAlive struct {
	Interval    string `json:"interval" yaml:"interval"`
	Destination string `json:"destination" yaml:"destination"`
	Payload     string `json:"payload" yaml:"payload"`
}

type Store struct {
	Driver    string `json:"driver" yaml:"driver"`
	URI       string `json:"uri" yaml:"uri"`
	Database  string `json:"database" yaml:"database"`
	SessionID string `json:"session_id" yaml:"session_id"`
}

type Status struct {
	Listen string `json:"listen" yaml:"listen"`
}

type Config struct {
	Broker         Broker        `json:"broker" yaml:"broker"`
	Credentials    Credentials   `json:"credentials" yaml:"credentials"`
	Protocol       Protocol      `json:"protocol" yaml:"protocol"`
	KeepAlive      KeepAlive     `json:"keep_alive" yaml:"keep_alive"`
	AutoReconnect  bool          `json:"auto_reconnect" yaml:"auto_reconnect"`
	ReconnectDelay string        `json:"reconnect_delay" yaml:"reconnect_delay"`
	Subscriptions  []stomp.Topic `json:"subscriptions" yaml:"subscriptions"`
	Store          Store         `json:"store" yaml:"store"`
	Status         Status        `json:"status" yaml:"status"`
	DebugMode      bool          `json:"debug_mode" yaml:"debug_mode"`
	AppName        string        `json:"app_name" yaml:"app_name"`
	LogPath        string        `json:"log_path" yaml:"log_path"`
}

// Default returns the configuration written as skeleton on first run
func Default() Config {
	return Config{
		Broker: Broker{
			Host:           "localhost",
			Port:           61613,
			Transport:      "tcp",
			WebSocketPath:  "/ws",
			ConnectTimeout: "5s",
		},
		Protocol: Protocol{
			AcceptVersion: "1.0,1.1,1.2",
			HeartBeat:     "0,0",
		},
		KeepAlive: KeepAlive{
			Interval:    "0s",
			Destination: "*",
		},
		AutoReconnect:  true,
		ReconnectDelay: "5s",
		Store:          Store{Driver: "memory"},
		AppName:        "stomp-client",
		LogPath:        "logs",
	}
}

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

// ReadConfig loads the file at path. JSON is the default format; .yaml and
// .yml files are decoded as YAML. A missing file is created from Default.
func ReadConfig(path string) (Config, error) {
	config := Default()
	isYAML := isYAMLPath(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeSkeleton(path, config, isYAML); err != nil {
			return config, fmt.Errorf("unable to create configuration file: %w", err)
		}
		return config, ErrConfigCreated
	}
	if err != nil {
		return config, fmt.Errorf("unable to read configuration file: %w", err)
	}

	if isYAML {
		err = yaml.Unmarshal(data, &config)
	} else {
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return config, fmt.Errorf("the configuration file does not contain valid %s: %w", formatName(isYAML), err)
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func writeSkeleton(path string, config Config, isYAML bool) error {
	var data []byte
	var err error
	if isYAML {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "\t")
	}
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the fields the session cannot start without
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return errors.New("broker host must not be empty")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port %d is out of range", c.Broker.Port)
	}
	switch c.Broker.Transport {
	case "", "tcp", "ws":
	default:
		return fmt.Errorf("unknown broker transport %q", c.Broker.Transport)
	}
	if (c.Broker.TLSCertificate == "") != (c.Broker.TLSKey == "") {
		return errors.New("tls_certificate and tls_key must be set together")
	}
	for name, value := range map[string]string{
		"connect_timeout":     c.Broker.ConnectTimeout,
		"reconnect_delay":     c.ReconnectDelay,
		"keep_alive.interval": c.KeepAlive.Interval,
	} {
		if _, err := utils.ParseStringTime(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for i, topic := range c.Subscriptions {
		if topic.ID == "" || topic.Destination == "" {
			return fmt.Errorf("subscription #%d needs an id and a destination", i+1)
		}
		if _, err := stomp.ParseAckMode(string(topic.AckMode)); err != nil {
			return fmt.Errorf("subscription %s: %w", topic.ID, err)
		}
	}
	switch c.Store.Driver {
	case "", "memory", "mongo", "redis":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func formatName(isYAML bool) string {
	if isYAML {
		return "YAML"
	}
	return "JSON"
}
