package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
	"gotest.tools/v3/assert"
)

func TestReadConfigCreatesSkeleton(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	_, err := ReadConfig(path)
	assert.Assert(t, errors.Is(err, ErrConfigCreated))

	config, err := ReadConfig(path)
	assert.NilError(t, err)
	assert.DeepEqual(t, config, Default())
}

func TestReadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	data := `
broker:
  host: mq.internal
  port: 61614
  transport: ws
credentials:
  login: admin
  passcode: admin
auto_reconnect: false
subscriptions:
  - id: "1"
    destination: /topic/test
    ack: client
`
	assert.NilError(t, os.WriteFile(path, []byte(data), 0644))

	config, err := ReadConfig(path)
	assert.NilError(t, err)
	assert.Equal(t, config.Broker.Host, "mq.internal")
	assert.Equal(t, config.Broker.Port, 61614)
	assert.Equal(t, config.Broker.Transport, "ws")
	assert.Equal(t, config.Broker.ConnectTimeout, "5s")
	assert.Equal(t, config.AutoReconnect, false)
	assert.Equal(t, config.Credentials.Login, "admin")
	assert.DeepEqual(t, config.Subscriptions, []stomp.Topic{{ID: "1", Destination: "/topic/test", AckMode: stomp.AckClient}})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.Broker.Host = "" }},
		{"bad port", func(c *Config) { c.Broker.Port = 70000 }},
		{"bad transport", func(c *Config) { c.Broker.Transport = "udp" }},
		{"cert without key", func(c *Config) { c.Broker.TLSCertificate = "cert.pem" }},
		{"bad delay", func(c *Config) { c.ReconnectDelay = "soon" }},
		{"bad ack", func(c *Config) {
			c.Subscriptions = []stomp.Topic{{ID: "1", Destination: "/q", AckMode: "manual"}}
		}},
		{"bad store", func(c *Config) { c.Store.Driver = "sqlite" }},
	}

	base := Default()
	assert.NilError(t, base.Validate())
	for _, tt := range tests {
		config := Default()
		tt.mutate(&config)
		assert.Assert(t, config.Validate() != nil, tt.name)
	}
}
