package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(nil, envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "tcp://localhost:1883", cfg.BrokerURL())
	assert.Equal(t, "sensor/#", cfg.Topic)
	assert.Equal(t, 10, cfg.Workers)
}

func TestLoad_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aqua.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mqtt_host: broker.internal
mqtt_port: 1884
workers: 4
write_timeout: 750ms
log_level: debug
`), 0o600))

	env := envMap(map[string]string{
		"AQUA_WORKERS":       "6",
		"AQUA_MQTT_USERNAME": "ingest",
		"AQUA_LOG_LEVEL":     "warn",
	})

	cfg, err := load([]string{"--config", path, "--log-level", "error", "--queue-size", "50"}, env)
	require.NoError(t, err)

	assert.Equal(t, "broker.internal", cfg.BrokerHost)
	assert.Equal(t, 1884, cfg.BrokerPort)
	assert.Equal(t, 750*time.Millisecond, cfg.WriteTimeout)
	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, "ingest", cfg.Username)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, 50, cfg.QueueSize)
	assert.Equal(t, defaultDrainTimeout, cfg.DrainTimeout)
}

func TestLoad_UnsetFlagsDoNotOverrideEnv(t *testing.T) {
	cfg, err := load([]string{"--workers", "3"}, envMap(map[string]string{"AQUA_MQTT_TOPIC": "sensor/+"}))
	require.NoError(t, err)
	assert.Equal(t, "sensor/+", cfg.Topic)
	assert.Equal(t, 3, cfg.Workers)
}

func TestLoad_InvalidEnv(t *testing.T) {
	_, err := load(nil, envMap(map[string]string{"AQUA_MQTT_PORT": "abc"}))
	require.ErrorContains(t, err, "AQUA_MQTT_PORT")

	_, err = load(nil, envMap(map[string]string{"AQUA_WRITE_TIMEOUT": "soon"}))
	require.ErrorContains(t, err, "AQUA_WRITE_TIMEOUT")
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, envMap(nil))
	require.Error(t, err)
}

func TestLoad_UnknownFlag(t *testing.T) {
	_, err := load([]string{"--no-such-flag"}, envMap(nil))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	cases := map[string]func(*Config){
		"mqtt port":     func(c *Config) { c.BrokerPort = 0 },
		"http port":     func(c *Config) { c.HTTPPort = 70000 },
		"topic":         func(c *Config) { c.Topic = "  " },
		"workers":       func(c *Config) { c.Workers = 0 },
		"queue size":    func(c *Config) { c.QueueSize = -1 },
		"write timeout": func(c *Config) { c.WriteTimeout = 0 },
		"drain timeout": func(c *Config) { c.DrainTimeout = -time.Second },
		"keepalive":     func(c *Config) { c.KeepAlive = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), name)
		})
	}
}

func TestLoad_RejectsInvalidFlagValues(t *testing.T) {
	_, err := load([]string{"--workers", "0"}, envMap(nil))
	require.ErrorContains(t, err, "invalid configuration")
}
