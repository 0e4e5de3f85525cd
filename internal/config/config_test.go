package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, env, body string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config."+env+".yaml"), []byte(body), 0o644))
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", env)
}

func TestLoad_FileAndDefaults(t *testing.T) {
	writeConfig(t, "test", `
port: 9090
auth:
  jwt_secret: s3cret
room:
  cleanup_grace: 30s
`)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 30*time.Second, cfg.Room.CleanupGrace)
	assert.Equal(t, 8, cfg.Room.DefaultMaxParticipants)
	assert.Equal(t, 15*time.Minute, cfg.Presence.InactivityThreshold)

	rc := cfg.RoomService()
	assert.Equal(t, 30*time.Second, rc.CleanupGrace)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, rc.ICEServers[0].URLs)
	assert.Equal(t, 10*time.Second, cfg.BrokerService().HeartbeatMin)
}

func TestLoad_EnvOverrides(t *testing.T) {
	writeConfig(t, "test", "auth:\n  jwt_secret: s3cret\n")
	t.Setenv("HUDDLE_STORAGE_DRIVER", "redis")
	t.Setenv("HUDDLE_REDIS_URL", "redis://cache:6379/1")
	t.Setenv("HUDDLE_BROKER_SEND_BURST", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Storage.Driver)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	assert.Equal(t, 7, cfg.Broker.SendBurst)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing secret":   "port: 1\n",
		"unknown driver":   "auth:\n  jwt_secret: x\nstorage:\n  driver: etcd\n",
		"default over cap": "auth:\n  jwt_secret: x\nroom:\n  default_max_participants: 80\n",
		"bad ice url":      "auth:\n  jwt_secret: x\nroom:\n  ice_servers: [\"http://nope\"]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			writeConfig(t, "test", body)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
