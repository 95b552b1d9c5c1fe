package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPath_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "agents", cfg.Server.RoutePrefix)
	assert.Equal(t, "", cfg.Database.Driver)
	assert.NotEmpty(t, cfg.AgentStore.BaseDir)
	assert.Equal(t, 5000, cfg.AgentStore.BusyTimeoutMS)
	assert.Equal(t, 1000, cfg.Scheduler.MinResolutionMS)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
}

func TestValidate_RejectsBadPort(t *testing.T) {
	cfg := &Config{
		Server:     ServerConfig{Port: 0, RoutePrefix: "agents"},
		AgentStore: AgentStoreConfig{BaseDir: "/tmp"},
		Auth:       AuthConfig{TokenDuration: 1},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
		Task:       TaskConfig{DefaultTimeoutMS: 1000},
		Voice:      VoiceConfig{AudioBufferSeconds: 30},
	}
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidate_RequiresPostgresFieldsWhenSelected(t *testing.T) {
	cfg := &Config{
		Server:     ServerConfig{Port: 8080, RoutePrefix: "agents"},
		Database:   DatabaseConfig{Driver: "postgres"},
		AgentStore: AgentStoreConfig{BaseDir: "/tmp"},
		Auth:       AuthConfig{TokenDuration: 1},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
		Task:       TaskConfig{DefaultTimeoutMS: 1000},
		Voice:      VoiceConfig{AudioBufferSeconds: 30},
	}
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.user")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := &DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", d.DSN())
}
