package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/observability"
)

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"go duration", "36h", 36 * time.Hour},
		{"days suffix", "90d", 90 * 24 * time.Hour},
		{"garbage falls back", "soon", time.Minute},
		{"unset falls back", "", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BASTION_TEST_DURATION", tt.value)
			assert.Equal(t, tt.want, getEnvDuration("BASTION_TEST_DURATION", time.Minute))
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("BASTION_TEST_BOOL", "1")
	assert.True(t, getEnvBool("BASTION_TEST_BOOL", false))
	t.Setenv("BASTION_TEST_BOOL", "no")
	assert.False(t, getEnvBool("BASTION_TEST_BOOL", true))
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("BASTION_DATABASE_URL", "postgres://localhost/bastion?sslmode=disable")
	t.Setenv("BASTION_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 90*24*time.Hour, cfg.Notifications.Retention)
	assert.Equal(t, 15, cfg.Audit.DefaultPageSize)
	assert.Equal(t, 100, cfg.Audit.MaxPageSize)
	assert.Equal(t, "X-Authenticated-User", cfg.Auth.ActorHeader)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.Equal(t, "filesystem", cfg.Storage.Type)
	assert.False(t, cfg.Audit.Strict)
}

func TestLoadConfig_RetentionOverride(t *testing.T) {
	t.Setenv("BASTION_DATABASE_URL", "postgres://localhost/bastion")
	t.Setenv("BASTION_NOTIFICATION_RETENTION", "30d")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, cfg.Notifications.Retention)
}

func TestValidate(t *testing.T) {
	t.Setenv("BASTION_DATABASE_URL", "postgres://localhost/bastion")
	cfg, err := LoadConfig()
	require.NoError(t, err)

	t.Run("missing database url", func(t *testing.T) {
		c := *cfg
		c.Database.URL = ""
		assert.ErrorContains(t, c.Validate(), "BASTION_DATABASE_URL")
	})

	t.Run("page size above max", func(t *testing.T) {
		c := *cfg
		c.Audit.DefaultPageSize = 200
		assert.ErrorContains(t, c.Validate(), "audit page sizes")
	})

	t.Run("bad cron schedule", func(t *testing.T) {
		c := *cfg
		c.Notifications.SweepSchedule = "every tuesday"
		assert.ErrorContains(t, c.Validate(), "invalid sweep schedule")
	})

	t.Run("s3 without bucket", func(t *testing.T) {
		c := *cfg
		c.Storage.Type = "s3"
		c.Storage.S3Bucket = ""
		assert.ErrorContains(t, c.Validate(), "BASTION_S3_BUCKET")
	})
}
