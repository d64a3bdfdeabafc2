package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 50, cfg.Delivery.Workers)
	assert.Equal(t, 5, cfg.Delivery.MaxAttempts)
	assert.Equal(t, []time.Duration{0, time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour}, cfg.Delivery.RetrySchedule)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.DeliveryTTL)
}
