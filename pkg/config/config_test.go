package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsApplyWithoutConfigFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Service.Port)
	assert.Equal(t, 256, cfg.Request.DefaultMemoryMB)
	assert.Equal(t, 2, cfg.Pool.TargetSize)
	assert.Equal(t, "local_docker", cfg.Provider.Default)
	assert.Equal(t, 30*time.Second, cfg.Pool.HealthCheckInterval)
}

func TestLoad_EnvironmentOverridesDefault(t *testing.T) {
	os.Setenv("SANDBOXRUN_SERVICE_PORT", "9999")
	defer os.Unsetenv("SANDBOXRUN_SERVICE_PORT")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Service.Port)
}

func TestLoad_MissingConfigFileIsNotAnError(t *testing.T) {
	_, err := Load("")
	assert.NoError(t, err)
}
