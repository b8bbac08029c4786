package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for k, v := range vars {
		key := envPrefix + k
		old, hadOld := os.LookupEnv(key)
		require.NoError(t, os.Setenv(key, v))
		t.Cleanup(func() {
			if hadOld {
				os.Setenv(key, old)
			} else {
				os.Unsetenv(key)
			}
		})
	}
}

func baseRequiredEnv() map[string]string {
	return map[string]string{
		"BASE_URL":              "http://127.0.0.1:8080",
		"SUPERVISOR_BASE_URL":   "https://supervisor.example.com",
		"SUPERVISOR_CLUSTER_ID": "cluster-1",
		"DB_HOST":               "localhost",
		"DB_NAME":               "proxy",
		"DB_USER":               "proxy",
	}
}

func TestLoadMissingRequiredFieldsErrors(t *testing.T) {
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	setEnv(t, baseRequiredEnv())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "disable", cfg.DBSSLMode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, 10*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 30*time.Second, cfg.LoadTimeout)
	assert.Equal(t, 600*time.Second, cfg.CORSMaxAge)
	assert.True(t, cfg.ValidateRegistryAddr)
	assert.False(t, cfg.Private)
}

func TestLoadParsesOverrides(t *testing.T) {
	vars := baseRequiredEnv()
	vars["PRIVATE"] = "true"
	vars["DEFAULT_TIMEOUT"] = "5"
	vars["REDIS_DB"] = "3"
	setEnv(t, vars)

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Private)
	assert.Equal(t, 5*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestLoadRejectsInvalidBool(t *testing.T) {
	vars := baseRequiredEnv()
	vars["PRIVATE"] = "not-a-bool"
	setEnv(t, vars)

	_, err := Load()
	assert.Error(t, err)
}

func TestIsPrivateAddr(t *testing.T) {
	assert.True(t, IsPrivateAddr("127.0.0.1"))
	assert.True(t, IsPrivateAddr("10.0.0.5"))
	assert.True(t, IsPrivateAddr("192.168.1.1"))
	assert.False(t, IsPrivateAddr("8.8.8.8"))
	assert.False(t, IsPrivateAddr("not-an-ip"))
}
