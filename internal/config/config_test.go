package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv(env(nil))
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "models/banana_ripeness.onnx", cfg.ModelPath)
	require.Equal(t, "*", cfg.CORSOrigins)
	require.False(t, cfg.DisableMetrics)
	require.NoError(t, cfg.Validate())
	require.EqualValues(t, 10*1024*1024, cfg.UploadSizeBytes())
	require.Equal(t, "10MiB", cfg.UploadSizeHuman())
}

func TestFromEnvOverrides(t *testing.T) {
	cfg := FromEnv(env(map[string]string{
		"PORT":            "9000",
		"MODEL_PATH":      "/srv/model.onnx",
		"MAX_UPLOAD_SIZE": "2MB",
		"MAX_PIXELS":      "1000",
		"SESSION_TTL":     "5m",
		"MAX_SESSIONS":    "3",
		"CORS_ORIGINS":    "",
		"LOG_LEVEL":       "debug",
		"DISABLE_METRICS": "1",
	}))
	require.Equal(t, "9000", cfg.Port)
	require.Equal(t, "/srv/model.onnx", cfg.ModelPath)
	require.Equal(t, 1000, cfg.MaxPixels)
	require.Equal(t, 5*time.Minute, cfg.SessionTTL)
	require.Equal(t, 3, cfg.MaxSessions)
	require.Empty(t, cfg.CORSOrigins)
	require.Nil(t, cfg.Origins())
	require.Equal(t, "debug", cfg.LogLevel)
	require.True(t, cfg.DisableMetrics)

	require.NoError(t, cfg.Validate())
	require.EqualValues(t, 2*1024*1024, cfg.UploadSizeBytes())
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg := FromEnv(env(map[string]string{"PORT": "9000"}))
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)

	require.NoError(t, fs.Parse([]string{"--port", "7000", "--cors-origins", "http://a.com,http://b.com"}))
	require.Equal(t, "7000", cfg.Port)
	require.Equal(t, []string{"http://a.com", "http://b.com"}, cfg.Origins())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"BadPort", func(c *Config) { c.Port = "http" }},
		{"BadUploadSize", func(c *Config) { c.MaxUploadSize = "lots" }},
		{"ZeroUploadSize", func(c *Config) { c.MaxUploadSize = "0" }},
		{"NegativePixels", func(c *Config) { c.MaxPixels = -1 }},
		{"ZeroTTL", func(c *Config) { c.SessionTTL = 0 }},
		{"ZeroSessions", func(c *Config) { c.MaxSessions = 0 }},
		{"NoModel", func(c *Config) { c.ModelPath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv(env(nil))
			tt.modify(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestResolvePaths(t *testing.T) {
	root := t.TempDir()

	cfg := FromEnv(env(nil))
	cfg.ResolvePaths(root)
	require.Equal(t, filepath.Join(root, "models", "banana_ripeness.onnx"), cfg.ModelPath)

	cfg = FromEnv(env(nil))
	cfg.ResolvePaths(filepath.Join(root, "cmd", "server"))
	require.Equal(t, filepath.Join(root, "models", "model_metadata.json"), cfg.MetadataPath)

	cfg = FromEnv(env(map[string]string{"MODEL_PATH": "/abs/model.onnx"}))
	cfg.ResolvePaths(root)
	require.Equal(t, "/abs/model.onnx", cfg.ModelPath)
}
