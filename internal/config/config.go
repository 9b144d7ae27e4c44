// Package config holds the server settings. Every setting has a flag and an
// environment variable; the flag wins when both are given.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Brownie44l1/banana-api/internal/middleware"
	"github.com/Brownie44l1/banana-api/internal/preprocess"
	"github.com/Brownie44l1/banana-api/internal/session"
	"github.com/docker/go-units"
	"github.com/spf13/pflag"
)

const (
	defaultPort          = "8080"
	defaultModelPath     = "models/banana_ripeness.onnx"
	defaultMetadataPath  = "models/model_metadata.json"
	defaultMaxUploadSize = "10MiB"
)

type Config struct {
	Port            string
	ModelPath       string
	MetadataPath    string
	ONNXRuntimeLib  string
	MaxUploadSize   string
	MaxPixels       int
	SessionTTL      time.Duration
	MaxSessions     int
	CORSOrigins     string
	LogLevel        string
	LogFormat       string
	DisableMetrics  bool
	uploadSizeBytes int64
}

// FromEnv returns the defaults overridden by environment variables.
// lookupEnv has the signature of os.LookupEnv.
func FromEnv(lookupEnv func(string) (string, bool)) Config {
	getenv := func(key string) string {
		v, _ := lookupEnv(key)
		return v
	}

	cfg := Config{
		Port:          defaultPort,
		ModelPath:     defaultModelPath,
		MetadataPath:  defaultMetadataPath,
		MaxUploadSize: defaultMaxUploadSize,
		MaxPixels:     preprocess.DefaultMaxPixels,
		SessionTTL:    session.DefaultTTL,
		MaxSessions:   session.DefaultMaxSessions,
		CORSOrigins:   "*",
		LogLevel:      "info",
		LogFormat:     "text",
	}

	setString(&cfg.Port, getenv("PORT"))
	setString(&cfg.ModelPath, getenv("MODEL_PATH"))
	setString(&cfg.MetadataPath, getenv("METADATA_PATH"))
	setString(&cfg.ONNXRuntimeLib, getenv("ONNXRUNTIME_LIB"))
	setString(&cfg.MaxUploadSize, getenv("MAX_UPLOAD_SIZE"))
	setString(&cfg.LogLevel, getenv("LOG_LEVEL"))
	setString(&cfg.LogFormat, getenv("LOG_FORMAT"))
	// An empty CORS_ORIGINS disables CORS, so set-but-empty is meaningful.
	if v, ok := lookupEnv("CORS_ORIGINS"); ok {
		cfg.CORSOrigins = v
	}
	if v, err := strconv.Atoi(getenv("MAX_PIXELS")); err == nil {
		cfg.MaxPixels = v
	}
	if v, err := strconv.Atoi(getenv("MAX_SESSIONS")); err == nil {
		cfg.MaxSessions = v
	}
	if v, err := time.ParseDuration(getenv("SESSION_TTL")); err == nil {
		cfg.SessionTTL = v
	}
	cfg.DisableMetrics = getenv("DISABLE_METRICS") == "1"
	return cfg
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// BindFlags registers one flag per setting, using the current values as
// defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Port, "port", "p", c.Port, "TCP port to listen on (PORT)")
	fs.StringVar(&c.ModelPath, "model", c.ModelPath, "path to the ONNX model (MODEL_PATH)")
	fs.StringVar(&c.MetadataPath, "metadata", c.MetadataPath, "path to the model metadata JSON (METADATA_PATH)")
	fs.StringVar(&c.ONNXRuntimeLib, "onnxruntime-lib", c.ONNXRuntimeLib, "path to the onnxruntime shared library (ONNXRUNTIME_LIB)")
	fs.StringVar(&c.MaxUploadSize, "max-upload-size", c.MaxUploadSize, "largest accepted upload, e.g. 10MiB (MAX_UPLOAD_SIZE)")
	fs.IntVar(&c.MaxPixels, "max-pixels", c.MaxPixels, "largest accepted image area in pixels (MAX_PIXELS)")
	fs.DurationVar(&c.SessionTTL, "session-ttl", c.SessionTTL, "idle time before a session's cached result is dropped (SESSION_TTL)")
	fs.IntVar(&c.MaxSessions, "max-sessions", c.MaxSessions, "number of sessions whose last result is cached (MAX_SESSIONS)")
	fs.StringVar(&c.CORSOrigins, "cors-origins", c.CORSOrigins, "comma-separated allowed origins, * for any, empty to disable (CORS_ORIGINS)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "panic, fatal, error, warn, info, debug or trace (LOG_LEVEL)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text or json (LOG_FORMAT)")
	fs.BoolVar(&c.DisableMetrics, "disable-metrics", c.DisableMetrics, "do not serve /metrics (DISABLE_METRICS=1)")
}

// Validate checks the settings and caches the parsed upload size.
func (c *Config) Validate() error {
	var errs []error
	if port, err := strconv.Atoi(c.Port); err != nil || port < 0 || port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %q", c.Port))
	}
	size, err := units.RAMInBytes(c.MaxUploadSize)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("invalid max upload size %q: %w", c.MaxUploadSize, err))
	case size <= 0:
		errs = append(errs, fmt.Errorf("max upload size must be positive, got %q", c.MaxUploadSize))
	default:
		c.uploadSizeBytes = size
	}
	if c.MaxPixels < 0 {
		errs = append(errs, fmt.Errorf("max pixels must not be negative, got %d", c.MaxPixels))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("session ttl must be positive, got %s", c.SessionTTL))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions))
	}
	if c.ModelPath == "" || c.MetadataPath == "" {
		errs = append(errs, errors.New("model and metadata paths are required"))
	}
	return errors.Join(errs...)
}

// UploadSizeBytes is MaxUploadSize in bytes. Only valid after Validate.
func (c *Config) UploadSizeBytes() int64 {
	return c.uploadSizeBytes
}

// UploadSizeHuman formats the upload limit for logs and error messages.
func (c *Config) UploadSizeHuman() string {
	return units.BytesSize(float64(c.uploadSizeBytes))
}

// Origins returns the parsed CORS origin list.
func (c *Config) Origins() []string {
	return middleware.ParseOrigins(c.CORSOrigins)
}

// ResolvePaths makes relative model paths absolute against the project root:
// the working directory, or two levels up when running from cmd/server.
func (c *Config) ResolvePaths(wd string) {
	root := wd
	if filepath.Base(wd) == "server" && filepath.Base(filepath.Dir(wd)) == "cmd" {
		root = filepath.Join(wd, "../..")
	}
	c.ModelPath = resolve(root, c.ModelPath)
	c.MetadataPath = resolve(root, c.MetadataPath)
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
