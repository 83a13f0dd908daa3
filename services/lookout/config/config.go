// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the analyzer host settings.
//
// # Description
//
// Settings are layered, lowest priority first: built-in defaults, the
// first config file found (/etc/lookout/analyzer.yaml,
// ~/.config/lookout/analyzer.yaml, or an explicit --config), LOOKOUT_*
// environment variables, and command line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/lookout/services/lookout/modelrepo/blob"
	"github.com/AleutianAI/lookout/services/lookout/telemetry"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "LOOKOUT"

// DefaultDataPort is the data service port used when request_server is "auto".
const DefaultDataPort = "10301"

// Repository drivers.
const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMemory   = "memory"
)

// ErrInvalidSettings wraps every validation failure.
var ErrInvalidSettings = errors.New("invalid settings")

// SearchPaths are the config files probed when no path is given.
var SearchPaths = []string{
	"/etc/lookout/analyzer.yaml",
	"~/.config/lookout/analyzer.yaml",
}

// RepositorySettings configures the model repository and its cache.
type RepositorySettings struct {
	// Driver selects the durable backend.
	Driver string `mapstructure:"driver" yaml:"driver" validate:"oneof=badger postgres mysql memory"`

	// DSN is the SQL connection string for the postgres and mysql drivers.
	DSN string `mapstructure:"dsn" yaml:"dsn"`

	// BadgerPath is the database directory for the badger driver.
	BadgerPath string `mapstructure:"badger_path" yaml:"badger_path"`

	// FS is the blob root for the SQL drivers when MinIO is not configured.
	FS string `mapstructure:"fs" yaml:"fs"`

	MinIO blob.MinIOConfig `mapstructure:"minio" yaml:"minio"`

	// CacheSize is the in-memory cache budget, e.g. "200M" or "1G".
	CacheSize string `mapstructure:"cache_size" yaml:"cache_size" validate:"required"`

	// CacheTTL is the cache entry lifetime, e.g. "30m", "6h" or "1d".
	CacheTTL string `mapstructure:"cache_ttl" yaml:"cache_ttl" validate:"required"`
}

// Settings is the complete host configuration.
type Settings struct {
	// Server is the address the analyzer listens on for events.
	Server string `mapstructure:"server" yaml:"server" validate:"required"`

	// RequestServer is the data service address, "auto" or "same".
	RequestServer string `mapstructure:"request_server" yaml:"request_server" validate:"required"`

	Workers int `mapstructure:"workers" yaml:"workers" validate:"gte=1,lte=1024"`

	// Analyzers names the registered analyzers to run, in order. Empty
	// runs every built-in analyzer.
	Analyzers []string `mapstructure:"analyzers" yaml:"analyzers"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" validate:"oneof=text json"`

	// LogDir additionally writes daily JSON log files there. Empty disables.
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`

	// MetricsAddr serves /metrics and /health. Empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`

	Repository RepositorySettings `mapstructure:"repository" yaml:"repository"`
	Telemetry  telemetry.Config   `mapstructure:"telemetry" yaml:"telemetry"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Server:        "0.0.0.0:9930",
		RequestServer: "auto",
		Workers:       1,
		LogLevel:      "info",
		LogFormat:     "text",
		MetricsAddr:   ":9090",
		Repository: RepositorySettings{
			Driver:     DriverBadger,
			BadgerPath: defaultDataDir(),
			CacheSize:  "1G",
			CacheTTL:   "6h",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".lookout", "models")
	}
	return filepath.Join(home, ".lookout", "models")
}

// setDefaults registers every default with v so env and flag bindings
// resolve nested keys.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server", d.Server)
	v.SetDefault("request_server", d.RequestServer)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("analyzers", []string{})
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_dir", d.LogDir)
	v.SetDefault("metrics_addr", d.MetricsAddr)

	v.SetDefault("repository.driver", d.Repository.Driver)
	v.SetDefault("repository.dsn", d.Repository.DSN)
	v.SetDefault("repository.badger_path", d.Repository.BadgerPath)
	v.SetDefault("repository.fs", d.Repository.FS)
	v.SetDefault("repository.cache_size", d.Repository.CacheSize)
	v.SetDefault("repository.cache_ttl", d.Repository.CacheTTL)
	v.SetDefault("repository.minio.endpoint", d.Repository.MinIO.Endpoint)
	v.SetDefault("repository.minio.region", d.Repository.MinIO.Region)
	v.SetDefault("repository.minio.bucket", d.Repository.MinIO.Bucket)
	v.SetDefault("repository.minio.access_key", d.Repository.MinIO.AccessKey)
	v.SetDefault("repository.minio.secret_key", d.Repository.MinIO.SecretKey)
	v.SetDefault("repository.minio.use_ssl", d.Repository.MinIO.UseSSL)

	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.service_version", d.Telemetry.ServiceVersion)
	v.SetDefault("telemetry.trace_exporter", d.Telemetry.TraceExporter)
	v.SetDefault("telemetry.metric_exporter", d.Telemetry.MetricExporter)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.otlp_insecure", d.Telemetry.OTLPInsecure)
}

// flagKeys maps flag names to settings keys.
var flagKeys = map[string]string{
	"server":         "server",
	"request-server": "request_server",
	"workers":        "workers",
	"log-level":      "log_level",
	"log-format":     "log_format",
	"log-dir":        "log_dir",
	"metrics-addr":   "metrics_addr",
	"db":             "repository.driver",
	"dsn":            "repository.dsn",
	"badger-path":    "repository.badger_path",
	"fs":             "repository.fs",
	"cache-size":     "repository.cache_size",
	"cache-ttl":      "repository.cache_ttl",
	"trace-exporter": "telemetry.trace_exporter",
	"otlp-endpoint":  "telemetry.otlp_endpoint",
}

// RegisterFlags adds the settings flags to fs. Flag defaults are only
// documentation; unchanged flags never override other sources.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.StringP("server", "s", d.Server, "Address to listen on for lookout events.")
	fs.String("request-server", d.RequestServer, `Data service address. "auto" uses the server host with port `+DefaultDataPort+`, "same" uses --server.`)
	fs.IntP("workers", "w", d.Workers, "Number of workers processing events.")
	fs.String("log-level", d.LogLevel, "Log level: debug, info, warn, error.")
	fs.String("log-format", d.LogFormat, "Log format: text or json.")
	fs.String("log-dir", "", "Directory for daily JSON log files. Empty disables.")
	fs.String("metrics-addr", d.MetricsAddr, "Address for /metrics and /health. Empty disables.")
	fs.StringP("db", "d", d.Repository.Driver, "Model repository driver: badger, postgres, mysql, memory.")
	fs.String("dsn", "", "SQL connection string for the postgres and mysql drivers.")
	fs.String("badger-path", d.Repository.BadgerPath, "Badger database directory.")
	fs.StringP("fs", "f", "", "Model blob root for the SQL drivers.")
	fs.String("cache-size", d.Repository.CacheSize, "Model cache size, e.g. 200M or 2G.")
	fs.String("cache-ttl", d.Repository.CacheTTL, "Model cache entry lifetime, e.g. 30m, 4h or 1d.")
	fs.String("trace-exporter", d.Telemetry.TraceExporter, "Trace exporter: otlp, stdout, none.")
	fs.String("otlp-endpoint", d.Telemetry.OTLPEndpoint, "OTLP gRPC endpoint for traces.")
}

// Load resolves Settings.
//
// Inputs:
//
//	path - Explicit config file. Empty probes SearchPaths and tolerates
//	       a missing file.
//	flags - Flag set from RegisterFlags, or nil.
//
// Outputs:
//
//	*Settings - Validated settings.
//	error - Read, decode or validation failure.
func Load(path string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				_ = v.BindPFlag(key, f)
			}
		}
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(ExpandPath(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		for _, p := range SearchPaths {
			p = ExpandPath(p)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			v.SetConfigFile(p)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", p, err)
			}
			break
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	s.Repository.BadgerPath = ExpandPath(s.Repository.BadgerPath)
	s.Repository.FS = ExpandPath(s.Repository.FS)
	s.LogDir = ExpandPath(s.LogDir)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

var validate = validator.New()

// Validate checks struct tags and the cross-field rules.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if _, _, err := net.SplitHostPort(s.Server); err != nil {
		return fmt.Errorf("%w: server %q: %v", ErrInvalidSettings, s.Server, err)
	}

	r := s.Repository
	switch r.Driver {
	case DriverBadger:
		if r.BadgerPath == "" {
			return fmt.Errorf("%w: badger driver requires badger_path", ErrInvalidSettings)
		}
	case DriverPostgres, DriverMySQL:
		if r.DSN == "" {
			return fmt.Errorf("%w: %s driver requires dsn", ErrInvalidSettings, r.Driver)
		}
		if r.FS == "" && r.MinIO.Endpoint == "" {
			return fmt.Errorf("%w: %s driver requires fs or minio", ErrInvalidSettings, r.Driver)
		}
		if r.MinIO.Endpoint != "" && r.MinIO.Bucket == "" {
			return fmt.Errorf("%w: minio requires bucket", ErrInvalidSettings)
		}
	}
	if _, err := r.CacheBytes(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if _, err := r.TTL(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// DataServiceAddress resolves RequestServer against Server.
func (s *Settings) DataServiceAddress() string {
	switch s.RequestServer {
	case "auto":
		host, _, err := net.SplitHostPort(s.Server)
		if err != nil {
			host = s.Server
		}
		return net.JoinHostPort(host, DefaultDataPort)
	case "same":
		return s.Server
	default:
		return s.RequestServer
	}
}

// SlogLevel returns the slog level of LogLevel.
func (s *Settings) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// CacheBytes parses CacheSize.
func (r RepositorySettings) CacheBytes() (int64, error) {
	n, err := humanize.ParseBytes(r.CacheSize)
	if err != nil {
		return 0, fmt.Errorf("cache_size %q: %w", r.CacheSize, err)
	}
	return int64(n), nil
}

// TTL parses CacheTTL. A bare "d" suffix counts days.
func (r RepositorySettings) TTL() (time.Duration, error) {
	raw := strings.TrimSpace(r.CacheTTL)
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("cache_ttl %q: invalid day count", r.CacheTTL)
		}
		return time.Duration(n * float64(24*time.Hour)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("cache_ttl %q: %w", r.CacheTTL, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("cache_ttl %q: must be positive", r.CacheTTL)
	}
	return d, nil
}

// Encode writes s to w as YAML.
func Encode(w io.Writer, s Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}

// WriteDefault writes the built-in settings to path as YAML, creating
// parent directories.
func WriteDefault(path string) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Encode(f, Default()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
