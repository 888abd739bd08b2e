// Package config loads server settings from defaults, an optional YAML
// file, DRIFTCHAT_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys shared by flags, files and the environment.
const (
	KeyAddr               = "addr"
	KeyDBDriver           = "db.driver"
	KeyDBDSN              = "db.dsn"
	KeyBlobsDir           = "blobs.dir"
	KeyMaxMessageLength   = "limits.max_message_length"
	KeyRoomQuotaBytes     = "limits.room_quota_bytes"
	KeyMaxUploadBytes     = "limits.max_upload_bytes"
	KeySendBuffer         = "limits.send_buffer"
	KeySweepInterval      = "sweep.interval"
	KeyMetricsInterval    = "metrics.interval"
	KeyLinkPreview        = "link_preview.enabled"
	KeyLinkPreviewTimeout = "link_preview.timeout"
	KeyWTAddr             = "webtransport.addr"
	KeyWTCertValidity     = "webtransport.cert_validity"
	KeyWTHostname         = "webtransport.hostname"
	KeyLogBackend         = "logging.backend"
	KeyLogLevel           = "logging.level"
	KeyLogEnv             = "logging.env"
	KeyDebug              = "logging.debug"
)

// Config is the resolved server configuration.
type Config struct {
	Addr string

	DBDriver string
	DBDSN    string
	BlobsDir string

	MaxMessageLength int
	RoomQuotaBytes   int64
	MaxUploadBytes   int64
	SendBuffer       int

	SweepInterval   time.Duration
	MetricsInterval time.Duration

	LinkPreview        bool
	LinkPreviewTimeout time.Duration

	// Empty WTAddr disables the WebTransport listener.
	WTAddr         string
	WTCertValidity time.Duration
	WTHostname     string

	LogBackend string
	LogLevel   string
	LogEnv     string
	Debug      bool
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyAddr, ":8080")
	v.SetDefault(KeyDBDriver, "sqlite")
	v.SetDefault(KeyDBDSN, "driftchat.db")
	v.SetDefault(KeyBlobsDir, "")
	v.SetDefault(KeyMaxMessageLength, 2000)
	v.SetDefault(KeyRoomQuotaBytes, int64(100<<20))
	v.SetDefault(KeyMaxUploadBytes, int64(25<<20))
	v.SetDefault(KeySendBuffer, 64)
	v.SetDefault(KeySweepInterval, time.Minute)
	v.SetDefault(KeyMetricsInterval, 30*time.Second)
	v.SetDefault(KeyLinkPreview, true)
	v.SetDefault(KeyLinkPreviewTimeout, 5*time.Second)
	v.SetDefault(KeyWTAddr, "")
	v.SetDefault(KeyWTCertValidity, 14*24*time.Hour)
	v.SetDefault(KeyWTHostname, "")
	v.SetDefault(KeyLogBackend, "std")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogEnv, "dev")
	v.SetDefault(KeyDebug, false)

	v.SetEnvPrefix("DRIFTCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds each flag whose name is in bindings to its config key.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("bind %s: flag --%s not defined", key, name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// ReadFile merges path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load resolves v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Addr:               v.GetString(KeyAddr),
		DBDriver:           strings.ToLower(v.GetString(KeyDBDriver)),
		DBDSN:              v.GetString(KeyDBDSN),
		BlobsDir:           v.GetString(KeyBlobsDir),
		MaxMessageLength:   v.GetInt(KeyMaxMessageLength),
		RoomQuotaBytes:     v.GetInt64(KeyRoomQuotaBytes),
		MaxUploadBytes:     v.GetInt64(KeyMaxUploadBytes),
		SendBuffer:         v.GetInt(KeySendBuffer),
		SweepInterval:      v.GetDuration(KeySweepInterval),
		MetricsInterval:    v.GetDuration(KeyMetricsInterval),
		LinkPreview:        v.GetBool(KeyLinkPreview),
		LinkPreviewTimeout: v.GetDuration(KeyLinkPreviewTimeout),
		WTAddr:             v.GetString(KeyWTAddr),
		WTCertValidity:     v.GetDuration(KeyWTCertValidity),
		WTHostname:         v.GetString(KeyWTHostname),
		LogBackend:         v.GetString(KeyLogBackend),
		LogLevel:           v.GetString(KeyLogLevel),
		LogEnv:             v.GetString(KeyLogEnv),
		Debug:              v.GetBool(KeyDebug),
	}

	if cfg.BlobsDir == "" {
		dir := "."
		if cfg.DBDriver == "sqlite" {
			dir = filepath.Dir(cfg.DBDSN)
		}
		cfg.BlobsDir = filepath.Join(dir, "blobs")
	}

	switch {
	case cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres":
		return Config{}, fmt.Errorf("unsupported db.driver %q", cfg.DBDriver)
	case cfg.DBDSN == "":
		return Config{}, errors.New("db.dsn is required")
	case cfg.MaxMessageLength <= 0:
		return Config{}, errors.New("limits.max_message_length must be positive")
	case cfg.RoomQuotaBytes < 0:
		return Config{}, errors.New("limits.room_quota_bytes must not be negative")
	case cfg.SweepInterval <= 0:
		return Config{}, errors.New("sweep.interval must be positive")
	}
	return cfg, nil
}
