package internal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prappser/chunkd/internal/janitor"
	"github.com/prappser/chunkd/internal/storage"
	"github.com/spf13/viper"
)

const envPrefix = "CHUNKD"

type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Upload  UploadConfig   `mapstructure:"upload"`
	Merge   MergeConfig    `mapstructure:"merge"`
	Archive ArchiveConfig  `mapstructure:"archive"`
	Janitor janitor.Config `mapstructure:"janitor"`
	Log     LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

type UploadConfig struct {
	Root         string `mapstructure:"root"`
	MaxChunkSize string `mapstructure:"maxChunkSize"`
	Sync         bool   `mapstructure:"sync"`
}

// MaxChunkBytes parses MaxChunkSize ("64MiB", "512kB", "1048576").
func (u UploadConfig) MaxChunkBytes() (int64, error) {
	if u.MaxChunkSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(u.MaxChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid upload.maxChunkSize %q: %w", u.MaxChunkSize, err)
	}
	return int64(n), nil
}

type MergeConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	SettleDelay time.Duration `mapstructure:"settleDelay"`
	Digest      bool          `mapstructure:"digest"`
}

type ArchiveConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	storage.BackendConfig `mapstructure:",squash"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3010")
	v.SetDefault("server.allowedOrigins", []string{"*"})

	v.SetDefault("upload.root", "./uploads")
	v.SetDefault("upload.maxChunkSize", "64MiB")
	v.SetDefault("upload.sync", true)

	v.SetDefault("merge.concurrency", 8)
	v.SetDefault("merge.settleDelay", 100*time.Millisecond)
	v.SetDefault("merge.digest", true)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.type", string(storage.BackendTypeLocal))
	v.SetDefault("archive.localPath", "./archive")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.s3Endpoint", "")
	v.SetDefault("archive.s3Bucket", "")
	v.SetDefault("archive.s3AccessKey", "")
	v.SetDefault("archive.s3SecretKey", "")
	v.SetDefault("archive.s3Region", "")
	v.SetDefault("archive.s3UseSSL", true)

	v.SetDefault("janitor.enabled", false)
	v.SetDefault("janitor.interval", 10*time.Minute)
	v.SetDefault("janitor.partialTTL", time.Hour)
	v.SetDefault("janitor.stagingTTL", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
}

// LoadConfig reads defaults, then the optional file at path, then CHUNKD_*
// environment variables (CHUNKD_UPLOAD_ROOT overrides upload.root).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.Upload.Root == "" {
		return errors.New("upload.root is required")
	}
	if _, err := c.Upload.MaxChunkBytes(); err != nil {
		return err
	}
	if c.Merge.Concurrency < 1 {
		return fmt.Errorf("merge.concurrency must be at least 1, got %d", c.Merge.Concurrency)
	}
	if c.Merge.SettleDelay < 0 {
		return errors.New("merge.settleDelay must not be negative")
	}
	if c.Archive.Enabled && c.Archive.Type == storage.BackendTypeS3 && c.Archive.S3Bucket == "" {
		return errors.New("archive.s3Bucket is required for the s3 backend")
	}
	return nil
}
