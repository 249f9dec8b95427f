package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var ErrNotFound = errors.New("object not found")

// Backend holds copies of merged artifacts outside the upload root.
type Backend interface {
	Store(ctx context.Context, name string, reader io.Reader, size int64) error
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

type BackendType string

const (
	BackendTypeLocal BackendType = "local"
	BackendTypeS3    BackendType = "s3"
)

type BackendConfig struct {
	Type        BackendType `mapstructure:"type"`
	LocalPath   string      `mapstructure:"localPath"`
	S3Endpoint  string      `mapstructure:"s3Endpoint"`
	S3Bucket    string      `mapstructure:"s3Bucket"`
	S3AccessKey string      `mapstructure:"s3AccessKey"`
	S3SecretKey string      `mapstructure:"s3SecretKey"`
	S3Region    string      `mapstructure:"s3Region"`
	S3UseSSL    bool        `mapstructure:"s3UseSSL"`
	Prefix      string      `mapstructure:"prefix"`
}

func NewBackend(config *BackendConfig) (Backend, error) {
	switch config.Type {
	case BackendTypeS3:
		return NewS3Storage(config)
	case BackendTypeLocal, "":
		return NewLocalStorage(config)
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", config.Type)
	}
}
