package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type LocalStorage struct {
	basePath string
}

func NewLocalStorage(config *BackendConfig) (*LocalStorage, error) {
	basePath := config.LocalPath
	if basePath == "" {
		basePath = "./archive"
	}
	if config.Prefix != "" {
		basePath = filepath.Join(basePath, config.Prefix)
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &LocalStorage{basePath: basePath}, nil
}

func (s *LocalStorage) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid archive name: %q", name)
	}
	return filepath.Join(s.basePath, name), nil
}

// Store copies reader into the archive. The object only appears once fully written.
func (s *LocalStorage) Store(ctx context.Context, name string, reader io.Reader, size int64) error {
	fullPath, err := s.path(name)
	if err != nil {
		return err
	}

	tmp := filepath.Join(s.basePath, "."+name+"."+uuid.NewString()+".tmp")
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}

	n, err := io.Copy(file, reader)
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("short copy: wrote %d of %d bytes", n, size)
	}
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *LocalStorage) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	fullPath, err := s.path(name)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}

	return file, nil
}

func (s *LocalStorage) Delete(ctx context.Context, name string) error {
	fullPath, err := s.path(name)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

func (s *LocalStorage) Exists(ctx context.Context, name string) (bool, error) {
	fullPath, err := s.path(name)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}
