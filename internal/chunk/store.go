package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prappser/chunkd/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// TempExt marks a chunk that is still being received.
	TempExt = ".tmp"
)

type Status string

const (
	StatusStored    Status = "stored"
	StatusDuplicate Status = "duplicate"
)

type Result struct {
	FileKey  string `json:"fileKey"`
	ChunkKey string `json:"chunkKey"`
	Ordinal  int    `json:"ordinal"`
	Size     int64  `json:"size"`
	Status   Status `json:"status"`
}

// Info describes one chunk record on disk.
type Info struct {
	Key     string `json:"key"`
	Ordinal int    `json:"ordinal"`
	Size    int64  `json:"size"`
	Path    string `json:"-"`
}

// Store keeps chunk records under <root>/<fileKey>/<chunkKey>.
type Store struct {
	root          string
	maxChunkBytes int64
	sync          bool
}

type Option func(*Store)

// WithMaxChunkBytes rejects chunks longer than n bytes. Zero disables the limit.
func WithMaxChunkBytes(n int64) Option {
	return func(s *Store) {
		s.maxChunkBytes = n
	}
}

// WithSync flushes chunk data to disk before the record becomes visible.
func WithSync(enabled bool) Option {
	return func(s *Store) {
		s.sync = enabled
	}
}

func NewStore(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("upload root is required")
	}

	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create upload root: %w", err)
	}

	s := &Store{root: root}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) StagingDir(fileKey string) string {
	return filepath.Join(s.root, fileKey)
}

func (s *Store) ChunkPath(fileKey, chunkKey string) string {
	return filepath.Join(s.root, fileKey, chunkKey)
}

// AcceptChunk persists r as the chunk record for (fileKey, chunkKey). If a record
// already exists the stream is left unread and the result is StatusDuplicate.
func (s *Store) AcceptChunk(ctx context.Context, fileKey, chunkKey string, r io.Reader) (*Result, error) {
	if err := ValidateKey(fileKey); err != nil {
		return nil, err
	}
	if err := ValidateKey(chunkKey); err != nil {
		return nil, err
	}
	ordinal, err := ParseOrdinal(chunkKey)
	if err != nil {
		return nil, err
	}

	result := &Result{FileKey: fileKey, ChunkKey: chunkKey, Ordinal: ordinal}
	uploadErr := func(err error) error {
		metrics.ChunksAccepted.WithLabelValues("failed").Inc()
		return &UploadError{FileKey: fileKey, ChunkKey: chunkKey, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, uploadErr(err)
	}

	dir := s.StagingDir(fileKey)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, uploadErr(fmt.Errorf("failed to create staging directory: %w", err))
	}

	target := filepath.Join(dir, chunkKey)
	if info, err := os.Lstat(target); err == nil {
		return s.duplicate(result, info.Size()), nil
	} else if !os.IsNotExist(err) {
		return nil, uploadErr(err)
	}

	n, err := s.persist(ctx, dir, target, r)
	if errors.Is(err, fs.ErrExist) {
		// Lost a race against a concurrent upload of the same key.
		info, statErr := os.Lstat(target)
		if statErr != nil {
			return nil, uploadErr(statErr)
		}
		return s.duplicate(result, info.Size()), nil
	}
	if err != nil {
		return nil, uploadErr(err)
	}

	result.Size = n
	result.Status = StatusStored
	metrics.ChunksAccepted.WithLabelValues(string(StatusStored)).Inc()
	metrics.ChunkBytes.Add(float64(n))

	log.Debug().
		Str("fileKey", fileKey).
		Str("chunkKey", chunkKey).
		Str("size", humanize.IBytes(uint64(n))).
		Msg("Chunk stored")

	return result, nil
}

func (s *Store) duplicate(result *Result, size int64) *Result {
	result.Size = size
	result.Status = StatusDuplicate
	metrics.ChunksAccepted.WithLabelValues(string(StatusDuplicate)).Inc()

	log.Debug().
		Str("fileKey", result.FileKey).
		Str("chunkKey", result.ChunkKey).
		Msg("Chunk already stored, skipping")

	return result
}

// persist writes r to a temp file in dir and hard-links it to target. The link fails
// with fs.ErrExist if target appeared meanwhile, so a record is only ever created once
// and is complete when visible.
func (s *Store) persist(ctx context.Context, dir, target string, r io.Reader) (int64, error) {
	tmp := filepath.Join(dir, "."+uuid.NewString()+TempExt)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp chunk: %w", err)
	}
	defer os.Remove(tmp)

	src := r
	if s.maxChunkBytes > 0 {
		src = io.LimitReader(r, s.maxChunkBytes+1)
	}

	n, err := io.Copy(f, &contextReader{ctx: ctx, r: src})
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to write chunk data: %w", err)
	}
	if s.maxChunkBytes > 0 && n > s.maxChunkBytes {
		f.Close()
		return 0, fmt.Errorf("%w: more than %s", ErrChunkTooLarge, humanize.IBytes(uint64(s.maxChunkBytes)))
	}

	if s.sync {
		if err := Fdatasync(f); err != nil {
			f.Close()
			return 0, fmt.Errorf("failed to sync chunk: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close chunk: %w", err)
	}

	if err := os.Link(tmp, target); err != nil {
		return 0, err
	}
	return n, nil
}

// HasStaging reports whether a staging directory exists for fileKey.
func (s *Store) HasStaging(fileKey string) (bool, error) {
	if err := ValidateKey(fileKey); err != nil {
		return false, err
	}
	info, err := os.Stat(s.StagingDir(fileKey))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// ListChunks returns the chunk records currently stored for fileKey in directory
// order. Use SortByOrdinal for reassembly order.
func (s *Store) ListChunks(fileKey string) ([]Info, error) {
	if err := ValidateKey(fileKey); err != nil {
		return nil, err
	}

	dir := s.StagingDir(fileKey)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrStagingNotFound, fileKey)
		}
		return nil, err
	}

	chunks := make([]Info, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}

		ordinal, err := ParseOrdinal(name)
		if err != nil {
			log.Warn().Str("fileKey", fileKey).Str("name", name).Msg("Ignoring unexpected file in staging directory")
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}

		chunks = append(chunks, Info{
			Key:     name,
			Ordinal: ordinal,
			Size:    info.Size(),
			Path:    filepath.Join(dir, name),
		})
	}

	return chunks, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
