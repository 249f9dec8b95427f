package merge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prappser/chunkd/internal/chunk"
	"github.com/prappser/chunkd/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultConcurrency = 4
	artifactPerm       = 0644

	// PartialExt marks an artifact that is still being written.
	PartialExt = ".partial"
	// RetiredExt marks a staging directory moved aside to make room for an
	// extensionless artifact.
	RetiredExt = ".retired"
)

type Status string

const (
	StatusMerged        Status = "merged"
	StatusAlreadyMerged Status = "already_merged"
)

type Request struct {
	FileKey   string `json:"fileKey"`
	FileName  string `json:"fileName"`
	ChunkSize int64  `json:"chunkSize"`
	// TotalChunks, when set, requires exactly that many chunks with consecutive ordinals.
	TotalChunks int `json:"totalChunks,omitempty"`
	// Checksum is an optional hex BLAKE3 digest of the whole file.
	Checksum string `json:"checksum,omitempty"`
}

type Result struct {
	FileKey  string  `json:"fileKey"`
	Path     string  `json:"-"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Chunks   int     `json:"chunks"`
	Digest   string  `json:"digest,omitempty"`
	Status   Status  `json:"status"`
	Warnings []error `json:"-"`
	// Joined is set for callers that received the result of another caller's merge.
	Joined   bool    `json:"-"`
}

// Engine reassembles staged chunks into final artifacts next to the staging
// directories of a chunk.Store.
type Engine struct {
	store       *chunk.Store
	concurrency int
	settleDelay time.Duration
	digest      bool
	sync        bool
	inflight    singleflight.Group
	locks       keyedMutex

	// filesystem seams, replaced in tests
	removeFile func(string) error
	removeDir  func(string) error
	removeAll  func(string) error
}

type Option func(*Engine)

// WithConcurrency bounds the number of chunk transfers running at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithSettleDelay waits before removing the staging directory.
func WithSettleDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.settleDelay = d
	}
}

// WithDigest computes a BLAKE3 digest of every merged artifact.
func WithDigest(enabled bool) Option {
	return func(e *Engine) {
		e.digest = enabled
	}
}

// WithSync flushes the artifact to disk before it is renamed into place.
func WithSync(enabled bool) Option {
	return func(e *Engine) {
		e.sync = enabled
	}
}

func NewEngine(store *chunk.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		concurrency: defaultConcurrency,
		removeFile:  os.Remove,
		removeDir:   os.Remove,
		removeAll:   os.RemoveAll,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ext returns the extension of fileName including the dot: the substring from the last
// '.', or "" when there is none.
func Ext(fileName string) string {
	idx := strings.LastIndex(fileName, ".")
	if idx == -1 {
		return ""
	}
	return fileName[idx:]
}

// ArtifactPath is where the merged file for fileKey lives.
func (e *Engine) ArtifactPath(fileKey, fileName string) string {
	return filepath.Join(e.store.Root(), fileKey+Ext(fileName))
}

// Merged reports whether the artifact for fileKey already exists.
func (e *Engine) Merged(fileKey, fileName string) (bool, error) {
	info, err := os.Stat(e.ArtifactPath(fileKey, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (r Request) validate() error {
	if err := chunk.ValidateKey(r.FileKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := chunk.ValidateKey(r.FileKey + Ext(r.FileName)); err != nil {
		return fmt.Errorf("%w: unusable file extension %q", ErrInvalidRequest, Ext(r.FileName))
	}
	if r.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidRequest)
	}
	if r.TotalChunks < 0 {
		return fmt.Errorf("%w: total chunks must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Merge writes every staged chunk of req.FileKey at offset position*ChunkSize of the
// artifact, commits it with a rename and then removes the chunk state. Calling it again
// once the artifact exists returns StatusAlreadyMerged without touching chunks.
// Identical concurrent calls share a single execution; differing calls for one
// FileKey run one after another.
func (e *Engine) Merge(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	v, err, shared := e.inflight.Do(req.flightKey(), func() (interface{}, error) {
		unlock := e.locks.Lock(req.FileKey)
		defer unlock()
		return e.merge(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Str("fileKey", req.FileKey).Msg("Joined in-flight merge")
	}

	result := *v.(*Result)
	result.Warnings = slices.Clone(result.Warnings)
	result.Joined = shared
	return &result, nil
}

// flightKey identifies requests that are safe to answer with one execution.
func (r Request) flightKey() string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%d\x00%s",
		r.FileKey, Ext(r.FileName), r.ChunkSize, r.TotalChunks, strings.ToLower(r.Checksum))
}

func (e *Engine) merge(ctx context.Context, req Request) (*Result, error) {
	final := e.ArtifactPath(req.FileKey, req.FileName)
	result := &Result{
		FileKey: req.FileKey,
		Path:    final,
		Name:    filepath.Base(final),
	}

	if info, err := os.Stat(final); err == nil {
		switch {
		case info.Mode().IsRegular():
			if req.Checksum != "" {
				digest, err := verifyArtifact(final, info.Size(), req.Checksum)
				if err != nil {
					metrics.Merges.WithLabelValues("failed").Inc()
					return nil, &Error{FileKey: req.FileKey, Err: err}
				}
				result.Digest = digest
			}
			metrics.Merges.WithLabelValues(string(StatusAlreadyMerged)).Inc()
			result.Size = info.Size()
			result.Status = StatusAlreadyMerged
			return result, nil
		case !info.IsDir() || Ext(req.FileName) != "":
			metrics.Merges.WithLabelValues("failed").Inc()
			return nil, &Error{FileKey: req.FileKey, Err: fmt.Errorf("%s exists and is not a regular file", result.Name)}
		}
		// Without an extension the artifact path is the staging directory itself.
	} else if !os.IsNotExist(err) {
		metrics.Merges.WithLabelValues("failed").Inc()
		return nil, &Error{FileKey: req.FileKey, Err: err}
	}

	chunks, err := e.store.ListChunks(req.FileKey)
	if errors.Is(err, chunk.ErrStagingNotFound) {
		metrics.Merges.WithLabelValues("missing").Inc()
		return nil, fmt.Errorf("%w: no staging data or artifact for %s", ErrSourceMissing, req.FileKey)
	}
	if err != nil {
		metrics.Merges.WithLabelValues("failed").Inc()
		return nil, &Error{FileKey: req.FileKey, Err: err}
	}
	if len(chunks) == 0 {
		metrics.Merges.WithLabelValues("missing").Inc()
		return nil, fmt.Errorf("%w: staging for %s holds no chunks", ErrSourceMissing, req.FileKey)
	}

	chunk.SortByOrdinal(chunks)
	if err := checkLayout(chunks, req); err != nil {
		metrics.Merges.WithLabelValues("failed").Inc()
		return nil, &Error{FileKey: req.FileKey, Err: err}
	}

	start := time.Now()
	metrics.MergesInFlight.Inc()
	size, digest, staging, err := e.assemble(ctx, req, chunks, final)
	metrics.MergesInFlight.Dec()
	if err != nil {
		metrics.Merges.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("fileKey", req.FileKey).Msg("Merge failed")
		return nil, &Error{FileKey: req.FileKey, Err: err}
	}
	metrics.Merges.WithLabelValues(string(StatusMerged)).Inc()
	metrics.MergeDuration.Observe(time.Since(start).Seconds())
	metrics.MergedBytes.Add(float64(size))

	result.Size = size
	result.Chunks = len(chunks)
	result.Digest = digest
	result.Status = StatusMerged
	result.Warnings = e.cleanup(req.FileKey, staging, chunks)

	log.Info().
		Str("fileKey", req.FileKey).
		Str("artifact", result.Name).
		Int("chunks", len(chunks)).
		Str("size", humanize.IBytes(uint64(size))).
		Dur("took", time.Since(start)).
		Msg("Merge completed")

	return result, nil
}

// checkLayout rejects chunk sets whose writes would overlap or leave holes.
func checkLayout(chunks []chunk.Info, req Request) error {
	last := len(chunks) - 1
	for i, c := range chunks {
		if i < last && c.Size != req.ChunkSize {
			return fmt.Errorf("chunk %s is %d bytes, expected %d", c.Key, c.Size, req.ChunkSize)
		}
		if i == last && c.Size > req.ChunkSize {
			return fmt.Errorf("last chunk %s is %d bytes, larger than chunk size %d", c.Key, c.Size, req.ChunkSize)
		}
	}

	if req.TotalChunks == 0 {
		return nil
	}
	if len(chunks) != req.TotalChunks {
		return fmt.Errorf("have %d chunks, expected %d", len(chunks), req.TotalChunks)
	}
	first := chunks[0].Ordinal
	for i, c := range chunks {
		if c.Ordinal != first+i {
			return fmt.Errorf("missing chunk with ordinal %d", first+i)
		}
	}
	return nil
}

// assemble writes chunks into a hidden partial file and renames it to final. The
// partial file is removed on every failure path, so final only ever holds a complete
// artifact. It returns the directory now holding the consumed chunks.
func (e *Engine) assemble(ctx context.Context, req Request, chunks []chunk.Info, final string) (size int64, digest string, staging string, err error) {
	root := filepath.Dir(final)
	partial := filepath.Join(root, "."+uuid.NewString()+PartialExt)

	f, err := os.OpenFile(partial, os.O_RDWR|os.O_CREATE|os.O_EXCL, artifactPerm)
	if err != nil {
		return 0, "", "", fmt.Errorf("failed to create partial artifact: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(partial)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, c := range chunks {
		offset := int64(i) * req.ChunkSize
		g.Go(func() error {
			return copyChunk(gctx, f, c, offset)
		})
	}
	if err = g.Wait(); err != nil {
		return 0, "", "", err
	}

	last := chunks[len(chunks)-1]
	size = int64(len(chunks)-1)*req.ChunkSize + last.Size

	if e.sync {
		if err = chunk.Fdatasync(f); err != nil {
			return 0, "", "", fmt.Errorf("failed to sync artifact: %w", err)
		}
	}

	if e.digest || req.Checksum != "" {
		if digest, err = hashFile(f, size); err != nil {
			return 0, "", "", err
		}
		if err = checkDigest(req.Checksum, digest); err != nil {
			return 0, "", "", err
		}
	}

	if err = f.Close(); err != nil {
		return 0, "", "", fmt.Errorf("failed to close artifact: %w", err)
	}

	staging = e.store.StagingDir(req.FileKey)
	retired := ""
	if staging == final {
		retired = filepath.Join(root, "."+uuid.NewString()+RetiredExt)
		if err = os.Rename(staging, retired); err != nil {
			return 0, "", "", fmt.Errorf("failed to move staging directory aside: %w", err)
		}
	}

	if err = os.Rename(partial, final); err != nil {
		if retired != "" {
			if restoreErr := os.Rename(retired, staging); restoreErr != nil {
				log.Error().Err(restoreErr).Str("fileKey", req.FileKey).Str("dir", retired).Msg("Failed to restore staging directory")
			}
		}
		return 0, "", "", fmt.Errorf("failed to commit artifact: %w", err)
	}
	if e.sync {
		syncDir(root)
	}

	if retired != "" {
		staging = retired
	}
	return size, digest, staging, nil
}

func copyChunk(ctx context.Context, dst *os.File, c chunk.Info, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(c.Path)
	if err != nil {
		return fmt.Errorf("failed to open chunk %s: %w", c.Key, err)
	}
	defer src.Close()

	n, err := io.Copy(io.NewOffsetWriter(dst, offset), src)
	if err != nil {
		return fmt.Errorf("failed to copy chunk %s: %w", c.Key, err)
	}
	if n != c.Size {
		return fmt.Errorf("chunk %s changed during merge: copied %d of %d bytes", c.Key, n, c.Size)
	}
	return nil
}

func hashFile(f *os.File, size int64) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, size)); err != nil {
		return "", fmt.Errorf("failed to hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func checkDigest(expected, actual string) error {
	if expected != "" && !strings.EqualFold(expected, actual) {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// verifyArtifact hashes an already committed artifact against expected.
func verifyArtifact(path string, size int64, expected string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digest, err := hashFile(f, size)
	if err != nil {
		return "", err
	}
	return digest, checkDigest(expected, digest)
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("Directory sync failed")
	}
}
