package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prappser/chunkd/internal/chunk"
	"github.com/prappser/chunkd/internal/merge"
	"github.com/prappser/chunkd/internal/metrics"
	"github.com/prappser/chunkd/internal/storage"
	"github.com/rs/zerolog/log"
)

var timeNow = time.Now

// SetTimeNowFunc overrides the clock used for event timestamps.
func SetTimeNowFunc(f func() time.Time) {
	timeNow = f
}

// Service is the entry point for chunk uploads and merges.
type Service struct {
	store    *chunk.Store
	engine   *merge.Engine
	archive  storage.Backend
	notifier Notifier
}

// NewService wires the chunk store and merge engine. archive and notifier are optional.
func NewService(store *chunk.Store, engine *merge.Engine, archive storage.Backend, notifier Notifier) *Service {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Service{
		store:    store,
		engine:   engine,
		archive:  archive,
		notifier: notifier,
	}
}

func (s *Service) UploadChunk(ctx context.Context, fileKey, chunkKey string, data io.Reader) (*chunk.Result, error) {
	result, err := s.store.AcceptChunk(ctx, fileKey, chunkKey, data)
	if err != nil {
		log.Error().Err(err).Str("fileKey", fileKey).Str("chunkKey", chunkKey).Msg("Failed to accept chunk")
		return nil, err
	}

	kind := EventChunkStored
	if result.Status == chunk.StatusDuplicate {
		kind = EventChunkDuplicate
	}
	s.notify(&Event{Kind: kind, FileKey: fileKey, ChunkKey: chunkKey, Size: result.Size})

	return result, nil
}

func (s *Service) Merge(ctx context.Context, req merge.Request) (*merge.Result, error) {
	result, err := s.engine.Merge(ctx, req)
	if err != nil {
		if !errors.Is(err, merge.ErrInvalidRequest) {
			s.notify(&Event{Kind: EventMergeFailed, FileKey: req.FileKey, Message: err.Error()})
		}
		return nil, err
	}

	// A joined caller shares the leader's merge; the leader archives and notifies.
	if result.Joined {
		return result, nil
	}

	if result.Status == merge.StatusMerged && s.archive != nil {
		if err := s.archiveArtifact(ctx, result); err != nil {
			metrics.ArchiveUploads.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Str("fileKey", req.FileKey).Str("artifact", result.Name).Msg("Failed to archive artifact")
			result.Warnings = append(result.Warnings, fmt.Errorf("archive: %w", err))
		} else {
			metrics.ArchiveUploads.WithLabelValues("ok").Inc()
		}
	}

	s.notify(&Event{Kind: EventMergeCompleted, FileKey: req.FileKey, Size: result.Size, Message: string(result.Status)})
	return result, nil
}

func (s *Service) archiveArtifact(ctx context.Context, result *merge.Result) error {
	f, err := os.Open(result.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	return s.archive.Store(ctx, result.Name, f, result.Size)
}

// Progress describes what is on disk for one upload, so clients can resume.
type Progress struct {
	FileKey string       `json:"fileKey"`
	Merged  bool         `json:"merged"`
	Chunks  []chunk.Info `json:"chunks"`
}

// Progress lists the stored chunks of fileKey in ordinal order. fileName is only needed
// to report whether the artifact already exists.
func (s *Service) Progress(fileKey, fileName string) (*Progress, error) {
	chunks, err := s.store.ListChunks(fileKey)
	if err != nil && !errors.Is(err, chunk.ErrStagingNotFound) {
		return nil, err
	}
	chunk.SortByOrdinal(chunks)
	if chunks == nil {
		chunks = []chunk.Info{}
	}

	progress := &Progress{FileKey: fileKey, Chunks: chunks}
	if fileName != "" {
		merged, err := s.engine.Merged(fileKey, fileName)
		if err != nil {
			return nil, err
		}
		progress.Merged = merged
	}
	return progress, nil
}

func (s *Service) notify(ev *Event) {
	ev.At = timeNow().Unix()
	s.notifier.Notify(ev)
}
