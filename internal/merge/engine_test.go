package merge

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prappser/chunkd/internal/chunk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *chunk.Store) {
	t.Helper()
	store, err := chunk.NewStore(t.TempDir())
	require.NoError(t, err)
	return NewEngine(store, opts...), store
}

func upload(t *testing.T, store *chunk.Store, fileKey, chunkKey string, data []byte) {
	t.Helper()
	_, err := store.AcceptChunk(context.Background(), fileKey, chunkKey, bytes.NewReader(data))
	require.NoError(t, err)
}

// split cuts data into chunkSize pieces keyed <fileKey>-<i>.
func split(fileKey string, data []byte, chunkSize int) map[string][]byte {
	pieces := make(map[string][]byte)
	for i := 0; i*chunkSize < len(data); i++ {
		end := (i + 1) * chunkSize
		if end > len(data) {
			end = len(data)
		}
		pieces[fmt.Sprintf("%s-%d", fileKey, i)] = data[i*chunkSize : end]
	}
	return pieces
}

func hiddenEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var hidden []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			hidden = append(hidden, e.Name())
		}
	}
	return hidden
}

func TestEngine_Merge_ShouldReassembleTwoChunkFile(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	upload(t, store, "h", "h-0", []byte("AAAA"))
	upload(t, store, "h", "h-1", []byte("BB"))

	// when
	result, err := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4})

	// then
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, result.Status)
	assert.Equal(t, "h.txt", result.Name)
	assert.Equal(t, int64(6), result.Size)
	assert.Equal(t, 2, result.Chunks)
	assert.Empty(t, result.Warnings)

	data, err := os.ReadFile(filepath.Join(store.Root(), "h.txt"))
	require.NoError(t, err)
	assert.Equal(t, "AAAABB", string(data))

	_, err = os.Stat(store.ChunkPath("h", "h-0"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(store.ChunkPath("h", "h-1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(store.StagingDir("h"))
	assert.True(t, os.IsNotExist(err), "staging directory should be removed")
	assert.Empty(t, hiddenEntries(t, store.Root()))
}

func TestEngine_Merge_ShouldBeIndependentOfArrivalOrder(t *testing.T) {
	// given
	engine, store := newTestEngine(t, WithConcurrency(3))
	// a dozen chunks so ordinals 10 and 11 exercise numeric ordering
	original := make([]byte, 12*11+5)
	rand.New(rand.NewSource(42)).Read(original)
	pieces := split("file", original, 12)
	require.Len(t, pieces, 12)

	keys := make([]string, 0, len(pieces))
	for k := range pieces {
		keys = append(keys, k)
	}
	rand.New(rand.NewSource(7)).Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_, err := store.AcceptChunk(context.Background(), "file", k, bytes.NewReader(pieces[k]))
			assert.NoError(t, err)
		}(k)
	}
	wg.Wait()

	// when
	result, err := engine.Merge(context.Background(), Request{FileKey: "file", FileName: "video.mp4", ChunkSize: 12})

	// then
	require.NoError(t, err)
	assert.Equal(t, 12, result.Chunks)

	data, err := os.ReadFile(engine.ArtifactPath("file", "video.mp4"))
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestEngine_Merge_ShouldProduceShorterFinalLengthForShortLastChunk(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	const chunkSize = 8
	for i := 0; i < 4; i++ {
		upload(t, store, "k", fmt.Sprintf("k-%d", i), bytes.Repeat([]byte{byte('a' + i)}, chunkSize))
	}
	upload(t, store, "k", "k-4", []byte("xyz"))

	// when
	result, err := engine.Merge(context.Background(), Request{FileKey: "k", FileName: "blob", ChunkSize: chunkSize})

	// then
	require.NoError(t, err)
	assert.Equal(t, int64(4*chunkSize+3), result.Size)

	info, err := os.Stat(engine.ArtifactPath("k", "blob"))
	require.NoError(t, err)
	assert.Equal(t, int64(4*chunkSize+3), info.Size())
}

func TestEngine_Merge_ShouldReplaceStagingWithExtensionlessArtifact(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	upload(t, store, "k", "k-0", []byte("AAAA"))
	upload(t, store, "k", "k-1", []byte("B"))
	require.Equal(t, store.StagingDir("k"), engine.ArtifactPath("k", "README"))

	// when
	result, err := engine.Merge(context.Background(), Request{FileKey: "k", FileName: "README", ChunkSize: 4})

	// then
	require.NoError(t, err)
	assert.Equal(t, "k", result.Name)
	assert.Empty(t, result.Warnings)

	data, err := os.ReadFile(filepath.Join(store.Root(), "k"))
	require.NoError(t, err)
	assert.Equal(t, "AAAAB", string(data))
	assert.Empty(t, hiddenEntries(t, store.Root()), "retired staging must be removed")

	merged, err := engine.Merged("k", "README")
	require.NoError(t, err)
	assert.True(t, merged)

	result, err = engine.Merge(context.Background(), Request{FileKey: "k", FileName: "README", ChunkSize: 4})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyMerged, result.Status)
}

func TestEngine_Merge_ShouldBeIdempotent(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	upload(t, store, "h", "h-0", []byte("AAAA"))
	upload(t, store, "h", "h-1", []byte("BB"))
	_, err := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4})
	require.NoError(t, err)

	// chunks arriving after completion are not read again
	upload(t, store, "h", "h-2", []byte("CC"))

	// when
	result, err := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4})

	// then
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyMerged, result.Status)
	assert.Equal(t, int64(6), result.Size)

	data, err := os.ReadFile(engine.ArtifactPath("h", "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "AAAABB", string(data))
}

func TestEngine_Merge_ShouldSucceedWhenChunkDeletionFails(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	engine.removeFile = func(string) error { return errors.New("file is locked") }
	engine.removeAll = func(string) error { return errors.New("directory is locked") }
	upload(t, store, "h", "h-0", []byte("AAAA"))
	upload(t, store, "h", "h-1", []byte("BB"))

	// when
	result, err := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4})

	// then
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, result.Status)
	require.Len(t, result.Warnings, 3)
	for _, w := range result.Warnings {
		var cleanupErr *CleanupError
		assert.ErrorAs(t, w, &cleanupErr)
	}

	data, err := os.ReadFile(engine.ArtifactPath("h", "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "AAAABB", string(data))
}

func TestEngine_Merge_ShouldForceRemoveStagingWhenPlainRemoveFails(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	engine.removeFile = func(string) error { return errors.New("file is locked") }
	upload(t, store, "h", "h-0", []byte("AAAA"))

	// when
	result, err := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4})

	// then
	require.NoError(t, err)
	assert.Len(t, result.Warnings, 1, "only the chunk deletion should be reported")
	_, err = os.Stat(store.StagingDir("h"))
	assert.True(t, os.IsNotExist(err))
}

func TestEngine_Merge_ShouldFailWithSourceMissing(t *testing.T) {
	// given
	engine, store := newTestEngine(t)

	// when
	_, err := engine.Merge(context.Background(), Request{FileKey: "nothing", FileName: "x.txt", ChunkSize: 4})

	// then
	assert.ErrorIs(t, err, ErrSourceMissing)
	_, statErr := os.Stat(engine.ArtifactPath("nothing", "x.txt"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, hiddenEntries(t, store.Root()))
}

func TestEngine_Merge_ShouldFailWithSourceMissingForEmptyStaging(t *testing.T) {
	engine, store := newTestEngine(t)
	require.NoError(t, os.Mkdir(store.StagingDir("empty"), 0755))

	_, err := engine.Merge(context.Background(), Request{FileKey: "empty", FileName: "x.txt", ChunkSize: 4})

	assert.ErrorIs(t, err, ErrSourceMissing)
}

func TestEngine_Merge_ShouldRejectInvalidRequests(t *testing.T) {
	engine, _ := newTestEngine(t)

	tests := []struct {
		name string
		req  Request
	}{
		{"zero chunk size", Request{FileKey: "h", FileName: "x.txt", ChunkSize: 0}},
		{"negative chunk size", Request{FileKey: "h", FileName: "x.txt", ChunkSize: -1}},
		{"unsafe file key", Request{FileKey: "../h", FileName: "x.txt", ChunkSize: 4}},
		{"unsafe extension", Request{FileKey: "h", FileName: "x.t/../../y", ChunkSize: 4}},
		{"negative total", Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4, TotalChunks: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Merge(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestEngine_Merge_ShouldDetectGapsWhenTotalGiven(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	upload(t, store, "h", "h-0", []byte("AAAA"))
	upload(t, store, "h", "h-2", []byte("CC"))

	// when
	_, err := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4, TotalChunks: 3})

	// then
	var mergeErr *Error
	require.ErrorAs(t, err, &mergeErr)
	assert.Contains(t, err.Error(), "expected 3")

	chunks, err := store.ListChunks("h")
	require.NoError(t, err)
	assert.Len(t, chunks, 2, "chunks must survive a failed merge")

	// when the missing chunk arrives the retry succeeds
	upload(t, store, "h", "h-1", []byte("BBBB"))
	result, err := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4, TotalChunks: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.Size)
}

func TestEngine_Merge_ShouldRejectMisSizedChunks(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	upload(t, store, "h", "h-0", []byte("AAA"))
	upload(t, store, "h", "h-1", []byte("BB"))

	// when
	_, err := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4})

	// then
	var mergeErr *Error
	assert.ErrorAs(t, err, &mergeErr)
	_, statErr := os.Stat(engine.ArtifactPath("h", "x.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestEngine_Merge_ShouldVerifyChecksum(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	upload(t, store, "h", "h-0", []byte("AAAA"))
	upload(t, store, "h", "h-1", []byte("BB"))
	sum := blake3.Sum256([]byte("AAAABB"))
	want := hex.EncodeToString(sum[:])

	// when
	_, err := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4, Checksum: strings.Repeat("0", 64)})

	// then
	var mergeErr *Error
	require.ErrorAs(t, err, &mergeErr)
	assert.Contains(t, err.Error(), "checksum mismatch")
	_, statErr := os.Stat(engine.ArtifactPath("h", "x.txt"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, hiddenEntries(t, store.Root()), "partial artifact must be removed")

	// when
	result, err := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4, Checksum: want})

	// then
	require.NoError(t, err)
	assert.Equal(t, want, result.Digest)
}

func TestEngine_Merge_ShouldComputeDigestWhenEnabled(t *testing.T) {
	engine, store := newTestEngine(t, WithDigest(true), WithSync(true))
	upload(t, store, "h", "h-0", []byte("AAAA"))

	result, err := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4})

	require.NoError(t, err)
	sum := blake3.Sum256([]byte("AAAA"))
	assert.Equal(t, hex.EncodeToString(sum[:]), result.Digest)
}

func TestEngine_Merge_ShouldKeepChunksWhenCancelled(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	upload(t, store, "h", "h-0", []byte("AAAA"))
	upload(t, store, "h", "h-1", []byte("BB"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// when
	_, err := engine.Merge(ctx, Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4})

	// then
	assert.ErrorIs(t, err, context.Canceled)
	merged, err := engine.Merged("h", "x.txt")
	require.NoError(t, err)
	assert.False(t, merged)
	assert.Empty(t, hiddenEntries(t, store.Root()))

	result, err := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4})
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, result.Status)
}

func TestEngine_Merge_ShouldSerializeConcurrentMergesOfOneKey(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	original := bytes.Repeat([]byte("0123456789"), 100)
	for k, v := range split("h", original, 64) {
		upload(t, store, "h", k, v)
	}

	// when
	var wg sync.WaitGroup
	results := make([]*Result, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.bin", ChunkSize: 64})
		}(i)
	}
	wg.Wait()

	// then
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(len(original)), results[i].Size)
	}

	data, err := os.ReadFile(engine.ArtifactPath("h", "x.bin"))
	require.NoError(t, err)
	assert.Equal(t, original, data)
	assert.Empty(t, hiddenEntries(t, store.Root()))
}

func TestExt(t *testing.T) {
	assert.Equal(t, ".txt", Ext("x.txt"))
	assert.Equal(t, ".gz", Ext("archive.tar.gz"))
	assert.Equal(t, "", Ext("README"))
	assert.Equal(t, ".", Ext("trailing."))
}

func TestEngine_Merge_ShouldHandleLongFileKeys(t *testing.T) {
	tests := []struct {
		name     string
		fileKey  string
		fileName string
	}{
		{name: "with extension", fileKey: strings.Repeat("k", 246), fileName: "x.txt"},
		{name: "extensionless", fileKey: strings.Repeat("k", 250), fileName: "blob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// given
			engine, store := newTestEngine(t)
			upload(t, store, tt.fileKey, "c-0", []byte("AAAA"))
			upload(t, store, tt.fileKey, "c-1", []byte("BB"))

			// when
			result, err := engine.Merge(context.Background(), Request{FileKey: tt.fileKey, FileName: tt.fileName, ChunkSize: 4})

			// then
			require.NoError(t, err)
			assert.Equal(t, StatusMerged, result.Status)
			data, err := os.ReadFile(engine.ArtifactPath(tt.fileKey, tt.fileName))
			require.NoError(t, err)
			assert.Equal(t, "AAAABB", string(data))
			assert.Empty(t, hiddenEntries(t, store.Root()))
		})
	}
}

func TestEngine_Merge_ShouldCheckEveryCallersChecksumUnderConcurrency(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	upload(t, store, "h", "h-0", []byte("AAAA"))
	upload(t, store, "h", "h-1", []byte("BB"))
	wrong := strings.Repeat("0", 64)

	// when
	var wg sync.WaitGroup
	plainErrs := make([]error, 4)
	wrongErrs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, plainErrs[i] = engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4})
		}(i)
		go func(i int) {
			defer wg.Done()
			_, wrongErrs[i] = engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4, Checksum: wrong})
		}(i)
	}
	wg.Wait()

	// then
	for i := 0; i < 4; i++ {
		assert.NoError(t, plainErrs[i])
		require.Error(t, wrongErrs[i])
		assert.Contains(t, wrongErrs[i].Error(), "checksum mismatch")
	}
	data, err := os.ReadFile(engine.ArtifactPath("h", "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "AAAABB", string(data))
}

func TestEngine_Merge_ShouldVerifyChecksumOfExistingArtifact(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	upload(t, store, "h", "h-0", []byte("AAAA"))
	_, err := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4})
	require.NoError(t, err)
	sum := blake3.Sum256([]byte("AAAA"))
	want := hex.EncodeToString(sum[:])

	// when
	matched, matchErr := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4, Checksum: want})
	_, mismatchErr := engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4, Checksum: strings.Repeat("f", 64)})

	// then
	require.NoError(t, matchErr)
	assert.Equal(t, StatusAlreadyMerged, matched.Status)
	assert.Equal(t, want, matched.Digest)
	require.Error(t, mismatchErr)
	assert.Contains(t, mismatchErr.Error(), "checksum mismatch")
}

func TestEngine_Merge_ShouldNotShareResultsAcrossDifferentFileNames(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	upload(t, store, "h", "h-0", []byte("AAAA"))

	// when
	var wg sync.WaitGroup
	var txtErr, binErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, txtErr = engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.txt", ChunkSize: 4})
	}()
	go func() {
		defer wg.Done()
		_, binErr = engine.Merge(context.Background(), Request{FileKey: "h", FileName: "x.bin", ChunkSize: 4})
	}()
	wg.Wait()

	// then
	// Exactly one name wins; the other finds the staging gone.
	txtMerged, err := engine.Merged("h", "x.txt")
	require.NoError(t, err)
	binMerged, err := engine.Merged("h", "x.bin")
	require.NoError(t, err)
	assert.NotEqual(t, txtMerged, binMerged)
	assert.Equal(t, txtMerged, txtErr == nil)
	assert.Equal(t, binMerged, binErr == nil)
	if !txtMerged {
		assert.ErrorIs(t, txtErr, ErrSourceMissing)
	}
	if !binMerged {
		assert.ErrorIs(t, binErr, ErrSourceMissing)
	}
}
