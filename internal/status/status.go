package status

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/prappser/chunkd/internal/merge"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

// StatsProvider reports live websocket connections.
type StatsProvider interface {
	GetStats() (totalClients, totalSubscriptions int)
}

type StatusEndpoints struct {
	version    string
	uploadRoot string
	stats      StatsProvider
}

func NewEndpoints(version, uploadRoot string, stats StatsProvider) *StatusEndpoints {
	return &StatusEndpoints{
		version:    version,
		uploadRoot: uploadRoot,
		stats:      stats,
	}
}

type StatusResponse struct {
	Health  string       `json:"health"`
	Version string       `json:"version"`
	Uploads UploadStats  `json:"uploads"`
	Clients *ClientStats `json:"clients,omitempty"`
}

type UploadStats struct {
	Root      string `json:"root"`
	Staging   int    `json:"staging"`
	Artifacts int    `json:"artifacts"`
	Partial   int    `json:"partial"`
	UsedBytes int64  `json:"usedBytes"`
	Used      string `json:"used"`
	FreeBytes int64  `json:"freeBytes,omitempty"`
	Free      string `json:"free,omitempty"`
}

type ClientStats struct {
	Connected     int `json:"connected"`
	Subscriptions int `json:"subscriptions"`
}

func (se *StatusEndpoints) Status(ctx *fasthttp.RequestCtx) {
	response := StatusResponse{
		Health:  "OK",
		Version: se.version,
	}

	uploads, err := Scan(se.uploadRoot)
	if err != nil {
		log.Warn().Err(err).Str("root", se.uploadRoot).Msg("Failed to scan upload root")
		response.Health = "DEGRADED"
	}
	response.Uploads = uploads

	if se.stats != nil {
		clients, subs := se.stats.GetStats()
		response.Clients = &ClientStats{Connected: clients, Subscriptions: subs}
	}

	responseJSON, err := json.Marshal(response)
	if err != nil {
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(responseJSON)
}

// Scan summarises the upload root: staging directories, finished artifacts,
// leftover partial artifacts and the bytes they occupy.
func Scan(root string) (UploadStats, error) {
	stats := UploadStats{Root: root}

	entries, err := os.ReadDir(root)
	if err != nil {
		return stats, err
	}

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(root, name)
		switch {
		case strings.HasSuffix(name, merge.PartialExt):
			stats.Partial++
		case entry.IsDir() && !strings.HasPrefix(name, "."):
			stats.Staging++
		case entry.Type().IsRegular() && !strings.HasPrefix(name, "."):
			stats.Artifacts++
		}

		if entry.IsDir() {
			stats.UsedBytes += dirSize(path)
		} else if info, err := entry.Info(); err == nil {
			stats.UsedBytes += info.Size()
		}
	}
	stats.Used = humanize.IBytes(uint64(stats.UsedBytes))

	if free, ok := freeBytes(root); ok {
		stats.FreeBytes = free
		stats.Free = humanize.IBytes(uint64(free))
	}
	return stats, nil
}

func dirSize(dir string) int64 {
	var size int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return size
}
