package janitor

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prappser/chunkd/internal/chunk"
	"github.com/prappser/chunkd/internal/merge"
	"github.com/prappser/chunkd/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	defaultInterval   = 10 * time.Minute
	defaultPartialTTL = time.Hour
)

type Config struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	PartialTTL time.Duration `mapstructure:"partialTTL"`
	StagingTTL time.Duration `mapstructure:"stagingTTL"`
}

// Report counts what one sweep removed.
type Report struct {
	Partial int
	Temp    int
	Retired int
	Staging int
}

func (r Report) Total() int {
	return r.Partial + r.Temp + r.Retired + r.Staging
}

// Janitor removes leftovers of interrupted work under the upload root: partial
// artifacts, chunk temp files, retired staging directories and, when StagingTTL
// is set, staging directories nobody touched for that long. Finished artifacts
// are never removed.
type Janitor struct {
	root       string
	interval   time.Duration
	partialTTL time.Duration
	stagingTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	ticker  *time.Ticker
	done    chan struct{}
	stopped sync.WaitGroup
}

func New(root string, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.PartialTTL <= 0 {
		cfg.PartialTTL = defaultPartialTTL
	}
	return &Janitor{
		root:       root,
		interval:   cfg.Interval,
		partialTTL: cfg.PartialTTL,
		stagingTTL: cfg.StagingTTL,
		now:        time.Now,
	}
}

// Start sweeps every interval until Stop is called.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ticker != nil {
		return
	}

	j.ticker = time.NewTicker(j.interval)
	j.done = make(chan struct{})
	j.stopped.Add(1)
	go j.loop(j.ticker, j.done)

	log.Info().
		Str("root", j.root).
		Dur("interval", j.interval).
		Dur("partialTTL", j.partialTTL).
		Dur("stagingTTL", j.stagingTTL).
		Msg("Janitor started")
}

func (j *Janitor) loop(ticker *time.Ticker, done chan struct{}) {
	defer j.stopped.Done()
	for {
		select {
		case <-ticker.C:
			j.RunNow()
		case <-done:
			ticker.Stop()
			return
		}
	}
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if j.ticker == nil {
		j.mu.Unlock()
		return
	}
	close(j.done)
	j.ticker = nil
	j.mu.Unlock()

	j.stopped.Wait()
	log.Info().Msg("Janitor stopped")
}

// RunNow performs a single sweep. Failures on individual entries are logged and
// returned together; the sweep continues past them.
func (j *Janitor) RunNow() (Report, error) {
	var report Report
	var errs *multierror.Error

	entries, err := os.ReadDir(j.root)
	if err != nil {
		return report, err
	}

	now := j.now()
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(j.root, name)

		switch {
		case strings.HasPrefix(name, ".") && strings.HasSuffix(name, merge.PartialExt):
			if j.expired(entry, now, j.partialTTL) {
				if err := os.Remove(path); err != nil {
					errs = multierror.Append(errs, err)
					continue
				}
				report.Partial++
			}

		case strings.HasPrefix(name, ".") && strings.HasSuffix(name, merge.RetiredExt) && entry.IsDir():
			if j.expired(entry, now, j.partialTTL) {
				if err := os.RemoveAll(path); err != nil {
					errs = multierror.Append(errs, err)
					continue
				}
				report.Retired++
			}

		case entry.IsDir() && !strings.HasPrefix(name, "."):
			removed, err := j.sweepStaging(path, now, &report)
			if err != nil {
				errs = multierror.Append(errs, err)
			}
			if removed {
				report.Staging++
			}
		}
	}

	metrics.SweptEntries.WithLabelValues("partial").Add(float64(report.Partial))
	metrics.SweptEntries.WithLabelValues("temp").Add(float64(report.Temp))
	metrics.SweptEntries.WithLabelValues("retired").Add(float64(report.Retired))
	metrics.SweptEntries.WithLabelValues("staging").Add(float64(report.Staging))

	err = errs.ErrorOrNil()
	event := log.Info()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.
		Int("partial", report.Partial).
		Int("temp", report.Temp).
		Int("retired", report.Retired).
		Int("staging", report.Staging).
		Msg("Janitor sweep completed")

	return report, err
}

// sweepStaging removes stale temp files in dir and then dir itself when every
// entry is older than the staging TTL.
func (j *Janitor) sweepStaging(dir string, now time.Time, report *Report) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}

	var errs *multierror.Error
	newest := time.Time{}
	if info, err := os.Stat(dir); err == nil {
		newest = info.ModTime()
	}

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if strings.HasPrefix(entry.Name(), ".") && strings.HasSuffix(entry.Name(), chunk.TempExt) &&
			now.Sub(info.ModTime()) > j.partialTTL {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				errs = multierror.Append(errs, err)
			} else {
				report.Temp++
			}
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}

	if j.stagingTTL <= 0 || now.Sub(newest) <= j.stagingTTL {
		return false, errs.ErrorOrNil()
	}

	if err := os.RemoveAll(dir); err != nil {
		return false, multierror.Append(errs, err).ErrorOrNil()
	}
	log.Debug().Str("dir", dir).Time("lastModified", newest).Msg("Removed abandoned staging directory")
	return true, errs.ErrorOrNil()
}

func (j *Janitor) expired(entry os.DirEntry, now time.Time, ttl time.Duration) bool {
	info, err := entry.Info()
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) > ttl
}
