package backer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"backer/internal/metrics"
)

const defaultTickInterval = 60 * time.Second

// BackupConfig names one configured backup the daemon drives: the local
// filesystem and remote to use, the backup id to tag generations with, and
// how often the backer worker should produce a new generation.
type BackupConfig struct {
	Name   string
	FS     Filesystem
	Remote Remote
	BID    string
	Period time.Duration
}

// Scheduler runs the two cooperating workers of §4.5: an indexer that
// refreshes named head pointers on a fixed cadence, and a backer that
// produces new generations once each backup's period has elapsed.
type Scheduler struct {
	Engine       *Engine
	Backups      []BackupConfig
	TickInterval time.Duration
	Log          zerolog.Logger
}

// Run launches both workers and blocks until ctx is cancelled — the caller
// wires ctx to signal.NotifyContext(SIGINT, SIGTERM) so that, per §4.5,
// both workers observe the same termination signal and exit cleanly
// without the core depending on any OS-signal API itself.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.runIndexer(ctx) }()
	go func() { defer wg.Done(); s.runBacker(ctx) }()
	wg.Wait()
}

func (s *Scheduler) tick() time.Duration {
	if s.TickInterval > 0 {
		return s.TickInterval
	}
	return defaultTickInterval
}

// sleep waits out d or returns false early if ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) runIndexer(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		for _, b := range s.Backups {
			if err := s.Engine.Index(ctx, b.FS, b.Remote, b.BID); err != nil {
				metrics.IndexTotal.WithLabelValues(b.Name, "error").Inc()
				s.Log.Error().Err(err).Str("backup", b.Name).Msg("index failed")
				continue
			}
			metrics.IndexTotal.WithLabelValues(b.Name, "ok").Inc()
		}
		if !sleep(ctx, s.tick()) {
			return
		}
	}
}

func (s *Scheduler) runBacker(ctx context.Context) {
	nextRun := map[string]time.Time{}
	for {
		if ctx.Err() != nil {
			return
		}
		now := time.Now()
		for _, b := range s.Backups {
			due, ok := nextRun[b.Name]
			if ok && due.After(now) {
				continue
			}
			if err := s.Engine.Backup(ctx, b.FS, b.Remote, b.BID, false); err != nil {
				if errors.Is(err, ErrAlreadyRunning) {
					s.Log.Debug().Str("backup", b.Name).Msg("backup already running, skipping tick")
					continue
				}
				metrics.BackupsTotal.WithLabelValues(b.Name, "error").Inc()
				s.Log.Error().Err(err).Str("backup", b.Name).Msg("backup failed")
				continue
			}
			metrics.BackupsTotal.WithLabelValues(b.Name, "ok").Inc()
			metrics.LastBackupUnixSeconds.WithLabelValues(b.Name).Set(float64(now.Unix()))
			nextRun[b.Name] = now.Add(b.Period)
		}
		if !sleep(ctx, s.tick()) {
			return
		}
	}
}
