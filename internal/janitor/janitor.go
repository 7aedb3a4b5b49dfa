// Package janitor runs the low-frequency maintenance sweep for the
// playout daemon: removing stale UDS sink sockets and orphaned temp
// directories left behind by channels that crashed or were force-killed
// rather than torn down through the control plane. Nothing here is named
// by a [MODULE] — it is ambient upkeep, scheduled the way the teacher
// schedules its recurring jobs.
package janitor

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/retrovue-playoutd/internal/config"
)

// SocketPrefix marks a UDS socket path as belonging to a playout sink, so
// the sweep can distinguish its own stale files from unrelated ones
// sharing BaseDir.
const SocketPrefix = "retrovue-playout-"

// Janitor owns a cron-scheduled sweep of cfg.BaseDir.
type Janitor struct {
	cfg    config.JanitorConfig
	logger *slog.Logger
	cron   *cron.Cron
}

// New constructs a Janitor. Call Start to begin the schedule; a zero-value
// cfg.Schedule falls back to an hourly sweep.
func New(cfg config.JanitorConfig, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	return &Janitor{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "janitor")),
		cron:   cron.New(), // standard 5-field parser, matching config's documented schedule format
	}
}

// Start registers the sweep on the configured schedule and begins running
// it in the background. A no-op if the janitor is disabled.
func (j *Janitor) Start() error {
	if !j.cfg.Enabled {
		j.logger.Info("janitor disabled, skipping schedule registration")
		return nil
	}
	if _, err := j.cron.AddFunc(j.cfg.Schedule, j.Sweep); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("janitor started", slog.String("schedule", j.cfg.Schedule), slog.Duration("max_age", j.cfg.MaxAge))
	return nil
}

// Stop halts the schedule, waiting for any in-flight sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one pass over cfg.BaseDir, removing stale sockets and temp
// directories. Exported so a control-plane operator or test can trigger an
// out-of-band sweep without waiting for the schedule.
func (j *Janitor) Sweep() {
	if j.cfg.BaseDir == "" {
		return
	}
	entries, err := os.ReadDir(j.cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Warn("failed to read base dir for sweep", slog.String("path", j.cfg.BaseDir), slog.String("error", err.Error()))
		}
		return
	}

	cutoff := time.Now().Add(-j.cfg.MaxAge)
	var removed int
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), SocketPrefix) {
			continue
		}
		path := filepath.Join(j.cfg.BaseDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			j.logger.Warn("failed to stat sweep candidate", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		var removeErr error
		if entry.IsDir() {
			removeErr = os.RemoveAll(path)
		} else {
			removeErr = os.Remove(path)
		}
		if removeErr != nil {
			j.logger.Warn("failed to remove stale sweep candidate", slog.String("path", path), slog.String("error", removeErr.Error()))
			continue
		}

		j.logger.Info("removed stale janitor candidate", slog.String("path", path), slog.Duration("age", time.Since(info.ModTime())))
		removed++
	}

	if removed > 0 {
		j.logger.Info("janitor sweep complete", slog.Int("removed", removed))
	}
}
