package janitor

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/retrovue-playoutd/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSweep_RemovesStaleSocket(t *testing.T) {
	baseDir, err := os.MkdirTemp("", "janitor-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(baseDir)

	stale := filepath.Join(baseDir, SocketPrefix+"channel-1.sock")
	require.NoError(t, os.WriteFile(stale, []byte{}, 0644))
	oldTime := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, oldTime, oldTime))

	j := New(config.JanitorConfig{Enabled: true, BaseDir: baseDir, MaxAge: time.Hour}, newTestLogger())
	j.Sweep()

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale socket should be removed")
}

func TestSweep_PreservesRecentSocket(t *testing.T) {
	baseDir, err := os.MkdirTemp("", "janitor-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(baseDir)

	recent := filepath.Join(baseDir, SocketPrefix+"channel-2.sock")
	require.NoError(t, os.WriteFile(recent, []byte{}, 0644))

	j := New(config.JanitorConfig{Enabled: true, BaseDir: baseDir, MaxAge: time.Hour}, newTestLogger())
	j.Sweep()

	_, err = os.Stat(recent)
	assert.NoError(t, err, "recent socket should be preserved")
}

func TestSweep_IgnoresUnrelatedFiles(t *testing.T) {
	baseDir, err := os.MkdirTemp("", "janitor-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(baseDir)

	other := filepath.Join(baseDir, "some-other-file")
	require.NoError(t, os.WriteFile(other, []byte{}, 0644))
	oldTime := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(other, oldTime, oldTime))

	j := New(config.JanitorConfig{Enabled: true, BaseDir: baseDir, MaxAge: time.Hour}, newTestLogger())
	j.Sweep()

	_, err = os.Stat(other)
	assert.NoError(t, err, "unrelated file should be preserved")
}

func TestSweep_HandlesMissingBaseDir(t *testing.T) {
	j := New(config.JanitorConfig{Enabled: true, BaseDir: "/nonexistent/path/12345", MaxAge: time.Hour}, newTestLogger())
	j.Sweep() // must not panic
}

func TestStart_DisabledSkipsSchedule(t *testing.T) {
	j := New(config.JanitorConfig{Enabled: false}, newTestLogger())
	require.NoError(t, j.Start())
}

func TestStart_RunsScheduledSweep(t *testing.T) {
	baseDir, err := os.MkdirTemp("", "janitor-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(baseDir)

	stale := filepath.Join(baseDir, SocketPrefix+"channel-3.sock")
	require.NoError(t, os.WriteFile(stale, []byte{}, 0644))
	oldTime := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, oldTime, oldTime))

	j := New(config.JanitorConfig{Enabled: true, Schedule: "* * * * *", BaseDir: baseDir, MaxAge: time.Hour}, newTestLogger())
	require.NoError(t, j.Start())
	defer j.Stop()

	j.Sweep() // exercise the same path the schedule would trigger, without waiting a full minute

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale socket should be removed")
}
