package helpers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobackup/internal/apperr"
)

func TestDailyCronFiresOncePerDayAt2AM(t *testing.T) {
	sched, err := ParseCron("0 2 * * *")
	require.NoError(t, err)

	loc := time.FixedZone("test", 8*3600)
	cur := time.Date(2026, 3, 1, 13, 17, 0, 0, loc)
	var prev time.Time
	for i := 0; i < 40; i++ {
		next := sched.Next(cur)
		assert.Equal(t, 2, next.Hour())
		assert.Equal(t, 0, next.Minute())
		if !prev.IsZero() {
			assert.Equal(t, 24*time.Hour, next.Sub(prev), "每天只触发一次")
		}
		prev, cur = next, next
	}
}

func TestParseCronRejectsMalformed(t *testing.T) {
	for _, expr := range []string{"", "bad", "* * * *", "61 * * * *", "0 2 * * * *"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
		assert.True(t, apperr.Is(err, apperr.ConfigInvalid), expr)
	}
}

func TestGetNextTimeByCronStr(t *testing.T) {
	times := GetNextTimeByCronStr("*/5 * * * *", 3)
	require.Len(t, times, 3)
	assert.Equal(t, 5*time.Minute, times[2].Sub(times[1]))
	assert.Nil(t, GetNextTimeByCronStr("nope", 2))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.00 KB", FormatBytes(1024))
	assert.Equal(t, "1.50 MB", FormatBytes(1536*1024))
}

func TestLoadConfigDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("cacheDir: tmp\nbackup:\n  compressionLevel: 5\n  maxConcurrentUploads: 2\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Backup.CompressionLevel)
	assert.Equal(t, 2, cfg.Backup.MaxConcurrentUploads)
	assert.Equal(t, 8192, cfg.Backup.ChunkSize)
	assert.Equal(t, 3, cfg.Backup.RetryAttempts)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay())
	assert.Equal(t, filepath.Join(dir, "tmp"), cfg.Path(cfg.CacheDir))
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Backup.CompressionLevel)
	assert.Equal(t, DbEngineSqlite, cfg.Db.Engine)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("backup:\n  compressionLevel: 12\n"), 0644))
	_, err := LoadConfig(path)
	assert.True(t, apperr.Is(err, apperr.ConfigInvalid))
}

func TestLoggerLevelFilter(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "app.log")
	l := NewLogger(file, "WARN", false, false)
	l.Infof("hidden %d", 1)
	l.Warnf("shown %d", 2)
	l.Close()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "[WARN] shown 2")
}
