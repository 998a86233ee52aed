package recording

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

// ftypHeader はMP4として判定される最小のftypボックス
var ftypHeader = []byte{
	0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p',
	'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00,
	'i', 's', 'o', 'm', 'i', 's', 'o', '2',
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestLibrary_List(t *testing.T) {
	camDir := t.TempDir()
	dlDir := t.TempDir()

	older := time.Date(2024, 1, 1, 10, 0, 0, 0, time.Local)
	newer := time.Date(2024, 1, 2, 10, 0, 0, 0, time.Local)

	writeFile(t, NewPath(camDir, older), ftypHeader)
	writeFile(t, PlaybackPath(dlDir, newer), ftypHeader)
	// 拡張子だけMP4のテキスト
	writeFile(t, filepath.Join(camDir, "20240103_100000.mp4"), []byte("not a video at all"))
	// 名前の書式が違う
	writeFile(t, filepath.Join(camDir, "notes.mp4"), ftypHeader)
	require.NoError(t, os.Mkdir(filepath.Join(camDir, "sub.mp4"), 0755))

	lib := NewLibrary(LibraryConfig{Dirs: []string{camDir, dlDir, filepath.Join(camDir, "missing")}}, nil)
	recs, err := lib.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, KindPlayback, recs[0].Kind)
	assert.True(t, recs[0].StartTime.Equal(newer))
	assert.Equal(t, KindCamera, recs[1].Kind)
	assert.Equal(t, "20240101_100000.mp4", recs[1].Name)
	assert.Equal(t, int64(len(ftypHeader)), recs[1].FileSize)
	assert.Equal(t, mp4MIME, recs[1].MIME)

	total, err := lib.StorageBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(2*len(ftypHeader)), total)
}

func TestLibrary_ListWrittenRecording(t *testing.T) {
	dir := t.TempDir()
	writeSampleFile(t, NewPath(dir, time.Now()))

	recs, err := NewLibrary(LibraryConfig{Dirs: []string{dir}}, nil).List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Positive(t, recs[0].FileSize)
}

func TestLibrary_Prune(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.Local)
	clk := testingclock.NewFakeClock(now)

	old := NewPath(dir, now.AddDate(0, 0, -10))
	recent := NewPath(dir, now.AddDate(0, 0, -2))
	writeFile(t, old, ftypHeader)
	writeFile(t, recent, ftypHeader)

	lib := NewLibrary(LibraryConfig{Dirs: []string{dir}, RetentionDays: 7}, clk)
	removed, err := lib.Prune()
	require.NoError(t, err)
	assert.Equal(t, []string{old}, removed)

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(recent)
	assert.NoError(t, err)
}

func TestLibrary_PruneDisabled(t *testing.T) {
	dir := t.TempDir()
	path := NewPath(dir, time.Date(2000, 1, 1, 0, 0, 0, 0, time.Local))
	writeFile(t, path, ftypHeader)

	removed, err := NewLibrary(LibraryConfig{Dirs: []string{dir}}, nil).Prune()
	require.NoError(t, err)
	assert.Empty(t, removed)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLibrary_StartStop(t *testing.T) {
	ctx := context.Background()

	t.Run("無効なスケジュール", func(t *testing.T) {
		lib := NewLibrary(LibraryConfig{RetentionDays: 1, PruneSchedule: "every now and then"}, nil)
		assert.Error(t, lib.Start(ctx))
	})

	t.Run("二重開始", func(t *testing.T) {
		lib := NewLibrary(LibraryConfig{RetentionDays: 1, PruneSchedule: "@hourly"}, nil)
		require.NoError(t, lib.Start(ctx))
		assert.Error(t, lib.Start(ctx))
		assert.NoError(t, lib.Stop(ctx))
		assert.NoError(t, lib.Stop(ctx))
	})

	t.Run("保持期間0なら何もしない", func(t *testing.T) {
		lib := NewLibrary(LibraryConfig{PruneSchedule: "@hourly"}, nil)
		require.NoError(t, lib.Start(ctx))
		assert.NoError(t, lib.Stop(ctx))
	})

	t.Run("コンテキスト終了で停止", func(t *testing.T) {
		lib := NewLibrary(LibraryConfig{RetentionDays: 1, PruneSchedule: "@daily"}, nil)
		cctx, cancel := context.WithCancel(ctx)
		require.NoError(t, lib.Start(cctx))
		cancel()

		require.Eventually(t, func() bool {
			lib.mu.Lock()
			defer lib.mu.Unlock()
			return lib.cron == nil
		}, time.Second, 10*time.Millisecond)
	})
}
