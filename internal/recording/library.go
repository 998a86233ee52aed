package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"rtspcam/internal/logging"
)

// mp4MIME は録画ファイルとして扱うMIMEタイプ
const mp4MIME = "video/mp4"

// Kind は録画の種類
type Kind string

// Kind の定数定義
const (
	KindCamera   Kind = "camera"   // カメラ録画 (yyyyMMdd_HHmmss.mp4)
	KindPlayback Kind = "playback" // 受信ストリームの録画 (stream_<ms>.mp4)
)

// Recording は保存済み録画ファイルの情報
type Recording struct {
	Name      string    `json:"name"`       // ファイル名
	FilePath  string    `json:"file_path"`  // ファイルパス
	FileSize  int64     `json:"file_size"`  // ファイルサイズ
	StartTime time.Time `json:"start_time"` // 録画開始時刻
	Kind      Kind      `json:"kind"`       // 種類
	MIME      string    `json:"mime"`       // 判定されたMIMEタイプ
}

// LibraryConfig は録画ライブラリの設定
type LibraryConfig struct {
	Dirs          []string // 走査するディレクトリ
	RetentionDays int      // 保持期間（日数）。0以下なら削除しない
	PruneSchedule string   // 削除ジョブのcron書式 (例: "@hourly")
}

// DefaultLibraryConfig はデフォルトの設定を返す
func DefaultLibraryConfig() LibraryConfig {
	return LibraryConfig{
		RetentionDays: 30,
		PruneSchedule: "@hourly",
	}
}

// Library は録画ディレクトリの一覧取得と保持期間管理を行う
type Library struct {
	config LibraryConfig
	clock  clock.Clock
	logger *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewLibrary は新しいLibraryを作成する
func NewLibrary(config LibraryConfig, clk clock.Clock) *Library {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Library{
		config: config,
		clock:  clk,
		logger: logging.Component("recording"),
	}
}

// Config は設定を返す
func (l *Library) Config() LibraryConfig {
	return l.config
}

// List は保存済み録画を新しい順に返す
//
// 拡張子が .mp4 でも中身がMP4でないファイルは除外する。
func (l *Library) List() ([]Recording, error) {
	recordings := make([]Recording, 0)
	for _, dir := range l.config.Dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("録画ディレクトリの読み込みに失敗 (%s): %w", dir, err)
		}

		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != Extension {
				continue
			}
			rec, ok := l.inspect(dir, entry)
			if !ok {
				continue
			}
			recordings = append(recordings, rec)
		}
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].StartTime.After(recordings[j].StartTime)
	})
	return recordings, nil
}

func (l *Library) inspect(dir string, entry os.DirEntry) (Recording, bool) {
	path := filepath.Join(dir, entry.Name())

	start, ok := ParseTime(entry.Name())
	if !ok {
		return Recording{}, false
	}

	info, err := entry.Info()
	if err != nil {
		l.logger.Warn("録画ファイル情報の取得に失敗", "path", path, "error", err)
		return Recording{}, false
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		l.logger.Warn("録画ファイルの判定に失敗", "path", path, "error", err)
		return Recording{}, false
	}
	if !mtype.Is(mp4MIME) {
		l.logger.Debug("MP4ではないファイルをスキップ", "path", path, "mime", mtype.String())
		return Recording{}, false
	}

	kind := KindCamera
	if strings.HasPrefix(entry.Name(), "stream_") {
		kind = KindPlayback
	}

	return Recording{
		Name:      entry.Name(),
		FilePath:  path,
		FileSize:  info.Size(),
		StartTime: start,
		Kind:      kind,
		MIME:      mtype.String(),
	}, true
}

// StorageBytes は録画の合計サイズを返す
func (l *Library) StorageBytes() (int64, error) {
	recordings, err := l.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, rec := range recordings {
		total += rec.FileSize
	}
	return total, nil
}

// Prune は保持期間を過ぎた録画を削除し、削除したパスを返す
func (l *Library) Prune() ([]string, error) {
	if l.config.RetentionDays <= 0 {
		return nil, nil
	}

	recordings, err := l.List()
	if err != nil {
		return nil, err
	}

	cutoff := l.clock.Now().AddDate(0, 0, -l.config.RetentionDays)
	var removed []string
	for _, rec := range recordings {
		if !rec.StartTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(rec.FilePath); err != nil {
			l.logger.Warn("古い録画の削除に失敗", "path", rec.FilePath, "error", err)
			continue
		}
		removed = append(removed, rec.FilePath)
	}

	if len(removed) > 0 {
		l.logger.Info("保持期間を過ぎた録画を削除しました", "count", len(removed), "retention_days", l.config.RetentionDays)
	}
	return removed, nil
}

// Start は定期削除ジョブを開始する
//
// ctx が終了するとジョブも停止する。
func (l *Library) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config.RetentionDays <= 0 || l.config.PruneSchedule == "" {
		l.logger.Info("録画の自動削除は無効です")
		return nil
	}
	if l.cron != nil {
		return fmt.Errorf("録画の自動削除は既に開始されています")
	}

	c := cron.New()
	if _, err := c.AddFunc(l.config.PruneSchedule, func() {
		if _, err := l.Prune(); err != nil {
			l.logger.Error("録画の自動削除に失敗", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("削除スケジュールが無効 (%s): %w", l.config.PruneSchedule, err)
	}
	c.Start()
	l.cron = c

	context.AfterFunc(ctx, func() {
		_ = l.Stop(context.Background())
	})

	l.logger.Info("録画の自動削除を開始しました", "schedule", l.config.PruneSchedule, "retention_days", l.config.RetentionDays)
	return nil
}

// Stop は定期削除ジョブを停止し、実行中のジョブの完了を待つ
func (l *Library) Stop(ctx context.Context) error {
	l.mu.Lock()
	c := l.cron
	l.cron = nil
	l.mu.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
