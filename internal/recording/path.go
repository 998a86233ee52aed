package recording

import (
	"fmt"
	"path/filepath"
	"time"
)

// recordLayout は録画ファイル名の時刻書式（yyyyMMdd_HHmmss）
const recordLayout = "20060102_150405"

// Extension は録画ファイルの拡張子
const Extension = ".mp4"

// NewPath はカメラ録画用のファイルパスを生成する
func NewPath(dir string, t time.Time) string {
	return filepath.Join(dir, t.Format(recordLayout)+Extension)
}

// PlaybackPath は受信ストリーム録画用のファイルパスを生成する
func PlaybackPath(dir string, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("stream_%d%s", t.UnixMilli(), Extension))
}

// ParseTime は録画ファイル名から録画開始時刻を取り出す
func ParseTime(name string) (time.Time, bool) {
	base := filepath.Base(name)
	if filepath.Ext(base) != Extension {
		return time.Time{}, false
	}
	stem := base[:len(base)-len(Extension)]

	if t, err := time.ParseInLocation(recordLayout, stem, time.Local); err == nil {
		return t, true
	}
	var ms int64
	if _, err := fmt.Sscanf(stem, "stream_%d", &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}
