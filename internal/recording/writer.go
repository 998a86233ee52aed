package recording

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

const (
	videoTrackID   = 1
	audioTrackID   = 2
	videoTimeScale = 90000

	// 次のサンプルが来ないまま閉じた場合の既定の長さ
	defaultVideoDuration = videoTimeScale / 30
	defaultAudioDuration = 1024
)

// ErrWriterClosed はクローズ済みのWriterへの書き込みで返る
var ErrWriterClosed = fmt.Errorf("録画ライターは既にクローズされています")

// WriterConfig はMP4Writerのトラック設定
type WriterConfig struct {
	// SPS / PPS が空の場合は最初のキーフレームから取り出す
	SPS []byte
	PPS []byte

	// Audio が nil の場合は映像のみのファイルになる
	Audio *mpeg4audio.AudioSpecificConfig

	Logger *slog.Logger
}

// fmp4Track はトラックごとのタイムスタンプ状態
//
// サンプルの長さは次のサンプルのDTSとの差で決まるため、直前の1サンプルを保留する。
type fmp4Track struct {
	id         int
	timeScale  uint32
	defaultDur uint32
	firstDTS   int64
	started    bool
	pending    *fmp4.Sample
	pendingDTS int64
	count      int
}

// push は新しいサンプルを保留し、長さの確定した前のサンプルを返す
func (t *fmp4Track) push(dts int64, s *fmp4.Sample) *fmp4.PartTrack {
	if !t.started {
		t.firstDTS = dts
		t.started = true
	}
	dts -= t.firstDTS
	if dts < 0 {
		dts = 0
	}

	var out *fmp4.PartTrack
	if t.pending != nil {
		dur := dts - t.pendingDTS
		if dur <= 0 {
			dur = int64(t.defaultDur)
		}
		t.pending.Duration = uint32(dur)
		out = &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: uint64(t.pendingDTS),
			Samples:  []*fmp4.Sample{t.pending},
		}
	}
	t.pending = s
	t.pendingDTS = dts
	t.count++
	return out
}

// flush は保留中のサンプルを既定の長さで確定させる
func (t *fmp4Track) flush() *fmp4.PartTrack {
	if t.pending == nil {
		return nil
	}
	t.pending.Duration = t.defaultDur
	out := &fmp4.PartTrack{
		ID:       t.id,
		BaseTime: uint64(t.pendingDTS),
		Samples:  []*fmp4.Sample{t.pending},
	}
	t.pending = nil
	return out
}

// MP4Writer はH.264（と任意のMPEG-4 Audio）をフラグメントMP4ファイルへ書き込む
type MP4Writer struct {
	mu     sync.Mutex
	path   string
	file   io.WriteCloser
	logger *slog.Logger

	sps   []byte
	pps   []byte
	audio *mpeg4audio.AudioSpecificConfig

	initWritten bool
	closed      bool
	seq         uint32

	video      *fmp4Track
	audioTrack *fmp4Track
}

// Create は録画ファイルを作成してMP4Writerを返す
func Create(path string, cfg WriterConfig) (*MP4Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("録画ディレクトリの作成に失敗: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("録画ファイルの作成に失敗: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &MP4Writer{
		path:   path,
		file:   f,
		logger: logger.With("path", path),
		sps:    cfg.SPS,
		pps:    cfg.PPS,
		audio:  cfg.Audio,
		seq:    1,
		video: &fmp4Track{
			id:         videoTrackID,
			timeScale:  videoTimeScale,
			defaultDur: defaultVideoDuration,
		},
	}
	if cfg.Audio != nil {
		w.audioTrack = &fmp4Track{
			id:         audioTrackID,
			timeScale:  uint32(cfg.Audio.SampleRate),
			defaultDur: defaultAudioDuration,
		}
	}
	return w, nil
}

// Path は書き込み先のファイルパスを返す
func (w *MP4Writer) Path() string {
	return w.path
}

// VideoSamples は受理した映像サンプル数を返す
func (w *MP4Writer) VideoSamples() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.video.count
}

// WriteH264 はアクセスユニットを書き込む
//
// 最初のキーフレームより前のアクセスユニットは捨てる。
func (w *MP4Writer) WriteH264(pts time.Duration, au [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if len(au) == 0 {
		return nil
	}

	w.captureParams(au)
	randomAccess := h264.IsRandomAccess(au)

	if !w.initWritten {
		if !randomAccess || len(w.sps) == 0 || len(w.pps) == 0 {
			return nil
		}
		if err := w.writeInit(); err != nil {
			return err
		}
	}

	payload, err := h264.AVCC(au).Marshal()
	if err != nil {
		return fmt.Errorf("AVCCへの変換に失敗: %w", err)
	}

	part := w.video.push(durationToTicks(pts, w.video.timeScale), &fmp4.Sample{
		IsNonSyncSample: !randomAccess,
		Payload:         payload,
	})
	return w.writePart(part)
}

// WriteAAC はMPEG-4 Audioのアクセスユニットを書き込む
func (w *MP4Writer) WriteAAC(pts time.Duration, au []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	// 映像のキーフレームが来るまでは音声も書かない
	if w.audioTrack == nil || !w.initWritten || len(au) == 0 {
		return nil
	}

	part := w.audioTrack.push(durationToTicks(pts, w.audioTrack.timeScale), &fmp4.Sample{
		Payload: au,
	})
	return w.writePart(part)
}

// Close は保留中のサンプルを書き出してファイルを閉じる
func (w *MP4Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if w.initWritten {
		if err := w.writePart(w.video.flush()); err != nil {
			firstErr = err
		}
		if w.audioTrack != nil {
			if err := w.writePart(w.audioTrack.flush()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("録画ファイルのクローズに失敗: %w", err)
	}

	w.logger.Info("録画ファイルを閉じました",
		"video_samples", w.video.count,
		"init_written", w.initWritten)
	return firstErr
}

// captureParams はアクセスユニット内のSPS/PPSを記録する
func (w *MP4Writer) captureParams(au [][]byte) {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			if len(w.sps) == 0 {
				w.sps = nalu
			}
		case h264.NALUTypePPS:
			if len(w.pps) == 0 {
				w.pps = nalu
			}
		}
	}
}

func (w *MP4Writer) writeInit() error {
	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{
				ID:        videoTrackID,
				TimeScale: videoTimeScale,
				Codec: &mp4.CodecH264{
					SPS: w.sps,
					PPS: w.pps,
				},
			},
		},
	}
	if w.audio != nil {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        audioTrackID,
			TimeScale: uint32(w.audio.SampleRate),
			Codec: &mp4.CodecMPEG4Audio{
				Config: *w.audio,
			},
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("初期化セグメントの生成に失敗: %w", err)
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("初期化セグメントの書き込みに失敗: %w", err)
	}
	w.initWritten = true
	w.logger.Debug("初期化セグメントを書き込みました", "size", len(buf.Bytes()))
	return nil
}

func (w *MP4Writer) writePart(track *fmp4.PartTrack) error {
	if track == nil {
		return nil
	}
	part := &fmp4.Part{
		SequenceNumber: w.seq,
		Tracks:         []*fmp4.PartTrack{track},
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("フラグメントの生成に失敗: %w", err)
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("フラグメントの書き込みに失敗: %w", err)
	}
	w.seq++
	return nil
}

func durationToTicks(d time.Duration, timeScale uint32) int64 {
	if d <= 0 {
		return 0
	}
	sec := int64(d / time.Second)
	rem := int64(d % time.Second)
	return sec*int64(timeScale) + rem*int64(timeScale)/int64(time.Second)
}
