package camera

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"

	"rtspcam/internal/device"
	"rtspcam/internal/logging"
	"rtspcam/internal/rtspserver"
)

const defaultProbeTimeout = 10 * time.Second

var _ rtspserver.FrameSource = (*FFmpegSource)(nil)

// SourceConfig はFFmpegSourceの設定
type SourceConfig struct {
	Input        string                   // ffmpeg の入力形式（v4l2 / x11grab）
	Devices      map[device.Facing]string // 向きごとの入力デバイス
	Video        device.VideoParams       // プローブに使う映像パラメータ
	ProbeTimeout time.Duration
	Command      CommandFunc // nil なら PATH 上の ffmpeg
	Logger       *slog.Logger
}

// FFmpegSource はffmpegでキャプチャしたH.264を供給するFrameSource
//
// ffmpeg は Annex-B の生ストリームを標準出力に書き出し、それをアクセスユニットに分割して送る。
type FFmpegSource struct {
	input   string
	devices map[device.Facing]string
	command CommandFunc
	logger  *slog.Logger

	mu    sync.Mutex
	codec rtspserver.Codec
}

// NewFFmpegSource は新しいFFmpegSourceを作成する
//
// 背面デバイスから短時間キャプチャしてSPS/PPSを取得する。取得できなければエラーを返す。
func NewFFmpegSource(ctx context.Context, cfg SourceConfig) (*FFmpegSource, error) {
	if cfg.Input == "" {
		cfg.Input = InputV4L2
	}
	if cfg.Devices[device.FacingBack] == "" {
		return nil, fmt.Errorf("背面カメラのデバイスが指定されていません")
	}
	if cfg.Command == nil {
		cfg.Command = ffmpegCommand
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("camera")
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}

	s := &FFmpegSource{
		input:   cfg.Input,
		devices: cfg.Devices,
		command: cfg.Command,
		logger:  cfg.Logger.With("input", cfg.Input),
	}
	if err := s.probe(ctx, cfg.Video, cfg.ProbeTimeout); err != nil {
		return nil, err
	}
	return s, nil
}

// Codec は直近に観測したSPS/PPSを返す
func (s *FFmpegSource) Codec() rtspserver.Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

// probe はSPS/PPSが揃うまでキャプチャする
func (s *FFmpegSource) probe(ctx context.Context, params device.VideoParams, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frames, err := s.Frames(ctx, device.FacingBack, params)
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		for range frames {
		}
	}()

	for {
		select {
		case _, ok := <-frames:
			codec := s.Codec()
			if len(codec.SPS) > 0 && len(codec.PPS) > 0 {
				s.logger.Info("カメラのSPS/PPSを取得しました", "device", s.devices[device.FacingBack])
				return nil
			}
			if !ok {
				return fmt.Errorf("SPS/PPSを取得する前にキャプチャが終了しました")
			}
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "SPS/PPSの取得がタイムアウトしました")
		}
	}
}

// Frames はffmpegを起動してアクセスユニットの供給を開始する
func (s *FFmpegSource) Frames(ctx context.Context, facing device.Facing, params device.VideoParams) (<-chan rtspserver.Frame, error) {
	if params.FPS <= 0 {
		return nil, fmt.Errorf("無効なFPS値: %d", params.FPS)
	}
	dev := s.devices[facing]
	if dev == "" {
		dev = s.devices[device.FacingBack]
	}

	cmd := s.command(ctx, buildArgs(s.input, dev, params))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdoutパイプの作成に失敗")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stderrパイプの作成に失敗")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "ffmpegの起動に失敗")
	}
	s.logger.Debug("キャプチャを開始しました", "device", dev, "facing", facing)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		s.logStderr(stderr)
	}()

	out := make(chan rtspserver.Frame, 8)
	go func() {
		defer close(out)
		defer func() {
			<-stderrDone
			if err := cmd.Wait(); err != nil && ctx.Err() == nil {
				s.logger.Warn("ffmpegが終了しました", "device", dev, "error", err)
			}
		}()
		s.readFrames(ctx, stdout, params.FPS, out)
	}()

	return out, nil
}

// readFrames はアクセスユニットを読み出して送る
//
// 消費が追いつかない場合は古いフレームを捨てる。
func (s *FFmpegSource) readFrames(ctx context.Context, r io.Reader, fps int, out chan rtspserver.Frame) {
	interval := time.Second / time.Duration(fps)
	reader := newAUReader(r)

	for n := 0; ; n++ {
		au, err := reader.next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Warn("フレーム読み取りエラー", "error", err)
			}
			return
		}
		s.observeParams(au)

		f := rtspserver.Frame{PTS: time.Duration(n) * interval, AU: au}
		select {
		case out <- f:
			continue
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-out:
		default:
		}
		select {
		case out <- f:
		default:
		}
	}
}

// observeParams はアクセスユニットに含まれるSPS/PPSを記録する
func (s *FFmpegSource) observeParams(au [][]byte) {
	for _, nalu := range au {
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			s.mu.Lock()
			s.codec.SPS = append([]byte(nil), nalu...)
			s.mu.Unlock()
		case h264.NALUTypePPS:
			s.mu.Lock()
			s.codec.PPS = append([]byte(nil), nalu...)
			s.mu.Unlock()
		}
	}
}

func (s *FFmpegSource) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("ffmpeg", "line", scanner.Text())
	}
}

// buildArgs はキャプチャとH.264エンコードを行うffmpegの引数を作る
//
// キーフレームごとにSPS/PPSを埋め込み、途中から受信したクライアントでも復号できるようにする。
func buildArgs(input, dev string, params device.VideoParams) []string {
	fps := strconv.Itoa(params.FPS)
	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", input,
		"-framerate", fps,
		"-video_size", fmt.Sprintf("%dx%d", params.Width, params.Height),
		"-i", dev,
		"-an",
	}
	if vf := rotationFilter(params.Rotation); vf != "" {
		args = append(args, "-vf", vf)
	}
	args = append(args,
		"-pix_fmt", "yuv420p",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-g", fps,
		"-x264-params", "repeat-headers=1",
	)
	if params.Bitrate > 0 {
		args = append(args, "-b:v", strconv.Itoa(params.Bitrate))
	}
	return append(args, "-f", "h264", "-")
}

func rotationFilter(rotation int) string {
	switch rotation {
	case 90:
		return "transpose=1"
	case 180:
		return "transpose=1,transpose=1"
	case 270:
		return "transpose=2"
	}
	return ""
}
