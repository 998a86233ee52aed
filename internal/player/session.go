package player

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"rtspcam/internal/logging"
	"rtspcam/internal/recording"
)

// State は受信ストリームの接続状態
type State string

// State の定数定義
const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// Label は画面表示用の状態文字列を返す
func (s State) Label() string {
	switch s {
	case StateConnecting:
		return "Connecting..."
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Connection Failed"
	default:
		return string(s)
	}
}

// SavedMessage は録画の保存完了時にユーザーへ表示する文言
const SavedMessage = "Recording saved to Downloads"

// ErrNoH264 はストリームにH.264のメディアがない場合に返る
var ErrNoH264 = errors.New("H.264のメディアが見つかりません")

// Options は再生セッションの設定
type Options struct {
	URL         string
	OutputDir   string        // 録画の保存先
	Record      bool          // 受信しながら録画するか
	ReadTimeout time.Duration // 受信タイムアウト
	OnStatus    func(State)   // 状態変化の通知先
	Clock       clock.PassiveClock
	Logger      *slog.Logger
}

// Session は1本のRTSPストリームを受信・録画する
type Session struct {
	opts   Options
	url    *base.URL
	logger *slog.Logger
	clock  clock.PassiveClock

	mu        sync.Mutex
	state     State
	path      string
	startedAt time.Time
	writer    *recording.MP4Writer
}

// NewSession はURLを検証して新しいSessionを作成する
func NewSession(opts Options) (*Session, error) {
	u, err := ValidateURL(opts.URL)
	if err != nil {
		return nil, err
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("player")
	}

	return &Session{
		opts:   opts,
		url:    u,
		logger: logger.With("url", opts.URL),
		clock:  opts.Clock,
	}, nil
}

// State は現在の接続状態を返す
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RecordingPath は録画先のパスを返す（録画していなければ空）
func (s *Session) RecordingPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Elapsed は再生開始からの経過時間を返す
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return s.clock.Since(s.startedAt)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	s.logger.Info("接続状態が変化しました", "state", st)
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(st)
	}
}

// Run はストリームを受信し、ctx の終了かサーバー側の切断まで戻らない
//
// ctx の終了による停止は nil を返す。
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateConnecting)

	c := &gortsplib.Client{
		ReadTimeout: s.opts.ReadTimeout,
		OnDecodeError: func(err error) {
			s.logger.Debug("デコードエラー", "error", err)
		},
	}
	if err := c.Start(s.url.Scheme, s.url.Host); err != nil {
		s.setState(StateFailed)
		return errors.Wrap(err, "RTSPサーバーへの接続に失敗")
	}
	defer c.Close()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.read(c)
	}()

	select {
	case err := <-readErr:
		s.finish()
		if err != nil {
			s.setState(StateFailed)
			return err
		}
		s.setState(StateDisconnected)
		return nil

	case <-ctx.Done():
		c.Close()
		<-readErr
		s.finish()
		s.setState(StateDisconnected)
		return nil
	}
}

// read はDescribe / Setup / Play を行い、接続が終わるまで待つ
func (s *Session) read(c *gortsplib.Client) error {
	desc, _, err := c.Describe(s.url)
	if err != nil {
		return errors.Wrap(err, "ストリーム情報の取得に失敗")
	}

	var forma *format.H264
	medi := desc.FindFormat(&forma)
	if medi == nil {
		return ErrNoH264
	}

	dec, err := forma.CreateDecoder()
	if err != nil {
		return errors.Wrap(err, "H.264デコーダーの作成に失敗")
	}

	if s.opts.Record {
		if err := s.openRecording(forma); err != nil {
			return err
		}
	}

	if _, err := c.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return errors.Wrap(err, "メディアのセットアップに失敗")
	}

	c.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		s.handlePacket(c, medi, dec, pkt)
	})

	if _, err := c.Play(nil); err != nil {
		return errors.Wrap(err, "再生の開始に失敗")
	}

	s.mu.Lock()
	s.startedAt = s.clock.Now()
	s.mu.Unlock()
	s.setState(StateConnected)

	return c.Wait()
}

func (s *Session) openRecording(forma *format.H264) error {
	path := recording.PlaybackPath(s.opts.OutputDir, s.clock.Now())
	w, err := recording.Create(path, recording.WriterConfig{
		SPS:    forma.SPS,
		PPS:    forma.PPS,
		Logger: s.logger,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.writer = w
	s.path = path
	s.mu.Unlock()
	s.logger.Info("受信ストリームの録画を開始しました", "path", path)
	return nil
}

func (s *Session) handlePacket(c *gortsplib.Client, medi *description.Media, dec *rtph264.Decoder, pkt *rtp.Packet) {
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	if w == nil {
		return
	}

	pts, ok := c.PacketPTS2(medi, pkt)
	if !ok {
		return
	}

	au, err := dec.Decode(pkt)
	if err != nil {
		if !errors.Is(err, rtph264.ErrMorePacketsNeeded) {
			s.logger.Debug("RTPのデコードに失敗", "error", err)
		}
		return
	}

	if err := w.WriteH264(time.Duration(pts)*time.Second/90000, au); err != nil {
		s.logger.Warn("受信ストリームの録画に失敗", "error", err)
	}
}

// finish は録画ファイルを閉じる
func (s *Session) finish() {
	s.mu.Lock()
	w := s.writer
	s.writer = nil
	s.mu.Unlock()

	if w == nil {
		return
	}
	if err := w.Close(); err != nil {
		s.logger.Warn("録画ファイルのクローズに失敗", "error", err)
		return
	}
	s.logger.Info("録画を保存しました", "path", w.Path())
}
