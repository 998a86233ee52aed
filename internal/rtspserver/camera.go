package rtspserver

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"rtspcam/internal/device"
	"rtspcam/internal/logging"
	"rtspcam/internal/recording"
)

const (
	videoPayloadType = 96
	audioPayloadType = 97
	videoClockRate   = 90000
	eventBufferSize  = 64
)

// Config はCameraの設定
type Config struct {
	Address    string // RTSPの待受アドレス
	PublicHost string // 接続文字列に使うホスト名
	StreamPath string // 配信パス
	Source     FrameSource
	Logger     *slog.Logger
}

// DefaultConfig はデフォルトの設定を返す
func DefaultConfig() Config {
	return Config{
		Address:    ":8554",
		PublicHost: "localhost",
		StreamPath: "live",
	}
}

// auEncoder はアクセスユニットをRTPパケットへ分割する
type auEncoder interface {
	Encode(aus [][]byte) ([]*rtp.Packet, error)
}

// Camera はgortsplibのRTSPサーバーで配信するCameraStreamDevice実装
type Camera struct {
	cfg    Config
	logger *slog.Logger
	events chan device.Event

	mu            sync.Mutex
	closed        bool
	params        device.VideoParams
	videoPrepared bool
	audioPrepared bool
	facing        device.Facing
	preview       bool

	server     *gortsplib.Server
	stream     *gortsplib.ServerStream
	videoMedia *description.Media
	audioMedia *description.Media
	videoEnc   auEncoder
	audioEnc   auEncoder
	audioRate  int
	rtpBase    uint32
	endpoint   string

	writer      *recording.MP4Writer
	recordAudio bool

	pumpCancel context.CancelFunc
	pumpGen    uint64
}

var (
	_ device.CameraStreamDevice = (*Camera)(nil)
	_ device.AudioCapable       = (*Camera)(nil)
)

// New は新しいCameraを作成する
func New(cfg Config) (*Camera, error) {
	if cfg.Source == nil {
		return nil, errors.New("フレームソースが指定されていません")
	}
	d := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = d.Address
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = d.PublicHost
	}
	cfg.StreamPath = strings.Trim(cfg.StreamPath, "/")
	if cfg.StreamPath == "" {
		cfg.StreamPath = d.StreamPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("rtspserver")
	}

	return &Camera{
		cfg:    cfg,
		logger: logger,
		events: make(chan device.Event, eventBufferSize),
		facing: device.FacingBack,
	}, nil
}

// send はイベントを非ブロッキングで送信する
func (c *Camera) send(e device.Event) {
	e.Time = time.Now()
	select {
	case c.events <- e:
	default:
		c.logger.Warn("イベントバッファが一杯のため破棄", "kind", e.Kind)
	}
}

func (c *Camera) closedErr(op string) error {
	return device.NewError(op, device.CodeUnknown, device.ErrClosed)
}

// PrepareVideo は映像パイプラインを準備する
//
// ソースがSPS/PPSを持たない場合は false を返す。
func (c *Camera) PrepareVideo(_ context.Context, params device.VideoParams) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, c.closedErr(device.OpPrepareVideo)
	}
	if err := params.Validate(); err != nil {
		return false, device.NewError(device.OpPrepareVideo, device.CodeParameters, err)
	}

	codec := c.cfg.Source.Codec()
	if len(codec.SPS) == 0 || len(codec.PPS) == 0 {
		c.logger.Warn("ソースがSPS/PPSを提供していません")
		return false, nil
	}

	c.params = params
	c.videoPrepared = true
	c.logger.Debug("映像パイプラインを準備しました",
		"width", params.Width, "height", params.Height, "fps", params.FPS)
	return true, nil
}

// SupportsAudio はソースが音声を提供するかを返す
func (c *Camera) SupportsAudio() bool {
	return c.cfg.Source.Codec().Audio != nil
}

// PrepareAudio は音声パイプラインを準備する
func (c *Camera) PrepareAudio(_ context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, c.closedErr(device.OpPrepareAudio)
	}
	if c.cfg.Source.Codec().Audio == nil {
		return false, device.Errorf(device.OpPrepareAudio, device.CodeAudioUnsupported, "ソースは音声を提供していません")
	}
	c.audioPrepared = true
	return true, nil
}

// StartPreview はフレームの取得を開始する
func (c *Camera) StartPreview(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closedErr(device.OpStartPreview)
	}
	if c.preview {
		return nil
	}
	if err := c.ensurePumpLocked(); err != nil {
		return device.NewError(device.OpStartPreview, device.CodeCameraOpen, err)
	}
	c.preview = true
	return nil
}

// StopPreview はプレビューを停止する
func (c *Camera) StopPreview(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closedErr(device.OpStopPreview)
	}
	c.preview = false
	c.releasePumpLocked()
	return nil
}

// StartStream はRTSPサーバーを起動して配信を開始する
func (c *Camera) StartStream(_ context.Context, endpointHint string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closedErr(device.OpStartStream)
	}
	if c.server != nil {
		c.mu.Unlock()
		return nil
	}
	if !c.videoPrepared {
		c.mu.Unlock()
		return device.Errorf(device.OpStartStream, device.CodeParameters, "映像パイプラインが準備されていません")
	}

	codec := c.cfg.Source.Codec()
	desc, videoMedia, audioMedia, videoEnc, audioEnc, err := c.buildSession(codec, c.audioPrepared)
	if err != nil {
		c.mu.Unlock()
		return device.NewError(device.OpStartStream, device.CodeParameters, err)
	}

	endpoint := endpointHint
	if endpoint == "" {
		endpoint = c.defaultEndpoint()
	}
	c.send(device.Event{Kind: device.EventConnectionStarted, URL: endpoint})

	server := &gortsplib.Server{
		Handler:     &serverHandler{camera: c},
		RTSPAddress: c.cfg.Address,
	}
	if err := server.Start(); err != nil {
		c.mu.Unlock()
		c.send(device.Event{Kind: device.EventConnectionFailed, Reason: err.Error()})
		return device.NewError(device.OpStartStream, device.CodeNetwork, errors.Wrap(err, "RTSPサーバーの起動に失敗"))
	}

	c.server = server
	c.stream = gortsplib.NewServerStream(server, desc)
	c.videoMedia = videoMedia
	c.audioMedia = audioMedia
	c.videoEnc = videoEnc
	c.audioEnc = audioEnc
	if codec.Audio != nil {
		c.audioRate = codec.Audio.SampleRate
	}
	c.rtpBase = rand.Uint32()
	c.endpoint = endpoint

	if err := c.ensurePumpLocked(); err != nil {
		stream := c.stream
		c.clearStreamLocked()
		c.mu.Unlock()
		stream.Close()
		server.Close()
		c.send(device.Event{Kind: device.EventConnectionFailed, Reason: err.Error()})
		return device.NewError(device.OpStartStream, device.CodeCameraOpen, err)
	}
	c.mu.Unlock()

	go c.watchServer(server)

	c.logger.Info("RTSP配信を開始しました", "endpoint", endpoint, "audio", audioMedia != nil)
	c.send(device.Event{Kind: device.EventConnectionSuccess})
	return nil
}

// buildSession は配信するメディアとエンコーダーを作成する
func (c *Camera) buildSession(codec Codec, withAudio bool) (
	*description.Session, *description.Media, *description.Media, auEncoder, auEncoder, error,
) {
	h264 := &format.H264{
		PayloadTyp:        videoPayloadType,
		SPS:               codec.SPS,
		PPS:               codec.PPS,
		PacketizationMode: 1,
	}
	videoEnc, err := h264.CreateEncoder()
	if err != nil {
		return nil, nil, nil, nil, nil, errors.Wrap(err, "H.264エンコーダーの作成に失敗")
	}

	videoMedia := &description.Media{
		Type:    description.MediaTypeVideo,
		Formats: []format.Format{h264},
	}
	desc := &description.Session{Medias: []*description.Media{videoMedia}}

	if !withAudio || codec.Audio == nil {
		return desc, videoMedia, nil, videoEnc, nil, nil
	}

	aac := &format.MPEG4Audio{
		PayloadTyp:       audioPayloadType,
		Config:           codec.Audio,
		SizeLength:       13,
		IndexLength:      3,
		IndexDeltaLength: 3,
	}
	audioEnc, err := aac.CreateEncoder()
	if err != nil {
		return nil, nil, nil, nil, nil, errors.Wrap(err, "MPEG-4 Audioエンコーダーの作成に失敗")
	}
	audioMedia := &description.Media{
		Type:    description.MediaTypeAudio,
		Formats: []format.Format{aac},
	}
	desc.Medias = append(desc.Medias, audioMedia)
	return desc, videoMedia, audioMedia, videoEnc, audioEnc, nil
}

// watchServer はサーバーの予期しない停止を切断として通知する
func (c *Camera) watchServer(server *gortsplib.Server) {
	err := server.Wait()

	c.mu.Lock()
	unexpected := c.server == server
	var stream *gortsplib.ServerStream
	if unexpected {
		stream = c.stream
		c.clearStreamLocked()
		c.releasePumpLocked()
	}
	c.mu.Unlock()

	if !unexpected {
		return
	}
	if stream != nil {
		stream.Close()
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	c.logger.Warn("RTSPサーバーが停止しました", "error", err)
	c.send(device.Event{Kind: device.EventDisconnected, Reason: reason})
}

// StopStream は配信を停止する
func (c *Camera) StopStream(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closedErr(device.OpStopStream)
	}
	server, stream := c.server, c.stream
	c.clearStreamLocked()
	c.releasePumpLocked()
	c.mu.Unlock()

	if server == nil {
		return nil
	}
	stream.Close()
	server.Close()
	c.logger.Info("RTSP配信を停止しました")
	return nil
}

func (c *Camera) clearStreamLocked() {
	c.server = nil
	c.stream = nil
	c.videoMedia = nil
	c.audioMedia = nil
	c.videoEnc = nil
	c.audioEnc = nil
	c.endpoint = ""
}

// StartRecord は指定パスへの録画を開始する
func (c *Camera) StartRecord(_ context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closedErr(device.OpStartRecord)
	}
	if c.writer != nil {
		return nil
	}
	if path == "" {
		return device.Errorf(device.OpStartRecord, device.CodeParameters, "録画パスが空です")
	}
	if !c.videoPrepared {
		return device.Errorf(device.OpStartRecord, device.CodeParameters, "映像パイプラインが準備されていません")
	}

	codec := c.cfg.Source.Codec()
	wcfg := recording.WriterConfig{
		SPS:    codec.SPS,
		PPS:    codec.PPS,
		Logger: c.logger,
	}
	if c.audioPrepared {
		wcfg.Audio = codec.Audio
	}
	w, err := recording.Create(path, wcfg)
	if err != nil {
		return device.NewError(device.OpStartRecord, device.CodeUnknown, err)
	}

	c.writer = w
	c.recordAudio = wcfg.Audio != nil
	if err := c.ensurePumpLocked(); err != nil {
		c.writer = nil
		_ = w.Close()
		return device.NewError(device.OpStartRecord, device.CodeCameraOpen, err)
	}
	c.logger.Info("録画を開始しました", "path", path)
	return nil
}

// StopRecord は録画を停止してファイルを閉じる
func (c *Camera) StopRecord(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closedErr(device.OpStopRecord)
	}
	w := c.writer
	c.writer = nil
	c.releasePumpLocked()
	if w == nil {
		return nil
	}
	if err := w.Close(); err != nil {
		return device.NewError(device.OpStopRecord, device.CodeUnknown, err)
	}
	return nil
}

// SwitchCamera は前面／背面カメラを切り替える
//
// フレーム取得中であれば新しい向きで取得し直す。
func (c *Camera) SwitchCamera(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closedErr(device.OpSwitchCamera)
	}
	c.facing = c.facing.Flip()
	if c.pumpCancel != nil {
		c.stopPumpLocked()
		if err := c.ensurePumpLocked(); err != nil {
			c.facing = c.facing.Flip()
			return device.NewError(device.OpSwitchCamera, device.CodeCameraOpen, err)
		}
	}
	c.logger.Info("カメラを切り替えました", "facing", c.facing)
	return nil
}

// Facing は選択中のカメラの向きを返す
func (c *Camera) Facing() device.Facing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facing
}

func (c *Camera) IsOnPreview() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preview
}

func (c *Camera) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server != nil
}

func (c *Camera) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer != nil
}

// EndpointConnection は配信中の接続文字列を返す
func (c *Camera) EndpointConnection() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Events はイベントチャンネルを返す
func (c *Camera) Events() <-chan device.Event {
	return c.events
}

// Close は録画・配信・フレーム取得をすべて停止する
func (c *Camera) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.preview = false
	c.videoPrepared = false
	c.audioPrepared = false
	w := c.writer
	c.writer = nil
	server, stream := c.server, c.stream
	c.clearStreamLocked()
	c.stopPumpLocked()
	c.mu.Unlock()

	var err error
	if w != nil {
		err = w.Close()
	}
	if server != nil {
		stream.Close()
		server.Close()
	}
	if err != nil {
		return device.NewError(device.OpClose, device.CodeUnknown, err)
	}
	return nil
}

func (c *Camera) defaultEndpoint() string {
	_, port, err := net.SplitHostPort(c.cfg.Address)
	if err != nil || port == "" {
		port = "8554"
	}
	return "rtsp://" + net.JoinHostPort(c.cfg.PublicHost, port) + "/" + c.cfg.StreamPath
}

// ensurePumpLocked はフレーム取得が動いていなければ開始する
func (c *Camera) ensurePumpLocked() error {
	if c.pumpCancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	frames, err := c.cfg.Source.Frames(ctx, c.facing, c.params)
	if err != nil {
		cancel()
		return errors.Wrap(err, "フレーム取得の開始に失敗")
	}
	c.pumpGen++
	c.pumpCancel = cancel
	go c.pump(c.pumpGen, frames)
	return nil
}

// releasePumpLocked は利用者がいなくなったらフレーム取得を止める
func (c *Camera) releasePumpLocked() {
	if c.preview || c.server != nil || c.writer != nil {
		return
	}
	c.stopPumpLocked()
}

func (c *Camera) stopPumpLocked() {
	if c.pumpCancel == nil {
		return
	}
	c.pumpCancel()
	c.pumpCancel = nil
	c.pumpGen++
}

func (c *Camera) pump(gen uint64, frames <-chan Frame) {
	for f := range frames {
		c.mu.Lock()
		if gen != c.pumpGen {
			c.mu.Unlock()
			continue
		}
		c.deliverLocked(f)
		c.mu.Unlock()
	}
}

// deliverLocked はフレームを配信と録画へ渡す
func (c *Camera) deliverLocked(f Frame) {
	if f.Audio {
		if c.stream != nil && c.audioEnc != nil && c.audioRate > 0 {
			c.writeRTP(c.audioMedia, c.audioEnc, f.AU, ticks(f.PTS, c.audioRate))
		}
		if c.writer != nil && c.recordAudio && len(f.AU) > 0 {
			if err := c.writer.WriteAAC(f.PTS, f.AU[0]); err != nil {
				c.logger.Warn("音声の録画に失敗", "error", err)
			}
		}
		return
	}

	if c.stream != nil && c.videoEnc != nil {
		c.writeRTP(c.videoMedia, c.videoEnc, f.AU, ticks(f.PTS, videoClockRate))
	}
	if c.writer != nil {
		if err := c.writer.WriteH264(f.PTS, f.AU); err != nil {
			c.logger.Warn("映像の録画に失敗", "error", err)
		}
	}
}

func (c *Camera) writeRTP(medi *description.Media, enc auEncoder, aus [][]byte, ts uint32) {
	pkts, err := enc.Encode(aus)
	if err != nil {
		c.logger.Debug("RTPパケット化に失敗", "error", err)
		return
	}
	for _, pkt := range pkts {
		pkt.Timestamp = c.rtpBase + ts
		if err := c.stream.WritePacketRTP(medi, pkt); err != nil {
			c.logger.Debug("RTPパケットの送信に失敗", "error", err)
			return
		}
	}
}

func ticks(d time.Duration, clockRate int) uint32 {
	sec := int64(d / time.Second)
	rem := int64(d % time.Second)
	return uint32(sec*int64(clockRate) + rem*int64(clockRate)/int64(time.Second))
}
