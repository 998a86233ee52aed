package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"rtspcam/internal/device"
	"rtspcam/internal/logging"
	"rtspcam/internal/recording"
)

// defaultEndpoint はデバイスが接続文字列を報告しない場合の値
const defaultEndpoint = "rtsp://localhost:8554/live"

// Options はControllerの設定
type Options struct {
	MaxInitAttempts      int           // 初期化の最大試行回数
	InitSettleDelay      time.Duration // 初期化前の待機
	InitRetryBackoff     time.Duration // 初期化リトライ間隔
	ReadySettleDelay     time.Duration // Ready後、プレビュー可能になるまでの待機
	PreviewRetryAttempts int           // パラメータ非互換時のプレビュー再試行回数
	PreviewRetryBackoff  time.Duration // プレビュー再試行間隔
	VideoPrepareAttempts int           // 映像準備の試行回数
	SwitchStopSettle     time.Duration // 切替前の停止後の待機
	SwitchSettle         time.Duration // 切替後の待機
	SwitchRestartDelay   time.Duration // 配信・録画の再開前の待機
	ResetSettle          time.Duration // リセット後の待機
	ForceReinitSettle    time.Duration // 強制再初期化後の待機
	TeardownTimeout      time.Duration // Dispose時のGuard取得の上限

	Video        device.VideoParams
	EndpointHint string
	RecordDir    string

	// RecordPath は録画ファイルのパスを生成する（省略時は RecordDir 配下の yyyyMMdd_HHmmss.mp4）
	RecordPath func(now time.Time) string

	Clock  clock.Clock
	Logger *slog.Logger
}

// DefaultOptions は既定の設定を返す
func DefaultOptions() Options {
	return Options{
		MaxInitAttempts:      3,
		InitSettleDelay:      time.Second,
		InitRetryBackoff:     2 * time.Second,
		ReadySettleDelay:     500 * time.Millisecond,
		PreviewRetryAttempts: previewRetryAttempts,
		PreviewRetryBackoff:  time.Second,
		VideoPrepareAttempts: 3,
		SwitchStopSettle:     500 * time.Millisecond,
		SwitchSettle:         time.Second,
		SwitchRestartDelay:   500 * time.Millisecond,
		ResetSettle:          time.Second,
		ForceReinitSettle:    2 * time.Second,
		TeardownTimeout:      5 * time.Second,
		Video: device.VideoParams{
			Width:   1280,
			Height:  720,
			FPS:     30,
			Bitrate: 1_200_000,
		},
		RecordDir: ".",
	}
}

// withDefaults はゼロ値の項目を既定値で埋める
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxInitAttempts <= 0 {
		o.MaxInitAttempts = d.MaxInitAttempts
	}
	if o.PreviewRetryAttempts < 0 {
		o.PreviewRetryAttempts = 0
	}
	if o.VideoPrepareAttempts <= 0 {
		o.VideoPrepareAttempts = d.VideoPrepareAttempts
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = d.TeardownTimeout
	}
	if o.Video == (device.VideoParams{}) {
		o.Video = d.Video
	}
	if o.RecordDir == "" {
		o.RecordDir = d.RecordDir
	}
	if o.RecordPath == nil {
		dir := o.RecordDir
		o.RecordPath = func(now time.Time) string { return recording.NewPath(dir, now) }
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = logging.Component("lifecycle")
	}
	return o
}

// Controller はカメラセッションのライフサイクルを管理する
type Controller struct {
	opts  Options
	open  device.Opener
	clock clock.Clock
	log   *slog.Logger
	guard *Guard

	// 以下はguardで保護
	state         State
	dev           device.CameraStreamDevice
	sessionCancel context.CancelFunc

	// セッション世代
	epoch      atomic.Uint64
	initMu     sync.Mutex
	initCancel context.CancelFunc

	status    atomic.Pointer[Status]
	stateSnap atomic.Pointer[State]
	statuses  *hub[Status]
	notices   *hub[Notification]

	ctx         context.Context
	cancel      context.CancelFunc
	tasks       conc.WaitGroup
	startOnce   sync.Once
	disposeOnce sync.Once
	disposed    atomic.Bool
}

// New は新しいControllerを作成する
//
// 初期化は Start で開始される。
func New(open device.Opener, opts Options) *Controller {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		opts:     opts,
		open:     open,
		clock:    opts.Clock,
		log:      opts.Logger,
		guard:    NewGuard(),
		state:    initialState(),
		statuses: newHub[Status](),
		notices:  newHub[Notification](),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.publish()
	return c
}

// Start はバックグラウンドで初期化を開始する
//
// ctx がキャンセルされるとバックグラウンド処理も停止する。
func (c *Controller) Start(ctx context.Context) error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	c.startOnce.Do(func() {
		context.AfterFunc(ctx, c.cancel)
		c.startInit(c.epoch.Load(), 0)
	})
	return nil
}

// Status は最新のスナップショットを返す
func (c *Controller) Status() Status {
	return *c.status.Load()
}

// State はデバッグ用に内部状態のコピーを返す
func (c *Controller) State() State {
	return *c.stateSnap.Load()
}

// Subscribe はStatusの購読を開始する。現在のStatusが最初に届く
func (c *Controller) Subscribe() (<-chan Status, func()) {
	return c.statuses.subscribe(c.Status())
}

// Notifications は通知の購読を開始する
func (c *Controller) Notifications() (<-chan Notification, func()) {
	return c.notices.subscribe()
}

// Dispose はセッションを破棄する。エラーは返さず、panicもしない
func (c *Controller) Dispose() {
	c.disposeOnce.Do(func() {
		var pc panics.Catcher
		pc.Try(c.dispose)
		if r := pc.Recovered(); r != nil {
			c.log.Error("破棄処理でpanicが発生", "panic", r.String())
		}
	})
}

func (c *Controller) dispose() {
	c.disposed.Store(true)
	c.invalidate()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.TeardownTimeout)
	defer cancel()

	err := c.guard.Do(ctx, func(ctx context.Context) error {
		errs := c.detach(ctx, true)
		c.state = initialState()
		c.publish()
		return errs
	})
	if err != nil {
		c.log.Debug("破棄時のエラーを無視", "error", err)
	}

	c.cancel()
	if r := c.tasks.WaitAndRecover(); r != nil {
		c.log.Error("バックグラウンド処理でpanicが発生", "panic", r.String())
	}
	c.statuses.close()
	c.notices.close()
	c.log.Info("コントローラーを破棄しました")
}

// invalidate はセッション世代を進め、進行中の初期化をキャンセルする
func (c *Controller) invalidate() uint64 {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.initCancel != nil {
		c.initCancel()
		c.initCancel = nil
	}
	return c.epoch.Add(1)
}

// startInit はsettle待機後に初期化をバックグラウンドで開始する
func (c *Controller) startInit(epoch uint64, settle time.Duration) {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.epoch.Load() != epoch || c.disposed.Load() {
		return
	}
	if c.initCancel != nil {
		c.initCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.initCancel = cancel

	c.tasks.Go(func() {
		defer cancel()
		if err := c.sleep(ctx, settle); err != nil {
			return
		}
		c.initialize(ctx, epoch)
	})
}

// initialize は試行回数の上限までセッションの取得を繰り返す
func (c *Controller) initialize(ctx context.Context, epoch uint64) {
	for {
		attempt, err := c.beginAttempt(ctx, epoch)
		if err != nil {
			return
		}

		if err := c.sleep(ctx, c.opts.InitSettleDelay); err != nil {
			return
		}

		retry, err := c.acquire(ctx, epoch, attempt)
		if err != nil {
			return
		}
		if !retry {
			break
		}

		c.log.Info("初期化を再試行します", "attempt", attempt, "backoff", c.opts.InitRetryBackoff)
		if err := c.sleep(ctx, c.opts.InitRetryBackoff); err != nil {
			return
		}
	}

	if err := c.sleep(ctx, c.opts.ReadySettleDelay); err != nil {
		return
	}
	_ = c.guard.Do(ctx, func(_ context.Context) error {
		if !c.current(epoch) || c.state.Phase != PhaseReady {
			return nil
		}
		c.state.CameraReady = true
		c.publish()
		c.log.Debug("カメラの準備が完了しました", "session", c.state.SessionID)
		return nil
	})
}

// beginAttempt は試行回数を進める
func (c *Controller) beginAttempt(ctx context.Context, epoch uint64) (int, error) {
	var attempt int
	err := c.guard.Do(ctx, func(_ context.Context) error {
		if !c.current(epoch) {
			return ErrSessionLost
		}
		c.state.Attempt++
		if c.state.Attempt > c.opts.MaxInitAttempts {
			c.exhaust()
			return ErrInitExhausted
		}
		c.state.Phase = PhaseInitializing
		c.publish()
		attempt = c.state.Attempt
		return nil
	})
	return attempt, err
}

// acquire はデバイスセッションの取得を試みる。retry は再試行が必要かを表す
func (c *Controller) acquire(ctx context.Context, epoch uint64, attempt int) (bool, error) {
	var retry bool
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		if !c.current(epoch) {
			return ErrSessionLost
		}

		var dev device.CameraStreamDevice
		err := safe(func() (err error) {
			dev, err = c.open(ctx)
			return err
		})
		if ctx.Err() != nil || !c.current(epoch) {
			if err == nil {
				closeQuietly(dev)
			}
			return ErrSessionLost
		}
		if err == nil && dev == nil {
			err = device.Errorf(device.OpOpen, device.CodeCameraOpen, "Camera initialization failed: no device")
		}
		if err != nil {
			cls := Classify(ScopeInitialize, err)
			c.log.Warn("カメラの初期化に失敗",
				"attempt", attempt, "max", c.opts.MaxInitAttempts, "kind", cls.Kind, "error", err)
			if attempt >= c.opts.MaxInitAttempts {
				c.exhaust()
				return ErrInitExhausted
			}
			c.state.Phase = PhaseError
			c.state.setError(cls.Kind, cls.Message)
			c.publish()
			c.notify(LevelError, cls.Message)
			retry = true
			return nil
		}

		c.attach(dev, epoch)
		c.notify(LevelInfo, "Camera initialized successfully")
		return nil
	})
	return retry, err
}

// exhaust は初期化のリトライ上限到達を記録する
func (c *Controller) exhaust() {
	msg := initExhaustedMessage(c.opts.MaxInitAttempts)
	c.state.Phase = PhaseError
	c.state.setError(KindInitFailed, msg)
	c.state.Fatal = true
	c.publish()
	c.notifyPersistent(msg)
	c.log.Error("初期化のリトライ上限に達しました", "attempts", c.opts.MaxInitAttempts)
}

// attach は取得したデバイスをセッションとして登録する
func (c *Controller) attach(dev device.CameraStreamDevice, epoch uint64) {
	sessCtx, cancel := context.WithCancel(c.ctx)
	c.dev = dev
	c.sessionCancel = cancel

	c.state.Phase = PhaseReady
	c.state.clearError()
	c.state.SessionID = uuid.NewString()
	c.publish()
	c.log.Info("カメラを初期化しました", "session", c.state.SessionID, "attempt", c.state.Attempt)

	c.tasks.Go(func() { c.watchEvents(sessCtx, epoch, dev) })
}

// detach はセッションを破棄する。graceful の場合は録画・配信・プレビューを順に停止する
func (c *Controller) detach(ctx context.Context, graceful bool) error {
	var errs error
	if dev := c.dev; dev != nil {
		if graceful {
			errs = stopAll(ctx, dev)
		}
		if cl, ok := dev.(io.Closer); ok {
			errs = multierr.Append(errs, safe(cl.Close))
		}
	}
	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCancel = nil
	}
	c.dev = nil
	return errs
}

// stopAll は録画・配信・プレビューの順に停止する
func stopAll(ctx context.Context, dev device.CameraStreamDevice) error {
	var errs error
	if safeBool(dev.IsRecording) {
		errs = multierr.Append(errs, safe(func() error { return dev.StopRecord(ctx) }))
	}
	if safeBool(dev.IsStreaming) {
		errs = multierr.Append(errs, safe(func() error { return dev.StopStream(ctx) }))
	}
	if safeBool(dev.IsOnPreview) {
		errs = multierr.Append(errs, safe(func() error { return dev.StopPreview(ctx) }))
	}
	return errs
}

// current はepochが現在のセッション世代かを返す
func (c *Controller) current(epoch uint64) bool {
	return c.epoch.Load() == epoch && !c.disposed.Load()
}

// sameSession は操作開始時と同じセッションが続いているかを返す（guard保持中に呼ぶ）
func (c *Controller) sameSession(epoch uint64, dev device.CameraStreamDevice) bool {
	return c.current(epoch) && c.dev != nil && c.dev == dev && c.state.Phase == PhaseReady
}

// publish は現在の状態からStatusを作成して公開する（guard保持中に呼ぶ）
func (c *Controller) publish() {
	now := c.clock.Now()
	s := c.state.snapshot(now)
	st := c.state
	st.Clients = s.Clients

	c.stateSnap.Store(&st)
	c.status.Store(&s)
	c.statuses.publish(s)
}

func (c *Controller) notify(level Level, message string) {
	c.emit(Notification{Level: level, Message: message})
}

func (c *Controller) notifyPersistent(message string) {
	c.emit(Notification{Level: LevelError, Message: message, Persistent: true})
}

func (c *Controller) emit(n Notification) {
	n.ID = uuid.NewString()
	n.Time = c.clock.Now()
	c.notices.publish(n)

	lv := slog.LevelInfo
	switch n.Level {
	case LevelWarn:
		lv = slog.LevelWarn
	case LevelError:
		lv = slog.LevelError
	}
	c.log.Log(context.Background(), lv, "通知", "message", n.Message, "persistent", n.Persistent)
}

// sleep はclockに従って待機する。ctxがキャンセルされた場合はエラーを返す
func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// endpointOf は配信中の接続文字列を返す
func (c *Controller) endpointOf(dev device.CameraStreamDevice) string {
	if e := dev.EndpointConnection(); e != "" {
		return e
	}
	if c.opts.EndpointHint != "" {
		return c.opts.EndpointHint
	}
	return defaultEndpoint
}

// safe はデバイス呼び出しのpanicをエラーに変換する
func safe(fn func() error) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = fn() })
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}

func safeBool(fn func() bool) (v bool) {
	var pc panics.Catcher
	pc.Try(func() { v = fn() })
	return v
}

func closeQuietly(dev device.CameraStreamDevice) {
	if cl, ok := dev.(io.Closer); ok {
		_ = safe(cl.Close)
	}
}
