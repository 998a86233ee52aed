package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"rtspcam/internal/device"
	"rtspcam/internal/lifecycle"
	"rtspcam/internal/recording"
)

// appName は設定ファイルやディレクトリに使う名前
const appName = "rtspcam"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Camera    CameraConfig    `yaml:"camera" mapstructure:"camera"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" mapstructure:"lifecycle"`
	Recording RecordingConfig `yaml:"recording" mapstructure:"recording"`
	Playback  PlaybackConfig  `yaml:"playback" mapstructure:"playback"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"` // リッスンするホスト
	Port int    `yaml:"port" mapstructure:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`   // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラデバイスと配信の設定
type CameraConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`           // デバイスドライバー名
	RTSPPort   int    `yaml:"rtsp_port" mapstructure:"rtsp_port"`     // RTSPの待受ポート
	StreamPath string `yaml:"stream_path" mapstructure:"stream_path"` // 配信パス
	PublicHost string `yaml:"public_host" mapstructure:"public_host"` // 接続文字列に使うホスト名
	Audio      bool   `yaml:"audio" mapstructure:"audio"`             // テストパターンに音声を含めるか

	// v4l2 / screen ドライバーの入力
	Devices []string `yaml:"devices" mapstructure:"devices"` // 背面・前面の順。空なら自動検出
	Display string   `yaml:"display" mapstructure:"display"` // X11ディスプレイ。空なら $DISPLAY

	// 映像パラメータ
	Width    int `yaml:"width" mapstructure:"width"`
	Height   int `yaml:"height" mapstructure:"height"`
	FPS      int `yaml:"fps" mapstructure:"fps"`
	Bitrate  int `yaml:"bitrate" mapstructure:"bitrate"`
	Rotation int `yaml:"rotation" mapstructure:"rotation"`
}

// LifecycleConfig はカメラセッションのリトライ・待機の設定
type LifecycleConfig struct {
	MaxInitAttempts      int           `yaml:"max_init_attempts" mapstructure:"max_init_attempts"`
	InitSettle           time.Duration `yaml:"init_settle" mapstructure:"init_settle"`
	InitRetryBackoff     time.Duration `yaml:"init_retry_backoff" mapstructure:"init_retry_backoff"`
	ReadySettle          time.Duration `yaml:"ready_settle" mapstructure:"ready_settle"`
	PreviewRetryAttempts int           `yaml:"preview_retry_attempts" mapstructure:"preview_retry_attempts"`
	PreviewRetryBackoff  time.Duration `yaml:"preview_retry_backoff" mapstructure:"preview_retry_backoff"`
	VideoPrepareAttempts int           `yaml:"video_prepare_attempts" mapstructure:"video_prepare_attempts"`
	SwitchStopSettle     time.Duration `yaml:"switch_stop_settle" mapstructure:"switch_stop_settle"`
	SwitchSettle         time.Duration `yaml:"switch_settle" mapstructure:"switch_settle"`
	SwitchRestartDelay   time.Duration `yaml:"switch_restart_delay" mapstructure:"switch_restart_delay"`
	ResetSettle          time.Duration `yaml:"reset_settle" mapstructure:"reset_settle"`
	ForceReinitSettle    time.Duration `yaml:"force_reinit_settle" mapstructure:"force_reinit_settle"`
	TeardownTimeout      time.Duration `yaml:"teardown_timeout" mapstructure:"teardown_timeout"`
}

// RecordingConfig はカメラ録画の保存先と保持期間の設定
type RecordingConfig struct {
	Dir           string `yaml:"dir" mapstructure:"dir"`                       // 保存先
	RetentionDays int    `yaml:"retention_days" mapstructure:"retention_days"` // 保持期間（日数）
	PruneSchedule string `yaml:"prune_schedule" mapstructure:"prune_schedule"` // 削除ジョブのcron書式
}

// PlaybackConfig は受信ストリーム再生の設定
type PlaybackConfig struct {
	OutputDir   string        `yaml:"output_dir" mapstructure:"output_dir"`     // 録画の保存先
	Record      bool          `yaml:"record" mapstructure:"record"`             // 受信しながら録画するか
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"` // 受信タイムアウト
}

// setDefaults はデフォルト値を設定する
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 0) // websocket用にタイムアウト無効化

	v.SetDefault("camera.driver", device.DriverRTSPServer)
	v.SetDefault("camera.rtsp_port", 8554)
	v.SetDefault("camera.stream_path", "live")
	v.SetDefault("camera.public_host", "localhost")
	v.SetDefault("camera.audio", true)
	v.SetDefault("camera.width", 1280)
	v.SetDefault("camera.height", 720)
	v.SetDefault("camera.fps", 30)
	v.SetDefault("camera.bitrate", 1_200_000)
	v.SetDefault("camera.rotation", 0)
	v.SetDefault("camera.devices", []string{})
	v.SetDefault("camera.display", "")

	d := lifecycle.DefaultOptions()
	v.SetDefault("lifecycle.max_init_attempts", d.MaxInitAttempts)
	v.SetDefault("lifecycle.init_settle", d.InitSettleDelay)
	v.SetDefault("lifecycle.init_retry_backoff", d.InitRetryBackoff)
	v.SetDefault("lifecycle.ready_settle", d.ReadySettleDelay)
	v.SetDefault("lifecycle.preview_retry_attempts", d.PreviewRetryAttempts)
	v.SetDefault("lifecycle.preview_retry_backoff", d.PreviewRetryBackoff)
	v.SetDefault("lifecycle.video_prepare_attempts", d.VideoPrepareAttempts)
	v.SetDefault("lifecycle.switch_stop_settle", d.SwitchStopSettle)
	v.SetDefault("lifecycle.switch_settle", d.SwitchSettle)
	v.SetDefault("lifecycle.switch_restart_delay", d.SwitchRestartDelay)
	v.SetDefault("lifecycle.reset_settle", d.ResetSettle)
	v.SetDefault("lifecycle.force_reinit_settle", d.ForceReinitSettle)
	v.SetDefault("lifecycle.teardown_timeout", d.TeardownTimeout)

	lib := recording.DefaultLibraryConfig()
	v.SetDefault("recording.dir", filepath.Join(xdg.UserDirs.Videos, appName))
	v.SetDefault("recording.retention_days", lib.RetentionDays)
	v.SetDefault("recording.prune_schedule", lib.PruneSchedule)

	v.SetDefault("playback.output_dir", xdg.UserDirs.Download)
	v.SetDefault("playback.record", true)
	v.SetDefault("playback.read_timeout", 10*time.Second)
}

// Load は設定を読み込む
//
// path が空の場合はカレントディレクトリと XDG の設定ディレクトリから config.yaml を探し、
// 見つからなければデフォルト値を使う。環境変数 RTSPCAM_<SECTION>_<KEY> で上書きできる。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(appName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 従来の環境変数
	_ = v.BindEnv("server.host", "RTSPCAM_SERVER_HOST", "SERVER_HOST")
	_ = v.BindEnv("server.port", "RTSPCAM_SERVER_PORT", "PORT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗 (%s): %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, appName))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗: %w", err)
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// カメラ設定の検証
	if c.Camera.Driver == "" {
		return fmt.Errorf("カメラドライバーが設定されていません")
	}
	if c.Camera.RTSPPort < 1 || c.Camera.RTSPPort > 65535 {
		return fmt.Errorf("無効なRTSPポート番号: %d", c.Camera.RTSPPort)
	}
	if err := c.VideoParams().Validate(); err != nil {
		return fmt.Errorf("映像パラメータが無効: %w", err)
	}

	if c.Lifecycle.MaxInitAttempts < 1 {
		return fmt.Errorf("初期化の最大試行回数は1以上が必要です: %d", c.Lifecycle.MaxInitAttempts)
	}
	if c.Lifecycle.PreviewRetryAttempts < 0 {
		return fmt.Errorf("無効なプレビュー再試行回数: %d", c.Lifecycle.PreviewRetryAttempts)
	}

	if c.Recording.Dir == "" {
		return fmt.Errorf("録画の保存先が設定されていません")
	}
	if c.Recording.RetentionDays < 0 {
		return fmt.Errorf("無効な保持期間: %d", c.Recording.RetentionDays)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// VideoParams は映像パラメータを返す
func (c *Config) VideoParams() device.VideoParams {
	return device.VideoParams{
		Width:    c.Camera.Width,
		Height:   c.Camera.Height,
		FPS:      c.Camera.FPS,
		Bitrate:  c.Camera.Bitrate,
		Rotation: c.Camera.Rotation,
	}
}

// DriverConfig はデバイスドライバーの作成設定を返す
func (c *Config) DriverConfig() device.DriverConfig {
	return device.DriverConfig{
		Driver:     c.Camera.Driver,
		RTSPPort:   c.Camera.RTSPPort,
		StreamPath: c.Camera.StreamPath,
		Video:      c.VideoParams(),
		Properties: map[string]any{
			"audio":       c.Camera.Audio,
			"public_host": c.Camera.PublicHost,
			"devices":     c.Camera.Devices,
			"display":     c.Camera.Display,
		},
	}
}

// LifecycleOptions はカメラセッション制御の設定を返す
func (c *Config) LifecycleOptions() lifecycle.Options {
	opts := lifecycle.DefaultOptions()
	l := c.Lifecycle
	opts.MaxInitAttempts = l.MaxInitAttempts
	opts.InitSettleDelay = l.InitSettle
	opts.InitRetryBackoff = l.InitRetryBackoff
	opts.ReadySettleDelay = l.ReadySettle
	opts.PreviewRetryAttempts = l.PreviewRetryAttempts
	opts.PreviewRetryBackoff = l.PreviewRetryBackoff
	opts.VideoPrepareAttempts = l.VideoPrepareAttempts
	opts.SwitchStopSettle = l.SwitchStopSettle
	opts.SwitchSettle = l.SwitchSettle
	opts.SwitchRestartDelay = l.SwitchRestartDelay
	opts.ResetSettle = l.ResetSettle
	opts.ForceReinitSettle = l.ForceReinitSettle
	opts.TeardownTimeout = l.TeardownTimeout
	opts.Video = c.VideoParams()
	opts.RecordDir = c.Recording.Dir
	return opts
}

// LibraryConfig は録画ライブラリの設定を返す
//
// カメラ録画と受信ストリーム録画の両方のディレクトリを走査する。
func (c *Config) LibraryConfig() recording.LibraryConfig {
	dirs := []string{c.Recording.Dir}
	if c.Playback.OutputDir != "" && c.Playback.OutputDir != c.Recording.Dir {
		dirs = append(dirs, c.Playback.OutputDir)
	}
	return recording.LibraryConfig{
		Dirs:          dirs,
		RetentionDays: c.Recording.RetentionDays,
		PruneSchedule: c.Recording.PruneSchedule,
	}
}

// YAML は設定をYAMLとして出力する
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("設定のYAML変換に失敗: %w", err)
	}
	return out, nil
}
