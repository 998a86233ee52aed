// Package cmd は rtspcam コマンドの実装です
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"rtspcam/internal/camera"
	"rtspcam/internal/config"
	"rtspcam/internal/device"
	"rtspcam/internal/lifecycle"
	"rtspcam/internal/logging"
	"rtspcam/internal/recording"
	"rtspcam/internal/rtspserver"
)

// options はサブコマンドで共有するフラグ
type options struct {
	configPath string
	verbose    bool
	config     *config.Config
}

// NewRootCommand はルートコマンドを作成する
func NewRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "rtspcam",
		Short: "Camera to RTSP streaming tool",
		Long: `rtspcam publishes a camera pipeline as an RTSP stream, records it to MP4,
and plays or records incoming RTSP streams.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(opts.verbose)

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.config = cfg
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to config file (default: ./config.yaml or $XDG_CONFIG_HOME/rtspcam/config.yaml)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newTUICommand(opts))
	cmd.AddCommand(newPlayCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))

	return cmd
}

// Execute はルートコマンドを実行する
func Execute() error {
	return NewRootCommand().Execute()
}

// app はカメラセッションと録画ライブラリをまとめたもの
type app struct {
	controller *lifecycle.Controller
	library    *recording.Library
}

// newApp は設定からカメラセッションを組み立てる
func newApp(cfg *config.Config) (*app, error) {
	reg := device.NewRegistry()
	rtspserver.Register(reg, nil)
	camera.Register(reg, nil)

	opener, err := reg.Open(cfg.DriverConfig())
	if err != nil {
		return nil, fmt.Errorf("カメラドライバーの作成に失敗: %w", err)
	}

	return &app{
		controller: lifecycle.New(opener, cfg.LifecycleOptions()),
		library:    recording.NewLibrary(cfg.LibraryConfig(), nil),
	}, nil
}

// start はカメラの初期化と録画の定期削除を開始する
func (a *app) start(ctx context.Context) error {
	if err := a.controller.Start(ctx); err != nil {
		return fmt.Errorf("カメラセッションの開始に失敗: %w", err)
	}
	if err := a.library.Start(ctx); err != nil {
		a.controller.Dispose()
		return err
	}
	return nil
}

// close はカメラセッションを破棄する
func (a *app) close(ctx context.Context) error {
	a.controller.Dispose()
	if err := a.library.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("録画の定期削除の停止に失敗: %w", err)
	}
	return nil
}
