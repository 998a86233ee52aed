package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/adrg/xdg"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"rtspcam/internal/logging"
	"rtspcam/internal/tui"
)

// newTUICommand は端末UIを起動するコマンドを作成する
func newTUICommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Control the camera session from an interactive terminal UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			// 端末UIを崩さないようにログはファイルへ出力する
			logPath, err := xdg.StateFile("rtspcam/tui.log")
			if err != nil {
				return fmt.Errorf("ログファイルの作成に失敗: %w", err)
			}
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("ログファイルを開けません: %w", err)
			}
			defer logFile.Close()
			logging.InitWithWriter(logFile, opts.verbose)

			a, err := newApp(opts.config)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := a.start(ctx); err != nil {
				return err
			}

			model := tui.New(ctx, a.controller, "rtspcam")
			_, runErr := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			model.Close()

			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			if err := a.close(closeCtx); err != nil {
				logging.Get().Warn("終了処理に失敗", "error", err)
			}
			return runErr
		},
	}
}
