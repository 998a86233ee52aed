package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"rtspcam/internal/player"
)

// statusColor は接続状態の表示色
func statusColor(st player.State) *color.Color {
	switch st {
	case player.StateConnecting:
		return color.New(color.FgYellow)
	case player.StateConnected:
		return color.New(color.FgGreen, color.Bold)
	case player.StateFailed:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.Faint)
	}
}

// newPlayCommand は受信ストリームを再生・録画するコマンドを作成する
func newPlayCommand(opts *options) *cobra.Command {
	var (
		outputDir string
		noRecord  bool
	)

	cmd := &cobra.Command{
		Use:   "play <rtsp-url>",
		Short: "Receive an RTSP stream and record it to MP4",
		Args:  cobra.ExactArgs(1),
		Example: `  # Record a stream into the downloads directory
  rtspcam play rtsp://192.168.0.10:8554/live`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.config.Playback
			if outputDir != "" {
				cfg.OutputDir = outputDir
			}
			if noRecord {
				cfg.Record = false
			}

			out := cmd.OutOrStdout()
			sess, err := player.NewSession(player.Options{
				URL:         args[0],
				OutputDir:   cfg.OutputDir,
				Record:      cfg.Record,
				ReadTimeout: cfg.ReadTimeout,
				OnStatus: func(st player.State) {
					fmt.Fprintln(out, statusColor(st).Sprint(st.Label()))
				},
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(out, "(Press %s to stop.)\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))
			runErr := sess.Run(ctx)

			if path := sess.RecordingPath(); path != "" {
				fmt.Fprintf(out, "%s: %s\n", player.SavedMessage, color.New(color.FgCyan).Sprint(path))
			}
			if runErr != nil && ctx.Err() == nil {
				return runErr
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&outputDir, "output", "o", "", "Directory to save the recording (default: downloads directory)")
	flags.BoolVar(&noRecord, "no-record", false, "Do not record the incoming stream")

	return cmd
}
