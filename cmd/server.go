package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"rtspcam/internal/logging"
	"rtspcam/internal/server"
)

// newServeCommand はHTTPサーバーを起動するコマンドを作成する
func newServeCommand(opts *options) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the camera session and the HTTP control server",
		Example: `  # Start with defaults
  rtspcam serve

  # Listen on a specific port
  rtspcam serve --port 9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.config

			// コマンドラインオプションで設定を上書き
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := a.start(ctx); err != nil {
				return err
			}

			srv := server.New(cfg, a.controller, a.library)
			logging.Get().Info("rtspcam サーバーを起動します", "address", cfg.ServerAddress(), "driver", cfg.Camera.Driver)
			serveErr := srv.Start(ctx)

			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			if err := a.close(closeCtx); err != nil {
				logging.Get().Warn("終了処理に失敗", "error", err)
			}
			return serveErr
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&host, "host", "", "Server host (default: 0.0.0.0)")
	flags.IntVarP(&port, "port", "p", 0, "Server port (default: 8080)")

	return cmd
}
