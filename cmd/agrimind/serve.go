package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haricheung/agrimind/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the browser chat UI and JSON API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		srv := web.NewServer(a.orch, a.bus, web.WithLogger(logger), web.WithMetrics(a.metrics))
		return srv.ListenAndServe(ctx, cfg.Server.Addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	_ = loader.Viper().BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}
