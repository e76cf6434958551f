package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mordilloSan/go_logger/logger"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		rebuild    bool
		socketPath string
		listenAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background indexer and the query API",
		Long: `Serve keeps the index fresh with periodic incremental passes and answers
queries over HTTP on a Unix socket (and optionally TCP). An empty index is
built on startup; until it exists /search answers 503 {"status":"indexing"}.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("socket-path") {
				cfg.Server.SocketPath = socketPath
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.Listen = listenAddr
			}

			d, err := newDaemon(cfg, rebuild)
			if err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}
			defer d.Close()

			listenDisplay := cfg.Server.Listen
			if listenDisplay == "" {
				listenDisplay = "disabled"
			}
			logger.Infof("Daemon initialized roots=%v db=%s socket=%s listen=%s includeHidden=%t interval=%v",
				cfg.Roots, cfg.Storage.DBPath, cfg.Server.SocketPath, listenDisplay, cfg.IncludeHidden, cfg.Index.Interval)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := d.Run(ctx, a.loader); err != nil {
				return err
			}
			logger.Infof("Received shutdown signal, stopping")
			return nil
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "run a full pass on startup even if an index exists")
	cmd.Flags().StringVar(&socketPath, "socket-path", "", `Unix socket path ("-" disables it)`)
	cmd.Flags().StringVar(&listenAddr, "listen", "", "optional TCP address (e.g. 127.0.0.1:8080)")
	return cmd
}
