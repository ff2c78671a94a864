package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/foundry/internal/api"
	"github.com/seantiz/foundry/internal/config"
)

func serveCmd(cfg *config.Config) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.ListenAddr = addr
			}
			logger := config.NewLogger(os.Stdout, cfg.LogLevel)
			logger.Info("foundry: starting",
				"listen_addr", cfg.ListenAddr,
				"db_path", cfg.DBPath,
				"devices_file", cfg.DevicesFile,
				"mock", cfg.Mock,
			)

			devices, err := config.LoadDevices(cfg.DevicesFile)
			if err != nil {
				return err
			}

			eng, db, suites, err := newEngine(*cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := api.NewServer(cfg.ListenAddr, db, suites, eng, devices, logger)
			err = srv.Run(ctx)

			eng.AbortAll()
			eng.Wait()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "", "Listen address (overrides FOUNDRY_LISTEN_ADDR)")
	return cmd
}
