package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nstogner/celeste/pkg/config"
	"github.com/nstogner/celeste/pkg/server"
)

func newServeCmd(v *viper.Viper, load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat session over HTTP and websockets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logs, err := setupLogging(cfg, "")
			if err != nil {
				return err
			}
			defer logs.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					slog.Error("Shutdown failed", "error", err)
				}
			}()

			srv := server.New(a.session, a.bus, a.store)
			errc := make(chan error, 1)
			go func() { errc <- srv.Start(cfg.ListenAddr) }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			slog.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().String("listen", ":8080", "address to listen on")
	bindFlag(v, "listen_addr", cmd, "listen")
	return cmd
}
