package main

import (
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nstogner/celeste/pkg/config"
	"github.com/nstogner/celeste/pkg/tui"
)

func newChatCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// The terminal belongs to the UI, so logs always go to a file.
			logs, err := setupLogging(cfg, filepath.Join(cfg.DataDir, "celeste.log"))
			if err != nil {
				return err
			}
			defer logs.Close()

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					slog.Error("Shutdown failed", "error", err)
				}
			}()

			return tui.Run(cmd.Context(), a.session, a.bus)
		},
	}
}
