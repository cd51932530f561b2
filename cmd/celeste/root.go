package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nstogner/celeste/pkg/config"
)

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "celeste",
		Short:         "Multi-modal generation chat",
		Long:          `Chat with text, image, video and audio generation models and keep the history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (toml, yaml or json)")

	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	bindFlag(v, "log.level", rootCmd, "log-level")

	rootCmd.PersistentFlags().String("data-dir", "./.celeste", "directory for the database, selections and logs")
	bindFlag(v, "data_dir", rootCmd, "data-dir")

	rootCmd.PersistentFlags().String("store", config.BackendSQLite, "conversation store (sqlite, memory, firestore)")
	bindFlag(v, "store.backend", rootCmd, "store")

	rootCmd.PersistentFlags().String("backend-url", "", "base URL of a REST generation backend")
	bindFlag(v, "backend.base_url", rootCmd, "backend-url")

	load := func() (*config.Config, error) { return config.Load(v, cfgFile) }

	rootCmd.AddCommand(
		newServeCmd(v, load),
		newChatCmd(load),
		newConversationsCmd(load),
	)
	return rootCmd
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	flag := cmd.PersistentFlags().Lookup(name)
	if flag == nil {
		flag = cmd.Flags().Lookup(name)
	}
	v.BindPFlag(key, flag)
}
