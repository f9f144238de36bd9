package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"statesaver/config"
	"statesaver/server"
	"statesaver/service/logging"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logCloser  io.Closer
)

var rootCmd = &cobra.Command{
	Use:          "statesaver",
	Short:        "Persist front-end application state to disk",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.InitConfig(configPath)
		var logger *slog.Logger
		logger, logCloser = logging.New(config.C.Log, os.Stdout)
		slog.SetDefault(logger)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Serve(cmd.Context(), config.C)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to the TOML config file")
	rootCmd.AddCommand(saveCmd)
}

func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("failed to execute root command", "err", err)
		os.Exit(1)
	}
}
