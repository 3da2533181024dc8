package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/devghori1264/greenops/internal/agent"
	"github.com/devghori1264/greenops/internal/agentrpc"
	"github.com/devghori1264/greenops/internal/logging"
)

var (
	cfgFile string
	v       = viper.New()
	rootCmd = &cobra.Command{
		Use:           "greenops-agent",
		Short:         "GreenOps endpoint agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), agent.Version)
		},
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (yaml)")
	flags.StringP("server", "s", "localhost:50051", "greenopsd gRPC address")
	flags.String("state-file", "./greenops-agent.json", "where the agent token is kept")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("dry-run", false, "log shutdowns instead of executing them")

	_ = v.BindPFlag("server_addr", flags.Lookup("server"))
	_ = v.BindPFlag("state_file", flags.Lookup("state-file"))
	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("dry_run", flags.Lookup("dry-run"))

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := agent.LoadConfig(v, cfgFile)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	client, err := agentrpc.Dial(cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("failed to create client for %s: %w", cfg.ServerAddr, err)
	}
	defer client.Close()

	a, err := agent.New(cfg, agent.Deps{Transport: client, Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		logger.Error("agent stopped", zap.Error(err))
		return err
	}
	return nil
}
