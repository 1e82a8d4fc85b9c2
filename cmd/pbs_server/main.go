// Package main implements the pbs_server daemon entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/opentorque/pbs-rerun/internal/config"
	"github.com/opentorque/pbs-rerun/internal/server"
	"github.com/opentorque/pbs-rerun/pkg/pbslog"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pbs_server: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pbs_server",
		Short:         "PBS batch server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	// Flags match the C pbs_server interface.
	flags := cmd.Flags()
	flags.StringP("home", "d", "/var/spool/torque", "PBS home directory")
	flags.IntP("port", "p", 15001, "server port (DIS protocol)")
	flags.BoolP("debug", "D", false, "debug mode (verbose logging)")
	flags.String("server-name", "", "server name used in job ids (default: short hostname)")
	flags.String("metrics-addr", "", "address of the prometheus /metrics listener")
	flags.Int("job-requeue-timeout", 0, "seconds a rerun waits for the MOM (0: 45)")

	for key, flag := range map[string]string{
		"pbs_home":            "home",
		"port":                "port",
		"debug":               "debug",
		"server_name":         "server-name",
		"metrics_addr":        "metrics-addr",
		"job_requeue_timeout": "job-requeue-timeout",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func run(cfg *config.Config) error {
	logger, dated, err := pbslog.NewLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return err
	}
	defer dated.Close()
	defer func() { _ = logger.Sync() }()

	logger.Info("pbs_server starting", zap.String("version", version), zap.String("home", cfg.PBSHome))

	srv, err := server.New(cfg, server.Options{Logger: logger})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			// Logs roll over by date on their own.
			if err := dated.Sync(); err != nil {
				logger.Warn("log sync failed", zap.Error(err))
			}
			continue
		}
		logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
