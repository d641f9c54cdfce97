// Command embuer-service is the privileged daemon that owns the update
// pipeline and exposes it on the system bus. Command-line front-ends,
// the bootstrap installer and the bus transport's wire format are external
// collaborators, not built by this binary.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NeroReflex/embuer/internal/btrfs"
	"github.com/NeroReflex/embuer/internal/bus"
	"github.com/NeroReflex/embuer/internal/config"
	"github.com/NeroReflex/embuer/internal/embuererrors"
	"github.com/NeroReflex/embuer/internal/logger"
	"github.com/NeroReflex/embuer/internal/scheduler"
	"github.com/NeroReflex/embuer/internal/sigverify"
)

const pollInterval = 30 * time.Minute

func main() {
	var debug bool

	app := &cobra.Command{
		Use:           "embuer-service",
		Short:         "embuer A/B update service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.SetDebug(debug)
			return run()
		},
	}

	app.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := app.Execute(); err != nil {
		logger.Error("Fatal error", logger.Ctx{"err": err})
		os.Exit(1)
	}
}

func run() error {
	if os.Geteuid() != 0 {
		return embuererrors.ErrMissingPrivileges
	}

	cfg, err := config.Load(config.DefaultPaths)
	if err != nil {
		if err == embuererrors.ErrMissingConfiguration {
			logger.Warn("No configuration file found, using defaults")
		} else {
			return err
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	driver, err := btrfs.New()
	if err != nil {
		return err
	}

	pemData, err := os.ReadFile(cfg.PublicKeyPEM)
	if err != nil {
		return err
	}

	publicKey, err := sigverify.LoadPEM(pemData)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(cfg, driver, publicKey)
	if err != nil {
		return err
	}

	svc, conn, err := bus.New(sched)
	if err != nil {
		return err
	}
	_ = svc

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("Shutting down")
		cancel()
	}()

	poller := scheduler.NewPoller(sched, cfg.UpdateURL, pollInterval)
	if err := poller.Start(ctx, pollInterval); err != nil {
		return err
	}
	defer poller.Stop()

	go bus.RunSignalEmitter(ctx, conn, sched)

	sched.Run(ctx)

	return nil
}
