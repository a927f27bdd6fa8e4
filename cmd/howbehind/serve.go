package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	appLog "howbehind/internal/log"
	"howbehind/internal/tracker"
	"howbehind/internal/web"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduled feed refresh",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config if set)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if listenAddr != "" {
		rt.cfg.Listen = listenAddr
	}
	appLog.Info("howbehind starting", "version", version, "listen", rt.cfg.Listen, "storage", rt.cfg.Storage.Type)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	scheduler, err := tracker.NewScheduler(rt.svc, rt.cfg.RefreshCron, rt.loc, 0)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Catch up every stored user once at startup rather than waiting for the
	// first tick.
	go func() {
		if err := rt.svc.RefreshAll(ctx); err != nil {
			appLog.Error("startup refresh failed", err)
		}
	}()

	if err := web.StartServer(ctx, rt.cfg, rt.svc, rt.ids); err != nil {
		return err
	}
	appLog.Info("howbehind exiting")
	return nil
}
