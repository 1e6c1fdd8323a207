package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"starsagent/internal/app"
	"starsagent/pkg/systemd"
)

func main() {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json, yaml or toml)")
	flag.DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "graceful shutdown limit")
	flag.Parse()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	_, _ = systemd.Ready()
	if a.Monitoring() {
		_, _ = systemd.Status("monitoring only: sender unavailable")
	} else {
		_, _ = systemd.Status("processing queue")
	}
	go func() { _ = systemd.Watchdog(ctx) }()

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = systemd.Stopping()
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
	defer scancel()
	// A second signal aborts the graceful stop.
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "forced exit")
		os.Exit(1)
	}()
	stopErr := a.Stop(sctx, reason)
	if reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", a.Err())
		os.Exit(1)
	}
	if stopErr != nil {
		fmt.Fprintln(os.Stderr, "stop:", stopErr)
	}
}
