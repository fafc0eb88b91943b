// Command yate-ivr-demo is a sample Yate external module built on the IVR
// layer: it answers a single call, plays a greeting, reads a PIN terminated
// by '#' (of any length), logs it, and plays a dial tone as acknowledgement.
// The script then returns; it sends no hangup of its own.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eventphone/goyate/internal/config"
	"github.com/eventphone/goyate/internal/yate/driver"
	"github.com/eventphone/goyate/internal/yate/ivr"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stderr))
	slog.SetDefault(logger)

	slog.Info("starting yate-ivr-demo", "mode", cfg.Mode, "automatic_bufsize", cfg.AutomaticBufsize)

	transport, err := dialTransport(cfg)
	if err != nil {
		slog.Error("failed to open transport", "error", err)
		os.Exit(1)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	d := driver.New(transport, logger, driver.WithAutomaticBufsize(cfg.AutomaticBufsize))
	call := ivr.New(d, logger)

	runErr := make(chan error, 1)
	go func() {
		runErr <- d.Run(appCtx, cfg.Mode != "stdio")
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		slog.Info("received shutdown signal", "signal", sig.String())
		appCancel()
	}()

	appErr := call.Run(appCtx, runGreetingScript)

	select {
	case err := <-runErr:
		if err != nil {
			slog.Error("driver stopped with error", "error", err)
		}
	default:
	}

	if appErr != nil {
		slog.Error("ivr script ended with error", "error", appErr)
		os.Exit(1)
	}
	slog.Info("yate-ivr-demo stopped")
}

func runGreetingScript(ctx context.Context, call *ivr.CallContext) {
	log := slog.With("subsystem", "yate-ivr-demo", "call_id", call.CallID())

	var hungUp bool
	call.RegisterHangupHandler(func() {
		hungUp = true
		log.Info("remote end hung up")
	})

	if _, err := call.PlaySoundfile(ctx, "/usr/share/yate/sounds/greeting.slin", false, true); err != nil {
		log.Error("playing greeting failed", "error", err)
		return
	}

	pin, err := call.ReadDTMFUntil(ctx, "#", 15*time.Second)
	if err != nil {
		log.Error("reading pin failed", "error", err)
		return
	}
	log.Info("collected pin", "pin", pin)

	if hungUp {
		return
	}
	if _, err := call.Tone(ctx, "dial"); err != nil {
		log.Error("playing acknowledgement tone failed", "error", err)
	}
}

func dialTransport(cfg *config.Config) (driver.Transport, error) {
	switch cfg.Mode {
	case "tcp":
		return driver.DialTCP(context.Background(), fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	case "unix":
		return driver.DialUnix(context.Background(), cfg.SockPath)
	default:
		return driver.NewStdioTransport(), nil
	}
}
