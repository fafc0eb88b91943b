// Command yate-watch is a minimal Yate external module that installs the
// wildcard watch and logs every message reply it observes, demonstrating the
// watch-handler half of the driver without taking ownership of any calls.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/eventphone/goyate/internal/config"
	"github.com/eventphone/goyate/internal/yate/driver"
	"github.com/eventphone/goyate/internal/yate/protocol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stderr))
	slog.SetDefault(logger)

	slog.Info("starting yate-watch", "mode", cfg.Mode, "automatic_bufsize", cfg.AutomaticBufsize)

	appCtx, appCancel := context.WithCancel(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		slog.Info("received shutdown signal", "signal", sig.String())
		appCancel()
	}()

	watch := func(ctx context.Context, d *driver.Driver) error {
		// The Connect handshake is queued first so it precedes the watch
		// request; the watch ack only arrives once Run is reading, so the
		// watch is registered in the background while Run drives the session.
		if cfg.Mode != "stdio" {
			if err := d.Engine().SendConnect(); err != nil {
				return err
			}
		}
		go func() {
			if _, err := d.RegisterWatchHandlerAsync(ctx, "", func(msg *protocol.Message) {
				slog.Info("observed message", "name", msg.Name, "id", msg.ID)
			}); err != nil && ctx.Err() == nil {
				slog.Error("installing wildcard watch", "error", err)
			}
		}()
		return d.Run(ctx, false)
	}

	if cfg.Mode == "stdio" {
		err = watch(appCtx, driver.New(driver.NewStdioTransport(), logger, driver.WithAutomaticBufsize(cfg.AutomaticBufsize)))
	} else {
		// TCP/Unix sessions can drop and be redialed; stdio has no dial step
		// to retry against, so it runs once per process lifetime.
		limiter := rate.NewLimiter(rate.Every(time.Second), 1)
		err = driver.RunWithReconnect(appCtx, dialTransport(cfg), limiter, logger, func(d *driver.Driver) error {
			return watch(appCtx, d)
		}, driver.WithAutomaticBufsize(cfg.AutomaticBufsize))
	}

	appCancel()
	if err != nil && appCtx.Err() == nil {
		slog.Error("driver stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("yate-watch stopped")
}

func dialTransport(cfg *config.Config) driver.DialFunc {
	return func(ctx context.Context) (driver.Transport, error) {
		switch cfg.Mode {
		case "tcp":
			return driver.DialTCP(ctx, fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
		case "unix":
			return driver.DialUnix(ctx, cfg.SockPath)
		default:
			return driver.NewStdioTransport(), nil
		}
	}
}
