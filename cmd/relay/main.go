// Command relay runs the CDP Relay Core: an HTTP+WebSocket process that
// lets a driver (e.g. a Playwright client) speak the Chrome DevTools
// Protocol to tabs a browser extension has attached to, without a
// dedicated automation-launched browser.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onkernel/cdp-relay/internal/cdpemu"
	"github.com/onkernel/cdp-relay/internal/collab"
	"github.com/onkernel/cdp-relay/internal/config"
	"github.com/onkernel/cdp-relay/internal/driversession"
	"github.com/onkernel/cdp-relay/internal/events"
	"github.com/onkernel/cdp-relay/internal/eventtranslator"
	"github.com/onkernel/cdp-relay/internal/extensionsession"
	"github.com/onkernel/cdp-relay/internal/httpapi"
	"github.com/onkernel/cdp-relay/internal/store"
)

// version is stamped by the release process; it defaults to "dev" for
// local builds.
var version = "dev"

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("relay configuration", "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New()
	bus := events.New()

	if cfg.LogCDPFrames {
		bus.Subscribe(func(ev events.Event) {
			if ev.Kind == events.KindCDPCommand || ev.Kind == events.KindCDPResponse || ev.Kind == events.KindCDPEvent {
				slogger.Info("cdp frame", "kind", ev.Kind, "payload", ev.Payload)
			}
		})
	}

	extTimeout := time.Duration(cfg.ExtensionRequestTimeoutMS) * time.Millisecond
	extMgr := extensionsession.New(st, bus, nil, collab.NoopRecorder{}, extTimeout, extensionsession.Config{
		AllowedExtensionIDs: cfg.AllowedExtensionIDs,
	})

	emulator := cdpemu.New(st, bus, extMgr, cdpemu.Config{
		AllowedExtensionIDs: cfg.AllowedExtensionIDs,
		AutoCreateTab:       cfg.AutoCreateTab,
		Version:             version,
	})

	driverMgr := driversession.New(st, bus, emulator, driversession.Config{
		AllowedExtensionIDs: cfg.AllowedExtensionIDs,
		Token:               cfg.Token,
	})

	translator := eventtranslator.New(st, bus, extMgr, driverMgr, cfg.AllowedExtensionIDs)
	extMgr.SetEventHandler(translator)

	router := httpapi.NewRouter(httpapi.Config{
		Version:             version,
		Token:               cfg.Token,
		AllowedExtensionIDs: cfg.AllowedExtensionIDs,
	}, slogger, httpapi.Deps{
		Store:     st,
		Driver:    driverMgr,
		Extension: extMgr,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	go func() {
		slogger.Info("relay http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("relay http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slogger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	g, _ := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		slogger.Error("relay failed to shut down cleanly", "err", err)
	}
}
