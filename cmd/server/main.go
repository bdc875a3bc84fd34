// Command server runs the grokgate HTTP gateway: a multi-tenant reverse
// proxy in front of a single upstream chat/image/video provider, backed by a
// quota-aware credential pool. Grounded on the teacher's cmd/server/main.go
// entrypoint shape (flag parsing, logging setup); the component wiring
// itself lives in sdk/gateway.Service so it can be embedded by other
// programs, matching the teacher's cmd/main.go + sdk/cliproxy.Service split.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vornlabs/grokgate/internal/config"
	"github.com/vornlabs/grokgate/internal/logging"
	"github.com/vornlabs/grokgate/sdk/gateway"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway configuration file")
	flag.Parse()

	logging.SetupBaseLogger()
	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if err := logging.ConfigureLogOutput(cfg.LogToFile); err != nil {
		log.WithError(err).Warn("failed to configure log output")
	}
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	svc, err := gateway.NewService(cfg, *configPath, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build gateway service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	}()

	runErr := svc.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("error during shutdown")
	}

	if runErr != nil {
		log.WithError(runErr).Fatal("server exited with error")
	}
}
