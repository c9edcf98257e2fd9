package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inkhub/inkhub"
	"github.com/inkhub/inkhub/utils"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	staticDir := flag.String("static", "", "directory of the canvas UI to serve at /")
	sweep := flag.Duration("sweep", 30*time.Second, "liveness sweep interval")
	timeout := flag.Duration("timeout", 0, "liveness timeout (default twice the sweep interval)")
	history := flag.Int("history", 100, "log entries sent to a new joiner")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := utils.NewDefaultLogger(level)

	srv := inkhub.NewServer(inkhub.Options{
		Addr:            *addr,
		StaticDir:       *staticDir,
		SweepInterval:   *sweep,
		LivenessTimeout: *timeout,
		HistoryLimit:    *history,
		Logger:          log,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-exit:
		log.Info("main: signal caught, shutting down", "sig", sig.String())
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("main: shutdown failed", "err", err)
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			log.Error("main: server failed", "err", err)
			os.Exit(1)
		}
	}
}
