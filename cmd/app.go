package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/Ruddxxy/warp-p2p/hub"
	"github.com/Ruddxxy/warp-p2p/ratelimit"
	"github.com/Ruddxxy/warp-p2p/server"
)

const (
	defaultPort = "8080"

	// Admission budget per source address.
	defaultRateLimit  = 5
	defaultRateWindow = time.Minute
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg("no .env file, using process environment")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	var (
		listenAddr = fs.StringP("listen-addr", "a", ":"+port, "listen address")
		logLevel   = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	var origins []string
	if env := os.Getenv("ALLOWED_ORIGINS"); env != "" {
		origins = strings.Split(env, ",")
	}

	limiter := ratelimit.New(defaultRateLimit, defaultRateWindow)
	defer limiter.Stop()

	h := hub.New(hub.Config{Logger: &logger})
	srv := server.New(server.Config{
		Logger:     &logger,
		Hub:        h,
		Limiter:    limiter,
		Origins:    origins,
		ListenAddr: *listenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go srv.Run(ctx, wg, errc)
	go h.Run(ctx)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
		cancel()
		wg.Wait()
		os.Exit(1)
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
