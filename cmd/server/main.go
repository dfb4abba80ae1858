package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Tyrowin/collabhub/internal/auth"
	"github.com/Tyrowin/collabhub/internal/logger"
	"github.com/Tyrowin/collabhub/internal/metrics"
	"github.com/Tyrowin/collabhub/internal/realtime"
	"github.com/Tyrowin/collabhub/internal/relay"
	"github.com/Tyrowin/collabhub/internal/server"
	"github.com/Tyrowin/collabhub/internal/store"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := server.LoadConfig("")
	if err != nil {
		logger.New("info", "console").Fatal("load configuration", zap.Error(err))
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = log.Sync() }()
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		log.Warn("load .env", zap.Error(envErr))
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *server.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	// Without a database there is no directory to check tokens against.
	var users auth.UserLookup
	if cfg.DatabaseURL != "" {
		users = db
	}
	verifier, err := auth.NewVerifier(auth.Options{Secret: []byte(cfg.Auth.Secret), Alg: cfg.Auth.Algorithm}, users)
	if err != nil {
		return err
	}

	rl, err := relay.New(ctx, cfg.Relay.URL, log)
	if err != nil {
		log.Error("relay unavailable, delivering locally only", zap.Error(err))
	}
	if rl != nil {
		defer func() { _ = rl.Close() }()
	}

	collectors := metrics.New()
	hub, err := realtime.NewHub(cfg.HubConfig(), realtime.Deps{
		Verifier: verifier,
		Messages: db,
		Users:    db,
		Relay:    rl,
		Metrics:  collectors,
		Logger:   log.Named("realtime"),
	})
	if err != nil {
		return err
	}
	go func() {
		if err := hub.StartRelay(ctx); err != nil {
			log.Error("relay subscription ended", zap.Error(err))
		}
	}()

	srv, err := server.New(cfg, server.Deps{
		Hub:      hub,
		Store:    db,
		Verifier: verifier,
		Metrics:  collectors,
		Logger:   log.Named("http"),
	})
	if err != nil {
		return err
	}
	httpServer := server.CreateServer(cfg.Port, srv.Routes())

	errCh := make(chan error, 1)
	go func() { errCh <- server.StartServer(httpServer, log) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warn("sessions did not finish in time", zap.Error(err))
	}
	return server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log)
}

func openStore(ctx context.Context, cfg *server.Config, log *zap.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using the in-memory store")
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, log.Named("store"))
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
