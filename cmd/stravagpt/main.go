// Command stravagpt runs the Strava OAuth bridge: it connects a ChatGPT
// action to Strava's authorization-code flow and keeps the provider tokens
// fresh behind application bearer tokens.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/benamails/stravagptfaby/pkg/apptoken"
	"github.com/benamails/stravagptfaby/pkg/config"
	"github.com/benamails/stravagptfaby/pkg/logger"
	"github.com/benamails/stravagptfaby/pkg/oauthflow"
	"github.com/benamails/stravagptfaby/pkg/server"
	"github.com/benamails/stravagptfaby/pkg/store"
	"github.com/benamails/stravagptfaby/pkg/strava"
	"github.com/benamails/stravagptfaby/pkg/tokens"

	"github.com/appleboy/graceful"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.NewWithLevel(cfg.LogLevel)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	kv, err := store.NewStoreFromType(cfg.StoreType, store.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		slog.Error("failed to create store", "type", cfg.StoreType, "error", err)
		os.Exit(1)
	}
	switch s := kv.(type) {
	case *store.RedisStore:
		slog.Info("using redis store", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
		defer s.Close()
	default:
		slog.Info("using in-memory store")
	}

	stravaClient := strava.NewClient(strava.ClientConfig{
		ClientID:     cfg.StravaClientID,
		ClientSecret: cfg.StravaClientSecret,
		RedirectURI:  cfg.RedirectURI(),
		Scope:        cfg.StravaScope,
	})

	srv := server.New(
		cfg,
		kv,
		stravaClient,
		oauthflow.NewStateManager(kv),
		oauthflow.NewCodeBroker(kv),
		tokens.NewManager(kv, stravaClient, time.Duration(cfg.TokenTTLSeconds)*time.Second),
		apptoken.NewIssuer(cfg.JWTSecret),
	)

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	m := graceful.NewManager()
	m.AddRunningJob(func(ctx context.Context) error {
		slog.Info("http server listening", "addr", cfg.Addr, "redirect_uri", cfg.RedirectURI())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	m.AddShutdownJob(func() error {
		slog.Info("shutdown signal received, shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	})

	<-m.Done()
	slog.Info("server shutdown gracefully")
}
