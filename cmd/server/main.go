// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wedja10/SAE-S4-sub000/internal/cache"
	"github.com/Wedja10/SAE-S4-sub000/internal/config"
	"github.com/Wedja10/SAE-S4-sub000/internal/database"
	"github.com/Wedja10/SAE-S4-sub000/internal/handlers"
	"github.com/Wedja10/SAE-S4-sub000/internal/lobby"
	"github.com/Wedja10/SAE-S4-sub000/internal/registry"
	"github.com/Wedja10/SAE-S4-sub000/internal/router"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Default()
	cobra.CheckErr(newCmd(&cfg).Execute())
}

func newCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "wikirace-lobby",
		Short:         "Real-time lobby server for wiki race games.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ApplyEnv(cmd.Flags()); err != nil {
				return err
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cfg.RegisterFlags(cmd.Flags())
	cmd.CompletionOptions.HiddenDefaultCmd = true
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var moderation lobby.Moderation = lobby.NewMemoryModeration()
	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		moderation = cache.NewRedisModeration(rdb, "wiki", cache.DefaultTTL)
		logger.WithField("addr", cfg.RedisAddr).Info("Moderation records kept in Redis")
	}

	var players handlers.PlayerDirectory = handlers.NewMemoryPlayers()
	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		repo := database.NewPlayerRepo(pool)
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		players = repo
		logger.Info("Player identities kept in Postgres")
	}

	store := lobby.NewStore(moderation, logger)
	reg := registry.New(registry.Config{
		SendBuffer:   cfg.SendBuffer,
		WriteTimeout: cfg.WriteTimeout,
		RateLimit:    cfg.RateLimit,
		RateBurst:    cfg.RateBurst,
	}, logger)
	rt := router.New(store, reg, logger, router.Config{
		CoalesceWindow: cfg.CoalesceWindow,
		ChatHistory:    cfg.ChatHistory,
	})

	api := &handlers.APIServer{
		Store:          store,
		Registry:       reg,
		Router:         rt,
		Players:        players,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		PublicURL:      cfg.PublicURL,
	}
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper := &registry.Sweeper{
		Registry:          reg,
		Interval:          cfg.SweepInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Timeout:           cfg.HeartbeatTimeout,
		Logger:            logger,
		OnTick: func(ctx context.Context) {
			if closed := store.CloseIdle(ctx, cfg.SessionTimeout); len(closed) > 0 {
				logger.WithField("sessions", closed).Info("Closed idle sessions")
			}
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", srv.Addr).Info("Lobby server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		closed := reg.CloseAll(registry.ReasonShutdown)
		logger.WithField("connections", closed).Info("Closed websocket connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
