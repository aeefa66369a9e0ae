package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"huddle/internal/api"
	"huddle/internal/auth"
	"huddle/internal/config"
	"huddle/internal/fallback"
	huddlehttp "huddle/internal/http"
	"huddle/internal/metrics"
	"huddle/internal/presence"
	"huddle/internal/router"
	"huddle/internal/session"
	"huddle/internal/store"
	"huddle/internal/unread"
	"huddle/internal/ws"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, devTokenUser string) error {
	cfg, err := config.Load(false)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	authService, err := auth.NewService(ctx, auth.Config{
		Secret:      cfg.AuthSecret,
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	if devTokenUser != "" {
		token, err := authService.IssueToken(devTokenUser)
		if err != nil {
			return err
		}
		fmt.Printf("token for %s: %s\n", devTokenUser, token)
	}

	bbStore, err := store.NewBboltStore(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStore.Close() }()

	st := store.NewRetryingStore(bbStore, 3, log)

	m := metrics.New(prometheus.DefaultRegisterer)
	unreadCounter := unread.NewCounter(st, log)
	deliveryRouter := router.New(unreadCounter, st, m, log)
	presenceRegistry := presence.NewRegistry(cfg.TypingTTL)

	mgr := session.NewManager(deliveryRouter, presenceRegistry, unreadCounter, st, m, session.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		OutboundBuffer:   cfg.OutboundBuffer,
		TypingRPS:        cfg.TypingRPS,
		TypingBurst:      cfg.TypingBurst,
	}, log)

	coordinator := fallback.NewCoordinator(mgr, cfg.GraceWindow, cfg.PromotionBase, cfg.PromotionCap, log)
	mgr.SetFallback(coordinator)
	deliveryRouter.SetDemoter(coordinator)

	wsServer := ws.NewServer(authService, mgr, log)
	apiHandlers := api.New(authService, mgr, st, unreadCounter,
		store.URLResolver{BaseURL: cfg.AttachmentBaseURL}, log)
	apiServer := huddlehttp.NewAPIServer(apiHandlers, wsServer, cfg.APIAddr, log)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return apiServer.Start()
	})

	g.Go(func() error {
		presenceRegistry.Run(gCtx, cfg.SweepInterval, deliveryRouter)
		return nil
	})

	g.Go(func() error {
		mgr.Run(gCtx)
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	devToken := flag.String("dev-token", "", "User ID to issue a startup token for (printed to stdout)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *devToken); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
