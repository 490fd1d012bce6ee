package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/autoreply/wa-autoreply/internal/config"
	"github.com/autoreply/wa-autoreply/internal/handlers"
	"github.com/autoreply/wa-autoreply/internal/logging"
	"github.com/autoreply/wa-autoreply/internal/services"
	"github.com/autoreply/wa-autoreply/internal/store"
	"github.com/autoreply/wa-autoreply/internal/whatsapp"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the panel API and every stored device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides PORT)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	log.Info().Str("db", cfg.DBType).Str("wa_store", cfg.WAStoreDriver).Msg("Starting WhatsApp auto-reply server")

	st, err := store.Open(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}
	defer st.Close()

	auth, err := services.NewAuthService(cfg.JWTSecret, cfg.AdminPasswordHash, cfg.AdminPassword)
	if err != nil {
		return err
	}
	if auth.UsesFallbackSecret() {
		log.Warn().Msg("JWT_SECRET is not set, using the built-in development secret")
	}
	if !auth.Configured() {
		log.Warn().Msg("Neither ADMIN_PASSWORD_HASH nor ADMIN_PASSWORD is set, panel login is disabled")
	}

	deviceService := services.NewDeviceService(st, cfg.AIDefaultModel)
	gemini := services.NewGeminiService(cfg.AIBaseURL, cfg.AIDefaultModel, cfg.AITimeout)
	pipeline := whatsapp.NewPipeline(gemini, whatsapp.PipelineOptions{
		AITimeout:      cfg.AITimeout,
		TypingDelayMin: cfg.TypingDelayMin,
		TypingDelayMax: cfg.TypingDelayMax,
	}, logging.Component(log, "pipeline"))

	dialer, err := whatsapp.NewWhatsmeowDialer(cfg.WAStoreDriver, cfg.WAStoreDSN, cfg.SessionDir, log)
	if err != nil {
		return err
	}
	defer dialer.Close()

	manager := whatsapp.NewManager(dialer, st, deviceService, pipeline, whatsapp.NewPNGQREncoder(), log)
	hub := handlers.NewHub(manager.Snapshot, log)
	manager.SetObserver(hub)
	go hub.Run()

	if err := manager.ReinitializeAll(ctx); err != nil {
		log.Error().Err(err).Msg("Some devices failed to reinitialize")
	}

	router := handlers.NewRouter(handlers.Routes{
		Auth:      handlers.NewAuthHandler(auth, false, log),
		Devices:   handlers.NewDeviceHandler(manager, deviceService, log),
		Hub:       hub,
		Origins:   handlers.NewOriginPolicy(cfg.PanelOrigins...),
		PublicDir: cfg.PublicDir,
		Log:       log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Panel API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case runErr = <-errCh:
		if runErr != nil {
			log.Error().Err(runErr).Msg("HTTP server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown did not complete")
	}
	hub.Stop()
	manager.Shutdown()
	log.Info().Msg("Bye")
	return runErr
}
