/*
Package main is the entry point for the relay chat server.

It loads configuration, initializes the global logger, builds the identity store,
conversation log, websocket hub and presence router, serves HTTP and shuts everything
down gracefully on SIGINT or SIGTERM.
*/
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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relaychat/internal/app/chat"
	"relaychat/internal/app/conversation"
	"relaychat/internal/app/identity"
	"relaychat/internal/app/presence"
	"relaychat/internal/configs"
	"relaychat/internal/handler"
	"relaychat/internal/pkg/logx"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "relaychat",
		Short:         "Real-time presence and messaging relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configs.LoadConfig(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.Int("port", 8080, "HTTP listen port")
	flags.String("env", configs.EnvDevelopment, "running environment (development enables console logs and any origin)")
	flags.String("log-level", "", "log level override (debug, info, warn, error)")

	_ = v.BindPFlag(configs.KeyPort, flags.Lookup("port"))
	_ = v.BindPFlag(configs.KeyEnvironment, flags.Lookup("env"))
	_ = v.BindPFlag(configs.KeyLogLevel, flags.Lookup("log-level"))

	return cmd
}

func run(parent context.Context, cfg *configs.AppConfig) error {
	if parent == nil {
		parent = context.Background()
	}

	logx.InitGlobalLogger(cfg.IsDevelopment(), cfg.LogLevel)
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Dur("spam_window", cfg.SpamWindow).
		Int("spam_max_strikes", cfg.SpamMaxStrikes).
		Msg("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := chat.NewHub()
	router := presence.NewRouter(identity.NewStore(), conversation.NewLog(), hub, presence.Options{
		SpamWindow:     cfg.SpamWindow,
		SpamMaxStrikes: cfg.SpamMaxStrikes,
		CommandPrefix:  cfg.CommandPrefix,
	})

	routerCtx, stopRouter := context.WithCancel(context.Background())
	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		router.Run(routerCtx)
	}()

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr: serverAddr,
		Handler: handler.Router(&handler.AppDeps{
			Ctx:    routerCtx,
			Config: cfg,
			Hub:    hub,
			Router: router,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logx.Info(fmt.Sprintf("Relay Chat Server starting on http://localhost%s", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logx.Error(err, "Server failed to start")
			stopRouter()
			<-routerDone
			return err
		}
	case <-ctx.Done():
		logx.Info("Received shutdown signal. Starting graceful shutdown...")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Error(err, "Server forced to shutdown")
	}

	// hijacked websocket connections are not tracked by Shutdown; the hub closes them.
	logx.Info("Closing websocket connections", "open_connections", hub.Len())
	hub.Shutdown()

	stopRouter()
	<-routerDone

	logx.Info("Server gracefully stopped.")
	return nil
}
