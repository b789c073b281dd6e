// arlod bridges the Arlo cloud to local consumers: it logs in (handling the
// MFA prompt on the terminal), maintains the device registry, and exposes the
// devices over a local HTTP API and an optional MQTT bridge for Home
// Assistant.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/trymwestin/arlo/internal/config"
	"github.com/trymwestin/arlo/internal/core/arlo"
	"github.com/trymwestin/arlo/internal/core/auth"
	"github.com/trymwestin/arlo/internal/core/state"
	"github.com/trymwestin/arlo/internal/httpapi"
	"github.com/trymwestin/arlo/internal/mqtt"
)

var version = "dev" // set at build time via ldflags

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := os.Getenv("ARLOD_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Log)
	log.Info("starting arlod", "version", version)

	store := auth.NewStore(cfg.Session.Path)
	if err := store.Load(); err != nil {
		log.Warn("could not restore session", "error", err)
	}

	authClient := auth.NewClient(cfg.Arlo.AuthBase, cfg.Arlo.APIBase, store, stdinCodeProvider{}, log)

	if sess := store.Session(); sess.Valid() {
		log.Info("restored session", "user_id", sess.UserID)
	} else {
		creds := auth.Credentials{
			Email:         cfg.Arlo.Email,
			Password:      cfg.Arlo.Password,
			TwoFactorType: auth.TwoFactorType(cfg.Arlo.TwoFactorType),
		}
		sess, err := authClient.Login(ctx, creds)
		if err != nil {
			return err
		}
		log.Info("logged in", "user_id", sess.UserID, "mfa", sess.MFA)
	}

	bus := state.NewEventBus(log)
	registry := state.NewDeviceRegistry(bus, log)

	client := arlo.NewClient(arlo.Config{
		APIBase:        cfg.Arlo.APIBase,
		CommandTimeout: time.Duration(cfg.Arlo.CommandTimeout) * time.Second,
		PingInterval:   time.Duration(cfg.Arlo.PingInterval) * time.Second,
	}, authClient, bus, registry, log)

	provisioned := true
	devices, err := client.FetchDevices(ctx, &arlo.DeviceFilter{Provisioned: &provisioned})
	if err != nil {
		return fmt.Errorf("fetch devices: %w", err)
	}
	log.Info("devices discovered", "count", len(devices))

	var publisher mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewHAPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
		}, client, registry, bus, log)
	} else {
		publisher = mqtt.NewStubPublisher(log)
	}
	if err := publisher.Start(ctx); err != nil {
		return fmt.Errorf("start mqtt publisher: %w", err)
	}

	api := httpapi.NewServer(client, client, bus, cfg.HTTP.CORSAll, log)
	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http api listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	if err := publisher.Stop(shutdownCtx); err != nil {
		log.Error("mqtt shutdown failed", "error", err)
	}
	client.CloseStreams()

	log.Info("arlod stopped")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// stdinCodeProvider prompts the operator for the MFA one-time code on the
// terminal. The login flow blocks until the code is entered.
type stdinCodeProvider struct{}

func (stdinCodeProvider) Code(_ context.Context) (string, error) {
	fmt.Print("Enter the MFA code sent to you: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read mfa code: %w", err)
	}
	return strings.TrimSpace(line), nil
}
