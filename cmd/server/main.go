package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hivedesk/hivechat/internal/auth"
	"github.com/hivedesk/hivechat/internal/server"
	"github.com/hivedesk/hivechat/internal/store"
)

// Exit codes to provide meaningful status to the operating system or a
// service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hivechat terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := server.LoadConfig()
	if err != nil {
		return exitConfig, err
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	directory, err := store.OpenDirectory(cfg.SQLitePath)
	if err != nil {
		return exitConfig, err
	}
	defer func() {
		if err := directory.Close(); err != nil {
			log.Error("closing directory failed", "error", err)
		}
	}()

	messages, err := store.OpenMessages(cfg.BadgerPath, log)
	if err != nil {
		return exitConfig, err
	}
	defer func() {
		if err := messages.Close(); err != nil {
			log.Error("closing message store failed", "error", err)
		}
	}()

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)

	hub := server.NewHub(directory, log)
	go hub.Run()
	log.Info("hub started")

	router := server.NewRouter(messages, directory, hub, cfg, log)
	srv := server.NewServer(cfg, hub, router, tokens, directory, messages, log)
	httpServer := server.CreateServer(cfg.Port, srv.Routes())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, log)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("received signal, shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitRuntime, err
		}
	}

	// HTTP first so no new connections arrive, then the hub so existing
	// ones are torn down cleanly.
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log); err != nil {
		log.Error("HTTP shutdown incomplete", "error", err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Error("hub shutdown incomplete", "error", err)
	}

	return exitOK, nil
}

func newLogger(cfg server.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
