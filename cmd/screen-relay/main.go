package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/screenlive/relay/pkg/relay/config"
	"github.com/screenlive/relay/pkg/relay/gemini"
	relayserver "github.com/screenlive/relay/pkg/relay/server"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newServer    func(config.Config, *slog.Logger) (*relayserver.Server, error)
	verifyModel  func(context.Context, string, string) (string, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig:  config.LoadFromEnv,
		newServer:   relayserver.New,
		verifyModel: gemini.Verify,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
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
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runCheck(ctx context.Context, stderr io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil || deps.verifyModel == nil {
		return errors.New("missing check dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, stderr)

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	reply, err := deps.verifyModel(checkCtx, cfg.APIKey, cfg.Model)
	if err != nil {
		return fmt.Errorf("verify %s: %w", cfg.QualifiedModel(), err)
	}

	logger.Info("model reachable", "model", cfg.QualifiedModel(), "reply", reply)
	return nil
}

func runRelay(ctx context.Context, stderr io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newServer == nil {
		return errors.New("missing newServer dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, stderr)

	srv, err := deps.newServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting relay",
		"addr", cfg.Addr(),
		"model", cfg.Model,
		"upstream", cfg.UpstreamHost,
		"degraded", cfg.APIKey == "")

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	srv.Lifecycle().SetDraining(true)
	if notified := srv.Sessions().NotifyAll("server is shutting down"); notified > 0 {
		logger.Info("notified active sessions", "count", notified)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !srv.Sessions().Wait(waitCtx) {
		if canceled := srv.Sessions().CancelAll(); canceled > 0 {
			logger.Warn("canceled lingering sessions", "count", canceled)
		}
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	fs := flag.NewFlagSet("screen-relay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	check := fs.Bool("check", false, "verify the configured model is reachable, then exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_ = godotenv.Load()

	run := runRelay
	if *check {
		run = runCheck
	}
	if err := run(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "screen-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultRelayDeps()))
}
