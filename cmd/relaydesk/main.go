package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/agentworkforce/relaydesk/internal/httpapi"
	"github.com/agentworkforce/relaydesk/internal/logging"
	"github.com/agentworkforce/relaydesk/internal/realtime"
	"github.com/agentworkforce/relaydesk/internal/relaydesk"
)

const defaultSessionTimeoutMinutes = 30

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type config struct {
	Addr              string
	BackendDSN        string
	InboundQueueDSN   string
	InboundQueueSize  int
	InboundWorkers    int
	SessionTimeout    time.Duration
	InitialState      string
	FlowFile          string
	SweepInterval     time.Duration
	JWTSecret         string
	InboundHMACSecret string
	InboundMaxSkew    time.Duration
	RateLimitMax      int
	RateLimitWindow   time.Duration
	MaxBodyBytes      int64
	AllowedOrigins    []string
	LogLevel          string
}

func run(args []string, stdout io.Writer) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg(".env could not be loaded")
	}
	if len(args) > 0 && args[0] == "token" {
		return runToken(args[1:], stdout)
	}

	cfg, err := loadConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	logger, ok := logging.New(os.Stdout, cfg.LogLevel)
	log.Logger = logger
	if !ok {
		logger.Warn().Str("level", cfg.LogLevel).Msg("unknown RELAYDESK_LOG_LEVEL, using info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.close()
	return a.serve(ctx)
}

// loadConfig reads the environment first and lets flags override it.
func loadConfig(args []string) (config, error) {
	cfg := config{
		Addr:              stringEnv("RELAYDESK_ADDR", ":8080"),
		BackendDSN:        strings.TrimSpace(os.Getenv("RELAYDESK_BACKEND_DSN")),
		InboundQueueDSN:   strings.TrimSpace(os.Getenv("RELAYDESK_INBOUND_QUEUE_DSN")),
		InboundQueueSize:  intEnv("RELAYDESK_INBOUND_QUEUE_SIZE", 0),
		InboundWorkers:    intEnv("RELAYDESK_INBOUND_WORKERS", 0),
		SessionTimeout:    sessionTimeoutEnv("RELAYDESK_SESSION_TIMEOUT_MINUTES"),
		InitialState:      stringEnv("RELAYDESK_INITIAL_STATE", string(relaydesk.StateWelcome)),
		FlowFile:          strings.TrimSpace(os.Getenv("RELAYDESK_FLOW_FILE")),
		SweepInterval:     durationEnv("RELAYDESK_SWEEP_INTERVAL", 0),
		JWTSecret:         os.Getenv("RELAYDESK_JWT_SECRET"),
		InboundHMACSecret: os.Getenv("RELAYDESK_INBOUND_HMAC_SECRET"),
		InboundMaxSkew:    durationEnv("RELAYDESK_INBOUND_MAX_SKEW", 5*time.Minute),
		RateLimitMax:      intEnv("RELAYDESK_RATE_LIMIT_MAX", 0),
		RateLimitWindow:   durationEnv("RELAYDESK_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:      int64Env("RELAYDESK_MAX_BODY_BYTES", 0),
		AllowedOrigins:    listEnv("RELAYDESK_ALLOWED_ORIGINS"),
		LogLevel:          os.Getenv("RELAYDESK_LOG_LEVEL"),
	}

	flags := pflag.NewFlagSet("relaydesk", pflag.ContinueOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flags.StringVar(&cfg.BackendDSN, "backend-dsn", cfg.BackendDSN, "user and session storage (memory://, file://, postgres://, redis://)")
	flags.StringVar(&cfg.InboundQueueDSN, "inbound-queue-dsn", cfg.InboundQueueDSN, "inbound message queue (memory://, file://, postgres://, redis://)")
	flags.IntVar(&cfg.InboundQueueSize, "inbound-queue-size", cfg.InboundQueueSize, "inbound queue capacity")
	flags.IntVar(&cfg.InboundWorkers, "inbound-workers", cfg.InboundWorkers, "inbound pipeline workers")
	flags.DurationVar(&cfg.SessionTimeout, "session-timeout", cfg.SessionTimeout, "idle period after which a dialogue restarts")
	flags.StringVar(&cfg.InitialState, "initial-state", cfg.InitialState, "initial state of the built-in flow")
	flags.StringVar(&cfg.FlowFile, "flow-file", cfg.FlowFile, "YAML or JSON flow definition, reloaded on change")
	flags.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "idle session sweep interval, 0 disables")
	flags.StringSliceVar(&cfg.AllowedOrigins, "allowed-origin", cfg.AllowedOrigins, "websocket origin pattern, repeatable")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace, debug, info, warn or error")
	if err := flags.Parse(args); err != nil {
		return config{}, err
	}
	if cfg.SessionTimeout <= 0 {
		return config{}, fmt.Errorf("session timeout must be positive, got %s", cfg.SessionTimeout)
	}
	return cfg, nil
}

type app struct {
	logger   zerolog.Logger
	addr     string
	backend  relaydesk.Backend
	pipeline *relaydesk.Pipeline
	sweeper  *relaydesk.Sweeper
	watcher  *relaydesk.FlowWatcher
	handler  http.Handler
}

func buildApp(cfg config, logger zerolog.Logger) (*app, error) {
	backend, err := relaydesk.BuildBackendFromDSN(cfg.BackendDSN)
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	queue, err := relaydesk.BuildInboundQueueFromDSN(cfg.InboundQueueDSN, cfg.InboundQueueSize)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("inbound queue: %w", err)
	}
	fail := func(err error) (*app, error) {
		_ = queue.Close()
		_ = backend.Close()
		return nil, err
	}

	var (
		flows   relaydesk.FlowSource
		watcher *relaydesk.FlowWatcher
	)
	if cfg.FlowFile != "" {
		watcher, err = relaydesk.NewFlowWatcher(cfg.FlowFile, logger)
		if err != nil {
			return fail(fmt.Errorf("flow file: %w", err))
		}
		flows = watcher
	} else {
		flow, err := relaydesk.DefaultFlow(relaydesk.State(cfg.InitialState))
		if err != nil {
			return fail(fmt.Errorf("default flow: %w", err))
		}
		flows = relaydesk.StaticFlow(flow)
	}

	sessions, err := relaydesk.NewSessionManager(relaydesk.SessionOptions{
		Backend: backend,
		Flows:   flows,
		Timeout: cfg.SessionTimeout,
		Logger:  logger,
	})
	if err != nil {
		return fail(err)
	}
	inbox := relaydesk.NewInbox(nil)
	hub := realtime.NewHub(realtime.HubOptions{Logger: logger, OriginPatterns: cfg.AllowedOrigins})
	hub.SetHandler(realtime.NewInboxHandler(inbox, hub, logger))

	pipeline, err := relaydesk.NewPipeline(relaydesk.PipelineOptions{
		Queue:     queue,
		Sessions:  sessions,
		Inbox:     inbox,
		Publisher: hub,
		Workers:   cfg.InboundWorkers,
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}
	server, err := httpapi.NewServerWithConfig(httpapi.Services{
		Sessions: sessions,
		Pipeline: pipeline,
		Inbox:    inbox,
		Hub:      hub,
		Logger:   logger,
	}, httpapi.ServerConfig{
		JWTSecret:         cfg.JWTSecret,
		InboundHMACSecret: cfg.InboundHMACSecret,
		InboundMaxSkew:    cfg.InboundMaxSkew,
		RateLimitMax:      cfg.RateLimitMax,
		RateLimitWindow:   cfg.RateLimitWindow,
		MaxBodyBytes:      cfg.MaxBodyBytes,
	})
	if err != nil {
		return fail(err)
	}
	if cfg.JWTSecret == "" || cfg.InboundHMACSecret == "" {
		logger.Warn().Msg("RELAYDESK_JWT_SECRET or RELAYDESK_INBOUND_HMAC_SECRET unset, using development secrets")
	}
	return &app{
		logger:   logger,
		addr:     cfg.Addr,
		backend:  backend,
		pipeline: pipeline,
		sweeper:  relaydesk.NewSweeper(sessions, cfg.SweepInterval, logger),
		watcher:  watcher,
		handler:  server,
	}, nil
}

// serve runs the HTTP server and the background workers until ctx is done
// or the listener fails.
func (a *app) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.pipeline.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.sweeper.Run(ctx)
	}()
	if a.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.watcher.Run(ctx); err != nil {
				a.logger.Error().Err(err).Msg("flow watcher stopped")
			}
		}()
	}

	server := &http.Server{Addr: a.addr, Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	a.logger.Info().Str("addr", a.addr).Msg("relaydesk listening")

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("http shutdown")
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server failed: %w", err)
		}
	}
	cancel()
	wg.Wait()
	a.logger.Info().Msg("relaydesk stopped")
	return serveErr
}

func (a *app) close() {
	if err := a.pipeline.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close inbound queue")
	}
	if err := a.backend.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close backend")
	}
}

// runToken prints a signed agent token for local use.
func runToken(args []string, stdout io.Writer) error {
	var (
		tenant string
		agent  string
		scopes []string
		ttl    time.Duration
	)
	flags := pflag.NewFlagSet("relaydesk token", pflag.ContinueOnError)
	flags.StringVar(&tenant, "tenant", os.Getenv("RELAYDESK_TENANT"), "tenant id")
	flags.StringVar(&agent, "agent", "", "agent display name")
	flags.StringSliceVar(&scopes, "scopes", []string{
		httpapi.ScopeInboxRead, httpapi.ScopeInboxWrite, httpapi.ScopeSessionsRead,
	}, "granted scopes")
	flags.DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if strings.TrimSpace(tenant) == "" || strings.TrimSpace(agent) == "" {
		return errors.New("--tenant and --agent are required")
	}
	secret := os.Getenv("RELAYDESK_JWT_SECRET")
	if secret == "" {
		secret = "dev-secret"
	}
	token, err := httpapi.IssueToken(secret, tenant, agent, scopes, ttl, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func stringEnv(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer, using fallback")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer, using fallback")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration, using fallback")
		return fallback
	}
	return value
}

// sessionTimeoutEnv reads whole minutes. Zero, negative and malformed values
// fall back to the default.
func sessionTimeoutEnv(name string) time.Duration {
	minutes := intEnv(name, defaultSessionTimeoutMinutes)
	if minutes <= 0 {
		log.Warn().Str("name", name).Int("value", minutes).Int("fallback", defaultSessionTimeoutMinutes).Msg("session timeout must be positive, using fallback")
		minutes = defaultSessionTimeoutMinutes
	}
	return time.Duration(minutes) * time.Minute
}

func listEnv(name string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(name), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
