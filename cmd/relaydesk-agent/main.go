package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/agentworkforce/relaydesk/internal/livesync"
	"github.com/agentworkforce/relaydesk/internal/logging"
	"github.com/agentworkforce/relaydesk/internal/notify"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	BaseURL           string
	Token             string
	Tenant            string
	Instance          string
	Timeout           time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	Sound             bool
	Muted             bool
	Once              bool
	LogLevel          string
}

func run(args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg(".env could not be loaded")
	}
	opts, err := parseOptions(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	logger, ok := logging.New(os.Stderr, opts.LogLevel)
	log.Logger = logger
	if !ok {
		logger.Warn().Str("level", opts.LogLevel).Msg("unknown log level, using info")
	}

	socketURL, err := pushURL(opts.BaseURL, opts.Tenant)
	if err != nil {
		return err
	}
	httpClient := &http.Client{Timeout: opts.Timeout}
	channel, err := livesync.NewWebSocketChannel(livesync.WebSocketOptions{
		URL:               socketURL,
		Token:             opts.Token,
		ReconnectAttempts: opts.ReconnectAttempts,
		ReconnectDelay:    opts.ReconnectDelay,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer channel.Close()

	terminal := notify.NewTerminal(os.Stdout, notify.TerminalOptions{Muted: opts.Muted})
	dispatcher := notify.New(notify.Options{
		Surface:      terminal,
		Visibility:   terminal,
		SoundEnabled: opts.Sound,
		Logger:       logger,
	})
	client, err := livesync.NewClient(livesync.ClientOptions{
		InstanceID: opts.Instance,
		API:        livesync.NewHTTPClient(opts.BaseURL, opts.Tenant, opts.Token, httpClient),
		Channel:    channel,
		Notifier:   dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- client.Run(ctx)
	}()

	c := &console{client: client, terminal: terminal, dispatcher: dispatcher, out: os.Stdout}
	if opts.Once {
		if err := waitConnected(ctx, client, opts.Timeout); err != nil {
			cancel()
			<-runErr
			return err
		}
		c.list()
		cancel()
		return <-runErr
	}

	go func() {
		c.loop(ctx, os.Stdin)
		cancel()
	}()
	return <-runErr
}

func parseOptions(args []string) (options, error) {
	opts := options{
		BaseURL:           envOrDefault("RELAYDESK_BASE_URL", "http://127.0.0.1:8080"),
		Token:             strings.TrimSpace(os.Getenv("RELAYDESK_TOKEN")),
		Tenant:            strings.TrimSpace(os.Getenv("RELAYDESK_TENANT")),
		Instance:          strings.TrimSpace(os.Getenv("RELAYDESK_INSTANCE")),
		Timeout:           durationEnv("RELAYDESK_AGENT_TIMEOUT", 15*time.Second),
		ReconnectAttempts: intEnv("RELAYDESK_RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    durationEnv("RELAYDESK_RECONNECT_DELAY", time.Second),
		Sound:             true,
		LogLevel:          envOrDefault("RELAYDESK_LOG_LEVEL", "warn"),
	}
	flags := pflag.NewFlagSet("relaydesk-agent", pflag.ContinueOnError)
	flags.StringVar(&opts.BaseURL, "base-url", opts.BaseURL, "relaydesk base URL")
	flags.StringVar(&opts.Token, "token", opts.Token, "agent bearer token")
	flags.StringVar(&opts.Tenant, "tenant", opts.Tenant, "tenant ID")
	flags.StringVar(&opts.Instance, "instance", opts.Instance, "messaging instance used for outgoing messages")
	flags.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "per-request timeout")
	flags.IntVar(&opts.ReconnectAttempts, "reconnect-attempts", opts.ReconnectAttempts, "consecutive failed dials before giving up")
	flags.DurationVar(&opts.ReconnectDelay, "reconnect-delay", opts.ReconnectDelay, "delay between dials")
	flags.BoolVar(&opts.Sound, "sound", opts.Sound, "ring the terminal bell on new messages")
	flags.BoolVar(&opts.Muted, "muted", opts.Muted, "never show notifications")
	flags.BoolVar(&opts.Once, "once", false, "connect, print the conversation list and exit")
	flags.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "trace, debug, info, warn or error")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	if opts.Token == "" {
		return options{}, errors.New("token is required (--token or RELAYDESK_TOKEN)")
	}
	if opts.Tenant == "" {
		return options{}, errors.New("tenant is required (--tenant or RELAYDESK_TENANT)")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return opts, nil
}

// pushURL derives the tenant websocket URL from the REST base URL.
func pushURL(baseURL, tenant string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid base url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", errors.New("invalid base url: missing host")
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/tenants/" + url.PathEscape(tenant) + "/ws"
	parsed.RawQuery = ""
	return parsed.String(), nil
}

func waitConnected(ctx context.Context, client *livesync.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !client.Snapshot().Connected {
		select {
		case <-ctx.Done():
			return fmt.Errorf("push channel did not connect: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return client.Flush(ctx)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
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

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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
