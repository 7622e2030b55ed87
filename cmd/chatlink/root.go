package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/observer/chatlink/internal/config"
	"github.com/observer/chatlink/internal/messaging"
	"github.com/observer/chatlink/internal/transport"
	"github.com/observer/chatlink/internal/transport/mqtt"
	"github.com/observer/chatlink/internal/transport/wsjson"
)

type rootFlags struct {
	configPath string
	brokerURL  string
	transport  string
	userID     string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:          "chatlink",
		Short:        "Marketplace messaging client",
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config file overlaid on the environment")
	pf.StringVar(&flags.brokerURL, "broker", "", "broker URL (overrides BROKER_HOST/PORT/PATH/TLS)")
	pf.StringVar(&flags.transport, "transport", "", "transport: mqtt or wsjson (overrides BROKER_TRANSPORT)")
	pf.StringVar(&flags.userID, "user", "", "user id whose personal topics are subscribed")

	cmd.AddCommand(
		newConnectCmd(flags),
		newListenCmd(flags),
		newSendCmd(flags),
		newStatusCmd(flags),
		newBrokerCmd(),
	)
	return cmd
}

// session is a configured client plus the signal-aware context it runs in.
type session struct {
	client *messaging.Client
	cfg    *config.Config
	logger *slog.Logger
	ctx    context.Context
	stop   context.CancelFunc
}

func (f *rootFlags) loadConfig() (*config.Config, error) {
	if f.configPath != "" {
		return config.LoadFile(f.configPath)
	}
	return config.Load()
}

func setupLogger(cfg *config.Config) *slog.Logger {
	lvl, err := cfg.Level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func dialerFor(kind string, logger *slog.Logger) (transport.Dialer, error) {
	switch kind {
	case config.TransportMQTT:
		return mqtt.NewDialer(logger), nil
	case config.TransportWSJSON:
		return wsjson.NewDialer(logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// open builds a client from flags and config. The caller must call close.
func (f *rootFlags) open() (*session, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := setupLogger(cfg)

	kind := cfg.BrokerTransport
	if f.transport != "" {
		kind = f.transport
	}
	dialer, err := dialerFor(kind, logger)
	if err != nil {
		return nil, err
	}

	opts := cfg.Options()
	opts.Logger = logger
	if f.brokerURL != "" {
		opts.URL = f.brokerURL
	}

	client, err := messaging.New(dialer, opts)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	ctx, stop := signalContext()
	return &session{client: client, cfg: cfg, logger: logger, ctx: ctx, stop: stop}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func (s *session) connect(userID string) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectWait+time.Second)
	defer cancel()
	if err := s.client.Connect(ctx, userID); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.logger.Info("connected", "client_id", s.client.Status().ClientID, "user_id", userID)
	return nil
}

func (s *session) close() {
	defer s.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		s.logger.Warn("disconnect failed", "error", err)
	}
	_ = s.client.Close()
}
