package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/observer/chatlink/internal/brokertest"
	"github.com/observer/chatlink/internal/eventbus"
	"github.com/observer/chatlink/internal/messaging"
	"github.com/observer/chatlink/internal/pubsub"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newConnectCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect, restore subscriptions and report the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := flags.open()
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.connect(flags.userID); err != nil {
				return err
			}
			// give restoration a chance to finish before reporting
			select {
			case <-time.After(s.cfg.SettleDelay + 500*time.Millisecond):
			case <-s.ctx.Done():
			}
			return printJSON(cmd.OutOrStdout(), s.client.Status())
		},
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the client status snapshot, connecting first unless --offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			offline, _ := cmd.Flags().GetBool("offline")

			s, err := flags.open()
			if err != nil {
				return err
			}
			defer s.close()

			if !offline {
				if err := s.connect(flags.userID); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), s.client.Status())
		},
	}
	cmd.Flags().Bool("offline", false, "report without connecting")
	return cmd
}

// eventLine is the listen command's output record.
type eventLine struct {
	Event string `json:"event"`
	At    string `json:"at"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func newListenCmd(flags *rootFlags) *cobra.Command {
	var conversationID string
	var topics []string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print client events as JSON lines until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := flags.open()
			if err != nil {
				return err
			}
			defer s.close()

			out := json.NewEncoder(cmd.OutOrStdout())
			for _, name := range eventbus.Names {
				s.client.Events().Add(name, func(ev eventbus.Event) {
					line := eventLine{Event: string(ev.EventName()), At: time.Now().UTC().Format(time.RFC3339Nano)}
					switch e := ev.(type) {
					case eventbus.Error:
						line.Error = e.Err.Error()
					case eventbus.SubscriptionError:
						line.Data = map[string]string{"topic": e.Topic}
						line.Error = e.Err.Error()
					case eventbus.NewMessage:
						line.Data = e.Envelope
					case eventbus.MessagesRead:
						line.Data = e.Envelope
					case eventbus.MessageDeleted:
						line.Data = e.Envelope
					case eventbus.MessageSent:
						line.Data = e.Envelope
					case eventbus.UnknownMessage:
						line.Data = e.Envelope.Raw
					default:
						line.Data = e
					}
					if err := out.Encode(line); err != nil {
						s.logger.Warn("failed to write event", "error", err)
					}
				})
			}

			if err := s.connect(flags.userID); err != nil {
				return err
			}
			if conversationID != "" {
				s.client.SubscribeToConversation(conversationID)
			}
			for _, t := range topics {
				s.client.Subscribe(t)
			}

			<-s.ctx.Done()
			s.logger.Info("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation to follow")
	cmd.Flags().StringSliceVar(&topics, "topic", nil, "extra topics to subscribe to")
	return cmd
}

func newSendCmd(flags *rootFlags) *cobra.Command {
	var msg messaging.OutgoingMessage
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a text message to a conversation or product",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := flags.open()
			if err != nil {
				return err
			}
			defer s.close()

			sent := make(chan *eventbus.MessageSent, 1)
			eventbus.On(s.client.Events(), func(ev eventbus.MessageSent) {
				select {
				case sent <- &ev:
				default:
				}
			})

			if err := s.connect(flags.userID); err != nil {
				return err
			}
			if err := s.client.SendMessage(msg); err != nil {
				return fmt.Errorf("send: %w", err)
			}

			// the message is queued until subscriptions are restored
			ctx, cancel := context.WithTimeout(s.ctx, wait)
			defer cancel()
			select {
			case ev := <-sent:
				return printJSON(cmd.OutOrStdout(), ev.Envelope.Message)
			case <-ctx.Done():
				if q := s.client.Status().QueuedMessages; q > 0 {
					return fmt.Errorf("message still queued after %s", wait)
				}
				s.logger.Info("message published, no confirmation received")
				return nil
			}
		},
	}

	f := cmd.Flags()
	f.StringVar(&msg.ConversationID, "conversation", "", "conversation id")
	f.StringVar(&msg.ProductID, "product", "", "product id (starts a conversation when no conversation is given)")
	f.StringVar(&msg.Text, "text", "", "message text")
	f.StringVar(&msg.ReplyTo, "reply-to", "", "message id being replied to")
	f.DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the server confirmation")
	return cmd
}

func newBrokerCmd() *cobra.Command {
	var addr, redisURL string

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run a local wsjson broker for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := (&rootFlags{}).loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg)

			ctx, stop := signalContext()
			defer stop()

			var ps pubsub.PubSub
			if redisURL != "" {
				rps, err := pubsub.NewRedisPubSub(ctx, redisURL, logger)
				if err != nil {
					return err
				}
				ps = rps
			}
			b := brokertest.New(ps, logger)
			defer b.Close()

			srv := &http.Server{Addr: addr, Handler: b, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				logger.Info("starting broker", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("broker error", "error", err)
					stop()
				}
			}()

			<-ctx.Done()
			logger.Info("shutting down gracefully...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("forced shutdown", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8083", "listen address")
	cmd.Flags().StringVar(&redisURL, "redis", "", "redis URL for multi-instance fan-out (memory when empty)")
	return cmd
}
