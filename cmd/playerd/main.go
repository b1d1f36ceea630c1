// Command playerd serves the frame protocol over TCP with a few demo handlers,
// and can ping a running server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/player"
)

// Demo message types.
const (
	msgEcho    uint16 = 1
	msgReverse uint16 = 2
	msgReject  uint16 = 3
)

var (
	cfgFile    string
	listenAddr string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "playerd",
	Short:         "Framed TCP protocol server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept connections and dispatch frames to the demo handlers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.Listen = listenAddr
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := cfg.validate(); err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping [addr] [text]",
	Short: "Send an echo request and print the reply",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := "ping"
		if len(args) == 2 {
			text = args[1]
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		client, err := player.Dial(ctx, args[0])
		if err != nil {
			return err
		}
		defer client.Close()

		start := time.Now()
		_, reply, err := client.Call(ctx, msgEcho, []byte(text))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", reply, time.Since(start))

		echoed, err := client.Shutdown(ctx, player.StatusEndOfStream, "bye")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "shutdown acknowledged: %s\n", echoed.Status)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a TOML config file")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	rootCmd.AddCommand(serveCmd, pingCmd)
}

func serve(ctx context.Context, cfg Config) error {
	lvl, err := cfg.level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	registry := player.NewDepository(
		player.MaxRequestLengthOption(cfg.MaxRequestLength),
		player.KeepAliveTimeoutOption(cfg.KeepAlive),
	)
	if err := registerHandlers(registry, player.Namespace(cfg.Namespace)); err != nil {
		return err
	}

	pool := player.NewPool(player.WorkersOption(cfg.Workers), player.PoolLoggerOption(logger))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := pool.Close(closeCtx); err != nil {
			logger.Warn("worker pool did not drain", "error", err)
		}
	}()

	addr, err := net.ResolveTCPAddr("tcp", cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", cfg.Listen)
	}
	server, err := player.New(addr,
		player.ServerLoggerOption(logger),
		player.ServerShutdownTimeoutOption(cfg.ShutdownTimeout),
	)
	if err != nil {
		return err
	}

	handler := &player.SessionHandler{
		Namespace:   player.Namespace(cfg.Namespace),
		Registry:    registry,
		Executor:    pool,
		Ordered:     cfg.Ordered,
		ConnOptions: []player.Option{player.IdleTimeoutOption(cfg.IdleTimeout)},
		Logger:      logger,
	}

	err = server.Serve(ctx, handler)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func registerHandlers(registry *player.Depository, ns player.Namespace) error {
	handlers := map[uint16]player.Handler{
		msgEcho: func(s *player.Session, payload []byte) error {
			_, err := s.Send(msgEcho, payload, false)
			return err
		},
		msgReverse: func(s *player.Session, payload []byte) error {
			out := make([]byte, len(payload))
			for i, b := range payload {
				out[len(payload)-1-i] = b
			}
			_, err := s.Send(msgReverse, out, false)
			return err
		},
		msgReject: func(s *player.Session, payload []byte) error {
			return player.NewProtocolError(player.StatusForbidden, "rejected by policy")
		},
	}
	for typ, h := range handlers {
		if err := registry.Register(ns, typ, h); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
