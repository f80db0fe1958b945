package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/chessd/chessbotd/internal/bot"
	"github.com/chessd/chessbotd/internal/cecp"
	"github.com/chessd/chessbotd/internal/config"
	"github.com/chessd/chessbotd/internal/logging"
)

// startStagger spaces out the bots' handshakes so they do not hammer the
// BOSH server at the same instant.
const startStagger = 250 * time.Millisecond

func main() {
	flags := pflag.NewFlagSet("chessbotd", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: chessbotd [options]\n\n")
		flags.PrintDefaults()
	}
	configPath := flags.StringP("config", "c", config.DefaultPath, "bots configuration file")
	server := flags.StringP("server", "s", "", "chess server address (overrides config)")
	port := flags.IntP("port", "p", 0, "BOSH port (overrides config)")
	logFile := flags.StringP("log", "l", "", "log file (overrides config)")
	// pflag has already reported the problem and shown the usage text.
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.Server = *server
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(logging.New(cfg.LogFile)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	if len(cfg.Bots) == 0 {
		return fmt.Errorf("no bots configured")
	}
	slog.Info("chessbotd starting",
		"server", cfg.Server, "port", cfg.Port, "bots", len(cfg.Bots))

	g, gctx := errgroup.WithContext(ctx)
	for i, bc := range cfg.Bots {
		b := bot.New(bc, cfg.Server, cfg.Port, slog.Default())
		delay := time.Duration(i) * startStagger
		g.Go(func() error {
			select {
			case <-time.After(delay):
			case <-gctx.Done():
				return nil
			}
			slog.Info("starting bot", "bot", bc.Username)
			if err := b.Run(gctx); err != nil {
				if fatalBotErr(err) {
					return fmt.Errorf("bot %s: %w", bc.Username, err)
				}
				slog.Error("bot stopped", "bot", bc.Username, "err", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("bot error: %w", err)
	}
	return nil
}

// fatalBotErr reports whether one bot's exit error must stop the whole
// daemon. Only an unusable engine qualifies; any other failure leaves the
// remaining bots playing.
func fatalBotErr(err error) bool {
	return errors.Is(err, cecp.ErrSetboardUnsupported)
}
