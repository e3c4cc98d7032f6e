package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/devaloi/chatsync/internal/config"
	"github.com/devaloi/chatsync/internal/engine"
	"github.com/devaloi/chatsync/internal/store"
	"github.com/devaloi/chatsync/internal/transport"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	URL        string
	DBPath     string
	SenderID   string
	LogLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "chat",
		Short:         "Real-time chat client with a local message cache",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.URL, "url", "", "chat server WebSocket URL")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "message cache database path")
	cmd.PersistentFlags().StringVar(&opts.SenderID, "sender", "", "local sender identity")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newRelayCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newCacheCommand(opts))

	return cmd
}

// load resolves configuration: defaults and env, then the config file,
// then explicit flags.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := o.resolve()
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// loadCache resolves configuration for commands that never dial.
func (o *rootOptions) loadCache() (config.Config, error) {
	cfg, err := o.resolve()
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.ValidateCache()
}

func (o *rootOptions) resolve() (config.Config, error) {
	cfg := config.Load()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadFile(o.ConfigPath); err != nil {
			return cfg, err
		}
	}
	if o.URL != "" {
		cfg.URL = o.URL
	}
	if o.DBPath != "" {
		cfg.DBPath = o.DBPath
	}
	if o.SenderID != "" {
		cfg.SenderID = o.SenderID
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
}

func newTransport(cfg config.Config, log *slog.Logger) *transport.WebSocket {
	return transport.NewWebSocket(transport.Config{
		URL:            cfg.URL,
		SenderID:       cfg.SenderID,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
	}, transport.WithLogger(log))
}

// openEngine builds an engine over the configured cache. The caller must
// shut the engine down and close the store.
func openEngine(cfg config.Config, log *slog.Logger) (*engine.Engine, *store.SQLiteStore, error) {
	s, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache: %w", err)
	}
	eng := engine.New(newTransport(cfg, log), s,
		engine.WithLogger(log),
		engine.WithCapacity(cfg.CacheCapacity),
	)
	return eng, s, nil
}
