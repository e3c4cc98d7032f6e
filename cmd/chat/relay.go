package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/devaloi/chatsync/internal/relay"
)

func newRelayCommand(opts *rootOptions) *cobra.Command {
	var (
		port string
		echo bool
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a local WebSocket relay for development and tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			if port == "" {
				port = cfg.RelayPort
			}

			hub := relay.NewHub(echo, log)
			srv := &http.Server{
				Addr:              ":" + port,
				Handler:           relay.NewMux(hub),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				hub.Run()
				return nil
			})
			g.Go(func() error {
				log.Info("relay starting", "port", port, "echo", echo)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				log.Info("shutting down relay")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				err := srv.Shutdown(shutdownCtx)
				hub.Stop()
				return err
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (default RELAY_PORT or 8080)")
	cmd.Flags().BoolVar(&echo, "echo", false, "also return each frame to its sender")
	return cmd
}
