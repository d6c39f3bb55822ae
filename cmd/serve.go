package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/olamilekan000/readerq/internal/inference"
	"github.com/olamilekan000/readerq/internal/proxy"
	"github.com/olamilekan000/readerq/readerq/ratelimit"
	"github.com/olamilekan000/readerq/readerq/server"
)

func serveCmd() *cobra.Command {
	var (
		addr          string
		inferenceType string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch loops and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			cfg := c.Config()
			if cmd.Flags().Changed("addr") {
				cfg.HTTPAddr = addr
			}

			limiter := ratelimit.New(ratelimit.WithPollInterval(cfg.RateLimitPollInterval))
			proxy.NewWorker(limiter, nil).Register(c)

			if len(cfg.InferenceCommand) > 0 {
				w := inference.NewWorker(inferenceType, inference.CommandLoader(cfg.InferenceCommand), cfg.InferenceIdleTimeout)
				w.Register(c)
				defer func() {
					if err := w.Close(); err != nil {
						log.Warn().Err(err).Msg("error closing model")
					}
				}()
			}

			srv := server.New(c, server.WithAPIRoutes(func(r chi.Router) {
				r.Get("/proxy", proxy.Handler(c, cfg.ProxyWaitTimeout))
			}))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().
				Str("driver", string(cfg.Driver)).
				Strs("types", c.RegisteredTypes()).
				Msg("starting readerq")

			consumeErr := make(chan error, 1)
			go func() {
				consumeErr <- c.Consume(ctx)
			}()
			go limiter.Run(ctx, time.Minute, cfg.RateLimitRetention)

			if err := srv.Run(ctx, cfg.HTTPAddr); err != nil {
				log.Error().Err(err).Msg("http server stopped")
			}
			stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+time.Second)
			defer cancel()
			if err := c.Shutdown(shutdownCtx); err != nil {
				// A handler is still running; exit without waiting for it.
				log.Error().Err(err).Msg("shutdown")
				return err
			}

			return <-consumeErr
		},
	}

	command.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	command.Flags().StringVar(&inferenceType, "inference-type", inference.DefaultJobType, "Job type served by the inference command")

	return command
}
