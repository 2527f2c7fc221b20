package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/quorum/pkg/api"
)

const version = "0.1.0"

func newServeCmd() *cobra.Command {
	var roster string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the re-run trigger, decision queries and /metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			ctrl, err := a.controller(ctx, roster)
			if err != nil {
				return err
			}

			gin.SetMode(gin.ReleaseMode)
			srv := &http.Server{
				Addr: ":" + a.cfg.Port,
				Handler: api.NewServer(api.Deps{
					Executor: ctrl,
					Records:  a.records,
					Metrics:  a.metrics,
					Token:    a.cfg.APIToken,
				}).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				slog.Info("quorum listening", "addr", srv.Addr, "version", version)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			slog.Info("shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&roster, "roster", "", "Evaluator roster YAML (default $ROSTER_PATH)")
	return cmd
}
