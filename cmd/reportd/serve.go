package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/reportd/internal/api"
	"github.com/CZERTAINLY/reportd/internal/log"
	"github.com/CZERTAINLY/reportd/internal/query"
	"github.com/CZERTAINLY/reportd/internal/reports"
	"github.com/CZERTAINLY/reportd/internal/supervisor"
)

// closeTimeout bounds killing of all engines on exit
const closeTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the HTTP API and supervises report engines until interrupted",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("reportd",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	sv, err := supervisor.New(config.Engine)
	if err != nil {
		return err
	}
	defer closeEngines(ctx, sv)

	svc := reports.NewService(sv, query.NewClient(config.Engine.TimeoutDuration()), config.Engine.Namespace)
	srv := api.NewServer(config.Service.Listen, svc, sv)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.InfoContext(ctx, "shutting down", "engines", len(sv.Instances()))
		return nil
	})
	return g.Wait()
}

func closeEngines(ctx context.Context, sv *supervisor.Supervisor) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := sv.Close(ctx); err != nil {
		slog.ErrorContext(ctx, "stopping engines", "error", err)
	}
}
