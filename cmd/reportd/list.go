package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/reportd/internal/engine"
	"github.com/CZERTAINLY/reportd/internal/log"
	"github.com/CZERTAINLY/reportd/internal/netscan"
	"github.com/CZERTAINLY/reportd/internal/query"
	"github.com/CZERTAINLY/reportd/internal/reports"
	"github.com/CZERTAINLY/reportd/internal/supervisor"
)

var (
	flagDir  string        // value of --dir flag
	flagLang string        // value of --lang flag
	flagWait time.Duration // value of --wait flag
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "models prints report models of a project as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return doList(cmd, "models", func(ctx context.Context, svc *reports.Service) (any, error) {
			return svc.ListModels(ctx, flagDir, flagLang)
		})
	},
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "templates prints report templates of a project as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return doList(cmd, "templates", func(ctx context.Context, svc *reports.Service) (any, error) {
			return svc.ListTemplates(ctx, flagDir, flagLang)
		})
	},
}

func listFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagDir, "dir", "", "project directory, current directory when empty")
	cmd.Flags().StringVar(&flagLang, "lang", "", "engine language - default is engine.language from config")
	cmd.Flags().DurationVar(&flagWait, "wait", 30*time.Second, "how long to wait for the engine to listen")
}

type listFunc func(ctx context.Context, svc *reports.Service) (any, error)

// doList starts an engine, waits until it listens, asks it once and kills it.
func doList(cmd *cobra.Command, name string, list listFunc) error {
	ctx := cmd.Context()
	attrs := slog.Group("reportd",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	if flagDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		flagDir = cwd
	}

	sv, err := supervisor.New(config.Engine)
	if err != nil {
		return err
	}
	defer closeEngines(ctx, sv)

	target, err := sv.Acquire(ctx, flagLang)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, flagWait)
	defer cancel()
	running := func() bool { return sv.Running(target) }
	if err := waitListening(waitCtx, target.Port, running); err != nil {
		if errors.Is(err, errEngineExited) {
			return fmt.Errorf("engine on port %d: %w: %s", target.Port, err, engine.LastLine(target.LogPath))
		}
		return fmt.Errorf("engine on port %d did not start listening: %w", target.Port, err)
	}

	svc := reports.NewService(sv, query.NewClient(config.Engine.TimeoutDuration()), config.Engine.Namespace)
	items, err := list(ctx, svc)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "listed", "dir", flagDir, "language", target.Language)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

var errEngineExited = errors.New("engine exited before listening")

// waitListening polls port until something listens on it. It gives up early
// once running reports false.
func waitListening(ctx context.Context, port uint16, running func() bool) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for netscan.IsPortFree(ctx, port) {
		if !running() {
			return errEngineExited
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	// IsPortFree reports a port busy when ctx is already done
	return ctx.Err()
}
