// commands.go — служебные команды CLI: migrate, run-once, reap, status, source.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/urfave/cli"

	"github.com/bigkaa/chankeeper/internal/database"
	"github.com/bigkaa/chankeeper/internal/domain/model"
)

func migrateCmd(_ *cli.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	return database.Migrate(cfg, logger)
}

// runOnce выполняет один проход с ручным триггером и печатает сводку.
func runOnce(c *cli.Context) error {
	return withEnv(func(ctx context.Context, env *appEnv) error {
		var (
			summary *model.JobSummary
			err     error
		)
		if runSourceID > 0 {
			summary, _, err = env.job.Orchestrator.RunSource(ctx, runSourceID, model.TriggerManual)
		} else {
			summary, err = env.job.Orchestrator.Run(ctx, model.TriggerManual)
		}
		if err != nil {
			return err
		}
		if err := printJSON(c, summary); err != nil {
			return err
		}
		if summary.State == model.PassSkipped {
			return cli.NewExitError("проход пропущен: "+summary.SkipReason, 2)
		}
		if summary.SourcesFailed > 0 {
			return cli.NewExitError(fmt.Sprintf("источников с ошибкой: %d", summary.SourcesFailed), 1)
		}
		return nil
	})
}

func reap(c *cli.Context) error {
	return withEnv(func(ctx context.Context, env *appEnv) error {
		jobs, err := env.coord.ReapStale(ctx, env.cfg.LockStaleAfter)
		if err != nil {
			return err
		}
		env.logger.Info("Зависшие блокировки", slog.Int("released", len(jobs)))
		for _, job := range jobs {
			fmt.Fprintln(c.App.Writer, job)
		}
		return nil
	})
}

func status(c *cli.Context) error {
	return withEnv(func(ctx context.Context, env *appEnv) error {
		st, err := env.control(nil, nil).GetStatus(ctx, env.cfg.JobName)
		if err != nil {
			return err
		}
		return printJSON(c, st)
	})
}

func sourceAdd(c *cli.Context) error {
	return withEnv(func(ctx context.Context, env *appEnv) error {
		src, err := env.sources.Create(ctx, sourceName, sourceURL, sourceCap)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%d\t%s\t%s\tcap=%d\n", src.ID, src.Name, src.URL, src.Cap)
		return nil
	})
}

func sourceList(c *cli.Context) error {
	return withEnv(func(ctx context.Context, env *appEnv) error {
		sources, err := env.sources.List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tURL\tCAP\tENABLED")
		for _, s := range sources {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%t\n", s.ID, s.Name, s.URL, s.Cap, s.Enabled)
		}
		return w.Flush()
	})
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
