package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Strob0t/CreditForge/internal/adapter/postgres"
	"github.com/Strob0t/CreditForge/internal/config"
	"github.com/Strob0t/CreditForge/internal/domain"
	"github.com/Strob0t/CreditForge/internal/logger"
	"github.com/Strob0t/CreditForge/internal/service"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp(os.Stderr)
		return nil
	}

	switch args[0] {
	case "list-projects":
		return runAdminListProjects(args[1:])
	case "activate":
		return runAdminSetActive(args[1:], true)
	case "deactivate":
		return runAdminSetActive(args[1:], false)
	case "history":
		return runAdminHistory(args[1:])
	case "run-once":
		return runAdminRunOnce(args[1:])
	case "migrate-version":
		return runAdminMigrateVersion(args[1:])
	case "rollback":
		return runAdminRollback(args[1:])
	default:
		printAdminHelp(os.Stderr)
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: creditforge admin <command> [options]

Commands:
  list-projects     List projects with their balances
  activate          Resume billing for a project
  deactivate        Stop billing a project
  history           Print the ledger entries of a project
  run-once          Run a single accounting cycle and exit
  migrate-version   Print the ledger schema version
  rollback          Roll back ledger migrations
  help              Show this help message

Every command accepts --config <path>.

Examples:
  creditforge admin list-projects
  creditforge admin deactivate --project alpha
  creditforge admin history --project alpha --start 2024-03-01T00:00:00Z
  creditforge admin rollback --steps 1
`)
}

// adminFlags returns a flag set with the shared --config flag.
func adminFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", config.DefaultConfigFile, "path to YAML config")
	return fs, path
}

func loadAdminConfig(path string) (*config.Config, error) {
	cfg, _, err := config.LoadWithCLI(config.CLIFlags{ConfigPath: &path})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, _ := logger.NewWithWriter(os.Stderr, config.Logging{Level: "warn", Service: cfg.Logging.Service})
	slog.SetDefault(log)
	return cfg, nil
}

// withApp loads the configuration, wires the engine and calls fn.
func withApp(path string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadAdminConfig(path)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, service.StaticConfig{Config: cfg})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runAdminListProjects(args []string) error {
	fs, path := adminFlags("list-projects")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withApp(*path, func(ctx context.Context, a *app) error {
		projects, err := a.store.ListProjects(ctx)
		if err != nil {
			return fmt.Errorf("list projects: %w", err)
		}
		if len(projects) == 0 {
			fmt.Fprintln(os.Stderr, "No projects found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACTIVE\tGRANTED\tUSED\tREMAINING\tWATERMARK")
		for i := range projects {
			p := &projects[i]
			fmt.Fprintf(w, "%s\t%v\t%s\t%s\t%s\t%s\n",
				p.ID, p.Active, p.GrantedCredits, p.UsedCredits, p.Remaining(), formatTime(p.Watermark))
		}
		return w.Flush()
	})
}

func runAdminSetActive(args []string, active bool) error {
	name := "deactivate"
	if active {
		name = "activate"
	}
	fs, path := adminFlags(name)
	project := fs.String("project", "", "project id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *project == "" {
		return errors.New("--project is required")
	}

	return withApp(*path, func(ctx context.Context, a *app) error {
		if _, err := a.store.EnsureProject(ctx, *project); err != nil {
			return fmt.Errorf("project %s: %w", *project, err)
		}
		if err := a.store.SetActive(ctx, *project, active); err != nil {
			return fmt.Errorf("%s %s: %w", name, *project, err)
		}
		fmt.Fprintf(os.Stderr, "Project %s %sd\n", *project, name)
		return nil
	})
}

func runAdminHistory(args []string) error {
	fs, path := adminFlags("history")
	project := fs.String("project", "", "project id (required)")
	start := fs.String("start", "", "RFC3339 start (default: beginning of the ledger)")
	end := fs.String("end", "", "RFC3339 end (default: now)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *project == "" {
		return errors.New("--project is required")
	}
	from, to, err := parseRange(*start, *end, time.Now().UTC())
	if err != nil {
		return err
	}

	return withApp(*path, func(ctx context.Context, a *app) error {
		if _, err := a.store.GetProject(ctx, *project); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("project %s not found", *project)
			}
			return err
		}
		entries, err := a.store.Entries(ctx, *project, from, to)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "START\tEND\tCOST\tBALANCE\tCORRELATION")
		for i := range entries {
			e := &entries[i]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				formatTime(e.Window.Start), formatTime(e.Window.End), e.Cost, e.Balance, e.CorrelationID)
		}
		return w.Flush()
	})
}

func runAdminRunOnce(args []string) error {
	fs, path := adminFlags("run-once")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withApp(*path, func(ctx context.Context, a *app) error {
		cycle, err := a.scheduler.RunCycle(ctx)
		if err != nil {
			return fmt.Errorf("run cycle: %w", err)
		}
		a.scheduler.Wait()

		failed := 0
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PROJECT\tWRITTEN\tBALANCE\tERROR")
		for _, st := range a.scheduler.Status().Projects {
			written, balance := 0, "-"
			if st.LastResult != nil {
				written, balance = st.LastResult.EntriesWritten, st.LastResult.Balance.String()
			}
			if st.LastError != "" {
				failed++
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", st.ProjectID, written, balance, st.LastError)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Submitted %d, skipped %d, failed %d\n", cycle.Submitted, cycle.Skipped, failed)
		if failed > 0 {
			return fmt.Errorf("%d project(s) failed", failed)
		}
		return nil
	})
}

func runAdminMigrateVersion(args []string) error {
	fs, path := adminFlags("migrate-version")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadAdminConfig(*path)
	if err != nil {
		return err
	}
	v, err := postgres.MigrationVersion(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func runAdminRollback(args []string) error {
	fs, path := adminFlags("rollback")
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return errors.New("--steps must be at least 1")
	}
	cfg, err := loadAdminConfig(*path)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
		return err
	}
	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s), schema version is now %d\n", *steps, v)
	return nil
}

// parseRange parses optional RFC3339 bounds. start defaults to the zero
// time and end to now.
func parseRange(start, end string, now time.Time) (from, to time.Time, err error) {
	to = now
	if start != "" {
		if from, err = time.Parse(time.RFC3339, start); err != nil {
			return from, to, fmt.Errorf("--start: %w", err)
		}
	}
	if end != "" {
		if to, err = time.Parse(time.RFC3339, end); err != nil {
			return from, to, fmt.Errorf("--end: %w", err)
		}
	}
	if !from.Before(to) {
		return from, to, errors.New("--start must be before --end")
	}
	return from, to, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
