package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/nerrad567/gray-logic-hub/internal/audit"
	"github.com/nerrad567/gray-logic-hub/internal/automation"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/database"
)

// validateRules decodes a rule list and prints one line per rule, followed
// by its issues. It fails when any rule has an issue.
func validateRules(w io.Writer, path string) error {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading rules: %w", err)
	}
	rules, err := automation.ParseRules(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	total := 0
	for i := range rules {
		rule := &rules[i]
		issues := rule.Issues()
		state := ""
		if !rule.Enabled {
			state = yellow(" (disabled)")
		}

		if len(issues) == 0 {
			fmt.Fprintf(w, "%s %s%s\n", green("✓"), rule.DisplayName(), state)
			continue
		}
		total += len(issues)
		fmt.Fprintf(w, "%s %s%s\n", red("✗"), rule.DisplayName(), state)
		for _, issue := range issues {
			where := issue.Path
			if where == "" {
				where = "rule"
			}
			fmt.Fprintf(w, "    %s: %v\n", yellow(where), issue.Err)
		}
	}

	if total > 0 {
		fmt.Fprintf(w, "\n%s\n", red(fmt.Sprintf("%d issue(s) in %d rule(s)", total, len(rules))))
		return fmt.Errorf("%d rule issue(s) found", total)
	}
	fmt.Fprintf(w, "\n%s\n", green(fmt.Sprintf("%d rule(s) valid", len(rules))))
	return nil
}

// showSnapshot lists the rules stored in the snapshot at path.
func showSnapshot(w io.Writer, path string) error {
	cyan := color.New(color.FgCyan).SprintFunc()

	rules, err := automation.NewSnapshotStore(path).Load()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s %s (%d rules)\n\n", cyan("snapshot"), path, len(rules))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tNAME\tTRIGGERS\tCONDITIONS\tACTIONS")
	for i := range rules {
		r := &rules[i]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", r.Key(), r.Name, len(r.Triggers), len(r.Conditions), len(r.Actions))
	}
	return tw.Flush()
}

// openHistory opens the history database for a read command.
func openHistory(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	if !cfg.Database.Enabled {
		return nil, fmt.Errorf("run history is disabled in the configuration")
	}
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// showHistory prints recent rule runs from the history database.
func showHistory(ctx context.Context, w io.Writer, cfg *config.Config, ruleKey string, limit int) error {
	db, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := automation.NewSQLiteRunRepository(db.DB).ListRuns(ctx, ruleKey, limit)
	if err != nil {
		return err
	}
	return printRuns(w, runs, cfg.Location())
}

// printRuns renders runs as a table, newest first.
func printRuns(w io.Writer, runs []automation.Run, loc *time.Location) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no rule runs recorded")
		return nil
	}

	statusColor := map[automation.RunStatus]func(a ...any) string{
		automation.RunCompleted: color.New(color.FgGreen).SprintFunc(),
		automation.RunStopped:   color.New(color.FgYellow).SprintFunc(),
		automation.RunFailed:    color.New(color.FgRed).SprintFunc(),
		automation.RunRunning:   color.New(color.FgCyan).SprintFunc(),
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRULE\tTRIGGER\tSTATUS\tCOMMANDS\tDURATION\tERROR")
	for i := range runs {
		r := &runs[i]
		status := string(r.Status)
		if paint, ok := statusColor[r.Status]; ok {
			status = paint(status)
		}
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.Duration().Round(time.Millisecond).String()
		}
		errText := ""
		if r.Error != nil {
			errText = *r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.StartedAt.In(loc).Format(time.DateTime),
			r.RuleKey,
			r.TriggerSource,
			status,
			r.CommandsSent,
			duration,
			errText,
		)
	}
	return tw.Flush()
}

// showAudit prints recent audit entries.
func showAudit(ctx context.Context, w io.Writer, cfg *config.Config, filter audit.Filter) error {
	db, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := audit.NewSQLiteRepository(db.DB).List(ctx, filter)
	if err != nil {
		return err
	}
	return printAudit(w, entries, cfg.Location())
}

// printAudit renders audit entries as a table, newest first.
func printAudit(w io.Writer, entries []audit.Entry, loc *time.Location) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no audit entries recorded")
		return nil
	}

	red := color.New(color.FgRed).SprintFunc()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tSOURCE\tSUBJECT\tERROR")
	for _, e := range entries {
		errText := ""
		if msg, ok := e.Details["error"].(string); ok {
			errText = red(msg)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.In(loc).Format(time.DateTime),
			e.Action,
			e.Source,
			e.Subject,
			errText,
		)
	}
	return tw.Flush()
}
