package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ShayCichocki/foreman/internal/config"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/pkg/models"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	auditJSON     bool
	auditTask     string
	auditProject  string
	auditWorkflow string
	auditKind     string
	auditLimit    int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the task lifecycle audit trail",
	Long: `Read lifecycle events recorded by the queue: enqueued, scheduled, started,
retried, completed, failed and cancelled.

Events come from the configured state store (state.driver sqlite or postgres).

Examples:
  foreman audit --project billing
  foreman audit --task 3f2c... --json
  foreman audit --kind failed --limit 20`,
	RunE: runAudit,
}

func init() {
	f := auditCmd.Flags()
	f.BoolVar(&auditJSON, "json", false, "Output in JSON format")
	f.StringVar(&auditTask, "task", "", "Only events for this task")
	f.StringVar(&auditProject, "project", "", "Only events for this project")
	f.StringVar(&auditWorkflow, "workflow", "", "Only events for this workflow")
	f.StringVar(&auditKind, "kind", "", "Only events of this kind")
	f.IntVar(&auditLimit, "limit", state.DefaultQueryLimit, "Maximum number of events, newest kept")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openAudit(cmd.Context(), cfg.State)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.Events(cmd.Context(), state.AuditQuery{
		TaskID:     auditTask,
		ProjectID:  auditProject,
		WorkflowID: auditWorkflow,
		Kind:       models.AuditKind(auditKind),
		Limit:      auditLimit,
	})
	if err != nil {
		return fmt.Errorf("query audit events: %w", err)
	}

	if auditJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(events)
	}
	renderAudit(cmd.OutOrStdout(), events)
	return nil
}

func openAudit(ctx context.Context, sc config.StateConfig) (state.AuditStore, error) {
	switch sc.Driver {
	case "sqlite":
		db, err := state.Open(sc.Path)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return db, nil
	case "postgres":
		pg, err := state.OpenPostgres(ctx, sc.PostgresURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("no audit store configured (state.driver=%q)", sc.Driver)
	}
}

func renderAudit(w io.Writer, events []models.AuditEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No audit events.")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TIME", "KIND", "TASK", "PROJECT", "STATUS", "RETRY", "PROVIDER", "COST", "DETAIL").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, ev := range events {
		t.Row(
			ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
			string(ev.Kind),
			shortID(ev.TaskID),
			ev.ProjectID,
			string(ev.Status),
			fmt.Sprint(ev.RetryCount),
			ev.Provider,
			fmt.Sprintf("$%.4f", ev.Cost),
			truncate(ev.Detail, 48),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
