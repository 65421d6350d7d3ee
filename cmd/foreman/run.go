package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ShayCichocki/foreman/internal/service"
	"github.com/ShayCichocki/foreman/pkg/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	runProject  string
	runApprove  bool
	runApprover string
	runTimeout  time.Duration
)

const pollInterval = 500 * time.Millisecond

var runCmd = &cobra.Command{
	Use:   "run <directive>",
	Short: "Plan and execute a directive as a workflow",
	Long: `Decompose a directive into tasks, run them, and stop at the approval gate.

The workflow is printed as it progresses. Once it reaches
waiting_for_ceo_approval the command exits, or with --approve records the
approval and waits for completion.

Examples:
  foreman run "Audit the payments module for error handling gaps"
  foreman run --project billing --approve --approver alice "Draft a migration plan"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDirective,
}

func init() {
	runCmd.Flags().StringVar(&runProject, "project", "default", "Project the workflow belongs to")
	runCmd.Flags().BoolVar(&runApprove, "approve", false, "Approve the result once it reaches the gate")
	runCmd.Flags().StringVar(&runApprover, "approver", "", "Approver identity recorded with --approve (defaults to $USER)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "Give up waiting after this long")
}

func runDirective(cmd *cobra.Command, args []string) error {
	directive := strings.Join(args, " ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	_, svc, err := startService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	fmt.Println("Analyzing directive...")
	id, err := svc.SubmitDirective(ctx, directive, runProject)
	if err != nil {
		return fmt.Errorf("submit directive: %w", err)
	}

	wf, err := waitWorkflow(ctx, svc, id, func(s models.WorkflowStatus) bool {
		return s == models.WorkflowAwaitingCEO || s.Terminal()
	})
	if err != nil {
		if ctx.Err() != nil {
			_ = svc.CancelWorkflow(id)
		}
		return err
	}
	printWorkflow(wf)

	if wf.Status != models.WorkflowAwaitingCEO || !runApprove {
		return nil
	}

	approver := runApprover
	if approver == "" {
		approver = os.Getenv("USER")
	}
	if err := svc.RecordApproval(id, approver, true); err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	wf, err = waitWorkflow(ctx, svc, id, models.WorkflowStatus.Terminal)
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Workflow %s approved by %s", wf.ID, approver), color.FgGreen)
	return nil
}

// waitWorkflow polls until done reports true for the workflow status,
// printing each status change.
func waitWorkflow(ctx context.Context, svc *service.Service, id string, done func(models.WorkflowStatus) bool) (models.Workflow, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last models.WorkflowStatus
	for {
		wf, err := svc.GetWorkflowStatus(id)
		if err != nil {
			return models.Workflow{}, err
		}
		if wf.Status != last {
			fmt.Printf("  %s %s\n", color.CyanString("→"), wf.Status)
			last = wf.Status
		}
		if done(wf.Status) {
			return wf, nil
		}
		select {
		case <-ctx.Done():
			return models.Workflow{}, fmt.Errorf("waiting for workflow %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printWorkflow(wf models.Workflow) {
	fmt.Println()
	fmt.Printf("Workflow %s (%s)\n", wf.ID, workflowColor(wf.Status).Sprint(wf.Status))
	if wf.Fallback {
		printStatus("⚠", "Planner output was unusable; ran the fallback plan", color.FgYellow)
	}
	for _, t := range wf.Tasks {
		status := string(t.Status)
		if t.Skipped {
			status = "skipped"
		}
		fmt.Printf("  %-12s %-10s %s\n", t.Key, status, t.Title)
	}
	fmt.Printf("Budget: %d/%d tokens, $%.4f/$%.2f\n",
		wf.Budget.TokensUsed, wf.Budget.TokenAllocation, wf.Budget.CostUsed, wf.Budget.CostAllocation)
	for _, r := range wf.Risks {
		printStatus("⚠", fmt.Sprintf("[%s] %s", r.Severity, r.Description), color.FgYellow)
	}
	for _, d := range wf.Decisions {
		if d.Detail != "" {
			fmt.Printf("  %s %s: %s\n", d.Actor, d.Action, d.Detail)
		}
	}
}

func workflowColor(s models.WorkflowStatus) *color.Color {
	switch s {
	case models.WorkflowCompleted:
		return color.New(color.FgGreen)
	case models.WorkflowFailed, models.WorkflowCancelled:
		return color.New(color.FgRed)
	case models.WorkflowAwaitingCEO, models.WorkflowPaused:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}
