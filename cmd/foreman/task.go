package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ShayCichocki/foreman/pkg/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	taskProject   string
	taskTitle     string
	taskPriority  string
	taskTools     []string
	taskIntent    string
	taskProvider  string
	taskMaxCost   float64
	taskWebhook   string
	taskRequester string
	taskTimeout   time.Duration
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Work with single tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit <instruction>",
	Short: "Submit a task and wait for its result",
	Long: `Queue one task, run it through the engine, and print the result.

Examples:
  foreman task submit "Summarize README.md"
  foreman task submit --tools read_file,list_dir --intent coding "List the Go packages"
  foreman task submit --priority high --provider anthropic "Explain the failing test"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTaskSubmit,
}

func init() {
	f := taskSubmitCmd.Flags()
	f.StringVar(&taskProject, "project", "default", "Project the task belongs to")
	f.StringVar(&taskTitle, "title", "", "Short task title")
	f.StringVar(&taskPriority, "priority", string(models.PriorityNormal), "Priority: high, normal or low")
	f.StringSliceVar(&taskTools, "tools", nil, "Tools the task may call")
	f.StringVar(&taskIntent, "intent", "", "Intent used to pick providers")
	f.StringVar(&taskProvider, "provider", "", "Preferred provider")
	f.Float64Var(&taskMaxCost, "max-cost", 0, "Maximum spend for the task in USD")
	f.StringVar(&taskWebhook, "webhook", "", "URL notified when the task finishes")
	f.StringVar(&taskRequester, "requester", "", "Requester identity (defaults to $USER)")
	f.DurationVar(&taskTimeout, "timeout", 10*time.Minute, "Give up waiting after this long")

	taskCmd.AddCommand(taskSubmitCmd)
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	_, svc, err := startService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	requester := taskRequester
	if requester == "" {
		requester = os.Getenv("USER")
	}
	id, err := svc.SubmitTask(models.TaskSpec{
		ProjectID:    taskProject,
		Title:        taskTitle,
		Instruction:  strings.Join(args, " "),
		Priority:     models.Priority(taskPriority),
		AllowedTools: taskTools,
		Constraints: models.Constraints{
			PreferredProvider: taskProvider,
			Intent:            models.Intent(taskIntent),
			MaxCost:           taskMaxCost,
		},
		WebhookURL:  taskWebhook,
		RequesterID: requester,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Queued task %s\n", id)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		t, err := svc.GetTaskStatus(id)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return printTask(t)
		}
		select {
		case <-ctx.Done():
			_ = svc.CancelTask(id, requester)
			return fmt.Errorf("waiting for task %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printTask(t models.Task) error {
	switch t.Status {
	case models.TaskStatusCompleted:
		r := t.Result
		printStatus("✓", fmt.Sprintf("Task %s completed", t.ID), color.FgGreen)
		if r != nil {
			fmt.Printf("Provider: %s (%s)", r.Provider, r.Model)
			if r.FellBack {
				fmt.Print(" after fallback")
			}
			fmt.Printf("\nTokens: %d in, %d out. Cost: $%.4f. Tool calls: %d\n\n",
				r.InputTokens, r.OutputTokens, r.Cost, r.ToolCalls)
			fmt.Println(r.Content)
		}
		return nil
	default:
		printStatus("✗", fmt.Sprintf("Task %s %s after %d retries: %s", t.ID, t.Status, t.RetryCount, t.Error), color.FgRed)
		return fmt.Errorf("task %s", t.Status)
	}
}
