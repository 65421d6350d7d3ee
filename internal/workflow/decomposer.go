package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// decompositionPrompt asks the model for a task graph in a fixed JSON shape.
const decompositionPrompt = `Break this directive into tasks for a team of specialists.

Directive:
%s

Available specialists: %s

Return ONLY a JSON object with this exact structure (no other text):
{
  "tasks": [
    {
      "title": "Short unique task title",
      "description": "What the specialist must do",
      "owner": "specialist name",
      "depends_on": ["title of a task that must finish first"],
      "estimated_minutes": 30
    }
  ],
  "risks": [
    {"description": "What could go wrong", "severity": "low|medium|high"}
  ]
}

Guidelines:
- Keep tasks independent where possible so they can run in parallel
- Only add dependencies when one task needs another's output
- Use an empty array [] for depends_on if there are no dependencies`

// PlannedTask is one task proposed by a decomposition.
type PlannedTask struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Owner            string   `json:"owner"`
	DependsOn        []string `json:"depends_on"`
	EstimatedMinutes int      `json:"estimated_minutes"`
}

// PlannedRisk is a risk proposed by a decomposition.
type PlannedRisk struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// Plan is the decomposition of a directive.
type Plan struct {
	Tasks []PlannedTask `json:"tasks"`
	Risks []PlannedRisk `json:"risks"`
}

// Decomposer turns a directive into a plan.
type Decomposer interface {
	Decompose(ctx context.Context, directive string, specialists []string) (*Plan, error)
}

// DecomposerFunc adapts a function to Decomposer.
type DecomposerFunc func(ctx context.Context, directive string, specialists []string) (*Plan, error)

func (f DecomposerFunc) Decompose(ctx context.Context, directive string, specialists []string) (*Plan, error) {
	return f(ctx, directive, specialists)
}

// TaskRunner executes a single task synchronously. The execution engine
// satisfies it.
type TaskRunner interface {
	ExecuteTask(ctx context.Context, task models.Task) (*models.JobResult, error)
}

// LLMDecomposer asks a model for the plan through a TaskRunner.
type LLMDecomposer struct {
	runner    TaskRunner
	projectID string
	timeout   time.Duration
}

// NewLLMDecomposer creates a decomposer that runs prompts on runner.
func NewLLMDecomposer(runner TaskRunner, timeout time.Duration) *LLMDecomposer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &LLMDecomposer{runner: runner, projectID: "workflow-planning", timeout: timeout}
}

// Decompose prompts the model and parses its JSON answer.
func (d *LLMDecomposer) Decompose(ctx context.Context, directive string, specialists []string) (*Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	task := models.Task{
		ID:          "decompose",
		ProjectID:   d.projectID,
		Title:       "decompose directive",
		Instruction: fmt.Sprintf(decompositionPrompt, directive, strings.Join(specialists, ", ")),
		Priority:    models.PriorityHigh,
		Constraints: models.Constraints{Intent: models.IntentReasoning},
	}
	result, err := d.runner.ExecuteTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("decompose directive: %w", err)
	}
	return ParsePlan(result.Content)
}

// ParsePlan extracts a plan from model output. The JSON object may be
// surrounded by prose or a code fence.
func ParsePlan(response string) (*Plan, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	var plan Plan
	if err := json.Unmarshal([]byte(response[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("empty task list returned")
	}
	return &plan, nil
}

// errEmptyTitle is returned when a planned task has no title.
var errEmptyTitle = errors.New("task with empty title")

// normalize trims titles, rejects empty or duplicate titles, drops
// dependencies on unknown titles and rejects cycles. The returned notes
// describe every dropped edge.
func (p *Plan) normalize() (notes []string, err error) {
	seen := make(map[string]bool, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		t.Title = strings.TrimSpace(t.Title)
		if t.Title == "" {
			return nil, errEmptyTitle
		}
		if seen[t.Title] {
			return nil, fmt.Errorf("duplicate task title %q", t.Title)
		}
		seen[t.Title] = true
	}
	for i := range p.Tasks {
		t := &p.Tasks[i]
		kept := t.DependsOn[:0]
		for _, dep := range t.DependsOn {
			dep = strings.TrimSpace(dep)
			switch {
			case dep == t.Title:
				notes = append(notes, fmt.Sprintf("task %q depended on itself", t.Title))
			case !seen[dep]:
				notes = append(notes, fmt.Sprintf("task %q depended on unknown task %q", t.Title, dep))
			default:
				kept = append(kept, dep)
			}
		}
		t.DependsOn = kept
	}
	if err := p.validateNoCycles(); err != nil {
		return nil, err
	}
	return notes, nil
}

// validateNoCycles runs a depth-first search over the title graph.
func (p *Plan) validateNoCycles() error {
	byTitle := make(map[string]*PlannedTask, len(p.Tasks))
	for i := range p.Tasks {
		byTitle[p.Tasks[i].Title] = &p.Tasks[i]
	}

	// 0=unvisited, 1=visiting, 2=visited
	state := make(map[string]int)

	var visit func(title string, path []string) error
	visit = func(title string, path []string) error {
		switch state[title] {
		case 2:
			return nil
		case 1:
			start := 0
			for i, step := range path {
				if step == title {
					start = i
					break
				}
			}
			cycle := append(path[start:], title)
			return fmt.Errorf("circular dependency detected: %s", strings.Join(cycle, " -> "))
		}
		state[title] = 1
		for _, dep := range byTitle[title].DependsOn {
			if err := visit(dep, append(path, title)); err != nil {
				return err
			}
		}
		state[title] = 2
		return nil
	}

	for _, t := range p.Tasks {
		if state[t.Title] == 0 {
			if err := visit(t.Title, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// criticalPath returns the longest chain of estimates through the graph.
func (p *Plan) criticalPath() time.Duration {
	byTitle := make(map[string]PlannedTask, len(p.Tasks))
	for _, t := range p.Tasks {
		byTitle[t.Title] = t
	}
	memo := make(map[string]int)
	var longest func(title string) int
	longest = func(title string) int {
		if v, ok := memo[title]; ok {
			return v
		}
		t := byTitle[title]
		best := 0
		for _, dep := range t.DependsOn {
			if v := longest(dep); v > best {
				best = v
			}
		}
		memo[title] = best + max(t.EstimatedMinutes, 0)
		return memo[title]
	}
	total := 0
	for _, t := range p.Tasks {
		if v := longest(t.Title); v > total {
			total = v
		}
	}
	return time.Duration(total) * time.Minute
}

// FallbackPlan is the two-step plan used when decomposition fails.
func FallbackPlan(directive string) *Plan {
	return &Plan{
		Tasks: []PlannedTask{
			{
				Title:            "Analyze and plan",
				Description:      "Analyze the directive, gather the context it needs and write a step-by-step plan.\n\nDirective: " + directive,
				EstimatedMinutes: 30,
			},
			{
				Title:            "Execute and report",
				Description:      "Carry out the plan from the analysis step and report what was done.\n\nDirective: " + directive,
				DependsOn:        []string{"Analyze and plan"},
				EstimatedMinutes: 60,
			},
		},
	}
}
