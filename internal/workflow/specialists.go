package workflow

import (
	"strings"

	"github.com/ShayCichocki/foreman/internal/tools"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// Specialist is a task owner profile: the intent its tasks route with, the
// tools they may use and the keywords that attract work to it.
type Specialist struct {
	Name     string
	Intent   models.Intent
	Tools    []string
	Keywords []string
}

// DefaultSpecialistName owns tasks no other specialist claims.
const DefaultSpecialistName = "generalist"

// DefaultSpecialists returns the built-in specialist roster.
func DefaultSpecialists() []Specialist {
	return []Specialist{
		{
			Name:   "engineer",
			Intent: models.IntentCoding,
			Tools:  []string{tools.ReadFile, tools.WriteFile, tools.ListDir, tools.Git, tools.RunCommand},
			Keywords: []string{
				"implement", "code", "build", "fix", "refactor", "test", "write",
				"migrate", "deploy", "bug", "feature", "api", "script",
			},
		},
		{
			Name:   "researcher",
			Intent: models.IntentResearch,
			Tools:  []string{tools.ReadFile, tools.ListDir, tools.HTTPRequest},
			Keywords: []string{
				"research", "investigate", "find", "search", "compare", "survey",
				"gather", "explore", "look up", "docs", "documentation",
			},
		},
		{
			Name:   "analyst",
			Intent: models.IntentReasoning,
			Tools:  []string{tools.ReadFile, tools.ListDir, tools.DBQuery},
			Keywords: []string{
				"analyze", "analyse", "plan", "design", "evaluate", "review",
				"estimate", "report", "metrics", "data", "query",
			},
		},
		{
			Name:   DefaultSpecialistName,
			Intent: models.IntentGeneral,
			Tools:  []string{tools.ReadFile, tools.ListDir},
		},
	}
}

// roster resolves owners for planned tasks.
type roster struct {
	byName map[string]Specialist
	order  []Specialist
}

func newRoster(specs []Specialist) *roster {
	r := &roster{byName: make(map[string]Specialist, len(specs))}
	for _, s := range specs {
		key := strings.ToLower(s.Name)
		if _, dup := r.byName[key]; dup {
			continue
		}
		r.byName[key] = s
		r.order = append(r.order, s)
	}
	if _, ok := r.byName[DefaultSpecialistName]; !ok {
		def := Specialist{Name: DefaultSpecialistName, Intent: models.IntentGeneral}
		r.byName[DefaultSpecialistName] = def
		r.order = append(r.order, def)
	}
	return r
}

func (r *roster) names() []string {
	out := make([]string, len(r.order))
	for i, s := range r.order {
		out[i] = s.Name
	}
	return out
}

// assign returns the named owner when known, else the specialist whose
// keywords match the task text most often, else the generalist.
func (r *roster) assign(t PlannedTask) Specialist {
	if s, ok := r.byName[strings.ToLower(strings.TrimSpace(t.Owner))]; ok {
		return s
	}
	text := strings.ToLower(t.Title + " " + t.Description)
	best, bestHits := r.byName[DefaultSpecialistName], 0
	for _, s := range r.order {
		hits := 0
		for _, kw := range s.Keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = s, hits
		}
	}
	return best
}
