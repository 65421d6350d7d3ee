package models

// Artifact is something a job produced, such as a written file.
type Artifact struct {
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
	Size int    `json:"size,omitempty"`
}

// JobResult is the outcome of one execution attempt of a task.
type JobResult struct {
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Content      string     `json:"content"`
	Cost         float64    `json:"cost"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	ToolCalls    int        `json:"tool_calls"`
	Logs         []string   `json:"logs,omitempty"`
	Artifacts    []Artifact `json:"artifacts,omitempty"`
	// FellBack is set when the attempt moved to a second provider after a rate limit.
	FellBack bool `json:"fell_back,omitempty"`
}

// TotalTokens returns input plus output tokens.
func (r *JobResult) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens
}

// Clone returns a deep copy.
func (r *JobResult) Clone() JobResult {
	c := *r
	c.Logs = append([]string(nil), r.Logs...)
	c.Artifacts = append([]Artifact(nil), r.Artifacts...)
	return c
}
