package tools

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/foreman/internal/provider"
	"github.com/ShayCichocki/foreman/internal/reliability"
)

// Names returns every tool name in definition order.
func Names() []string {
	return []string{ReadFile, WriteFile, ListDir, Git, RunCommand, HTTPRequest, DBQuery}
}

// Known reports whether name is a tool this package implements.
func Known(name string) bool {
	for _, n := range Names() {
		if n == name {
			return true
		}
	}
	return false
}

// Validate rejects unknown tool names.
func Validate(names []string) error {
	for _, n := range names {
		if !Known(n) {
			return reliability.Invalid("allowed_tools", "unknown tool %q", n)
		}
	}
	return nil
}

// Definitions returns the schemas for the allowed tools, in definition
// order. Unknown names are ignored.
func (e *Executor) Definitions(allowed []string) []provider.ToolSpec {
	want := make(map[string]bool, len(allowed))
	for _, n := range allowed {
		want[n] = true
	}
	var specs []provider.ToolSpec
	for _, spec := range e.specs() {
		if want[spec.Name] {
			specs = append(specs, spec)
		}
	}
	return specs
}

func (e *Executor) specs() []provider.ToolSpec {
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	integer := func(desc string) map[string]any {
		return map[string]any{"type": "integer", "description": desc}
	}
	strList := func(desc string) map[string]any {
		return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
	}

	return []provider.ToolSpec{
		{
			Name:        ReadFile,
			Description: "Read a file from the workspace. Returns file contents with line numbers.",
			Properties: map[string]any{
				"path":   str("Path relative to the workspace root"),
				"offset": integer("Line number to start reading from (1-indexed, optional)"),
				"limit":  integer("Maximum number of lines to read (optional)"),
			},
			Required: []string{"path"},
		},
		{
			Name:        WriteFile,
			Description: "Write content to a workspace file. Creates parent directories if needed. Protected paths are refused.",
			Properties: map[string]any{
				"path":    str("Path relative to the workspace root"),
				"content": str("Content to write to the file"),
			},
			Required: []string{"path", "content"},
		},
		{
			Name:        ListDir,
			Description: "List contents of a workspace directory.",
			Properties: map[string]any{
				"path": str("Directory path relative to the workspace root"),
			},
		},
		{
			Name:        Git,
			Description: "Run a git command in the workspace. Allowed subcommands: " + strings.Join(sortedSet(gitSubcommands), ", ") + ".",
			Properties: map[string]any{
				"args": strList(`Arguments to git, starting with the subcommand, e.g. ["log", "-n", "5"]`),
			},
			Required: []string{"args"},
		},
		{
			Name:        RunCommand,
			Description: fmt.Sprintf("Run an allowed program in the workspace (no shell). Allowed: %s. Times out after %v.", strings.Join(sortedSet(e.commands), ", "), e.commandTimeout),
			Properties: map[string]any{
				"command": str("Program name"),
				"args":    strList("Program arguments"),
			},
			Required: []string{"command"},
		},
		{
			Name:        HTTPRequest,
			Description: "Send an HTTP request and return the status and body. Allowed methods: " + strings.Join(sortedSet(e.methods), ", ") + ".",
			Properties: map[string]any{
				"method":  str("HTTP method (default GET)"),
				"url":     str("Absolute http or https URL"),
				"headers": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
				"body":    str("Request body (optional)"),
			},
			Required: []string{"url"},
		},
		{
			Name:        DBQuery,
			Description: "Run a single read-only SQL statement (SELECT, WITH, PRAGMA, EXPLAIN) against the project database.",
			Properties: map[string]any{
				"sql": str("SQL statement"),
			},
			Required: []string{"sql"},
		},
	}
}
