package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ShayCichocki/foreman/internal/logging"
)

// gitSubcommands is the allow-list for the git tool.
var gitSubcommands = map[string]bool{
	"status": true,
	"diff":   true,
	"log":    true,
	"show":   true,
	"add":    true,
	"commit": true,
	"branch": true,
}

// gitDeniedFlags can redirect git outside the workspace or run arbitrary programs.
var gitDeniedFlags = []string{"-C", "--git-dir", "--work-tree", "-c", "--exec-path", "--output"}

func (e *Executor) execGit(ctx context.Context, input json.RawMessage) Result {
	var params struct {
		Args []string `json:"args"`
	}
	if err := decode(input, &params); err != nil {
		return failf("Invalid parameters: %v", err)
	}
	if len(params.Args) == 0 {
		return failf("Invalid parameters: args is required")
	}
	sub := params.Args[0]
	if !gitSubcommands[sub] {
		return failf("git subcommand %q is not allowed", sub)
	}
	for _, arg := range params.Args[1:] {
		for _, denied := range gitDeniedFlags {
			if arg == denied || strings.HasPrefix(arg, denied+"=") {
				return failf("git flag %q is not allowed", arg)
			}
		}
	}
	if sub == "branch" {
		for _, arg := range params.Args[1:] {
			if arg == "-D" || arg == "-d" || arg == "--delete" || arg == "-m" || arg == "-M" {
				return failf("git branch %s is not allowed", arg)
			}
		}
	}

	args := append([]string{"--no-pager"}, params.Args...)
	return e.run(ctx, "git", args)
}

func (e *Executor) execCommand(ctx context.Context, input json.RawMessage) Result {
	var params struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
	}
	if err := decode(input, &params); err != nil {
		return failf("Invalid parameters: %v", err)
	}
	if params.Command == "" {
		return failf("Invalid parameters: command is required")
	}
	if strings.ContainsAny(params.Command, `/\`) || !e.commands[params.Command] {
		return failf("command %q is not allowed", params.Command)
	}
	for _, arg := range params.Args {
		if !filepath.IsAbs(arg) {
			continue
		}
		if !within(e.root, filepath.Clean(arg)) {
			return failf("argument %q is outside the workspace", arg)
		}
	}
	return e.run(ctx, params.Command, params.Args)
}

// run starts a process in the workspace root under the command timeout.
func (e *Executor) run(ctx context.Context, name string, args []string) Result {
	ctx, cancel := context.WithTimeout(ctx, e.commandTimeout)
	defer cancel()

	logging.Debug("[tools] run %s", describeCommand(name, args))
	output, err := e.runner.Run(ctx, e.root, name, args...)
	result := truncate(string(output), e.maxOutput)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failf("Command timed out after %v:\n%s", e.commandTimeout, result)
		}
		return failf("%s\nError: %v", result, err)
	}
	if result == "" {
		result = "(no output)"
	}
	return Result{Content: result}
}

// describeCommand renders a command line for logs.
func describeCommand(name string, args []string) string {
	return fmt.Sprintf("%s %s", name, strings.Join(args, " "))
}
