// Package tools executes the tool calls models make while working a task.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/ShayCichocki/foreman/internal/logging"
)

// Tool names.
const (
	ReadFile    = "read_file"
	WriteFile   = "write_file"
	ListDir     = "list_dir"
	Git         = "git"
	RunCommand  = "run_command"
	HTTPRequest = "http_request"
	DBQuery     = "db_query"
)

const (
	defaultCommandTimeout = 30 * time.Second
	defaultMaxOutput      = 30000
	defaultMaxBody        = 1 << 20
)

// Result is the outcome of a single tool call.
type Result struct {
	Content string
	IsError bool
}

func failf(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Executor runs tool calls confined to a workspace root.
type Executor struct {
	root           string
	protect        *Detector
	runner         CommandRunner
	commands       map[string]bool
	commandTimeout time.Duration
	maxOutput      int
	http           *http.Client
	hosts          map[string]bool
	methods        map[string]bool
	maxBody        int64
	dbPath         string
}

// Option configures an Executor.
type Option func(*Executor)

// WithProtection replaces the default protected-path detector.
func WithProtection(d *Detector) Option {
	return func(e *Executor) { e.protect = d }
}

// WithCommandRunner replaces the process runner used by git and run_command.
func WithCommandRunner(r CommandRunner) Option {
	return func(e *Executor) { e.runner = r }
}

// WithAllowedCommands sets the executables run_command may start.
func WithAllowedCommands(names ...string) Option {
	return func(e *Executor) {
		e.commands = make(map[string]bool, len(names))
		for _, n := range names {
			e.commands[n] = true
		}
	}
}

// WithCommandTimeout bounds each git and run_command invocation.
func WithCommandTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.commandTimeout = d
		}
	}
}

// WithMaxOutput caps the bytes of output returned to the model.
func WithMaxOutput(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxOutput = n
		}
	}
}

// WithHTTPClient sets the client used by http_request.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.http = c }
}

// WithAllowedHosts restricts http_request to the given hosts. Empty allows any.
func WithAllowedHosts(hosts ...string) Option {
	return func(e *Executor) {
		e.hosts = make(map[string]bool, len(hosts))
		for _, h := range hosts {
			e.hosts[h] = true
		}
	}
}

// WithDatabase points db_query at a sqlite file.
func WithDatabase(path string) Option {
	return func(e *Executor) { e.dbPath = path }
}

// NewExecutor creates an executor rooted at root.
func NewExecutor(root string, opts ...Option) (*Executor, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	e := &Executor{
		root:           abs,
		protect:        NewDetector(),
		runner:         NewRunner(),
		commands:       map[string]bool{"go": true, "ls": true, "cat": true, "grep": true, "wc": true, "echo": true},
		commandTimeout: defaultCommandTimeout,
		maxOutput:      defaultMaxOutput,
		http:           &http.Client{Timeout: defaultCommandTimeout},
		methods:        map[string]bool{http.MethodGet: true, http.MethodHead: true, http.MethodPost: true},
		maxBody:        defaultMaxBody,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Root returns the workspace root.
func (e *Executor) Root() string { return e.root }

// Execute runs a tool by name with the given JSON input.
func (e *Executor) Execute(ctx context.Context, name string, input json.RawMessage) Result {
	logging.Debug("[tools] %s %s", name, truncate(string(input), 200))
	switch name {
	case ReadFile:
		return e.execReadFile(input)
	case WriteFile:
		return e.execWriteFile(input)
	case ListDir:
		return e.execListDir(input)
	case Git:
		return e.execGit(ctx, input)
	case RunCommand:
		return e.execCommand(ctx, input)
	case HTTPRequest:
		return e.execHTTP(ctx, input)
	case DBQuery:
		return e.execQuery(ctx, input)
	default:
		return failf("Unknown tool: %s", name)
	}
}

func decode(input json.RawMessage, v any) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return json.Unmarshal(input, v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (output truncated)"
}
