package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errOutsideRoot = errors.New("path escapes workspace root")

// resolvePath maps a tool path onto the workspace. Absolute paths must
// already be inside the root; symlinks are followed for existing prefixes.
func (e *Executor) resolvePath(path string) (string, error) {
	if path == "" {
		path = "."
	}
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(e.root, path)
	}
	if !within(e.root, abs) {
		return "", errOutsideRoot
	}

	// Walk up to the deepest existing ancestor and resolve symlinks there.
	existing := abs
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	realPath, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	resolved := filepath.Join(append([]string{realPath}, rest...)...)
	if !within(e.root, resolved) {
		return "", errOutsideRoot
	}
	return resolved, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (e *Executor) execReadFile(input json.RawMessage) Result {
	var params struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := decode(input, &params); err != nil {
		return failf("Invalid parameters: %v", err)
	}
	if params.Path == "" {
		return failf("Invalid parameters: path is required")
	}

	path, err := e.resolvePath(params.Path)
	if err != nil {
		return failf("Failed to read file: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return failf("Failed to read file: %v", err)
	}

	lines := strings.Split(string(content), "\n")
	start := 0
	if params.Offset > 0 {
		start = params.Offset - 1
		if start >= len(lines) {
			return failf("Offset beyond end of file")
		}
	}
	end := len(lines)
	if params.Limit > 0 {
		end = min(start+params.Limit, len(lines))
	}

	var result strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&result, "%6d\t%s\n", i+1, lines[i])
	}
	return Result{Content: truncate(result.String(), e.maxOutput)}
}

func (e *Executor) execWriteFile(input json.RawMessage) Result {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decode(input, &params); err != nil {
		return failf("Invalid parameters: %v", err)
	}
	if params.Path == "" {
		return failf("Invalid parameters: path is required")
	}

	path, err := e.resolvePath(params.Path)
	if err != nil {
		return failf("Failed to write file: %v", err)
	}
	rel, _ := filepath.Rel(e.root, path)
	if protected, reason := e.protect.Check(rel); protected {
		return failf("Refusing to write protected path %s: %s", params.Path, reason)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return failf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0644); err != nil {
		return failf("Failed to write file: %v", err)
	}
	return Result{Content: fmt.Sprintf("Successfully wrote %d bytes to %s", len(params.Content), params.Path)}
}

func (e *Executor) execListDir(input json.RawMessage) Result {
	var params struct {
		Path string `json:"path"`
	}
	if err := decode(input, &params); err != nil {
		return failf("Invalid parameters: %v", err)
	}

	path, err := e.resolvePath(params.Path)
	if err != nil {
		return failf("Failed to read directory: %v", err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return failf("Failed to read directory: %v", err)
	}

	var result strings.Builder
	for _, entry := range entries {
		info, _ := entry.Info()
		switch {
		case info == nil:
			fmt.Fprintf(&result, "? %s\n", entry.Name())
		case entry.IsDir():
			fmt.Fprintf(&result, "d %s/\n", entry.Name())
		default:
			fmt.Fprintf(&result, "- %s (%d bytes)\n", entry.Name(), info.Size())
		}
	}
	if result.Len() == 0 {
		return Result{Content: "(empty directory)"}
	}
	return Result{Content: truncate(result.String(), e.maxOutput)}
}
