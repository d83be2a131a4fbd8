package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/warden/internal/step"
)

// FSInvoker executes filesystem tools against a sandbox root. It is the
// interception collaborator behind `warden run` and the scenario harness:
// the gate decides, this performs. It re-confines every path itself; policy
// validation upstream is the authority, this is the last line.
type FSInvoker struct {
	Root string
}

// Invoke runs one approved step. Supported tools: fs.write, fs.read, fs.list.
func (l *FSInvoker) Invoke(_ context.Context, req step.Request) (step.Result, error) {
	switch req.Tool {
	case "fs.write":
		return l.write(req.Params)
	case "fs.read":
		return l.read(req.Params)
	case "fs.list":
		return l.list(req.Params)
	default:
		return step.Result{}, fmt.Errorf("unknown tool %q", req.Tool)
	}
}

func (l *FSInvoker) write(params map[string]any) (step.Result, error) {
	path, err := l.resolve(params)
	if err != nil {
		return step.Result{}, err
	}
	data, _ := params["data"].(string)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return step.Result{}, err
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return step.Result{}, err
	}
	return step.Result{
		Output:  fmt.Sprintf("Wrote %d bytes", len(data)),
		Effects: []step.SideEffect{{Kind: step.EffectFS, Target: path, Write: true}},
	}, nil
}

func (l *FSInvoker) read(params map[string]any) (step.Result, error) {
	path, err := l.resolve(params)
	if err != nil {
		return step.Result{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return step.Result{}, err
	}
	return step.Result{
		Output:  string(data),
		Effects: []step.SideEffect{{Kind: step.EffectFS, Target: path}},
	}, nil
}

func (l *FSInvoker) list(params map[string]any) (step.Result, error) {
	path, err := l.resolve(params)
	if err != nil {
		return step.Result{}, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return step.Result{}, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return step.Result{
		Output:  strings.Join(names, "\n"),
		Effects: []step.SideEffect{{Kind: step.EffectFS, Target: path}},
	}, nil
}

// resolve joins the path parameter onto the sandbox root and rejects any
// result that escapes it.
func (l *FSInvoker) resolve(params map[string]any) (string, error) {
	raw, _ := params["path"].(string)
	if raw == "" {
		return "", fmt.Errorf("missing path parameter")
	}
	path := raw
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.Root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(l.Root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes sandbox", raw)
	}
	return path, nil
}
