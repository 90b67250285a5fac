package tool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"
)

const maxReadSize = 100 * 1024 // 100KB

// DefaultIgnore lists paths hidden from list_dir and never writable.
var DefaultIgnore = []string{".git", ".git/**", "node_modules", "node_modules/**"}

// Sandbox confines the file tools to one repository tree. Paths handed in by
// the model are resolved relative to Root; anything resolving outside it,
// including through symlinks, is rejected.
type Sandbox struct {
	Root string

	writes []glob.Glob
	ignore []glob.Glob
}

// NewSandbox compiles writeGlobs and ignore. Patterns use '/' as separator,
// so "*" stays within a path segment and "**" spans segments. An empty
// writeGlobs allows writes anywhere under root.
func NewSandbox(root string, writeGlobs, ignore []string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	s := &Sandbox{Root: abs}
	for _, p := range writeGlobs {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("write glob %q: %w", p, err)
		}
		s.writes = append(s.writes, g)
	}
	for _, p := range ignore {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("ignore glob %q: %w", p, err)
		}
		s.ignore = append(s.ignore, g)
	}
	return s, nil
}

// Resolve returns the absolute path and the slash-separated path relative to
// Root for a model-supplied path.
func (s *Sandbox) Resolve(path string) (abs, rel string, err error) {
	if path == "" {
		path = "."
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.Root, path)
	}
	abs = filepath.Clean(path)
	if !within(s.Root, abs) {
		return "", "", fmt.Errorf("path %q is outside allowed directory %q", abs, s.Root)
	}
	real, err := evalExisting(abs)
	if err != nil {
		return "", "", fmt.Errorf("invalid path: %w", err)
	}
	if !within(s.Root, real) {
		return "", "", fmt.Errorf("path %q resolves outside allowed directory %q", abs, s.Root)
	}
	r, err := filepath.Rel(s.Root, abs)
	if err != nil {
		return "", "", fmt.Errorf("invalid path: %w", err)
	}
	return abs, filepath.ToSlash(r), nil
}

// Ignored reports whether rel matches an ignore pattern.
func (s *Sandbox) Ignored(rel string) bool {
	for _, g := range s.ignore {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// Writable reports whether rel may be written.
func (s *Sandbox) Writable(rel string) bool {
	if rel == "." || s.Ignored(rel) {
		return false
	}
	if len(s.writes) == 0 {
		return true
	}
	for _, g := range s.writes {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// evalExisting resolves symlinks in the longest existing prefix of path and
// re-appends the rest.
func evalExisting(path string) (string, error) {
	var rest []string
	cur := path
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{real}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

func getString(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

// --- ReadFile ---

type ReadFileTool struct{ Sandbox *Sandbox }

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read the full contents of a file in the repository. Always read a file before rewriting it."
}
func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "File path, relative to the repository root"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, params map[string]any) (string, error) {
	path, _, err := t.Sandbox.Resolve(getString(params, "path"))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	if len(data) > maxReadSize {
		n := maxReadSize
		for n > 0 && !utf8.RuneStart(data[n]) {
			n--
		}
		return string(data[:n]) + "\n... [truncated]", nil
	}
	return string(data), nil
}

// --- WriteFile ---

// WriteFileTool replaces a file's entire contents. OnWrite, if set, is told
// about every successful write.
type WriteFileTool struct {
	Sandbox *Sandbox
	OnWrite func(rel string, size int)
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write the COMPLETE new content of a file, replacing whatever was there (creates parent directories if needed). Partial snippets destroy the rest of the file."
}
func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "File path, relative to the repository root"},
			"content": map[string]any{"type": "string", "description": "Complete file content"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(_ context.Context, params map[string]any) (string, error) {
	path, rel, err := t.Sandbox.Resolve(getString(params, "path"))
	if err != nil {
		return "", err
	}
	if !t.Sandbox.Writable(rel) {
		return "", fmt.Errorf("write_file: %s is not writable", rel)
	}
	content := getString(params, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("write_file: create dirs: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	if t.OnWrite != nil {
		t.OnWrite(rel, len(content))
	}
	return fmt.Sprintf("Wrote %s to %s", humanize.Bytes(uint64(len(content))), rel), nil
}

// --- ListDir ---

type ListDirTool struct{ Sandbox *Sandbox }

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Description() string {
	return "List directory contents with file sizes"
}
func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory path, relative to the repository root (default \".\")"},
		},
	}
}

func (t *ListDirTool) Execute(_ context.Context, params map[string]any) (string, error) {
	path, rel, err := t.Sandbox.Resolve(getString(params, "path"))
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list_dir: %w", err)
	}

	var b strings.Builder
	for _, e := range entries {
		child := e.Name()
		if rel != "." {
			child = rel + "/" + child
		}
		if t.Sandbox.Ignored(child) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
		} else {
			fmt.Fprintf(&b, "%s  %s\n", e.Name(), humanize.Bytes(uint64(info.Size())))
		}
	}
	if b.Len() == 0 {
		return "(empty)", nil
	}
	return b.String(), nil
}

// FileTools returns a registry with read_file, write_file and list_dir bound
// to sb.
func FileTools(sb *Sandbox, onWrite func(rel string, size int)) *Registry {
	r := NewRegistry()
	r.Register(&ReadFileTool{Sandbox: sb})
	r.Register(&WriteFileTool{Sandbox: sb, OnWrite: onWrite})
	r.Register(&ListDirTool{Sandbox: sb})
	return r
}
