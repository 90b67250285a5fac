// Package project gathers the repository context handed to the stages: the
// project rules written by the team and a listing of the repository tree.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Rules holds the project rules loaded from the *.md files of one
// directory. Each file becomes a section named after the file.
type Rules struct {
	dir string

	mu       sync.RWMutex
	sections map[string]string // file stem → content
}

// LoadRules reads every .md file in dir. A missing or empty dir gives empty
// rules.
func LoadRules(dir string) (*Rules, error) {
	r := &Rules{dir: dir, sections: make(map[string]string)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the rules directory.
func (r *Rules) Reload() error {
	sections := make(map[string]string)
	if r.dir != "" {
		entries, err := os.ReadDir(r.dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("project rules: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
			if err != nil {
				return fmt.Errorf("project rules: %w", err)
			}
			if content := strings.TrimSpace(string(data)); content != "" {
				sections[strings.TrimSuffix(e.Name(), ".md")] = content
			}
		}
	}

	r.mu.Lock()
	r.sections = sections
	r.mu.Unlock()
	return nil
}

// Get returns one section, or "".
func (r *Rules) Get(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sections[name]
}

// Names returns the section names, sorted.
func (r *Rules) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sections))
	for k := range r.sections {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String renders all sections in name order, ready to embed in a prompt.
func (r *Rules) String() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, name := range r.Names() {
		fmt.Fprintf(&b, "## %s\n%s\n\n", name, r.Get(name))
	}
	return strings.TrimSpace(b.String())
}
