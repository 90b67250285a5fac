package project

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/h1v3-io/crafter/internal/tool"
)

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "style.md"), []byte("Use CSS variables.\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "a11y.md"), []byte("Every button needs an aria-label."), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)
	os.WriteFile(filepath.Join(dir, "empty.md"), []byte("  \n"), 0o644)

	r, err := LoadRules(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if names := r.Names(); strings.Join(names, ",") != "a11y,style" {
		t.Errorf("names = %v", names)
	}
	want := "## a11y\nEvery button needs an aria-label.\n\n## style\nUse CSS variables."
	if got := r.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	os.WriteFile(filepath.Join(dir, "style.md"), []byte("Use tokens."), 0o644)
	if err := r.Reload(); err != nil {
		t.Fatal(err)
	}
	if r.Get("style") != "Use tokens." {
		t.Errorf("reload not applied: %q", r.Get("style"))
	}
}

func TestLoadRules_MissingDir(t *testing.T) {
	r, err := LoadRules(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should not fail: %v", err)
	}
	if r.String() != "" {
		t.Errorf("expected empty rules, got %q", r.String())
	}
	var nilRules *Rules
	if nilRules.String() != "" {
		t.Error("nil rules should render empty")
	}
}

func TestTree(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "src", "components", "deep"), 0o755)
	os.MkdirAll(filepath.Join(dir, ".git", "objects"), 0o755)
	os.MkdirAll(filepath.Join(dir, "node_modules", "react"), 0o755)
	os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644)
	os.WriteFile(filepath.Join(dir, "src", "components", "Sidebar.tsx"), []byte(""), 0o644)
	os.WriteFile(filepath.Join(dir, "src", "components", "deep", "Hidden.tsx"), []byte(""), 0o644)

	sb, err := tool.NewSandbox(dir, nil, tool.DefaultIgnore)
	if err != nil {
		t.Fatal(err)
	}

	full, err := Tree(sb, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"package.json", "src/", "    Sidebar.tsx", "      Hidden.tsx"} {
		if !strings.Contains(full, want) {
			t.Errorf("tree missing %q:\n%s", want, full)
		}
	}
	if strings.Contains(full, ".git") || strings.Contains(full, "node_modules") {
		t.Errorf("ignored dirs listed:\n%s", full)
	}

	shallow, _ := Tree(sb, 3)
	if strings.Contains(shallow, "Hidden.tsx") {
		t.Errorf("depth 3 should not reach deep/:\n%s", shallow)
	}
	if !strings.Contains(shallow, "Sidebar.tsx") {
		t.Errorf("depth 3 should list src/components:\n%s", shallow)
	}
}

func TestSource(t *testing.T) {
	repo := t.TempDir()
	rulesDir := t.TempDir()
	os.WriteFile(filepath.Join(repo, "Login.css"), []byte(".btn{}"), 0o644)
	os.WriteFile(filepath.Join(rulesDir, "style.md"), []byte("Use tabs."), 0o644)

	rules, err := LoadRules(rulesDir)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := tool.NewSandbox(repo, nil, tool.DefaultIgnore)
	if err != nil {
		t.Fatal(err)
	}
	src := NewSource(rules, sb, 2)

	os.WriteFile(filepath.Join(rulesDir, "a11y.md"), []byte("Label buttons."), 0o644)
	if got := src.Rules(); !strings.Contains(got, "## a11y") || !strings.Contains(got, "## style") {
		t.Errorf("rules not reloaded: %q", got)
	}
	if tree, err := src.Tree(); err != nil || !strings.Contains(tree, "Login.css") {
		t.Errorf("tree = %q, err = %v", tree, err)
	}

	empty := NewSource(nil, nil, 0)
	if empty.Rules() != "" {
		t.Error("nil rules should be empty")
	}
	if tree, err := empty.Tree(); tree != "" || err != nil {
		t.Errorf("nil sandbox tree = %q, %v", tree, err)
	}
}
