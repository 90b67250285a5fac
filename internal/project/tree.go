package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/h1v3-io/crafter/internal/tool"
)

const maxTreeEntries = 500

// Tree lists the repository under sb.Root as an indented outline, skipping
// ignored paths and descending at most depth levels (0 means unlimited).
func Tree(sb *tool.Sandbox, depth int) (string, error) {
	var b strings.Builder
	count := 0
	err := walk(sb, sb.Root, ".", 0, depth, &b, &count)
	if err != nil {
		return "", err
	}
	if count >= maxTreeEntries {
		b.WriteString("... [truncated]\n")
	}
	return b.String(), nil
}

func walk(sb *tool.Sandbox, dir, rel string, level, depth int, b *strings.Builder, count *int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("project tree: %w", err)
	}
	indent := strings.Repeat("  ", level)
	for _, e := range entries {
		if *count >= maxTreeEntries {
			return nil
		}
		child := e.Name()
		if rel != "." {
			child = rel + "/" + e.Name()
		}
		if sb.Ignored(child) {
			continue
		}
		*count++
		if !e.IsDir() {
			fmt.Fprintf(b, "%s%s\n", indent, e.Name())
			continue
		}
		fmt.Fprintf(b, "%s%s/\n", indent, e.Name())
		if depth > 0 && level+1 >= depth {
			continue
		}
		if err := walk(sb, filepath.Join(dir, e.Name()), child, level+1, depth, b, count); err != nil {
			return err
		}
	}
	return nil
}
