package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultGitTimeout = 60 * time.Second
	maxDiffSize       = 200 * 1024

	// emptyTree is git's well-known id of the tree with no entries.
	emptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"
)

// GitDiffer diffs the working tree of a git checkout against a snapshot
// taken before the Coder ran, so each thread is reviewed on its own edits
// even when earlier threads left uncommitted changes behind.
//
// Snapshots are written through a throwaway index; the checkout's own index
// is never touched.
type GitDiffer struct {
	Dir     string
	Timeout time.Duration
}

// Snapshot records the working tree, untracked files included and ignored
// files excluded, as a git tree object and returns its id.
func (g *GitDiffer) Snapshot(ctx context.Context) (string, error) {
	tmp, err := os.MkdirTemp("", "crafter-index-")
	if err != nil {
		return "", fmt.Errorf("git snapshot: %w", err)
	}
	defer os.RemoveAll(tmp)
	env := []string{"GIT_INDEX_FILE=" + filepath.Join(tmp, "index")}

	// Start from HEAD so tracked files matching .gitignore are kept.
	if _, err := g.git(ctx, env, "read-tree", "HEAD"); err != nil {
		if _, err := g.git(ctx, env, "read-tree", "--empty"); err != nil {
			return "", err
		}
	}
	if _, err := g.git(ctx, env, "add", "--all"); err != nil {
		return "", err
	}
	out, err := g.git(ctx, env, "write-tree")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Diff returns the changes in the working tree since base, a tree id from
// Snapshot. An empty base diffs against HEAD. No changes yield "".
func (g *GitDiffer) Diff(ctx context.Context, base string) (string, error) {
	if base == "" {
		base = g.head(ctx)
	}
	current, err := g.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	out, err := g.git(ctx, nil, "diff", "--no-color", "--no-ext-diff", base, current)
	if err != nil {
		return "", err
	}
	if len(out) > maxDiffSize {
		out = truncateUTF8(out, maxDiffSize) + "\n... [truncated]"
	}
	return out, nil
}

// head returns HEAD, or the empty tree in a repository without commits.
func (g *GitDiffer) head(ctx context.Context) string {
	if _, err := g.git(ctx, nil, "rev-parse", "--verify", "--quiet", "HEAD"); err != nil {
		return emptyTree
	}
	return "HEAD"
}

func (g *GitDiffer) git(ctx context.Context, env []string, args ...string) (string, error) {
	timeout := g.Timeout
	if timeout == 0 {
		timeout = defaultGitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("git %s: timed out after %s", args[0], timeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.String(), nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
