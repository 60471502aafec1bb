package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// maxDiffLines caps git_diff output.
const maxDiffLines = 500

func (r *Registry) registerRepoTools() {
	r.register("git_diff",
		"Show the working tree's diff against the default branch. New and deleted files are summarized rather than dumped.",
		nil, r.gitDiffTool)

	r.register("codebase_context",
		"Show the repository's file tree, declaration index, and package imports.",
		nil, r.codebaseContextTool)

	r.register("codebase_diff",
		"Show what changed in the codebase index since the session started.",
		nil, r.codebaseDiffTool)
}

func (r *Registry) gitDiffTool(ctx context.Context, _ json.RawMessage) Result {
	if r.deps.Repo == nil {
		return errorResult("no repository attached to this session")
	}
	diff, err := r.deps.Repo.DiffAgainstDefault()
	if err != nil {
		return errorResult("git diff: %v", err)
	}
	if strings.TrimSpace(diff) == "" {
		return Result{Content: "No changes against the default branch."}
	}
	return Result{Content: FormatDiff(diff, maxDiffLines)}
}

// FormatDiff compresses a raw git diff for a prompt: new and deleted files
// collapse to a one-line summary, and the whole output is capped at
// maxLines with a truncation marker.
func FormatDiff(diff string, maxLines int) string {
	var out []string

	for _, section := range splitDiffSections(diff) {
		lines := strings.Split(section, "\n")
		header := lines[0]
		switch {
		case containsLinePrefix(lines, "new file mode"):
			out = append(out, header, fmt.Sprintf("  (new file, %d lines added)", countPrefix(lines, "+")))
		case containsLinePrefix(lines, "deleted file mode"):
			out = append(out, header, fmt.Sprintf("  (deleted file, %d lines removed)", countPrefix(lines, "-")))
		default:
			out = append(out, lines...)
		}
		if len(out) > maxLines {
			break
		}
	}

	if len(out) > maxLines {
		out = out[:maxLines]
		out = append(out, "... (diff truncated)")
	}
	return strings.Join(out, "\n")
}

// splitDiffSections splits a unified diff on its per-file "diff --git"
// headers.
func splitDiffSections(diff string) []string {
	lines := strings.Split(diff, "\n")
	var sections []string
	var cur []string
	for _, line := range lines {
		if strings.HasPrefix(line, "diff --git ") && len(cur) > 0 {
			sections = append(sections, strings.Join(cur, "\n"))
			cur = nil
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		sections = append(sections, strings.Join(cur, "\n"))
	}
	return sections
}

func containsLinePrefix(lines []string, prefix string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

// countPrefix counts lines starting with prefix but not the diff's own
// "+++" / "---" file markers.
func countPrefix(lines []string, prefix string) int {
	n := 0
	marker := prefix + prefix + prefix
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) && !strings.HasPrefix(l, marker) {
			n++
		}
	}
	return n
}

func (r *Registry) codebaseContextTool(ctx context.Context, _ json.RawMessage) Result {
	if r.deps.Index == nil {
		return errorResult("no codebase index attached to this session")
	}
	snap, err := r.deps.Index.Snapshot(ctx)
	if err != nil {
		return errorResult("index codebase: %v", err)
	}
	return Result{Content: snap.Context()}
}

func (r *Registry) codebaseDiffTool(ctx context.Context, _ json.RawMessage) Result {
	if r.deps.Index == nil {
		return errorResult("no codebase index attached to this session")
	}
	diff, err := r.deps.Index.Diff(ctx)
	if err != nil {
		return errorResult("diff codebase: %v", err)
	}
	return Result{Content: diff}
}
