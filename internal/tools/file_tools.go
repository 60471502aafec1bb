package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/outpost-dev/selfmod/common/logger"
	"github.com/outpost-dev/selfmod/internal/model"
)

const (
	maxGrepMatches  = 100
	maxListEntries  = 200
	maxSearchHits   = 50
)

var walkSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"coverage":     true,
}

type readFileInput struct {
	Path      string `json:"path" jsonschema:"description=File path relative to the repository root"`
	StartLine int    `json:"startLine,omitempty" jsonschema:"description=First line to read (1-indexed)"`
	EndLine   int    `json:"endLine,omitempty" jsonschema:"description=Last line to read (1-indexed; inclusive)"`
}

type grepSearchInput struct {
	Query string `json:"query" jsonschema:"description=Regular expression to search for; invalid patterns fall back to a literal match"`
	Path  string `json:"path,omitempty" jsonschema:"description=Directory to search in; relative to the repository root"`
}

type fileSearchInput struct {
	Query string `json:"query" jsonschema:"description=Glob pattern or substring matched against file paths"`
}

type listDirectoryInput struct {
	Path string `json:"path" jsonschema:"description=Directory path relative to the repository root"`
}

type editFileInput struct {
	Path      string `json:"path" jsonschema:"description=File path relative to the repository root"`
	OldString string `json:"oldString" jsonschema:"description=Exact text to replace; must occur exactly once in the file"`
	NewString string `json:"newString" jsonschema:"description=Replacement text"`
}

type createFileInput struct {
	Path    string `json:"path" jsonschema:"description=File path relative to the repository root; must not already exist"`
	Content string `json:"content" jsonschema:"description=Full content of the new file"`
}

type deleteFileInput struct {
	Path string `json:"path" jsonschema:"description=File path relative to the repository root; must exist"`
}

func (r *Registry) registerFileTools() {
	r.register("read_file",
		"Read a file's content. Use startLine/endLine to read a specific slice of large files.",
		&readFileInput{}, r.readFileTool)

	r.register("grep_search",
		"Search file contents across the repository with a regular expression. Returns matching lines as path:line: text.",
		&grepSearchInput{}, r.grepSearchTool)

	r.register("file_search",
		"Find files by glob pattern or path substring.",
		&fileSearchInput{}, r.fileSearchTool)

	r.register("list_directory",
		"List a directory's immediate entries. Directories are suffixed with /.",
		&listDirectoryInput{}, r.listDirectoryTool)

	r.register("edit_file",
		"Replace an exact string in a file. oldString must occur exactly once; include more surrounding context if it does not. The edit is applied at commit time.",
		&editFileInput{}, r.editFileTool)

	r.register("create_file",
		"Create a new file with the given content. Fails if the path already exists. The edit is applied at commit time.",
		&createFileInput{}, r.createFileTool)

	r.register("delete_file",
		"Delete an existing file. The edit is applied at commit time.",
		&deleteFileInput{}, r.deleteFileTool)
}

// resolve joins a tool-supplied path onto the working-copy root and rejects
// anything that escapes it.
func (r *Registry) resolve(path string) (string, error) {
	abs := filepath.Clean(filepath.Join(r.deps.Root, path))
	rel, err := filepath.Rel(r.deps.Root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the repository root", path)
	}
	return abs, nil
}

func (r *Registry) readFileTool(ctx context.Context, input json.RawMessage) Result {
	in, err := decode[readFileInput](input)
	if err != nil {
		return errorResult("%v", err)
	}
	if in.Path == "" {
		return errorResult("path is required")
	}

	abs, err := r.resolve(in.Path)
	if err != nil {
		return errorResult("%v", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return errorResult("read %s: %v", in.Path, err)
	}

	content := string(raw)
	lines := strings.Split(content, "\n")
	total := len(lines)

	start, end := in.StartLine, in.EndLine
	if start <= 0 {
		start = 1
	}
	if end <= 0 || end > total {
		end = total
	}
	if start > total {
		return errorResult("start line %d is past the end of %s (%d lines)", in.StartLine, in.Path, total)
	}
	if in.StartLine > 0 || in.EndLine > 0 {
		content = strings.Join(lines[start-1:end], "\n")
	}

	r.regions[in.Path] = model.AddRegion(r.regions[in.Path], start, end, r.turn)
	return Result{Content: content}
}

func (r *Registry) grepSearchTool(ctx context.Context, input json.RawMessage) Result {
	in, err := decode[grepSearchInput](input)
	if err != nil {
		return errorResult("%v", err)
	}
	if in.Query == "" {
		return errorResult("query is required")
	}

	re, reErr := regexp.Compile(in.Query)
	if reErr != nil {
		re = regexp.MustCompile(regexp.QuoteMeta(in.Query))
	}

	searchRoot := r.deps.Root
	if in.Path != "" {
		searchRoot, err = r.resolve(in.Path)
		if err != nil {
			return errorResult("%v", err)
		}
	}

	var matches []string
	truncated := false
	err = filepath.WalkDir(searchRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if walkSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if truncated {
			return filepath.SkipAll
		}
		raw, err := os.ReadFile(path)
		if err != nil || !isProbablyText(raw) {
			return nil
		}
		rel, _ := filepath.Rel(r.deps.Root, path)
		for i, line := range strings.Split(string(raw), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", filepath.ToSlash(rel), i+1, strings.TrimSpace(line)))
				if len(matches) >= maxGrepMatches {
					truncated = true
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return errorResult("search failed: %v", err)
	}

	if len(matches) == 0 {
		return Result{Content: fmt.Sprintf("No matches for %q.", logger.Truncate(in.Query, 60))}
	}
	out := strings.Join(matches, "\n")
	if truncated {
		out += "\n... (more matches truncated)"
	}
	return Result{Content: out}
}

func isProbablyText(raw []byte) bool {
	n := len(raw)
	if n > 8000 {
		n = 8000
	}
	for _, b := range raw[:n] {
		if b == 0 {
			return false
		}
	}
	return true
}

func (r *Registry) fileSearchTool(ctx context.Context, input json.RawMessage) Result {
	in, err := decode[fileSearchInput](input)
	if err != nil {
		return errorResult("%v", err)
	}
	if in.Query == "" {
		return errorResult("query is required")
	}

	var hits []string
	err = filepath.WalkDir(r.deps.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if walkSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(r.deps.Root, path)
		rel = filepath.ToSlash(rel)
		if matched, _ := filepath.Match(in.Query, filepath.Base(rel)); matched || strings.Contains(rel, in.Query) {
			hits = append(hits, rel)
			if len(hits) >= maxSearchHits {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return errorResult("search failed: %v", err)
	}

	if len(hits) == 0 {
		return Result{Content: fmt.Sprintf("No files matching %q.", logger.Truncate(in.Query, 60))}
	}
	sort.Strings(hits)
	return Result{Content: strings.Join(hits, "\n")}
}

func (r *Registry) listDirectoryTool(ctx context.Context, input json.RawMessage) Result {
	in, err := decode[listDirectoryInput](input)
	if err != nil {
		return errorResult("%v", err)
	}

	abs, err := r.resolve(in.Path)
	if err != nil {
		return errorResult("%v", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return errorResult("list %s: %v", in.Path, err)
	}

	var lines []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		lines = append(lines, name)
		if len(lines) >= maxListEntries {
			lines = append(lines, "... (more entries truncated)")
			break
		}
	}
	if len(lines) == 0 {
		return Result{Content: "(empty directory)"}
	}
	return Result{Content: strings.Join(lines, "\n")}
}

func (r *Registry) editFileTool(ctx context.Context, input json.RawMessage) Result {
	in, err := decode[editFileInput](input)
	if err != nil {
		return errorResult("%v", err)
	}
	if in.Path == "" || in.OldString == "" {
		return errorResult("path and oldString are required")
	}
	if in.OldString == in.NewString {
		return errorResult("oldString and newString are identical")
	}

	abs, err := r.resolve(in.Path)
	if err != nil {
		return errorResult("%v", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return errorResult("read %s: %v", in.Path, err)
	}

	switch count := strings.Count(string(raw), in.OldString); {
	case count == 0:
		return errorResult("oldString not found in file %s", in.Path)
	case count > 1:
		return errorResult("oldString matches multiple locations in file %s (%d matches at lines %s); include more surrounding context", in.Path, count, matchLines(string(raw), in.OldString))
	}

	edit := model.Replace(in.Path, in.OldString, in.NewString)
	return Result{
		Content: fmt.Sprintf("Edit recorded for %s.", in.Path),
		Edit:    &edit,
	}
}

// matchLines names the 1-indexed lines where a substring's occurrences
// start, to help a retrying model disambiguate.
func matchLines(content, sub string) string {
	var lines []string
	offset := 0
	for {
		i := strings.Index(content[offset:], sub)
		if i < 0 {
			break
		}
		abs := offset + i
		line := strings.Count(content[:abs], "\n") + 1
		lines = append(lines, fmt.Sprintf("%d", line))
		offset = abs + len(sub)
	}
	return strings.Join(lines, ", ")
}

func (r *Registry) createFileTool(ctx context.Context, input json.RawMessage) Result {
	in, err := decode[createFileInput](input)
	if err != nil {
		return errorResult("%v", err)
	}
	if in.Path == "" {
		return errorResult("path is required")
	}

	abs, err := r.resolve(in.Path)
	if err != nil {
		return errorResult("%v", err)
	}
	if _, err := os.Stat(abs); err == nil {
		return errorResult("file already exists: %s", in.Path)
	}

	edit := model.Create(in.Path, in.Content)
	return Result{
		Content: fmt.Sprintf("Creation recorded for %s.", in.Path),
		Edit:    &edit,
	}
}

func (r *Registry) deleteFileTool(ctx context.Context, input json.RawMessage) Result {
	in, err := decode[deleteFileInput](input)
	if err != nil {
		return errorResult("%v", err)
	}
	if in.Path == "" {
		return errorResult("path is required")
	}

	abs, err := r.resolve(in.Path)
	if err != nil {
		return errorResult("%v", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return errorResult("file does not exist: %s", in.Path)
	}

	edit := model.Delete(in.Path)
	return Result{
		Content: fmt.Sprintf("Deletion recorded for %s.", in.Path),
		Edit:    &edit,
	}
}
