// Package indexer produces the working copy's file-tree view and
// symbol/declaration index used in planner and builder prompts. The three
// passes (tree, declarations, imports) run concurrently over one shared
// file listing, and none mutates shared state until the join.
package indexer

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// skipDirs are directories never worth indexing.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"coverage":     true,
}

// Snapshot is one indexed view of the working copy.
type Snapshot struct {
	Tree         string
	Declarations string
	Imports      string
	Files        []string
}

// Indexer indexes one working-copy root. The baseline snapshot taken at
// session start anchors Diff output.
type Indexer struct {
	root string

	mu       sync.Mutex
	baseline *Snapshot
}

func New(root string) *Indexer {
	return &Indexer{root: root}
}

// Refresh re-indexes the working copy and records the result as the new
// baseline for Diff.
func (ix *Indexer) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := ix.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	ix.mu.Lock()
	ix.baseline = snap
	ix.mu.Unlock()
	return snap, nil
}

// Snapshot runs the tree, declaration, and import passes in parallel and
// joins their results.
func (ix *Indexer) Snapshot(ctx context.Context) (*Snapshot, error) {
	start := time.Now()

	files, err := ix.listFiles()
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	var (
		wg      sync.WaitGroup
		tree    string
		decls   string
		imports string
		declErr error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		tree = renderTree(files)
	}()
	go func() {
		defer wg.Done()
		decls, declErr = ix.declarationIndex(files)
	}()
	go func() {
		defer wg.Done()
		imports = ix.importGraph(files)
	}()
	wg.Wait()

	if declErr != nil {
		return nil, declErr
	}

	slog.DebugContext(ctx, "codebase indexed",
		"files", len(files),
		"duration_ms", time.Since(start).Milliseconds())

	return &Snapshot{Tree: tree, Declarations: decls, Imports: imports, Files: files}, nil
}

// Context renders the full prompt context block for a snapshot.
func (s *Snapshot) Context() string {
	var b strings.Builder
	b.WriteString("## File tree\n")
	b.WriteString(s.Tree)
	if s.Declarations != "" {
		b.WriteString("\n## Declarations\n")
		b.WriteString(s.Declarations)
	}
	if s.Imports != "" {
		b.WriteString("\n## Package imports\n")
		b.WriteString(s.Imports)
	}
	return b.String()
}

// Diff re-indexes and reports what changed relative to the baseline:
// added/removed files and files whose declarations changed.
func (ix *Indexer) Diff(ctx context.Context) (string, error) {
	ix.mu.Lock()
	baseline := ix.baseline
	ix.mu.Unlock()
	if baseline == nil {
		return "", fmt.Errorf("no baseline snapshot; call Refresh first")
	}

	current, err := ix.Snapshot(ctx)
	if err != nil {
		return "", err
	}

	before := make(map[string]bool, len(baseline.Files))
	for _, f := range baseline.Files {
		before[f] = true
	}
	after := make(map[string]bool, len(current.Files))
	for _, f := range current.Files {
		after[f] = true
	}

	var b strings.Builder
	for _, f := range current.Files {
		if !before[f] {
			fmt.Fprintf(&b, "added: %s\n", f)
		}
	}
	for _, f := range baseline.Files {
		if !after[f] {
			fmt.Fprintf(&b, "removed: %s\n", f)
		}
	}
	if current.Declarations != baseline.Declarations {
		b.WriteString("declarations changed; current index:\n")
		b.WriteString(current.Declarations)
	}
	if b.Len() == 0 {
		return "no changes since the session started", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (ix *Indexer) listFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if skipDirs[name] || (strings.HasPrefix(name, ".") && path != ix.root) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(ix.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// renderTree formats the file list as an indented tree.
func renderTree(files []string) string {
	var b strings.Builder
	lastDir := ""
	for _, f := range files {
		dir := filepath.ToSlash(filepath.Dir(f))
		if dir == "." {
			dir = ""
		}
		if dir != lastDir {
			if dir != "" {
				fmt.Fprintf(&b, "%s/\n", dir)
			}
			lastDir = dir
		}
		indent := ""
		if dir != "" {
			indent = strings.Repeat("  ", strings.Count(dir, "/")+1)
		}
		fmt.Fprintf(&b, "%s%s\n", indent, filepath.Base(f))
	}
	return b.String()
}

// declarationIndex parses every Go file individually and lists its
// top-level declarations. Parsing file-by-file (rather than loading typed
// packages) keeps the index usable mid-edit, when the tree may not build.
func (ix *Indexer) declarationIndex(files []string) (string, error) {
	fset := token.NewFileSet()
	var b strings.Builder

	for _, rel := range files {
		if !strings.HasSuffix(rel, ".go") || strings.HasSuffix(rel, "_test.go") {
			continue
		}

		file, err := parser.ParseFile(fset, filepath.Join(ix.root, rel), nil, parser.SkipObjectResolution)
		if err != nil {
			// Mid-edit files can be transiently unparsable; note and move on.
			fmt.Fprintf(&b, "%s: (parse error)\n", rel)
			continue
		}

		var decls []string
		for _, decl := range file.Decls {
			switch d := decl.(type) {
			case *ast.FuncDecl:
				decls = append(decls, funcSignature(d))
			case *ast.GenDecl:
				if d.Tok == token.TYPE {
					for _, spec := range d.Specs {
						if ts, ok := spec.(*ast.TypeSpec); ok {
							decls = append(decls, "type "+ts.Name.Name+typeKind(ts))
						}
					}
				}
			}
		}
		if len(decls) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", rel)
		for _, d := range decls {
			fmt.Fprintf(&b, "  %s\n", d)
		}
	}
	return b.String(), nil
}

func funcSignature(d *ast.FuncDecl) string {
	name := d.Name.Name
	if d.Recv != nil && len(d.Recv.List) > 0 {
		recv := typeString(d.Recv.List[0].Type)
		return fmt.Sprintf("func (%s) %s(...)", recv, name)
	}
	return fmt.Sprintf("func %s(...)", name)
}

func typeKind(ts *ast.TypeSpec) string {
	switch ts.Type.(type) {
	case *ast.StructType:
		return " struct"
	case *ast.InterfaceType:
		return " interface"
	default:
		return ""
	}
}

func typeString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + typeString(t.X)
	case *ast.IndexExpr:
		return typeString(t.X)
	case *ast.SelectorExpr:
		return typeString(t.X) + "." + t.Sel.Name
	default:
		return "?"
	}
}

// importGraph lists each package directory with its imports, a cheap
// dependency view for the planner.
func (ix *Indexer) importGraph(files []string) string {
	fset := token.NewFileSet()
	byDir := make(map[string]map[string]bool)

	for _, rel := range files {
		if !strings.HasSuffix(rel, ".go") || strings.HasSuffix(rel, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(ix.root, rel), nil, parser.ImportsOnly)
		if err != nil {
			continue
		}
		dir := filepath.ToSlash(filepath.Dir(rel))
		if byDir[dir] == nil {
			byDir[dir] = make(map[string]bool)
		}
		for _, imp := range file.Imports {
			byDir[dir][strings.Trim(imp.Path.Value, `"`)] = true
		}
	}

	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	var b strings.Builder
	for _, dir := range dirs {
		imports := make([]string, 0, len(byDir[dir]))
		for imp := range byDir[dir] {
			imports = append(imports, imp)
		}
		sort.Strings(imports)
		fmt.Fprintf(&b, "%s: %s\n", dir, strings.Join(imports, ", "))
	}
	return b.String()
}

// ReadFileRange reads a file relative to the indexed root, optionally
// bounded to a 1-indexed inclusive line range.
func (ix *Indexer) ReadFileRange(rel string, startLine, endLine int) (string, int, error) {
	raw, err := os.ReadFile(filepath.Join(ix.root, rel))
	if err != nil {
		return "", 0, err
	}
	content := string(raw)
	lines := strings.Split(content, "\n")
	total := len(lines)

	if startLine <= 0 && endLine <= 0 {
		return content, total, nil
	}
	if startLine <= 0 {
		startLine = 1
	}
	if endLine <= 0 || endLine > total {
		endLine = total
	}
	if startLine > total {
		return "", total, fmt.Errorf("start line %d is past the end of %s (%d lines)", startLine, rel, total)
	}
	return strings.Join(lines[startLine-1:endLine], "\n"), total, nil
}
