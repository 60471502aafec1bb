package editapply

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/outpost-dev/selfmod/internal/model"
)

func TestApplyEdits_EmptyListIsNoOp(t *testing.T) {
	dir := t.TempDir()
	if err := ApplyEdits(nil, dir); err != nil {
		t.Fatalf("empty ops: %v", err)
	}
}

func TestApplyEdits_ReplaceSingleMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	os.WriteFile(path, []byte("package a\n\nfunc Foo() {}\n"), 0o644)

	err := ApplyEdits([]model.EditOperation{
		model.Replace("a.go", "func Foo() {}", "func Bar() {}"),
	}, dir)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, _ := os.ReadFile(path)
	if !strings.Contains(string(got), "func Bar() {}") {
		t.Fatalf("content = %q, want replaced", got)
	}
}

func TestApplyEdits_ReplaceZeroMatchesFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	os.WriteFile(path, []byte("package a\n"), 0o644)

	err := ApplyEdits([]model.EditOperation{
		model.Replace("a.go", "nope", "x"),
	}, dir)
	if err == nil || !strings.Contains(err.Error(), "oldString not found in file a.go") {
		t.Fatalf("err = %v, want 'oldString not found'", err)
	}
}

func TestApplyEdits_ReplaceMultipleMatchesFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	os.WriteFile(path, []byte("x\nx\n"), 0o644)

	err := ApplyEdits([]model.EditOperation{
		model.Replace("a.go", "x", "y"),
	}, dir)
	if err == nil || !strings.Contains(err.Error(), "matches multiple locations") {
		t.Fatalf("err = %v, want 'matches multiple locations'", err)
	}
}

func TestApplyEdits_CreateFailsIfExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	os.WriteFile(path, []byte("x"), 0o644)

	err := ApplyEdits([]model.EditOperation{
		model.Create("a.go", "y"),
	}, dir)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("err = %v, want 'already exists'", err)
	}
}

func TestApplyEdits_CreateMakesParentDirs(t *testing.T) {
	dir := t.TempDir()

	err := ApplyEdits([]model.EditOperation{
		model.Create("nested/dir/a.go", "package a\n"),
	}, dir)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "nested/dir/a.go")); err != nil {
		t.Fatalf("file not created: %v", err)
	}
}

func TestApplyEdits_DeleteFailsIfMissing(t *testing.T) {
	dir := t.TempDir()

	err := ApplyEdits([]model.EditOperation{
		model.Delete("missing.go"),
	}, dir)
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("err = %v, want 'does not exist'", err)
	}
}

func TestApplyEdits_AccumulatesAllFailures(t *testing.T) {
	dir := t.TempDir()

	err := ApplyEdits([]model.EditOperation{
		model.Delete("missing1.go"),
		model.Replace("missing2.go", "x", "y"),
		model.Delete("missing3.go"),
	}, dir)
	if err == nil {
		t.Fatalf("expected combined error")
	}
	for _, want := range []string{"missing1.go", "missing2.go", "missing3.go"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("combined error %q missing %q", err.Error(), want)
		}
	}
}

func TestApplyEdits_WhitespacePreservedByteExact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	original := "line one\r\n\tindented\r\nline three\n"
	os.WriteFile(path, []byte(original), 0o644)

	err := ApplyEdits([]model.EditOperation{
		model.Replace("a.txt", "\tindented", "\treplaced"),
	}, dir)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, _ := os.ReadFile(path)
	want := "line one\r\n\treplaced\r\nline three\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestApplyEdits_PathEscapeRejected(t *testing.T) {
	dir := t.TempDir()

	err := ApplyEdits([]model.EditOperation{
		model.Create("../outside.go", "x"),
	}, dir)
	if err == nil || !strings.Contains(err.Error(), "escapes the working copy root") {
		t.Fatalf("err = %v, want path-escape error", err)
	}
}
