// Package editapply applies a builder session's accumulated edit operations
// to a working-copy root: exact-match replace, create, and delete, with
// every failure accumulated rather than aborting at the first one.
package editapply

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/outpost-dev/selfmod/internal/model"
)

// ApplyEdits applies ops in order against root. If any operation fails, its
// error is recorded and application continues with the remaining
// operations; at the end, a single combined error naming every failure is
// returned. An empty ops list is a no-op that returns nil.
func ApplyEdits(ops []model.EditOperation, root string) error {
	var failures []error

	for _, op := range ops {
		if err := applyOne(op, root); err != nil {
			failures = append(failures, fmt.Errorf("%s %s: %w", op.Kind, op.Path, err))
		}
	}

	if len(failures) == 0 {
		return nil
	}
	return errors.Join(failures...)
}

func applyOne(op model.EditOperation, root string) error {
	switch op.Kind {
	case model.EditReplace:
		return applyReplace(root, op.Path, op.OldString, op.NewString)
	case model.EditCreate:
		return applyCreate(root, op.Path, op.Content)
	case model.EditDelete:
		return applyDelete(root, op.Path)
	default:
		return fmt.Errorf("unknown edit kind %q", op.Kind)
	}
}

func applyReplace(root, path, oldString, newString string) error {
	abs, err := resolve(root, path)
	if err != nil {
		return err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	content := string(raw)

	count := strings.Count(content, oldString)
	switch {
	case count == 0:
		return fmt.Errorf("oldString not found in file %s", path)
	case count > 1:
		return fmt.Errorf("oldString matches multiple locations in file %s", path)
	}

	updated := strings.Replace(content, oldString, newString, 1)
	return atomicWrite(abs, []byte(updated), info.Mode())
}

func applyCreate(root, path, content string) error {
	abs, err := resolve(root, path)
	if err != nil {
		return err
	}

	if _, err := os.Stat(abs); err == nil {
		return fmt.Errorf("file already exists: %s", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	return atomicWrite(abs, []byte(content), 0o644)
}

func applyDelete(root, path string) error {
	abs, err := resolve(root, path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("stat file: %w", err)
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// resolve joins path onto root and rejects anything that escapes it.
func resolve(root, path string) (string, error) {
	abs := filepath.Clean(filepath.Join(root, path))
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the working copy root", path)
	}
	return abs, nil
}

// atomicWrite writes content to a temp file in the same directory as
// target, then renames it into place so a crash mid-write can never leave a
// half-written file at target.
func atomicWrite(target string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".selfmod-edit-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	tmpPath = ""
	return nil
}
