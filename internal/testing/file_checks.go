package testing

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// FileChecker collects checks on a checkpoint or source file.
type FileChecker struct {
	Path   string
	Checks []func(string) error
}

// NewFileChecker ...
func NewFileChecker(path string) *FileChecker {
	return &FileChecker{Path: path}
}

// Check runs every check and returns all failures.
func (fc *FileChecker) Check() error {
	var errs MultiError
	for _, check := range fc.Checks {
		AppendErr(&errs, check(fc.Path))
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// IsFile checks that the path is a regular file.
func (fc *FileChecker) IsFile() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := os.Lstat(path)
		if err != nil {
			return fmt.Errorf("lstat %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("expected regular file: %s (%s)", path, info.Mode())
		}
		return nil
	})
	return fc
}

// NotExists checks that nothing is left at the path.
func (fc *FileChecker) NotExists() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		_, err := os.Lstat(path)
		if err == nil {
			return fmt.Errorf("expected %s to be removed", path)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("lstat %s: %w", path, err)
		}
		return nil
	})
	return fc
}

// ModeEquals checks the permission bits of the path.
func (fc *FileChecker) ModeEquals(perm os.FileMode) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := os.Lstat(path)
		if err != nil {
			return fmt.Errorf("lstat %s: %w", path, err)
		}
		if got := info.Mode().Perm(); got != perm.Perm() {
			return fmt.Errorf("mode mismatch for %s: want %o got %o", path, perm.Perm(), got)
		}
		return nil
	})
	return fc
}

// Content checks that the file holds exactly want.
func (fc *FileChecker) Content(want []byte) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		got, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("file %s content mismatch\nwant:\n%q\n\ngot:\n%q", path, want, got)
		}
		return nil
	})
	return fc
}
