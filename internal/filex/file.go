package filex

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadTrimmed reads a small secret file, such as a mnemonic or an app
// password, and strips surrounding whitespace.
func ReadTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// EnsureParentDir creates the directory that should hold the given file.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}
