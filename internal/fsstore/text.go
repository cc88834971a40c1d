package fsstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func ReadText(path string) (string, bool, error) {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(normalizedPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read text %s: %w", normalizedPath, err)
	}
	return string(data), true, nil
}

func WriteTextAtomic(path string, content string, opts FileOptions) error {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return err
	}
	return writeAtomic(normalizedPath, []byte(content), opts)
}

// AppendLine appends a single line to the file at path, creating the file
// and parent directories as needed. Used for the per-task name-mapping logs,
// which are append-only by contract.
func AppendLine(path string, line string, opts FileOptions) error {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return err
	}
	if strings.ContainsRune(line, '\n') {
		return fmt.Errorf("%w: line contains newline", ErrInvalidPath)
	}
	opts = normalizeFileOptions(opts)

	if err := EnsureDir(filepath.Dir(normalizedPath), opts.DirPerm); err != nil {
		return err
	}
	file, err := os.OpenFile(normalizedPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, opts.FilePerm)
	if err != nil {
		return fmt.Errorf("append line %s: %w", normalizedPath, err)
	}
	defer file.Close()

	if _, err := file.WriteString(strings.TrimSuffix(line, "\r") + "\n"); err != nil {
		return fmt.Errorf("append line %s: %w", normalizedPath, err)
	}
	return file.Sync()
}
