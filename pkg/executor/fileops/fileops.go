package fileops

import (
	"context"
	"fmt"
	"path"

	"github.com/terabiome/qlaunch/pkg/executor"
)

// Exists reports whether path exists on the executor's host. Exit status 1
// from test(1) means absent; anything else non-zero is an error.
func Exists(ctx context.Context, exec executor.Executor, path string) (bool, error) {
	result, err := executor.RunAndCapture(ctx, exec, "test", "-e", path)
	switch {
	case err == nil:
		return true, nil
	case result.ExitCode == 1:
		return false, nil
	default:
		return false, fmt.Errorf("failed to check %s: %w\nstderr: %s", path, err, result.Stderr)
	}
}

func RemoveFile(ctx context.Context, exec executor.Executor, path string) error {
	result, err := executor.RunAndCapture(ctx, exec, "rm", "-f", path)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w\nstderr: %s", path, err, result.Stderr)
	}
	return nil
}

func CreateDirectory(ctx context.Context, exec executor.Executor, path string) error {
	result, err := executor.RunAndCapture(ctx, exec, "mkdir", "-p", path)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w\nstderr: %s", path, err, result.Stderr)
	}
	return nil
}

// CreateParentDirectory creates the directory holding file.
func CreateParentDirectory(ctx context.Context, exec executor.Executor, file string) error {
	return CreateDirectory(ctx, exec, path.Dir(file))
}

func MoveFile(ctx context.Context, exec executor.Executor, src, dst string) error {
	result, err := executor.RunAndCapture(ctx, exec, "mv", "-f", src, dst)
	if err != nil {
		return fmt.Errorf("failed to move %s to %s: %w\nstderr: %s", src, dst, err, result.Stderr)
	}
	return nil
}
