// Package destination moves a fully received file from its staging location to where it belongs.
package destination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Finalizer publishes a completely staged file. Implementations own stagedPath once Finalize returns nil.
type Finalizer interface {
	Finalize(ctx context.Context, stagedPath, destination string) error
}

// FinalizerFunc adapts a function to the Finalizer interface.
type FinalizerFunc func(ctx context.Context, stagedPath, destination string) error

// Finalize ...
func (f FinalizerFunc) Finalize(ctx context.Context, stagedPath, destination string) error {
	return f(ctx, stagedPath, destination)
}

// LocalFinalizer moves staged files to a path on the local filesystem.
type LocalFinalizer struct {
	logger log.Logger
}

// NewLocalFinalizer ...
func NewLocalFinalizer(logger log.Logger) *LocalFinalizer {
	return &LocalFinalizer{logger: logger}
}

// Finalize renames stagedPath to destination, falling back to a copy across filesystems.
func (f *LocalFinalizer) Finalize(ctx context.Context, stagedPath, destination string) error {
	if destination == "" {
		return errors.New("destination must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	err := os.Rename(stagedPath, destination)
	if err == nil {
		f.logger.Debugf("Moved %s to %s", stagedPath, destination)
		return nil
	}
	f.logger.Debugf("Rename failed, copying instead: %s", err)

	if err := copyFile(stagedPath, destination); err != nil {
		return err
	}
	if err := os.Remove(stagedPath); err != nil {
		f.logger.Warnf("Failed to remove staged file %s: %s", stagedPath, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}
	defer in.Close() //nolint:errcheck

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copy staged file: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync destination file: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close destination file: %w", err)
	}

	return os.Rename(tmp, dst)
}
