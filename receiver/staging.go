package receiver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// staging keeps the bytes of unfinished transfers in <dir>/<transfer id>.part.
// The file only ever holds the accepted prefix of a transfer, so its length tells where to resume.
type staging struct {
	dir string
}

func (s staging) path(id string) string {
	return filepath.Join(s.dir, id+".part")
}

// resumePoint returns how many chunks of the staged file can be kept. A torn tail is cut off and the
// final chunk is never counted, so completing a transfer always goes through a fresh write.
func (s staging) resumePoint(id string, totalChunks int, chunkSize int64) (int, int64, error) {
	info, err := os.Stat(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("stat staged file: %w", err)
	}

	chunks := int(info.Size() / chunkSize)
	if chunks > totalChunks-1 {
		chunks = totalChunks - 1
	}
	if chunks < 0 {
		chunks = 0
	}
	size := int64(chunks) * chunkSize

	if info.Size() != size {
		if err := os.Truncate(s.path(id), size); err != nil {
			return 0, 0, fmt.Errorf("truncate staged file: %w", err)
		}
	}
	return chunks, size, nil
}

// errStagedBehind is returned when the staged file does not hold every byte before a chunk,
// typically because earlier chunks were staged by a receiver that does not share this directory.
var errStagedBehind = errors.New("staged file is missing earlier chunks")

// size returns the staged length of id, zero when nothing is staged.
func (s staging) size(id string) (int64, error) {
	info, err := os.Stat(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat staged file: %w", err)
	}
	return info.Size(), nil
}

// write stores payload at offset and flushes it to disk. The staged file must already reach offset.
// Bytes past offset are left alone: they belong to the same transfer, and another receiver sharing
// the directory may be appending them.
func (s staging) write(id string, offset int64, payload []byte) error {
	staged, err := s.size(id)
	if err != nil {
		return err
	}
	if staged < offset {
		return fmt.Errorf("%w: %d bytes staged, chunk starts at %d", errStagedBehind, staged, offset)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	file, err := os.OpenFile(s.path(id), os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}

	if _, err := file.WriteAt(payload, offset); err != nil {
		_ = file.Close()
		return fmt.Errorf("write chunk at %d: %w", offset, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync staged file: %w", err)
	}
	return file.Close()
}

// modified returns when the staged file of id was last written. ok is false when nothing is staged.
func (s staging) modified(id string) (time.Time, bool, error) {
	info, err := os.Stat(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stat staged file: %w", err)
	}
	return info.ModTime(), true, nil
}

// idle returns the ids of staged files not modified for longer than ttl.
func (s staging) idle(ttl time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list staging dir: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		id, ok := strings.CutSuffix(entry.Name(), ".part")
		if !ok || entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > ttl {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s staging) remove(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
