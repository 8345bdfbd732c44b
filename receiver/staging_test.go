package receiver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaging_ResumePoint(t *testing.T) {
	tests := []struct {
		name       string
		staged     []byte
		total      int
		chunkSize  int64
		wantChunks int
		wantSize   int64
	}{
		{name: "nothing staged", staged: nil, total: 4, chunkSize: 2},
		{name: "whole chunks", staged: []byte("aabb"), total: 4, chunkSize: 2, wantChunks: 2, wantSize: 4},
		{name: "torn tail", staged: []byte("aabbc"), total: 4, chunkSize: 2, wantChunks: 2, wantSize: 4},
		{name: "last chunk is rewritten", staged: []byte("aabbcc"), total: 3, chunkSize: 2, wantChunks: 2, wantSize: 4},
		{name: "single chunk", staged: []byte("a"), total: 1, chunkSize: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := staging{dir: t.TempDir()}
			if tt.staged != nil {
				require.NoError(t, os.WriteFile(s.path("id"), tt.staged, 0o600))
			}

			chunks, size, err := s.resumePoint("id", tt.total, tt.chunkSize)
			require.NoError(t, err)
			assert.Equal(t, tt.wantChunks, chunks)
			assert.Equal(t, tt.wantSize, size)

			if tt.staged != nil {
				info, err := os.Stat(s.path("id"))
				require.NoError(t, err)
				assert.Equal(t, tt.wantSize, info.Size())
			}
		})
	}
}

func TestStaging_WriteAndRemove(t *testing.T) {
	s := staging{dir: t.TempDir()}

	require.NoError(t, s.write("id", 0, []byte("ab")))
	require.NoError(t, s.write("id", 2, []byte("cd")))
	require.NoError(t, s.write("id", 2, []byte("cd")))

	got, err := os.ReadFile(s.path("id"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got))

	require.NoError(t, s.remove("id"))
	require.NoError(t, s.remove("id"))
}

func TestStaging_WriteRequiresStagedPrefix(t *testing.T) {
	s := staging{dir: t.TempDir()}

	err := s.write("id", 2, []byte("cd"))
	require.ErrorIs(t, err, errStagedBehind)
	assert.NoFileExists(t, s.path("id"))

	require.NoError(t, s.write("id", 0, []byte("ab")))
	require.ErrorIs(t, s.write("id", 4, []byte("ef")), errStagedBehind)

	// a chunk already staged by a concurrent writer is rewritten in place
	require.NoError(t, s.write("id", 2, []byte("cd")))
	require.NoError(t, s.write("id", 0, []byte("ab")))

	got, err := os.ReadFile(s.path("id"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got))
}

func TestStaging_Idle(t *testing.T) {
	s := staging{dir: t.TempDir()}
	require.NoError(t, s.write("old", 0, []byte("a")))
	require.NoError(t, s.write("new", 0, []byte("a")))
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "notes.txt"), nil, 0o600))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(s.path("old"), past, past))

	ids, err := s.idle(time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	ids, err = staging{dir: filepath.Join(s.dir, "missing")}.idle(time.Minute, time.Now())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSequencer_ReleasesSlots(t *testing.T) {
	seq := newSequencer()

	a := seq.acquire("id")
	b := seq.acquire("id")
	assert.Same(t, a, b)

	seq.release("id", a)
	assert.Len(t, seq.slots, 1)
	seq.release("id", b)
	assert.Empty(t, seq.slots)
}

func TestTransferSlot_Signal(t *testing.T) {
	slot := &transferSlot{advanced: make(chan struct{})}

	slot.lock()
	wait := slot.changed()
	slot.signal()
	slot.unlock()

	select {
	case <-wait:
	default:
		t.Fatal("waiter was not woken")
	}
}

func TestCompletions_Expire(t *testing.T) {
	now := time.Now()
	c := newCompletions(time.Minute)
	c.now = func() time.Time { return now }

	c.add("id", 3)
	e, ok := c.get("id")
	require.True(t, ok)
	assert.Equal(t, 3, e.totalChunks)

	now = now.Add(2 * time.Minute)
	_, ok = c.get("id")
	assert.False(t, ok)
}
