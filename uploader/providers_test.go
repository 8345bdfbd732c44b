package uploader

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestByteSliceChunkProvider(t *testing.T) {
	chunks := [][]byte{
		[]byte("first chunk"),
		[]byte("second chunk with more data"),
		[]byte("third"),
	}

	provider := NewByteSliceChunkProvider(chunks)

	if provider.NumChunks() != 3 {
		t.Errorf("Expected 3 chunks, got %d", provider.NumChunks())
	}

	expectedSizes := []int64{11, 27, 5}
	for i, expected := range expectedSizes {
		if provider.ChunkSize(i) != expected {
			t.Errorf("Chunk %d: expected size %d, got %d", i, expected, provider.ChunkSize(i))
		}
	}

	for i, expectedData := range chunks {
		reader, err := provider.GetChunk(i)
		if err != nil {
			t.Fatalf("GetChunk(%d) error: %v", i, err)
		}

		data, err := io.ReadAll(reader)
		if err != nil {
			t.Fatalf("ReadAll error: %v", err)
		}

		if string(data) != string(expectedData) {
			t.Errorf("Chunk %d: expected %q, got %q", i, expectedData, data)
		}
	}

	if _, err := provider.GetChunk(-1); err == nil {
		t.Error("Expected error for negative index")
	}
	if _, err := provider.GetChunk(3); err == nil {
		t.Error("Expected error for out of range index")
	}
}

func TestSplitBytes(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		chunkSize int64
		want      []string
	}{
		{name: "empty", data: "", chunkSize: 4, want: []string{""}},
		{name: "exact", data: "abcd", chunkSize: 2, want: []string{"ab", "cd"}},
		{name: "partial last", data: "abcde", chunkSize: 2, want: []string{"ab", "cd", "e"}},
		{name: "single byte chunks", data: "abc", chunkSize: 1, want: []string{"a", "b", "c"}},
		{name: "chunk larger than data", data: "abc", chunkSize: 10, want: []string{"abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := SplitBytes([]byte(tt.data), tt.chunkSize)
			if provider.NumChunks() != len(tt.want) {
				t.Fatalf("Expected %d chunks, got %d", len(tt.want), provider.NumChunks())
			}
			for i, want := range tt.want {
				reader, err := provider.GetChunk(i)
				if err != nil {
					t.Fatalf("GetChunk(%d) error: %v", i, err)
				}
				data, err := io.ReadAll(reader)
				if err != nil {
					t.Fatalf("ReadAll error: %v", err)
				}
				if string(data) != want {
					t.Errorf("Chunk %d: expected %q, got %q", i, want, data)
				}
			}
		})
	}
}

func TestFileChunkProvider(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.bin")

	testData := make([]byte, 100)
	for i := range testData {
		testData[i] = byte(i)
	}
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	// 30+30+30+10 = 100
	provider, err := NewFileChunkProvider(testFile, 100, 30)
	if err != nil {
		t.Fatalf("NewFileChunkProvider error: %v", err)
	}
	defer provider.Close()

	if provider.NumChunks() != 4 {
		t.Errorf("Expected 4 chunks, got %d", provider.NumChunks())
	}

	for i := 0; i < 3; i++ {
		if provider.ChunkSize(i) != 30 {
			t.Errorf("Chunk %d: expected size 30, got %d", i, provider.ChunkSize(i))
		}
	}
	if provider.ChunkSize(3) != 10 {
		t.Errorf("Last chunk: expected size 10, got %d", provider.ChunkSize(3))
	}

	// Out of order reads must not interfere
	var chunks [4][]byte
	for _, i := range []int{3, 1, 0, 2} {
		reader, err := provider.GetChunk(i)
		if err != nil {
			t.Fatalf("GetChunk(%d) error: %v", i, err)
		}

		data, err := io.ReadAll(reader)
		if err != nil {
			t.Fatalf("ReadAll error: %v", err)
		}
		chunks[i] = data
	}

	var readData []byte
	for _, data := range chunks {
		readData = append(readData, data...)
	}
	if string(readData) != string(testData) {
		t.Errorf("Read data doesn't match original")
	}

	if _, err := provider.GetChunk(4); err == nil {
		t.Error("Expected error for out of range index")
	}
}

func TestFileChunkProvider_EmptyFile(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "empty.bin")
	if err := os.WriteFile(testFile, nil, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	provider, err := NewFileChunkProvider(testFile, 0, 1024)
	if err != nil {
		t.Fatalf("NewFileChunkProvider error: %v", err)
	}
	defer provider.Close()

	if provider.NumChunks() != 1 {
		t.Fatalf("Expected 1 chunk, got %d", provider.NumChunks())
	}
	if provider.ChunkSize(0) != 0 {
		t.Errorf("Expected empty chunk, got %d bytes", provider.ChunkSize(0))
	}

	reader, err := provider.GetChunk(0)
	if err != nil {
		t.Fatalf("GetChunk(0) error: %v", err)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("Expected no data, got %q", data)
	}
}

func TestFileChunkProvider_Errors(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.bin")
	if err := os.WriteFile(testFile, []byte("abc"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := NewFileChunkProvider(filepath.Join(t.TempDir(), "missing"), 3, 1); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := NewFileChunkProvider(testFile, 3, 0); err == nil {
		t.Error("Expected error for zero chunk size")
	}

	// The file is shorter than announced
	provider, err := NewFileChunkProvider(testFile, 6, 2)
	if err != nil {
		t.Fatalf("NewFileChunkProvider error: %v", err)
	}
	defer provider.Close()

	if _, err := provider.GetChunk(2); err == nil {
		t.Error("Expected error reading past the end of the file")
	}
}
