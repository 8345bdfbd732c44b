package uploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bitrise-io/go-chunktransfer/protocol"
)

// FileChunkProvider reads chunks from a file on disk.
// Thread-safe for parallel chunk reads.
type FileChunkProvider struct {
	file          *os.File
	chunkSize     int64
	lastChunkSize int64
	numChunks     int
	mu            sync.Mutex
}

// NewFileChunkProvider opens path and splits its size bytes into chunks of chunkSize.
// An empty file is a single empty chunk.
func NewFileChunkProvider(path string, size, chunkSize int64) (*FileChunkProvider, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be at least 1, got %d", chunkSize)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	numChunks := protocol.TotalChunks(size, chunkSize)
	return &FileChunkProvider{
		file:          file,
		chunkSize:     chunkSize,
		lastChunkSize: size - int64(numChunks-1)*chunkSize,
		numChunks:     numChunks,
	}, nil
}

// NumChunks returns the total number of chunks.
func (p *FileChunkProvider) NumChunks() int {
	return p.numChunks
}

// ChunkSize returns the size of the chunk at the given index.
func (p *FileChunkProvider) ChunkSize(index int) int64 {
	if index == p.numChunks-1 {
		return p.lastChunkSize
	}
	return p.chunkSize
}

// GetChunk returns a reader for the chunk at the given index.
// The data is read into memory to allow for retries.
func (p *FileChunkProvider) GetChunk(index int) (io.Reader, error) {
	if index < 0 || index >= p.numChunks {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, p.numChunks)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.ChunkSize(index)
	offset := int64(index) * p.chunkSize

	chunk := make([]byte, size)
	n, err := p.file.ReadAt(chunk, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d: %w", index+1, err)
	}
	if int64(n) != size {
		return nil, fmt.Errorf("file shrank while uploading: chunk %d has %d of %d bytes", index+1, n, size)
	}

	return bytes.NewReader(chunk), nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// ByteSliceChunkProvider provides chunks from pre-loaded byte slices.
type ByteSliceChunkProvider struct {
	chunks [][]byte
}

// NewByteSliceChunkProvider creates a ChunkProvider from byte slices.
func NewByteSliceChunkProvider(chunks [][]byte) *ByteSliceChunkProvider {
	return &ByteSliceChunkProvider{chunks: chunks}
}

// SplitBytes cuts data into chunks of chunkSize. Empty data is a single empty chunk.
func SplitBytes(data []byte, chunkSize int64) *ByteSliceChunkProvider {
	numChunks := protocol.TotalChunks(int64(len(data)), chunkSize)
	chunks := make([][]byte, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunks = append(chunks, data[start:end])
	}
	return NewByteSliceChunkProvider(chunks)
}

// NumChunks returns the total number of chunks.
func (p *ByteSliceChunkProvider) NumChunks() int {
	return len(p.chunks)
}

// ChunkSize returns the size of the chunk at the given index.
func (p *ByteSliceChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.chunks) {
		return 0
	}
	return int64(len(p.chunks[index]))
}

// GetChunk returns a reader for the chunk at the given index.
func (p *ByteSliceChunkProvider) GetChunk(index int) (io.Reader, error) {
	if index < 0 || index >= len(p.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.chunks))
	}
	return bytes.NewReader(p.chunks[index]), nil
}
