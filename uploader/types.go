// Package uploader splits a file into chunks and sends them to a receiver in parallel, retrying failed
// chunks and reporting progress until every chunk is accepted or the transfer is canceled.
package uploader

import (
	"io"
)

// ChunkProvider provides chunk data for upload.
// Implementations can read from files or memory buffers.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk returns a reader for the chunk at the given index.
	// GetChunk may be called concurrently for different indices.
	GetChunk(index int) (io.Reader, error)
}

// Source is a named ChunkProvider of known size.
type Source struct {
	FileName string
	Size     int64
	Provider ChunkProvider
}
