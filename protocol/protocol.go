// Package protocol describes the wire contract shared by the chunk uploader and the receiver.
// Every chunk travels as one POST request with the raw payload as body and its metadata in headers.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
)

var transferIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Request headers.
const (
	HeaderTransferID  = "X-Transfer-Id"
	HeaderChunkIndex  = "X-Chunk-Index"
	HeaderChunkTotal  = "X-Chunk-Total"
	HeaderChunkSize   = "X-Chunk-Size"
	HeaderFileName    = "X-File-Name"
	HeaderFileSize    = "X-File-Size"
	HeaderChunkSHA256 = "X-Chunk-Sha256"

	HeaderContentEncoding = "Content-Encoding"
	EncodingZstd          = "zstd"
)

// HeaderTransferStatus is set on responses for accepted chunks.
const HeaderTransferStatus = "X-Transfer-Status"

// Transfer status values.
const (
	StatusIncomplete = "incomplete"
	StatusComplete   = "complete"
)

// Error codes carried in rejection bodies.
const (
	CodeInvalidChunk          = "INVALID_CHUNK"
	CodeTransientFault        = "TRANSIENT_FAULT"
	CodeChunkStateExpired     = "CHUNK_STATE_EXPIRED"
	CodeChunkOutOfOrder       = "CHUNK_OUT_OF_ORDER"
	CodeChecksumMismatch      = "CHUNK_CHECKSUM_MISMATCH"
	CodeFileTooLarge          = "FILE_TOO_LARGE"
	CodeChunkTooLarge         = "CHUNK_TOO_LARGE"
	CodeStagedBytesMissing    = "STAGED_BYTES_MISSING"
	CodeFileNameNotAllowed    = "FILE_NAME_NOT_ALLOWED"
	CodeDestinationUnresolved = "DESTINATION_UNRESOLVED"
	CodeStoreError            = "STORE_ERROR"
	CodeFinalizeFailed        = "FINALIZE_FAILED"
)

// ChunkHeader is the metadata of one chunk request.
type ChunkHeader struct {
	TransferID  string
	Index       int
	TotalChunks int
	ChunkSize   int64
	FileName    string
	FileSize    int64
	SHA256      string
	Encoding    string
}

// Offset returns the byte offset of the chunk within the file.
func (h ChunkHeader) Offset() int64 {
	return int64(h.Index) * h.ChunkSize
}

// Apply writes the chunk metadata to the given request headers.
func (h ChunkHeader) Apply(header http.Header) {
	header.Set(HeaderTransferID, h.TransferID)
	header.Set(HeaderChunkIndex, strconv.Itoa(h.Index))
	header.Set(HeaderChunkTotal, strconv.Itoa(h.TotalChunks))
	header.Set(HeaderChunkSize, strconv.FormatInt(h.ChunkSize, 10))
	header.Set(HeaderFileName, h.FileName)
	header.Set(HeaderFileSize, strconv.FormatInt(h.FileSize, 10))
	header.Set("Content-Type", "application/octet-stream")
	if h.SHA256 != "" {
		header.Set(HeaderChunkSHA256, h.SHA256)
	}
	if h.Encoding != "" {
		header.Set(HeaderContentEncoding, h.Encoding)
	}
}

// ParseChunkHeader reads and validates chunk metadata from request headers.
func ParseChunkHeader(header http.Header) (ChunkHeader, error) {
	h := ChunkHeader{
		TransferID: header.Get(HeaderTransferID),
		FileName:   header.Get(HeaderFileName),
		SHA256:     header.Get(HeaderChunkSHA256),
		Encoding:   header.Get(HeaderContentEncoding),
	}
	if h.TransferID == "" {
		return ChunkHeader{}, fmt.Errorf("missing %s header", HeaderTransferID)
	}
	if !transferIDPattern.MatchString(h.TransferID) {
		return ChunkHeader{}, fmt.Errorf("invalid %s header %q", HeaderTransferID, h.TransferID)
	}

	var err error
	if h.Index, err = parseInt(header, HeaderChunkIndex); err != nil {
		return ChunkHeader{}, err
	}
	if h.TotalChunks, err = parseInt(header, HeaderChunkTotal); err != nil {
		return ChunkHeader{}, err
	}
	if h.ChunkSize, err = parseInt64(header, HeaderChunkSize); err != nil {
		return ChunkHeader{}, err
	}
	if h.FileSize, err = parseInt64(header, HeaderFileSize); err != nil {
		return ChunkHeader{}, err
	}

	if h.TotalChunks < 1 {
		return ChunkHeader{}, fmt.Errorf("chunk total must be at least 1, got %d", h.TotalChunks)
	}
	if h.Index < 0 || h.Index >= h.TotalChunks {
		return ChunkHeader{}, fmt.Errorf("chunk index %d out of range [0, %d)", h.Index, h.TotalChunks)
	}
	if h.ChunkSize < 1 {
		return ChunkHeader{}, fmt.Errorf("chunk size must be at least 1, got %d", h.ChunkSize)
	}
	if h.FileSize < 0 {
		return ChunkHeader{}, fmt.Errorf("file size must not be negative, got %d", h.FileSize)
	}
	if want := TotalChunks(h.FileSize, h.ChunkSize); h.TotalChunks != want {
		return ChunkHeader{}, fmt.Errorf("chunk total %d does not match %d bytes in chunks of %d", h.TotalChunks, h.FileSize, h.ChunkSize)
	}
	if h.Encoding != "" && h.Encoding != EncodingZstd {
		return ChunkHeader{}, fmt.Errorf("unsupported content encoding: %s", h.Encoding)
	}

	return h, nil
}

// TotalChunks returns how many chunks a file of size bytes is split into. An empty file is one empty chunk.
func TotalChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 1
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ExpectedSize returns the payload length the chunk must have given the file size.
func (h ChunkHeader) ExpectedSize() int64 {
	if h.Index < h.TotalChunks-1 {
		return h.ChunkSize
	}
	return h.FileSize - h.Offset()
}

// Checksum returns the hex encoded sha256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ErrorBody is the JSON body of a rejected chunk.
type ErrorBody struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail ...
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AcceptedBody is the default JSON body of an accepted chunk.
type AcceptedBody struct {
	Success bool     `json:"success"`
	Data    Accepted `json:"data"`
}

// Accepted ...
type Accepted struct {
	TransferID     string `json:"transfer_id"`
	Index          int    `json:"index"`
	ReceivedChunks int    `json:"received_chunks"`
	TotalChunks    int    `json:"total_chunks"`
	Complete       bool   `json:"complete"`
	Duplicate      bool   `json:"duplicate"`
}

// IsTerminal reports whether a rejection with the given status must not be retried by the client.
func IsTerminal(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return statusCode >= 400 && statusCode < 500
}

func parseInt(header http.Header, key string) (int, error) {
	v, err := parseInt64(header, key)
	return int(v), err
}

func parseInt64(header http.Header, key string) (int64, error) {
	raw := header.Get(key)
	if raw == "" {
		return 0, fmt.Errorf("missing %s header", key)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s header %q: %w", key, raw, err)
	}
	return v, nil
}
