// Package chunkstore tracks which chunks of which transfer have been accepted.
//
// Chunks of one transfer are accepted strictly in index order, so the received set of a
// transfer is always the prefix [0, ReceivedChunks). Backends store it as a counter plus a
// byte total and advance both atomically, which makes concurrent and cross-process
// acceptance of the same chunk impossible.
package chunkstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a transfer id.
	ErrNotFound = errors.New("transfer record not found")
	// ErrOutOfOrder is returned when a chunk is recorded before its predecessor.
	ErrOutOfOrder = errors.New("chunk recorded out of order")
	// ErrRejected is returned for transfers that were rejected and may not receive more chunks.
	ErrRejected = errors.New("transfer rejected")
)

// Record is the bookkeeping state of one transfer.
type Record struct {
	ID             string
	Destination    string
	FileName       string
	TotalChunks    int
	ChunkSize      int64
	ReceivedChunks int
	ReceivedBytes  int64
	Rejected       bool
	RejectReason   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsComplete reports whether every declared chunk has been received.
func (r Record) IsComplete() bool {
	return r.TotalChunks > 0 && r.ReceivedChunks >= r.TotalChunks
}

// HasReceived reports whether the chunk at index was already accepted.
func (r Record) HasReceived(index int) bool {
	return index < r.ReceivedChunks
}

// Chunk identifies a chunk being recorded.
type Chunk struct {
	Index int
	Total int
	Size  int64
}

// Result is the outcome of recording a chunk.
type Result struct {
	AlreadyReceived bool
	IsComplete      bool
	Record          Record
}

// Store is implemented by every chunk state backend. All methods are safe for concurrent use.
type Store interface {
	// Begin creates the record for id unless one exists and returns the stored record.
	// The received counters of init are kept, so a transfer can resume from already staged bytes.
	// created is false when another request created it first.
	Begin(ctx context.Context, id string, init Record) (record Record, created bool, err error)

	// RecordChunk marks a chunk as received.
	RecordChunk(ctx context.Context, id string, chunk Chunk) (Result, error)

	// GetState returns the record of id or ErrNotFound.
	GetState(ctx context.Context, id string) (Record, error)

	// Evict removes all state of id. Evicting a missing record is not an error.
	Evict(ctx context.Context, id string) error

	// IsExpired reports whether the record was last written more than ttl ago.
	// A non-positive ttl disables expiry and missing records are never expired.
	IsExpired(ctx context.Context, id string, ttl time.Duration) (bool, error)

	// Reject marks the transfer as rejected; further RecordChunk calls fail with ErrRejected.
	Reject(ctx context.Context, id string, reason string) error

	// ListExpired returns the ids of records, rejected ones included, last written more than ttl ago.
	// A non-positive ttl returns nothing.
	ListExpired(ctx context.Context, ttl time.Duration) ([]string, error)

	Close() error
}

// apply advances a record by one chunk. Shared by the backends that compute state in Go.
func apply(record *Record, chunk Chunk, now time.Time) (Result, error) {
	if record.Rejected {
		return Result{}, ErrRejected
	}
	if chunk.Total > 0 {
		record.TotalChunks = chunk.Total
	}

	switch {
	case record.HasReceived(chunk.Index):
		return Result{AlreadyReceived: true, IsComplete: record.IsComplete(), Record: *record}, nil
	case chunk.Index > record.ReceivedChunks:
		return Result{}, ErrOutOfOrder
	}

	record.ReceivedChunks++
	record.ReceivedBytes += chunk.Size
	record.UpdatedAt = now

	return Result{IsComplete: record.IsComplete(), Record: *record}, nil
}

func expired(updatedAt time.Time, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(updatedAt) > ttl
}
