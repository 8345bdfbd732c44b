// Package receiver accepts chunked uploads as a gin middleware.
//
// Chunks of a transfer are appended to a staged file strictly in index order and the progress is kept
// in a chunkstore.Store. A chunk is only acknowledged after its bytes are durable, duplicates are
// acknowledged without a second write, and the staged file is handed to a destination.Finalizer once
// the last chunk arrives.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunktransfer/chunkstore"
	"github.com/bitrise-io/go-chunktransfer/codec"
	"github.com/bitrise-io/go-chunktransfer/protocol"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/gin-gonic/gin"
)

// OutcomeKey is the gin context key holding the Outcome of an accepted chunk.
const OutcomeKey = "chunktransfer.outcome"

// Outcome describes an accepted chunk to downstream handlers.
type Outcome struct {
	TransferID     string
	Index          int
	TotalChunks    int
	ReceivedChunks int
	Complete       bool
	Duplicate      bool
	Destination    string
}

// OutcomeFromContext returns the Outcome stored by the middleware.
func OutcomeFromContext(c *gin.Context) (Outcome, bool) {
	v, ok := c.Get(OutcomeKey)
	if !ok {
		return Outcome{}, false
	}
	outcome, ok := v.(Outcome)
	return outcome, ok
}

type rejection struct {
	status  int
	code    string
	message string
}

func (r *rejection) Error() string {
	return fmt.Sprintf("%d %s: %s", r.status, r.code, r.message)
}

func reject(status int, code, format string, args ...interface{}) *rejection {
	return &rejection{status: status, code: code, message: fmt.Sprintf(format, args...)}
}

// Receiver ...
type Receiver struct {
	cfg       Config
	store     chunkstore.Store
	ownsStore bool
	staging   staging
	sequencer *sequencer
	completed *completions
	logger    log.Logger

	stopSweep context.CancelFunc
	sweepDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and opens the configured chunk store when no Store instance is given.
func New(cfg Config) (*Receiver, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid receiver config: %w", err)
	}
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	store := cfg.Store
	ownsStore := false
	if store == nil {
		var err error
		store, err = chunkstore.New(context.Background(), cfg.StoreConfig, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("open chunk store: %w", err)
		}
		ownsStore = true
	}

	r := &Receiver{
		cfg:       cfg,
		store:     store,
		ownsStore: ownsStore,
		staging:   staging{dir: cfg.StagingDir},
		sequencer: newSequencer(),
		completed: newCompletions(defaultCompletedTTL),
		logger:    cfg.Logger,
	}
	if cfg.ChunkExpiry > 0 {
		r.startSweeper()
	}
	return r, nil
}

// Close stops the sweeper and releases the chunk store if the Receiver opened it.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		if r.stopSweep != nil {
			r.stopSweep()
			<-r.sweepDone
		}
		if r.ownsStore {
			r.closeErr = r.store.Close()
		}
	})
	return r.closeErr
}

// Middleware returns the handler accepting one chunk per request. Accepted chunks continue down the
// chain with their Outcome in the context; a default JSON body is written if no later handler responds.
func (r *Receiver) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header, payload, rej := r.readChunk(c)
		if rej != nil {
			r.abort(c, header.TransferID, rej)
			return
		}

		if r.cfg.Faults.Fail() {
			r.abort(c, header.TransferID, reject(http.StatusServiceUnavailable, protocol.CodeTransientFault, "injected transient fault"))
			return
		}

		outcome, completed, rej := r.accept(c.Request.Context(), c.Request, header, payload)
		if rej != nil {
			r.abort(c, header.TransferID, rej)
			return
		}

		if completed != nil && r.cfg.OnComplete != nil {
			r.cfg.OnComplete(c.Request.Context(), *completed)
		}

		status := protocol.StatusIncomplete
		if outcome.Complete {
			status = protocol.StatusComplete
		}
		c.Set(OutcomeKey, outcome)
		c.Header(protocol.HeaderTransferStatus, status)

		c.Next()

		if !c.Writer.Written() && !c.IsAborted() {
			c.JSON(http.StatusOK, protocol.AcceptedBody{
				Success: true,
				Data: protocol.Accepted{
					TransferID:     outcome.TransferID,
					Index:          outcome.Index,
					ReceivedChunks: outcome.ReceivedChunks,
					TotalChunks:    outcome.TotalChunks,
					Complete:       outcome.Complete,
					Duplicate:      outcome.Duplicate,
				},
			})
		}
	}
}

func (r *Receiver) abort(c *gin.Context, transferID string, rej *rejection) {
	switch {
	case rej.code == protocol.CodeStoreError || rej.code == protocol.CodeFinalizeFailed:
		r.logger.Errorf("Transfer %s: %s", transferID, rej.message)
	case rej.status == http.StatusRequestEntityTooLarge:
		r.logger.Warnf("Transfer %s rejected: %s", transferID, rej.message)
	default:
		r.logger.Debugf("Transfer %s chunk rejected: %s", transferID, rej)
	}

	c.AbortWithStatusJSON(rej.status, protocol.ErrorBody{
		Success: false,
		Error:   protocol.ErrorDetail{Code: rej.code, Message: rej.message},
	})
}

// readChunk parses the chunk metadata and returns the decoded, verified payload.
// Size limits are enforced before any of the body is read.
func (r *Receiver) readChunk(c *gin.Context) (protocol.ChunkHeader, []byte, *rejection) {
	header, err := protocol.ParseChunkHeader(c.Request.Header)
	if err != nil {
		return header, nil, reject(http.StatusBadRequest, protocol.CodeInvalidChunk, "%s", err)
	}

	if header.ChunkSize > r.cfg.MaxChunkSize {
		return header, nil, reject(http.StatusRequestEntityTooLarge, protocol.CodeChunkTooLarge, "chunk size of %s exceeds the maximum of %s",
			units.BytesSize(float64(header.ChunkSize)), units.BytesSize(float64(r.cfg.MaxChunkSize)))
	}
	expected := header.ExpectedSize()
	if r.cfg.MaxFileSize > 0 && expected > r.cfg.MaxFileSize {
		return header, nil, reject(http.StatusRequestEntityTooLarge, protocol.CodeFileTooLarge, "chunk of %s exceeds the maximum file size of %s",
			units.BytesSize(float64(expected)), units.BytesSize(float64(r.cfg.MaxFileSize)))
	}

	limit := expected
	if header.Encoding == protocol.EncodingZstd {
		// zstd output never exceeds its input by more than the frame overhead
		limit = expected + expected/128 + 1024
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	var tooLong *http.MaxBytesError
	if errors.As(err, &tooLong) {
		return header, nil, reject(http.StatusBadRequest, protocol.CodeInvalidChunk, "chunk %d payload exceeds %d bytes", header.Index, expected)
	}
	if err != nil {
		return header, nil, reject(http.StatusServiceUnavailable, protocol.CodeTransientFault, "read chunk %d payload: %s", header.Index, err)
	}

	payload := body
	if header.Encoding == protocol.EncodingZstd {
		payload, err = codec.Decompress(body, expected)
		if errors.Is(err, codec.ErrTooLarge) {
			return header, nil, reject(http.StatusBadRequest, protocol.CodeInvalidChunk, "chunk %d payload exceeds %d bytes", header.Index, expected)
		}
		if err != nil {
			return header, nil, reject(http.StatusConflict, protocol.CodeChecksumMismatch, "%s", err)
		}
	}

	if int64(len(payload)) != expected {
		return header, nil, reject(http.StatusConflict, protocol.CodeChecksumMismatch, "chunk %d has %d bytes, expected %d", header.Index, len(payload), expected)
	}
	if header.SHA256 != "" && !strings.EqualFold(protocol.Checksum(payload), header.SHA256) {
		return header, nil, reject(http.StatusConflict, protocol.CodeChecksumMismatch, "chunk %d checksum mismatch", header.Index)
	}

	return header, payload, nil
}

type step struct {
	outcome   Outcome
	completed *Completed
	rejection *rejection
	wait      <-chan struct{}
}

// accept applies a chunk, holding it while earlier chunks of the same transfer are outstanding.
func (r *Receiver) accept(ctx context.Context, req *http.Request, header protocol.ChunkHeader, payload []byte) (Outcome, *Completed, *rejection) {
	slot := r.sequencer.acquire(header.TransferID)
	defer r.sequencer.release(header.TransferID, slot)

	var hold *time.Timer
	var recheck *time.Ticker
	for {
		slot.lock()
		s := r.acceptLocked(ctx, slot, req, header, payload)
		slot.unlock()

		if s.wait == nil {
			return s.outcome, s.completed, s.rejection
		}

		if hold == nil {
			hold = time.NewTimer(r.cfg.HoldTimeout)
			defer hold.Stop()
			// receivers sharing the store advance it without signalling this process
			recheck = time.NewTicker(holdRecheckInterval)
			defer recheck.Stop()
		}
		select {
		case <-s.wait:
		case <-recheck.C:
		case <-hold.C:
			return Outcome{}, nil, reject(http.StatusServiceUnavailable, protocol.CodeChunkOutOfOrder,
				"chunk %d waited %s for earlier chunks", header.Index, r.cfg.HoldTimeout)
		case <-ctx.Done():
			return Outcome{}, nil, reject(http.StatusServiceUnavailable, protocol.CodeChunkOutOfOrder,
				"chunk %d abandoned while waiting for earlier chunks", header.Index)
		}
	}
}

func (r *Receiver) acceptLocked(ctx context.Context, slot *transferSlot, req *http.Request, header protocol.ChunkHeader, payload []byte) step {
	id := header.TransferID

	if done, ok := r.completed.get(id); ok {
		return step{outcome: Outcome{
			TransferID:     id,
			Index:          header.Index,
			TotalChunks:    done.totalChunks,
			ReceivedChunks: done.totalChunks,
			Complete:       true,
			Duplicate:      true,
		}}
	}

	record, err := r.store.GetState(ctx, id)
	switch {
	case err == nil:
		if record.Rejected {
			return step{rejection: reject(http.StatusRequestEntityTooLarge, protocol.CodeFileTooLarge, "%s", record.RejectReason)}
		}
		if rej := r.checkExpiry(ctx, slot, record); rej != nil {
			return step{rejection: rej}
		}
	case errors.Is(err, chunkstore.ErrNotFound):
		var rej *rejection
		record, rej = r.begin(ctx, slot, req, header)
		if rej != nil {
			return step{rejection: rej}
		}
	default:
		return step{rejection: reject(http.StatusInternalServerError, protocol.CodeStoreError, "load chunk state: %s", err)}
	}

	if record.TotalChunks != header.TotalChunks || record.ChunkSize != header.ChunkSize {
		return step{rejection: reject(http.StatusBadRequest, protocol.CodeInvalidChunk,
			"chunk layout %dx%d does not match transfer layout %dx%d", header.TotalChunks, header.ChunkSize, record.TotalChunks, record.ChunkSize)}
	}

	switch {
	case header.Index > record.ReceivedChunks:
		return step{wait: slot.changed()}
	case header.Index < record.ReceivedChunks:
		return step{outcome: duplicateOutcome(header, record)}
	}

	size := int64(len(payload))
	if r.cfg.MaxFileSize > 0 && record.ReceivedBytes+size > r.cfg.MaxFileSize {
		return step{rejection: r.rejectTransfer(ctx, slot, id, fmt.Sprintf("transfer exceeds the maximum file size of %s",
			units.BytesSize(float64(r.cfg.MaxFileSize))))}
	}

	err = r.staging.write(id, header.Offset(), payload)
	if errors.Is(err, errStagedBehind) {
		r.logger.Warnf("Transfer %s: chunk %d arrived at a receiver without the earlier chunks: %s", id, header.Index, err)
		return step{rejection: reject(http.StatusServiceUnavailable, protocol.CodeStagedBytesMissing, "chunk %d: %s", header.Index, err)}
	}
	if err != nil {
		return step{rejection: reject(http.StatusInternalServerError, protocol.CodeStoreError, "stage chunk %d: %s", header.Index, err)}
	}

	result, err := r.store.RecordChunk(ctx, id, chunkstore.Chunk{Index: header.Index, Total: header.TotalChunks, Size: size})
	switch {
	case err == nil:
	case errors.Is(err, chunkstore.ErrNotFound):
		return step{rejection: reject(http.StatusServiceUnavailable, protocol.CodeChunkStateExpired, "chunk state of transfer %s is gone", id)}
	case errors.Is(err, chunkstore.ErrOutOfOrder):
		return step{rejection: reject(http.StatusServiceUnavailable, protocol.CodeChunkOutOfOrder, "chunk %d recorded out of order", header.Index)}
	case errors.Is(err, chunkstore.ErrRejected):
		return step{rejection: reject(http.StatusRequestEntityTooLarge, protocol.CodeFileTooLarge, "transfer %s was rejected", id)}
	default:
		return step{rejection: reject(http.StatusInternalServerError, protocol.CodeStoreError, "record chunk %d: %s", header.Index, err)}
	}
	slot.signal()

	if result.AlreadyReceived {
		return step{outcome: duplicateOutcome(header, result.Record)}
	}

	r.logger.Debugf("Transfer %s: chunk %d/%d stored (%d bytes)", id, header.Index+1, header.TotalChunks, size)

	s := step{outcome: Outcome{
		TransferID:     id,
		Index:          header.Index,
		TotalChunks:    result.Record.TotalChunks,
		ReceivedChunks: result.Record.ReceivedChunks,
		Complete:       result.IsComplete,
		Destination:    result.Record.Destination,
	}}
	if result.IsComplete {
		s.completed, s.rejection = r.finish(context.WithoutCancel(ctx), result.Record)
	}
	return s
}

func duplicateOutcome(header protocol.ChunkHeader, record chunkstore.Record) Outcome {
	return Outcome{
		TransferID:     header.TransferID,
		Index:          header.Index,
		TotalChunks:    record.TotalChunks,
		ReceivedChunks: record.ReceivedChunks,
		Complete:       record.IsComplete(),
		Duplicate:      true,
		Destination:    record.Destination,
	}
}

// checkExpiry evicts the chunk state of a stale transfer. Its staged bytes stay, so the retried
// chunk resumes the transfer instead of starting over.
func (r *Receiver) checkExpiry(ctx context.Context, slot *transferSlot, record chunkstore.Record) *rejection {
	expired, err := r.store.IsExpired(ctx, record.ID, r.cfg.ChunkExpiry)
	if err != nil {
		return reject(http.StatusInternalServerError, protocol.CodeStoreError, "check expiry: %s", err)
	}
	if !expired && !r.cfg.ExpiryFaults.FailKey(record.ID) {
		return nil
	}

	if err := r.store.Evict(ctx, record.ID); err != nil {
		return reject(http.StatusInternalServerError, protocol.CodeStoreError, "evict expired state: %s", err)
	}
	slot.signal()

	r.logger.Warnf("Chunk state of transfer %s expired after %d of %d chunks", record.ID, record.ReceivedChunks, record.TotalChunks)
	return reject(http.StatusServiceUnavailable, protocol.CodeChunkStateExpired, "chunk state of transfer %s expired", record.ID)
}

// begin creates the chunk state of a transfer on its first chunk, or the first chunk after expiry.
func (r *Receiver) begin(ctx context.Context, slot *transferSlot, req *http.Request, header protocol.ChunkHeader) (chunkstore.Record, *rejection) {
	id := header.TransferID

	if !r.fileNameAllowed(header.FileName) {
		return chunkstore.Record{}, reject(http.StatusUnprocessableEntity, protocol.CodeFileNameNotAllowed, "file name %q is not allowed", header.FileName)
	}

	if r.cfg.MaxFileSize > 0 && header.FileSize > r.cfg.MaxFileSize {
		return chunkstore.Record{}, r.rejectTransfer(ctx, slot, id, fmt.Sprintf("file of %s exceeds the maximum file size of %s",
			units.BytesSize(float64(header.FileSize)), units.BytesSize(float64(r.cfg.MaxFileSize))))
	}

	dest, err := r.cfg.FilePath(req, header.FileName)
	if err != nil {
		return chunkstore.Record{}, reject(http.StatusUnprocessableEntity, protocol.CodeDestinationUnresolved, "resolve destination of %q: %s", header.FileName, err)
	}
	if dest == "" {
		return chunkstore.Record{}, reject(http.StatusUnprocessableEntity, protocol.CodeDestinationUnresolved, "no destination for %q", header.FileName)
	}

	chunks, size, err := r.staging.resumePoint(id, header.TotalChunks, header.ChunkSize)
	if err != nil {
		return chunkstore.Record{}, reject(http.StatusInternalServerError, protocol.CodeStoreError, "%s", err)
	}

	record, created, err := r.store.Begin(ctx, id, chunkstore.Record{
		Destination:    dest,
		FileName:       header.FileName,
		TotalChunks:    header.TotalChunks,
		ChunkSize:      header.ChunkSize,
		ReceivedChunks: chunks,
		ReceivedBytes:  size,
	})
	if err != nil {
		return chunkstore.Record{}, reject(http.StatusInternalServerError, protocol.CodeStoreError, "begin transfer: %s", err)
	}

	if created {
		if chunks > 0 {
			r.logger.Infof("Resuming transfer %s of %s at chunk %d/%d", id, header.FileName, chunks+1, header.TotalChunks)
		} else {
			r.logger.Debugf("Started transfer %s of %s (%s in %d chunks) to %s", id, header.FileName,
				units.BytesSize(float64(header.FileSize)), header.TotalChunks, dest)
		}
	}
	return record, nil
}

func (r *Receiver) fileNameAllowed(name string) bool {
	if len(r.cfg.AllowedFileNames) == 0 {
		return true
	}
	for _, pattern := range r.cfg.AllowedFileNames {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// rejectTransfer tombstones a transfer and drops its staged bytes.
func (r *Receiver) rejectTransfer(ctx context.Context, slot *transferSlot, id, reason string) *rejection {
	if err := r.store.Reject(ctx, id, reason); err != nil {
		return reject(http.StatusInternalServerError, protocol.CodeStoreError, "reject transfer: %s", err)
	}
	if err := r.staging.remove(id); err != nil {
		r.logger.Warnf("Failed to remove staged file of transfer %s: %s", id, err)
	}
	slot.signal()
	return reject(http.StatusRequestEntityTooLarge, protocol.CodeFileTooLarge, "%s", reason)
}

// finish publishes the staged file of a complete transfer and drops its chunk state.
func (r *Receiver) finish(ctx context.Context, record chunkstore.Record) (*Completed, *rejection) {
	if err := r.cfg.Finalizer.Finalize(ctx, r.staging.path(record.ID), record.Destination); err != nil {
		// the staged bytes stay, so a retried last chunk finalizes again
		if evictErr := r.store.Evict(ctx, record.ID); evictErr != nil {
			r.logger.Warnf("Failed to evict chunk state of transfer %s: %s", record.ID, evictErr)
		}
		return nil, reject(http.StatusInternalServerError, protocol.CodeFinalizeFailed, "finalize %s: %s", record.Destination, err)
	}

	if err := r.store.Evict(ctx, record.ID); err != nil {
		r.logger.Warnf("Failed to evict chunk state of transfer %s: %s", record.ID, err)
	}
	r.completed.add(record.ID, record.TotalChunks)
	r.cfg.ExpiryFaults.Forget(record.ID)

	duration := time.Since(record.CreatedAt)
	r.logger.Donef("Transfer %s complete: %s (%s) written to %s", record.ID, record.FileName,
		units.BytesSize(float64(record.ReceivedBytes)), record.Destination)

	return &Completed{
		TransferID:  record.ID,
		FileName:    record.FileName,
		Destination: record.Destination,
		Size:        record.ReceivedBytes,
		Chunks:      record.TotalChunks,
		Duration:    duration,
	}, nil
}
