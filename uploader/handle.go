package uploader

import (
	"context"
	"sync"
)

// Handle controls a running transfer.
type Handle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	stats  *Stats

	onProgress func(float64)
	onComplete func(error)

	// progressMu orders progress callbacks; mu guards the fields below and is never held while calling back.
	progressMu sync.Mutex
	mu         sync.Mutex
	total      int
	confirmed  int
	finished   bool
	canceled   bool
	err        error
}

func newHandle(id string, cancel context.CancelFunc, config Config) *Handle {
	return &Handle{
		id:         id,
		cancel:     cancel,
		done:       make(chan struct{}),
		stats:      NewStats(),
		onProgress: config.Progress,
		onComplete: config.OnComplete,
	}
}

// ID returns the transfer id sent with every chunk.
func (h *Handle) ID() string {
	return h.id
}

// Cancel stops sending new chunks and aborts the ones in flight. Progress stops moving, even for
// chunks the receiver accepts afterwards. A transfer whose chunks were all accepted before Cancel
// is not affected and still completes successfully.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if !h.finished {
		h.canceled = true
	}
	h.mu.Unlock()

	h.cancel()
}

// Done is closed once the outcome is known and OnComplete returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the transfer ends and returns its outcome.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Progress returns the fraction of chunks accepted so far. It only reaches 1 for a transfer that was
// not canceled.
func (h *Handle) Progress() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.total == 0 {
		return 0
	}
	return float64(h.confirmed) / float64(h.total)
}

// Stats returns the send statistics of the transfer.
func (h *Handle) Stats() *Stats {
	return h.stats
}

func (h *Handle) allConfirmed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total > 0 && h.confirmed == h.total
}

func (h *Handle) setTotal(total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total = total
}

// confirm counts an accepted chunk and reports progress. The callback may call Cancel.
func (h *Handle) confirm() {
	h.progressMu.Lock()
	defer h.progressMu.Unlock()

	h.mu.Lock()
	if h.canceled {
		h.mu.Unlock()
		return
	}
	h.confirmed++
	if h.confirmed == h.total {
		h.finished = true
	}
	fraction := float64(h.confirmed) / float64(h.total)
	h.mu.Unlock()

	if h.onProgress != nil {
		h.onProgress(fraction)
	}
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	if h.canceled {
		err = ErrUploadCanceled
	}
	h.finished = true
	h.err = err
	h.mu.Unlock()

	h.cancel()
	if h.onComplete != nil {
		h.onComplete(err)
	}
	close(h.done)
}
