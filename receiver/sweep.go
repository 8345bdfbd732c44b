package receiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunktransfer/chunkstore"
)

func (r *Receiver) startSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	r.stopSweep = cancel
	r.sweepDone = make(chan struct{})

	go func() {
		defer close(r.sweepDone)

		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warnf("Failed to sweep abandoned transfers: %s", err)
				}
			}
		}
	}()
}

// Sweep removes transfers, rejected ones included, that received nothing for longer than ChunkExpiry,
// together with their staged bytes. Staged files left without a record, for example after the store
// dropped it, are removed once they are idle as long. It returns the number of removed transfers.
func (r *Receiver) Sweep(ctx context.Context) (int, error) {
	ttl := r.cfg.ChunkExpiry
	if ttl <= 0 {
		return 0, nil
	}

	expired, err := r.store.ListExpired(ctx, ttl)
	if err != nil {
		return 0, err
	}
	orphans, err := r.staging.idle(ttl, time.Now())
	if err != nil {
		return 0, err
	}

	seen := map[string]bool{}
	removed := 0
	var errs []error
	for _, id := range append(expired, orphans...) {
		if seen[id] {
			continue
		}
		seen[id] = true

		ok, err := r.sweepTransfer(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("transfer %s: %w", id, err))
		}
		if ok {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

func (r *Receiver) sweepTransfer(ctx context.Context, id string) (bool, error) {
	slot := r.sequencer.acquire(id)
	defer r.sequencer.release(id, slot)
	slot.lock()
	defer slot.unlock()

	// a chunk may have arrived since the transfer was listed
	record, err := r.store.GetState(ctx, id)
	switch {
	case errors.Is(err, chunkstore.ErrNotFound):
		modified, ok, err := r.staging.modified(id)
		if err != nil || !ok || time.Since(modified) <= r.cfg.ChunkExpiry {
			return false, err
		}
	case err != nil:
		return false, err
	default:
		expired, err := r.store.IsExpired(ctx, id, r.cfg.ChunkExpiry)
		if err != nil || !expired {
			return false, err
		}
		if err := r.store.Evict(ctx, id); err != nil {
			return false, err
		}
	}

	if err := r.staging.remove(id); err != nil {
		return false, err
	}
	r.cfg.ExpiryFaults.Forget(id)
	slot.signal()

	if record.ID != "" {
		r.logger.Infof("Removed abandoned transfer %s of %s after %d of %d chunks", id, record.FileName, record.ReceivedChunks, record.TotalChunks)
	} else {
		r.logger.Infof("Removed staged bytes of unknown transfer %s", id)
	}
	return true, nil
}
