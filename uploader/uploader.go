package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-chunktransfer/codec"
	"github.com/bitrise-io/go-chunktransfer/faults"
	"github.com/bitrise-io/go-chunktransfer/protocol"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
)

// Uploader sends files to a receiver endpoint chunk by chunk.
type Uploader struct {
	config Config
	logger log.Logger
}

// New creates a new Uploader with the given configuration.
func New(config Config) *Uploader {
	config = config.withDefaults()
	return &Uploader{
		config: config,
		logger: config.Logger,
	}
}

// Upload starts sending the file at filePath to url and returns immediately.
func Upload(ctx context.Context, config Config, url, filePath string) *Handle {
	return New(config).Upload(ctx, url, filePath)
}

// Upload starts sending the file at filePath to url and returns immediately.
func (u *Uploader) Upload(ctx context.Context, url, filePath string) *Handle {
	return u.start(ctx, url, func() (Source, func() error, error) {
		info, err := os.Stat(filePath)
		if err != nil {
			return Source{}, nil, fmt.Errorf("stat file: %w", err)
		}
		if info.IsDir() {
			return Source{}, nil, fmt.Errorf("%s is a directory", filePath)
		}

		provider, err := NewFileChunkProvider(filePath, info.Size(), u.config.ChunkSize)
		if err != nil {
			return Source{}, nil, err
		}
		source := Source{
			FileName: filepath.Base(filePath),
			Size:     info.Size(),
			Provider: provider,
		}
		return source, provider.Close, nil
	})
}

// UploadSource starts sending the chunks of source to url and returns immediately. Every chunk but the
// last must be exactly ChunkSize bytes.
func (u *Uploader) UploadSource(ctx context.Context, url string, source Source) *Handle {
	return u.start(ctx, url, func() (Source, func() error, error) {
		return source, nil, nil
	})
}

type openFunc func() (Source, func() error, error)

func (u *Uploader) start(ctx context.Context, url string, open openFunc) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	h := newHandle(uuid.NewString(), cancel, u.config)

	go func() {
		err := u.run(runCtx, h, url, open)
		if err != nil && !errors.Is(err, ErrUploadCanceled) && ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrUploadCanceled, ctx.Err())
		}
		h.finish(err)
	}()

	return h
}

func (u *Uploader) run(ctx context.Context, h *Handle, url string, open openFunc) error {
	if err := u.config.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	source, closeSource, err := open()
	if err != nil {
		return err
	}
	if closeSource != nil {
		defer func() {
			if err := closeSource(); err != nil {
				u.logger.Warnf("Failed to close %s: %s", source.FileName, err)
			}
		}()
	}
	if err := u.checkLayout(source); err != nil {
		return err
	}

	total := source.Provider.NumChunks()
	h.setTotal(total)
	client := u.newClient(h.stats)

	u.logger.Infof("Uploading %s (%s) in %d chunks, transfer id: %s", source.FileName, units.BytesSize(float64(source.Size)), total, h.id)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.config.NumParallel)
	for i := 0; i < total; i++ {
		if gctx.Err() != nil {
			break
		}
		index := i
		g.Go(func() error {
			return u.sendChunk(gctx, client, h, source, url, index)
		})
	}

	if err := g.Wait(); err != nil {
		u.logger.Warnf("Upload of %s failed: %s", source.FileName, err)
		return err
	}
	if err := ctx.Err(); err != nil && !h.allConfirmed() {
		return fmt.Errorf("upload of %s interrupted: %w", source.FileName, err)
	}

	u.logger.Donef("Uploaded %s in %s [chunks=%d] [attempts=%d] [avg=%v]", source.FileName, time.Since(start).Round(time.Millisecond),
		h.stats.FinishedCount(), h.stats.Attempts(), h.stats.Average().Round(time.Millisecond))
	return nil
}

func (u *Uploader) checkLayout(source Source) error {
	if source.Provider == nil {
		return errors.New("no chunk provider")
	}
	if source.Size < 0 {
		return fmt.Errorf("file size must not be negative, got %d", source.Size)
	}

	total := source.Provider.NumChunks()
	if want := protocol.TotalChunks(source.Size, u.config.ChunkSize); total != want {
		return fmt.Errorf("provider has %d chunks, %d bytes in chunks of %d need %d", total, source.Size, u.config.ChunkSize, want)
	}

	var sum int64
	for i := 0; i < total; i++ {
		size := source.Provider.ChunkSize(i)
		if i < total-1 && size != u.config.ChunkSize {
			return fmt.Errorf("chunk %d has %d bytes, expected %d", i+1, size, u.config.ChunkSize)
		}
		sum += size
	}
	if sum != source.Size {
		return fmt.Errorf("chunks hold %d bytes, expected %d", sum, source.Size)
	}
	return nil
}

func (u *Uploader) newClient(stats *Stats) *retryablehttp.Client {
	httpClient := *u.config.HTTPClient
	httpClient.Transport = faults.NewTransport(u.config.HTTPClient.Transport, u.config.injector())
	if u.config.ChunkTimeout > 0 {
		httpClient.Timeout = u.config.ChunkTimeout
	}

	client := retryhttp.NewClient(u.logger)
	client.HTTPClient = &httpClient
	client.RetryMax = u.config.MaxRetries
	client.RetryWaitMin = u.config.RetryWaitMin
	client.RetryWaitMax = u.config.RetryWaitMax
	client.CheckRetry = u.checkRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		stats.AddAttempt()
		if attempt > 0 {
			u.logger.Debugf("Resending chunk %s of %s (attempt %d/%d) [finished=%d] [avg=%v]",
				req.Header.Get(protocol.HeaderChunkIndex), req.Header.Get(protocol.HeaderTransferID), attempt+1, u.config.MaxRetries+1,
				stats.FinishedCount(), stats.Average().Round(time.Millisecond))
		}
	}
	return client
}

// checkRetry resends chunks after transport errors and retryable rejections. Cancellation and terminal
// rejections end the attempts of a chunk.
func (u *Uploader) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		u.logger.Debugf("Chunk request failed: %s", err)
		return true, nil
	}
	if resp.StatusCode < http.StatusBadRequest || protocol.IsTerminal(resp.StatusCode) {
		return false, nil
	}
	u.logger.Debugf("Chunk request rejected with status %d", resp.StatusCode)
	return true, nil
}

func (u *Uploader) sendChunk(ctx context.Context, client *retryablehttp.Client, h *Handle, source Source, url string, index int) error {
	total := source.Provider.NumChunks()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("chunk %d/%d not sent: %w", index+1, total, err)
	}

	reader, err := source.Provider.GetChunk(index)
	if err != nil {
		return fmt.Errorf("get chunk %d: %w", index+1, err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read chunk %d: %w", index+1, err)
	}

	header := protocol.ChunkHeader{
		TransferID:  h.id,
		Index:       index,
		TotalChunks: total,
		ChunkSize:   u.config.ChunkSize,
		FileName:    source.FileName,
		FileSize:    source.Size,
	}
	if u.config.Checksum {
		header.SHA256 = protocol.Checksum(payload)
	}
	body := payload
	if u.config.Compress {
		if body, err = codec.Compress(payload); err != nil {
			return fmt.Errorf("compress chunk %d: %w", index+1, err)
		}
		header.Encoding = protocol.EncodingZstd
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	header.Apply(req.Header)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chunk %d/%d aborted: %w", index+1, total, ctxErr)
		}
		return fmt.Errorf("chunk %d/%d failed after %d attempts: %w", index+1, total, u.config.MaxRetries+1, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			u.logger.Warnf("Failed to close response body: %s", err)
		}
	}(resp.Body)

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		took := time.Since(start)
		h.stats.Update(took)
		h.confirm()
		u.logger.Debugf("Chunk %d/%d accepted in %v, transfer status: %s", index+1, total, took.Round(time.Millisecond),
			resp.Header.Get(protocol.HeaderTransferStatus))
		return nil
	}

	rejection := newRejectionError(index, resp)
	if rejection.Terminal() {
		return rejection
	}
	return fmt.Errorf("chunk %d/%d failed after %d attempts: %w", index+1, total, u.config.MaxRetries+1, rejection)
}
