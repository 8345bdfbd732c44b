package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunktransfer/codec"
	"github.com/bitrise-io/go-chunktransfer/faults"
	"github.com/bitrise-io/go-chunktransfer/protocol"
)

// chunkServer accepts chunks like a receiver would and lets tests override the response per request.
type chunkServer struct {
	t        *testing.T
	server   *httptest.Server
	requests int32
	respond  func(n int32, w http.ResponseWriter, r *http.Request) bool

	mu      sync.Mutex
	chunks  map[int][]byte
	headers []protocol.ChunkHeader
}

func newChunkServer(t *testing.T, respond func(n int32, w http.ResponseWriter, r *http.Request) bool) *chunkServer {
	s := &chunkServer{t: t, respond: respond, chunks: map[int][]byte{}}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *chunkServer) handle(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt32(&s.requests, 1)
	if s.respond != nil && s.respond(n, w, r) {
		return
	}

	header, err := protocol.ParseChunkHeader(r.Header)
	if err != nil {
		s.t.Errorf("Invalid chunk header: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.t.Errorf("Read body: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if header.Encoding == protocol.EncodingZstd {
		if payload, err = codec.Decompress(payload, header.ExpectedSize()); err != nil {
			s.t.Errorf("Decompress chunk %d: %v", header.Index, err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	if int64(len(payload)) != header.ExpectedSize() {
		s.t.Errorf("Chunk %d: expected %d bytes, got %d", header.Index, header.ExpectedSize(), len(payload))
	}
	if header.SHA256 != "" && header.SHA256 != protocol.Checksum(payload) {
		s.t.Errorf("Chunk %d: checksum mismatch", header.Index)
	}

	s.mu.Lock()
	s.chunks[header.Index] = payload
	s.headers = append(s.headers, header)
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (s *chunkServer) chunkHeaders() []protocol.ChunkHeader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ChunkHeader(nil), s.headers...)
}

func (s *chunkServer) requestCount() int32 {
	return atomic.LoadInt32(&s.requests)
}

func (s *chunkServer) assembled(total int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	for i := 0; i < total; i++ {
		data = append(data, s.chunks[i]...)
	}
	return data
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorBody{Error: protocol.ErrorDetail{Code: code, Message: "test rejection"}})
}

func testConfig() Config {
	config := DefaultConfig()
	config.RetryWaitMin = time.Millisecond
	config.RetryWaitMax = 5 * time.Millisecond
	return config
}

func writeTestFile(t *testing.T, data []byte) string {
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestUpload_Success(t *testing.T) {
	server := newChunkServer(t, nil)
	data := testData(100)

	var progress []float64
	config := testConfig()
	config.ChunkSize = 7
	config.Progress = func(fraction float64) {
		progress = append(progress, fraction)
	}

	h := Upload(context.Background(), config, server.server.URL, writeTestFile(t, data))
	if err := h.Wait(); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if got := server.assembled(15); string(got) != string(data) {
		t.Errorf("Received data doesn't match original")
	}

	if len(progress) != 15 {
		t.Fatalf("Expected 15 progress updates, got %d", len(progress))
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] <= progress[i-1] {
			t.Errorf("Progress not strictly increasing: %v", progress)
			break
		}
	}
	if progress[len(progress)-1] != 1 {
		t.Errorf("Expected final progress 1, got %v", progress[len(progress)-1])
	}
	if h.Progress() != 1 {
		t.Errorf("Expected handle progress 1, got %v", h.Progress())
	}

	for _, header := range server.chunkHeaders() {
		if header.TransferID != h.ID() {
			t.Errorf("Expected transfer id %s, got %s", h.ID(), header.TransferID)
		}
		if header.FileName != "data.bin" || header.FileSize != 100 || header.ChunkSize != 7 || header.TotalChunks != 15 {
			t.Errorf("Unexpected chunk header: %+v", header)
		}
		if header.SHA256 == "" {
			t.Errorf("Chunk %d sent without checksum", header.Index)
		}
	}

	if h.Stats().FinishedCount() != 15 {
		t.Errorf("Expected 15 finished chunks, got %d", h.Stats().FinishedCount())
	}
}

func TestUpload_EmptyFile(t *testing.T) {
	server := newChunkServer(t, nil)

	var progress []float64
	config := testConfig()
	config.Progress = func(fraction float64) {
		progress = append(progress, fraction)
	}

	if err := Upload(context.Background(), config, server.server.URL, writeTestFile(t, nil)).Wait(); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if server.requestCount() != 1 {
		t.Fatalf("Expected 1 request, got %d", server.requestCount())
	}
	header := server.chunkHeaders()[0]
	if header.TotalChunks != 1 || header.FileSize != 0 {
		t.Errorf("Unexpected chunk header: %+v", header)
	}
	if len(progress) != 1 || progress[0] != 1 {
		t.Errorf("Expected a single progress update of 1, got %v", progress)
	}
}

func TestUpload_Compressed(t *testing.T) {
	server := newChunkServer(t, nil)
	data := []byte(strings.Repeat("compressible ", 200))

	config := testConfig()
	config.ChunkSize = 512
	config.Compress = true

	if err := Upload(context.Background(), config, server.server.URL, writeTestFile(t, data)).Wait(); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	total := protocol.TotalChunks(int64(len(data)), 512)
	if got := server.assembled(total); string(got) != string(data) {
		t.Errorf("Received data doesn't match original")
	}
	for _, header := range server.chunkHeaders() {
		if header.Encoding != protocol.EncodingZstd {
			t.Errorf("Chunk %d sent without zstd encoding", header.Index)
		}
	}
}

func TestUpload_RetriesTransientRejections(t *testing.T) {
	server := newChunkServer(t, func(n int32, w http.ResponseWriter, r *http.Request) bool {
		if n <= 2 {
			writeError(w, http.StatusServiceUnavailable, protocol.CodeTransientFault)
			return true
		}
		return false
	})

	config := testConfig()
	h := Upload(context.Background(), config, server.server.URL, writeTestFile(t, []byte("test-data")))
	if err := h.Wait(); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if server.requestCount() != 3 {
		t.Errorf("Expected 3 requests (2 failures + 1 success), got %d", server.requestCount())
	}
	if h.Stats().Attempts() != 3 {
		t.Errorf("Expected 3 attempts, got %d", h.Stats().Attempts())
	}
}

func TestUpload_RetriesConflicts(t *testing.T) {
	server := newChunkServer(t, func(n int32, w http.ResponseWriter, r *http.Request) bool {
		if n == 1 {
			writeError(w, http.StatusConflict, protocol.CodeChecksumMismatch)
			return true
		}
		return false
	})

	if err := Upload(context.Background(), testConfig(), server.server.URL, writeTestFile(t, []byte("x"))).Wait(); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if server.requestCount() != 2 {
		t.Errorf("Expected 2 requests, got %d", server.requestCount())
	}
}

func TestUpload_RetriesExhausted(t *testing.T) {
	server := newChunkServer(t, func(n int32, w http.ResponseWriter, r *http.Request) bool {
		writeError(w, http.StatusInternalServerError, protocol.CodeStoreError)
		return true
	})

	config := testConfig()
	config.MaxRetries = 2

	err := Upload(context.Background(), config, server.server.URL, writeTestFile(t, []byte("test-data"))).Wait()
	if err == nil {
		t.Fatal("Expected upload to fail")
	}

	if server.requestCount() != 3 {
		t.Errorf("Expected 3 requests, got %d", server.requestCount())
	}
	if !strings.Contains(err.Error(), "chunk 1/1") {
		t.Errorf("Expected error to name the chunk, got: %v", err)
	}

	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("Expected a RejectionError, got %T", err)
	}
	if rejection.StatusCode != http.StatusInternalServerError || rejection.Code != protocol.CodeStoreError {
		t.Errorf("Unexpected rejection: %+v", rejection)
	}
	if errors.Is(err, ErrFileTooLarge) || errors.Is(err, ErrUploadCanceled) {
		t.Errorf("Unexpected error kind: %v", err)
	}
}

func TestUpload_TerminalRejection(t *testing.T) {
	server := newChunkServer(t, func(n int32, w http.ResponseWriter, r *http.Request) bool {
		writeError(w, http.StatusRequestEntityTooLarge, protocol.CodeFileTooLarge)
		return true
	})

	config := testConfig()
	config.ChunkSize = 3
	config.NumParallel = 1

	err := Upload(context.Background(), config, server.server.URL, writeTestFile(t, []byte("123456789"))).Wait()
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("Expected ErrFileTooLarge, got: %v", err)
	}
	if server.requestCount() != 1 {
		t.Errorf("Expected exactly 1 request, got %d", server.requestCount())
	}
}

func TestUpload_FailAfter(t *testing.T) {
	server := newChunkServer(t, nil)

	config := testConfig()
	config.ChunkSize = 1
	config.NumParallel = 1
	config.MaxRetries = 2
	config.FailAfter = 3

	err := Upload(context.Background(), config, server.server.URL, writeTestFile(t, testData(10))).Wait()
	if err == nil {
		t.Fatal("Expected upload to fail")
	}
	if !errors.Is(err, faults.ErrInjected) {
		t.Errorf("Expected an injected fault, got: %v", err)
	}
	if server.requestCount() != 3 {
		t.Errorf("Expected 3 requests to reach the server, got %d", server.requestCount())
	}
}

func TestUpload_ClientFaultsAreRetried(t *testing.T) {
	server := newChunkServer(t, nil)

	config := testConfig()
	config.ChunkSize = 2
	config.NumParallel = 1
	config.Faults = faults.Sequence(true, false, true, false)

	data := []byte("abcdef")
	h := Upload(context.Background(), config, server.server.URL, writeTestFile(t, data))
	if err := h.Wait(); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if got := server.assembled(3); string(got) != string(data) {
		t.Errorf("Received data doesn't match original")
	}
	if server.requestCount() != 3 {
		t.Errorf("Expected 3 requests to reach the server, got %d", server.requestCount())
	}
	if h.Stats().Attempts() != 5 {
		t.Errorf("Expected 5 attempts, got %d", h.Stats().Attempts())
	}
	if h.Stats().FailedAttempts() != 2 {
		t.Errorf("Expected 2 failed attempts, got %d", h.Stats().FailedAttempts())
	}
}

func TestUpload_CancelImmediately(t *testing.T) {
	server := newChunkServer(t, nil)

	var lastProgress float64
	var mu sync.Mutex
	config := testConfig()
	config.ChunkSize = 1
	config.Progress = func(fraction float64) {
		mu.Lock()
		lastProgress = fraction
		mu.Unlock()
	}

	h := Upload(context.Background(), config, server.server.URL, writeTestFile(t, testData(50)))
	h.Cancel()

	if err := h.Wait(); !errors.Is(err, ErrUploadCanceled) {
		t.Fatalf("Expected ErrUploadCanceled, got: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if lastProgress >= 1 {
		t.Errorf("Expected progress below 1, got %v", lastProgress)
	}
	if h.Progress() >= 1 {
		t.Errorf("Expected handle progress below 1, got %v", h.Progress())
	}
}

func TestUpload_CancelInFlight(t *testing.T) {
	release := make(chan struct{})
	server := newChunkServer(t, func(n int32, w http.ResponseWriter, r *http.Request) bool {
		if n <= 3 {
			return false
		}
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
		return true
	})
	t.Cleanup(func() { close(release) })

	reached := make(chan struct{})
	var progress []float64
	config := testConfig()
	config.ChunkSize = 1
	config.NumParallel = 1
	config.Progress = func(fraction float64) {
		progress = append(progress, fraction)
		if len(progress) == 3 {
			close(reached)
		}
	}

	h := Upload(context.Background(), config, server.server.URL, writeTestFile(t, testData(20)))

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("Upload did not make progress")
	}
	h.Cancel()

	if err := h.Wait(); !errors.Is(err, ErrUploadCanceled) {
		t.Fatalf("Expected ErrUploadCanceled, got: %v", err)
	}
	if len(progress) != 3 {
		t.Errorf("Expected no progress after cancel, got %v", progress)
	}
	if h.Progress() >= 1 {
		t.Errorf("Expected progress below 1, got %v", h.Progress())
	}
}

func TestUpload_CancelFromProgressCallback(t *testing.T) {
	server := newChunkServer(t, nil)

	handles := make(chan *Handle, 1)
	config := testConfig()
	config.ChunkSize = 1
	config.NumParallel = 1
	config.Progress = func(fraction float64) {
		(<-handles).Cancel()
	}

	h := Upload(context.Background(), config, server.server.URL, writeTestFile(t, testData(20)))
	handles <- h

	if err := h.Wait(); !errors.Is(err, ErrUploadCanceled) {
		t.Fatalf("Expected ErrUploadCanceled, got: %v", err)
	}
}

func TestUpload_ParentContextCanceled(t *testing.T) {
	server := newChunkServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Upload(ctx, testConfig(), server.server.URL, writeTestFile(t, []byte("data"))).Wait()
	if !errors.Is(err, ErrUploadCanceled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected a canceled upload, got: %v", err)
	}
}

func TestUpload_OnCompleteCalledOnce(t *testing.T) {
	server := newChunkServer(t, nil)

	var calls int32
	var outcome error
	config := testConfig()
	config.OnComplete = func(err error) {
		atomic.AddInt32(&calls, 1)
		outcome = err
	}

	h := Upload(context.Background(), config, server.server.URL, writeTestFile(t, []byte("data")))
	err := h.Wait()
	h.Cancel()
	<-h.Done()

	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Expected OnComplete to be called once, got %d", calls)
	}
	if outcome != nil {
		t.Errorf("Expected nil outcome, got %v", outcome)
	}
	if h.Wait() != nil {
		t.Errorf("Cancel after completion changed the outcome: %v", h.Wait())
	}
}

func TestUpload_Errors(t *testing.T) {
	server := newChunkServer(t, nil)
	file := writeTestFile(t, []byte("data"))

	tests := []struct {
		name   string
		config func(*Config)
		path   string
	}{
		{name: "missing file", path: filepath.Join(t.TempDir(), "missing")},
		{name: "directory", path: t.TempDir()},
		{name: "negative chunk size", path: file, config: func(c *Config) { c.ChunkSize = -1 }},
		{name: "negative parallelism", path: file, config: func(c *Config) { c.NumParallel = -1 }},
		{name: "flakiness out of range", path: file, config: func(c *Config) { c.Flakiness = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var completed int32
			config := testConfig()
			config.OnComplete = func(error) { atomic.AddInt32(&completed, 1) }
			if tt.config != nil {
				tt.config(&config)
			}

			if err := Upload(context.Background(), config, server.server.URL, tt.path).Wait(); err == nil {
				t.Error("Expected error")
			}
			if atomic.LoadInt32(&completed) != 1 {
				t.Errorf("Expected OnComplete to be called once, got %d", completed)
			}
		})
	}

	if server.requestCount() != 0 {
		t.Errorf("Expected no requests, got %d", server.requestCount())
	}
}

func TestUploadSource(t *testing.T) {
	server := newChunkServer(t, nil)

	config := testConfig()
	config.ChunkSize = 4
	uploader := New(config)

	source := Source{FileName: "memory.bin", Size: 10, Provider: SplitBytes([]byte("0123456789"), 4)}
	if err := uploader.UploadSource(context.Background(), server.server.URL, source).Wait(); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if got := server.assembled(3); string(got) != "0123456789" {
		t.Errorf("Expected 0123456789, got %q", got)
	}

	mismatched := Source{FileName: "memory.bin", Size: 4, Provider: NewByteSliceChunkProvider([][]byte{[]byte("ab"), []byte("cd")})}
	if err := uploader.UploadSource(context.Background(), server.server.URL, mismatched).Wait(); err == nil {
		t.Error("Expected error for chunks that don't match the chunk size")
	}
}
