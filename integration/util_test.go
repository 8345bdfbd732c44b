package integration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bitrise-io/go-chunktransfer/chunkstore"
	"github.com/bitrise-io/go-chunktransfer/receiver"
	"github.com/bitrise-io/go-chunktransfer/uploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

var logger = log.NewLogger()

func init() {
	gin.SetMode(gin.TestMode)
}

type backend struct {
	name   string
	config func(t *testing.T) chunkstore.Config
}

func backends() []backend {
	return []backend{
		{
			name: "memory",
			config: func(t *testing.T) chunkstore.Config {
				return chunkstore.Config{Type: chunkstore.TypeMemory}
			},
		},
		{
			name: "redis",
			config: func(t *testing.T) chunkstore.Config {
				mr := miniredis.RunT(t)
				return chunkstore.Config{Type: chunkstore.TypeRedis, URL: "redis://" + mr.Addr(), KeyPrefix: "it"}
			},
		},
		{
			name: "sqlite",
			config: func(t *testing.T) chunkstore.Config {
				return chunkstore.Config{Type: chunkstore.TypeSQLite, URL: filepath.Join(t.TempDir(), "chunks.db")}
			},
		},
	}
}

// testServer mounts a receiver behind a request counter, the way an application would.
type testServer struct {
	url      string
	outDir   string
	requests int32
}

func startServer(t *testing.T, b backend, modify func(cfg *receiver.Config)) *testServer {
	dir := t.TempDir()
	s := &testServer{outDir: filepath.Join(dir, "out")}

	cfg := receiver.Config{
		StoreConfig: b.config(t),
		StagingDir:  filepath.Join(dir, "staging"),
		HoldTimeout: 5 * time.Second,
		Logger:      logger,
		FilePath: func(_ *http.Request, fileName string) (string, error) {
			return filepath.Join(s.outDir, filepath.Base(fileName)), nil
		},
	}
	if modify != nil {
		modify(&cfg)
	}

	rcv, err := receiver.New(cfg)
	if err != nil && b.name == "sqlite" {
		t.Skipf("sqlite unavailable: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = rcv.Close() })

	router := gin.New()
	router.POST("/upload", s.count, rcv.Middleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	s.url = server.URL + "/upload"
	return s
}

func (s *testServer) count(c *gin.Context) {
	atomic.AddInt32(&s.requests, 1)
	c.Next()
}

func (s *testServer) requestCount() int32 {
	return atomic.LoadInt32(&s.requests)
}

func (s *testServer) received(name string) string {
	return filepath.Join(s.outDir, name)
}

func uploadConfig() uploader.Config {
	config := uploader.DefaultConfig()
	config.RetryWaitMin = time.Millisecond
	config.RetryWaitMax = 10 * time.Millisecond
	config.Logger = logger
	return config
}

// writeTestFile creates name with size bytes of printable content.
func writeTestFile(t *testing.T, name string, size int) string {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + (i*7+i/26)%26)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func checksumOf(t *testing.T, path string) string {
	bytes, err := os.ReadFile(path)
	require.NoError(t, err)
	hash := sha256.Sum256(bytes)
	return hex.EncodeToString(hash[:])
}

func requireSameFile(t *testing.T, want, got string) {
	require.FileExists(t, got)
	require.Equal(t, checksumOf(t, want), checksumOf(t, got), fmt.Sprintf("%s differs from %s", got, want))
}
