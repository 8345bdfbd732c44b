package uploader

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bitrise-io/go-chunktransfer/faults"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// DefaultChunkSize ...
	DefaultChunkSize = 1024 * 1024
	// DefaultNumParallel ...
	DefaultNumParallel = 3
	// DefaultMaxRetries ...
	DefaultMaxRetries = 3
)

// Config holds configuration for the chunk uploader. Start from DefaultConfig: a zero MaxRetries means no retries
// and a zero Checksum sends no checksums.
type Config struct {
	// ChunkSize is the number of bytes sent per chunk.
	// Default: 1 MiB
	ChunkSize int64

	// NumParallel is the maximum number of chunks in flight.
	// Default: 3
	NumParallel int

	// MaxRetries is the number of times a failed chunk is resent before the transfer fails.
	// Default: 3
	MaxRetries int

	// RetryWaitMin and RetryWaitMax bound the backoff between attempts of a chunk.
	// Default: 50ms and 1s
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// ChunkTimeout limits a single attempt of a chunk. Zero means no limit.
	ChunkTimeout time.Duration

	// Flakiness is the probability of failing a send before it leaves the client.
	Flakiness float64

	// FailAfter fails every send after the first FailAfter ones. Zero disables it.
	FailAfter int

	// Faults overrides Flakiness and FailAfter with an explicit injector.
	Faults faults.Injector

	// Compress sends payloads zstd encoded.
	Compress bool

	// Checksum attaches the sha256 of every payload so the receiver can verify it.
	Checksum bool

	// Progress is called with the confirmed fraction of chunks each time a chunk is accepted.
	Progress func(fraction float64)

	// OnComplete is called exactly once with the outcome of the transfer.
	OnComplete func(err error)

	// HTTPClient is used as the base of the retrying client.
	// If nil, a default client is created.
	HTTPClient *http.Client

	Logger log.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    DefaultChunkSize,
		NumParallel:  DefaultNumParallel,
		MaxRetries:   DefaultMaxRetries,
		RetryWaitMin: 50 * time.Millisecond,
		RetryWaitMax: time.Second,
		Checksum:     true,
	}
}

// DefaultHTTPClient creates an HTTP client tuned for many small chunk requests to one host.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// Attempts are bounded by ChunkTimeout instead
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

func (c Config) validate() error {
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be at least 1, got %d", c.ChunkSize)
	}
	if c.NumParallel < 1 {
		return fmt.Errorf("parallelism must be at least 1, got %d", c.NumParallel)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.Flakiness < 0 || c.Flakiness > 1 {
		return fmt.Errorf("flakiness must be between 0 and 1, got %f", c.Flakiness)
	}
	if c.FailAfter < 0 {
		return fmt.Errorf("fail after must not be negative, got %d", c.FailAfter)
	}
	return nil
}

// withDefaults fills unset numeric fields. Checksum and Compress are left as given.
func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.ChunkSize == 0 {
		c.ChunkSize = defaults.ChunkSize
	}
	if c.NumParallel == 0 {
		c.NumParallel = defaults.NumParallel
	}
	if c.RetryWaitMin <= 0 {
		c.RetryWaitMin = defaults.RetryWaitMin
	}
	if c.RetryWaitMax <= 0 {
		c.RetryWaitMax = defaults.RetryWaitMax
	}
	if c.RetryWaitMax < c.RetryWaitMin {
		c.RetryWaitMax = c.RetryWaitMin
	}
	if c.HTTPClient == nil {
		c.HTTPClient = DefaultHTTPClient()
	}
	if c.Logger == nil {
		c.Logger = log.NewLogger()
	}
	return c
}

func (c Config) injector() faults.Injector {
	if c.Faults != nil {
		return c.Faults
	}
	var failAfter faults.Injector = faults.None
	if c.FailAfter > 0 {
		failAfter = faults.After(c.FailAfter)
	}
	return faults.Any(faults.Probability(c.Flakiness, nil), failAfter)
}
