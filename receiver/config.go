package receiver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/bitrise-io/go-chunktransfer/chunkstore"
	"github.com/bitrise-io/go-chunktransfer/destination"
	"github.com/bitrise-io/go-chunktransfer/faults"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
)

// DefaultMaxChunkSize caps the payload of a single chunk when Config.MaxChunkSize is zero.
const DefaultMaxChunkSize = 32 * 1024 * 1024

const (
	defaultHoldTimeout  = 10 * time.Second
	defaultCompletedTTL = 5 * time.Minute
	holdRecheckInterval = 100 * time.Millisecond
	simulatedExpirySkip = 0
)

// DestinationFunc resolves where a transfer is written. It is invoked with the request of the first
// chunk of a transfer and the file name announced by the uploader.
type DestinationFunc func(req *http.Request, fileName string) (string, error)

// Completed describes a finished transfer.
type Completed struct {
	TransferID  string
	FileName    string
	Destination string
	Size        int64
	Chunks      int
	Duration    time.Duration
}

// Config ...
type Config struct {
	// Store keeps chunk state. When nil a store is opened from StoreConfig and owned by the Receiver.
	Store       chunkstore.Store
	StoreConfig chunkstore.Config

	// ChunkExpiry evicts the state of a transfer that received no chunk for this long. Zero disables expiry.
	ChunkExpiry time.Duration
	// SweepInterval is how often abandoned transfers are removed. Defaults to half of ChunkExpiry.
	SweepInterval time.Duration
	// MaxFileSize caps the bytes a single transfer may deliver. Zero means unlimited.
	MaxFileSize int64
	// MaxChunkSize caps the announced chunk size. Defaults to DefaultMaxChunkSize.
	MaxChunkSize int64
	// FilePath resolves the destination of a transfer. Required.
	FilePath DestinationFunc

	// Flakiness is the probability of rejecting a valid chunk with a transient fault.
	Flakiness float64
	// Faults overrides Flakiness with an explicit injector.
	Faults faults.Injector

	// SimulatedChunkExpiry expires the state of every transfer once, on its second chunk request.
	SimulatedChunkExpiry bool
	// ExpiryFaults overrides SimulatedChunkExpiry with an explicit injector keyed by transfer id.
	ExpiryFaults faults.KeyedInjector

	// HoldTimeout bounds how long an out of order chunk waits for its predecessors.
	HoldTimeout time.Duration
	// StagingDir holds partially received files. Defaults to the OS temp dir.
	// Required with a networked store: every receiver sharing the store must share this directory.
	StagingDir string
	// AllowedFileNames restricts accepted file names to these doublestar patterns. Empty allows all.
	AllowedFileNames []string
	// Finalizer publishes completed files. Defaults to a LocalFinalizer.
	Finalizer destination.Finalizer
	// OnComplete is called once per finished transfer.
	OnComplete func(ctx context.Context, completed Completed)

	Logger log.Logger
}

func (c Config) validate() error {
	if c.FilePath == nil {
		return errors.New("FilePath must be set")
	}
	if c.MaxFileSize < 0 {
		return fmt.Errorf("MaxFileSize must not be negative, got %d", c.MaxFileSize)
	}
	if c.MaxChunkSize < 0 {
		return fmt.Errorf("MaxChunkSize must not be negative, got %d", c.MaxChunkSize)
	}
	if c.ChunkExpiry < 0 {
		return fmt.Errorf("ChunkExpiry must not be negative, got %s", c.ChunkExpiry)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SweepInterval must not be negative, got %s", c.SweepInterval)
	}
	if c.Store == nil && c.StoreConfig.Shared() && c.StagingDir == "" {
		return fmt.Errorf("StagingDir must be set to a directory shared by every receiver when using a %s chunk store", c.StoreConfig.Type)
	}
	if c.Flakiness < 0 || c.Flakiness > 1 {
		return fmt.Errorf("Flakiness must be between 0 and 1, got %f", c.Flakiness)
	}
	for _, pattern := range c.AllowedFileNames {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid file name pattern: %s", pattern)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = log.NewLogger()
	}
	if c.HoldTimeout <= 0 {
		c.HoldTimeout = defaultHoldTimeout
	}
	if c.StagingDir == "" {
		c.StagingDir = os.TempDir()
	}
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = c.ChunkExpiry / 2
	}
	if c.Faults == nil {
		c.Faults = faults.Probability(c.Flakiness, nil)
	}
	if c.ExpiryFaults == nil {
		if c.SimulatedChunkExpiry {
			c.ExpiryFaults = faults.OncePerKey(simulatedExpirySkip)
		} else {
			c.ExpiryFaults = faults.None
		}
	}
	if c.Finalizer == nil {
		c.Finalizer = destination.NewLocalFinalizer(c.Logger)
	}
	return c
}
