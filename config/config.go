// Package config reads the receiver daemon settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunktransfer/chunkstore"
	"github.com/bitrise-io/go-chunktransfer/destination"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
)

// Environment keys.
const (
	AddrKey                 = "TRANSFER_ADDR"
	RouteKey                = "TRANSFER_ROUTE"
	StoreTypeKey            = "TRANSFER_STORE_TYPE"
	StoreURLKey             = "TRANSFER_STORE_URL"
	StoreKeyPrefixKey       = "TRANSFER_STORE_KEY_PREFIX"
	StoreRetentionKey       = "TRANSFER_STORE_RETENTION"
	ChunkExpiryKey          = "TRANSFER_CHUNK_EXPIRY"
	SweepIntervalKey        = "TRANSFER_SWEEP_INTERVAL"
	MaxFileSizeKey          = "TRANSFER_MAX_FILE_SIZE"
	MaxChunkSizeKey         = "TRANSFER_MAX_CHUNK_SIZE"
	HoldTimeoutKey          = "TRANSFER_HOLD_TIMEOUT"
	StagingDirKey           = "TRANSFER_STAGING_DIR"
	DestinationDirKey       = "TRANSFER_DESTINATION_DIR"
	AllowedFileNamesKey     = "TRANSFER_ALLOWED_FILE_NAMES"
	FlakinessKey            = "TRANSFER_FLAKINESS"
	SimulatedChunkExpiryKey = "TRANSFER_SIMULATED_CHUNK_EXPIRY"
	S3BucketKey             = "TRANSFER_S3_BUCKET"
	S3RegionKey             = "TRANSFER_S3_REGION"
	S3AccessKeyIDKey        = "TRANSFER_S3_ACCESS_KEY_ID"
	S3SecretAccessKeyKey    = "TRANSFER_S3_SECRET_ACCESS_KEY"
	S3KeyPrefixKey          = "TRANSFER_S3_KEY_PREFIX"
	DebugKey                = "TRANSFER_DEBUG"
)

const (
	defaultAddr  = ":8080"
	defaultRoute = "/upload"
)

// ReceiverConfig ...
type ReceiverConfig struct {
	Addr  string
	Route string

	Store chunkstore.Config

	ChunkExpiry          time.Duration
	SweepInterval        time.Duration
	MaxFileSize          int64
	MaxChunkSize         int64
	HoldTimeout          time.Duration
	StagingDir           string
	DestinationDir       string
	AllowedFileNames     []string
	Flakiness            float64
	SimulatedChunkExpiry bool

	S3 destination.S3Params

	Debug bool
}

// UseS3 reports whether completed files go to S3 instead of DestinationDir.
func (c ReceiverConfig) UseS3() bool {
	return c.S3.Bucket != ""
}

// LoadReceiverConfig reads and validates the receiver settings.
func LoadReceiverConfig(envRepo env.Repository) (ReceiverConfig, error) {
	p := parser{envRepo: envRepo}

	c := ReceiverConfig{
		Addr:  p.stringOr(AddrKey, defaultAddr),
		Route: p.stringOr(RouteKey, defaultRoute),
		Store: chunkstore.Config{
			Type:      strings.ToLower(p.string(StoreTypeKey)),
			URL:       p.string(StoreURLKey),
			KeyPrefix: p.string(StoreKeyPrefixKey),
			Retention: p.duration(StoreRetentionKey),
		},
		ChunkExpiry:          p.duration(ChunkExpiryKey),
		SweepInterval:        p.duration(SweepIntervalKey),
		MaxFileSize:          p.size(MaxFileSizeKey),
		MaxChunkSize:         p.size(MaxChunkSizeKey),
		HoldTimeout:          p.duration(HoldTimeoutKey),
		StagingDir:           p.path(StagingDirKey),
		DestinationDir:       p.path(DestinationDirKey),
		AllowedFileNames:     p.list(AllowedFileNamesKey),
		Flakiness:            p.float(FlakinessKey),
		SimulatedChunkExpiry: p.bool(SimulatedChunkExpiryKey),
		S3: destination.S3Params{
			Bucket:          p.string(S3BucketKey),
			Region:          p.string(S3RegionKey),
			AccessKeyID:     p.string(S3AccessKeyIDKey),
			SecretAccessKey: p.string(S3SecretAccessKeyKey),
			KeyPrefix:       p.string(S3KeyPrefixKey),
		},
		Debug: p.bool(DebugKey),
	}

	if err := errors.Join(p.errs...); err != nil {
		return ReceiverConfig{}, err
	}
	if err := c.validate(); err != nil {
		return ReceiverConfig{}, err
	}
	return c, nil
}

func (c ReceiverConfig) validate() error {
	if !strings.HasPrefix(c.Route, "/") {
		return fmt.Errorf("%s must start with /, got %s", RouteKey, c.Route)
	}
	switch c.Store.Type {
	case "", chunkstore.TypeMemory, chunkstore.TypeRedis, chunkstore.TypePostgres, "postgresql", chunkstore.TypeSQLite:
	default:
		return fmt.Errorf("%s must be one of memory, redis, postgres or sqlite, got %s", StoreTypeKey, c.Store.Type)
	}
	if c.Store.Type != "" && c.Store.Type != chunkstore.TypeMemory && c.Store.URL == "" {
		return fmt.Errorf("%s is required for store type %s", StoreURLKey, c.Store.Type)
	}
	if c.Store.Shared() && c.StagingDir == "" {
		return fmt.Errorf("%s is required for store type %s and must be shared by every receiver using the store", StagingDirKey, c.Store.Type)
	}
	if c.Flakiness < 0 || c.Flakiness > 1 {
		return fmt.Errorf("%s must be between 0 and 1, got %v", FlakinessKey, c.Flakiness)
	}
	for _, pattern := range c.AllowedFileNames {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("%s contains an invalid pattern: %s", AllowedFileNamesKey, pattern)
		}
	}
	if !c.UseS3() && c.DestinationDir == "" {
		return fmt.Errorf("either %s or %s is required", DestinationDirKey, S3BucketKey)
	}
	if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
		return fmt.Errorf("%s and %s must be set together", S3AccessKeyIDKey, S3SecretAccessKeyKey)
	}
	return nil
}

// Print logs the settings with secrets redacted.
func (c ReceiverConfig) Print(logger log.Logger) {
	logger.Infof("Receiver configuration:")
	logger.Printf("- Listen address: %s", c.Addr)
	logger.Printf("- Route: %s", c.Route)
	storeType := c.Store.Type
	if storeType == "" {
		storeType = chunkstore.TypeMemory
	}
	logger.Printf("- Chunk store: %s", storeType)
	if c.Store.URL != "" {
		logger.Printf("- Chunk store URL: %s", redactURL(c.Store.URL))
	}
	logger.Printf("- Chunk expiry: %s", orNone(c.ChunkExpiry > 0, c.ChunkExpiry.String()))
	logger.Printf("- Max file size: %s", orNone(c.MaxFileSize > 0, units.BytesSize(float64(c.MaxFileSize))))
	if c.MaxChunkSize > 0 {
		logger.Printf("- Max chunk size: %s", units.BytesSize(float64(c.MaxChunkSize)))
	}
	logger.Printf("- Staging dir: %s", orNone(c.StagingDir != "", c.StagingDir))
	if c.UseS3() {
		logger.Printf("- Destination: s3://%s/%s", c.S3.Bucket, c.S3.KeyPrefix)
		logger.Printf("- S3 credentials: %s", orNone(c.S3.AccessKeyID != "", "[REDACTED]"))
	} else {
		logger.Printf("- Destination dir: %s", c.DestinationDir)
	}
	if len(c.AllowedFileNames) > 0 {
		logger.Printf("- Allowed file names: %s", strings.Join(c.AllowedFileNames, ", "))
	}
	if c.Flakiness > 0 || c.SimulatedChunkExpiry {
		logger.Warnf("- Fault injection: flakiness=%v simulated chunk expiry=%v", c.Flakiness, c.SimulatedChunkExpiry)
	}
}

type parser struct {
	envRepo env.Repository
	errs    []error
}

func (p *parser) string(key string) string {
	return strings.TrimSpace(p.envRepo.Get(key))
}

func (p *parser) stringOr(key, fallback string) string {
	if v := p.string(key); v != "" {
		return v
	}
	return fallback
}

func (p *parser) bool(key string) bool {
	raw := p.string(key)
	if raw == "" {
		return false
	}
	switch strings.ToLower(raw) {
	case "yes", "y":
		return true
	case "no", "n":
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
	}
	return v
}

func (p *parser) float(key string) float64 {
	raw := p.string(key)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, raw))
	}
	return v
}

func (p *parser) duration(key string) time.Duration {
	raw := p.string(key)
	if raw == "" {
		return 0
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return 0
	}
	if v < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: must not be negative, got %s", key, raw))
	}
	return v
}

// size accepts human readable binary sizes like 512MiB or 2GB, and plain byte counts.
func (p *parser) size(key string) int64 {
	raw := p.string(key)
	if raw == "" {
		return 0
	}
	v, err := units.RAMInBytes(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid size %q", key, raw))
		return 0
	}
	return v
}

func (p *parser) path(key string) string {
	raw := p.string(key)
	if raw == "" {
		return ""
	}
	abs, err := pathutil.NewPathModifier().AbsPath(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return ""
	}
	return abs
}

// list splits on commas or newlines.
func (p *parser) list(key string) []string {
	raw := p.string(key)
	if raw == "" {
		return nil
	}
	var items []string
	for _, item := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' }) {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func orNone(set bool, value string) string {
	if !set {
		return "none"
	}
	return value
}

func redactURL(raw string) string {
	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		if strings.Contains(raw, "password=") {
			return "[REDACTED]"
		}
		return raw
	}
	credentials, host, found := strings.Cut(rest, "@")
	if !found {
		return raw
	}
	user, _, _ := strings.Cut(credentials, ":")
	return fmt.Sprintf("%s://%s:[REDACTED]@%s", scheme, user, host)
}
