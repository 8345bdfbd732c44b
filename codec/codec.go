// Package codec compresses chunk payloads on the wire with zstd.
package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// MaxDecodedSize bounds the memory a single decoded payload may take.
const MaxDecodedSize = 256 * 1024 * 1024

// ErrTooLarge is returned when a payload decodes to more bytes than allowed.
var ErrTooLarge = errors.New("decoded payload exceeds limit")

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func sharedEncoder() (*zstd.Encoder, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithZeroFrames(true))
	})
	return encoder, encoderErr
}

func sharedDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	})
	return decoder, decoderErr
}

// Compress returns the zstd encoding of data. Safe for concurrent use.
func Compress(data []byte) ([]byte, error) {
	enc, err := sharedEncoder()
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2+64)), nil
}

// Decompress decodes a zstd payload, failing with ErrTooLarge when the result exceeds limit bytes.
func Decompress(data []byte, limit int64) ([]byte, error) {
	dec, err := sharedDecoder()
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, ErrTooLarge
		}
		return nil, fmt.Errorf("decode zstd payload: %w", err)
	}
	if limit >= 0 && int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(out), limit)
	}
	return out, nil
}
