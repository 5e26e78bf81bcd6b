package local

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// codec owns the zstd encoder and decoder of one MessageLog. Both are created
// on first use so logs that never compress pay nothing.
type codec struct {
	mode Compression

	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error

	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error
}

func newCodec(mode Compression) *codec {
	return &codec{mode: mode}
}

// compress returns the stored form of body and the entry flags describing it.
// Bodies that are small or do not shrink are stored as-is.
func (c *codec) compress(body []byte) ([]byte, uint8, error) {
	if c.mode != CompressionZstd || len(body) < compressMinBody {
		return body, 0, nil
	}
	c.encOnce.Do(func() {
		c.enc, c.encErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1))
	})
	if c.encErr != nil {
		return nil, 0, c.encErr
	}
	out := c.enc.EncodeAll(body, make([]byte, 0, len(body)))
	if len(out) >= len(body) {
		return body, 0, nil
	}
	return out, flagZstd, nil
}

// decompress is used regardless of mode: a log may hold compressed entries
// written under an earlier configuration.
func (c *codec) decompress(src []byte) ([]byte, error) {
	c.decOnce.Do(func() {
		c.dec, c.decErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	if c.decErr != nil {
		return nil, c.decErr
	}
	return c.dec.DecodeAll(src, nil)
}

func (c *codec) close() {
	if c.enc != nil {
		_ = c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}
