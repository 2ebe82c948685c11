package websocket

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/xferd/xferd/pkg/proto"
)

// Frame layout: uint32 chunk id | uint8 flags | payload.
const (
	headerSize = 5

	flagCompressed byte = 1
)

// ack is the JSON reply to every chunk frame.
type ack struct {
	ID   int        `json:"id"`
	Code proto.Code `json:"code"`
}

// codec compresses frame payloads with pooled zstd encoders.
type codec struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

func newCodec() *codec {
	c := &codec{}
	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return c
}

// encode builds a frame. The payload is compressed only when that makes it
// smaller.
func (c *codec) encode(id int, data []byte, compress bool) []byte {
	payload := data
	var flags byte
	if compress && len(data) > 0 {
		enc := c.encoderPool.Get().(*zstd.Encoder)
		packed := enc.EncodeAll(data, nil)
		c.encoderPool.Put(enc)
		if len(packed) < len(data) {
			payload = packed
			flags |= flagCompressed
		}
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(id))
	buf[4] = flags
	copy(buf[headerSize:], payload)
	return buf
}

// decode parses a frame.
func (c *codec) decode(buf []byte) (int, []byte, error) {
	if len(buf) < headerSize {
		return 0, nil, fmt.Errorf("%w: frame too short (%d bytes)", proto.Inval, len(buf))
	}
	id := int(binary.BigEndian.Uint32(buf[0:4]))
	flags := buf[4]
	payload := buf[headerSize:]

	if flags&flagCompressed == 0 {
		return id, payload, nil
	}

	dec := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(dec)
	data, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return id, nil, fmt.Errorf("chunk %d: %w: decompress: %v", id, proto.Corrupt, err)
	}
	return id, data, nil
}
