package persistence

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"

	"tiercache/internal/cache"
)

// Record layout in the data file:
//
//	magic u32 | flags u8 | keyLen u32 | valLen u32 | rawLen u32 |
//	created i64 | accessed i64 | updated i64 | hits u64 | tti i64 | ttl i64 | version u64 | pinStore u8 |
//	checksum u64 | key | value
//
// The checksum is xxhash64 over everything before it plus key and value.
const (
	recordMagic      uint32 = 0x54435231 // "TCR1"
	recordHeaderSize        = 4 + 1 + 4 + 4 + 4 + 8*7 + 1 + 8
	checksumOffset          = recordHeaderSize - 8

	flagCompressed = 1 << 0
	flagPinned     = 1 << 1

	// values below this size are never compressed
	compressThreshold = 128
)

type recordCodec struct {
	compress   bool
	compressor lz4.Compressor
}

// encode serializes an entry. Only the disk writer calls it.
func (c *recordCodec) encode(e *cache.Entry) ([]byte, error) {
	value := e.Value
	var flags byte
	if c.compress && len(value) >= compressThreshold {
		buf := make([]byte, lz4.CompressBlockBound(len(value)))
		n, err := c.compressor.CompressBlock(value, buf)
		if err != nil {
			return nil, fmt.Errorf("failed to compress value for %q: %w", e.Key, err)
		}
		if n > 0 && n < len(value) {
			value = buf[:n]
			flags |= flagCompressed
		}
	}
	if e.Pinned {
		flags |= flagPinned
	}

	out := make([]byte, recordHeaderSize+len(e.Key)+len(value))
	binary.LittleEndian.PutUint32(out[0:], recordMagic)
	out[4] = flags
	binary.LittleEndian.PutUint32(out[5:], uint32(len(e.Key)))
	binary.LittleEndian.PutUint32(out[9:], uint32(len(value)))
	binary.LittleEndian.PutUint32(out[13:], uint32(len(e.Value)))
	p := 17
	for _, v := range []uint64{
		uint64(e.CreationTime), uint64(e.LastAccessTime), uint64(e.LastUpdateTime), e.HitCount,
		uint64(e.TimeToIdle), uint64(e.TimeToLive), e.Version,
	} {
		binary.LittleEndian.PutUint64(out[p:], v)
		p += 8
	}
	out[p] = byte(e.PinnedToStore)
	copy(out[recordHeaderSize:], e.Key)
	copy(out[recordHeaderSize+len(e.Key):], value)

	binary.LittleEndian.PutUint64(out[checksumOffset:], recordChecksum(out))
	return out, nil
}

func recordChecksum(rec []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(rec[:checksumOffset])
	_, _ = d.Write(rec[recordHeaderSize:])
	return d.Sum64()
}

// decode parses a record and verifies it belongs to key
func decodeRecord(rec []byte, key string) (*cache.Entry, error) {
	if len(rec) < recordHeaderSize {
		return nil, fmt.Errorf("short record for %q: %w", key, cache.ErrCorruption)
	}
	if binary.LittleEndian.Uint32(rec[0:]) != recordMagic {
		return nil, fmt.Errorf("bad record magic for %q: %w", key, cache.ErrCorruption)
	}
	flags := rec[4]
	keyLen := int(binary.LittleEndian.Uint32(rec[5:]))
	valLen := int(binary.LittleEndian.Uint32(rec[9:]))
	rawLen := int(binary.LittleEndian.Uint32(rec[13:]))
	if recordHeaderSize+keyLen+valLen != len(rec) {
		return nil, fmt.Errorf("record length mismatch for %q: %w", key, cache.ErrCorruption)
	}
	if binary.LittleEndian.Uint64(rec[checksumOffset:]) != recordChecksum(rec) {
		return nil, fmt.Errorf("record checksum mismatch for %q: %w", key, cache.ErrCorruption)
	}
	if string(rec[recordHeaderSize:recordHeaderSize+keyLen]) != key {
		return nil, fmt.Errorf("record key mismatch for %q: %w", key, cache.ErrCorruption)
	}

	var meta [7]uint64
	p := 17
	for i := range meta {
		meta[i] = binary.LittleEndian.Uint64(rec[p:])
		p += 8
	}
	e := &cache.Entry{
		Key:            key,
		CreationTime:   int64(meta[0]),
		LastAccessTime: int64(meta[1]),
		LastUpdateTime: int64(meta[2]),
		HitCount:       meta[3],
		TimeToIdle:     time.Duration(meta[4]),
		TimeToLive:     time.Duration(meta[5]),
		Version:        meta[6],
		Pinned:         flags&flagPinned != 0,
		PinnedToStore:  cache.PinStore(rec[p]),
	}

	value := rec[recordHeaderSize+keyLen:]
	if flags&flagCompressed != 0 {
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(value, raw)
		if err != nil || n != rawLen {
			return nil, fmt.Errorf("failed to decompress %q: %w", key, cache.ErrCorruption)
		}
		e.Value = raw
	} else {
		e.Value = append([]byte(nil), value...)
	}
	return e, nil
}
