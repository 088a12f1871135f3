package persistence

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/natefinch/atomic"

	"tiercache/internal/cache"
)

var indexMagic = []byte("TCIDX\x01")

const indexVersion = 1

// IndexHeader contains metadata about the index file
type IndexHeader struct {
	Version    int
	Name       string
	CreatedAt  time.Time
	EntryCount int
	DataSize   int64
}

// IndexRecord locates one key in the data file
type IndexRecord struct {
	Key        string
	Offset     int64
	Length     int64
	Hits       uint64
	Created    int64
	LastAccess int64
	TimeToIdle time.Duration
	TimeToLive time.Duration
	Pinned     bool
}

type indexFile struct {
	Header  IndexHeader
	Records []IndexRecord
}

// writeIndexFile replaces the index file atomically
func writeIndexFile(path string, header IndexHeader, records []IndexRecord) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(indexFile{Header: header, Records: records}); err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}

	var out bytes.Buffer
	out.Grow(len(indexMagic) + 8 + payload.Len())
	out.Write(indexMagic)
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], xxhash.Sum64(payload.Bytes()))
	out.Write(sum[:])
	out.Write(payload.Bytes())

	if err := atomic.WriteFile(path, &out); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}
	return nil
}

// readIndexFile parses and validates an index file against the data file size.
// Any inconsistency is reported as ErrCorruption.
func readIndexFile(path string, dataSize int64) (*indexFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < len(indexMagic)+8 || !bytes.Equal(raw[:len(indexMagic)], indexMagic) {
		return nil, fmt.Errorf("bad index magic: %w", cache.ErrCorruption)
	}
	payload := raw[len(indexMagic)+8:]
	if binary.LittleEndian.Uint64(raw[len(indexMagic):]) != xxhash.Sum64(payload) {
		return nil, fmt.Errorf("index checksum mismatch: %w", cache.ErrCorruption)
	}

	var idx indexFile
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&idx); err != nil {
		return nil, fmt.Errorf("failed to decode index: %v: %w", err, cache.ErrCorruption)
	}
	if idx.Header.Version != indexVersion {
		return nil, fmt.Errorf("unsupported index version %d: %w", idx.Header.Version, cache.ErrCorruption)
	}
	if idx.Header.EntryCount != len(idx.Records) || idx.Header.DataSize != dataSize {
		return nil, fmt.Errorf("index does not match data file: %w", cache.ErrCorruption)
	}

	sort.Slice(idx.Records, func(i, j int) bool { return idx.Records[i].Offset < idx.Records[j].Offset })
	var end int64
	for _, r := range idx.Records {
		if r.Offset < end || r.Length < recordHeaderSize || r.Offset+r.Length > dataSize {
			return nil, fmt.Errorf("index record %q out of range: %w", r.Key, cache.ErrCorruption)
		}
		end = r.Offset + r.Length
	}
	return &idx, nil
}
