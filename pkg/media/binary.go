package media

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
)

// Binary CoMap keys. Chunks are written one transaction each so a reader
// can follow a large upload as it arrives.
const (
	keyMimeType  = "mimeType"
	keyTotalSize = "totalSizeBytes"
	keyHash      = "hash"
	keyChunks    = "chunks"
	keyEnded     = "ended"

	chunkKeyFormat = "chunk/%06d"
)

// ChunkSize is the largest payload written in a single transaction.
const ChunkSize = 100 * 1024

// CreateBinary stores data as a chunked binary CoMap owned by g.
func CreateBinary(g *covalue.Group, mimeType string, data []byte, privacy covalue.Privacy) (*covalue.Core, error) {
	c, err := g.CreateMap(map[string]any{"type": "binary"})
	if err != nil {
		return nil, fmt.Errorf("create binary: %w", err)
	}

	sum := blake3.Sum256(data)
	start := []covalue.Change{
		covalue.Set(keyMimeType, mimeType),
		covalue.Set(keyTotalSize, int64(len(data))),
		covalue.Set(keyHash, hex.EncodeToString(sum[:])),
	}
	if err := c.MakeTransaction(start, privacy); err != nil {
		return nil, fmt.Errorf("binary %s: %w", c.ID(), err)
	}

	n := 0
	for off := 0; off < len(data); off += ChunkSize {
		end := min(off+ChunkSize, len(data))
		chunk := covalue.Set(fmt.Sprintf(chunkKeyFormat, n), data[off:end])
		if err := c.MakeTransaction([]covalue.Change{chunk}, privacy); err != nil {
			return nil, fmt.Errorf("binary %s chunk %d: %w", c.ID(), n, err)
		}
		n++
	}

	end := []covalue.Change{
		covalue.Set(keyChunks, int64(n)),
		covalue.Set(keyEnded, true),
	}
	if err := c.MakeTransaction(end, privacy); err != nil {
		return nil, fmt.Errorf("binary %s: %w", c.ID(), err)
	}
	return c, nil
}

// ReadBinary reassembles a binary CoMap. It returns ErrUnavailable while
// the upload is incomplete and ErrInvalidInput when the content does not
// match its recorded size or hash.
func ReadBinary(c *covalue.Core) (mimeType string, data []byte, err error) {
	content := c.Content()
	if ended, _ := content.Get(keyEnded); ended != true {
		return "", nil, fmt.Errorf("binary %s: %w", c.ID(), arcerrors.ErrUnavailable)
	}
	mimeType, _ = content.GetString(keyMimeType)

	chunksVal, _ := content.Get(keyChunks)
	chunks, ok := toInt(chunksVal)
	if !ok {
		return "", nil, fmt.Errorf("binary %s: chunk count %v: %w", c.ID(), chunksVal, arcerrors.ErrInvalidInput)
	}
	for i := range chunks {
		v, ok := content.Get(fmt.Sprintf(chunkKeyFormat, i))
		if !ok {
			return "", nil, fmt.Errorf("binary %s: chunk %d: %w", c.ID(), i, arcerrors.ErrUnavailable)
		}
		b, ok := v.([]byte)
		if !ok {
			return "", nil, fmt.Errorf("binary %s: chunk %d is %T: %w", c.ID(), i, v, arcerrors.ErrInvalidInput)
		}
		data = append(data, b...)
	}

	sizeVal, _ := content.Get(keyTotalSize)
	if size, ok := toInt(sizeVal); !ok || size != len(data) {
		return "", nil, fmt.Errorf("binary %s: size %d, want %v: %w", c.ID(), len(data), sizeVal, arcerrors.ErrInvalidInput)
	}
	sum := blake3.Sum256(data)
	if want, _ := content.GetString(keyHash); want != hex.EncodeToString(sum[:]) {
		return "", nil, fmt.Errorf("binary %s: hash mismatch: %w", c.ID(), arcerrors.ErrInvalidInput)
	}
	return mimeType, data, nil
}

// toInt accepts the integer shapes a value may take after a CBOR round trip.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	default:
		return 0, false
	}
}
