package cache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/golang/snappy"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// A stored dataset is a header byte, the refresh timestamp as 8 big-endian
// bytes, then the data exactly as it was given, raw or snappy-compressed.
// The key is the record key.
const (
	headerRaw    byte = 'r'
	headerSnappy byte = 's'

	frameLen = 1 + 8
)

var errCorruptRecord = errors.New("corrupt cache record")

func encode(d types.Dataset, compress bool) []byte {
	data := []byte(d.Data)
	header := headerRaw
	if compress {
		header = headerSnappy
		data = snappy.Encode(nil, data)
	}
	out := make([]byte, frameLen, frameLen+len(data))
	out[0] = header
	binary.BigEndian.PutUint64(out[1:frameLen], uint64(d.Timestamp))
	return append(out, data...)
}

func decode(key string, b []byte) (types.Dataset, error) {
	d := types.Dataset{Key: key}
	if len(b) < frameLen {
		return d, fmt.Errorf("%w: %d bytes", errCorruptRecord, len(b))
	}
	data := b[frameLen:]
	switch b[0] {
	case headerRaw:
		data = slices.Clone(data)
	case headerSnappy:
		var err error
		if data, err = snappy.Decode(nil, data); err != nil {
			return d, fmt.Errorf("%w: %w", errCorruptRecord, err)
		}
	default:
		return d, fmt.Errorf("%w: header %q", errCorruptRecord, b[0])
	}
	if !json.Valid(data) {
		return d, fmt.Errorf("%w: data is not JSON", errCorruptRecord)
	}
	d.Timestamp = int64(binary.BigEndian.Uint64(b[1:frameLen]))
	d.Data = data
	return d, nil
}
