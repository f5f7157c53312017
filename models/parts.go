package models

import (
	"encoding/binary"
	"errors"
)

var ErrMalformedParts = errors.New("malformed snapshot parts")

// EncodeParts packs snapshot parts as uvarint length prefixes followed by bytes.
func EncodeParts(parts [][]byte) []byte {
	size := 0
	for _, p := range parts {
		size += binary.MaxVarintLen64 + len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = binary.AppendUvarint(out, uint64(len(p)))
		out = append(out, p...)
	}
	return out
}

func DecodeParts(data []byte) ([][]byte, error) {
	var parts [][]byte
	for len(data) > 0 {
		n, read := binary.Uvarint(data)
		if read <= 0 || uint64(len(data)-read) < n {
			return nil, ErrMalformedParts
		}
		data = data[read:]
		part := make([]byte, n)
		copy(part, data[:n])
		parts = append(parts, part)
		data = data[n:]
	}
	return parts, nil
}
