package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// encodeFloat32SliceToBlob encodes a float32 slice as a binary blob.
// Uses little-endian encoding as expected by sqlite-vec.
func encodeFloat32SliceToBlob(vec []float32) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		// Cannot happen with bytes.Buffer
		return nil
	}
	return buf.Bytes()
}

// decodeBlobToFloat32Slice decodes a little-endian binary blob back into
// a float32 slice.
func decodeBlobToFloat32Slice(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("blob length %d not a multiple of 4", len(blob))
	}
	out := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// truncatePayload caps instruction text at max bytes, appending an
// ellipsis marker when cut. The cut lands on a rune boundary.
func truncatePayload(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
