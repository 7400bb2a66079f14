package upload

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"

	uperrors "uplink/errors"
)

// DefaultChunkSize is used when the caller does not pick one.
const DefaultChunkSize int64 = 512 * 1024

// Chunk is one bounded slice of the payload, transferred and acknowledged
// independently.
type Chunk struct {
	Index int
	Data  []byte
}

// Split cuts the payload into ordered chunks. The last chunk may be
// shorter than chunkSize.
func Split(payload []byte, chunkSize int64) ([]Chunk, error) {
	if len(payload) == 0 {
		return nil, uperrors.ErrEmptyPayload
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	total := int((int64(len(payload)) + chunkSize - 1) / chunkSize)
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}
		chunks = append(chunks, Chunk{Index: i, Data: payload[start:end]})
	}
	return chunks, nil
}

// DetectContentType sniffs the payload's mime type from its magic bytes.
func DetectContentType(payload []byte) string {
	return mimetype.Detect(payload).String()
}
