package catalogcache

import (
	"fmt"
	"strconv"
)

const (
	// DefaultChunkSize is the default chunk length in runes.
	DefaultChunkSize = 1000

	// DefaultChunkOverlap is the default overlap between consecutive chunks in runes.
	DefaultChunkOverlap = 200
)

// Chunk is a slice of a FrameworkRecord's content ready to be embedded.
type Chunk struct {
	ID        string
	ContentID string
	Framework string
	Index     int
	Text      string
}

// ToVectorRecord attaches an embedding to the chunk.
func (c Chunk) ToVectorRecord(embedding []float32) VectorRecord {
	return VectorRecord{
		ID:        c.ID,
		Framework: c.Framework,
		ContentID: c.ContentID,
		Embedding: embedding,
		Metadata: map[string]any{
			"chunk_index": c.Index,
			"text":        c.Text,
		},
	}
}

// ChunkContent splits a record's content into overlapping rune windows.
// Chunk IDs are derived from the record ID, the content fingerprint and the
// chunk index, so re-chunking unchanged content yields the same IDs.
func ChunkContent(r FrameworkRecord, size, overlap int) ([]Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0,%d), got %d", size, overlap)
	}

	runes := []rune(r.Content)
	if len(runes) == 0 {
		return nil, nil
	}

	fp := r.Fingerprint().String()
	step := size - overlap

	var chunks []Chunk
	for start, idx := 0, 0; start < len(runes); start, idx = start+step, idx+1 {
		end := min(start+size, len(runes))
		chunks = append(chunks, Chunk{
			ID:        HashParts(r.ID, fp, strconv.Itoa(idx)).ShortString(),
			ContentID: r.ID,
			Framework: r.Framework,
			Index:     idx,
			Text:      string(runes[start:end]),
		})
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}
