// Package chunk splits source text into overlapping fixed-size token windows.
// Chunking is deterministic: the same text and parameters always produce the
// same windows, so re-ingesting a source overwrites its vectors in place.
package chunk

import (
	"errors"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// ErrInvalidParams is returned when chunk size is not positive or overlap is
// not strictly smaller than chunk size.
var ErrInvalidParams = errors.New("invalid chunk parameters")

// Encoding maps text to a token stream and back. The production encoding is
// tiktoken; tests substitute a deterministic fake.
type Encoding interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// NewEncoding returns the named tiktoken encoding (e.g. "cl100k_base").
func NewEncoding(name string) (Encoding, error) {
	tke, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("loading encoding %q: %w", name, err)
	}
	return tiktokenEncoding{tke: tke}, nil
}

type tiktokenEncoding struct {
	tke *tiktoken.Tiktoken
}

func (e tiktokenEncoding) Encode(text string) []int {
	return e.tke.Encode(text, nil, nil)
}

func (e tiktokenEncoding) Decode(tokens []int) string {
	return e.tke.Decode(tokens)
}

// Chunk is one token window of a source text. Size and Overlap record the
// parameters of the processing run for reproducibility.
type Chunk struct {
	SourceID   string
	Index      int
	TokenCount int
	Text       string
	Size       int
	Overlap    int
}

// Chunker produces overlapping token windows: chunk i covers token range
// [i*(size-overlap), i*(size-overlap)+size), clipped to the text length.
type Chunker struct {
	enc     Encoding
	size    int
	overlap int
}

// New validates the window parameters and returns a Chunker.
func New(enc Encoding, size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size %d must be positive: %w", size, ErrInvalidParams)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("overlap %d must be in [0, %d): %w", overlap, size, ErrInvalidParams)
	}
	return &Chunker{enc: enc, size: size, overlap: overlap}, nil
}

// Split chunks text into overlapping windows tagged with sourceID. Empty
// text yields zero chunks.
func (c *Chunker) Split(sourceID, text string) []Chunk {
	tokens := c.enc.Encode(text)
	if len(tokens) == 0 {
		return nil
	}

	stride := c.size - c.overlap
	var chunks []Chunk
	for start := 0; start < len(tokens); start += stride {
		end := start + c.size
		if end > len(tokens) {
			end = len(tokens)
		}
		window := tokens[start:end]
		chunks = append(chunks, Chunk{
			SourceID:   sourceID,
			Index:      len(chunks),
			TokenCount: len(window),
			Text:       c.enc.Decode(window),
			Size:       c.size,
			Overlap:    c.overlap,
		})
	}
	return chunks
}

// Count returns the number of tokens text encodes to.
func Count(enc Encoding, text string) int {
	return len(enc.Encode(text))
}
