package chunker

import (
	"strings"
	"unicode"
)

// Options controls how text is chunked.
type Options struct {
	// Size is the maximum number of word tokens per chunk.
	Size int
	// Overlap is the number of tokens shared between consecutive chunks.
	// Clamped to [0, Size-1].
	Overlap int
}

// Chunk represents a slice of the document text.
type Chunk struct {
	Index      int
	Text       string
	TokenCount int
}

// Split performs a token-based sliding window with overlap. Tokens are
// whitespace-delimited words; each chunk keeps the original spacing between
// its words, so concatenating chunks in order (dropping each chunk's first
// Overlap tokens after the first chunk) reproduces the input exactly.
//
// Deterministic: identical (text, options) always yield the same sequence.
// A Size of zero or empty text yields an empty sequence, not an error.
func Split(text string, opts Options) []Chunk {
	if opts.Size <= 0 {
		return nil
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.Overlap >= opts.Size {
		opts.Overlap = opts.Size - 1
	}

	starts := wordStarts(text)
	if len(starts) == 0 {
		return nil
	}

	step := opts.Size - opts.Overlap
	var chunks []Chunk
	for start := 0; start < len(starts); start += step {
		end := start + opts.Size
		if end > len(starts) {
			end = len(starts)
		}
		var segment string
		if end == len(starts) {
			segment = text[starts[start]:]
		} else {
			segment = text[starts[start]:starts[end]]
		}
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Text:       segment,
			TokenCount: end - start,
		})
		if end == len(starts) {
			break
		}
	}
	return chunks
}

// Count returns the number of word tokens in text.
func Count(text string) int {
	return len(strings.Fields(text))
}

// wordStarts returns the byte offset of each word's first rune.
func wordStarts(text string) []int {
	var starts []int
	inWord := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			starts = append(starts, i)
			inWord = true
		}
	}
	return starts
}
