package extract

import (
	"fmt"
	"strings"
)

// Default chunking parameters, in words.
const (
	DefaultChunkWords = 500
	DefaultOverlap    = 50
)

// Chunk splits text into windows of size words, each starting size-overlap
// words after the previous one. The last window always ends at the last
// word, so no window is a suffix of the one before it.
func Chunk(text string, size, overlap int) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("overlap must be in [0, %d), got %d", size, overlap)
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, nil
	}

	step := size - overlap
	var chunks []string
	for start := 0; ; start += step {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks, nil
}

// Segments extracts a file and chunks it with the default window.
func Segments(name, contentType string, data []byte) ([]string, error) {
	text, err := Text(name, contentType, data)
	if err != nil {
		return nil, err
	}
	return Chunk(text, DefaultChunkWords, DefaultOverlap)
}
