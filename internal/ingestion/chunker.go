package ingestion

import "unicode/utf8"

const (
	// DefaultChunkSize is the target chunk length in bytes.
	DefaultChunkSize = 1536
	// DefaultChunkOverlap is how many bytes consecutive chunks share.
	DefaultChunkOverlap = 256

	// boundaryLookback bounds how far a cut may move backwards to land
	// on a sentence or line break.
	boundaryLookback = 200
)

// Chunk is one contiguous slice of the extracted text. Start and End are
// byte offsets into that text, so text[Start:End] == Content.
type Chunk struct {
	Index   int
	Start   int
	End     int
	Content string
}

// ChunkText splits text into overlapping chunks of roughly size bytes.
// Cuts prefer a sentence or line break within boundaryLookback bytes and
// never split a UTF-8 sequence. size <= 0 or text shorter than size
// yields a single chunk; overlap >= size degrades to disjoint chunks.
func ChunkText(text string, size, overlap int) []Chunk {
	if text == "" {
		return nil
	}
	n := len(text)
	if size <= 0 || n <= size {
		return []Chunk{{Index: 0, Start: 0, End: n, Content: text}}
	}
	if overlap < 0 {
		overlap = 0
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []Chunk
	start := 0
	for start < n {
		for start < n && !utf8.RuneStart(text[start]) {
			start++
		}
		if start >= n {
			break
		}
		rawEnd := start + size
		end := rawEnd
		if end >= n {
			end = n
		} else {
			end = snapBoundary(text, start, end)
		}
		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Start:   start,
			End:     end,
			Content: text[start:end],
		})
		next := start + step
		if end < rawEnd && end < n {
			// The cut moved backwards; resume relative to it so the
			// skipped tail is not lost.
			next = end - overlap
			if next <= start {
				next = start + step
			}
		}
		if next >= n {
			break
		}
		start = next
	}
	return chunks
}

// snapBoundary moves end backwards to the nearest sentence or line break
// within the lookback window, and off any UTF-8 continuation byte. A cut
// never shrinks the chunk below half its target size, which keeps an
// early boundary from being reused by overlapping windows.
func snapBoundary(text string, start, end int) int {
	for end > start+1 && !utf8.RuneStart(text[end]) {
		end--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	low := end - boundaryLookback
	if mid := start + (end-start)/2; low < mid {
		low = mid
	}
	if low <= start {
		low = start + 1
	}
	for i := end - 1; i >= low; i-- {
		switch text[i] {
		case '\n':
			return i + 1
		case '.', '!', '?':
			// Require trailing whitespace so versions like "v1.2" or
			// decimals are not treated as sentence ends.
			if i+1 < len(text) && isSpaceByte(text[i+1]) {
				return i + 1
			}
		}
	}
	return end
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
