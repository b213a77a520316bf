package scanner

import (
	"strings"
	"unicode/utf8"
)

// TruncationMarker is appended as a final chunk when input exceeds the
// hard chunk ceiling.
const TruncationMarker = "[message too long: truncated]"

const (
	// hardMaxChunks is a safety valve against absurdly large inputs.
	hardMaxChunks = 200

	// breakWindow is how far back from the chunk end a whitespace break
	// is still acceptable. Further back would produce tiny chunks.
	breakWindow = 200
)

// SplitText splits text into chunks of at most limit bytes, preferring to
// break at the last newline or space within the trailing breakWindow of a
// chunk so words stay intact. Reassembling the chunks (minus the
// truncation marker) yields a prefix of the input.
func SplitText(text string, limit int) []string {
	if limit < 1 {
		limit = 1
	}
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	idx := 0
	for idx < len(text) && len(chunks) < hardMaxChunks {
		end := idx + limit
		if end > len(text) {
			end = len(text)
		}

		if end < len(text) {
			slice := text[idx:end]
			lastNl := strings.LastIndexByte(slice, '\n')
			lastSp := strings.LastIndexByte(slice, ' ')
			breakAt := lastNl
			if lastSp > breakAt {
				breakAt = lastSp
			}
			if breakAt >= len(slice)-breakWindow && breakAt >= 0 {
				end = idx + breakAt + 1
			} else {
				// Forced mid-text split: do not cut a rune in half.
				for end > idx+1 && !utf8.RuneStart(text[end]) {
					end--
				}
			}
		}

		chunks = append(chunks, text[idx:end])
		idx = end
	}

	if idx < len(text) {
		chunks = append(chunks, TruncationMarker)
	}
	return chunks
}
