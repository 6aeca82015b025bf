package chunk

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// TextChunkParams are the line/word-boundary chunker's tunables. The
// chunker treats content as opaque text; language-aware structure is a
// caller concern.
type TextChunkParams struct {
	TargetChars           int
	MaxChars              int
	MinChars              int
	OverlapRatio          float64
	RespectLineBreaks     bool
	RespectWordBoundaries bool
}

// TextChunk is one chunk produced by the generic chunker, with its 1
// based inclusive line range and precomputed chunk id.
type TextChunk struct {
	ChunkID         string
	Index           int
	Content         string
	StartLine       int
	EndLine         int
	EstimatedTokens int
}

// splitWindow bounds how far back from targetEnd the chunker looks for
// a line-break or whitespace split point.
const splitWindow = 200

// ChunkText splits content into TextChunks: whole-file emission
// for short inputs, otherwise a greedy forward scan preferring
// line-break then whitespace split points, with an overlap carried into
// the next chunk's start.
func ChunkText(absolutePath string, content string, params TextChunkParams) []TextChunk {
	if len(content) <= params.MinChars {
		if strings.TrimSpace(content) == "" {
			return nil
		}
		return []TextChunk{newTextChunk(absolutePath, content, 0, content, 0, len(content))}
	}

	overlap := int(math.Floor(float64(params.TargetChars) * params.OverlapRatio))

	var chunks []TextChunk
	cursor := 0
	index := 0
	length := len(content)

	for cursor < length {
		targetEnd := cursor + params.TargetChars
		if targetEnd > length {
			targetEnd = length
		}
		if maxEnd := cursor + params.MaxChars; targetEnd > maxEnd {
			targetEnd = maxEnd
		}

		actualEnd := bestSplitPoint(content, cursor, targetEnd, length, params)

		chunkContent := strings.TrimSpace(content[cursor:actualEnd])
		if chunkContent != "" {
			chunks = append(chunks, newTextChunk(absolutePath, content, index, chunkContent, cursor, actualEnd))
			index++
		}

		if actualEnd >= length {
			break
		}

		nextCursor := actualEnd - overlap
		if nextCursor < cursor+1 {
			nextCursor = cursor + 1
		}
		nextCursor = bestSplitPoint(content, cursor, nextCursor, length, params)
		if nextCursor <= cursor {
			// A step that would not advance the cursor terminates the
			// loop rather than spin forever.
			break
		}
		cursor = nextCursor
	}

	return chunks
}

// bestSplitPoint finds the best position <= target within [from, length)
// to end a chunk: a line break within splitWindow chars back, else
// whitespace within splitWindow, else exactly at target.
func bestSplitPoint(content string, from, target, length int, params TextChunkParams) int {
	if target >= length {
		return length
	}
	if target <= from {
		return target
	}

	windowStart := target - splitWindow
	if windowStart < from {
		windowStart = from
	}

	if params.RespectLineBreaks {
		if idx := strings.LastIndexByte(content[windowStart:target], '\n'); idx >= 0 {
			return windowStart + idx + 1
		}
	}
	if params.RespectWordBoundaries {
		for i := target; i > windowStart; i-- {
			if isSplitWhitespace(content[i-1]) {
				return i
			}
		}
	}
	return target
}

func isSplitWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// newTextChunk builds a TextChunk whose line numbers are counted
// against the full file content: startLine is the newline count in
// full[0:startOffset] + 1; endLine adds the newlines within the chunk
// itself.
func newTextChunk(absolutePath string, full string, index int, chunkContent string, startOffset, endOffset int) TextChunk {
	startLine := strings.Count(full[:startOffset], "\n") + 1
	endLine := startLine + strings.Count(full[startOffset:endOffset], "\n")
	return TextChunk{
		ChunkID:         textChunkID(absolutePath, index, chunkContent),
		Index:           index,
		Content:         chunkContent,
		StartLine:       startLine,
		EndLine:         endLine,
		EstimatedTokens: estimateTextTokens(chunkContent),
	}
}

// textChunkID builds the MD5-based chunk id: "chunk_" followed by the
// first 12 hex digits of MD5(path:index:first100chars). The digest is
// a cache key, not a security primitive; ids are stable across runs
// for unchanged content.
func textChunkID(absolutePath string, index int, content string) string {
	sample := content
	if len(sample) > 100 {
		sample = sample[:100]
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%s", absolutePath, index, sample)))
	return "chunk_" + hex.EncodeToString(sum[:])[:12]
}

// estimateTextTokens approximates tokens as ceil(chars/4).
func estimateTextTokens(content string) int {
	return int(math.Ceil(float64(len(content)) / 4))
}
