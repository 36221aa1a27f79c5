package ingest

import (
	"strings"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
)

// chunkProfile controls how text from one source type is split. Sizes are
// in characters, not tokens: chunking happens before any provider contact,
// and the embedding layer handles token budgets on its own.
type chunkProfile struct {
	size    int
	overlap int
}

var chunkProfiles = map[domain.SourceType]chunkProfile{
	domain.SourceText:    {size: 1000, overlap: 150},
	domain.SourcePDF:     {size: 1000, overlap: 150},
	domain.SourceWebsite: {size: 1200, overlap: 150},
	domain.SourceCode:    {size: 1500, overlap: 0},
	domain.SourceGitHub:  {size: 1500, overlap: 0},
	domain.SourceYouTube: {size: 1200, overlap: 200},
	domain.SourceVoice:   {size: 1200, overlap: 200},
	domain.SourceChat:    {size: 800, overlap: 0},
}

var defaultProfile = chunkProfile{size: 1000, overlap: 150}

// ChunkText splits text into overlapping chunks sized for the source type.
// Split points prefer paragraph breaks, then line breaks, then sentence
// ends, so chunks rarely cut a thought mid-sentence.
func ChunkText(text string, sourceType domain.SourceType) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	profile, ok := chunkProfiles[sourceType]
	if !ok {
		profile = defaultProfile
	}
	if len(text) <= profile.size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + profile.size
		if end >= len(text) {
			chunk := strings.TrimSpace(text[start:])
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}

		end = splitPoint(text, start, end)
		chunk := strings.TrimSpace(text[start:end])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := end - profile.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// splitPoint finds the best boundary at or before end, never moving past the
// midpoint of the chunk: a terrible break beats a tiny chunk.
func splitPoint(text string, start, end int) int {
	window := text[start:end]
	floor := len(window) / 2

	for _, sep := range []string{"\n\n", "\n", ". ", " "} {
		if idx := strings.LastIndex(window, sep); idx > floor {
			return start + idx + len(sep)
		}
	}
	return end
}
