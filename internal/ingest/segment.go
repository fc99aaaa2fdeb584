package ingest

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"memsci/internal/types"
)

// maxChunkRunes bounds a single chunk. Turns under this length become one
// chunk; longer turns split on paragraph then sentence boundaries.
const maxChunkRunes = 1200

// segmentTurn converts raw messages into one Dialogue node and its Chunks.
func segmentTurn(endUserID string, messages []types.Message, now time.Time) (types.Dialogue, []types.Chunk) {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	content := b.String()

	dialogue := types.Dialogue{
		NodeBase: types.NodeBase{
			ID:        uuid.NewString(),
			EndUserID: endUserID,
			CreatedAt: now,
			Version:   1,
			IsActive:  true,
		},
		Content: content,
	}

	var chunks []types.Chunk
	for _, piece := range splitText(content, maxChunkRunes) {
		chunks = append(chunks, types.Chunk{
			NodeBase: types.NodeBase{
				ID:        uuid.NewString(),
				EndUserID: endUserID,
				CreatedAt: now,
				Version:   1,
				IsActive:  true,
			},
			DialogueID: dialogue.ID,
			Content:    piece,
		})
	}
	return dialogue, chunks
}

// splitText cuts text into pieces of at most max runes, preferring paragraph
// breaks, then sentence ends, then a hard cut.
func splitText(text string, max int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= max {
		return []string{text}
	}

	var pieces []string
	var current strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len() > 0 && len([]rune(current.String()))+len([]rune(para))+2 > max {
			pieces = append(pieces, current.String())
			current.Reset()
		}
		if len([]rune(para)) > max {
			if current.Len() > 0 {
				pieces = append(pieces, current.String())
				current.Reset()
			}
			pieces = append(pieces, splitSentences(para, max)...)
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

// splitSentences cuts an oversized paragraph on sentence terminators,
// falling back to a hard rune cut for pathological input.
func splitSentences(para string, max int) []string {
	var pieces []string
	runes := []rune(para)
	start := 0
	lastEnd := -1
	for i, r := range runes {
		switch r {
		case '.', '!', '?', '。', '！', '？':
			lastEnd = i
		}
		if i-start+1 >= max {
			cut := lastEnd
			if cut <= start {
				cut = i
			}
			pieces = append(pieces, strings.TrimSpace(string(runes[start:cut+1])))
			start = cut + 1
			lastEnd = -1
		}
	}
	if start < len(runes) {
		if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
			pieces = append(pieces, tail)
		}
	}
	return pieces
}
