package corpus

import (
	"fmt"
	"strings"
)

// DefaultMaxTokens caps the estimated token count of one chunk.
const DefaultMaxTokens = 7000

// Chunk is one line of the JSONL corpus and the atomic unit of upsert.
type Chunk struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// Metadata travels with the chunk into the vector index.
type Metadata struct {
	ObjectName  string   `json:"object_name"`
	Type        string   `json:"type"`
	ContentHash string   `json:"content_hash"`
	PartIndex   int      `json:"part_index"`
	TotalParts  int      `json:"total_parts"`
	SiblingIDs  []string `json:"sibling_ids"`
	FieldsCount int      `json:"fields_count"`
	RecordCount int64    `json:"record_count"`
}

// EstimateTokens approximates the embedder's token count without a
// provider-specific tokenizer: four characters per token, rounded up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// SplitText breaks text into pieces of at most maxTokens estimated tokens.
// Preference order: section boundaries (blank lines), then line boundaries
// within a section, then sentence boundaries as a last resort.
func SplitText(text string, maxTokens int) []string {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if EstimateTokens(text) <= maxTokens {
		return []string{text}
	}

	var pieces []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, strings.TrimRight(current.String(), "\n"))
			current.Reset()
		}
	}

	for _, section := range strings.Split(text, "\n\n") {
		for _, part := range splitOversize(section, maxTokens) {
			candidate := current.Len() + len(part) + 2
			if current.Len() > 0 && (candidate+3)/4 > maxTokens {
				flush()
			}
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(part)
		}
	}
	flush()
	return pieces
}

// splitOversize handles a single section that alone exceeds the cap, first
// by lines, then by sentences.
func splitOversize(section string, maxTokens int) []string {
	if EstimateTokens(section) <= maxTokens {
		return []string{section}
	}

	var parts []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		}
	}

	for _, line := range strings.Split(section, "\n") {
		units := []string{line}
		if EstimateTokens(line) > maxTokens {
			units = splitSentences(line, maxTokens)
		}
		for _, unit := range units {
			if current.Len() > 0 && EstimateTokens(current.String())+EstimateTokens(unit)+1 > maxTokens {
				flush()
			}
			if current.Len() > 0 {
				current.WriteString("\n")
			}
			current.WriteString(unit)
		}
	}
	flush()
	return parts
}

func splitSentences(line string, maxTokens int) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(line); i++ {
		if line[i] == '.' || line[i] == ';' {
			sentences = append(sentences, strings.TrimSpace(line[start:i+1]))
			start = i + 1
		}
	}
	if start < len(line) {
		sentences = append(sentences, strings.TrimSpace(line[start:]))
	}

	// Hard fallback for pathological unbroken text.
	var out []string
	for _, s := range sentences {
		for EstimateTokens(s) > maxTokens {
			cut := maxTokens * 4
			out = append(out, s[:cut])
			s = s[cut:]
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// BuildChunks turns one document into its chunk set. Single-piece documents
// get the bare id; multi-piece documents get 1-indexed part suffixes with
// mutually consistent sibling lists.
func BuildChunks(idPrefix, docType, ref, text, contentHash string, fieldsCount int, recordCount int64, maxTokens int) []Chunk {
	pieces := SplitText(text, maxTokens)

	ids := make([]string, len(pieces))
	if len(pieces) == 1 {
		ids[0] = fmt.Sprintf("%s_%s", idPrefix, ref)
	} else {
		for i := range pieces {
			ids[i] = fmt.Sprintf("%s_%s_part_%d", idPrefix, ref, i+1)
		}
	}

	chunks := make([]Chunk, len(pieces))
	for i, piece := range pieces {
		siblings := make([]string, 0, len(ids)-1)
		for j, id := range ids {
			if j != i {
				siblings = append(siblings, id)
			}
		}
		chunks[i] = Chunk{
			ID:   ids[i],
			Text: piece,
			Metadata: Metadata{
				ObjectName:  ref,
				Type:        docType,
				ContentHash: contentHash,
				PartIndex:   i + 1,
				TotalParts:  len(pieces),
				SiblingIDs:  siblings,
				FieldsCount: fieldsCount,
				RecordCount: recordCount,
			},
		}
	}
	return chunks
}
