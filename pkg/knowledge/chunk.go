package knowledge

import (
	"io/fs"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	chunkMinSize = 500
	chunkMaxSize = 1000
	chunkOverlap = 50
)

type chunk struct {
	content     string
	startOffset int
	endOffset   int
}

// chunkContent splits text on line boundaries into overlapping chunks.
func chunkContent(content string) []chunk {
	var chunks []chunk
	lines := strings.Split(content, "\n")

	var current strings.Builder
	startOffset := 0
	offset := 0

	for _, line := range lines {
		lineLen := len(line) + 1

		if current.Len() > 0 && current.Len()+lineLen > chunkMaxSize {
			chunks = append(chunks, chunk{
				content:     strings.TrimSpace(current.String()),
				startOffset: startOffset,
				endOffset:   offset,
			})

			text := current.String()
			current.Reset()
			if len(text) > chunkOverlap {
				current.WriteString(text[len(text)-chunkOverlap:])
				startOffset = offset - chunkOverlap
			} else {
				startOffset = offset
			}
		}

		current.WriteString(line)
		current.WriteString("\n")
		offset += lineLen
	}

	if strings.TrimSpace(current.String()) != "" && (current.Len() >= chunkMinSize || len(chunks) == 0) {
		chunks = append(chunks, chunk{
			content:     strings.TrimSpace(current.String()),
			startOffset: startOffset,
			endOffset:   offset,
		})
	}

	return chunks
}

// indexable reports whether a file name is a document the index reads.
func indexable(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".txt":
		return true
	}
	return false
}

// listDocuments returns indexable files under dir as slash-separated
// relative paths.
func listDocuments(dir string) ([]string, error) {
	var docs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if indexable(d.Name()) {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			docs = append(docs, filepath.ToSlash(rel))
		}
		return nil
	})
	return docs, err
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "can": true, "do": true, "does": true, "for": true,
	"from": true, "how": true, "i": true, "in": true, "is": true, "it": true,
	"me": true, "my": true, "of": true, "on": true, "or": true, "the": true,
	"this": true, "to": true, "what": true, "when": true, "where": true,
	"which": true, "who": true, "why": true, "will": true, "with": true,
	"you": true, "your": true,
}

// terms lowercases text and returns its non-stopword tokens.
func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 && !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}
