package knowledge

import (
	"context"
	"sort"
)

// Passage is one ranked search hit.
type Passage struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// Source searches indexed documents.
type Source interface {
	Search(ctx context.Context, query string, topK int) ([]Passage, error)
}

// rank sorts passages by descending score, ties by id, and caps at topK.
func rank(passages []Passage, topK int) []Passage {
	sort.SliceStable(passages, func(i, j int) bool {
		if passages[i].Score != passages[j].Score {
			return passages[i].Score > passages[j].Score
		}
		return passages[i].ID < passages[j].ID
	})
	if topK >= 0 && len(passages) > topK {
		passages = passages[:topK]
	}
	return passages
}
