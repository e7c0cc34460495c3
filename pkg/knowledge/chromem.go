package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/harun/careline/internal/observability"
	"github.com/harun/careline/internal/tracing"
	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const chromemCollection = "careline-documents"

// ChromemIndex is an in-process vector index over a documents directory.
type ChromemIndex struct {
	db       *chromem.DB
	embedder EmbeddingProvider
	docsDir  string
	logger   zerolog.Logger

	mu         sync.RWMutex
	collection *chromem.Collection
}

var _ Source = (*ChromemIndex)(nil)

// NewChromemIndex creates an empty index that embeds with embedder.
func NewChromemIndex(docsDir string, embedder EmbeddingProvider, logger zerolog.Logger) (*ChromemIndex, error) {
	observability.EnsureRegistered()
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	idx := &ChromemIndex{
		db:       chromem.NewDB(),
		embedder: embedder,
		docsDir:  docsDir,
		logger:   logger,
	}
	if err := idx.reset(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (c *ChromemIndex) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return c.embedder.GenerateEmbedding(ctx, text)
	}
}

func (c *ChromemIndex) reset() error {
	if c.db.GetCollection(chromemCollection, nil) != nil {
		if err := c.db.DeleteCollection(chromemCollection); err != nil {
			return fmt.Errorf("failed to drop collection: %w", err)
		}
	}
	col, err := c.db.GetOrCreateCollection(chromemCollection, nil, c.embeddingFunc())
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	c.mu.Lock()
	c.collection = col
	c.mu.Unlock()
	return nil
}

// Sync rebuilds the collection from the documents directory.
func (c *ChromemIndex) Sync(ctx context.Context) (SyncReport, error) {
	ctx, span := tracing.StartSpan(ctx, "careline.knowledge", "knowledge.chromem_sync")
	defer span.End()
	start := time.Now()

	var report SyncReport
	docs, err := listDocuments(c.docsDir)
	if err != nil {
		tracing.RecordSpanError(span, err)
		return report, fmt.Errorf("failed to walk documents: %w", err)
	}
	if err := c.reset(); err != nil {
		return report, err
	}

	var batch []chromem.Document
	for _, rel := range docs {
		content, err := os.ReadFile(filepath.Join(c.docsDir, filepath.FromSlash(rel)))
		if err != nil {
			c.logger.Warn().Err(err).Str("file", rel).Msg("Failed to read document")
			continue
		}
		for i, ch := range chunkContent(string(content)) {
			batch = append(batch, chromem.Document{
				ID:       fmt.Sprintf("%s#%d", rel, i),
				Content:  ch.content,
				Metadata: map[string]string{"path": rel},
			})
		}
		report.FilesIndexed++
	}

	if len(batch) > 0 {
		c.mu.RLock()
		col := c.collection
		c.mu.RUnlock()
		if err := col.AddDocuments(ctx, batch, runtime.NumCPU()); err != nil {
			tracing.RecordSpanError(span, err)
			return report, fmt.Errorf("failed to add documents: %w", err)
		}
	}
	report.ChunksCreated = len(batch)

	observability.RecordKnowledgeSync(time.Since(start))
	observability.SetKnowledgeChunks(len(batch))
	c.logger.Info().
		Int("files_indexed", report.FilesIndexed).
		Int("chunks_created", report.ChunksCreated).
		Msg("Knowledge sync completed")
	return report, nil
}

// Count returns the number of indexed chunks.
func (c *ChromemIndex) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collection.Count()
}

// Search returns up to topK passages by cosine similarity.
func (c *ChromemIndex) Search(ctx context.Context, query string, topK int) ([]Passage, error) {
	ctx, span := tracing.StartSpan(ctx, "careline.knowledge", "knowledge.chromem_search",
		attribute.Int("top_k", topK),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordKnowledgeSearch(time.Since(start)) }()

	c.mu.RLock()
	col := c.collection
	c.mu.RUnlock()

	n := topK
	if count := col.Count(); n > count {
		n = count
	}
	if n <= 0 || len(terms(query)) == 0 {
		return []Passage{}, nil
	}

	results, err := col.Query(ctx, query, n, nil, nil)
	if err != nil {
		tracing.RecordSpanError(span, err)
		return nil, fmt.Errorf("chromem query failed: %w", err)
	}

	passages := make([]Passage, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		if score < 0 {
			score = 0
		}
		passages = append(passages, Passage{
			ID:         r.ID,
			DocumentID: r.Metadata["path"],
			Text:       r.Content,
			Score:      score,
		})
	}
	return rank(passages, topK), nil
}
