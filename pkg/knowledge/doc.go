// Package knowledge provides the document source the retrieval agent
// searches: a SQLite index combining FTS5 keyword ranking with optional
// sqlite-vec similarity, and an in-process chromem-go index.
//
// Invariants:
// - Search returns at most topK passages ordered by descending score.
// - Scores are in [0, 1]; an empty or stopword-only query returns nothing.
// - Re-syncing an unchanged file is a no-op; deleted files are pruned.
//
// Usage:
//
//	m, _ := knowledge.NewManager(knowledge.Config{DocsDir: "docs", DBPath: "kb.db"})
//	_ = m.Sync(ctx)
//	passages, _ := m.Search(ctx, "how does my plan cover physical therapy", 4)
package knowledge
