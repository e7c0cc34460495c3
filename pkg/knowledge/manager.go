package knowledge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/careline/internal/observability"
	"github.com/harun/careline/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

func init() {
	sqlite_vec.Auto()
}

// ErrSyncInProgress is returned when Sync is called while another sync runs.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrFTS5Unavailable is returned by NewManager when the SQLite driver was
// built without FTS5. Build with -tags sqlite_fts5 to enable it.
var ErrFTS5Unavailable = errors.New("sqlite fts5 module not available")

const (
	defaultVectorWeight  = 0.7
	defaultKeywordWeight = 0.3
	candidateLimit       = 200
)

// Status describes the index.
type Status struct {
	TotalFiles   int        `json:"total_files"`
	TotalChunks  int        `json:"total_chunks"`
	IsDirty      bool       `json:"is_dirty"`
	IsSyncing    bool       `json:"is_syncing"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
}

// SyncReport summarizes one Sync.
type SyncReport struct {
	FilesIndexed  int
	FilesSkipped  int
	FilesPruned   int
	ChunksCreated int
}

// Config holds manager configuration.
type Config struct {
	DocsDir  string
	DBPath   string
	Logger   zerolog.Logger
	Embedder EmbeddingProvider // optional; keyword-only when nil
	Watch    bool
}

// Manager indexes a documents directory into SQLite and answers hybrid
// keyword/vector searches.
type Manager struct {
	db       *sql.DB
	docsDir  string
	logger   zerolog.Logger
	embedder EmbeddingProvider
	watcher  *FileWatcher

	syncMu       sync.Mutex
	mu           sync.RWMutex
	isDirty      bool
	isSyncing    bool
	lastSyncTime *time.Time
}

var _ Source = (*Manager)(nil)

// NewManager opens the index database and optionally watches DocsDir.
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.DocsDir == "" {
		return nil, errors.New("documents directory is required")
	}
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(cfg.DocsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create documents directory: %w", err)
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_fts5=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	m := &Manager{
		db:       db,
		docsDir:  cfg.DocsDir,
		logger:   cfg.Logger,
		embedder: cfg.Embedder,
		isDirty:  true,
	}

	if err := m.initSchema(); err != nil {
		db.Close()
		if strings.Contains(err.Error(), "no such module: fts5") {
			return nil, fmt.Errorf("%w (rebuild with -tags sqlite_fts5): %v", ErrFTS5Unavailable, err)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Watch {
		watcher, err := NewFileWatcher(cfg.Logger, 0, m.MarkDirty)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		if err := watcher.Watch(cfg.DocsDir); err != nil {
			watcher.Stop()
			db.Close()
			return nil, fmt.Errorf("failed to watch documents: %w", err)
		}
		m.watcher = watcher
	}

	m.logger.Info().Str("docs_dir", cfg.DocsDir).Bool("vectors", m.embedder != nil).Msg("Knowledge index opened")
	return m, nil
}

func (m *Manager) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			file_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);

		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := m.db.Exec(schema); err != nil {
		return err
	}

	if m.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
				chunk_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, m.embedder.Dimension())
		if _, err := m.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}
	return nil
}

// Search returns up to topK passages for query, syncing first when the
// documents changed since the last sync.
func (m *Manager) Search(ctx context.Context, query string, topK int) ([]Passage, error) {
	ctx, span := tracing.StartSpan(ctx, "careline.knowledge", "knowledge.search",
		attribute.Int("top_k", topK),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()
	defer func() { observability.RecordKnowledgeSearch(time.Since(start)) }()

	if topK <= 0 || len(terms(query)) == 0 {
		return []Passage{}, nil
	}

	if m.Status().IsDirty {
		if _, err := m.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			logger.Warn().Err(err).Msg("Sync failed before search")
		}
	}

	var vectorResults map[string]float64
	var keywordResults map[string]float64
	var vectorErr, keywordErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if m.embedder != nil {
			vectorResults, vectorErr = m.vectorSearch(ctx, query, candidateLimit)
		}
	}()
	go func() {
		defer wg.Done()
		keywordResults, keywordErr = m.keywordSearch(ctx, query, candidateLimit)
	}()
	wg.Wait()

	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}
	if keywordErr != nil && (m.embedder == nil || vectorErr != nil) {
		err := fmt.Errorf("knowledge search failed: %w", errors.Join(keywordErr, vectorErr))
		tracing.RecordSpanError(span, err)
		return nil, err
	}

	passages, err := m.merge(ctx, vectorResults, keywordResults)
	if err != nil {
		tracing.RecordSpanError(span, err)
		return nil, err
	}
	passages = rank(passages, topK)

	span.SetAttributes(attribute.Int("results", len(passages)))
	logger.Debug().Int("results", len(passages)).Msg("Knowledge search completed")
	return passages, nil
}

// ftsQuery turns free text into an FTS5 OR query of quoted terms.
func ftsQuery(text string) string {
	ts := terms(text)
	quoted := make([]string, len(ts))
	for i, t := range ts {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

// keywordSearch returns chunk id -> score in [0, 1). BM25 is mapped with
// s/(1+s) so scores stay comparable across queries.
func (m *Manager) keywordSearch(ctx context.Context, query string, limit int) (map[string]float64, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, ftsQuery(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		s := -score
		if s < 0 {
			s = 0
		}
		out[id] = s / (1 + s)
	}
	return out, rows.Err()
}

// vectorSearch returns chunk id -> cosine similarity clamped to [0, 1].
func (m *Manager) vectorSearch(ctx context.Context, query string, limit int) (map[string]float64, error) {
	embedding, err := m.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT chunk_id, vec_distance_cosine(embedding, ?) AS distance
		FROM embeddings
		ORDER BY distance ASC
		LIMIT ?
	`, string(embeddingJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		sim := 1.0 - distance
		if sim < 0 {
			sim = 0
		}
		out[id] = sim
	}
	return out, rows.Err()
}

func (m *Manager) merge(ctx context.Context, vector, keyword map[string]float64) ([]Passage, error) {
	vw, kw := defaultVectorWeight, defaultKeywordWeight
	if m.embedder == nil || vector == nil {
		vw, kw = 0, 1
	}

	ids := make(map[string]struct{}, len(vector)+len(keyword))
	for id := range vector {
		ids[id] = struct{}{}
	}
	for id := range keyword {
		ids[id] = struct{}{}
	}

	passages := make([]Passage, 0, len(ids))
	for id := range ids {
		var content, path string
		err := m.db.QueryRowContext(ctx, `
			SELECT c.content, f.path
			FROM chunks c
			JOIN files f ON c.file_id = f.id
			WHERE c.id = ?
		`, id).Scan(&content, &path)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load chunk %s: %w", id, err)
		}
		passages = append(passages, Passage{
			ID:         id,
			DocumentID: path,
			Text:       content,
			Score:      vector[id]*vw + keyword[id]*kw,
		})
	}
	return passages, nil
}

// Sync indexes new and changed documents and prunes deleted ones.
func (m *Manager) Sync(ctx context.Context) (SyncReport, error) {
	ctx, span := tracing.StartSpan(ctx, "careline.knowledge", "knowledge.sync")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	if !m.syncMu.TryLock() {
		return SyncReport{}, ErrSyncInProgress
	}
	defer m.syncMu.Unlock()

	m.mu.Lock()
	m.isSyncing = true
	m.isDirty = false
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.isSyncing = false
		now := time.Now()
		m.lastSyncTime = &now
		m.mu.Unlock()
	}()

	start := time.Now()
	var report SyncReport

	docs, err := listDocuments(m.docsDir)
	if err != nil {
		tracing.RecordSpanError(span, err)
		m.MarkDirty()
		return report, fmt.Errorf("failed to walk documents: %w", err)
	}

	for _, rel := range docs {
		indexed, chunks, err := m.indexFile(ctx, rel)
		if err != nil {
			logger.Warn().Err(err).Str("file", rel).Msg("Failed to index document")
			continue
		}
		if indexed {
			report.FilesIndexed++
			report.ChunksCreated += chunks
		} else {
			report.FilesSkipped++
		}
	}

	report.FilesPruned, err = m.pruneDeleted(ctx, docs)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to prune deleted documents")
		tracing.RecordSpanError(span, err)
	}

	observability.RecordKnowledgeSync(time.Since(start))
	observability.SetKnowledgeChunks(m.Status().TotalChunks)

	logger.Info().
		Int("files_indexed", report.FilesIndexed).
		Int("files_skipped", report.FilesSkipped).
		Int("files_pruned", report.FilesPruned).
		Int("chunks_created", report.ChunksCreated).
		Dur("duration", time.Since(start)).
		Msg("Knowledge sync completed")
	return report, nil
}

func (m *Manager) indexFile(ctx context.Context, rel string) (bool, int, error) {
	content, err := os.ReadFile(filepath.Join(m.docsDir, filepath.FromSlash(rel)))
	if err != nil {
		return false, 0, err
	}
	sum := sha256.Sum256(content)
	contentHash := hex.EncodeToString(sum[:])

	var existing string
	err = m.db.QueryRowContext(ctx, "SELECT content_hash FROM files WHERE path = ?", rel).Scan(&existing)
	if err == nil && existing == contentHash {
		return false, 0, nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	if err := m.deleteFile(ctx, tx, rel); err != nil {
		return false, 0, err
	}

	result, err := tx.ExecContext(ctx,
		"INSERT INTO files (path, content_hash, indexed_at, size_bytes) VALUES (?, ?, ?, ?)",
		rel, contentHash, time.Now().Unix(), len(content),
	)
	if err != nil {
		return false, 0, err
	}
	fileID, err := result.LastInsertId()
	if err != nil {
		return false, 0, err
	}

	chunks := chunkContent(string(content))
	for i, c := range chunks {
		chunkID := fmt.Sprintf("%s#%d", rel, i)
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chunks (id, file_id, content, start_offset, end_offset) VALUES (?, ?, ?, ?, ?)",
			chunkID, fileID, c.content, c.startOffset, c.endOffset,
		); err != nil {
			return false, 0, err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)", chunkID, c.content,
		); err != nil {
			return false, 0, err
		}
		if m.embedder != nil {
			if err := m.storeEmbedding(ctx, tx, chunkID, c.content); err != nil {
				m.logger.Warn().Err(err).Str("chunk", chunkID).Msg("Failed to store embedding")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, len(chunks), nil
}

// deleteFile removes a file and every row derived from it.
func (m *Manager) deleteFile(ctx context.Context, tx *sql.Tx, rel string) error {
	var fileID int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM files WHERE path = ?", rel).Scan(&fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	stmts := []string{
		"DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE file_id = ?)",
	}
	if m.embedder != nil {
		stmts = append(stmts, "DELETE FROM embeddings WHERE chunk_id IN (SELECT id FROM chunks WHERE file_id = ?)")
	}
	stmts = append(stmts,
		"DELETE FROM chunks WHERE file_id = ?",
		"DELETE FROM files WHERE id = ?",
	)
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, fileID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) storeEmbedding(ctx context.Context, tx *sql.Tx, chunkID, content string) error {
	sum := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(sum[:])

	var cached []byte
	var embeddingJSON []byte
	err := tx.QueryRowContext(ctx, "SELECT embedding FROM embedding_cache WHERE content_hash = ?", contentHash).Scan(&cached)
	if err == nil {
		embeddingJSON = cached
	} else {
		embedding, err := m.embedder.GenerateEmbedding(ctx, content)
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}
		embeddingJSON, err = json.Marshal(embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
			contentHash, embeddingJSON, len(embedding), time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to cache embedding: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO embeddings (chunk_id, embedding) VALUES (?, ?)",
		chunkID, string(embeddingJSON),
	); err != nil {
		return fmt.Errorf("failed to store embedding in vector table: %w", err)
	}
	return nil
}

func (m *Manager) pruneDeleted(ctx context.Context, existing []string) (int, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT path FROM files")
	if err != nil {
		return 0, err
	}
	keep := make(map[string]bool, len(existing))
	for _, f := range existing {
		keep[f] = true
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[path] {
			stale = append(stale, path)
		}
	}
	rows.Close()

	for _, path := range stale {
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, err
		}
		if err := m.deleteFile(ctx, tx, path); err != nil {
			tx.Rollback()
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Status returns index counters.
func (m *Manager) Status() Status {
	m.mu.RLock()
	status := Status{
		IsDirty:      m.isDirty,
		IsSyncing:    m.isSyncing,
		LastSyncTime: m.lastSyncTime,
	}
	m.mu.RUnlock()

	m.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&status.TotalFiles)
	m.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&status.TotalChunks)
	return status
}

// MarkDirty forces a sync before the next search.
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isDirty = true
}

// Close stops the watcher and closes the database.
func (m *Manager) Close() error {
	m.logger.Info().Msg("Closing knowledge index")
	if m.watcher != nil {
		m.watcher.Stop()
	}
	return m.db.Close()
}
