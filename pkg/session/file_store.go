package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/careline/internal/observability"
	"github.com/harun/careline/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	stateSuffix = ".json"
	archiveDir  = "archive"
)

// FileStore persists each session as a JSON snapshot under a directory.
// Closed and expired sessions move into an archive/ subdirectory.
type FileStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewFileStore creates the directory layout and returns a store.
func NewFileStore(dir string) (*FileStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".careline", "sessions")
	}

	if err := os.MkdirAll(filepath.Join(dir, archiveDir), 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	fs := &FileStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", dir).Msg("Session store initialized")
	fs.updateActiveSessionsMetric()

	return fs, nil
}

// Dir returns the store's root directory.
func (fs *FileStore) Dir() string {
	return fs.dir
}

func (fs *FileStore) path(id string) string {
	return filepath.Join(fs.dir, id+stateSuffix)
}

func (fs *FileStore) getWriteLock(id string) *sync.Mutex {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()

	if lock, exists := fs.writeLocks[id]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	fs.writeLocks[id] = lock
	return lock
}

func (fs *FileStore) updateActiveSessionsMetric() {
	infos, err := fs.List(context.Background())
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(infos))
}

// Load reads a session snapshot. A snapshot that fails to decode or
// validate is reported as an error, never repaired.
func (fs *FileStore) Load(ctx context.Context, id string) (*State, error) {
	ctx = tracing.WithSessionKey(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "careline.session", "session.load", attribute.String("session_key", id))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := ValidateID(id); err != nil {
		tracing.RecordSpanError(span, err)
		return nil, err
	}

	data, err := os.ReadFile(fs.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		tracing.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		tracing.RecordSpanError(span, err)
		return nil, fmt.Errorf("%w: session %s: %v", ErrCorrupt, id, err)
	}
	if st.Facts == nil {
		st.Facts = map[string]Fact{}
	}
	if err := st.Validate(); err != nil {
		tracing.RecordSpanError(span, err)
		return nil, fmt.Errorf("%w: session %s: %v", ErrCorrupt, id, err)
	}

	logger.Debug().Int("turns", len(st.Turns)).Msg("Session loaded")
	return &st, nil
}

// Save writes the snapshot atomically through a temp file and rename.
func (fs *FileStore) Save(ctx context.Context, state *State) error {
	if state == nil {
		return fmt.Errorf("state cannot be nil")
	}
	ctx = tracing.WithSessionKey(ctx, state.ID)
	_, span := tracing.StartSpan(ctx, "careline.session", "session.save", attribute.String("session_key", state.ID))
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := ValidateID(state.ID); err != nil {
		tracing.RecordSpanError(span, err)
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		tracing.RecordSpanError(span, err)
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	lock := fs.getWriteLock(state.ID)
	lock.Lock()
	defer lock.Unlock()

	_, statErr := os.Stat(fs.path(state.ID))
	if err := writeAtomic(fs.path(state.ID), data); err != nil {
		tracing.RecordSpanError(span, err)
		return err
	}
	if os.IsNotExist(statErr) {
		fs.updateActiveSessionsMetric()
	}
	return nil
}

// Archive moves a session snapshot into the archive directory with a
// timestamp suffix so repeated sessions with the same id do not collide.
func (fs *FileStore) Archive(ctx context.Context, id string) error {
	ctx = tracing.WithSessionKey(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "careline.session", "session.archive", attribute.String("session_key", id))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := ValidateID(id); err != nil {
		tracing.RecordSpanError(span, err)
		return err
	}

	lock := fs.getWriteLock(id)
	lock.Lock()
	defer lock.Unlock()

	src := fs.path(id)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	dst := filepath.Join(fs.dir, archiveDir, fmt.Sprintf("%s_%s%s", id, time.Now().UTC().Format("20060102T150405.000000000"), stateSuffix))
	if err := os.Rename(src, dst); err != nil {
		tracing.RecordSpanError(span, err)
		return fmt.Errorf("failed to archive session: %w", err)
	}

	fs.locksMu.Lock()
	delete(fs.writeLocks, id)
	fs.locksMu.Unlock()
	fs.updateActiveSessionsMetric()

	logger.Info().Str("archive", filepath.Base(dst)).Msg("Session archived")
	return nil
}

// List returns every active session, using the file modification time as
// the last-activity time.
func (fs *FileStore) List(_ context.Context) ([]Info, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, stateSuffix) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			ID:        strings.TrimSuffix(name, stateSuffix),
			UpdatedAt: fi.ModTime(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// PurgeArchive deletes archived snapshots older than maxAge and returns
// how many were removed.
func (fs *FileStore) PurgeArchive(maxAge time.Duration) (int, error) {
	dir := filepath.Join(fs.dir, archiveDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read archive directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fi, err := entry.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			log.Warn().Str("file", entry.Name()).Err(err).Msg("Failed to purge archived session")
			continue
		}
		removed++
	}
	return removed, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}
