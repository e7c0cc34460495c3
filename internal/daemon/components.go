package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/harun/careline/internal/config"
	"github.com/harun/careline/pkg/agent"
	"github.com/harun/careline/pkg/coretools"
	"github.com/harun/careline/pkg/knowledge"
	"github.com/harun/careline/pkg/llm"
	"github.com/harun/careline/pkg/records"
	"github.com/harun/careline/pkg/routing"
	"github.com/harun/careline/pkg/session"
	"github.com/harun/careline/pkg/toolexecutor"
)

func buildStore(cfg config.SessionConfig) (session.Store, error) {
	if cfg.Store == "memory" {
		return session.NewMemoryStore(), nil
	}
	store, err := session.NewFileStore(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return store, nil
}

// recordSources holds the record backend and anything that must be closed.
type recordSources struct {
	catalog *records.Catalog
	sqlite  *records.SQLiteStore
}

func (r recordSources) apply(opts coretools.Options) coretools.Options {
	if r.sqlite != nil {
		return coretools.SQLiteSources(r.sqlite, opts)
	}
	return coretools.CatalogSources(r.catalog, opts)
}

func (r recordSources) Close() error {
	if r.sqlite != nil {
		return r.sqlite.Close()
	}
	return nil
}

// buildRecords loads the JSON catalog, importing it into SQLite when that
// backend is selected. A missing JSON file yields empty collections.
func buildRecords(ctx context.Context, cfg config.RecordsConfig, logger zerolog.Logger) (recordSources, error) {
	cat, err := records.LoadJSON(cfg.Path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		logger.Warn().Str("path", cfg.Path).Msg("Records file not found, member lookups will fail")
		cat = records.NewCatalog()
	default:
		return recordSources{}, fmt.Errorf("failed to load records: %w", err)
	}

	if cfg.Backend != "sqlite" {
		return recordSources{catalog: cat}, nil
	}

	store, err := records.OpenSQLite(cfg.DBPath)
	if err != nil {
		return recordSources{}, fmt.Errorf("failed to open records database: %w", err)
	}
	if len(cat.Names()) > 0 {
		if err := store.Import(ctx, cat); err != nil {
			store.Close()
			return recordSources{}, fmt.Errorf("failed to import records: %w", err)
		}
	}
	return recordSources{sqlite: store}, nil
}

// documentIndex is a searchable, syncable document source.
type documentIndex interface {
	knowledge.Source
	Sync(ctx context.Context) (knowledge.SyncReport, error)
}

type chromemIndex struct {
	*knowledge.ChromemIndex
}

func (chromemIndex) Close() error { return nil }

func buildEmbedder(profiles []config.AIProfile) knowledge.EmbeddingProvider {
	for _, p := range profiles {
		if p.Provider == "openai" && p.APIKey != "" {
			return knowledge.NewOpenAIEmbedder(p.APIKey, "")
		}
	}
	return knowledge.NewHashEmbedder(0)
}

func buildKnowledge(cfg config.KnowledgeConfig, profiles []config.AIProfile, logger zerolog.Logger) (documentIndex, io.Closer, error) {
	embedder := buildEmbedder(profiles)
	if cfg.Backend == "chromem" {
		idx, err := knowledge.NewChromemIndex(cfg.DocsDir, embedder, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create chromem index: %w", err)
		}
		c := chromemIndex{idx}
		return c, c, nil
	}

	mgr, err := knowledge.NewManager(knowledge.Config{
		DocsDir:  cfg.DocsDir,
		DBPath:   cfg.DBPath,
		Logger:   logger,
		Embedder: embedder,
		Watch:    cfg.Watch,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create knowledge manager: %w", err)
	}
	return mgr, mgr, nil
}

// buildCompleter returns nil when no AI profile is configured.
func buildCompleter(cfg config.AIConfig) (llm.Completer, error) {
	if len(cfg.Profiles) == 0 {
		return nil, nil
	}
	profiles := make([]llm.Profile, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		model := p.Model
		if model == "" && p.Provider == "anthropic" {
			model = cfg.Model
		}
		profiles = append(profiles, llm.Profile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Model:    model,
			Priority: p.Priority,
		})
	}
	f, err := llm.NewFailover(profiles, llm.WithCallTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM failover: %w", err)
	}
	return f, nil
}

func buildRouter(cfg config.RoutingConfig, completer llm.Completer, keywords *routing.KeywordClassifier) (*routing.Router, error) {
	var classifier routing.Classifier
	switch cfg.Classifier {
	case "keyword":
	case "llm":
		if completer == nil {
			return nil, errors.New("routing.classifier llm requires an AI profile")
		}
		classifier = routing.NewLLMClassifier(completer, "")
	default:
		if completer != nil {
			classifier = routing.NewLLMClassifier(completer, "")
		}
	}
	return routing.NewRouter(classifier, routing.WithKeywords(keywords)), nil
}

func buildPolicies(cfg config.ToolsConfig, known []string) (map[session.Target]*toolexecutor.ToolPolicy, error) {
	out := make(map[session.Target]*toolexecutor.ToolPolicy, len(cfg.Policies))
	for name, p := range cfg.Policies {
		target, err := session.ParseTarget(name)
		if err != nil {
			return nil, fmt.Errorf("tools.policies: %w", err)
		}
		policy := &toolexecutor.ToolPolicy{Allow: p.Allow, Deny: p.Deny}
		if err := toolexecutor.ValidatePolicy(policy, known); err != nil {
			return nil, fmt.Errorf("tools.policies.%s: %w", name, err)
		}
		out[target] = policy
	}
	return out, nil
}

func buildRegistry(cfg *config.Config, tools agent.Tools, completer llm.Completer, keywords *routing.KeywordClassifier, policies map[session.Target]*toolexecutor.ToolPolicy) (*agent.Registry, error) {
	// agent options treat 0 as the default budget and negatives as none
	budget := cfg.Orchestrator.ToolRetryBudget
	if budget == 0 {
		budget = -1
	}
	base := func(target session.Target) agent.Options {
		return agent.Options{
			Tools:       tools,
			Policy:      policies[target],
			Completer:   completer,
			Temperature: cfg.AI.Temperature,
			MaxTokens:   cfg.AI.MaxTokens,
			RetryBudget: budget,
		}
	}
	return agent.NewDefaultRegistry(
		agent.ConversationalOptions{Options: base(session.TargetConversational)},
		agent.RetrievalOptions{
			Options:            base(session.TargetRetrieval),
			RelevanceThreshold: cfg.Orchestrator.RetrievalRelevanceThreshold,
			TopK:               cfg.Orchestrator.RetrievalTopK,
		},
		agent.TransactionalOptions{
			Options:         base(session.TargetTransactional),
			DefaultMemberID: cfg.Records.DefaultMemberID,
			Keywords:        keywords,
		},
	)
}
