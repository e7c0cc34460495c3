package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/careline/internal/observability"
	"github.com/harun/careline/internal/tracing"
	"github.com/harun/careline/pkg/commandqueue"
	"github.com/harun/careline/pkg/session"
)

// Service is the turn-processing entry point. It serializes turns per
// session and persists state between them.
type Service struct {
	orch  *Orchestrator
	store session.Store
	queue *commandqueue.CommandQueue
}

// NewService wires an orchestrator to a store. A nil queue gets a private one.
func NewService(orch *Orchestrator, store session.Store, queue *commandqueue.CommandQueue) *Service {
	if queue == nil {
		queue = commandqueue.New()
	}
	return &Service{orch: orch, store: store, queue: queue}
}

// TurnOption configures one ProcessTurn call.
type TurnOption func(*commandqueue.TaskOptions)

// WithRequestID makes a retried call with the same id return the first
// result instead of running the turn again.
func WithRequestID(id string) TurnOption {
	return func(o *commandqueue.TaskOptions) {
		o.RequestID = id
	}
}

func lane(sessionID string) string {
	return "session:" + sessionID
}

// ProcessTurn loads or creates the session, runs the turn and saves the
// result. Turns for one session id never overlap.
func (s *Service) ProcessTurn(ctx context.Context, sessionID, text string, opts ...TurnOption) (TurnResult, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return TurnResult{}, err
	}
	ctx = tracing.NewTurnContext(ctx, sessionID)

	taskOpts := &commandqueue.TaskOptions{WarnAfter: 2 * time.Second}
	for _, opt := range opts {
		opt(taskOpts)
	}

	v, err := s.queue.Enqueue(ctx, lane(sessionID), func(ctx context.Context) (interface{}, error) {
		return s.processTurn(ctx, sessionID, text)
	}, taskOpts)
	if err != nil {
		return TurnResult{}, err
	}
	return v.(TurnResult), nil
}

func (s *Service) processTurn(ctx context.Context, sessionID, text string) (TurnResult, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	created := false
	st, err := s.store.Load(ctx, sessionID)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound):
		st = session.NewState(sessionID, s.orch.now())
		created = true
	case errors.Is(err, session.ErrCorrupt):
		logger.Error().Err(err).Msg("Stored session unreadable")
		st = session.NewState(sessionID, s.orch.now())
		if strings.TrimSpace(text) != "" {
			res := s.orch.reset(ctx, st, text, nil, err, time.Now())
			if err := s.store.Save(ctx, st); err != nil {
				return TurnResult{}, fmt.Errorf("failed to save session: %w", err)
			}
			return res, nil
		}
	default:
		return TurnResult{}, fmt.Errorf("failed to load session: %w", err)
	}

	res, err := s.orch.ProcessTurn(ctx, st, text)
	if err != nil {
		return TurnResult{}, err
	}
	if res.Outcome == OutcomeClarify {
		return res, nil
	}
	if err := s.store.Save(ctx, st); err != nil {
		return TurnResult{}, fmt.Errorf("failed to save session: %w", err)
	}
	if created {
		observability.RecordSessionAudit(ctx, "session_created", "orchestrator", map[string]interface{}{"session_id": sessionID})
	}
	return res, nil
}

// Session returns a snapshot of a stored session.
func (s *Service) Session(ctx context.Context, sessionID string) (session.State, error) {
	st, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return session.State{}, err
	}
	return st.Snapshot(), nil
}

// CloseSession archives a session. It waits for any in-flight turn.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	_, err := s.queue.Enqueue(ctx, lane(sessionID), func(ctx context.Context) (interface{}, error) {
		if err := s.store.Archive(ctx, sessionID); err != nil {
			return nil, err
		}
		observability.RecordSessionAudit(ctx, "session_closed", "orchestrator", map[string]interface{}{"session_id": sessionID})
		return nil, nil
	}, nil)
	return err
}

// Close stops the queue.
func (s *Service) Close() error {
	return s.queue.Close()
}
