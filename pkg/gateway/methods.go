package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/harun/careline/internal/tracing"
	"github.com/harun/careline/pkg/orchestrator"
	"github.com/harun/careline/pkg/session"
)

// RPC method names.
const (
	MethodTurnProcess   = "turn.process"
	MethodSessionGet    = "session.get"
	MethodSessionClose  = "session.close"
	MethodGatewayStatus = "gateway.status"
)

// TurnService is the orchestrator surface the gateway exposes.
type TurnService interface {
	ProcessTurn(ctx context.Context, sessionID, text string, opts ...orchestrator.TurnOption) (orchestrator.TurnResult, error)
	Session(ctx context.Context, sessionID string) (session.State, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// TurnReply is the turn.process result.
type TurnReply struct {
	SessionID       string   `json:"session_id"`
	TurnID          string   `json:"turn_id,omitempty"`
	Response        string   `json:"response"`
	Outcome         string   `json:"outcome"`
	Target          string   `json:"target,omitempty"`
	HandoffRequired bool     `json:"handoff_required"`
	HandoffReasons  []string `json:"handoff_reasons,omitempty"`
	Tools           []string `json:"tools,omitempty"`
}

func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod(MethodTurnProcess, s.handleTurnProcess)
	_ = s.router.RegisterMethod(MethodSessionGet, s.handleSessionGet)
	_ = s.router.RegisterMethod(MethodSessionClose, s.handleSessionClose)
	_ = s.router.RegisterMethod(MethodGatewayStatus, s.handleGatewayStatus)
}

func (s *Server) handleTurnProcess(ctx context.Context, req *RPCRequest) (interface{}, error) {
	sessionID, err := sessionIDParam(req.Params)
	if err != nil {
		return nil, err
	}
	text, _ := req.Params["text"].(string)

	var opts []orchestrator.TurnOption
	if req.IdempotencyKey != "" {
		opts = append(opts, orchestrator.WithRequestID(req.IdempotencyKey))
	}

	res, err := s.service.ProcessTurn(ctx, sessionID, text, opts...)
	if err != nil {
		return nil, err
	}

	reply := TurnReply{
		SessionID:       sessionID,
		TurnID:          res.TurnID,
		Response:        res.Response,
		Outcome:         string(res.Outcome),
		Target:          string(res.Target),
		HandoffRequired: res.HandoffRequired,
		HandoffReasons:  res.HandoffReasons,
	}
	for _, inv := range res.Invocations {
		reply.Tools = append(reply.Tools, inv.Tool)
	}
	s.publishTurn(ctx, sessionID, res)
	return reply, nil
}

// publishTurn streams the turn's tool calls then its response.
func (s *Server) publishTurn(ctx context.Context, sessionID string, res orchestrator.TurnResult) {
	traceID := tracing.GetTraceID(ctx)
	for _, inv := range res.Invocations {
		data := map[string]interface{}{
			"tool":       inv.Tool,
			"outcome":    inv.Outcome(),
			"attempt":    inv.Attempt,
			"latency_ms": inv.Latency.Milliseconds(),
		}
		if inv.Err != nil {
			data["error"] = inv.Err.Message
		}
		s.broadcaster.BroadcastTyped(EventMessage{
			Event:   "turn.tool",
			Stream:  StreamTypeTool,
			Phase:   "result",
			Data:    data,
			TraceID: traceID,
			TurnID:  res.TurnID,
			Session: sessionID,
		})
	}
	s.broadcaster.BroadcastTyped(EventMessage{
		Event:  "turn.response",
		Stream: StreamTypeAssistant,
		Phase:  string(res.Outcome),
		Data: map[string]interface{}{
			"text":             res.Response,
			"target":           string(res.Target),
			"handoff_required": res.HandoffRequired,
		},
		TraceID: traceID,
		TurnID:  res.TurnID,
		Session: sessionID,
	})
}

func (s *Server) handleSessionGet(ctx context.Context, req *RPCRequest) (interface{}, error) {
	sessionID, err := sessionIDParam(req.Params)
	if err != nil {
		return nil, err
	}
	st, err := s.service.Session(ctx, sessionID)
	if err != nil {
		return nil, sessionError(sessionID, err)
	}
	return st, nil
}

func (s *Server) handleSessionClose(ctx context.Context, req *RPCRequest) (interface{}, error) {
	sessionID, err := sessionIDParam(req.Params)
	if err != nil {
		return nil, err
	}
	if err := s.service.CloseSession(ctx, sessionID); err != nil {
		return nil, sessionError(sessionID, err)
	}
	s.broadcaster.BroadcastTyped(EventMessage{
		Event:   "session.closed",
		Stream:  StreamTypeLifecycle,
		Phase:   "closed",
		Data:    map[string]interface{}{"session_id": sessionID},
		Session: sessionID,
	})
	return map[string]interface{}{"session_id": sessionID, "closed": true}, nil
}

func (s *Server) handleGatewayStatus(_ context.Context, _ *RPCRequest) (interface{}, error) {
	return map[string]interface{}{
		"methods": s.router.Methods(),
		"clients": s.clients.Connected(),
	}, nil
}

func sessionIDParam(params map[string]interface{}) (string, error) {
	id, _ := params["session_id"].(string)
	id = strings.TrimSpace(id)
	if err := session.ValidateID(id); err != nil {
		return "", invalidParams(err.Error())
	}
	return id, nil
}

func sessionError(sessionID string, err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return &RPCError{Code: NotFound, Message: "session not found", Data: sessionID}
	}
	return err
}
