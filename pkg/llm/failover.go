package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/careline/internal/observability"
	"github.com/harun/careline/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultCallTimeout bounds one provider call.
const DefaultCallTimeout = 15 * time.Second

// DefaultCooldown is the base cooldown; the n-th consecutive failure
// cools a profile down for n times this.
const DefaultCooldown = time.Minute

// ErrNoProfiles is returned when no profile is configured.
var ErrNoProfiles = errors.New("no llm profiles configured")

// ProviderFactory builds a Provider from a profile.
type ProviderFactory func(Profile) (Provider, error)

// NewProvider is the default ProviderFactory.
func NewProvider(p Profile) (Provider, error) {
	switch p.Provider {
	case "anthropic":
		return NewAnthropicProvider(p.APIKey, p.Model), nil
	case "openai":
		return NewOpenAIProvider(p.APIKey, p.Model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", p.Provider)
	}
}

type profileState struct {
	profile       Profile
	provider      Provider
	failureCount  int
	cooldownUntil time.Time
}

// Failover tries profiles in priority order, cooling down failed ones.
type Failover struct {
	mu          sync.Mutex
	states      []*profileState
	factory     ProviderFactory
	callTimeout time.Duration
	cooldown    time.Duration
	now         func() time.Time
}

// FailoverOption configures a Failover.
type FailoverOption func(*Failover)

// WithCallTimeout bounds each provider call.
func WithCallTimeout(d time.Duration) FailoverOption {
	return func(f *Failover) {
		if d > 0 {
			f.callTimeout = d
		}
	}
}

// WithCooldown sets the base cooldown.
func WithCooldown(d time.Duration) FailoverOption {
	return func(f *Failover) {
		if d > 0 {
			f.cooldown = d
		}
	}
}

// WithProviderFactory replaces how providers are built.
func WithProviderFactory(factory ProviderFactory) FailoverOption {
	return func(f *Failover) {
		if factory != nil {
			f.factory = factory
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) FailoverOption {
	return func(f *Failover) {
		if now != nil {
			f.now = now
		}
	}
}

// NewFailover creates a failover completer over profiles.
func NewFailover(profiles []Profile, opts ...FailoverOption) (*Failover, error) {
	observability.EnsureRegistered()
	if len(profiles) == 0 {
		return nil, ErrNoProfiles
	}

	f := &Failover{
		factory:     NewProvider,
		callTimeout: DefaultCallTimeout,
		cooldown:    DefaultCooldown,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}

	sorted := append([]Profile(nil), profiles...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	for _, p := range sorted {
		provider, err := f.factory(p)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.ID, err)
		}
		f.states = append(f.states, &profileState{profile: p, provider: provider})
	}
	return f, nil
}

// Complete tries each available profile until one succeeds. A
// non-retryable failure stops the walk.
func (f *Failover) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracing.StartSpan(ctx, "careline.llm", "llm.complete")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var lastErr *Error
	tried := 0
	for _, st := range f.available() {
		if err := ctx.Err(); err != nil {
			lastErr = Classify(st.profile.Provider, err)
			break
		}
		tried++

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
		resp, err := st.provider.Complete(callCtx, req)
		cancel()
		observability.RecordLLMCall(st.profile.Provider, time.Since(start), err == nil)

		if err == nil {
			f.markSuccess(st)
			span.SetAttributes(attribute.String("provider", st.profile.Provider), attribute.Int("profiles_tried", tried))
			return resp, nil
		}

		lastErr = Classify(st.profile.Provider, err)
		f.markFailure(st)
		logger.Warn().
			Str("profile_id", st.profile.ID).
			Str("kind", string(lastErr.Kind)).
			Err(err).
			Msg("LLM profile failed")

		if !lastErr.Retryable {
			break
		}
	}

	if lastErr == nil {
		lastErr = &Error{Kind: ErrInternal, Message: "all profiles in cooldown"}
	}
	tracing.RecordSpanError(span, lastErr)
	return Response{}, lastErr
}

// available returns profiles not in cooldown, in priority order.
func (f *Failover) available() []*profileState {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	out := make([]*profileState, 0, len(f.states))
	for _, st := range f.states {
		if now.Before(st.cooldownUntil) {
			observability.SetProviderCooldown(st.profile.Provider, true)
			continue
		}
		out = append(out, st)
	}
	return out
}

func (f *Failover) markSuccess(st *profileState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st.failureCount = 0
	st.cooldownUntil = time.Time{}
	observability.SetProviderCooldown(st.profile.Provider, false)
}

func (f *Failover) markFailure(st *profileState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st.failureCount++
	st.cooldownUntil = f.now().Add(time.Duration(st.failureCount) * f.cooldown)
	observability.SetProviderCooldown(st.profile.Provider, true)
}

// InCooldown reports whether a profile is cooling down.
func (f *Failover) InCooldown(profileID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.states {
		if st.profile.ID == profileID {
			return f.now().Before(st.cooldownUntil)
		}
	}
	return false
}
