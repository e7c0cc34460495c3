package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaioption "github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, req Request) (Response, error)
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) Complete(ctx context.Context, req Request) (Response, error) {
	s.calls.Add(1)
	return s.fn(ctx, req)
}

func factoryFor(providers map[string]*scriptedProvider) ProviderFactory {
	return func(p Profile) (Provider, error) {
		sp, ok := providers[p.ID]
		if !ok {
			return nil, errors.New("unknown profile")
		}
		return sp, nil
	}
}

func succeed(text string) func(context.Context, Request) (Response, error) {
	return func(context.Context, Request) (Response, error) {
		return Response{Text: text, Provider: "fake"}, nil
	}
}

func failWith(err error) func(context.Context, Request) (Response, error) {
	return func(context.Context, Request) (Response, error) {
		return Response{}, err
	}
}

func TestNewFailover_RequiresProfiles(t *testing.T) {
	_, err := NewFailover(nil)
	assert.ErrorIs(t, err, ErrNoProfiles)

	_, err = NewFailover([]Profile{{ID: "x", Provider: "gemini"}})
	assert.ErrorContains(t, err, "unsupported provider")
}

func TestFailover_PriorityOrderAndRetryableFailover(t *testing.T) {
	primary := &scriptedProvider{name: "anthropic", fn: failWith(&Error{Kind: ErrInternal, Message: "overloaded", Retryable: true})}
	secondary := &scriptedProvider{name: "openai", fn: succeed("from secondary")}

	f, err := NewFailover([]Profile{
		{ID: "b", Provider: "openai", Priority: 2},
		{ID: "a", Provider: "anthropic", Priority: 1},
	}, WithProviderFactory(factoryFor(map[string]*scriptedProvider{"a": primary, "b": secondary})))
	require.NoError(t, err)

	resp, err := f.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "from secondary", resp.Text)
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.True(t, f.InCooldown("a"))
	assert.False(t, f.InCooldown("b"))

	// primary is skipped while cooling down
	_, err = f.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(2), secondary.calls.Load())
}

func TestFailover_NonRetryableStops(t *testing.T) {
	primary := &scriptedProvider{name: "anthropic", fn: failWith(errors.New("invalid api key"))}
	secondary := &scriptedProvider{name: "openai", fn: succeed("unused")}

	f, err := NewFailover([]Profile{
		{ID: "a", Provider: "anthropic", Priority: 1},
		{ID: "b", Provider: "openai", Priority: 2},
	}, WithProviderFactory(factoryFor(map[string]*scriptedProvider{"a": primary, "b": secondary})))
	require.NoError(t, err)

	_, err = f.Complete(context.Background(), Request{})
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrInternal, le.Kind)
	assert.Equal(t, int32(0), secondary.calls.Load())
}

func TestFailover_CooldownGrowsAndExpires(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var healthy atomic.Bool
	p := &scriptedProvider{name: "anthropic", fn: func(context.Context, Request) (Response, error) {
		if healthy.Load() {
			return Response{Text: "ok"}, nil
		}
		return Response{}, &Error{Kind: ErrTimeout, Retryable: true}
	}}

	f, err := NewFailover([]Profile{{ID: "a", Provider: "anthropic"}},
		WithProviderFactory(factoryFor(map[string]*scriptedProvider{"a": p})),
		WithCooldown(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	_, err = f.Complete(context.Background(), Request{})
	require.Error(t, err)

	_, err = f.Complete(context.Background(), Request{})
	assert.ErrorContains(t, err, "all profiles in cooldown")
	assert.Equal(t, int32(1), p.calls.Load())

	now = now.Add(61 * time.Second)
	_, err = f.Complete(context.Background(), Request{})
	require.Error(t, err)
	now = now.Add(61 * time.Second)
	assert.True(t, f.InCooldown("a"), "second failure cools down for two minutes")

	now = now.Add(60 * time.Second)
	healthy.Store(true)
	resp, err := f.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.False(t, f.InCooldown("a"))
}

func TestFailover_CallTimeout(t *testing.T) {
	slow := &scriptedProvider{name: "anthropic", fn: func(ctx context.Context, _ Request) (Response, error) {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}}
	f, err := NewFailover([]Profile{{ID: "a", Provider: "anthropic"}},
		WithProviderFactory(factoryFor(map[string]*scriptedProvider{"a": slow})),
		WithCallTimeout(20*time.Millisecond),
	)
	require.NoError(t, err)

	_, err = f.Complete(context.Background(), Request{})
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrTimeout, le.Kind)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify("x", nil))

	le := Classify("x", context.DeadlineExceeded)
	assert.Equal(t, ErrTimeout, le.Kind)
	assert.True(t, le.Retryable)

	le = Classify("x", errors.New("boom"))
	assert.Equal(t, ErrInternal, le.Kind)
	assert.False(t, le.Retryable)

	orig := &Error{Kind: ErrTimeout, Provider: "y"}
	assert.Same(t, orig, Classify("x", orig))
}

func TestAnthropicProvider_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5",
			"content":[{"type":"text","text":"Your copay is $30."}],
			"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":6}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", "", anthropicoption.WithBaseURL(srv.URL+"/"))
	resp, err := p.Complete(context.Background(), Request{
		System:   "be brief",
		Messages: []Message{{Role: RoleUser, Content: "copay?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Your copay is $30.", resp.Text)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, 12, resp.Usage.InputTokens)
}

func TestAnthropicProvider_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", "", anthropicoption.WithBaseURL(srv.URL+"/"), anthropicoption.WithMaxRetries(0))
	_, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrInternal, le.Kind)
	assert.True(t, le.Retryable)
}

func TestOpenAIProvider_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":2,"completion_tokens":1,"total_tokens":3}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", "", openaioption.WithBaseURL(srv.URL+"/"))
	resp, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, 1, resp.Usage.OutputTokens)
}
