package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabrelay/internal/domain"
	"tabrelay/internal/usecase/eventbus"
)

type captureSender struct {
	mu     sync.Mutex
	ok     bool
	frames chan domain.Frame
}

func newCaptureSender(ok bool) *captureSender {
	return &captureSender{ok: ok, frames: make(chan domain.Frame, 64)}
}

func (s *captureSender) Send(frame domain.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames <- frame
	return s.ok
}

func (s *captureSender) next(t *testing.T) domain.Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a result frame")
		return domain.Frame{}
	}
}

type stubLocator struct {
	target domain.TargetInfo
	err    error
}

func (s *stubLocator) Locate(ctx context.Context) (domain.TargetInfo, error) {
	return s.target, s.err
}

type stubSandbox struct {
	run func(ctx context.Context, targetID string, payload json.RawMessage) (json.RawMessage, error)
}

func (s *stubSandbox) Targets(ctx context.Context) ([]domain.TargetInfo, error) {
	return nil, nil
}

func (s *stubSandbox) Run(ctx context.Context, targetID string, payload json.RawMessage) (json.RawMessage, error) {
	return s.run(ctx, targetID, payload)
}

func (s *stubSandbox) Close() error { return nil }

type fixture struct {
	bus    *eventbus.Bus
	sender *captureSender
	router *Router
}

func newFixture(t *testing.T, sender *captureSender, loc domain.TargetLocator,
	sb domain.Sandbox, limiter *RateLimiter) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(logger)
	t.Cleanup(bus.Close)

	r := New(sender, loc, sb, bus, limiter, logger)
	r.Start()
	t.Cleanup(r.Stop)

	return &fixture{bus: bus, sender: sender, router: r}
}

func okLocator() *stubLocator {
	return &stubLocator{target: domain.TargetInfo{
		ID: "tab-1", URL: "https://example.com", Ready: true, OriginMatches: true,
	}}
}

func echoSandbox() *stubSandbox {
	return &stubSandbox{run: func(ctx context.Context, targetID string, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"item":{"text":"hello"}}`), nil
	}}
}

func (f *fixture) request(id string, payload string) {
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	data, _ := json.Marshal(domain.ExtractionRequested{
		CorrelationID: domain.CorrelationID(id),
		Payload:       raw,
		ReceivedAt:    time.Now(),
	})
	f.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventExtractionRequested,
		Timestamp: time.Now(),
		Payload:   data,
	})
}

func (f *fixture) completions(t *testing.T) <-chan domain.ExtractionCompleted {
	t.Helper()
	ch := make(chan domain.ExtractionCompleted, 64)
	unsub := f.bus.Subscribe(domain.EventExtractionCompleted, func(_ context.Context, ev domain.Event) {
		var rec domain.ExtractionCompleted
		if json.Unmarshal(ev.Payload, &rec) == nil {
			ch <- rec
		}
	})
	t.Cleanup(unsub)
	return ch
}

func TestSuccessfulExtraction(t *testing.T) {
	f := newFixture(t, newCaptureSender(true), okLocator(), echoSandbox(), nil)
	done := f.completions(t)

	f.request("req-1", `{"selector":"h1"}`)

	frame := f.sender.next(t)
	assert.Equal(t, domain.KindExtractionResult, frame.Kind)
	assert.Equal(t, domain.CorrelationID("req-1"), frame.CorrelationID)
	require.NotNil(t, frame.Success)
	assert.True(t, *frame.Success)
	assert.JSONEq(t, `{"item":{"text":"hello"}}`, string(frame.Data))
	assert.Empty(t, frame.Error)
	assert.NotZero(t, frame.CapturedAt)

	select {
	case rec := <-done:
		assert.True(t, rec.Success)
		assert.True(t, rec.Delivered)
		assert.Equal(t, "tab-1", rec.TargetID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion record")
	}
}

func TestNoTargetProducesFailedResult(t *testing.T) {
	loc := &stubLocator{err: domain.NewDomainError("Locator.Locate",
		domain.ErrNoTarget, "no loaded tab on an allowed origin")}
	f := newFixture(t, newCaptureSender(true), loc, echoSandbox(), nil)

	f.request("req-2", "")

	frame := f.sender.next(t)
	assert.Equal(t, domain.CorrelationID("req-2"), frame.CorrelationID)
	require.NotNil(t, frame.Success)
	assert.False(t, *frame.Success)
	assert.NotEmpty(t, frame.Error, "failed result must carry a readable reason")
	assert.Nil(t, frame.Data)
}

func TestSandboxFailureProducesFailedResult(t *testing.T) {
	sb := &stubSandbox{run: func(ctx context.Context, targetID string, payload json.RawMessage) (json.RawMessage, error) {
		return nil, domain.NewDomainError("Sandbox.Run", domain.ErrSandbox, "script blew up")
	}}
	f := newFixture(t, newCaptureSender(true), okLocator(), sb, nil)

	f.request("req-3", "")

	frame := f.sender.next(t)
	require.NotNil(t, frame.Success)
	assert.False(t, *frame.Success)
	assert.Contains(t, frame.Error, "script blew up")
}

func TestSandboxPanicProducesFailedResult(t *testing.T) {
	sb := &stubSandbox{run: func(ctx context.Context, targetID string, payload json.RawMessage) (json.RawMessage, error) {
		panic("chromedp went sideways")
	}}
	f := newFixture(t, newCaptureSender(true), okLocator(), sb, nil)

	f.request("req-4", "")

	frame := f.sender.next(t)
	require.NotNil(t, frame.Success)
	assert.False(t, *frame.Success)
	assert.NotEmpty(t, frame.Error)
}

func TestCorrelationIntegrityUnderConcurrency(t *testing.T) {
	const n = 25

	sb := &stubSandbox{run: func(ctx context.Context, targetID string, payload json.RawMessage) (json.RawMessage, error) {
		time.Sleep(time.Duration(len(payload)%7) * time.Millisecond)
		return payload, nil
	}}
	f := newFixture(t, newCaptureSender(true), okLocator(), sb, nil)

	want := make(map[domain.CorrelationID]bool, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("req-%03d", i)
		want[domain.CorrelationID(id)] = true
		f.request(id, fmt.Sprintf(`{"selector":"#row-%d"}`, i))
	}

	got := make(map[domain.CorrelationID]int, n)
	for i := 0; i < n; i++ {
		frame := f.sender.next(t)
		got[frame.CorrelationID]++
	}

	assert.Len(t, got, n, "every request answered under its own id")
	for id, count := range got {
		assert.True(t, want[id], "unexpected correlation id %s", id)
		assert.Equal(t, 1, count, "id %s answered more than once", id)
	}
	assert.Eventually(t, func() bool { return f.router.InFlight() == 0 },
		2*time.Second, 10*time.Millisecond, "tracking must be released after response")
}

func TestDuplicateCorrelationIDsRunIndependently(t *testing.T) {
	f := newFixture(t, newCaptureSender(true), okLocator(), echoSandbox(), nil)

	f.request("dup-1", "")
	f.request("dup-1", "")

	first := f.sender.next(t)
	second := f.sender.next(t)
	assert.Equal(t, domain.CorrelationID("dup-1"), first.CorrelationID)
	assert.Equal(t, domain.CorrelationID("dup-1"), second.CorrelationID)
}

func TestRateLimitRejection(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	f := newFixture(t, newCaptureSender(true), okLocator(), echoSandbox(), limiter)

	f.request("rl-1", "")
	f.request("rl-2", "")

	// Handler ordering is not deterministic; exactly one of the two gets
	// through, the other is rejected with the admission error.
	var succeeded, rejected int
	for i := 0; i < 2; i++ {
		frame := f.sender.next(t)
		require.NotNil(t, frame.Success)
		if *frame.Success {
			succeeded++
		} else {
			rejected++
			assert.Equal(t, "rate limit exceeded", frame.Error)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
}

func TestUndeliverableResultIsDropped(t *testing.T) {
	var runs int
	var mu sync.Mutex
	sb := &stubSandbox{run: func(ctx context.Context, targetID string, payload json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return json.RawMessage(`{}`), nil
	}}
	f := newFixture(t, newCaptureSender(false), okLocator(), sb, nil)
	done := f.completions(t)

	f.request("drop-1", "")
	f.sender.next(t)

	select {
	case rec := <-done:
		assert.True(t, rec.Success, "extraction itself succeeded")
		assert.False(t, rec.Delivered, "delivery failure must be recorded")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion record")
	}

	// No retry, no buffering: the sandbox ran exactly once.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, runs)
}
