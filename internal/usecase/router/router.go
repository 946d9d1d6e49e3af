// Package router correlates inbound extraction requests with sandbox
// executions and delivers exactly one result frame per request.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"tabrelay/internal/domain"
	"tabrelay/internal/infra/tracer"
)

// Sender delivers one outbound frame, reporting delivery as a boolean.
// *uplink.Manager satisfies it.
type Sender interface {
	Send(frame domain.Frame) bool
}

// Router owns the request lifecycle: admit, locate a target, run the
// extraction, and respond. Every request produces exactly one result
// frame, success or failure; an undeliverable result is dropped, never
// buffered for replay.
type Router struct {
	sender  Sender
	locator domain.TargetLocator
	sandbox domain.Sandbox
	bus     domain.EventBus
	limiter *RateLimiter
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[domain.CorrelationID]int
	unsub    func()
	wg       sync.WaitGroup
}

// New creates a Router. limiter may be nil to disable admission control.
func New(sender Sender, locator domain.TargetLocator, sandbox domain.Sandbox,
	bus domain.EventBus, limiter *RateLimiter, logger *slog.Logger) *Router {
	return &Router{
		sender:   sender,
		locator:  locator,
		sandbox:  sandbox,
		bus:      bus,
		limiter:  limiter,
		logger:   logger,
		inflight: make(map[domain.CorrelationID]int),
	}
}

// Start subscribes the router to extraction requests.
func (r *Router) Start() {
	r.unsub = r.bus.Subscribe(domain.EventExtractionRequested, func(ctx context.Context, ev domain.Event) {
		r.wg.Add(1)
		defer r.wg.Done()
		r.handle(ctx, ev)
	})
}

// Stop unsubscribes and waits for in-flight requests to finish.
func (r *Router) Stop() {
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
	r.wg.Wait()
}

// InFlight returns the number of requests currently being serviced.
func (r *Router) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.inflight {
		n += c
	}
	return n
}

// Pending returns how many flows are live for a correlation id. Duplicate
// ids are serviced as independent flows, so this can exceed one.
func (r *Router) Pending(id domain.CorrelationID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[id]
}

func (r *Router) track(id domain.CorrelationID) {
	r.mu.Lock()
	r.inflight[id]++
	r.mu.Unlock()
}

func (r *Router) untrack(id domain.CorrelationID) {
	r.mu.Lock()
	if r.inflight[id] > 1 {
		r.inflight[id]--
	} else {
		delete(r.inflight, id)
	}
	r.mu.Unlock()
}

// handle services one extraction request end to end. Every exit path goes
// through reply, and reply fires at most once, so the server sees exactly
// one result per request.
func (r *Router) handle(ctx context.Context, ev domain.Event) {
	var req domain.ExtractionRequested
	if err := json.Unmarshal(ev.Payload, &req); err != nil {
		r.logger.Error("dropping unreadable extraction request", "error", err)
		return
	}

	id := req.CorrelationID
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	r.track(id)
	defer r.untrack(id)

	ctx, span := tracer.StartSpan(ctx, "router.extract")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("correlation_id", id.String()))

	var (
		once     sync.Once
		targetID string
	)
	reply := func(data json.RawMessage, err error) {
		once.Do(func() {
			delivered := r.sender.Send(domain.ResultFrame(id, data, err))
			if !delivered {
				r.logger.Warn("result dropped: uplink unavailable",
					"correlation_id", id.String())
			}
			r.journal(ctx, domain.ExtractionCompleted{
				CorrelationID: id,
				TargetID:      targetID,
				ReceivedAt:    receivedAt,
				CompletedAt:   time.Now(),
				Success:       err == nil,
				Error:         errString(err),
				Delivered:     delivered,
			})
		})
	}

	// A panic anywhere below must still answer the request.
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("extraction flow panicked",
				"correlation_id", id.String(), "panic", rec)
			reply(nil, domain.NewDomainError("Router.Handle", domain.ErrSandbox,
				"internal error"))
		}
	}()

	if r.limiter != nil && !r.limiter.Allow() {
		r.logger.Warn("extraction request rejected by rate limit",
			"correlation_id", id.String())
		reply(nil, domain.ErrRateLimit)
		return
	}

	target, err := r.locator.Locate(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		reply(nil, err)
		return
	}
	targetID = target.ID

	data, err := r.sandbox.Run(ctx, target.ID, req.Payload)
	if err != nil {
		tracer.RecordError(span, err)
		r.logger.Warn("extraction failed",
			"correlation_id", id.String(),
			"target_id", target.ID,
			"code", string(domain.ErrorCodeOf(err)),
			"error", err)
		reply(nil, err)
		return
	}

	reply(data, nil)
}

func (r *Router) journal(ctx context.Context, rec domain.ExtractionCompleted) {
	data, err := json.Marshal(rec)
	if err != nil {
		r.logger.Error("journal record marshal failed", "error", err)
		return
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      domain.EventExtractionCompleted,
		Timestamp: time.Now(),
		Payload:   data,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
