package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"tabrelay/internal/domain"
	"tabrelay/internal/infra/config"
	"tabrelay/internal/infra/tracer"
)

// readyProbeTimeout bounds the per-tab readiness check during target
// enumeration so one wedged tab cannot stall the whole listing.
const readyProbeTimeout = 2 * time.Second

// cdpTab holds a chromedp tab context and its cancel function.
type cdpTab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// ChromeSandbox implements domain.Sandbox on top of chromedp. It either
// attaches to an already-running Chrome over CDP or launches a local
// instance, and runs extraction payloads inside individual tabs.
type ChromeSandbox struct {
	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	activeID      string
	tabs          map[string]*cdpTab
	timeout       time.Duration
	origins       []string
	logger        *slog.Logger
}

// NewChromeSandbox creates a chromedp-backed sandbox.
func NewChromeSandbox(cfg config.BrowserConfig, logger *slog.Logger) (*ChromeSandbox, error) {
	timeout := cfg.ActionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s := &ChromeSandbox{
		tabs:    make(map[string]*cdpTab),
		timeout: timeout,
		origins: cfg.AllowedOrigins,
		logger:  logger,
	}

	var allocCtx context.Context
	if cfg.RemoteURL != "" {
		allocCtx, s.allocCancel = chromedp.NewRemoteAllocator(
			context.Background(), cfg.RemoteURL,
		)
		logger.Info("sandbox connecting to remote browser", "url", cfg.RemoteURL)
	} else {
		// Copy default options to avoid mutating the package-level slice.
		opts := make([]chromedp.ExecAllocatorOption, len(chromedp.DefaultExecAllocatorOptions))
		copy(opts, chromedp.DefaultExecAllocatorOptions[:])
		opts = append(opts,
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.WindowSize(1280, 720),
		)
		allocCtx, s.allocCancel = chromedp.NewExecAllocator(
			context.Background(), opts...,
		)
		logger.Info("sandbox launching local browser", "headless", cfg.Headless)
	}

	s.browserCtx, s.browserCancel = chromedp.NewContext(allocCtx)

	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)

	// Start the browser by running an empty action.
	// IMPORTANT: We must NOT wrap tabCtx in context.WithTimeout because
	// chromedp binds the CDP session to the context passed to the first Run.
	// Canceling a derived context would kill the session immediately.
	startDone := make(chan error, 1)
	go func() { startDone <- chromedp.Run(tabCtx) }()
	select {
	case err := <-startDone:
		if err != nil {
			tabCancel()
			s.Close()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-time.After(timeout):
		tabCancel()
		s.Close()
		return nil, fmt.Errorf("start browser: timed out after %v", timeout)
	}

	ct := chromedp.FromContext(tabCtx)
	initialID := string(ct.Target.TargetID)
	s.tabs[initialID] = &cdpTab{ctx: tabCtx, cancel: tabCancel}
	s.activeID = initialID

	logger.Info("sandbox browser started")
	return s, nil
}

// Targets lists all page tabs in backend order with their qualification
// flags filled in.
func (s *ChromeSandbox) Targets(ctx context.Context) ([]domain.TargetInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets, err := chromedp.Targets(s.browserCtx)
	if err != nil {
		return nil, domain.WrapOp("Sandbox.Targets", err)
	}

	var out []domain.TargetInfo
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		id := string(t.TargetID)
		out = append(out, domain.TargetInfo{
			ID:            id,
			URL:           t.URL,
			Title:         t.Title,
			Active:        id == s.activeID,
			Ready:         s.probeReady(id),
			OriginMatches: originAllowed(t.URL, s.origins),
		})
	}
	return out, nil
}

// probeReady checks document.readyState in the given tab. Any failure
// counts as not ready. Caller must hold mu.
func (s *ChromeSandbox) probeReady(targetID string) bool {
	tab, err := s.attach(targetID)
	if err != nil {
		return false
	}

	tctx, cancel := context.WithTimeout(tab.ctx, readyProbeTimeout)
	defer cancel()

	var state string
	if err := chromedp.Run(tctx,
		chromedp.Evaluate("document.readyState", &state),
	); err != nil {
		return false
	}
	return state == "complete"
}

// attach returns a chromedp context bound to the target, creating and
// caching one on first use. Caller must hold mu.
func (s *ChromeSandbox) attach(targetID string) (*cdpTab, error) {
	if tab, ok := s.tabs[targetID]; ok {
		return tab, nil
	}

	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx,
		chromedp.WithTargetID(target.ID(targetID)))
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, domain.NewDomainError("Sandbox.Attach", domain.ErrTargetGone, targetID)
	}

	tab := &cdpTab{ctx: tabCtx, cancel: tabCancel}
	s.tabs[targetID] = tab
	return tab, nil
}

// Run validates the extraction payload, evaluates the generated extraction
// script inside the target tab, and returns the raw extracted JSON.
func (s *ChromeSandbox) Run(ctx context.Context, targetID string, payload json.RawMessage) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "sandbox.run")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("target_id", targetID))

	spec, err := ParsePayload(payload)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	s.mu.Lock()
	tab, err := s.attach(targetID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.activeID = targetID
	tctx, cancel := context.WithTimeout(tab.ctx, s.timeout)
	s.mu.Unlock()
	defer cancel()

	var raw string
	if err := chromedp.Run(tctx,
		chromedp.Evaluate(extractionJS(spec), &raw),
	); err != nil {
		if tctx.Err() == context.DeadlineExceeded {
			err = domain.NewDomainError("Sandbox.Run", domain.ErrSandbox,
				fmt.Sprintf("extraction timed out after %v", s.timeout))
		} else {
			err = domain.NewDomainError("Sandbox.Run", domain.ErrSandbox, err.Error())
		}
		tracer.RecordError(span, err)
		return nil, err
	}

	// The script reports its own errors inside the JSON envelope.
	var env extractionEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, domain.NewDomainError("Sandbox.Run", domain.ErrSandbox,
			"extraction script returned invalid JSON")
	}
	if env.Error != "" {
		return nil, domain.NewDomainError("Sandbox.Run", domain.ErrSandbox, env.Error)
	}
	return json.RawMessage(raw), nil
}

// Close releases all tab contexts and shuts the browser down.
func (s *ChromeSandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tab := range s.tabs {
		tab.cancel()
	}
	s.tabs = nil
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.logger.Info("sandbox browser closed")
	return nil
}

// extractionEnvelope is the shape the extraction script always returns.
type extractionEnvelope struct {
	Error string `json:"error,omitempty"`
}

// originAllowed reports whether the URL's origin (scheme://host) matches
// one of the configured glob patterns. An empty pattern list allows
// nothing.
func originAllowed(raw string, patterns []string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	origin := u.Scheme + "://" + u.Host

	for _, p := range patterns {
		if ok, err := path.Match(p, origin); err == nil && ok {
			return true
		}
	}
	return false
}

var _ domain.Sandbox = (*ChromeSandbox)(nil)
