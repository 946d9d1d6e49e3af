// Package locator selects the browser tab an extraction request runs in.
package locator

import (
	"context"
	"log/slog"

	"tabrelay/internal/domain"
)

// Locator picks the single best execution target from the sandbox's
// current tab set. The active tab wins when it qualifies; otherwise the
// first qualifying tab in backend order is used.
type Locator struct {
	sandbox domain.Sandbox
	logger  *slog.Logger
}

// New creates a Locator backed by sandbox.
func New(sandbox domain.Sandbox, logger *slog.Logger) *Locator {
	return &Locator{sandbox: sandbox, logger: logger}
}

// Locate returns the chosen target, or ErrNoTarget when no tab qualifies.
// Resolution happens fresh on every call; nothing is cached between
// requests.
func (l *Locator) Locate(ctx context.Context) (domain.TargetInfo, error) {
	targets, err := l.sandbox.Targets(ctx)
	if err != nil {
		return domain.TargetInfo{}, domain.WrapOp("Locator.Locate", err)
	}

	var fallback *domain.TargetInfo
	for i := range targets {
		t := targets[i]
		if !t.Qualifies() {
			continue
		}
		if t.Active {
			l.logger.Debug("selected active tab", "target_id", t.ID, "url", t.URL)
			return t, nil
		}
		if fallback == nil {
			fallback = &targets[i]
		}
	}

	if fallback != nil {
		l.logger.Debug("active tab not eligible, selected fallback",
			"target_id", fallback.ID, "url", fallback.URL)
		return *fallback, nil
	}

	return domain.TargetInfo{}, domain.NewDomainError("Locator.Locate",
		domain.ErrNoTarget, "no loaded tab on an allowed origin")
}

var _ domain.TargetLocator = (*Locator)(nil)
