package locator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabrelay/internal/domain"
)

type stubSandbox struct {
	targets []domain.TargetInfo
	err     error
}

func (s *stubSandbox) Targets(ctx context.Context) ([]domain.TargetInfo, error) {
	return s.targets, s.err
}

func (s *stubSandbox) Run(ctx context.Context, targetID string, payload json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (s *stubSandbox) Close() error { return nil }

func newLocator(targets []domain.TargetInfo, err error) *Locator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(&stubSandbox{targets: targets, err: err}, logger)
}

func TestLocatePrefersQualifyingActiveTab(t *testing.T) {
	l := newLocator([]domain.TargetInfo{
		{ID: "t1", Ready: true, OriginMatches: true},
		{ID: "t2", Active: true, Ready: true, OriginMatches: true},
		{ID: "t3", Ready: true, OriginMatches: true},
	}, nil)

	got, err := l.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t2", got.ID)
}

func TestLocateFallsBackToFirstQualifying(t *testing.T) {
	l := newLocator([]domain.TargetInfo{
		{ID: "t1", Active: true, Ready: false, OriginMatches: true}, // active but still loading
		{ID: "t2", Ready: true, OriginMatches: false},
		{ID: "t3", Ready: true, OriginMatches: true},
		{ID: "t4", Ready: true, OriginMatches: true},
	}, nil)

	got, err := l.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t3", got.ID, "first qualifying tab in backend order wins")
}

func TestLocateNoTarget(t *testing.T) {
	tests := []struct {
		name    string
		targets []domain.TargetInfo
	}{
		{"no tabs at all", nil},
		{"only loading tabs", []domain.TargetInfo{
			{ID: "t1", Ready: false, OriginMatches: true},
		}},
		{"only disallowed origins", []domain.TargetInfo{
			{ID: "t1", Ready: true, OriginMatches: false},
			{ID: "t2", Active: true, Ready: true, OriginMatches: false},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLocator(tt.targets, nil)
			_, err := l.Locate(context.Background())
			assert.ErrorIs(t, err, domain.ErrNoTarget)
		})
	}
}

func TestLocateSandboxError(t *testing.T) {
	sandboxErr := errors.New("cdp socket closed")
	l := newLocator(nil, sandboxErr)

	_, err := l.Locate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sandboxErr)
	assert.NotErrorIs(t, err, domain.ErrNoTarget)
}
