package registry

import (
	"context"
	"strings"
	"time"

	"emperror.dev/errors"
)

type PluginSummary struct {
	Plugin       string           `json:"plugin"`
	Count        int              `json:"count"`
	Last         *PluginIteration `json:"last,omitempty"`
	FirstStarted *time.Time       `json:"firstStarted,omitempty"`
	LastFinished *time.Time       `json:"lastFinished,omitempty"`
}

// RecordStart opens a plugin iteration. objectIdentifier may be empty.
func (s *Store) RecordStart(ctx context.Context, plugin, objectIdentifier string) (PluginIteration, error) {
	plugin = strings.TrimSpace(plugin)
	if plugin == "" {
		return PluginIteration{}, errors.WithDetails(ErrInvalidInput, "reason", "plugin is required")
	}
	it, err := s.backend.Iterations().Start(ctx, PluginIteration{
		Plugin:           plugin,
		ObjectIdentifier: strings.TrimSpace(objectIdentifier),
		StartedAt:        normalizeTime(s.now()),
	})
	if err != nil {
		return PluginIteration{}, persistenceFailure("record plugin start", err)
	}
	return it, nil
}

// RecordFinish closes an iteration. Finishing it twice is ErrInvalidState.
func (s *Store) RecordFinish(ctx context.Context, id int64) (PluginIteration, error) {
	if id <= 0 {
		return PluginIteration{}, ErrInvalidInput
	}
	it, err := s.backend.Iterations().Finish(ctx, id, normalizeTime(s.now()))
	if err != nil {
		return PluginIteration{}, persistenceFailure("record plugin finish", err)
	}
	return it, nil
}

func (s *Store) GetLast(ctx context.Context, plugin string) (PluginIteration, error) {
	return s.backend.Iterations().Last(ctx, strings.TrimSpace(plugin))
}

func (s *Store) CountAll(ctx context.Context, plugin string) (int, error) {
	return s.backend.Iterations().Count(ctx, strings.TrimSpace(plugin))
}

func (s *Store) FirstStarted(ctx context.Context, plugin string) (time.Time, error) {
	return s.backend.Iterations().FirstStarted(ctx, strings.TrimSpace(plugin))
}

func (s *Store) LastFinished(ctx context.Context, plugin string) (time.Time, error) {
	return s.backend.Iterations().LastFinished(ctx, strings.TrimSpace(plugin))
}

func (s *Store) DeleteAllIterations(ctx context.Context, plugin string) (int, error) {
	plugin = strings.TrimSpace(plugin)
	if plugin == "" {
		return 0, ErrInvalidInput
	}
	deleted, err := s.backend.Iterations().DeleteAll(ctx, plugin)
	if err != nil {
		return 0, persistenceFailure("delete plugin iterations", err)
	}
	return deleted, nil
}

func (s *Store) PluginSummary(ctx context.Context, plugin string) (PluginSummary, error) {
	plugin = strings.TrimSpace(plugin)
	iterations := s.backend.Iterations()
	summary := PluginSummary{Plugin: plugin}
	var err error
	if summary.Count, err = iterations.Count(ctx, plugin); err != nil {
		return PluginSummary{}, err
	}
	last, err := iterations.Last(ctx, plugin)
	switch {
	case err == nil:
		summary.Last = &last
	case !errors.Is(err, ErrNotFound):
		return PluginSummary{}, err
	}
	if summary.FirstStarted, err = optionalTime(iterations.FirstStarted(ctx, plugin)); err != nil {
		return PluginSummary{}, err
	}
	if summary.LastFinished, err = optionalTime(iterations.LastFinished(ctx, plugin)); err != nil {
		return PluginSummary{}, err
	}
	return summary, nil
}
