// Package history records delivered samples to SQLite.
package history

import (
	"context"

	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/vital"
)

type service struct {
	repo Repository
}

// No-op implementation
type noopRecorder struct{}

func NewService(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("History disabled, using no-op recorder")
		return noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &service{repo: repo}, nil
}

func (s *service) Record(ctx context.Context, sample vital.Sample) error {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	if err := s.repo.Record(sample); err != nil {
		return errFactory.Wrap(ErrRecordFailed, err)
	}
	return nil
}

func (s *service) Recent(ctx context.Context, v vital.Type, limit int) ([]vital.Sample, error) {
	return s.repo.Recent(ctx, v, limit)
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}

func (*service) IsNoop() bool { return false }

func (noopRecorder) Record(context.Context, vital.Sample) error { return nil }

func (noopRecorder) Recent(context.Context, vital.Type, int) ([]vital.Sample, error) {
	return nil, nil
}

func (noopRecorder) Close() error { return nil }

func (noopRecorder) IsNoop() bool { return true }
