package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/vital"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []vital.Sample
	closed        bool
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	// Open database with specific pragmas for better performance and safety
	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg, log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("History repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]vital.Sample, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	// Periodic flushing only makes sense when writes are batched
	if cfg.BatchSize > 1 && cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(cfg.BatchTimeout)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

func (r *repository) Record(sample vital.Sample) error {
	errFactory := errors.New()
	if !sample.Vital.Valid() {
		return errFactory.WithData(ErrInvalidSample, int(sample.Vital))
	}
	sample.Value = vital.Clamp(sample.Value)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errFactory.New(ErrClosed)
	}

	r.buffer = append(r.buffer, sample)
	if len(r.buffer) < r.cfg.BatchSize {
		return nil
	}

	err := r.flush()
	if err != nil {
		r.trim()
	}
	return err
}

// trim drops the oldest samples beyond the buffer limit. Must be called with
// r.mu held.
func (r *repository) trim() {
	over := len(r.buffer) - r.cfg.maxBuffered()
	if over <= 0 {
		return
	}
	r.buffer = append(r.buffer[:0], r.buffer[over:]...)
	r.logger.Warn().Int("dropped", over).Int("kept", len(r.buffer)).Msg("History buffer full, dropping oldest samples")
}

// Flush writes every buffered sample.
func (r *repository) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flush()
}

// Recent returns up to limit samples of v, newest first. Buffered samples
// are flushed first so they are included.
func (r *repository) Recent(ctx context.Context, v vital.Type, limit int) ([]vital.Sample, error) {
	errFactory := errors.New()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errFactory.New(ErrClosed)
	}
	if err := r.flush(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, recentSamplesSQL, v.String(), limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var samples []vital.Sample
	for rows.Next() {
		var ms int64
		var value float64
		if err := rows.Scan(&ms, &value); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		samples = append(samples, vital.Sample{Vital: v, Value: value, Timestamp: time.UnixMilli(ms)})
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return samples, nil
}

func (r *repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	// Signal the flusher goroutine to stop and wait for its final flush
	close(r.shutdownChan)
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}
	<-r.flushDoneChan

	r.mu.Lock()
	err := r.flush()
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Dropping unflushed samples")
	}

	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("History repository closed gracefully")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				var appErr errors.Error
				if errors.As(err, &appErr) {
					r.logger.ErrorWithCode(appErr).Msg("Periodic flush failed")
				}
				r.trim()
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			return
		}
	}
}

// flush must be called with r.mu held.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertSampleSQL)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to prepare statement")
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, sample := range r.buffer {
		if _, err := stmt.Exec(sample.Timestamp.UnixMilli(), sample.Vital.String(), sample.Value); err != nil {
			r.logger.Error().Err(err).Msg("Failed to execute insert")
			if err := tx.Rollback(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed samples to database")
	r.buffer = r.buffer[:0]

	return nil
}
