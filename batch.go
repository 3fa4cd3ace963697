package mrdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type batchCtxKey struct{}

// Batch runs f inside a writable transaction. Either all writes made through
// the accessor commit, or none do: an error or a panic in f rolls back.
//
// The memory backend validates concurrent batches at commit time; a batch
// that loses a write conflict is re-run from scratch, so f must not have side
// effects other than through the accessor (use Accessor.OnCommit for those).
//
// Batches don't nest. Calling Batch or View with a context derived from
// Accessor.Context panics.
func (s *Store) Batch(ctx context.Context, f func(a *Accessor) error) error {
	if ctx.Value(batchCtxKey{}) != nil {
		panic("mrdb: nested batch")
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}
	s.BatchCount.Add(1)

	var attempt int
	op := func() error {
		attempt++
		err := s.runBatch(ctx, true, attempt, f)
		if err == errConflict {
			s.ConflictCount.Add(1)
			if s.verbose {
				s.logger.LogAttrs(ctx, slog.LevelDebug, "mrdb: batch conflict, retrying", slog.Int("attempt", attempt))
			}
			return err
		} else if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(newConflictBackOff(), uint64(s.retries)), ctx))
	if err == errConflict {
		s.FailureCount.Add(1)
		return storageErrf(fmt.Errorf("%w after %d attempts", errConflict, attempt), "batch")
	}
	return err
}

// View runs f inside a read-only snapshot.
func (s *Store) View(ctx context.Context, f func(a *Accessor) error) error {
	if ctx.Value(batchCtxKey{}) != nil {
		panic("mrdb: nested batch")
	}
	if s.closed.Load() {
		return ErrClosed
	}
	s.ViewCount.Add(1)
	return s.runBatch(ctx, false, 1, f)
}

func newConflictBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Microsecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

func (s *Store) runBatch(ctx context.Context, writable bool, attempt int, f func(a *Accessor) error) error {
	stx, err := s.st.BeginTx(writable)
	if errors.Is(err, ErrClosed) {
		return ErrClosed
	} else if err != nil {
		return storageErrf(err, "begin")
	}
	defer stx.Rollback()

	var start time.Time
	if s.verbose {
		start = time.Now()
	}

	btx := &batchTx{
		store: s,
		stx:   stx,
		ctx:   context.WithValue(ctx, batchCtxKey{}, true),
	}
	err = safelyCall(f, newAccessor(btx))
	if err != nil {
		if writable {
			s.FailureCount.Add(1)
		}
		if s.verbose {
			s.logger.LogAttrs(ctx, slog.LevelDebug, "mrdb: batch failed", slog.Bool("writable", writable), slog.Int("attempt", attempt), slog.Any("err", err))
		}
		return err
	}

	if writable {
		err = stx.Commit()
		if err == errConflict {
			return errConflict
		} else if err != nil {
			s.FailureCount.Add(1)
			return storageErrf(err, "commit")
		}
	}
	if s.verbose {
		s.logger.LogAttrs(ctx, slog.LevelDebug, "mrdb: batch done", slog.Bool("writable", writable), slog.Int("attempt", attempt), slog.Duration("elapsed", time.Since(start)))
	}
	for _, f := range btx.onCommit {
		f()
	}
	return nil
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func (p panicked) Unwrap() error {
	err, _ := p.reason.(error)
	return err
}

func safelyCall(fn func(*Accessor) error, a *Accessor) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(a)
}
