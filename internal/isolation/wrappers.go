package isolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Open opens the connection before running task.
func Open[M Connection, T any](task Task[M, T]) Task[M, T] {
	return func(ctx context.Context, m M) (T, error) {
		if err := m.OpenConnection(ctx); err != nil {
			var zero T
			return zero, err
		}
		return task(ctx, m)
	}
}

// Close runs task, then closes the connection whatever the outcome.
func Close[M Connection, T any](task Task[M, T]) Task[M, T] {
	return func(ctx context.Context, m M) (T, error) {
		v, err := task(ctx, m)
		if cerr := m.CloseConnection(); cerr != nil {
			return v, errors.Join(err, cerr)
		}
		return v, err
	}
}

// InConnection connects for the duration of task unless already
// connected, in which case the connection is left open.
func InConnection[M Connection, T any](task Task[M, T]) Task[M, T] {
	return func(ctx context.Context, m M) (T, error) {
		release, err := m.Acquire(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		defer release()
		return task(ctx, m)
	}
}

// InTransaction runs task in a transaction: commit on success, rollback on
// any error. When a transaction is already open, task joins it and the
// outer owner decides.
func InTransaction[M Connection, T any](task Task[M, T]) Task[M, T] {
	return func(ctx context.Context, m M) (T, error) {
		var zero T
		if m.InTransaction() {
			return task(ctx, m)
		}
		if err := m.Begin(ctx); err != nil {
			return zero, err
		}
		v, err := task(ctx, m)
		if err != nil {
			if rbErr := m.Rollback(); rbErr != nil {
				slog.Warn("rollback failed", "error", rbErr, "cause", err)
			}
			return zero, fmt.Errorf("transaction rolled back: %w", err)
		}
		if err := m.Commit(); err != nil {
			return zero, err
		}
		return v, nil
	}
}
