package repository

import (
	"context"
	"errors"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
)

// wrap classifies a pgx error. Connection failures and timeouts become
// ErrTransientStore so callers can retry or degrade; other errors are
// wrapped as internal.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if isTransient(err) {
		return domain.ErrTransientStore(op, err)
	}
	return domain.ErrInternal(op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08 connection exception, 40001 serialization, 40P01 deadlock, 57P01 admin shutdown
		switch {
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
