package database

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/safar/storefront/internal/apperr"
)

type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassTransient
	ErrorClassDeadlock
	ErrorClassSerialization
)

func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001":
			return ErrorClassSerialization
		case "40P01":
			return ErrorClassDeadlock
		case "55P03":
			return ErrorClassTransient
		case "23505", "23503", "23502", "23514":
			return ErrorClassPermanent
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrorClassPermanent
	}

	return ErrorClassPermanent
}

func IsRetryable(err error) bool {
	class := ClassifyError(err)
	return class == ErrorClassTransient ||
		class == ErrorClassDeadlock ||
		class == ErrorClassSerialization
}

// IsUniqueViolation reports whether err is a unique constraint failure,
// optionally restricted to the named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

var (
	ErrUserNotFound      = apperr.New(apperr.KindNotFound, "User not found")
	ErrProductNotFound   = apperr.New(apperr.KindNotFound, "Product not found")
	ErrOrderNotFound     = apperr.New(apperr.KindNotFound, "Order not found")
	ErrInsufficientStock = apperr.New(apperr.KindConflict, "Insufficient stock")
	ErrEmailTaken        = apperr.New(apperr.KindConflict, "User already exists with this email")
	ErrOrderCancelled    = apperr.New(apperr.KindConflict, "Order has been cancelled")
	ErrStatusMismatch    = apperr.New(apperr.KindConflict, "Order status changed concurrently")
	ErrNoPendingEvents   = errors.New("no pending order events")
)
