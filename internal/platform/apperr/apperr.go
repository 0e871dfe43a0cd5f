// Package apperr defines the operational error kinds shared by every layer and
// the single echo error handler that turns them into HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies an error for the HTTP boundary.
type Kind int

const (
	KindServer Kind = iota
	KindMissingFields
	KindInvalidInput
	KindNotFound
	KindAlreadyExists
	KindUnauthorized
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindMissingFields:
		return "missing_fields"
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	default:
		return "server_error"
	}
}

// HTTPStatus returns the response code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindMissingFields, KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Error is an operational error: Message is safe to show to API clients,
// Cause is kept for logs only.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// MissingFields reports the absent required inputs by name.
func MissingFields(fields ...string) *Error {
	return New(KindMissingFields, "missing required fields: "+strings.Join(fields, ", "))
}

func InvalidInput(msg string) *Error  { return New(KindInvalidInput, msg) }
func NotFound(msg string) *Error      { return New(KindNotFound, msg) }
func AlreadyExists(msg string) *Error { return New(KindAlreadyExists, msg) }
func Unauthorized(msg string) *Error  { return New(KindUnauthorized, msg) }
func Forbidden(msg string) *Error     { return New(KindForbidden, msg) }

func Server(msg string, cause error) *Error {
	return Wrap(KindServer, msg, cause)
}

// KindOf returns the kind of the first *Error in err's chain, or KindServer.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindServer
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// MaxLength rejects values longer than max characters. Lengths count runes,
// matching VARCHAR(n).
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return InvalidInput(fmt.Sprintf("%s must be at most %d characters", field, max))
	}
	return nil
}

// Postgres SQLSTATE codes mapped by FromDB.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgInvalidText         = "22P02"
	pgValueTooLong        = "22001"
)

// FromDB translates driver errors into operational errors. notFoundMsg is used
// for pgx.ErrNoRows and foreign key violations. Errors that are already
// operational pass through unchanged.
func FromDB(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Wrap(KindNotFound, notFoundMsg, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return Wrap(KindAlreadyExists, "a record with the same "+constraintField(pgErr.ConstraintName)+" already exists", err)
		case pgForeignKeyViolation:
			return Wrap(KindNotFound, notFoundMsg, err)
		case pgInvalidText:
			return Wrap(KindInvalidInput, "malformed value", err)
		case pgValueTooLong:
			return Wrap(KindInvalidInput, "value too long", err)
		}
	}
	return Server("database error", err)
}

// constraintField extracts the column from a "<table>_<column>_key" constraint name.
func constraintField(constraint string) string {
	c := strings.TrimSuffix(constraint, "_key")
	if i := strings.Index(c, "_"); i >= 0 && i < len(c)-1 {
		return c[i+1:]
	}
	if c == "" {
		return "value"
	}
	return c
}
