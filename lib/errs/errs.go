// Package errs defines the domain errors returned by the deeds services. Each error carries a message key that
// is returned as is to the callers, whether they should retry and the HTTP code it maps to.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// Kind classifies domain errors.
type Kind uint8

// Error kinds.
const (
	KindAuthorization Kind = iota + 1
	KindRequest
	KindParsing
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindRequest:
		return "request"
	case KindParsing:
		return "parsing"
	case KindNotFound:
		return "notFound"
	default:
		return "unknown"
	}
}

// Error is a domain error.
type Error struct {
	Kind        Kind
	Key         string
	ShouldRetry bool
	Code        int
	Err         error // cause, optional
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Key, e.Err)
	}

	return e.Key
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind and key.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)

	return ok && t.Kind == e.Kind && t.Key == e.Key
}

// Authorization returns an error for a caller not allowed to perform an operation.
func Authorization(key string) *Error {
	return &Error{Kind: KindAuthorization, Key: key, Code: http.StatusUnauthorized}
}

// Retry returns an authorization error the caller can retry, ie. with a new token.
func Retry(key string) *Error {
	e := Authorization(key)
	e.ShouldRetry = true

	return e
}

// Request returns an error for an invalid request.
func Request(key string) *Error {
	return &Error{Kind: KindRequest, Key: key, Code: http.StatusBadRequest}
}

// Parsing returns an error for a request that can't be decoded.
func Parsing(key string, err error) *Error {
	return &Error{Kind: KindParsing, Key: key, Code: http.StatusUnprocessableEntity, Err: err}
}

// NotFound returns an error for a missing object.
func NotFound(key string) *Error {
	return &Error{Kind: KindNotFound, Key: key, Code: http.StatusNotFound}
}

// As returns the domain error in err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return nil
}

// HTTPCode returns the HTTP status of err, 500 for errors that are not domain errors.
func HTTPCode(err error) int {
	if e := As(err); e != nil && e.Code != 0 {
		return e.Code
	}

	return http.StatusInternalServerError
}

// IsKind returns true when err's chain holds a domain error of kind k.
func IsKind(err error, k Kind) bool {
	e := As(err)

	return e != nil && e.Kind == k
}

var revertKey = regexp.MustCompile(`wom\.[a-zA-Z0-9]+`)

// FromRevert returns a Request error keyed by the first wom.* reason found in err's chain, or nil.
func FromRevert(err error) *Error {
	for ; err != nil; err = errors.Unwrap(err) {
		if k := revertKey.FindString(err.Error()); k != "" {
			e := Request(k)
			e.Err = err

			return e
		}
	}

	return nil
}
