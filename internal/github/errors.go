package github

import (
	"errors"
	"net/http"

	"github.com/google/go-github/v55/github"
)

// Kind classifies GitHub API failures so that callers can decide whether
// an operation is worth reporting, retrying or giving up on.
type Kind int

const (
	// KindFatal covers everything not matched by a more specific kind.
	KindFatal Kind = iota
	KindNotFound
	KindUnauthorized
	KindRateLimited
	KindConflict
	KindTransient
)

// KindOf returns the classification of the error provided.
func KindOf(err error) Kind {
	var rateLimitErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateLimitErr) || errors.As(err, &abuseErr) {
		return KindRateLimited
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		code := ghErr.Response.StatusCode
		switch {
		case code == http.StatusNotFound || code == http.StatusGone:
			return KindNotFound
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return KindUnauthorized
		case code == http.StatusTooManyRequests:
			return KindRateLimited
		case code == http.StatusConflict || code == http.StatusUnprocessableEntity:
			return KindConflict
		case code >= 500:
			return KindTransient
		}
	}
	return KindFatal
}

func IsNotFound(err error) bool     { return KindOf(err) == KindNotFound }
func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }
func IsRateLimited(err error) bool  { return KindOf(err) == KindRateLimited }
func IsConflict(err error) bool     { return KindOf(err) == KindConflict }
func IsTransient(err error) bool    { return KindOf(err) == KindTransient }
