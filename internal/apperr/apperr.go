// Package apperr defines the error kinds shared across the webhook gateway.
//
// Repositories and services return these sentinels (wrapped with context via
// fmt.Errorf's %w) instead of leaking store- or transport-specific error
// types across component boundaries. The webhook handler is the single
// place that classifies an error back down to an HTTP response.
package apperr

import "errors"

// Sentinel errors for the kinds named in the design. Use errors.Is against
// these, or Kind(err) to get a stable string for logging.
var (
	ErrValidationFailed      = errors.New("validation_failed")
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrUnsupportedMedia      = errors.New("unsupported_media")
	ErrRateLimited           = errors.New("rate_limited")
	ErrNotFound              = errors.New("not_found")
	ErrAccessDenied          = errors.New("access_denied")
	ErrUpstreamRateLimited   = errors.New("upstream_rate_limited")
	ErrUpstreamUnavailable   = errors.New("upstream_unavailable")
	ErrUpstreamError         = errors.New("upstream_error")
	ErrStoreUnavailable      = errors.New("store_unavailable")
	ErrCacheUnavailable      = errors.New("cache_unavailable")
)

// sentinels in priority order for Kind's linear scan.
var sentinels = []error{
	ErrValidationFailed,
	ErrUnauthenticated,
	ErrUnsupportedMedia,
	ErrRateLimited,
	ErrAccessDenied,
	ErrNotFound,
	ErrUpstreamRateLimited,
	ErrUpstreamUnavailable,
	ErrUpstreamError,
	ErrStoreUnavailable,
	ErrCacheUnavailable,
}

// Kind returns the stable kind name for err, or "" if err does not wrap one
// of the sentinels in this package. Useful for structured log fields.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return ""
}

// Is reports whether err wraps target, delegating to errors.Is. Kept as a
// thin re-export so callers only need to import this package at call sites
// that test error kinds.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
