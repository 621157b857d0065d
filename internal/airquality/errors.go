package airquality

import "errors"

var (
	// ErrAuthExpired marks a request that failed while using a cached upstream token.
	ErrAuthExpired = errors.New("upstream session expired")

	// ErrUpstreamProtocol is returned when an upstream flags its own payload as
	// an error or failure. It is never retried.
	ErrUpstreamProtocol = errors.New("upstream reported failure")

	// ErrNoWindData is returned when no candidate group carries a wind speed.
	ErrNoWindData = errors.New("no wind speed data in window")

	// ErrMissingTime is returned when a record has no time channel.
	ErrMissingTime = errors.New("record has no time channel")

	// ErrFeedNotFound is returned when the backend cannot produce a feed for a device.
	ErrFeedNotFound = errors.New("feed not found")
)
