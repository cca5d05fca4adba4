package routestore

import "errors"

var (
	// ErrNoConnectionString is returned by New when neither the
	// options nor the environment provide a redis connection string.
	ErrNoConnectionString = errors.New("no redis connection string configured")

	// ErrRouteNotFound is returned by Update when the target path has
	// no existing record to merge into.
	ErrRouteNotFound = errors.New("route not found")

	// ErrNilRoute is returned by Add for a nil route. Absent records
	// are expressed by not storing a value, not by storing null.
	ErrNilRoute = errors.New("nil route")
)
