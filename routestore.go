/*
Package routestore persists the routing table of a reverse proxy in
redis and resolves request paths to their most specific registered
route.

The table is a single redis hash, one field per canonical path key,
each value a serialized route record. Resolution takes one table
snapshot and walks the ancestor chain of the request path most
specific first, so a request for /foo/bar/baz is served by a route
registered at /foo/bar when no more specific one exists.

The store connects to a standalone node, a sentinel monitored master
or a cluster, selected by the scheme of a single connection string,
see ParseTopology in the net package.
*/
package routestore

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"

	"github.com/zalando/routestore/logging"
	"github.com/zalando/routestore/net"
	"github.com/zalando/routestore/pathkey"
	"github.com/zalando/routestore/route"
)

// DefaultNamespace is the redis hash holding the route table when the
// options carry no custom namespace.
const DefaultNamespace = "routes"

// Options to create a Store.
type Options struct {
	// ConnectionString selects the redis deployment to connect to. It
	// takes priority over the environment variable. See ParseTopology
	// in the net package for the supported formats.
	ConnectionString string

	// EnvVar names the environment variable consulted when
	// ConnectionString is empty. Defaults to DefaultEnvVar.
	EnvVar string

	// Namespace is the redis hash holding the route table. Defaults
	// to DefaultNamespace.
	Namespace string

	// Redis tunes the underlying client.
	Redis *net.RedisOptions

	// Log is the logger that is used. Defaults to the logrus standard
	// logger.
	Log logging.Logger
}

// backend is the narrow key-value contract the store requires,
// implemented by net.RedisClient. All fields live in one hash, the
// namespace.
type backend interface {
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HKeys(ctx context.Context, key string) ([]string, error)
	StartSpan(operationName string, opts ...opentracing.StartSpanOption) opentracing.Span
	Close() error
}

// Store is a redis backed routing table. All operations are scoped to
// one namespace and hit the backend directly, there is no caching
// layer. The store performs no retries, backend failures propagate to
// the caller unmodified.
type Store struct {
	backend   backend
	namespace string
	log       logging.Logger
}

// Match pairs a resolved route with the ancestor key it was registered
// at.
type Match struct {
	Key   string
	Route *route.Route
}

// New creates a Store. The connection string is taken from the
// options, falling back to the environment. Without either, New fails
// with ErrNoConnectionString.
func New(o Options) (*Store, error) {
	envVar := o.EnvVar
	if envVar == "" {
		envVar = DefaultEnvVar
	}

	conn, err := connectionString(Static(o.ConnectionString), Env(envVar))
	if err != nil {
		return nil, err
	}

	t, err := net.ParseTopology(conn)
	if err != nil {
		return nil, err
	}

	ro := o.Redis
	if ro == nil {
		ro = &net.RedisOptions{}
	}

	if ro.Log == nil {
		ro.Log = o.Log
	}

	client, err := net.NewRedisClient(t, ro)
	if err != nil {
		return nil, err
	}

	return newStore(client, o), nil
}

func newStore(b backend, o Options) *Store {
	namespace := o.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	l := o.Log
	if l == nil {
		l = logging.Default
	}

	return &Store{backend: b, namespace: namespace, log: l}
}

// span traces one operation and propagates the span through the
// context for the backend round trips.
func (s *Store) span(ctx context.Context, operation string) (opentracing.Span, context.Context) {
	span := s.backend.StartSpan(operation)
	return span, opentracing.ContextWithSpan(ctx, span)
}

// Get returns the route registered at the given path, or nil when
// there is none. Only the exact canonical key is checked, see Resolve
// for ancestor matching.
func (s *Store) Get(ctx context.Context, path string) (*route.Route, error) {
	span, ctx := s.span(ctx, "get_route")
	defer span.Finish()

	key := pathkey.Normalize(path)
	v, ok, err := s.backend.HGet(ctx, s.namespace, key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	if !ok {
		return nil, nil
	}

	r, err := route.Decode(v)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}

	return r, nil
}

// Add registers or replaces the route at the given path. The whole
// record is overwritten, there are no partial field semantics.
func (s *Store) Add(ctx context.Context, path string, r *route.Route) error {
	if r == nil {
		return ErrNilRoute
	}

	span, ctx := s.span(ctx, "add_route")
	defer span.Finish()

	key := pathkey.Normalize(path)
	v, err := route.Encode(r)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	if err := s.backend.HSet(ctx, s.namespace, key, v); err != nil {
		return fmt.Errorf("add %s: %w", key, err)
	}

	return nil
}

// Remove deletes the route at the given path. Removing an absent route
// is not an error.
func (s *Store) Remove(ctx context.Context, path string) error {
	span, ctx := s.span(ctx, "remove_route")
	defer span.Finish()

	key := pathkey.Normalize(path)
	if err := s.backend.HDel(ctx, s.namespace, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}

	return nil
}

// Update shallow merges the fields of partial over the existing record
// at the given path, partial fields winning on conflict, and writes
// the result back. It fails with ErrRouteNotFound when there is no
// existing record. The read-modify-write cycle is not atomic:
// concurrent writers on the same path race and the last write wins.
func (s *Store) Update(ctx context.Context, path string, partial *route.Route) error {
	key := pathkey.Normalize(path)
	existing, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	if existing == nil {
		return fmt.Errorf("update %s: %w", key, ErrRouteNotFound)
	}

	return s.Add(ctx, key, route.Merge(existing, partial))
}

// GetAll returns the whole table keyed by canonical path. Fields with
// empty values are omitted, they mean absent records.
func (s *Store) GetAll(ctx context.Context) (map[string]*route.Route, error) {
	span, ctx := s.span(ctx, "get_routes")
	defer span.Finish()

	values, err := s.backend.HGetAll(ctx, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("get all: %w", err)
	}

	table := make(map[string]*route.Route, len(values))
	for key, v := range values {
		if v == "" {
			continue
		}

		r, err := route.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}

		table[key] = r
	}

	return table, nil
}

// Resolve returns the most specific route registered at the given path
// or one of its ancestors, or nil when no ancestor up to and including
// the root carries a route. It takes a single table snapshot and walks
// the ancestor chain most specific first, so the first hit wins.
func (s *Store) Resolve(ctx context.Context, path string) (*Match, error) {
	span, ctx := s.span(ctx, "resolve_route")
	defer span.Finish()

	values, err := s.backend.HGetAll(ctx, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	for _, key := range pathkey.Ancestors(path) {
		v, ok := values[key]
		if !ok || v == "" {
			continue
		}

		r, err := route.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}

		s.log.Debugf("resolved %s to %s", path, key)
		return &Match{Key: key, Route: r}, nil
	}

	return nil, nil
}

// Clear removes every route from the table with one batched delete.
// With keepRoot the root route survives. A backend failure in the
// middle leaves the table in whatever partial state the backend's own
// atomicity produced, there is no rollback.
func (s *Store) Clear(ctx context.Context, keepRoot bool) error {
	span, ctx := s.span(ctx, "clear_routes")
	defer span.Finish()

	keys, err := s.backend.HKeys(ctx, s.namespace)
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	if keepRoot {
		kept := keys[:0]
		for _, k := range keys {
			if k != pathkey.Root {
				kept = append(kept, k)
			}
		}
		keys = kept
	}

	if len(keys) == 0 {
		return nil
	}

	if err := s.backend.HDel(ctx, s.namespace, keys...); err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	s.log.Debugf("cleared %d routes", len(keys))
	return nil
}

// Close releases the backend connection.
func (s *Store) Close() error {
	return s.backend.Close()
}
