package routestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/opentracing/basictracer-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando/routestore/net"
	"github.com/zalando/routestore/route"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	m := miniredis.RunT(t)
	s, err := New(Options{ConnectionString: "redis://" + m.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, m
}

func target(url string) *route.Route {
	return &route.Route{Fields: map[string]interface{}{"target": url}}
}

func TestAddGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "/foo/bar", target("http://10.0.0.1:8080")))

	got, err := s.Get(ctx, "/foo/bar")
	require.NoError(t, err)
	require.NotNil(t, got)

	if d := cmp.Diff(target("http://10.0.0.1:8080").Fields, got.Fields); d != "" {
		t.Errorf("unexpected route, diff:\n%s", d)
	}
}

func TestGetAbsent(t *testing.T) {
	s, _ := newTestStore(t)

	got, err := s.Get(context.Background(), "/foo")
	require.NoError(t, err, "a negative lookup is not a failure")
	assert.Nil(t, got)
}

func TestGetUsesCanonicalKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "foo/bar/", target("http://10.0.0.1:8080")))

	got, err := s.Get(ctx, "/foo/./bar")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestAddNil(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Add(context.Background(), "/foo", nil)
	assert.ErrorIs(t, err, ErrNilRoute)
}

func TestAddReplacesWholeRecord(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "/foo", &route.Route{Fields: map[string]interface{}{
		"target": "http://10.0.0.1:8080",
		"weight": "2",
	}}))
	require.NoError(t, s.Add(ctx, "/foo", target("http://10.0.0.2:8080")))

	got, err := s.Get(ctx, "/foo")
	require.NoError(t, err)

	if d := cmp.Diff(target("http://10.0.0.2:8080").Fields, got.Fields); d != "" {
		t.Errorf("unexpected route, diff:\n%s", d)
	}
}

func TestRemove(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "/foo", target("http://10.0.0.1:8080")))
	require.NoError(t, s.Remove(ctx, "/foo"))

	got, err := s.Get(ctx, "/foo")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Remove(ctx, "/foo"), "removing an absent route is not an error")
}

func TestUpdate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	la := time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Add(ctx, "/foo", &route.Route{Fields: map[string]interface{}{
		"target": "http://10.0.0.1:8080",
		"weight": "2",
	}}))

	require.NoError(t, s.Update(ctx, "/foo", &route.Route{
		Fields:       map[string]interface{}{"weight": "5"},
		LastActivity: la,
	}))

	got, err := s.Get(ctx, "/foo")
	require.NoError(t, err)

	want := map[string]interface{}{
		"target": "http://10.0.0.1:8080",
		"weight": "5",
	}
	if d := cmp.Diff(want, got.Fields); d != "" {
		t.Errorf("unexpected route, diff:\n%s", d)
	}

	assert.True(t, got.LastActivity.Equal(la))
}

func TestUpdateAbsent(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Update(context.Background(), "/foo", target("http://10.0.0.1:8080"))
	assert.ErrorIs(t, err, ErrRouteNotFound)
}

func TestGetAll(t *testing.T) {
	s, m := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "/", target("http://10.0.0.1:8080")))
	require.NoError(t, s.Add(ctx, "/foo", target("http://10.0.0.2:8080")))

	// an empty value means an absent record and is omitted
	m.HSet(DefaultNamespace, "/empty", "")

	table, err := s.GetAll(ctx)
	require.NoError(t, err)

	assert.Len(t, table, 2)
	assert.Contains(t, table, "/")
	assert.Contains(t, table, "/foo")
}

func TestGetAllUndecodable(t *testing.T) {
	s, m := newTestStore(t)

	m.HSet(DefaultNamespace, "/foo", "{")

	_, err := s.GetAll(context.Background())
	assert.Error(t, err, "malformed stored values must not be masked")
}

func TestResolve(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "/", target("http://10.0.0.1:8080")))
	require.NoError(t, s.Add(ctx, "/foo", target("http://10.0.0.2:8080")))
	require.NoError(t, s.Add(ctx, "/foo/bar", target("http://10.0.0.3:8080")))

	for _, tt := range []struct {
		name    string
		path    string
		wantKey string
	}{
		{
			name:    "exact match",
			path:    "/foo/bar",
			wantKey: "/foo/bar",
		},
		{
			name:    "most specific ancestor wins",
			path:    "/foo/bar/baz",
			wantKey: "/foo/bar",
		},
		{
			name:    "intermediate ancestor",
			path:    "/foo/qux",
			wantKey: "/foo",
		},
		{
			name:    "root fallback",
			path:    "/other",
			wantKey: "/",
		},
		{
			name:    "path normalized before matching",
			path:    "foo/bar//baz/",
			wantKey: "/foo/bar",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			m, err := s.Resolve(ctx, tt.path)
			require.NoError(t, err)
			require.NotNil(t, m)
			assert.Equal(t, tt.wantKey, m.Key)
		})
	}
}

func TestResolveNoMatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "/foo", target("http://10.0.0.1:8080")))

	m, err := s.Resolve(ctx, "/bar/baz")
	require.NoError(t, err, "a negative lookup is not a failure")
	assert.Nil(t, m)
}

func TestResolveSkipsEmptyValues(t *testing.T) {
	s, m := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "/foo", target("http://10.0.0.1:8080")))
	m.HSet(DefaultNamespace, "/foo/bar", "")

	match, err := s.Resolve(ctx, "/foo/bar/baz")
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "/foo", match.Key)
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	add := func() {
		require.NoError(t, s.Add(ctx, "/", target("http://10.0.0.1:8080")))
		require.NoError(t, s.Add(ctx, "/foo", target("http://10.0.0.2:8080")))
		require.NoError(t, s.Add(ctx, "/foo/bar", target("http://10.0.0.3:8080")))
	}

	add()
	require.NoError(t, s.Clear(ctx, true))

	table, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, table, 1)
	assert.Contains(t, table, "/", "the root route must survive with keepRoot")

	add()
	require.NoError(t, s.Clear(ctx, false))

	table, err = s.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, table)

	require.NoError(t, s.Clear(ctx, false), "clearing an empty table is not an error")
}

func TestConcurrentAddLastWriteWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			s.Add(ctx, "/foo", target(fmt.Sprintf("http://10.0.0.%d:8080", i)))
		}(i)
	}

	wg.Wait()

	got, err := s.Get(ctx, "/foo")
	require.NoError(t, err)
	require.NotNil(t, got)

	// one of the writes won, the record is never a corrupted mix
	found := false
	for i := 0; i < writers; i++ {
		if got.Fields["target"] == fmt.Sprintf("http://10.0.0.%d:8080", i) {
			found = true
			break
		}
	}

	assert.True(t, found, "unexpected record: %v", got.Fields)
}

func TestOperationsTraced(t *testing.T) {
	m := miniredis.RunT(t)
	recorder := basictracer.NewInMemoryRecorder()
	tracer := basictracer.NewWithOptions(basictracer.Options{
		Recorder:     recorder,
		ShouldSample: func(uint64) bool { return true },
	})

	s, err := New(Options{
		ConnectionString: "redis://" + m.Addr(),
		Redis:            &net.RedisOptions{Tracer: tracer},
	})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Add(ctx, "/foo", target("http://10.0.0.1:8080")))

	match, err := s.Resolve(ctx, "/foo/bar")
	require.NoError(t, err)
	require.NotNil(t, match)

	var operations []string
	for _, span := range recorder.GetSpans() {
		operations = append(operations, span.Operation)
	}

	assert.Contains(t, operations, "add_route")
	assert.Contains(t, operations, "resolve_route")
}

func TestBackendFailurePropagates(t *testing.T) {
	s, m := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "/foo", target("http://10.0.0.1:8080")))
	m.Close()

	_, err := s.Get(ctx, "/foo")
	assert.Error(t, err)

	_, err = s.Resolve(ctx, "/foo/bar")
	assert.Error(t, err)
}

func TestCustomNamespace(t *testing.T) {
	m := miniredis.RunT(t)
	s, err := New(Options{
		ConnectionString: "redis://" + m.Addr(),
		Namespace:        "routes-test",
	})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Add(ctx, "/foo", target("http://10.0.0.1:8080")))

	assert.True(t, m.Exists("routes-test"))
	assert.False(t, m.Exists(DefaultNamespace))
}

func TestNewMalformedConnectionString(t *testing.T) {
	_, err := New(Options{ConnectionString: "cluster://secret@"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoConnectionString))
}
