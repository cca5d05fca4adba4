// Package net provides the redis backend client of the route store and
// the resolution of connection strings into backend topologies.
package net

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/zalando/routestore/logging"
)

// RedisOptions is used to configure the RedisClient independent of the
// topology it connects to.
type RedisOptions struct {
	// ReadTimeout for redis socket reads
	ReadTimeout time.Duration
	// WriteTimeout for redis socket writes
	WriteTimeout time.Duration
	// DialTimeout is the max time.Duration to dial a new connection
	DialTimeout time.Duration

	// PoolTimeout is the max time.Duration to get a connection from pool
	PoolTimeout time.Duration
	// MinIdleConns is the minimum number of socket connections to redis
	MinIdleConns int
	// MaxIdleConns is the maximum number of socket connections to redis
	MaxIdleConns int

	// ConnMetricsInterval defines the frequency of updating the redis
	// connection related metrics. Defaults to 60 seconds.
	ConnMetricsInterval time.Duration

	// Tracer provides OpenTracing for redis queries.
	Tracer opentracing.Tracer
	// Log is the logger that is used
	Log logging.Logger
}

// RedisClient is the narrow hash field client the store talks to. It
// connects to a standalone node, a sentinel monitored master or a
// cluster, according to the parsed topology.
type RedisClient struct {
	client   redis.UniversalClient
	topology *Topology
	options  *RedisOptions
	log      logging.Logger
	tracer   opentracing.Tracer
	quit     chan struct{}
	once     sync.Once
}

const (
	defaultClusterPort  = 6379
	defaultSentinelPort = 26379

	defaultConnMetricsInterval = 60 * time.Second
)

var poolStats = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "routestore",
	Subsystem: "redis",
	Name:      "pool_stats",
	Help:      "Connection pool statistics of the redis client.",
}, []string{"stat"})

// NewRedisClient creates a client for the given topology. The
// connection is established lazily on the first command.
func NewRedisClient(t *Topology, ro *RedisOptions) (*RedisClient, error) {
	if ro == nil {
		ro = &RedisOptions{}
	}

	if ro.ConnMetricsInterval <= 0 {
		ro.ConnMetricsInterval = defaultConnMetricsInterval
	}

	r := &RedisClient{
		topology: t,
		options:  ro,
		log:      logging.Default,
		tracer:   &opentracing.NoopTracer{},
		quit:     make(chan struct{}),
	}

	if ro.Log != nil {
		r.log = ro.Log
	}

	if ro.Tracer != nil {
		r.tracer = ro.Tracer
	}

	switch t.Kind {
	case Cluster:
		addrs := make([]string, 0, len(t.Nodes))
		for _, n := range t.Nodes {
			addrs = append(addrs, n.Addr(defaultClusterPort))
		}

		r.client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        addrs,
			Password:     t.Password,
			ReadTimeout:  ro.ReadTimeout,
			WriteTimeout: ro.WriteTimeout,
			DialTimeout:  ro.DialTimeout,
			PoolTimeout:  ro.PoolTimeout,
			MinIdleConns: ro.MinIdleConns,
			PoolSize:     ro.MaxIdleConns,
		})
	case Sentinel:
		addrs := make([]string, 0, len(t.Sentinels))
		for _, n := range t.Sentinels {
			addrs = append(addrs, n.Addr(defaultSentinelPort))
		}

		r.client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    t.MasterName,
			SentinelAddrs: addrs,
			Password:      t.Password,
			ReadTimeout:   ro.ReadTimeout,
			WriteTimeout:  ro.WriteTimeout,
			DialTimeout:   ro.DialTimeout,
			PoolTimeout:   ro.PoolTimeout,
			MinIdleConns:  ro.MinIdleConns,
			PoolSize:      ro.MaxIdleConns,
		})
	default:
		opt, err := redis.ParseURL(t.URI)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTopology, err)
		}

		// keep values derived from the URI unless explicitly configured
		if ro.ReadTimeout > 0 {
			opt.ReadTimeout = ro.ReadTimeout
		}
		if ro.WriteTimeout > 0 {
			opt.WriteTimeout = ro.WriteTimeout
		}
		if ro.DialTimeout > 0 {
			opt.DialTimeout = ro.DialTimeout
		}
		if ro.PoolTimeout > 0 {
			opt.PoolTimeout = ro.PoolTimeout
		}
		if ro.MinIdleConns > 0 {
			opt.MinIdleConns = ro.MinIdleConns
		}
		if ro.MaxIdleConns > 0 {
			opt.PoolSize = ro.MaxIdleConns
		}

		r.client = redis.NewClient(opt)
	}

	r.log.Infof("created %s redis client", t.Kind)
	return r, nil
}

// Topology returns the parsed topology the client was created from.
func (r *RedisClient) Topology() *Topology {
	return r.topology
}

// Available pings redis with bounded exponential backoff and reports
// whether it answered.
func (r *RedisClient) Available() bool {
	var err error
	err = backoff.Retry(func() error {
		err = r.client.Ping(context.Background()).Err()
		if err != nil {
			r.log.Infof("Failed to ping redis, retry with backoff: %v", err)
		}
		return err
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 7))

	return err == nil
}

// StartMetricsCollection periodically exports the connection pool
// statistics of the client until it is closed.
func (r *RedisClient) StartMetricsCollection() {
	stats, ok := r.client.(interface{ PoolStats() *redis.PoolStats })
	if !ok {
		return
	}

	go func() {
		for {
			select {
			case <-time.After(r.options.ConnMetricsInterval):
				s := stats.PoolStats()
				poolStats.WithLabelValues("hits").Set(float64(s.Hits))
				poolStats.WithLabelValues("misses").Set(float64(s.Misses))
				poolStats.WithLabelValues("timeouts").Set(float64(s.Timeouts))
				poolStats.WithLabelValues("totalconns").Set(float64(s.TotalConns))
				poolStats.WithLabelValues("idleconns").Set(float64(s.IdleConns))
				poolStats.WithLabelValues("staleconns").Set(float64(s.StaleConns))
			case <-r.quit:
				return
			}
		}
	}()
}

// StartSpan starts an OpenTracing span with the configured tracer.
func (r *RedisClient) StartSpan(operationName string, opts ...opentracing.StartSpanOption) opentracing.Span {
	return r.tracer.StartSpan(operationName, opts...)
}

// Close releases the client connections. Closing an already closed
// client is a no-op.
func (r *RedisClient) Close() error {
	if r == nil {
		return nil
	}

	var err error
	r.once.Do(func() {
		close(r.quit)
		err = r.client.Close()
	})

	return err
}

// HGet reads a single hash field. Absence of the field is reported
// separately from failure.
func (r *RedisClient) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	return v, true, nil
}

// HSet creates or replaces a single hash field.
func (r *RedisClient) HSet(ctx context.Context, key, field, value string) error {
	return r.client.HSet(ctx, key, field, value).Err()
}

// HDel deletes the given hash fields in one batch. Absent fields are
// ignored.
func (r *RedisClient) HDel(ctx context.Context, key string, fields ...string) error {
	return r.client.HDel(ctx, key, fields...).Err()
}

// HGetAll reads all fields of a hash with their values.
func (r *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

// HKeys lists the field names of a hash.
func (r *RedisClient) HKeys(ctx context.Context, key string) ([]string, error) {
	return r.client.HKeys(ctx, key).Result()
}
