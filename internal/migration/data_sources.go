package migration

import (
	"context"
	"fmt"
	"sync"

	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/britt/hivedb-sub003/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DataSources shares one connection pool per node URI across every mover and
// migration. Pools are opened on first use and live until Close. Concurrent
// first uses of one URI share a single dial, made without holding the registry lock.
type DataSources struct {
	maxConns int32
	minConns int32
	logger   *zap.Logger
	open     func(ctx context.Context, uri string) (store.Pool, error)
	dials    singleflight.Group

	mu    sync.Mutex
	pools map[string]store.Pool
}

// NewDataSources creates an empty data source registry
func NewDataSources(maxConns, minConns int32, logger *zap.Logger) *DataSources {
	d := &DataSources{
		maxConns: maxConns,
		minConns: minConns,
		logger:   logger,
		pools:    make(map[string]store.Pool),
	}
	d.open = func(ctx context.Context, uri string) (store.Pool, error) {
		return store.NewPool(ctx, uri, d.maxConns, d.minConns)
	}
	return d
}

// Register installs an already opened pool for uri.
func (d *DataSources) Register(uri string, pool store.Pool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pools[uri] = pool
}

// Get returns the pool of node, opening it on first use.
func (d *DataSources) Get(ctx context.Context, node *model.Node) (store.Pool, error) {
	if pool, ok := d.lookup(node.URI); ok {
		return pool, nil
	}

	v, err, _ := d.dials.Do(node.URI, func() (any, error) {
		if pool, ok := d.lookup(node.URI); ok {
			return pool, nil
		}
		pool, err := d.open(ctx, node.URI)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		if existing, ok := d.pools[node.URI]; ok {
			pool.Close()
			return existing, nil
		}
		d.pools[node.URI] = pool
		d.logger.Info("Data source opened",
			zap.String("node", node.Name),
			zap.Int("node_id", node.ID))
		return pool, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open data source of node %s: %w", node.Name, err)
	}
	return v.(store.Pool), nil
}

func (d *DataSources) lookup(uri string) (store.Pool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pool, ok := d.pools[uri]
	return pool, ok
}

// Ping checks every open pool
func (d *DataSources) Ping(ctx context.Context) error {
	d.mu.Lock()
	pools := make(map[string]store.Pool, len(d.pools))
	for uri, pool := range d.pools {
		pools[uri] = pool
	}
	d.mu.Unlock()

	for uri, pool := range pools {
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("data source %s: %w", uri, err)
		}
	}
	return nil
}

// Close closes every pool
func (d *DataSources) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for uri, pool := range d.pools {
		pool.Close()
		delete(d.pools, uri)
	}
}
