package store

import (
	"context"
	"sync"
	"time"

	"github.com/britt/hivedb-sub003/internal/model"
)

// NodeCache provides TTL caching of node metadata in front of a MetadataStore
type NodeCache struct {
	store MetadataStore
	ttl   time.Duration
	now   func() time.Time

	mu    sync.RWMutex
	nodes map[int]*nodeEntry
}

type nodeEntry struct {
	node      *model.Node
	expiresAt time.Time
}

// NewNodeCache creates a new node cache
func NewNodeCache(store MetadataStore, ttl time.Duration) *NodeCache {
	return &NodeCache{
		store: store,
		ttl:   ttl,
		now:   time.Now,
		nodes: make(map[int]*nodeEntry),
	}
}

// GetNode returns the cached node or loads it from the store
func (c *NodeCache) GetNode(ctx context.Context, nodeID int) (*model.Node, error) {
	c.mu.RLock()
	entry, exists := c.nodes[nodeID]
	c.mu.RUnlock()

	if exists && c.now().Before(entry.expiresAt) {
		return entry.node, nil
	}

	node, err := c.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	c.Set(node)
	return node, nil
}

// Set stores a node in cache
func (c *NodeCache) Set(node *model.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes[node.ID] = &nodeEntry{
		node:      node,
		expiresAt: c.now().Add(c.ttl),
	}
}

// UpdateNodeReadOnly writes the node's lock through to the store and drops
// the cached entry so the next read sees it.
func (c *NodeCache) UpdateNodeReadOnly(ctx context.Context, nodeID int, readOnly bool) error {
	if err := c.store.UpdateNodeReadOnly(ctx, nodeID, readOnly); err != nil {
		return err
	}
	c.invalidate(nodeID)
	return nil
}

func (c *NodeCache) invalidate(nodeID int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.nodes, nodeID)
}

// Cleanup periodically removes expired entries until ctx is done
func (c *NodeCache) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for id, entry := range c.nodes {
				if now.After(entry.expiresAt) {
					delete(c.nodes, id)
				}
			}
			c.mu.Unlock()
		}
	}
}
