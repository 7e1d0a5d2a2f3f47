package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/model"
)

// MemoryMetadataStore implements MetadataStore in memory.
type MemoryMetadataStore struct {
	mu         sync.RWMutex
	nodes      map[int]*model.Node
	dimensions map[string]*model.PartitionDimension
	semaphore  model.HiveSemaphore
	nextID     int
}

var _ MetadataStore = (*MemoryMetadataStore)(nil)

// NewMemoryMetadataStore creates an empty metadata store
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{
		nodes:      make(map[int]*model.Node),
		dimensions: make(map[string]*model.PartitionDimension),
	}
}

func (s *MemoryMetadataStore) id() int {
	s.nextID++
	return s.nextID
}

func (s *MemoryMetadataStore) ListNodes(ctx context.Context, dimensionID int) ([]*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]*model.Node, 0)
	for _, n := range s.nodes {
		if n.PartitionDimensionID == dimensionID {
			c := *n
			nodes = append(nodes, &c)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (s *MemoryMetadataStore) GetNode(ctx context.Context, nodeID int) (*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, hiveerrors.KeyNotFound("node_metadata", nodeID)
	}
	c := *n
	return &c, nil
}

func (s *MemoryMetadataStore) AddNode(ctx context.Context, node *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.nodes {
		if n.Name == node.Name {
			return hiveerrors.InvalidArgument(fmt.Sprintf("node %s already exists", node.Name), nil)
		}
	}
	node.ID = s.id()
	c := *node
	s.nodes[node.ID] = &c
	return nil
}

func (s *MemoryMetadataStore) UpdateNodeReadOnly(ctx context.Context, nodeID int, readOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return hiveerrors.KeyNotFound("node_metadata", nodeID)
	}
	n.ReadOnly = readOnly
	return nil
}

func (s *MemoryMetadataStore) RemoveNode(ctx context.Context, nodeID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[nodeID]; !ok {
		return hiveerrors.KeyNotFound("node_metadata", nodeID)
	}
	delete(s.nodes, nodeID)
	return nil
}

func (s *MemoryMetadataStore) GetPartitionDimension(ctx context.Context, name string) (*model.PartitionDimension, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dim, ok := s.dimensions[name]
	if !ok {
		return nil, hiveerrors.KeyNotFound("partition_dimension_metadata", name)
	}
	return dim, nil
}

func (s *MemoryMetadataStore) CreatePartitionDimension(ctx context.Context, dimension *model.PartitionDimension) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dimensions[dimension.Name]; exists {
		return hiveerrors.InvalidArgument(fmt.Sprintf("partition dimension %s already exists", dimension.Name), nil)
	}
	dimension.ID = s.id()
	s.dimensions[dimension.Name] = dimension
	return nil
}

func (s *MemoryMetadataStore) AddResource(ctx context.Context, dimension *model.PartitionDimension, resource *model.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := dimension.Resource(resource.Name); exists {
		return hiveerrors.InvalidArgument(fmt.Sprintf("resource %s already exists", resource.Name), nil)
	}
	resource.ID = s.id()
	resource.PartitionDimensionID = dimension.ID
	dimension.Resources = append(dimension.Resources, resource)
	return nil
}

func (s *MemoryMetadataStore) AddSecondaryIndex(ctx context.Context, resource *model.Resource, index *model.SecondaryIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := resource.SecondaryIndex(index.Name); exists {
		return hiveerrors.InvalidArgument(fmt.Sprintf("secondary index %s.%s already exists", resource.Name, index.Name), nil)
	}
	index.ID = s.id()
	index.ResourceID = resource.ID
	index.ResourceName = resource.Name
	resource.SecondaryIndexes = append(resource.SecondaryIndexes, index)
	return nil
}

func (s *MemoryMetadataStore) GetSemaphore(ctx context.Context) (model.HiveSemaphore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.semaphore, nil
}

func (s *MemoryMetadataStore) UpdateSemaphore(ctx context.Context, readOnly bool) (model.HiveSemaphore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.semaphore.ReadOnly = readOnly
	s.semaphore.Revision++
	return s.semaphore, nil
}

func (s *MemoryMetadataStore) Ping(ctx context.Context) error {
	return nil
}
