package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/migration"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/britt/hivedb-sub003/internal/store"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Topology is the seed of partition dimensions and their nodes.
type Topology struct {
	Dimensions []DimensionTopology `yaml:"dimensions"`
}

// DimensionTopology declares one partition dimension.
type DimensionTopology struct {
	Name       string             `yaml:"name"`
	ColumnType model.ColumnType   `yaml:"column_type"`
	IndexURI   string             `yaml:"index_uri"`
	Nodes      []NodeTopology     `yaml:"nodes"`
	Resources  []ResourceTopology `yaml:"resources"`
	// Data describes the tables on the nodes that move with a primary key.
	Data *migration.TableSpec `yaml:"data"`
}

// NodeTopology declares one data node.
type NodeTopology struct {
	Name     string  `yaml:"name"`
	URI      string  `yaml:"uri"`
	Capacity float64 `yaml:"capacity"`
	ReadOnly bool    `yaml:"read_only"`
}

// ResourceTopology declares one resource and its secondary indexes.
type ResourceTopology struct {
	Name             string                   `yaml:"name"`
	ColumnType       model.ColumnType         `yaml:"column_type"`
	Partitioning     bool                     `yaml:"partitioning"`
	SecondaryIndexes []SecondaryIndexTopology `yaml:"secondary_indexes"`
}

// SecondaryIndexTopology declares one secondary index column.
type SecondaryIndexTopology struct {
	Name       string           `yaml:"name"`
	ColumnType model.ColumnType `yaml:"column_type"`
}

// LoadTopology reads and validates a topology file. Unknown keys are rejected.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology %s: %w", path, err)
	}
	return ParseTopology(data)
}

// ParseTopology decodes and validates a YAML topology.
func ParseTopology(data []byte) (*Topology, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	topology := new(Topology)
	if err := dec.Decode(topology); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	return topology, nil
}

// Validate validates the topology
func (t *Topology) Validate() error {
	if len(t.Dimensions) == 0 {
		return errors.New("at least one dimension is required")
	}
	seen := make(map[string]bool)
	for _, d := range t.Dimensions {
		if d.Name == "" {
			return errors.New("dimension name is required")
		}
		if seen[d.Name] {
			return fmt.Errorf("dimension %s is declared twice", d.Name)
		}
		seen[d.Name] = true
		if !d.ColumnType.Valid() {
			return fmt.Errorf("dimension %s: unsupported column_type %q", d.Name, d.ColumnType)
		}
		if d.Data != nil {
			if err := d.Data.Validate(); err != nil {
				return fmt.Errorf("dimension %s: %w", d.Name, err)
			}
		}
		for _, n := range d.Nodes {
			if n.Name == "" || n.URI == "" {
				return fmt.Errorf("dimension %s: node name and uri are required", d.Name)
			}
			if n.Capacity <= 0 {
				return fmt.Errorf("dimension %s: node %s capacity must be positive", d.Name, n.Name)
			}
		}
		for _, r := range d.Resources {
			if r.Name == "" {
				return fmt.Errorf("dimension %s: resource name is required", d.Name)
			}
			if !r.ColumnType.Valid() {
				return fmt.Errorf("resource %s: unsupported column_type %q", r.Name, r.ColumnType)
			}
			for _, idx := range r.SecondaryIndexes {
				if idx.Name == "" || !idx.ColumnType.Valid() {
					return fmt.Errorf("resource %s: secondary index needs a name and a supported column_type", r.Name)
				}
			}
		}
	}
	return nil
}

// Dimension returns the named dimension declaration.
func (t *Topology) Dimension(name string) (DimensionTopology, bool) {
	for _, d := range t.Dimensions {
		if d.Name == name {
			return d, true
		}
	}
	return DimensionTopology{}, false
}

// ApplyTopology creates whatever the metadata store is missing and returns the
// stored dimensions in declaration order. Existing entries are left untouched,
// so applying the same topology twice is a no-op.
func ApplyTopology(ctx context.Context, metadata store.MetadataStore, topology *Topology, logger *zap.Logger) ([]*model.PartitionDimension, error) {
	dimensions := make([]*model.PartitionDimension, 0, len(topology.Dimensions))
	for _, d := range topology.Dimensions {
		dim, err := ensureDimension(ctx, metadata, d, logger)
		if err != nil {
			return nil, err
		}
		for _, r := range d.Resources {
			if err := ensureResource(ctx, metadata, dim, r, logger); err != nil {
				return nil, err
			}
		}
		if err := ensureNodes(ctx, metadata, dim, d.Nodes, logger); err != nil {
			return nil, err
		}
		dimensions = append(dimensions, dim)
	}
	return dimensions, nil
}

func ensureDimension(ctx context.Context, metadata store.MetadataStore, d DimensionTopology, logger *zap.Logger) (*model.PartitionDimension, error) {
	dim, err := metadata.GetPartitionDimension(ctx, d.Name)
	if err == nil {
		if dim.ColumnType != d.ColumnType {
			return nil, fmt.Errorf("dimension %s exists with column type %s, topology declares %s", d.Name, dim.ColumnType, d.ColumnType)
		}
		return dim, nil
	}
	if !errors.Is(err, hiveerrors.ErrKeyNotFound) {
		return nil, err
	}

	dim = &model.PartitionDimension{Name: d.Name, ColumnType: d.ColumnType, IndexURI: d.IndexURI}
	if err := metadata.CreatePartitionDimension(ctx, dim); err != nil {
		return nil, fmt.Errorf("failed to create dimension %s: %w", d.Name, err)
	}
	logger.Info("Partition dimension created",
		zap.String("dimension", dim.Name),
		zap.Int("id", dim.ID))
	return dim, nil
}

func ensureResource(ctx context.Context, metadata store.MetadataStore, dim *model.PartitionDimension, r ResourceTopology, logger *zap.Logger) error {
	resource, ok := dim.Resource(r.Name)
	if !ok {
		resource = &model.Resource{Name: r.Name, ColumnType: r.ColumnType, IsPartitioningResource: r.Partitioning}
		if err := metadata.AddResource(ctx, dim, resource); err != nil {
			return fmt.Errorf("failed to add resource %s: %w", r.Name, err)
		}
		logger.Info("Resource created",
			zap.String("dimension", dim.Name),
			zap.String("resource", r.Name))
	}
	for _, idx := range r.SecondaryIndexes {
		if _, ok := resource.SecondaryIndex(idx.Name); ok {
			continue
		}
		index := &model.SecondaryIndex{Name: idx.Name, ColumnType: idx.ColumnType}
		if err := metadata.AddSecondaryIndex(ctx, resource, index); err != nil {
			return fmt.Errorf("failed to add secondary index %s.%s: %w", r.Name, idx.Name, err)
		}
		logger.Info("Secondary index created",
			zap.String("dimension", dim.Name),
			zap.String("index", index.String()))
	}
	return nil
}

func ensureNodes(ctx context.Context, metadata store.MetadataStore, dim *model.PartitionDimension, nodes []NodeTopology, logger *zap.Logger) error {
	existing, err := metadata.ListNodes(ctx, dim.ID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, n := range existing {
		known[n.Name] = true
	}
	for _, n := range nodes {
		if known[n.Name] {
			continue
		}
		node := &model.Node{
			Name:                 n.Name,
			URI:                  n.URI,
			Capacity:             n.Capacity,
			ReadOnly:             n.ReadOnly,
			PartitionDimensionID: dim.ID,
		}
		if err := metadata.AddNode(ctx, node); err != nil {
			return fmt.Errorf("failed to add node %s: %w", n.Name, err)
		}
		logger.Info("Node registered",
			zap.String("dimension", dim.Name),
			zap.String("node", node.Name),
			zap.Int("id", node.ID))
	}
	return nil
}
