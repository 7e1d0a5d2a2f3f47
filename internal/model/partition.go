package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ColumnType is the SQL type of a partition key, resource id or secondary index column.
type ColumnType string

const (
	ColumnTypeVarchar ColumnType = "VARCHAR"
	ColumnTypeInteger ColumnType = "INTEGER"
	ColumnTypeBigint  ColumnType = "BIGINT"
)

// SQLType returns the column definition used when creating directory tables.
func (c ColumnType) SQLType() string {
	switch c {
	case ColumnTypeInteger:
		return "INTEGER"
	case ColumnTypeBigint:
		return "BIGINT"
	default:
		return "VARCHAR(255)"
	}
}

// Valid reports whether the column type is supported.
func (c ColumnType) Valid() bool {
	switch c {
	case ColumnTypeVarchar, ColumnTypeInteger, ColumnTypeBigint:
		return true
	}
	return false
}

// ParseKey converts the textual form of a key into the Go value stored for
// the column type.
func (c ColumnType) ParseKey(raw string) (any, error) {
	switch c {
	case ColumnTypeInteger:
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid INTEGER key %q: %w", raw, err)
		}
		return int(v), nil
	case ColumnTypeBigint:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid BIGINT key %q: %w", raw, err)
		}
		return v, nil
	default:
		return raw, nil
	}
}

// PartitionDimension is a named partitioning axis. Exactly one dimension governs
// a primary key space.
type PartitionDimension struct {
	ID         int
	Name       string
	ColumnType ColumnType
	IndexURI   string
	Resources  []*Resource
}

// Resource returns the named resource of the dimension.
func (d *PartitionDimension) Resource(name string) (*Resource, bool) {
	for _, r := range d.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// PrimaryTableName is the directory table holding the dimension's primary index.
func (d *PartitionDimension) PrimaryTableName() string {
	return "hive_primary_" + sanitize(d.Name)
}

// StatisticsTableName is the table holding per-key child record counts.
func (d *PartitionDimension) StatisticsTableName() string {
	return "hive_statistics_" + sanitize(d.Name)
}

// Node is a physical database target.
type Node struct {
	ID                   int
	Name                 string
	URI                  string
	Capacity             float64
	ReadOnly             bool
	PartitionDimensionID int
}

// Resource is a partitioned entity type under a dimension.
type Resource struct {
	ID                     int
	Name                   string
	PartitionDimensionID   int
	ColumnType             ColumnType
	IsPartitioningResource bool
	SecondaryIndexes       []*SecondaryIndex
}

// TableName is the directory table mapping resource ids to primary keys.
func (r *Resource) TableName() string {
	return "hive_resource_" + sanitize(r.Name)
}

// SecondaryIndex returns the named secondary index of the resource.
func (r *Resource) SecondaryIndex(column string) (*SecondaryIndex, bool) {
	for _, idx := range r.SecondaryIndexes {
		if idx.Name == column {
			return idx, true
		}
	}
	return nil, false
}

// SecondaryIndex is an alternate lookup path onto a resource.
type SecondaryIndex struct {
	ID         int
	Name       string
	ColumnType ColumnType
	ResourceID int
	// ResourceName is denormalised so table names can be derived without the resource.
	ResourceName string
}

// TableName is the directory table of the index.
func (s *SecondaryIndex) TableName() string {
	return "hive_secondary_" + sanitize(s.ResourceName) + "_" + sanitize(s.Name)
}

func (s *SecondaryIndex) String() string {
	return s.ResourceName + "." + s.Name
}

// KeySemaphore describes one placement of a key: the node it lives on and its
// write-lock state.
type KeySemaphore struct {
	NodeID   int
	ReadOnly bool
}

// PartitionKeyStatistics is the per-key child record count the balancer consumes.
type PartitionKeyStatistics struct {
	PrimaryIndexKey  any
	ChildRecordCount int
	LastUpdated      time.Time
}

// HiveSemaphore is the single-row global read/write status and revision counter.
type HiveSemaphore struct {
	ReadOnly bool
	Revision int
}

// KeyString normalises a key value for map lookups and logging.
func KeyString(key any) string {
	return fmt.Sprintf("%v", key)
}

func sanitize(name string) string {
	return strings.ToLower(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name))
}
