package store

import (
	"context"
	stderrors "errors"
	"fmt"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// MetadataStore holds the global hive configuration: nodes, partition
// dimensions with their resources and secondary indexes, and the hive semaphore.
type MetadataStore interface {
	ListNodes(ctx context.Context, dimensionID int) ([]*model.Node, error)
	GetNode(ctx context.Context, nodeID int) (*model.Node, error)
	// AddNode assigns node.ID.
	AddNode(ctx context.Context, node *model.Node) error
	UpdateNodeReadOnly(ctx context.Context, nodeID int, readOnly bool) error
	// RemoveNode deletes the node. Callers must ensure no key references it.
	RemoveNode(ctx context.Context, nodeID int) error

	GetPartitionDimension(ctx context.Context, name string) (*model.PartitionDimension, error)
	// CreatePartitionDimension assigns dimension.ID.
	CreatePartitionDimension(ctx context.Context, dimension *model.PartitionDimension) error
	AddResource(ctx context.Context, dimension *model.PartitionDimension, resource *model.Resource) error
	AddSecondaryIndex(ctx context.Context, resource *model.Resource, index *model.SecondaryIndex) error

	GetSemaphore(ctx context.Context) (model.HiveSemaphore, error)
	// UpdateSemaphore sets the global read-only flag and bumps the revision.
	UpdateSemaphore(ctx context.Context, readOnly bool) (model.HiveSemaphore, error)

	Ping(ctx context.Context) error
}

// PostgresMetadataStore implements MetadataStore for PostgreSQL
type PostgresMetadataStore struct {
	pool   Pool
	logger *zap.Logger
}

var _ MetadataStore = (*PostgresMetadataStore)(nil)

// NewPostgresMetadataStore creates a new PostgreSQL metadata store
func NewPostgresMetadataStore(pool Pool, logger *zap.Logger) *PostgresMetadataStore {
	return &PostgresMetadataStore{pool: pool, logger: logger}
}

var metadataSchema = []string{
	`CREATE TABLE IF NOT EXISTS partition_dimension_metadata (
		id SERIAL PRIMARY KEY,
		name VARCHAR(64) NOT NULL UNIQUE,
		index_uri VARCHAR(255) NOT NULL,
		db_type VARCHAR(64) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS node_metadata (
		id SERIAL PRIMARY KEY,
		partition_dimension_id INTEGER NOT NULL REFERENCES partition_dimension_metadata(id),
		name VARCHAR(64) NOT NULL UNIQUE,
		uri VARCHAR(255) NOT NULL,
		capacity DOUBLE PRECISION NOT NULL DEFAULT 0,
		read_only BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS resource_metadata (
		id SERIAL PRIMARY KEY,
		partition_dimension_id INTEGER NOT NULL REFERENCES partition_dimension_metadata(id),
		name VARCHAR(128) NOT NULL,
		db_type VARCHAR(64) NOT NULL,
		is_partitioning_resource BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (partition_dimension_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS secondary_index_metadata (
		id SERIAL PRIMARY KEY,
		resource_id INTEGER NOT NULL REFERENCES resource_metadata(id),
		column_name VARCHAR(64) NOT NULL,
		db_type VARCHAR(64) NOT NULL,
		UNIQUE (resource_id, column_name)
	)`,
	`CREATE TABLE IF NOT EXISTS semaphore_metadata (
		id INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		read_only BOOLEAN NOT NULL DEFAULT FALSE,
		revision INTEGER NOT NULL DEFAULT 0
	)`,
	`INSERT INTO semaphore_metadata (id, read_only, revision) VALUES (1, FALSE, 0) ON CONFLICT (id) DO NOTHING`,
}

// EnsureSchema creates the global configuration tables and seeds the semaphore row
func (s *PostgresMetadataStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range metadataSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return hiveerrors.Storage("create metadata schema", err)
		}
	}
	s.logger.Info("Metadata schema ready")
	return nil
}

// ListNodes retrieves the nodes of a partition dimension
func (s *PostgresMetadataStore) ListNodes(ctx context.Context, dimensionID int) ([]*model.Node, error) {
	query := `
		SELECT id, name, uri, capacity, read_only, partition_dimension_id
		FROM node_metadata
		WHERE partition_dimension_id = $1
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query, dimensionID)
	if err != nil {
		return nil, hiveerrors.Storage("list nodes", err)
	}
	defer rows.Close()

	nodes := make([]*model.Node, 0)
	for rows.Next() {
		var node model.Node
		if err := rows.Scan(&node.ID, &node.Name, &node.URI, &node.Capacity, &node.ReadOnly, &node.PartitionDimensionID); err != nil {
			return nil, hiveerrors.Storage("scan node", err)
		}
		nodes = append(nodes, &node)
	}
	if err := rows.Err(); err != nil {
		return nil, hiveerrors.Storage("list nodes", err)
	}
	return nodes, nil
}

// GetNode retrieves a node by id
func (s *PostgresMetadataStore) GetNode(ctx context.Context, nodeID int) (*model.Node, error) {
	query := `
		SELECT id, name, uri, capacity, read_only, partition_dimension_id
		FROM node_metadata
		WHERE id = $1
	`

	var node model.Node
	err := s.pool.QueryRow(ctx, query, nodeID).Scan(
		&node.ID,
		&node.Name,
		&node.URI,
		&node.Capacity,
		&node.ReadOnly,
		&node.PartitionDimensionID,
	)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, hiveerrors.KeyNotFound("node_metadata", nodeID)
		}
		return nil, hiveerrors.Storage("get node", err)
	}
	return &node, nil
}

// AddNode registers a new node
func (s *PostgresMetadataStore) AddNode(ctx context.Context, node *model.Node) error {
	query := `
		INSERT INTO node_metadata (partition_dimension_id, name, uri, capacity, read_only)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	err := s.pool.QueryRow(ctx, query,
		node.PartitionDimensionID,
		node.Name,
		node.URI,
		node.Capacity,
		node.ReadOnly,
	).Scan(&node.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return hiveerrors.InvalidArgument(fmt.Sprintf("node %s already exists", node.Name), err)
		}
		return hiveerrors.Storage("add node", err)
	}

	s.logger.Info("Node registered",
		zap.Int("node_id", node.ID),
		zap.String("name", node.Name),
		zap.Float64("capacity", node.Capacity))
	return nil
}

// UpdateNodeReadOnly sets the write lock of a node
func (s *PostgresMetadataStore) UpdateNodeReadOnly(ctx context.Context, nodeID int, readOnly bool) error {
	query := `UPDATE node_metadata SET read_only = $2 WHERE id = $1`

	result, err := s.pool.Exec(ctx, query, nodeID, readOnly)
	if err != nil {
		return hiveerrors.Storage("update node read-only", err)
	}
	if result.RowsAffected() == 0 {
		return hiveerrors.KeyNotFound("node_metadata", nodeID)
	}
	return nil
}

// RemoveNode removes a node
func (s *PostgresMetadataStore) RemoveNode(ctx context.Context, nodeID int) error {
	query := `DELETE FROM node_metadata WHERE id = $1`

	result, err := s.pool.Exec(ctx, query, nodeID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return hiveerrors.InvalidArgument(fmt.Sprintf("node %d still holds keys", nodeID), err)
		}
		return hiveerrors.Storage("remove node", err)
	}
	if result.RowsAffected() == 0 {
		return hiveerrors.KeyNotFound("node_metadata", nodeID)
	}
	return nil
}

// GetPartitionDimension loads a dimension together with its resources and secondary indexes
func (s *PostgresMetadataStore) GetPartitionDimension(ctx context.Context, name string) (*model.PartitionDimension, error) {
	query := `
		SELECT id, name, index_uri, db_type
		FROM partition_dimension_metadata
		WHERE name = $1
	`

	var dim model.PartitionDimension
	var columnType string
	err := s.pool.QueryRow(ctx, query, name).Scan(&dim.ID, &dim.Name, &dim.IndexURI, &columnType)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, hiveerrors.KeyNotFound("partition_dimension_metadata", name)
		}
		return nil, hiveerrors.Storage("get partition dimension", err)
	}
	dim.ColumnType = model.ColumnType(columnType)

	resources, err := s.listResources(ctx, dim.ID)
	if err != nil {
		return nil, err
	}
	dim.Resources = resources
	return &dim, nil
}

func (s *PostgresMetadataStore) listResources(ctx context.Context, dimensionID int) ([]*model.Resource, error) {
	query := `
		SELECT id, name, db_type, is_partitioning_resource
		FROM resource_metadata
		WHERE partition_dimension_id = $1
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query, dimensionID)
	if err != nil {
		return nil, hiveerrors.Storage("list resources", err)
	}
	resources, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Resource, error) {
		r := &model.Resource{PartitionDimensionID: dimensionID}
		var columnType string
		if err := row.Scan(&r.ID, &r.Name, &columnType, &r.IsPartitioningResource); err != nil {
			return nil, err
		}
		r.ColumnType = model.ColumnType(columnType)
		return r, nil
	})
	if err != nil {
		return nil, hiveerrors.Storage("list resources", err)
	}

	for _, r := range resources {
		indexes, err := s.listSecondaryIndexes(ctx, r)
		if err != nil {
			return nil, err
		}
		r.SecondaryIndexes = indexes
	}
	return resources, nil
}

func (s *PostgresMetadataStore) listSecondaryIndexes(ctx context.Context, resource *model.Resource) ([]*model.SecondaryIndex, error) {
	query := `
		SELECT id, column_name, db_type
		FROM secondary_index_metadata
		WHERE resource_id = $1
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query, resource.ID)
	if err != nil {
		return nil, hiveerrors.Storage("list secondary indexes", err)
	}
	indexes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.SecondaryIndex, error) {
		idx := &model.SecondaryIndex{ResourceID: resource.ID, ResourceName: resource.Name}
		var columnType string
		if err := row.Scan(&idx.ID, &idx.Name, &columnType); err != nil {
			return nil, err
		}
		idx.ColumnType = model.ColumnType(columnType)
		return idx, nil
	})
	if err != nil {
		return nil, hiveerrors.Storage("list secondary indexes", err)
	}
	return indexes, nil
}

// CreatePartitionDimension inserts a dimension row. Resources are added separately.
func (s *PostgresMetadataStore) CreatePartitionDimension(ctx context.Context, dimension *model.PartitionDimension) error {
	query := `
		INSERT INTO partition_dimension_metadata (name, index_uri, db_type)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	err := s.pool.QueryRow(ctx, query, dimension.Name, dimension.IndexURI, string(dimension.ColumnType)).Scan(&dimension.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return hiveerrors.InvalidArgument(fmt.Sprintf("partition dimension %s already exists", dimension.Name), err)
		}
		return hiveerrors.Storage("create partition dimension", err)
	}
	return nil
}

// AddResource registers a resource under dimension and appends it to dimension.Resources
func (s *PostgresMetadataStore) AddResource(ctx context.Context, dimension *model.PartitionDimension, resource *model.Resource) error {
	query := `
		INSERT INTO resource_metadata (partition_dimension_id, name, db_type, is_partitioning_resource)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	resource.PartitionDimensionID = dimension.ID
	err := s.pool.QueryRow(ctx, query,
		dimension.ID,
		resource.Name,
		string(resource.ColumnType),
		resource.IsPartitioningResource,
	).Scan(&resource.ID)
	if err != nil {
		return hiveerrors.Storage(fmt.Sprintf("add resource %s", resource.Name), err)
	}
	dimension.Resources = append(dimension.Resources, resource)
	return nil
}

// AddSecondaryIndex registers a secondary index on resource and appends it to resource.SecondaryIndexes
func (s *PostgresMetadataStore) AddSecondaryIndex(ctx context.Context, resource *model.Resource, index *model.SecondaryIndex) error {
	query := `
		INSERT INTO secondary_index_metadata (resource_id, column_name, db_type)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	index.ResourceID = resource.ID
	index.ResourceName = resource.Name
	err := s.pool.QueryRow(ctx, query, resource.ID, index.Name, string(index.ColumnType)).Scan(&index.ID)
	if err != nil {
		return hiveerrors.Storage(fmt.Sprintf("add secondary index %s", index), err)
	}
	resource.SecondaryIndexes = append(resource.SecondaryIndexes, index)
	return nil
}

// GetSemaphore reads the hive semaphore
func (s *PostgresMetadataStore) GetSemaphore(ctx context.Context) (model.HiveSemaphore, error) {
	var sem model.HiveSemaphore
	err := s.pool.QueryRow(ctx, `SELECT read_only, revision FROM semaphore_metadata WHERE id = 1`).
		Scan(&sem.ReadOnly, &sem.Revision)
	if err != nil {
		return sem, hiveerrors.Storage("get hive semaphore", err)
	}
	return sem, nil
}

// UpdateSemaphore sets the hive read-only flag and increments the revision
func (s *PostgresMetadataStore) UpdateSemaphore(ctx context.Context, readOnly bool) (model.HiveSemaphore, error) {
	query := `
		UPDATE semaphore_metadata
		SET read_only = $1, revision = revision + 1
		WHERE id = 1
		RETURNING read_only, revision
	`

	var sem model.HiveSemaphore
	if err := s.pool.QueryRow(ctx, query, readOnly).Scan(&sem.ReadOnly, &sem.Revision); err != nil {
		return sem, hiveerrors.Storage("update hive semaphore", err)
	}
	s.logger.Info("Hive semaphore updated",
		zap.Bool("read_only", sem.ReadOnly),
		zap.Int("revision", sem.Revision))
	return sem, nil
}

// Ping checks the database connection
func (s *PostgresMetadataStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
