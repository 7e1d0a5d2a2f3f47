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

// NodeGetter resolves node ids against the global node metadata.
type NodeGetter interface {
	GetNode(ctx context.Context, nodeID int) (*model.Node, error)
}

// PostgresDirectory implements Directory over the per-dimension directory schema.
// The directory tables may live apart from the global metadata, so node ids
// are checked through nodes rather than a foreign key.
type PostgresDirectory struct {
	pool      Pool
	q         Queryer
	nodes     NodeGetter
	dimension *model.PartitionDimension
	logger    *zap.Logger
}

var _ Directory = (*PostgresDirectory)(nil)

// NewPostgresDirectory creates a directory for dimension backed by pool.
func NewPostgresDirectory(pool Pool, dimension *model.PartitionDimension, nodes NodeGetter, logger *zap.Logger) *PostgresDirectory {
	return &PostgresDirectory{
		pool:      pool,
		q:         pool,
		nodes:     nodes,
		dimension: dimension,
		logger:    logger,
	}
}

// Dimension returns the partition dimension served by this directory
func (d *PostgresDirectory) Dimension() *model.PartitionDimension {
	return d.dimension
}

// Ping checks the database connection
func (d *PostgresDirectory) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// EnsureSchema creates the primary, resource and secondary index tables of the dimension.
func (d *PostgresDirectory) EnsureSchema(ctx context.Context) error {
	dim := d.dimension
	statements := []string{fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id %s NOT NULL,
			node INTEGER NOT NULL,
			read_only BOOLEAN NOT NULL DEFAULT FALSE,
			last_updated TIMESTAMP NOT NULL DEFAULT NOW(),
			PRIMARY KEY (id, node)
		)`, dim.PrimaryTableName(), dim.ColumnType.SQLType()),
	}
	for _, r := range dim.Resources {
		if !r.IsPartitioningResource {
			statements = append(statements, fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id %s PRIMARY KEY,
					pkey %s NOT NULL
				)`, r.TableName(), r.ColumnType.SQLType(), dim.ColumnType.SQLType()),
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_pkey_idx ON %s (pkey)`, r.TableName(), r.TableName()),
			)
		}
		for _, idx := range r.SecondaryIndexes {
			statements = append(statements, fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id %s NOT NULL,
					resource_id %s NOT NULL,
					pkey %s NOT NULL,
					PRIMARY KEY (id, resource_id)
				)`, idx.TableName(), idx.ColumnType.SQLType(), r.ColumnType.SQLType(), dim.ColumnType.SQLType()),
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_rid_idx ON %s (resource_id)`, idx.TableName(), idx.TableName()),
			)
		}
	}

	for _, stmt := range statements {
		if _, err := d.q.Exec(ctx, stmt); err != nil {
			return hiveerrors.Storage("create directory schema", err)
		}
	}
	return nil
}

// InTx runs fn inside one database transaction.
func (d *PostgresDirectory) InTx(ctx context.Context, fn func(IndexWriter) error) error {
	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		return fn(&PostgresDirectory{
			pool:      d.pool,
			q:         tx,
			nodes:     d.nodes,
			dimension: d.dimension,
			logger:    d.logger,
		})
	})
}

// --- read side ---

func (d *PostgresDirectory) DoesPrimaryIndexKeyExist(ctx context.Context, key any) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, d.dimension.PrimaryTableName())
	var exists bool
	if err := d.q.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return false, hiveerrors.Storage("check primary index key", err)
	}
	return exists, nil
}

func (d *PostgresDirectory) GetNodeIDsOfPrimaryIndexKey(ctx context.Context, key any) ([]int, error) {
	semaphores, err := d.GetKeySemaphoresOfPrimaryIndexKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return nodeIDs(semaphores), nil
}

func (d *PostgresDirectory) GetKeySemaphoresOfPrimaryIndexKey(ctx context.Context, key any) ([]model.KeySemaphore, error) {
	query := fmt.Sprintf(`SELECT node, read_only FROM %s WHERE id = $1 ORDER BY node`, d.dimension.PrimaryTableName())
	semaphores, err := d.semaphores(ctx, query, key)
	if err != nil {
		return nil, hiveerrors.Storage("get semaphores of primary index key", err)
	}
	return semaphores, nil
}

func (d *PostgresDirectory) GetReadOnlyOfPrimaryIndexKey(ctx context.Context, key any) (bool, error) {
	semaphores, err := d.GetKeySemaphoresOfPrimaryIndexKey(ctx, key)
	if err != nil {
		return false, err
	}
	if len(semaphores) == 0 {
		return false, hiveerrors.KeyNotFound(d.dimension.PrimaryTableName(), key)
	}
	return anyReadOnly(semaphores), nil
}

func (d *PostgresDirectory) DoesSecondaryIndexKeyExist(ctx context.Context, index *model.SecondaryIndex, key, resourceID any) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1 AND resource_id = $2)`, index.TableName())
	var exists bool
	if err := d.q.QueryRow(ctx, query, key, resourceID).Scan(&exists); err != nil {
		return false, hiveerrors.Storage("check secondary index key", err)
	}
	return exists, nil
}

func (d *PostgresDirectory) GetNodeIDsOfSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key any) ([]int, error) {
	semaphores, err := d.GetKeySemaphoresOfSecondaryIndexKey(ctx, index, key)
	if err != nil {
		return nil, err
	}
	return nodeIDs(semaphores), nil
}

func (d *PostgresDirectory) GetKeySemaphoresOfSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key any) ([]model.KeySemaphore, error) {
	query := fmt.Sprintf(`
		SELECT DISTINCT p.node, p.read_only
		FROM %s s JOIN %s p ON p.id = s.pkey
		WHERE s.id = $1
		ORDER BY p.node
	`, index.TableName(), d.dimension.PrimaryTableName())
	semaphores, err := d.semaphores(ctx, query, key)
	if err != nil {
		return nil, hiveerrors.Storage("get semaphores of secondary index key", err)
	}
	return semaphores, nil
}

func (d *PostgresDirectory) GetPrimaryIndexKeysOfSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key any) ([]any, error) {
	query := fmt.Sprintf(`SELECT DISTINCT pkey FROM %s WHERE id = $1`, index.TableName())
	keys, err := collect(d.q.Query(ctx, query, key))
	if err != nil {
		return nil, hiveerrors.Storage("get primary index keys of secondary index key", err)
	}
	return keys, nil
}

func (d *PostgresDirectory) GetSecondaryIndexKeysOfResourceID(ctx context.Context, index *model.SecondaryIndex, resourceID any) ([]any, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE resource_id = $1`, index.TableName())
	keys, err := collect(d.q.Query(ctx, query, resourceID))
	if err != nil {
		return nil, hiveerrors.Storage("get secondary index keys of resource id", err)
	}
	return keys, nil
}

func (d *PostgresDirectory) DoesResourceIDExist(ctx context.Context, resource *model.Resource, id any) (bool, error) {
	if resource.IsPartitioningResource {
		return d.DoesPrimaryIndexKeyExist(ctx, id)
	}
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, resource.TableName())
	var exists bool
	if err := d.q.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, hiveerrors.Storage("check resource id", err)
	}
	return exists, nil
}

func (d *PostgresDirectory) GetPrimaryIndexKeyOfResourceID(ctx context.Context, resource *model.Resource, id any) (any, error) {
	if resource.IsPartitioningResource {
		return id, nil
	}
	query := fmt.Sprintf(`SELECT pkey FROM %s WHERE id = $1`, resource.TableName())
	var key any
	if err := d.q.QueryRow(ctx, query, id).Scan(&key); err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, hiveerrors.KeyNotFound(resource.TableName(), id)
		}
		return nil, hiveerrors.Storage("get primary index key of resource id", err)
	}
	return key, nil
}

func (d *PostgresDirectory) GetResourceIDsOfPrimaryIndexKey(ctx context.Context, resource *model.Resource, key any) ([]any, error) {
	if resource.IsPartitioningResource {
		return []any{key}, nil
	}
	query := fmt.Sprintf(`SELECT id FROM %s WHERE pkey = $1`, resource.TableName())
	ids, err := collect(d.q.Query(ctx, query, key))
	if err != nil {
		return nil, hiveerrors.Storage("get resource ids of primary index key", err)
	}
	return ids, nil
}

func (d *PostgresDirectory) GetKeySemaphoresOfResourceID(ctx context.Context, resource *model.Resource, id any) ([]model.KeySemaphore, error) {
	if resource.IsPartitioningResource {
		return d.GetKeySemaphoresOfPrimaryIndexKey(ctx, id)
	}
	query := fmt.Sprintf(`
		SELECT p.node, p.read_only
		FROM %s r JOIN %s p ON p.id = r.pkey
		WHERE r.id = $1
		ORDER BY p.node
	`, resource.TableName(), d.dimension.PrimaryTableName())
	semaphores, err := d.semaphores(ctx, query, id)
	if err != nil {
		return nil, hiveerrors.Storage("get semaphores of resource id", err)
	}
	return semaphores, nil
}

func (d *PostgresDirectory) GetReadOnlyOfResourceID(ctx context.Context, resource *model.Resource, id any) (bool, error) {
	semaphores, err := d.GetKeySemaphoresOfResourceID(ctx, resource, id)
	if err != nil {
		return false, err
	}
	if len(semaphores) == 0 {
		return false, hiveerrors.KeyNotFound(resource.TableName(), id)
	}
	return anyReadOnly(semaphores), nil
}

func (d *PostgresDirectory) semaphores(ctx context.Context, query string, args ...any) ([]model.KeySemaphore, error) {
	rows, err := d.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.KeySemaphore, error) {
		var s model.KeySemaphore
		err := row.Scan(&s.NodeID, &s.ReadOnly)
		return s, err
	})
}

// --- write side ---

func (d *PostgresDirectory) InsertPrimaryIndexKey(ctx context.Context, node *model.Node, key any) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, node, read_only, last_updated)
		VALUES ($1, $2, FALSE, NOW())
		ON CONFLICT (id, node) DO NOTHING
	`, d.dimension.PrimaryTableName())
	return d.insertPrimaryIndexKey(ctx, query, node, key)
}

func (d *PostgresDirectory) InsertLockedPrimaryIndexKey(ctx context.Context, node *model.Node, key any) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, node, read_only, last_updated)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (id, node) DO UPDATE SET read_only = TRUE, last_updated = NOW()
	`, d.dimension.PrimaryTableName())
	return d.insertPrimaryIndexKey(ctx, query, node, key)
}

func (d *PostgresDirectory) insertPrimaryIndexKey(ctx context.Context, query string, node *model.Node, key any) error {
	if err := d.checkNode(ctx, node); err != nil {
		return err
	}
	if _, err := d.q.Exec(ctx, query, key, node.ID); err != nil {
		return hiveerrors.Storage("insert primary index key", err)
	}
	return nil
}

// checkNode fails with a storage error unless node is registered in this dimension.
func (d *PostgresDirectory) checkNode(ctx context.Context, node *model.Node) error {
	known, err := d.nodes.GetNode(ctx, node.ID)
	if err != nil {
		if stderrors.Is(err, hiveerrors.ErrKeyNotFound) {
			return hiveerrors.Storage(fmt.Sprintf("insert primary index key: unknown node %d", node.ID), err)
		}
		return hiveerrors.Storage("insert primary index key: resolve node", err)
	}
	if known.PartitionDimensionID != d.dimension.ID {
		return hiveerrors.Storage(fmt.Sprintf("insert primary index key: node %d is not in dimension %s", node.ID, d.dimension.Name), nil)
	}
	return nil
}

func (d *PostgresDirectory) DeletePrimaryIndexKey(ctx context.Context, key any) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, d.dimension.PrimaryTableName())
	if _, err := d.q.Exec(ctx, query, key); err != nil {
		return hiveerrors.Storage("delete primary index key", err)
	}
	return nil
}

func (d *PostgresDirectory) UpdatePrimaryIndexKeyReadOnly(ctx context.Context, key any, readOnly bool) error {
	query := fmt.Sprintf(`UPDATE %s SET read_only = $2, last_updated = NOW() WHERE id = $1`, d.dimension.PrimaryTableName())
	result, err := d.q.Exec(ctx, query, key, readOnly)
	if err != nil {
		return hiveerrors.Storage("update read-only of primary index key", err)
	}
	if result.RowsAffected() == 0 {
		return hiveerrors.KeyNotFound(d.dimension.PrimaryTableName(), key)
	}
	return nil
}

func (d *PostgresDirectory) LockPrimaryIndexKey(ctx context.Context, key any) error {
	// FOR UPDATE serialises concurrent lockers; the loser re-reads the row
	// after the winner commits and sees it locked.
	query := fmt.Sprintf(`
		WITH current AS (SELECT read_only FROM %[1]s WHERE id = $1 FOR UPDATE)
		UPDATE %[1]s SET read_only = TRUE, last_updated = NOW()
		WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM current WHERE read_only)
	`, d.dimension.PrimaryTableName())
	result, err := d.q.Exec(ctx, query, key)
	if err != nil {
		return hiveerrors.Storage("lock primary index key", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}
	exists, err := d.DoesPrimaryIndexKeyExist(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return hiveerrors.KeyNotFound(d.dimension.PrimaryTableName(), key)
	}
	return hiveerrors.ReadOnlyViolation("primary index key", key)
}

func (d *PostgresDirectory) InsertSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key, resourceID, primaryKey any) (bool, error) {
	// xmax is zero only on rows this statement created.
	query := fmt.Sprintf(`
		INSERT INTO %s (id, resource_id, pkey) VALUES ($1, $2, $3)
		ON CONFLICT (id, resource_id) DO UPDATE SET pkey = EXCLUDED.pkey
		RETURNING (xmax = 0)
	`, index.TableName())
	var inserted bool
	if err := d.q.QueryRow(ctx, query, key, resourceID, primaryKey).Scan(&inserted); err != nil {
		return false, hiveerrors.Storage(fmt.Sprintf("insert secondary index key into %s", index), err)
	}
	return inserted, nil
}

func (d *PostgresDirectory) DeleteSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key, resourceID any) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND resource_id = $2`, index.TableName())
	result, err := d.q.Exec(ctx, query, key, resourceID)
	if err != nil {
		return 0, hiveerrors.Storage(fmt.Sprintf("delete secondary index key from %s", index), err)
	}
	return result.RowsAffected(), nil
}

func (d *PostgresDirectory) DeleteSecondaryIndexKeysOfResourceID(ctx context.Context, index *model.SecondaryIndex, resourceID any) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE resource_id = $1`, index.TableName())
	result, err := d.q.Exec(ctx, query, resourceID)
	if err != nil {
		return 0, hiveerrors.Storage(fmt.Sprintf("delete secondary index keys of resource id from %s", index), err)
	}
	return result.RowsAffected(), nil
}

func (d *PostgresDirectory) InsertResourceID(ctx context.Context, resource *model.Resource, id, primaryKey any) error {
	if resource.IsPartitioningResource {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, pkey) VALUES ($1, $2)`, resource.TableName())
	if _, err := d.q.Exec(ctx, query, id, primaryKey); err != nil {
		if isUniqueViolation(err) {
			return hiveerrors.Storage(fmt.Sprintf("insert resource id: %v already exists in %s", id, resource.TableName()), err)
		}
		return hiveerrors.Storage("insert resource id", err)
	}
	return nil
}

func (d *PostgresDirectory) DeleteResourceID(ctx context.Context, resource *model.Resource, id any) error {
	if resource.IsPartitioningResource {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, resource.TableName())
	if _, err := d.q.Exec(ctx, query, id); err != nil {
		return hiveerrors.Storage("delete resource id", err)
	}
	return nil
}

func (d *PostgresDirectory) UpdatePrimaryIndexKeyOfResourceID(ctx context.Context, resource *model.Resource, id, newPrimaryKey any) error {
	if resource.IsPartitioningResource {
		return hiveerrors.InvalidArgument(fmt.Sprintf("resource %s is the partitioning resource; its ids are primary index keys", resource.Name), nil)
	}
	query := fmt.Sprintf(`UPDATE %s SET pkey = $2 WHERE id = $1`, resource.TableName())
	result, err := d.q.Exec(ctx, query, id, newPrimaryKey)
	if err != nil {
		return hiveerrors.Storage("update primary index key of resource id", err)
	}
	if result.RowsAffected() == 0 {
		return hiveerrors.KeyNotFound(resource.TableName(), id)
	}
	for _, idx := range resource.SecondaryIndexes {
		query := fmt.Sprintf(`UPDATE %s SET pkey = $2 WHERE resource_id = $1`, idx.TableName())
		if _, err := d.q.Exec(ctx, query, id, newPrimaryKey); err != nil {
			return hiveerrors.Storage(fmt.Sprintf("update primary index key of %s", idx), err)
		}
	}
	return nil
}

func nodeIDs(semaphores []model.KeySemaphore) []int {
	ids := make([]int, 0, len(semaphores))
	for _, s := range semaphores {
		ids = append(ids, s.NodeID)
	}
	return ids
}
