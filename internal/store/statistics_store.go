package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/jackc/pgx/v5"
)

// StatisticsStore persists per-key child record counts of one partition dimension.
type StatisticsStore interface {
	Insert(ctx context.Context, stat model.PartitionKeyStatistics) error
	Update(ctx context.Context, stat model.PartitionKeyStatistics) error
	Delete(ctx context.Context, key any) error
	// FindByPrimaryIndexKey fails with KeyNotFound when no row exists.
	FindByPrimaryIndexKey(ctx context.Context, key any) (model.PartitionKeyStatistics, error)
	// FindByNodeID returns the statistics of every key placed on node.
	FindByNodeID(ctx context.Context, nodeID int) ([]model.PartitionKeyStatistics, error)
	// IncrementChildRecordCount creates the row on first use.
	IncrementChildRecordCount(ctx context.Context, key any, n int) error
	// DecrementChildRecordCount never drops below zero.
	DecrementChildRecordCount(ctx context.Context, key any, n int) error
	ListAll(ctx context.Context) ([]model.PartitionKeyStatistics, error)
}

// PostgresStatisticsStore implements StatisticsStore on the dimension's statistics table.
type PostgresStatisticsStore struct {
	q         Queryer
	dimension *model.PartitionDimension
}

var _ StatisticsStore = (*PostgresStatisticsStore)(nil)

// NewPostgresStatisticsStore creates a statistics store for dimension
func NewPostgresStatisticsStore(q Queryer, dimension *model.PartitionDimension) *PostgresStatisticsStore {
	return &PostgresStatisticsStore{q: q, dimension: dimension}
}

// EnsureSchema creates the statistics table
func (s *PostgresStatisticsStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id %s PRIMARY KEY,
			child_record_count INTEGER NOT NULL DEFAULT 0,
			last_updated TIMESTAMP NOT NULL DEFAULT NOW()
		)`, s.dimension.StatisticsTableName(), s.dimension.ColumnType.SQLType())
	if _, err := s.q.Exec(ctx, query); err != nil {
		return hiveerrors.Storage("create statistics schema", err)
	}
	return nil
}

func (s *PostgresStatisticsStore) Insert(ctx context.Context, stat model.PartitionKeyStatistics) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, child_record_count, last_updated) VALUES ($1, $2, $3)
	`, s.dimension.StatisticsTableName())
	if _, err := s.q.Exec(ctx, query, stat.PrimaryIndexKey, stat.ChildRecordCount, lastUpdated(stat)); err != nil {
		return hiveerrors.Storage("insert partition key statistics", err)
	}
	return nil
}

func (s *PostgresStatisticsStore) Update(ctx context.Context, stat model.PartitionKeyStatistics) error {
	query := fmt.Sprintf(`
		UPDATE %s SET child_record_count = $2, last_updated = $3 WHERE id = $1
	`, s.dimension.StatisticsTableName())
	result, err := s.q.Exec(ctx, query, stat.PrimaryIndexKey, stat.ChildRecordCount, lastUpdated(stat))
	if err != nil {
		return hiveerrors.Storage("update partition key statistics", err)
	}
	if result.RowsAffected() == 0 {
		return hiveerrors.KeyNotFound(s.dimension.StatisticsTableName(), stat.PrimaryIndexKey)
	}
	return nil
}

func (s *PostgresStatisticsStore) Delete(ctx context.Context, key any) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.dimension.StatisticsTableName())
	if _, err := s.q.Exec(ctx, query, key); err != nil {
		return hiveerrors.Storage("delete partition key statistics", err)
	}
	return nil
}

func (s *PostgresStatisticsStore) FindByPrimaryIndexKey(ctx context.Context, key any) (model.PartitionKeyStatistics, error) {
	query := fmt.Sprintf(`
		SELECT id, child_record_count, last_updated FROM %s WHERE id = $1
	`, s.dimension.StatisticsTableName())
	var stat model.PartitionKeyStatistics
	err := s.q.QueryRow(ctx, query, key).Scan(&stat.PrimaryIndexKey, &stat.ChildRecordCount, &stat.LastUpdated)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return stat, hiveerrors.KeyNotFound(s.dimension.StatisticsTableName(), key)
		}
		return stat, hiveerrors.Storage("find partition key statistics", err)
	}
	return stat, nil
}

func (s *PostgresStatisticsStore) FindByNodeID(ctx context.Context, nodeID int) ([]model.PartitionKeyStatistics, error) {
	query := fmt.Sprintf(`
		SELECT s.id, s.child_record_count, s.last_updated
		FROM %s s JOIN %s p ON p.id = s.id
		WHERE p.node = $1
		ORDER BY s.child_record_count, s.id
	`, s.dimension.StatisticsTableName(), s.dimension.PrimaryTableName())
	stats, err := s.list(ctx, query, nodeID)
	if err != nil {
		return nil, hiveerrors.Storage(fmt.Sprintf("find partition key statistics of node %d", nodeID), err)
	}
	return stats, nil
}

func (s *PostgresStatisticsStore) ListAll(ctx context.Context) ([]model.PartitionKeyStatistics, error) {
	query := fmt.Sprintf(`
		SELECT id, child_record_count, last_updated FROM %s ORDER BY child_record_count, id
	`, s.dimension.StatisticsTableName())
	stats, err := s.list(ctx, query)
	if err != nil {
		return nil, hiveerrors.Storage("list partition key statistics", err)
	}
	return stats, nil
}

func (s *PostgresStatisticsStore) IncrementChildRecordCount(ctx context.Context, key any, n int) error {
	table := s.dimension.StatisticsTableName()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, child_record_count, last_updated) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE
		SET child_record_count = %s.child_record_count + EXCLUDED.child_record_count,
		    last_updated = NOW()
	`, table, table)
	if _, err := s.q.Exec(ctx, query, key, n); err != nil {
		return hiveerrors.Storage("increment child record count", err)
	}
	return nil
}

func (s *PostgresStatisticsStore) DecrementChildRecordCount(ctx context.Context, key any, n int) error {
	query := fmt.Sprintf(`
		UPDATE %s SET child_record_count = GREATEST(child_record_count - $2, 0), last_updated = NOW()
		WHERE id = $1
	`, s.dimension.StatisticsTableName())
	if _, err := s.q.Exec(ctx, query, key, n); err != nil {
		return hiveerrors.Storage("decrement child record count", err)
	}
	return nil
}

func (s *PostgresStatisticsStore) list(ctx context.Context, query string, args ...any) ([]model.PartitionKeyStatistics, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PartitionKeyStatistics, error) {
		var stat model.PartitionKeyStatistics
		err := row.Scan(&stat.PrimaryIndexKey, &stat.ChildRecordCount, &stat.LastUpdated)
		return stat, err
	})
}

func lastUpdated(stat model.PartitionKeyStatistics) time.Time {
	if stat.LastUpdated.IsZero() {
		return time.Now()
	}
	return stat.LastUpdated
}

// MemoryStatisticsStore implements StatisticsStore in memory. Node membership
// of keys is resolved through the directory.
type MemoryStatisticsStore struct {
	resolver NodeResolver
	table    string
	clock    func() time.Time

	mu    sync.RWMutex
	stats map[string]model.PartitionKeyStatistics
}

var _ StatisticsStore = (*MemoryStatisticsStore)(nil)

// NewMemoryStatisticsStore creates an empty in-memory store
func NewMemoryStatisticsStore(dimension *model.PartitionDimension, resolver NodeResolver) *MemoryStatisticsStore {
	return &MemoryStatisticsStore{
		resolver: resolver,
		table:    dimension.StatisticsTableName(),
		clock:    time.Now,
		stats:    make(map[string]model.PartitionKeyStatistics),
	}
}

func (s *MemoryStatisticsStore) Insert(ctx context.Context, stat model.PartitionKeyStatistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := model.KeyString(stat.PrimaryIndexKey)
	if _, exists := s.stats[k]; exists {
		return hiveerrors.Storage(fmt.Sprintf("insert partition key statistics: %v already exists", stat.PrimaryIndexKey), nil)
	}
	if stat.LastUpdated.IsZero() {
		stat.LastUpdated = s.clock()
	}
	s.stats[k] = stat
	return nil
}

func (s *MemoryStatisticsStore) Update(ctx context.Context, stat model.PartitionKeyStatistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := model.KeyString(stat.PrimaryIndexKey)
	if _, exists := s.stats[k]; !exists {
		return hiveerrors.KeyNotFound(s.table, stat.PrimaryIndexKey)
	}
	if stat.LastUpdated.IsZero() {
		stat.LastUpdated = s.clock()
	}
	s.stats[k] = stat
	return nil
}

func (s *MemoryStatisticsStore) Delete(ctx context.Context, key any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stats, model.KeyString(key))
	return nil
}

func (s *MemoryStatisticsStore) FindByPrimaryIndexKey(ctx context.Context, key any) (model.PartitionKeyStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stat, ok := s.stats[model.KeyString(key)]
	if !ok {
		return stat, hiveerrors.KeyNotFound(s.table, key)
	}
	return stat, nil
}

func (s *MemoryStatisticsStore) FindByNodeID(ctx context.Context, nodeID int) ([]model.PartitionKeyStatistics, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.PartitionKeyStatistics, 0)
	for _, stat := range all {
		nodes, err := s.resolver.GetNodeIDsOfPrimaryIndexKey(ctx, stat.PrimaryIndexKey)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if n == nodeID {
				out = append(out, stat)
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStatisticsStore) ListAll(ctx context.Context) ([]model.PartitionKeyStatistics, error) {
	s.mu.RLock()
	out := make([]model.PartitionKeyStatistics, 0, len(s.stats))
	for _, stat := range s.stats {
		out = append(out, stat)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ChildRecordCount != out[j].ChildRecordCount {
			return out[i].ChildRecordCount < out[j].ChildRecordCount
		}
		return model.KeyString(out[i].PrimaryIndexKey) < model.KeyString(out[j].PrimaryIndexKey)
	})
	return out, nil
}

func (s *MemoryStatisticsStore) IncrementChildRecordCount(ctx context.Context, key any, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := model.KeyString(key)
	stat, ok := s.stats[k]
	if !ok {
		stat = model.PartitionKeyStatistics{PrimaryIndexKey: key}
	}
	stat.ChildRecordCount += n
	stat.LastUpdated = s.clock()
	s.stats[k] = stat
	return nil
}

func (s *MemoryStatisticsStore) DecrementChildRecordCount(ctx context.Context, key any, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := model.KeyString(key)
	stat, ok := s.stats[k]
	if !ok {
		return nil
	}
	stat.ChildRecordCount -= n
	if stat.ChildRecordCount < 0 {
		stat.ChildRecordCount = 0
	}
	stat.LastUpdated = s.clock()
	s.stats[k] = stat
	return nil
}
