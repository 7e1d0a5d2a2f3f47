package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/model"
)

// MemoryDirectory implements Directory in process memory. Transactions apply
// to a cloned state that replaces the live one only when the transaction
// function succeeds.
type MemoryDirectory struct {
	dimension *model.PartitionDimension

	mu    sync.RWMutex
	state *memoryState
}

var _ Directory = (*MemoryDirectory)(nil)

type primaryEntry struct {
	key        any
	semaphores map[int]bool // node id -> read-only
}

type resourceEntry struct {
	id         any
	primaryKey any
}

type secondaryEntry struct {
	key        any
	resourceID any
	primaryKey any
}

type memoryState struct {
	nodes     map[int]bool
	primary   map[string]*primaryEntry
	resources map[string]map[string]resourceEntry  // table -> id
	secondary map[string]map[string]secondaryEntry // table -> key/resource id
}

// NewMemoryDirectory creates an empty directory for dimension. Nodes must be
// registered before keys can be placed on them.
func NewMemoryDirectory(dimension *model.PartitionDimension, nodes ...*model.Node) *MemoryDirectory {
	state := &memoryState{
		nodes:     make(map[int]bool),
		primary:   make(map[string]*primaryEntry),
		resources: make(map[string]map[string]resourceEntry),
		secondary: make(map[string]map[string]secondaryEntry),
	}
	for _, r := range dimension.Resources {
		if !r.IsPartitioningResource {
			state.resources[r.TableName()] = make(map[string]resourceEntry)
		}
		for _, idx := range r.SecondaryIndexes {
			state.secondary[idx.TableName()] = make(map[string]secondaryEntry)
		}
	}
	for _, n := range nodes {
		state.nodes[n.ID] = true
	}
	return &MemoryDirectory{dimension: dimension, state: state}
}

// RegisterNode makes node a valid placement target.
func (d *MemoryDirectory) RegisterNode(node *model.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.nodes[node.ID] = true
}

// Dimension returns the partition dimension served by this directory
func (d *MemoryDirectory) Dimension() *model.PartitionDimension {
	return d.dimension
}

// Ping always succeeds
func (d *MemoryDirectory) Ping(ctx context.Context) error {
	return nil
}

// InTx applies fn to a clone of the state and swaps it in on success.
func (d *MemoryDirectory) InTx(ctx context.Context, fn func(IndexWriter) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	clone := d.state.clone()
	tx := &memoryWriter{dimension: d.dimension, state: clone}
	if err := fn(tx); err != nil {
		return err
	}
	d.state = clone
	return nil
}

func (d *MemoryDirectory) read(fn func(s *memoryState) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fn(d.state)
}

func (d *MemoryDirectory) write(fn func(w *memoryWriter) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(&memoryWriter{dimension: d.dimension, state: d.state})
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		nodes:     make(map[int]bool, len(s.nodes)),
		primary:   make(map[string]*primaryEntry, len(s.primary)),
		resources: make(map[string]map[string]resourceEntry, len(s.resources)),
		secondary: make(map[string]map[string]secondaryEntry, len(s.secondary)),
	}
	for id := range s.nodes {
		c.nodes[id] = true
	}
	for k, e := range s.primary {
		sems := make(map[int]bool, len(e.semaphores))
		for n, ro := range e.semaphores {
			sems[n] = ro
		}
		c.primary[k] = &primaryEntry{key: e.key, semaphores: sems}
	}
	for table, rows := range s.resources {
		m := make(map[string]resourceEntry, len(rows))
		for k, v := range rows {
			m[k] = v
		}
		c.resources[table] = m
	}
	for table, rows := range s.secondary {
		m := make(map[string]secondaryEntry, len(rows))
		for k, v := range rows {
			m[k] = v
		}
		c.secondary[table] = m
	}
	return c
}

func (s *memoryState) semaphoresOf(key any) []model.KeySemaphore {
	e, ok := s.primary[model.KeyString(key)]
	if !ok {
		return []model.KeySemaphore{}
	}
	out := make([]model.KeySemaphore, 0, len(e.semaphores))
	for n, ro := range e.semaphores {
		out = append(out, model.KeySemaphore{NodeID: n, ReadOnly: ro})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (s *memoryState) resourceTable(resource *model.Resource) (map[string]resourceEntry, error) {
	rows, ok := s.resources[resource.TableName()]
	if !ok {
		return nil, hiveerrors.Storage(fmt.Sprintf("relation %s does not exist", resource.TableName()), nil)
	}
	return rows, nil
}

func (s *memoryState) secondaryTable(index *model.SecondaryIndex) (map[string]secondaryEntry, error) {
	rows, ok := s.secondary[index.TableName()]
	if !ok {
		return nil, hiveerrors.Storage(fmt.Sprintf("relation %s does not exist", index.TableName()), nil)
	}
	return rows, nil
}

func secondaryRowKey(key, resourceID any) string {
	return model.KeyString(key) + "\x00" + model.KeyString(resourceID)
}

// --- read side ---

func (d *MemoryDirectory) DoesPrimaryIndexKeyExist(ctx context.Context, key any) (bool, error) {
	var exists bool
	err := d.read(func(s *memoryState) error {
		e, ok := s.primary[model.KeyString(key)]
		exists = ok && len(e.semaphores) > 0
		return nil
	})
	return exists, err
}

func (d *MemoryDirectory) GetNodeIDsOfPrimaryIndexKey(ctx context.Context, key any) ([]int, error) {
	semaphores, err := d.GetKeySemaphoresOfPrimaryIndexKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return nodeIDs(semaphores), nil
}

func (d *MemoryDirectory) GetKeySemaphoresOfPrimaryIndexKey(ctx context.Context, key any) ([]model.KeySemaphore, error) {
	var out []model.KeySemaphore
	err := d.read(func(s *memoryState) error {
		out = s.semaphoresOf(key)
		return nil
	})
	return out, err
}

func (d *MemoryDirectory) GetReadOnlyOfPrimaryIndexKey(ctx context.Context, key any) (bool, error) {
	semaphores, err := d.GetKeySemaphoresOfPrimaryIndexKey(ctx, key)
	if err != nil {
		return false, err
	}
	if len(semaphores) == 0 {
		return false, hiveerrors.KeyNotFound(d.dimension.PrimaryTableName(), key)
	}
	return anyReadOnly(semaphores), nil
}

func (d *MemoryDirectory) DoesSecondaryIndexKeyExist(ctx context.Context, index *model.SecondaryIndex, key, resourceID any) (bool, error) {
	var exists bool
	err := d.read(func(s *memoryState) error {
		rows, err := s.secondaryTable(index)
		if err != nil {
			return err
		}
		_, exists = rows[secondaryRowKey(key, resourceID)]
		return nil
	})
	return exists, err
}

func (d *MemoryDirectory) GetNodeIDsOfSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key any) ([]int, error) {
	semaphores, err := d.GetKeySemaphoresOfSecondaryIndexKey(ctx, index, key)
	if err != nil {
		return nil, err
	}
	return nodeIDs(semaphores), nil
}

func (d *MemoryDirectory) GetKeySemaphoresOfSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key any) ([]model.KeySemaphore, error) {
	out := []model.KeySemaphore{}
	err := d.read(func(s *memoryState) error {
		rows, err := s.secondaryTable(index)
		if err != nil {
			return err
		}
		seen := map[model.KeySemaphore]bool{}
		for _, row := range rows {
			if model.KeyString(row.key) != model.KeyString(key) {
				continue
			}
			for _, sem := range s.semaphoresOf(row.primaryKey) {
				if !seen[sem] {
					seen[sem] = true
					out = append(out, sem)
				}
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
		return nil
	})
	return out, err
}

func (d *MemoryDirectory) GetPrimaryIndexKeysOfSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key any) ([]any, error) {
	out := []any{}
	err := d.read(func(s *memoryState) error {
		rows, err := s.secondaryTable(index)
		if err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, row := range rows {
			pk := model.KeyString(row.primaryKey)
			if model.KeyString(row.key) == model.KeyString(key) && !seen[pk] {
				seen[pk] = true
				out = append(out, row.primaryKey)
			}
		}
		return nil
	})
	return out, err
}

func (d *MemoryDirectory) GetSecondaryIndexKeysOfResourceID(ctx context.Context, index *model.SecondaryIndex, resourceID any) ([]any, error) {
	out := []any{}
	err := d.read(func(s *memoryState) error {
		rows, err := s.secondaryTable(index)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if model.KeyString(row.resourceID) == model.KeyString(resourceID) {
				out = append(out, row.key)
			}
		}
		return nil
	})
	return out, err
}

func (d *MemoryDirectory) DoesResourceIDExist(ctx context.Context, resource *model.Resource, id any) (bool, error) {
	if resource.IsPartitioningResource {
		return d.DoesPrimaryIndexKeyExist(ctx, id)
	}
	var exists bool
	err := d.read(func(s *memoryState) error {
		rows, err := s.resourceTable(resource)
		if err != nil {
			return err
		}
		_, exists = rows[model.KeyString(id)]
		return nil
	})
	return exists, err
}

func (d *MemoryDirectory) GetPrimaryIndexKeyOfResourceID(ctx context.Context, resource *model.Resource, id any) (any, error) {
	if resource.IsPartitioningResource {
		return id, nil
	}
	var key any
	err := d.read(func(s *memoryState) error {
		rows, err := s.resourceTable(resource)
		if err != nil {
			return err
		}
		row, ok := rows[model.KeyString(id)]
		if !ok {
			return hiveerrors.KeyNotFound(resource.TableName(), id)
		}
		key = row.primaryKey
		return nil
	})
	return key, err
}

func (d *MemoryDirectory) GetResourceIDsOfPrimaryIndexKey(ctx context.Context, resource *model.Resource, key any) ([]any, error) {
	if resource.IsPartitioningResource {
		return []any{key}, nil
	}
	out := []any{}
	err := d.read(func(s *memoryState) error {
		rows, err := s.resourceTable(resource)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if model.KeyString(row.primaryKey) == model.KeyString(key) {
				out = append(out, row.id)
			}
		}
		return nil
	})
	return out, err
}

func (d *MemoryDirectory) GetKeySemaphoresOfResourceID(ctx context.Context, resource *model.Resource, id any) ([]model.KeySemaphore, error) {
	key, err := d.GetPrimaryIndexKeyOfResourceID(ctx, resource, id)
	if err != nil {
		if hiveerrors.GetCode(err) == hiveerrors.ErrCodeKeyNotFound {
			return []model.KeySemaphore{}, nil
		}
		return nil, err
	}
	return d.GetKeySemaphoresOfPrimaryIndexKey(ctx, key)
}

func (d *MemoryDirectory) GetReadOnlyOfResourceID(ctx context.Context, resource *model.Resource, id any) (bool, error) {
	semaphores, err := d.GetKeySemaphoresOfResourceID(ctx, resource, id)
	if err != nil {
		return false, err
	}
	if len(semaphores) == 0 {
		return false, hiveerrors.KeyNotFound(resource.TableName(), id)
	}
	return anyReadOnly(semaphores), nil
}

// --- write side ---

func (d *MemoryDirectory) InsertPrimaryIndexKey(ctx context.Context, node *model.Node, key any) error {
	return d.write(func(w *memoryWriter) error { return w.InsertPrimaryIndexKey(ctx, node, key) })
}

func (d *MemoryDirectory) InsertLockedPrimaryIndexKey(ctx context.Context, node *model.Node, key any) error {
	return d.write(func(w *memoryWriter) error { return w.InsertLockedPrimaryIndexKey(ctx, node, key) })
}

func (d *MemoryDirectory) DeletePrimaryIndexKey(ctx context.Context, key any) error {
	return d.write(func(w *memoryWriter) error { return w.DeletePrimaryIndexKey(ctx, key) })
}

func (d *MemoryDirectory) UpdatePrimaryIndexKeyReadOnly(ctx context.Context, key any, readOnly bool) error {
	return d.write(func(w *memoryWriter) error { return w.UpdatePrimaryIndexKeyReadOnly(ctx, key, readOnly) })
}

func (d *MemoryDirectory) LockPrimaryIndexKey(ctx context.Context, key any) error {
	return d.write(func(w *memoryWriter) error { return w.LockPrimaryIndexKey(ctx, key) })
}

func (d *MemoryDirectory) InsertSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key, resourceID, primaryKey any) (bool, error) {
	var inserted bool
	err := d.write(func(w *memoryWriter) (err error) {
		inserted, err = w.InsertSecondaryIndexKey(ctx, index, key, resourceID, primaryKey)
		return err
	})
	return inserted, err
}

func (d *MemoryDirectory) DeleteSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key, resourceID any) (int64, error) {
	var n int64
	err := d.write(func(w *memoryWriter) (err error) {
		n, err = w.DeleteSecondaryIndexKey(ctx, index, key, resourceID)
		return err
	})
	return n, err
}

func (d *MemoryDirectory) DeleteSecondaryIndexKeysOfResourceID(ctx context.Context, index *model.SecondaryIndex, resourceID any) (int64, error) {
	var n int64
	err := d.write(func(w *memoryWriter) (err error) {
		n, err = w.DeleteSecondaryIndexKeysOfResourceID(ctx, index, resourceID)
		return err
	})
	return n, err
}

func (d *MemoryDirectory) InsertResourceID(ctx context.Context, resource *model.Resource, id, primaryKey any) error {
	return d.write(func(w *memoryWriter) error { return w.InsertResourceID(ctx, resource, id, primaryKey) })
}

func (d *MemoryDirectory) DeleteResourceID(ctx context.Context, resource *model.Resource, id any) error {
	return d.write(func(w *memoryWriter) error { return w.DeleteResourceID(ctx, resource, id) })
}

func (d *MemoryDirectory) UpdatePrimaryIndexKeyOfResourceID(ctx context.Context, resource *model.Resource, id, newPrimaryKey any) error {
	return d.write(func(w *memoryWriter) error {
		return w.UpdatePrimaryIndexKeyOfResourceID(ctx, resource, id, newPrimaryKey)
	})
}

// memoryWriter mutates a memoryState. The caller holds the directory's write lock.
type memoryWriter struct {
	dimension *model.PartitionDimension
	state     *memoryState
}

var _ IndexWriter = (*memoryWriter)(nil)

func (w *memoryWriter) InsertPrimaryIndexKey(ctx context.Context, node *model.Node, key any) error {
	return w.insertPrimaryIndexKey(node, key, false)
}

func (w *memoryWriter) InsertLockedPrimaryIndexKey(ctx context.Context, node *model.Node, key any) error {
	return w.insertPrimaryIndexKey(node, key, true)
}

func (w *memoryWriter) insertPrimaryIndexKey(node *model.Node, key any, readOnly bool) error {
	if !w.state.nodes[node.ID] {
		return hiveerrors.Storage(fmt.Sprintf("insert primary index key: unknown node %d", node.ID), nil)
	}
	k := model.KeyString(key)
	e, ok := w.state.primary[k]
	if !ok {
		e = &primaryEntry{key: key, semaphores: make(map[int]bool)}
		w.state.primary[k] = e
	}
	if current, exists := e.semaphores[node.ID]; !exists || readOnly {
		e.semaphores[node.ID] = current || readOnly
	}
	return nil
}

func (w *memoryWriter) DeletePrimaryIndexKey(ctx context.Context, key any) error {
	delete(w.state.primary, model.KeyString(key))
	return nil
}

func (w *memoryWriter) UpdatePrimaryIndexKeyReadOnly(ctx context.Context, key any, readOnly bool) error {
	e, ok := w.state.primary[model.KeyString(key)]
	if !ok || len(e.semaphores) == 0 {
		return hiveerrors.KeyNotFound(w.dimension.PrimaryTableName(), key)
	}
	for n := range e.semaphores {
		e.semaphores[n] = readOnly
	}
	return nil
}

func (w *memoryWriter) LockPrimaryIndexKey(ctx context.Context, key any) error {
	e, ok := w.state.primary[model.KeyString(key)]
	if !ok || len(e.semaphores) == 0 {
		return hiveerrors.KeyNotFound(w.dimension.PrimaryTableName(), key)
	}
	for _, ro := range e.semaphores {
		if ro {
			return hiveerrors.ReadOnlyViolation("primary index key", key)
		}
	}
	for n := range e.semaphores {
		e.semaphores[n] = true
	}
	return nil
}

func (w *memoryWriter) InsertSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key, resourceID, primaryKey any) (bool, error) {
	rows, err := w.state.secondaryTable(index)
	if err != nil {
		return false, err
	}
	rk := secondaryRowKey(key, resourceID)
	_, exists := rows[rk]
	rows[rk] = secondaryEntry{key: key, resourceID: resourceID, primaryKey: primaryKey}
	return !exists, nil
}

func (w *memoryWriter) DeleteSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key, resourceID any) (int64, error) {
	rows, err := w.state.secondaryTable(index)
	if err != nil {
		return 0, err
	}
	rk := secondaryRowKey(key, resourceID)
	if _, ok := rows[rk]; !ok {
		return 0, nil
	}
	delete(rows, rk)
	return 1, nil
}

func (w *memoryWriter) DeleteSecondaryIndexKeysOfResourceID(ctx context.Context, index *model.SecondaryIndex, resourceID any) (int64, error) {
	rows, err := w.state.secondaryTable(index)
	if err != nil {
		return 0, err
	}
	var n int64
	for k, row := range rows {
		if model.KeyString(row.resourceID) == model.KeyString(resourceID) {
			delete(rows, k)
			n++
		}
	}
	return n, nil
}

func (w *memoryWriter) InsertResourceID(ctx context.Context, resource *model.Resource, id, primaryKey any) error {
	if resource.IsPartitioningResource {
		return nil
	}
	rows, err := w.state.resourceTable(resource)
	if err != nil {
		return err
	}
	k := model.KeyString(id)
	if _, exists := rows[k]; exists {
		return hiveerrors.Storage(fmt.Sprintf("insert resource id: %v already exists in %s", id, resource.TableName()), nil)
	}
	rows[k] = resourceEntry{id: id, primaryKey: primaryKey}
	return nil
}

func (w *memoryWriter) DeleteResourceID(ctx context.Context, resource *model.Resource, id any) error {
	if resource.IsPartitioningResource {
		return nil
	}
	rows, err := w.state.resourceTable(resource)
	if err != nil {
		return err
	}
	delete(rows, model.KeyString(id))
	return nil
}

func (w *memoryWriter) UpdatePrimaryIndexKeyOfResourceID(ctx context.Context, resource *model.Resource, id, newPrimaryKey any) error {
	if resource.IsPartitioningResource {
		return hiveerrors.InvalidArgument(fmt.Sprintf("resource %s is the partitioning resource; its ids are primary index keys", resource.Name), nil)
	}
	rows, err := w.state.resourceTable(resource)
	if err != nil {
		return err
	}
	k := model.KeyString(id)
	row, ok := rows[k]
	if !ok {
		return hiveerrors.KeyNotFound(resource.TableName(), id)
	}
	row.primaryKey = newPrimaryKey
	rows[k] = row
	for _, idx := range resource.SecondaryIndexes {
		srows, err := w.state.secondaryTable(idx)
		if err != nil {
			return err
		}
		for sk, srow := range srows {
			if model.KeyString(srow.resourceID) == k {
				srow.primaryKey = newPrimaryKey
				srows[sk] = srow
			}
		}
	}
	return nil
}
