package migration

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/metrics"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/britt/hivedb-sub003/internal/stats"
	"github.com/britt/hivedb-sub003/internal/store"
	"go.uber.org/zap"
)

// Migrator moves a primary index key and every record depending on it from
// its current nodes to a new node set.
//
// The protocol is lock, resolve origins, read, copy, swing, cascade delete,
// unlock. A failure before the swing leaves the directory pointing at the
// origins; a failure after it leaves the directory pointing at the
// destinations. The lock fails when the key is already read-only, so two
// migrations of one key never overlap; once taken it is released on every path.
type Migrator struct {
	directory store.Directory
	nodes     NodeLookup
	mover     Mover
	counters  *stats.Registry
	metrics   *metrics.Metrics
	logger    *zap.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

// Option configures a Migrator
type Option func(*Migrator)

// WithRand sets the random source used to elect the authority origin.
func WithRand(r *rand.Rand) Option {
	return func(m *Migrator) { m.rand = r }
}

// NewMigrator creates a migrator for the dimension served by directory.
// mover handles the dimension's primary records.
func NewMigrator(
	directory store.Directory,
	nodes NodeLookup,
	mover Mover,
	counters *stats.Registry,
	recorder *metrics.Metrics,
	logger *zap.Logger,
	opts ...Option,
) *Migrator {
	m := &Migrator{
		directory: directory,
		nodes:     nodes,
		mover:     mover,
		counters:  counters,
		metrics:   recorder,
		logger:    logger,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// nodeError attributes a failure to the node it happened on.
type nodeError struct {
	node *model.Node
	err  error
}

func (e *nodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.node.Name, e.err)
}

func (e *nodeError) Unwrap() error {
	return e.err
}

// Migrate moves key to the nodes in destinationNodeIDs.
func (m *Migrator) Migrate(ctx context.Context, key any, destinationNodeIDs []int) error {
	start := time.Now()
	m.logger.Info("Migration started",
		zap.String("dimension", m.directory.Dimension().Name),
		zap.Any("primary_key", key),
		zap.Ints("destinations", destinationNodeIDs))

	err := m.migrate(ctx, key, destinationNodeIDs)
	m.record(key, err, time.Since(start))
	return err
}

// MigrateAll runs a plan in execution order and stops at the first failure.
func (m *Migrator) MigrateAll(ctx context.Context, migrations []*model.Migration) error {
	ordered := make([]*model.Migration, len(migrations))
	copy(ordered, migrations)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	dimension := m.directory.Dimension().Name
	for i, mig := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		if mig.PartitionDimension != "" && mig.PartitionDimension != dimension {
			return hiveerrors.InvalidArgument(fmt.Sprintf("%s belongs to dimension %s, not %s", mig, mig.PartitionDimension, dimension), nil)
		}
		if err := m.Migrate(ctx, mig.PrimaryIndexKey, mig.DestinationNodeIDs); err != nil {
			return fmt.Errorf("migration %d of %d (%s): %w", i+1, len(ordered), mig.MigrationID, err)
		}
	}
	return nil
}

func (m *Migrator) migrate(ctx context.Context, key any, destinationNodeIDs []int) (err error) {
	if len(destinationNodeIDs) == 0 {
		return hiveerrors.InvalidArgument(fmt.Sprintf("migration of key %v has no destination", key), nil)
	}
	destinations, err := m.resolveNodes(ctx, destinationNodeIDs)
	if err != nil {
		return hiveerrors.InvalidArgument(fmt.Sprintf("migration of key %v has an unknown destination", key), err)
	}
	destNames := names(destinations)

	// Lock
	if err := m.directory.LockPrimaryIndexKey(ctx, key); err != nil {
		msg := "could not lock key"
		if stderrors.Is(err, hiveerrors.ErrReadOnly) {
			msg = "key is already locked"
		}
		return hiveerrors.MigrationFailed(string(model.MigrationPhaseLock), key, destNames, msg, err)
	}
	m.metrics.KeyLocked()
	defer func() {
		if uerr := m.unlock(key); uerr != nil && err == nil {
			err = hiveerrors.MigrationFailed(string(model.MigrationPhaseUnlock), key, destNames, "key is left read-only", uerr)
		}
	}()

	// Resolve origins
	originIDs, err := m.directory.GetNodeIDsOfPrimaryIndexKey(ctx, key)
	if err != nil {
		return hiveerrors.MigrationFailed(string(model.MigrationPhaseResolve), key, destNames, "could not resolve origin nodes", err)
	}
	if len(originIDs) == 0 {
		return hiveerrors.MigrationFailed(string(model.MigrationPhaseResolve), key, destNames, "key has no origin node", nil)
	}
	origins, err := m.resolveNodes(ctx, originIDs)
	if err != nil {
		return hiveerrors.MigrationFailed(string(model.MigrationPhaseResolve), key, destNames, "could not resolve origin nodes", err)
	}
	authority := origins[m.intn(len(origins))]

	// Read
	item, err := m.mover.Get(ctx, key, authority)
	if err != nil {
		return hiveerrors.MigrationFailed(string(model.MigrationPhaseRead), key, []string{authority.Name}, "could not read primary record", err)
	}

	// Copy to every destination that does not already hold the key
	targets := exclude(destinations, origins)
	if err := m.copyTree(ctx, m.mover, item, key, authority, targets); err != nil {
		return hiveerrors.MigrationFailed(string(model.MigrationPhaseCopy), key, failedNodes(err, targets),
			"copy failed, records may be orphaned on the destination", err)
	}

	// Swing
	if err := m.swing(ctx, key, origins, destinations); err != nil {
		return hiveerrors.MigrationFailed(string(model.MigrationPhaseSwing), key, failedNodes(err, destinations),
			"directory update failed, origin placement restored on a best-effort basis; key may be orphaned", err)
	}

	// Cascade delete from every origin that is not also a destination
	for _, origin := range exclude(origins, destinations) {
		if err := m.deleteTree(ctx, m.mover, key, origin); err != nil {
			return hiveerrors.MigrationFailed(string(model.MigrationPhaseCascadeDelete), key, []string{origin.Name},
				"delete failed, stale records remain on the origin", err)
		}
	}

	m.logger.Info("Migration completed",
		zap.Any("primary_key", key),
		zap.String("authority", authority.Name),
		zap.Strings("origins", names(origins)),
		zap.Strings("destinations", destNames))
	return nil
}

// copyTree copies item to every destination, then each dependency's child
// records in declared order.
func (m *Migrator) copyTree(ctx context.Context, mover Mover, item, key any, source *model.Node, destinations []*model.Node) error {
	for _, dest := range destinations {
		if err := mover.Copy(ctx, item, dest); err != nil {
			return &nodeError{node: dest, err: fmt.Errorf("copy %v: %w", key, err)}
		}
	}
	for _, dep := range mover.Dependencies() {
		childKeys, err := dep.Locator.FindAll(ctx, key, source)
		if err != nil {
			return &nodeError{node: source, err: fmt.Errorf("locate children of %v: %w", key, err)}
		}
		for _, childKey := range childKeys {
			child, err := dep.Mover.Get(ctx, childKey, source)
			if err != nil {
				return &nodeError{node: source, err: fmt.Errorf("read %v: %w", childKey, err)}
			}
			if err := m.copyTree(ctx, dep.Mover, child, childKey, source, destinations); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteTree deletes the dependencies of key in reverse declared order, then key itself.
func (m *Migrator) deleteTree(ctx context.Context, mover Mover, key any, node *model.Node) error {
	deps := mover.Dependencies()
	for i := len(deps) - 1; i >= 0; i-- {
		childKeys, err := deps[i].Locator.FindAll(ctx, key, node)
		if err != nil {
			return fmt.Errorf("locate children of %v: %w", key, err)
		}
		for _, childKey := range childKeys {
			if err := m.deleteTree(ctx, deps[i].Mover, childKey, node); err != nil {
				return err
			}
		}
	}

	item, err := mover.Get(ctx, key, node)
	if err != nil {
		return fmt.Errorf("read %v: %w", key, err)
	}
	if err := mover.Delete(ctx, item, node); err != nil {
		return fmt.Errorf("delete %v: %w", key, err)
	}
	return nil
}

// swing replaces the key's semaphores with the destinations. The new
// semaphores are written locked so the key stays read-only until unlock. On
// failure the origin semaphores are put back; errors of that compensation are
// logged and dropped.
func (m *Migrator) swing(ctx context.Context, key any, origins, destinations []*model.Node) error {
	if err := m.directory.DeletePrimaryIndexKey(ctx, key); err != nil {
		m.compensate(ctx, key, origins)
		return err
	}
	for _, dest := range destinations {
		if err := m.directory.InsertLockedPrimaryIndexKey(ctx, dest, key); err != nil {
			m.compensate(ctx, key, origins)
			return &nodeError{node: dest, err: err}
		}
	}
	return nil
}

func (m *Migrator) compensate(ctx context.Context, key any, origins []*model.Node) {
	ctx = context.WithoutCancel(ctx)
	if err := m.directory.DeletePrimaryIndexKey(ctx, key); err != nil {
		m.logger.Error("Compensation could not clear partial placement",
			zap.Any("primary_key", key),
			zap.Error(err))
	}
	for _, origin := range origins {
		if err := m.directory.InsertLockedPrimaryIndexKey(ctx, origin, key); err != nil {
			m.logger.Error("Compensation could not restore origin placement",
				zap.Any("primary_key", key),
				zap.String("node", origin.Name),
				zap.Error(err))
		}
	}
}

func (m *Migrator) unlock(key any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.metrics.KeyUnlocked()
	if err := m.directory.UpdatePrimaryIndexKeyReadOnly(ctx, key, false); err != nil {
		m.logger.Error("Failed to unlock key",
			zap.Any("primary_key", key),
			zap.Error(err))
		return err
	}
	return nil
}

func (m *Migrator) record(key any, err error, elapsed time.Duration) {
	phase := hiveerrors.Phase(err)
	m.metrics.RecordMigration(phase, err, elapsed.Seconds())
	m.counters.Counter(stats.CounterMigrationDuration).Add(elapsed.Milliseconds())

	if err != nil {
		m.counters.Counter(stats.CounterMigrationsFailed).Increment()
		m.logger.Error("Migration failed",
			zap.Any("primary_key", key),
			zap.String("phase", phase),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return
	}
	m.counters.Counter(stats.CounterMigrationsSucceeded).Increment()
}

func (m *Migrator) intn(n int) int {
	m.randMu.Lock()
	defer m.randMu.Unlock()
	return m.rand.Intn(n)
}

func (m *Migrator) resolveNodes(ctx context.Context, ids []int) ([]*model.Node, error) {
	nodes := make([]*model.Node, 0, len(ids))
	for _, id := range ids {
		n, err := m.nodes.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func exclude(nodes, remove []*model.Node) []*model.Node {
	out := make([]*model.Node, 0, len(nodes))
	for _, n := range nodes {
		found := false
		for _, r := range remove {
			if r.ID == n.ID {
				found = true
				break
			}
		}
		if !found {
			out = append(out, n)
		}
	}
	return out
}

func names(nodes []*model.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}

func failedNodes(err error, fallback []*model.Node) []string {
	var ne *nodeError
	if stderrors.As(err, &ne) {
		return []string{ne.node.Name}
	}
	return names(fallback)
}
