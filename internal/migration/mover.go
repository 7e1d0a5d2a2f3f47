package migration

import (
	"context"

	"github.com/britt/hivedb-sub003/internal/model"
)

// Mover reads, writes and deletes one record type on one node. Records are
// opaque to the migrator.
type Mover interface {
	Get(ctx context.Context, id any, node *model.Node) (any, error)
	Copy(ctx context.Context, item any, node *model.Node) error
	Delete(ctx context.Context, item any, node *model.Node) error
	// Dependencies lists the records that move with this one, in copy order.
	Dependencies() []Dependency
}

// KeyLocator finds the keys of child records owned by a parent key on a node.
type KeyLocator interface {
	FindAll(ctx context.Context, parentKey any, node *model.Node) ([]any, error)
}

// Dependency is a child record type: Locator finds the child keys and Mover moves them.
type Dependency struct {
	Mover   Mover
	Locator KeyLocator
}

// NodeLookup resolves node ids to nodes.
type NodeLookup interface {
	GetNode(ctx context.Context, nodeID int) (*model.Node, error)
}
