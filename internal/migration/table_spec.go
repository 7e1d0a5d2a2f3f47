package migration

import (
	"errors"
	"fmt"
)

// TableSpec describes a data table on the nodes and the child tables whose
// rows move with it. ParentColumn is empty for the root table.
type TableSpec struct {
	Table        string      `yaml:"table"`
	IDColumn     string      `yaml:"id_column"`
	ParentColumn string      `yaml:"parent_column"`
	Columns      []string    `yaml:"columns"`
	Children     []TableSpec `yaml:"children"`
}

// Validate checks the spec tree.
func (s TableSpec) Validate() error {
	return s.validate(true)
}

func (s TableSpec) validate(root bool) error {
	if s.Table == "" {
		return errors.New("table is required")
	}
	if s.IDColumn == "" {
		return fmt.Errorf("table %s: id_column is required", s.Table)
	}
	if !root && s.ParentColumn == "" {
		return fmt.Errorf("table %s: parent_column is required on child tables", s.Table)
	}
	for _, c := range s.Children {
		if err := c.validate(false); err != nil {
			return fmt.Errorf("table %s: %w", s.Table, err)
		}
	}
	return nil
}

// BuildTableMover builds the mover tree of spec. Each child is located by its
// parent column and moved by its id column.
func BuildTableMover(sources *DataSources, spec TableSpec) *TableMover {
	mover := NewTableMover(sources, spec.Table, spec.IDColumn, spec.Columns...)
	for _, child := range spec.Children {
		mover.DependsOn(
			BuildTableMover(sources, child),
			NewColumnLocator(sources, child.Table, child.IDColumn, child.ParentColumn),
		)
	}
	return mover
}
