package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Migration is a planned or in-flight move of one primary index key from an
// origin node to one or more destination nodes.
type Migration struct {
	MigrationID        string    `json:"migration_id"`
	PartitionDimension string    `json:"partition_dimension"`
	PrimaryIndexKey    any       `json:"primary_index_key"`
	OriginNodeID       int       `json:"origin_node_id"`
	OriginURI          string    `json:"origin_uri"`
	DestinationNodeIDs []int     `json:"destination_node_ids"`
	DestinationURIs    []string  `json:"destination_uris"`
	Order              int       `json:"order"`
	CreatedAt          time.Time `json:"created_at"`
}

// NewMigration creates a migration of key from origin to the given destinations.
func NewMigration(dimension string, key any, origin *Node, destinations ...*Node) *Migration {
	m := &Migration{
		MigrationID:        uuid.New().String(),
		PartitionDimension: dimension,
		PrimaryIndexKey:    key,
		CreatedAt:          time.Now(),
	}
	if origin != nil {
		m.OriginNodeID = origin.ID
		m.OriginURI = origin.URI
	}
	for _, d := range destinations {
		m.DestinationNodeIDs = append(m.DestinationNodeIDs, d.ID)
		m.DestinationURIs = append(m.DestinationURIs, d.URI)
	}
	return m
}

func (m *Migration) String() string {
	return fmt.Sprintf("migration %s: key %v node %d -> %v", m.MigrationID, m.PrimaryIndexKey, m.OriginNodeID, m.DestinationNodeIDs)
}

// MigrationPhase names a step of the migration protocol
type MigrationPhase string

const (
	MigrationPhaseLock          MigrationPhase = "lock"
	MigrationPhaseResolve       MigrationPhase = "resolve_origins"
	MigrationPhaseRead          MigrationPhase = "read"
	MigrationPhaseCopy          MigrationPhase = "copy"
	MigrationPhaseSwing         MigrationPhase = "swing"
	MigrationPhaseCascadeDelete MigrationPhase = "cascade_delete"
	MigrationPhaseUnlock        MigrationPhase = "unlock"
)
