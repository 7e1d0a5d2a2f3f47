package migration

import (
	"testing"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTableMover_SQL(t *testing.T) {
	sources := NewDataSources(4, 1, zap.NewNop())
	countries := NewTableMover(sources, "country", "id", "continent", "name")
	continents := NewTableMover(sources, "continent", "name").
		DependsOn(countries, NewColumnLocator(sources, "country", "id", "continent"))

	assert.Equal(t, `SELECT "id", "continent", "name" FROM "country" WHERE "id" = $1`, countries.selectSQL())
	assert.Equal(t,
		`INSERT INTO "country" ("id", "continent", "name") VALUES ($1, $2, $3) ON CONFLICT ("id") DO UPDATE SET "continent" = EXCLUDED."continent", "name" = EXCLUDED."name"`,
		countries.upsertSQL())
	assert.Equal(t, `DELETE FROM "country" WHERE "id" = $1`, countries.deleteSQL())
	assert.Equal(t, `INSERT INTO "continent" ("name") VALUES ($1) ON CONFLICT ("name") DO NOTHING`, continents.upsertSQL())

	require.Len(t, continents.Dependencies(), 1)
	locator := continents.Dependencies()[0].Locator.(*ColumnLocator)
	assert.Equal(t, `SELECT "id" FROM "country" WHERE "continent" = $1 ORDER BY "id"`, locator.findSQL())
}

func TestTableMover_RejectsForeignItems(t *testing.T) {
	mover := NewTableMover(NewDataSources(1, 0, zap.NewNop()), "country", "id")

	_, err := mover.row("not a row")
	assert.ErrorIs(t, err, hiveerrors.ErrInvalidArgument)

	row, err := mover.row(map[string]any{"id": 7})
	require.NoError(t, err)
	assert.Equal(t, 7, row["id"])
}

func TestBuildTableMover(t *testing.T) {
	spec := TableSpec{
		Table:    "continent",
		IDColumn: "name",
		Columns:  []string{"name", "population"},
		Children: []TableSpec{
			{
				Table:        "country",
				IDColumn:     "id",
				ParentColumn: "continent",
				Columns:      []string{"id", "continent"},
				Children: []TableSpec{
					{Table: "city", IDColumn: "id", ParentColumn: "country_id"},
				},
			},
		},
	}
	require.NoError(t, spec.Validate())

	root := BuildTableMover(NewDataSources(4, 1, zap.NewNop()), spec)
	assert.Equal(t, `SELECT "name", "population" FROM "continent" WHERE "name" = $1`, root.selectSQL())

	require.Len(t, root.Dependencies(), 1)
	country := root.Dependencies()[0]
	assert.Equal(t, `SELECT "id" FROM "country" WHERE "continent" = $1 ORDER BY "id"`, country.Locator.(*ColumnLocator).findSQL())

	cities := country.Mover.Dependencies()
	require.Len(t, cities, 1)
	assert.Equal(t, `DELETE FROM "city" WHERE "id" = $1`, cities[0].Mover.(*TableMover).deleteSQL())
}

func TestTableSpec_Validate(t *testing.T) {
	tests := []struct {
		name string
		spec TableSpec
		want string
	}{
		{"missing table", TableSpec{IDColumn: "id"}, "table is required"},
		{"missing id column", TableSpec{Table: "continent"}, "id_column is required"},
		{
			name: "child without parent column",
			spec: TableSpec{Table: "continent", IDColumn: "name", Children: []TableSpec{{Table: "country", IDColumn: "id"}}},
			want: "parent_column is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
