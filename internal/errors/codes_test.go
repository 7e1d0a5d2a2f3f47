package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHiveError_IsSentinel(t *testing.T) {
	cause := stderrors.New("connection reset")

	tests := []struct {
		name     string
		err      error
		sentinel error
		status   int
	}{
		{"key not found", KeyNotFound("hive_primary_region", "Asia"), ErrKeyNotFound, http.StatusNotFound},
		{"read only", ReadOnlyViolation("primary index key", "Asia"), ErrReadOnly, http.StatusConflict},
		{"storage", Storage("insert primary index key", cause), ErrStorage, http.StatusInternalServerError},
		{"migration", MigrationFailed("copy", "Asia", []string{"data2"}, "records may be orphaned", cause), ErrMigration, http.StatusBadGateway},
		{"planning", PlanningFailed("destination overfull", nil), ErrPlanning, http.StatusUnprocessableEntity},
		{"invalid", InvalidArgument("no destinations", nil), ErrInvalidArgument, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.True(t, IsHiveError(wrapped))
			assert.Equal(t, tt.status, HTTPStatus(wrapped))
		})
	}
}

func TestHiveError_KeepsCause(t *testing.T) {
	cause := stderrors.New("boom")
	err := Storage("delete primary index key", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "delete primary index key")
	assert.Contains(t, err.Error(), "boom")
}

func TestMigrationFailed_NamesPhaseAndNodes(t *testing.T) {
	err := MigrationFailed("cascade_delete", 42, []string{"data1", "data3"}, "stale records left on origin", nil)

	assert.Contains(t, err.Error(), "cascade_delete")
	assert.Contains(t, err.Error(), "data1, data3")
	assert.Equal(t, "cascade_delete", Phase(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, "", Phase(stderrors.New("plain")))
}

func TestGetCode_PlainError(t *testing.T) {
	assert.Equal(t, ErrCodeStorage, GetCode(stderrors.New("x")))
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
}
