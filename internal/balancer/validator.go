package balancer

import (
	"fmt"
	"strings"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/model"
)

// MovePlanValidator checks a plan by applying it to a copy of the snapshot.
type MovePlanValidator struct {
	estimator *MigrationEstimator
}

// NewMovePlanValidator creates a validator
func NewMovePlanValidator(estimator *MigrationEstimator) *MovePlanValidator {
	return &MovePlanValidator{estimator: estimator}
}

// Validate fails with a planning error unless applying every move leaves every
// node at or under its safe threshold. snapshot is not modified.
func (v *MovePlanValidator) Validate(snapshot Snapshot, moves []*model.Migration) error {
	simulated, err := v.Apply(snapshot, moves)
	if err != nil {
		return err
	}
	if over := v.overfull(simulated); len(over) > 0 {
		return hiveerrors.PlanningFailed(fmt.Sprintf("plan of %d moves leaves nodes over their safe level: %s",
			len(moves), strings.Join(over, ", ")), nil)
	}
	return nil
}

// Apply returns a copy of snapshot with every move applied.
func (v *MovePlanValidator) Apply(snapshot Snapshot, moves []*model.Migration) (Snapshot, error) {
	simulated := snapshot.Clone()
	for _, m := range moves {
		origin, ok := simulated.Node(m.OriginNodeID)
		if !ok {
			return nil, hiveerrors.PlanningFailed(fmt.Sprintf("%s: unknown origin node", m), nil)
		}
		stat, ok := origin.Remove(m.PrimaryIndexKey)
		if !ok {
			return nil, hiveerrors.PlanningFailed(fmt.Sprintf("%s: key is not on origin node", m), nil)
		}
		for _, id := range m.DestinationNodeIDs {
			dest, ok := simulated.Node(id)
			if !ok {
				return nil, hiveerrors.PlanningFailed(fmt.Sprintf("%s: unknown destination node %d", m, id), nil)
			}
			dest.Add(stat)
		}
	}
	return simulated, nil
}

// IsBalanced reports whether every node is at or under its safe threshold.
func (v *MovePlanValidator) IsBalanced(snapshot Snapshot) bool {
	return len(v.overfull(snapshot)) == 0
}

func (v *MovePlanValidator) overfull(snapshot Snapshot) []string {
	var over []string
	for _, ns := range snapshot {
		if v.estimator.IsOverfull(ns) {
			over = append(over, ns.Node.Name)
		}
	}
	return over
}
