package components

import (
	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/staleness"
)

// Status describes a unit's cached binary without building anything.
type Status struct {
	Unit       build.Unit
	Fresh      bool
	Reason     string
	BinaryPath string
}

// Statuses inspects every unit under policy. The build cache is not modified.
func Statuses(ws build.Workspace, units []build.Unit, policy build.StalenessPolicy) ([]Status, error) {
	tracker := staleness.Tracker{}
	statuses := make([]Status, 0, len(units))
	for _, unit := range units {
		record, err := tracker.Inspect(ws, unit, policy)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, Status{
			Unit:       unit,
			Fresh:      !record.Stale,
			Reason:     record.Reason,
			BinaryPath: ws.UnitCache(unit).BinaryPath(unit),
		})
	}
	return statuses, nil
}
