package engine

import (
	"visiongate/plcman"
	"visiongate/trigger"
)

// Status is the PLC status payload returned by GET /plc/status and embedded in
// every detection result.
type Status struct {
	plcman.Snapshot
	ExecCount  uint64         `json:"exec_count"`
	ExecCounts map[int]uint64 `json:"exec_counts"`
	LastResult int            `json:"last_result"`
	Trigger    *int16         `json:"trigger"`
	Gate       string         `json:"gate"`
}

func buildStatus(plc PLC, c *Counter, g *trigger.Gate, trig *int16) Status {
	return Status{
		Snapshot:   plc.Snapshot(),
		ExecCount:  c.Total(),
		ExecCounts: c.Counts(),
		LastResult: c.LastClass(),
		Trigger:    trig,
		Gate:       g.State().String(),
	}
}

// changed reports whether s differs from prev in a way worth publishing.
func (s Status) changed(prev Status) bool {
	if s.State != prev.State || s.ExecCount != prev.ExecCount || s.Gate != prev.Gate ||
		s.LastError != prev.LastError || s.IP != prev.IP || s.DB != prev.DB {
		return true
	}
	return !sameTrigger(s.Trigger, prev.Trigger)
}
