package liveness

import (
	"time"

	"fleetd/internal/model"
)

// EffectiveStatus computes the status operators see for an agent. "offline"
// is never written to storage; it is derived here from heartbeat staleness.
// An explicitly stored offline or maintenance status is reported as-is.
func EffectiveStatus(agent *model.Agent, threshold time.Duration, now time.Time) model.AgentStatus {
	if agent.Status == model.AgentStatusMaintenance {
		return model.AgentStatusMaintenance
	}
	if now.Sub(agent.LastHeartbeat) > threshold {
		return model.AgentStatusOffline
	}
	return agent.Status
}
