package monitoring

import (
	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
)

type relayStats struct {
	registry    ports.EndpointRegistry
	coordinator ports.PairingCoordinator
}

// NewRelayStats exposes the registry and the pairing table as a StatsSource.
func NewRelayStats(registry ports.EndpointRegistry, coordinator ports.PairingCoordinator) StatsSource {
	return &relayStats{registry: registry, coordinator: coordinator}
}

func (s *relayStats) EndpointsByRole() map[domain.Role]int {
	counts := make(map[domain.Role]int)
	for _, ep := range s.registry.Snapshot() {
		counts[ep.Role]++
	}
	return counts
}

func (s *relayStats) ActivePairings() int {
	return len(s.coordinator.Active())
}
