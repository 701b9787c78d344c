// Package timeline assembles what the rendering layer consumes: the
// accumulated event list, the host registry and the connection edges.
package timeline

import (
	"github.com/lvonguyen/threatlane/internal/telemetry"
	"github.com/lvonguyen/threatlane/internal/telemetry/correlation"
)

// Snapshot is the complete rendering contract for one timeline.
type Snapshot struct {
	Events      []*telemetry.Event         `json:"events"`
	Hosts       []telemetry.HostEntry      `json:"hosts"`
	Connections []telemetry.ConnectionEdge `json:"connections"`

	registry *correlation.HostRegistry
}

// Build derives the registry and edges from the full event set.
func Build(events []*telemetry.Event) *Snapshot {
	if events == nil {
		events = []*telemetry.Event{}
	}
	registry := correlation.BuildRegistry(events)
	return &Snapshot{
		Events:      events,
		Hosts:       registry.HostList(),
		Connections: correlation.IdentifyConnections(events, registry),
		registry:    registry,
	}
}

// ResolveIP resolves an address against the snapshot's registry.
func (s *Snapshot) ResolveIP(ip string) string {
	return s.registry.ResolveIP(ip)
}

// Merge appends incoming events that are not already present by ID. Prior
// events keep their positions and win over incoming copies. It is the
// accumulation step for callers that hold a timeline in memory and feed it to
// Build; Service accumulates through the session store, which dedups by ID.
func Merge(prior, incoming []*telemetry.Event) []*telemetry.Event {
	merged := make([]*telemetry.Event, 0, len(prior)+len(incoming))
	seen := make(map[string]struct{}, len(prior)+len(incoming))

	for _, batch := range [][]*telemetry.Event{prior, incoming} {
		for _, e := range batch {
			if e == nil {
				continue
			}
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			merged = append(merged, e)
		}
	}

	return merged
}
