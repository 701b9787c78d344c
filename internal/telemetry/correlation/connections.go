package correlation

import (
	"strings"

	"github.com/lvonguyen/threatlane/internal/telemetry"
)

// IdentifyConnections emits one directed edge per event whose flow crosses
// two different hosts. Flows whose ends resolve to the same hostname are
// intra-host chatter and are dropped. Edges keep event order and are never
// merged.
func IdentifyConnections(events []*telemetry.Event, registry *HostRegistry) []telemetry.ConnectionEdge {
	edges := make([]telemetry.ConnectionEdge, 0)

	for _, event := range events {
		if event == nil || event.Connection == nil {
			continue
		}
		conn := event.Connection

		src := registry.ResolveIP(conn.SourceIP)
		dst := registry.ResolveIP(conn.DestIP)
		if strings.EqualFold(src, dst) {
			continue
		}

		edges = append(edges, telemetry.ConnectionEdge{
			EventID:    event.ID,
			Timestamp:  event.Timestamp,
			SourceHost: src,
			DestHost:   dst,
			SourceIP:   conn.SourceIP,
			DestIP:     conn.DestIP,
			SourcePort: conn.SourcePort,
			DestPort:   conn.DestPort,
			Protocol:   conn.Protocol,
			Direction:  conn.Direction,
		})
	}

	return edges
}
