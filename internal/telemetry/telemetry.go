// Package telemetry defines the canonical event model produced by the
// normalization engine and consumed by the timeline.
//
// Everything here is derived data: only an event's Raw payload (plus its
// envelope identifier) is ever persisted or sent to peers. The rest is
// recomputed locally from Raw.
package telemetry

import (
	"time"

	"github.com/lvonguyen/threatlane/internal/telemetry/fields"
)

// UnknownHost is the lane used when a record carries no identifying field.
const UnknownHost = "Unknown"

// Category is the closed event taxonomy.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryFile           Category = "file"
	CategoryProcess        Category = "process"
	CategoryAuthentication Category = "authentication"
	CategoryRegistry       Category = "registry"
	CategoryOther          Category = "other"
)

// Categories lists every category in display order.
func Categories() []Category {
	return []Category{
		CategoryNetwork,
		CategoryFile,
		CategoryProcess,
		CategoryAuthentication,
		CategoryRegistry,
		CategoryOther,
	}
}

// Event is the canonical, normalized form of one telemetry record
type Event struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Host       HostIdentity    `json:"host"`
	Category   Category        `json:"category"`
	Connection *ConnectionInfo `json:"connection,omitempty"`
	Summary    string          `json:"summary"`
	Details    Details         `json:"details"`
	Raw        fields.Record   `json:"raw"`

	// EnvelopeID is the outer source-store identifier, when the record was wrapped.
	EnvelopeID string `json:"envelope_id,omitempty"`
}

// HostIdentity places an event on a timeline lane
type HostIdentity struct {
	Hostname    string `json:"hostname"`
	IP          string `json:"ip,omitempty"`
	DisplayName string `json:"display_name"`
}

// IsUnknown reports whether the identity is the Unknown sentinel.
func (h HostIdentity) IsUnknown() bool {
	return h.Hostname == UnknownHost
}

// ConnectionInfo is a network flow extracted from a single record. Only the
// two addresses are guaranteed to be set.
type ConnectionInfo struct {
	SourceIP      string `json:"source_ip"`
	DestIP        string `json:"dest_ip"`
	SourcePort    int    `json:"source_port,omitempty"`
	DestPort      int    `json:"dest_port,omitempty"`
	SourceDomain  string `json:"source_domain,omitempty"`
	DestDomain    string `json:"dest_domain,omitempty"`
	SourceBytes   int64  `json:"source_bytes,omitempty"`
	DestBytes     int64  `json:"dest_bytes,omitempty"`
	SourcePackets int64  `json:"source_packets,omitempty"`
	DestPackets   int64  `json:"dest_packets,omitempty"`
	Protocol      string `json:"protocol,omitempty"` // transport, falling back to application protocol
	Direction     string `json:"direction,omitempty"`
	CommunityID   string `json:"community_id,omitempty"`
	NetworkType   string `json:"network_type,omitempty"` // ipv4, ipv6
}

// Section is one named group of detail fields.
type Section map[string]any

// Details holds the sections that had data for an event. Absent sections are
// never present as empty maps.
type Details map[string]Section

// HostEntry is one logical host in the registry
type HostEntry struct {
	Hostname    string   `json:"hostname"`
	IPs         []string `json:"ips"`
	DisplayName string   `json:"display_name"`
}

// ConnectionEdge is a directed host-to-host connection resolved through the
// host registry.
type ConnectionEdge struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	SourceHost string    `json:"source_host"`
	DestHost   string    `json:"dest_host"`
	SourceIP   string    `json:"source_ip"`
	DestIP     string    `json:"dest_ip"`
	SourcePort int       `json:"source_port,omitempty"`
	DestPort   int       `json:"dest_port,omitempty"`
	Protocol   string    `json:"protocol,omitempty"`
	Direction  string    `json:"direction,omitempty"`
}

// RawEntry is the wire form of an event: the unmodified payload and the
// identifier it was assigned. Derived fields never leave the process.
type RawEntry struct {
	ID      string        `json:"id"`
	Payload fields.Record `json:"payload"`
}

// ToRawEntry returns the shareable form of the event.
func (e *Event) ToRawEntry() RawEntry {
	return RawEntry{ID: e.ID, Payload: e.Raw}
}
