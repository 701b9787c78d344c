// Package correlation derives cross-event structure from a full set of
// canonical events: the host registry and the host-to-host connection graph.
//
// Both are pure functions of the event list. Callers rebuild them from the
// complete accumulated set whenever events are added, because an address
// first seen in a later batch can change how earlier events resolve.
package correlation

import (
	"strings"

	"github.com/lvonguyen/threatlane/internal/telemetry"
)

// HostRegistry is an immutable set of logical hosts and an address index.
type HostRegistry struct {
	order   []string // lowercased hostname keys, first appearance first
	entries map[string]*hostRecord
	byIP    map[string]string // address -> hostname key
}

type hostRecord struct {
	hostname    string
	displayName string
	ips         []string
	ipSet       map[string]struct{}
}

// BuildRegistry builds a registry from scratch over the given events.
func BuildRegistry(events []*telemetry.Event) *HostRegistry {
	r := &HostRegistry{
		entries: make(map[string]*hostRecord),
		byIP:    make(map[string]string),
	}

	for _, event := range events {
		if event == nil {
			continue
		}
		if !event.Host.IsUnknown() {
			r.upsert(event.Host.Hostname, event.Host.DisplayName, event.Host.IP)
		}

		// Peers seen only through a flow's domain still get a lane.
		if conn := event.Connection; conn != nil {
			if conn.SourceDomain != "" {
				r.upsert(conn.SourceDomain, conn.SourceDomain, conn.SourceIP)
			}
			if conn.DestDomain != "" {
				r.upsert(conn.DestDomain, conn.DestDomain, conn.DestIP)
			}
		}
	}

	for _, key := range r.order {
		for _, ip := range r.entries[key].ips {
			r.byIP[ip] = key
		}
	}

	return r
}

func (r *HostRegistry) upsert(hostname, displayName, ip string) {
	key := strings.ToLower(hostname)
	entry, ok := r.entries[key]
	if !ok {
		if displayName == "" {
			displayName = hostname
		}
		entry = &hostRecord{
			hostname:    hostname,
			displayName: displayName,
			ipSet:       make(map[string]struct{}),
		}
		r.entries[key] = entry
		r.order = append(r.order, key)
	}

	if ip == "" {
		return
	}
	if _, seen := entry.ipSet[ip]; !seen {
		entry.ipSet[ip] = struct{}{}
		entry.ips = append(entry.ips, ip)
	}
}

// Len returns the number of hosts.
func (r *HostRegistry) Len() int {
	return len(r.order)
}

// HostList returns every host in order of first appearance.
func (r *HostRegistry) HostList() []telemetry.HostEntry {
	hosts := make([]telemetry.HostEntry, 0, len(r.order))
	for _, key := range r.order {
		hosts = append(hosts, r.entries[key].toEntry())
	}
	return hosts
}

// Lookup finds a host by name, case-insensitively.
func (r *HostRegistry) Lookup(hostname string) (telemetry.HostEntry, bool) {
	entry, ok := r.entries[strings.ToLower(hostname)]
	if !ok {
		return telemetry.HostEntry{}, false
	}
	return entry.toEntry(), true
}

// ResolveIP returns the canonical hostname that owns the address, or the
// address itself when no host does. The result is always usable as a label.
func (r *HostRegistry) ResolveIP(ip string) string {
	if key, ok := r.byIP[ip]; ok {
		return r.entries[key].hostname
	}
	return ip
}

func (h *hostRecord) toEntry() telemetry.HostEntry {
	ips := make([]string, len(h.ips))
	copy(ips, h.ips)
	return telemetry.HostEntry{
		Hostname:    h.hostname,
		IPs:         ips,
		DisplayName: h.displayName,
	}
}
