package normalization

import (
	"strings"

	"github.com/lvonguyen/threatlane/internal/telemetry"
	"github.com/lvonguyen/threatlane/internal/telemetry/fields"
)

const (
	loopbackV4       = "127.0.0.1"
	loopbackV6Prefix = "::1"
)

var protocolChain = fields.Paths("network.transport", "network.protocol")

// ExtractConnection returns the record's network flow, or nil when it does
// not describe a flow between two distinct, non-loopback addresses.
func ExtractConnection(rec fields.Record) *telemetry.ConnectionInfo {
	src := str(rec, "source.ip")
	dst := str(rec, "destination.ip")
	if src == "" || dst == "" {
		return nil
	}
	if src == dst || isLoopback(src) || isLoopback(dst) {
		return nil
	}

	return &telemetry.ConnectionInfo{
		SourceIP:      src,
		DestIP:        dst,
		SourcePort:    int(num(rec, "source.port")),
		DestPort:      int(num(rec, "destination.port")),
		SourceDomain:  str(rec, "source.domain"),
		DestDomain:    str(rec, "destination.domain"),
		SourceBytes:   num(rec, "source.bytes"),
		DestBytes:     num(rec, "destination.bytes"),
		SourcePackets: num(rec, "source.packets"),
		DestPackets:   num(rec, "destination.packets"),
		Protocol:      protocolChain.FirstString(rec),
		Direction:     str(rec, "network.direction"),
		CommunityID:   str(rec, "network.community_id"),
		NetworkType:   str(rec, "network.type"),
	}
}

func isLoopback(ip string) bool {
	return ip == loopbackV4 || strings.HasPrefix(ip, loopbackV6Prefix)
}

func num(rec fields.Record, path string) int64 {
	n, _ := fields.Lookup(rec, path).Normalize().Int64()
	return n
}
