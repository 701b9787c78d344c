// Package normalization turns a single schema-tolerant telemetry record into
// the canonical event model: time, host identity, category, connection,
// summary and detail sections.
package normalization

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lvonguyen/threatlane/internal/telemetry"
	"github.com/lvonguyen/threatlane/internal/telemetry/fields"
)

// Errors returned for records that cannot be placed on a timeline.
var (
	ErrMissingTimestamp = errors.New("record has no timestamp field")
	ErrInvalidTimestamp = errors.New("record timestamp is not a valid date-time")
)

var (
	timestampChain = fields.Paths("@timestamp", "event.created", "event.ingested", "event.start")

	hostNameChain    = fields.Paths("host.hostname", "host.name", "agent.name", "observer.hostname")
	hostAddressChain = fields.Paths("host.ip", "observer.ip")
)

// timestampLayouts are tried in order for string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// Normalize builds the canonical event for one unwrapped record. The ID is
// left empty; identifier assignment belongs to the ingestion pipeline, which
// knows about envelopes and batch position.
func Normalize(rec fields.Record) (*telemetry.Event, error) {
	ts, err := ResolveTimestamp(rec)
	if err != nil {
		return nil, err
	}

	return &telemetry.Event{
		Timestamp:  ts,
		Host:       ResolveHost(rec),
		Category:   Classify(rec),
		Connection: ExtractConnection(rec),
		Summary:    Summarize(rec),
		Details:    BuildDetails(rec),
		Raw:        rec,
	}, nil
}

// ResolveTimestamp parses the first populated time field. Later candidates
// are never consulted, even when the first one fails to parse.
func ResolveTimestamp(rec fields.Record) (time.Time, error) {
	v := timestampChain.First(rec).Normalize()
	if v.IsAbsent() {
		return time.Time{}, ErrMissingTimestamp
	}

	if ms, ok := v.Float64(); ok {
		return time.UnixMilli(int64(ms)).UTC(), nil
	}

	s := strings.TrimSpace(v.String())
	if s == "" {
		return time.Time{}, ErrInvalidTimestamp
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

// ResolveHost derives the lane identity. Named hosts win; otherwise the flow
// endpoints are used so that appliance logs without host fields still land on
// a meaningful lane. Records with none of these get the Unknown sentinel.
func ResolveHost(rec fields.Record) telemetry.HostIdentity {
	name := hostNameChain.FirstString(rec)
	addr := hostAddressChain.FirstString(rec)

	if name != "" || addr != "" {
		label := name
		if label == "" {
			label = addr
		}
		return telemetry.HostIdentity{Hostname: label, IP: addr, DisplayName: label}
	}

	for _, path := range []string{"source.ip", "destination.ip"} {
		if ip := fields.Lookup(rec, path).Normalize().String(); ip != "" {
			return telemetry.HostIdentity{Hostname: ip, IP: ip, DisplayName: ip}
		}
	}

	return telemetry.HostIdentity{
		Hostname:    telemetry.UnknownHost,
		DisplayName: telemetry.UnknownHost,
	}
}
