package normalization

import (
	"github.com/lvonguyen/threatlane/internal/telemetry"
	"github.com/lvonguyen/threatlane/internal/telemetry/fields"
)

// detailField maps a display name to the record path it is read from.
type detailField struct {
	name string
	path string
}

// detailSection describes one group of the detail record. The section is
// rendered only when at least one presence path is populated.
type detailSection struct {
	name     string
	presence fields.Chain
	fields   []detailField
}

var detailSections = []detailSection{
	{
		name:     "event",
		presence: fields.Paths("event.action", "event.category", "event.type", "event.kind", "event.outcome", "event.module", "event.dataset"),
		fields: []detailField{
			{"action", "event.action"},
			{"category", "event.category"},
			{"type", "event.type"},
			{"kind", "event.kind"},
			{"outcome", "event.outcome"},
			{"module", "event.module"},
			{"dataset", "event.dataset"},
			{"provider", "event.provider"},
			{"severity", "event.severity"},
			{"code", "event.code"},
			{"original", "event.original"},
		},
	},
	{
		name:     "host",
		presence: fields.Paths("host.hostname", "host.name", "host.ip"),
		fields: []detailField{
			{"hostname", "host.hostname"},
			{"name", "host.name"},
			{"ip", "host.ip"},
			{"mac", "host.mac"},
			{"os", "host.os.name"},
			{"os_version", "host.os.version"},
			{"platform", "host.os.platform"},
			{"architecture", "host.architecture"},
		},
	},
	{
		name:     "network",
		presence: fields.Paths("source.ip", "destination.ip"),
		fields: []detailField{
			{"source_ip", "source.ip"},
			{"source_port", "source.port"},
			{"source_domain", "source.domain"},
			{"destination_ip", "destination.ip"},
			{"destination_port", "destination.port"},
			{"destination_domain", "destination.domain"},
			{"transport", "network.transport"},
			{"protocol", "network.protocol"},
			{"direction", "network.direction"},
			{"bytes", "network.bytes"},
			{"source_bytes", "source.bytes"},
			{"destination_bytes", "destination.bytes"},
			{"community_id", "network.community_id"},
		},
	},
	{
		name:     "process",
		presence: fields.Paths("process.name", "process.pid"),
		fields: []detailField{
			{"name", "process.name"},
			{"pid", "process.pid"},
			{"executable", "process.executable"},
			{"command_line", "process.command_line"},
			{"args", "process.args"},
			{"working_directory", "process.working_directory"},
			{"parent_name", "process.parent.name"},
			{"parent_pid", "process.parent.pid"},
			{"sha256", "process.hash.sha256"},
		},
	},
	{
		name:     "file",
		presence: fields.Paths("file.name", "file.path"),
		fields: []detailField{
			{"name", "file.name"},
			{"path", "file.path"},
			{"extension", "file.extension"},
			{"size", "file.size"},
			{"md5", "file.hash.md5"},
			{"sha256", "file.hash.sha256"},
		},
	},
	{
		name:     "user",
		presence: fields.Paths("user.name", "user.id"),
		fields: []detailField{
			{"name", "user.name"},
			{"id", "user.id"},
			{"domain", "user.domain"},
			{"email", "user.email"},
			{"roles", "user.roles"},
		},
	},
	{
		name:     "dns",
		presence: fields.Paths("dns.question.name"),
		fields: []detailField{
			{"query", "dns.question.name"},
			{"query_type", "dns.question.type"},
			{"response_code", "dns.response_code"},
			{"resolved_ip", "dns.resolved_ip"},
			{"answers", "dns.answers"},
		},
	},
	{
		name:     "url",
		presence: fields.Paths("url.full", "url.domain", "url.original"),
		fields: []detailField{
			{"full", "url.full"},
			{"original", "url.original"},
			{"domain", "url.domain"},
			{"path", "url.path"},
			{"query", "url.query"},
			{"scheme", "url.scheme"},
			{"port", "url.port"},
		},
	},
	{
		name:     "http",
		presence: fields.Paths("http.request.method", "http.response.status_code"),
		fields: []detailField{
			{"method", "http.request.method"},
			{"status_code", "http.response.status_code"},
			{"referrer", "http.request.referrer"},
			{"request_bytes", "http.request.bytes"},
			{"response_bytes", "http.response.bytes"},
			{"user_agent", "user_agent.original"},
		},
	},
	{
		name:     "registry",
		presence: fields.Paths("registry.path", "registry.key"),
		fields: []detailField{
			{"path", "registry.path"},
			{"hive", "registry.hive"},
			{"key", "registry.key"},
			{"value", "registry.value"},
			{"data", "registry.data.strings"},
			{"data_type", "registry.data.type"},
		},
	},
	{
		name:     "threat",
		presence: fields.Paths("threat.technique.id", "threat.technique.name", "threat.tactic.name", "threat.indicator.type"),
		fields: []detailField{
			{"framework", "threat.framework"},
			{"technique_id", "threat.technique.id"},
			{"technique", "threat.technique.name"},
			{"tactic_id", "threat.tactic.id"},
			{"tactic", "threat.tactic.name"},
			{"indicator_type", "threat.indicator.type"},
		},
	},
	{
		name:     "observer",
		presence: fields.Paths("observer.name", "observer.hostname", "observer.vendor", "observer.product"),
		fields: []detailField{
			{"name", "observer.name"},
			{"hostname", "observer.hostname"},
			{"vendor", "observer.vendor"},
			{"product", "observer.product"},
			{"type", "observer.type"},
			{"ip", "observer.ip"},
		},
	},
	{
		name:     "rule",
		presence: fields.Paths("rule.name", "rule.id"),
		fields: []detailField{
			{"name", "rule.name"},
			{"id", "rule.id"},
			{"description", "rule.description"},
			{"category", "rule.category"},
			{"ruleset", "rule.ruleset"},
		},
	},
}

// SectionNames returns the detail sections in display order.
func SectionNames() []string {
	names := make([]string, len(detailSections))
	for i, s := range detailSections {
		names[i] = s.name
	}
	return names
}

// BuildDetails renders the sectioned detail record. Sequence values are kept
// as sequences; absent fields and sections without signal are left out.
func BuildDetails(rec fields.Record) telemetry.Details {
	details := make(telemetry.Details)

	for _, section := range detailSections {
		if section.presence.First(rec).IsAbsent() {
			continue
		}

		values := make(telemetry.Section, len(section.fields))
		for _, f := range section.fields {
			if v := fields.Lookup(rec, f.path); !v.IsAbsent() {
				values[f.name] = v.Raw()
			}
		}
		details[section.name] = values
	}

	return details
}
