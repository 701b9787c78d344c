package normalization

import (
	"strings"

	"github.com/lvonguyen/threatlane/internal/telemetry"
	"github.com/lvonguyen/threatlane/internal/telemetry/fields"
)

var categoryChain = fields.Paths("event.category", "event.type")

// categoryMap buckets raw ECS category values. Downstream filters depend on
// these exact assignments; do not "fix" session, iam or malware.
var categoryMap = map[string]telemetry.Category{
	"network":             telemetry.CategoryNetwork,
	"authentication":      telemetry.CategoryAuthentication,
	"session":             telemetry.CategoryAuthentication,
	"iam":                 telemetry.CategoryAuthentication,
	"intrusion_detection": telemetry.CategoryNetwork,
	"malware":             telemetry.CategoryProcess,
	"package":             telemetry.CategoryFile,
	"web":                 telemetry.CategoryNetwork,
	"database":            telemetry.CategoryNetwork,
	"registry":            telemetry.CategoryRegistry,
	"file":                telemetry.CategoryFile,
	"process":             telemetry.CategoryProcess,
}

// Classify maps the record's category (or type) onto the fixed taxonomy.
func Classify(rec fields.Record) telemetry.Category {
	raw := categoryChain.FirstString(rec)
	if category, ok := categoryMap[raw]; ok {
		return category
	}
	return telemetry.CategoryOther
}

// Summarize renders the one-line description shown on the timeline, e.g.
//
//	connection_attempted [curl] → 10.0.0.50:443 (api.example.com) by alice
func Summarize(rec fields.Record) string {
	var b strings.Builder

	action := fields.GetFirstString(rec, []string{"event.action", "event.type"})
	if action == "" {
		action = "Event"
	}
	b.WriteString(action)

	if process := str(rec, "process.name"); process != "" {
		b.WriteString(" [" + process + "]")
	}
	if file := str(rec, "file.name"); file != "" {
		b.WriteString(" " + file)
	}
	if dst := str(rec, "destination.ip"); dst != "" {
		b.WriteString(" → " + dst)
		if port := str(rec, "destination.port"); port != "" {
			b.WriteString(":" + port)
		}
	}
	if query := str(rec, "dns.question.name"); query != "" {
		b.WriteString(" (" + query + ")")
	} else if domain := str(rec, "url.domain"); domain != "" {
		b.WriteString(" (" + domain + ")")
	}
	if user := str(rec, "user.name"); user != "" && !strings.Contains(strings.ToLower(user), "system") {
		b.WriteString(" by " + user)
	}

	return b.String()
}

func str(rec fields.Record, path string) string {
	return fields.Lookup(rec, path).Normalize().String()
}
