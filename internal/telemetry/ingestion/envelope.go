package ingestion

import (
	"github.com/lvonguyen/threatlane/internal/telemetry/fields"
)

const (
	envelopeIDKey     = "_id"
	envelopeSourceKey = "_source"
)

// unwrapEnvelope detects a source-store envelope ({"_id": ..., "_source":
// {...}}) and returns the inner payload with the outer identifier. Anything
// else is returned unchanged with an empty identifier.
func unwrapEnvelope(rec fields.Record) (fields.Record, string) {
	inner, ok := rec[envelopeSourceKey].(map[string]any)
	if !ok {
		return rec, ""
	}
	return fields.Record(inner), fields.Of(rec[envelopeIDKey]).Normalize().String()
}

// Wrap builds an envelope around a payload. Re-ingesting a wrapped payload
// yields the same identifier the event had when it was first parsed.
func Wrap(id string, payload fields.Record) fields.Record {
	return fields.Record{
		envelopeIDKey:     id,
		envelopeSourceKey: map[string]any(payload),
	}
}

// expandSearchResponses replaces search responses ({"hits": {"hits": [...]}})
// with their individual hits so exported query results ingest directly.
func expandSearchResponses(records []fields.Record) []fields.Record {
	var out []fields.Record
	for i, rec := range records {
		hits, ok := searchHits(rec)
		if !ok {
			if out != nil {
				out = append(out, rec)
			}
			continue
		}
		if out == nil {
			out = make([]fields.Record, 0, len(records)+len(hits))
			out = append(out, records[:i]...)
		}
		for _, hit := range hits {
			if obj, ok := hit.(map[string]any); ok {
				out = append(out, obj)
			}
		}
	}
	if out == nil {
		return records
	}
	return out
}

func searchHits(rec fields.Record) ([]any, bool) {
	if _, wrapped := rec[envelopeSourceKey]; wrapped {
		return nil, false
	}
	v := fields.Lookup(rec, "hits.hits")
	if v.Kind() != fields.Sequence {
		return nil, false
	}
	hits, _ := v.Raw().([]any)
	return hits, true
}
