// Package ingestion turns raw telemetry input (decoded records, JSON arrays,
// single objects or NDJSON text) into canonical events.
//
// The parser is a pure transform: it keeps no state between calls, so the
// same input always yields the same events and identifiers.
package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlane/internal/telemetry"
	"github.com/lvonguyen/threatlane/internal/telemetry/fields"
	"github.com/lvonguyen/threatlane/internal/telemetry/normalization"
)

// eventNamespace seeds synthesized event identifiers.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:threatlane:event"))

var eventIDChain = fields.Paths("event.id")

// Result is the outcome of one ingestion call.
type Result struct {
	Events []*telemetry.Event

	// Records is the number of records considered after envelope and
	// search-response expansion.
	Records int
	// Dropped counts records without a usable timestamp.
	Dropped int
	// Duplicates counts records whose identifier repeated an earlier one.
	Duplicates int
	// SkippedLines counts NDJSON lines (or array items) that were not objects.
	SkippedLines int
}

// Parser drives per-record normalization.
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a new parser. A nil logger disables logging.
func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Parse accepts text ([]byte or string), a single record, or a sequence of
// records and normalizes it.
func (p *Parser) Parse(input any) (*Result, error) {
	switch in := input.(type) {
	case string:
		return p.ParseText(in)
	case []byte:
		return p.ParseText(string(in))
	case fields.Record:
		return p.ParseRecords([]fields.Record{in}), nil
	case map[string]any:
		return p.ParseRecords([]fields.Record{in}), nil
	case []fields.Record:
		return p.ParseRecords(in), nil
	case []map[string]any:
		records := make([]fields.Record, len(in))
		for i, m := range in {
			records[i] = m
		}
		return p.ParseRecords(records), nil
	case []any:
		records, skipped := p.objectsOf(in)
		res := p.ParseRecords(records)
		res.SkippedLines += skipped
		return res, nil
	default:
		return nil, newFormatError(KindUnsupportedInput, fmt.Sprintf("cannot ingest %T", input), nil)
	}
}

// ParseText detects the shape of text input and normalizes its records.
func (p *Parser) ParseText(text string) (*Result, error) {
	records, skipped, err := p.decodeText(text)
	if err != nil {
		return nil, err
	}
	res := p.ParseRecords(records)
	res.SkippedLines += skipped
	return res, nil
}

// ParseRecords normalizes already-decoded records. Records without a valid
// timestamp are dropped; the surviving events keep input order.
func (p *Parser) ParseRecords(records []fields.Record) *Result {
	records = expandSearchResponses(records)

	res := &Result{
		Events:  make([]*telemetry.Event, 0, len(records)),
		Records: len(records),
	}
	seen := make(map[string]struct{}, len(records))

	for ordinal, rec := range records {
		payload, envelopeID := unwrapEnvelope(rec)

		event, err := normalization.Normalize(payload)
		if err != nil {
			res.Dropped++
			p.logger.Debug("Dropping record",
				zap.Int("ordinal", ordinal),
				zap.Error(err),
			)
			continue
		}

		event.EnvelopeID = envelopeID
		event.ID = assignID(event, envelopeID, ordinal)

		if _, dup := seen[event.ID]; dup {
			res.Duplicates++
			p.logger.Debug("Dropping duplicate record", zap.String("id", event.ID))
			continue
		}
		seen[event.ID] = struct{}{}

		res.Events = append(res.Events, event)
	}

	return res
}

// decodeText implements shape detection: array, single object, or NDJSON.
func (p *Parser) decodeText(text string) ([]fields.Record, int, error) {
	trimmed := strings.TrimSpace(text)

	switch {
	case strings.HasPrefix(trimmed, "["):
		var items []any
		if err := decodeStrict(trimmed, &items); err != nil {
			return nil, 0, newFormatError(KindArraySyntax, "failed to parse JSON array", err)
		}
		records, skipped := p.objectsOf(items)
		return records, skipped, nil

	case strings.HasPrefix(trimmed, "{"):
		var single fields.Record
		if err := decodeStrict(trimmed, &single); err == nil {
			return []fields.Record{single}, 0, nil
		}
		return p.decodeLines(trimmed)

	default:
		return nil, 0, newFormatError(KindNotJSON, "input must start with '[' or '{'", nil)
	}
}

// decodeLines parses one JSON object per non-blank line. Bad lines are
// skipped; the batch only fails when nothing parses.
func (p *Parser) decodeLines(text string) ([]fields.Record, int, error) {
	var (
		records []fields.Record
		skipped int
	)

	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec fields.Record
		if err := decodeStrict(line, &rec); err != nil || rec == nil {
			skipped++
			p.logger.Warn("Skipping unparseable line",
				zap.Int("line", i+1),
				zap.Error(err),
			)
			continue
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		if concatenatedObjects(text) {
			return nil, skipped, newFormatError(KindAmbiguousMultiObject, ambiguousGuidance, nil)
		}
		return nil, skipped, newFormatError(KindNoObjects, "no line contained a valid JSON object", nil)
	}

	return records, skipped, nil
}

// concatenatedObjects reports whether text opens with a complete JSON
// object that is directly followed by another one, on the same line or not.
func concatenatedObjects(text string) bool {
	dec := json.NewDecoder(strings.NewReader(text))
	var first json.RawMessage
	if err := dec.Decode(&first); err != nil || !bytes.HasPrefix(first, []byte("{")) {
		return false
	}
	rest := strings.TrimSpace(text[dec.InputOffset():])
	return strings.HasPrefix(rest, "{")
}

func (p *Parser) objectsOf(items []any) ([]fields.Record, int) {
	records := make([]fields.Record, 0, len(items))
	skipped := 0
	for i, item := range items {
		switch obj := item.(type) {
		case map[string]any:
			records = append(records, obj)
		case fields.Record:
			records = append(records, obj)
		default:
			skipped++
			p.logger.Warn("Skipping non-object array item",
				zap.Int("index", i),
				zap.String("type", fmt.Sprintf("%T", item)),
			)
		}
	}
	return records, skipped
}

// decodeStrict decodes exactly one JSON value, keeping numbers as
// json.Number so that raw payloads round-trip unchanged.
func decodeStrict(s string, v any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

// DecodeRecord decodes a single JSON object the way the parser does.
func DecodeRecord(data []byte) (fields.Record, error) {
	var rec fields.Record
	if err := decodeStrict(string(bytes.TrimSpace(data)), &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// assignID picks the outer envelope id, then event.id, then a name-based
// UUID over timestamp, host and batch position.
func assignID(event *telemetry.Event, envelopeID string, ordinal int) string {
	if envelopeID != "" {
		return envelopeID
	}
	if id := eventIDChain.FirstString(event.Raw); id != "" {
		return id
	}
	return SynthesizeID(event.Timestamp, event.Host.Hostname, ordinal)
}

// SynthesizeID derives a stable identifier for records that carry none.
func SynthesizeID(ts time.Time, hostname string, ordinal int) string {
	name := ts.UTC().Format(time.RFC3339Nano) + "|" + hostname + "|" + strconv.Itoa(ordinal)
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}
