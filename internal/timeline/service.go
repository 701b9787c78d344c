package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlane/internal/observability"
	"github.com/lvonguyen/threatlane/internal/telemetry"
	"github.com/lvonguyen/threatlane/internal/telemetry/fields"
	"github.com/lvonguyen/threatlane/internal/telemetry/ingestion"
)

// Store persists raw entries per session.
type Store interface {
	Append(ctx context.Context, sessionID string, entries []telemetry.RawEntry) (int, error)
	Load(ctx context.Context, sessionID string) ([]telemetry.RawEntry, error)
	Delete(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
}

// IngestReport summarizes one Ingest call.
type IngestReport struct {
	Records      int       `json:"records"`
	Parsed       int       `json:"parsed"`
	Added        int       `json:"added"`
	Dropped      int       `json:"dropped"`
	Duplicates   int       `json:"duplicates"`
	SkippedLines int       `json:"skipped_lines"`
	Snapshot     *Snapshot `json:"snapshot"`
}

// Service accumulates timelines shared between analysts. Only raw payloads
// are stored; every read re-normalizes them, so all readers derive the same
// events regardless of which instance ingested them.
type Service struct {
	store   Store
	parser  *ingestion.Parser
	tel     *observability.Telemetry
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewService creates a new timeline service. A nil telemetry is replaced
// with a no-op one.
func NewService(store Store, tel *observability.Telemetry) *Service {
	if tel == nil {
		tel = observability.NewNop()
	}
	logger := tel.Logger().With(zap.String("component", "timeline"))
	return &Service{
		store:   store,
		parser:  ingestion.NewParser(logger),
		tel:     tel,
		logger:  logger,
		metrics: tel.Metrics(),
	}
}

// Normalize parses input and builds a snapshot without touching the store.
func (s *Service) Normalize(ctx context.Context, input any) (*Snapshot, *ingestion.Result, error) {
	ctx, span := s.tel.StartSpan(ctx, "timeline.normalize")
	defer span.End()
	start := time.Now()

	res, err := s.parse(ctx, span, input)
	if err != nil {
		return nil, nil, err
	}

	snap := s.build(res.Events)
	s.observeDuration("normalize", start)
	return snap, res, nil
}

// Ingest parses input, appends the raw payloads of its events to the session
// and returns the rebuilt session snapshot.
func (s *Service) Ingest(ctx context.Context, sessionID string, input any) (*IngestReport, error) {
	ctx, span := s.tel.StartSpan(ctx, "timeline.ingest",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	start := time.Now()

	res, err := s.parse(ctx, span, input)
	if err != nil {
		return nil, err
	}

	entries := make([]telemetry.RawEntry, len(res.Events))
	for i, e := range res.Events {
		entries[i] = e.ToRawEntry()
	}

	added, err := s.store.Append(ctx, sessionID, entries)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return nil, err
	}
	if s.metrics != nil && len(entries) > added {
		s.metrics.RecordsDropped.WithLabelValues("duplicate").Add(float64(len(entries) - added))
	}

	snap, err := s.load(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reload failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("events.parsed", len(res.Events)),
		attribute.Int("events.added", added),
		attribute.Int("events.total", len(snap.Events)),
	)
	s.logger.Info("Ingested batch",
		zap.String("session", sessionID),
		zap.Int("parsed", len(res.Events)),
		zap.Int("added", added),
		zap.Int("dropped", res.Dropped),
		zap.Int("total", len(snap.Events)),
	)
	s.observeDuration("ingest", start)

	return &IngestReport{
		Records:      res.Records,
		Parsed:       len(res.Events),
		Added:        added,
		Dropped:      res.Dropped,
		Duplicates:   res.Duplicates + len(entries) - added,
		SkippedLines: res.SkippedLines,
		Snapshot:     snap,
	}, nil
}

// Snapshot rebuilds the session's timeline from its stored payloads.
func (s *Service) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	ctx, span := s.tel.StartSpan(ctx, "timeline.snapshot",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	snap, err := s.load(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}
	return snap, nil
}

// Raw returns the session's stored payloads in arrival order.
func (s *Service) Raw(ctx context.Context, sessionID string) ([]telemetry.RawEntry, error) {
	return s.store.Load(ctx, sessionID)
}

// Delete drops the session.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.logger.Info("Deleted session", zap.String("session", sessionID))
	return nil
}

// Ready reports whether the backing store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) parse(ctx context.Context, span trace.Span, input any) (*ingestion.Result, error) {
	res, err := s.parser.Parse(input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		var fe *ingestion.FormatError
		if s.metrics != nil && errors.As(err, &fe) {
			s.metrics.FormatErrors.WithLabelValues(string(fe.Kind)).Inc()
		}
		return nil, fmt.Errorf("failed to parse input: %w", err)
	}

	if s.metrics != nil {
		for _, e := range res.Events {
			s.metrics.RecordsIngested.WithLabelValues(string(e.Category)).Inc()
		}
		s.metrics.RecordsDropped.WithLabelValues("no_timestamp").Add(float64(res.Dropped))
		s.metrics.RecordsDropped.WithLabelValues("duplicate").Add(float64(res.Duplicates))
		s.metrics.RecordsDropped.WithLabelValues("unparseable").Add(float64(res.SkippedLines))
	}
	return res, nil
}

func (s *Service) load(ctx context.Context, sessionID string) (*Snapshot, error) {
	entries, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	records := make([]fields.Record, len(entries))
	for i, entry := range entries {
		records[i] = ingestion.Wrap(entry.ID, entry.Payload)
	}

	res := s.parser.ParseRecords(records)
	if res.Dropped > 0 {
		s.logger.Warn("Stored payloads no longer normalize",
			zap.String("session", sessionID),
			zap.Int("dropped", res.Dropped),
		)
	}
	return s.build(res.Events), nil
}

func (s *Service) build(events []*telemetry.Event) *Snapshot {
	snap := Build(events)
	if s.metrics != nil {
		s.metrics.HostsPerSnapshot.Observe(float64(len(snap.Hosts)))
		s.metrics.EdgesEmitted.Add(float64(len(snap.Connections)))
	}
	return snap
}

func (s *Service) observeDuration(operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.IngestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
