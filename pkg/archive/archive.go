package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tally/pkg/metering"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/storage"
)

const contentType = "application/x-ndjson"

// ObjectStore is the subset of S3Store the exporter needs
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
	ObjectExists(ctx context.Context, key string) (bool, error)
}

// UsageSource lists usage events
type UsageSource interface {
	ListUsageEvents(ctx context.Context, q storage.UsageQuery) ([]*metering.UsageEvent, error)
}

// Result describes one exported day
type Result struct {
	Day     string `json:"day"`
	Key     string `json:"key"`
	Events  int    `json:"events"`
	Bytes   int    `json:"bytes"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Exporter writes each UTC day of usage events to one NDJSON object
type Exporter struct {
	source  UsageSource
	objects ObjectStore
	prefix  string
	log     logrus.FieldLogger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures an Exporter
type Option func(*Exporter)

// WithPrefix sets the key prefix inside the bucket
func WithPrefix(prefix string) Option {
	return func(e *Exporter) { e.prefix = prefix }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Exporter) { e.log = log }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Exporter) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// NewExporter creates an exporter
func NewExporter(source UsageSource, objects ObjectStore, opts ...Option) *Exporter {
	e := &Exporter{
		source:  source,
		objects: objects,
		prefix:  "usage",
		log:     logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Key returns the object key of a day, e.g. usage/2025/01/10.ndjson
func (e *Exporter) Key(day time.Time) string {
	return path.Join(e.prefix, day.UTC().Format("2006/01/02")+".ndjson")
}

// ExportPreviousDay exports yesterday in UTC. It is the scheduled job.
func (e *Exporter) ExportPreviousDay(ctx context.Context) (Result, error) {
	return e.ExportDay(ctx, e.now().UTC().AddDate(0, 0, -1), false)
}

// ExportDay writes the events created on day's UTC date. An existing
// object is left alone unless overwrite is set, so reruns are safe.
func (e *Exporter) ExportDay(ctx context.Context, day time.Time, overwrite bool) (Result, error) {
	start := time.Now()
	from := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	res := Result{Day: from.Format("2006-01-02"), Key: e.Key(from)}
	log := e.log.WithFields(logrus.Fields{"job": "archive", "day": res.Day, "key": res.Key})

	if !overwrite {
		exists, err := e.objects.ObjectExists(ctx, res.Key)
		if err != nil {
			return res, err
		}
		if exists {
			res.Skipped = true
			log.Debug("archive object already exists")
			return res, nil
		}
	}

	evs, err := e.source.ListUsageEvents(ctx, storage.UsageQuery{From: from, To: from.AddDate(0, 0, 1)})
	if err != nil {
		e.observe(0, 1, start)
		return res, fmt.Errorf("failed to list usage for %s: %w", res.Day, err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range evs {
		if err := enc.Encode(ev); err != nil {
			return res, fmt.Errorf("failed to encode usage event %s: %w", ev.ID, err)
		}
	}
	res.Events = len(evs)
	res.Bytes = buf.Len()

	meta := map[string]string{
		"event-count": strconv.Itoa(res.Events),
		"day":         res.Day,
	}
	if err := e.objects.PutObject(ctx, res.Key, buf.Bytes(), contentType, meta); err != nil {
		e.observe(0, 1, start)
		return res, err
	}

	e.observe(res.Events, 0, start)
	log.WithFields(logrus.Fields{"events": res.Events, "bytes": res.Bytes}).Info("usage archived")
	return res, nil
}

func (e *Exporter) observe(processed, failed int, start time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveJob("archive", processed, failed, time.Since(start))
	}
}
