package source

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AnandSundar/go-cohortrates"
)

const (
	// DefaultMeasurement is the measurement events are written to
	DefaultMeasurement = "events"
	// DefaultField is the field every event point carries
	DefaultField = "n"
)

// InfluxConfig names where events live in InfluxDB.
type InfluxConfig struct {
	Bucket      string
	Measurement string
	Field       string
}

// InfluxEvents counts events stored as InfluxDB points tagged with
// experiment, cohort and event. Each event is one point with field Field = 1.
type InfluxEvents struct {
	query  api.QueryAPI
	writer api.WriteAPIBlocking
	config InfluxConfig
}

// NewInfluxEvents creates an event source over the given query and write APIs.
// writer may be nil for a read-only source.
func NewInfluxEvents(query api.QueryAPI, writer api.WriteAPIBlocking, config InfluxConfig) *InfluxEvents {
	if config.Measurement == "" {
		config.Measurement = DefaultMeasurement
	}
	if config.Field == "" {
		config.Field = DefaultField
	}
	return &InfluxEvents{query: query, writer: writer, config: config}
}

// NewInfluxEventsFromClient wires an event source to a connected client.
func NewInfluxEventsFromClient(client influxdb2.Client, org string, config InfluxConfig) *InfluxEvents {
	return NewInfluxEvents(client.QueryAPI(org), client.WriteAPIBlocking(org, config.Bucket), config)
}

// CountAndDuration runs a Flux count over [w.Start, w.End); range stop is exclusive.
func (s *InfluxEvents) CountAndDuration(ctx context.Context, experiment string, cell cohortrates.Cell, w cohortrates.Window) (int64, float64, error) {
	result, err := s.query.Query(ctx, s.countQuery(experiment, cell, w))
	if err != nil {
		return 0, 0, fmt.Errorf("influx query: %w", err)
	}
	if result == nil {
		return 0, w.Exposure(), nil
	}
	defer result.Close()

	var k int64
	for result.Next() {
		v, err := toInt64(result.Record().Value())
		if err != nil {
			return 0, 0, err
		}
		k += v
	}
	if err := result.Err(); err != nil {
		return 0, 0, fmt.Errorf("influx result: %w", err)
	}
	return k, w.Exposure(), nil
}

// Append writes one point per row.
func (s *InfluxEvents) Append(ctx context.Context, experiment string, rows []cohortrates.EventRow) (int, error) {
	if s.writer == nil {
		return 0, cohortrates.ErrIngestUnsupported
	}
	points := make([]*write.Point, 0, len(rows))
	for _, row := range rows {
		points = append(points, influxdb2.NewPoint(
			s.config.Measurement,
			map[string]string{
				"experiment": experiment,
				"cohort":     row.Cohort,
				"event":      row.Event,
			},
			map[string]interface{}{s.config.Field: int64(1)},
			row.Timestamp,
		))
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return 0, fmt.Errorf("influx write: %w", err)
	}
	return len(points), nil
}

func (s *InfluxEvents) countQuery(experiment string, cell cohortrates.Cell, w cohortrates.Window) string {
	return fmt.Sprintf(`
        from(bucket: %s)
          |> range(start: %s, stop: %s)
          |> filter(fn: (r) => r._measurement == %s and r._field == %s)
          |> filter(fn: (r) => r.experiment == %s and r.cohort == %s and r.event == %s)
          |> group()
          |> count()`,
		strconv.Quote(s.config.Bucket),
		w.Start.UTC().Format(time.RFC3339Nano),
		w.End.UTC().Format(time.RFC3339Nano),
		strconv.Quote(s.config.Measurement),
		strconv.Quote(s.config.Field),
		strconv.Quote(experiment),
		strconv.Quote(cell.Cohort),
		strconv.Quote(cell.Event),
	)
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected count value %T", v)
}
