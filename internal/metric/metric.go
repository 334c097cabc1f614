package metric

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

type Client interface {
	// Add registers a metric sent on every Ticker tick.
	Add(metric Metric)
	Send(ctx context.Context, metrics ...Metric)
	Ticker(ctx context.Context, duration time.Duration)
	Close()
}

type Metric interface {
	Metric() *write.Point
}

type Fields map[string]interface{}

type Tags map[string]string

type RowMetric struct {
	Name string
	Tags Tags
}

// DurationMetric records how long something took, in seconds.
type DurationMetric struct {
	RowMetric
	Duration time.Duration
}

func (m *DurationMetric) Metric() *write.Point {
	return influxdb2.NewPoint(m.Name, m.Tags, Fields{"duration": m.Duration.Seconds()}, time.Now())
}

// GaugeMetric samples Value each time it is sent.
type GaugeMetric struct {
	RowMetric
	Value func() float64
}

func (m *GaugeMetric) Metric() *write.Point {
	return influxdb2.NewPoint(m.Name, m.Tags, Fields{"value": m.Value()}, time.Now())
}

type EventMetric struct {
	RowMetric
	Fields Fields
}

func (m *EventMetric) Metric() *write.Point {
	return influxdb2.NewPoint(m.Name, m.Tags, m.Fields, time.Now())
}
