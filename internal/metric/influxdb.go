package metric

import (
	"context"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	lp "github.com/influxdata/line-protocol"
	log "github.com/sirupsen/logrus"
)

type influx struct {
	client influxdb2.Client
	bucket string
	org    string
	logger *log.Entry

	mu      sync.Mutex
	metrics []Metric
}

type InfluxdbConfig struct {
	Addr   string
	Token  string
	Bucket string
	Org    string
}

func NewInfluxdb(config InfluxdbConfig, logger *log.Entry) (Client, error) {
	client := influxdb2.NewClient(config.Addr, config.Token)

	return &influx{client: client, bucket: config.Bucket, org: config.Org, logger: logger}, nil
}

func (i *influx) Add(metric Metric) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.metrics = append(i.metrics, metric)
}

// Send writes synchronously. Failures are logged, never returned: metrics
// must not change the outcome of a run.
func (i *influx) Send(ctx context.Context, metrics ...Metric) {
	points := make([]*write.Point, len(metrics))
	for n, metric := range metrics {
		points[n] = metric.Metric()
	}

	if err := i.client.WriteAPIBlocking(i.org, i.bucket).WritePoint(ctx, points...); err != nil {
		i.logger.WithError(err).Debug("unable to send metrics")
		for _, point := range points {
			i.logger.WithFields(log.Fields{
				"name":   point.Name(),
				"tags":   tagsMap(point.TagList()),
				"fields": fieldsMap(point.FieldList()),
			}).Debug("metric not sent")
		}
	}
}

func (i *influx) Ticker(ctx context.Context, duration time.Duration) {
	ticker := time.NewTicker(duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.mu.Lock()
			metrics := append([]Metric(nil), i.metrics...)
			i.mu.Unlock()

			if len(metrics) > 0 {
				i.Send(ctx, metrics...)
			}
		}
	}
}

func (i *influx) Close() {
	i.client.Close()
}

func tagsMap(tags []*lp.Tag) (t Tags) {
	t = make(Tags)
	for _, tag := range tags {
		t[tag.Key] = tag.Value
	}
	return t
}

func fieldsMap(fields []*lp.Field) (f Fields) {
	f = make(Fields)
	for _, field := range fields {
		f[field.Key] = field.Value
	}
	return f
}
