// Package telemetry forwards node telemetry and client-side submission
// metrics to InfluxDB for dashboards and alerting.
package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nanoflow/nanoflow/internal/transport"
	"github.com/nanoflow/nanoflow/pkg/errors"
	"github.com/nanoflow/nanoflow/pkg/log"
)

// Sink writes time-series points for node health and submission latency.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *log.Logger
}

// Config holds InfluxDB connection configuration.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewSink creates a telemetry sink.
func NewSink(cfg *Config, logger *log.Logger) (*Sink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNetwork, "telemetry.connect", "failed to check InfluxDB health")
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, errors.New(errors.KindNetwork, "telemetry.connect",
			fmt.Sprintf("InfluxDB health check failed: %s", msg))
	}

	return &Sink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger.WithComponent("telemetry"),
	}, nil
}

// Close flushes buffered points and closes the connection.
func (s *Sink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

// Subscriber is the slice of the transport router the sink consumes.
type Subscriber interface {
	Subscribe(topic transport.Topic, buffer int) (<-chan transport.Event, func())
}

// Run consumes the node's telemetry topic until ctx is cancelled, writing
// one point per report.
func (s *Sink) Run(ctx context.Context, sub Subscriber) error {
	events, detach := sub.Subscribe(transport.TopicTelemetry, 32)
	defer detach()

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.KindCancelled, "telemetry.run", "sink stopped")
		case e := <-events:
			report, err := e.Telemetry()
			if err != nil {
				s.logger.WithError(err).Warn("discarding undecodable telemetry")
				continue
			}
			s.WriteNodeReport(&report)
		}
	}
}

// WriteNodeReport records one node telemetry report.
func (s *Sink) WriteNodeReport(report *transport.TelemetryEvent) {
	fields := map[string]interface{}{
		"block_count":     int64(report.BlockCount),
		"cemented_count":  int64(report.CementedCount),
		"unchecked_count": int64(report.UncheckedCount),
		"account_count":   int64(report.AccountCount),
		"peer_count":      int64(report.PeerCount),
		"uptime":          int64(report.Uptime),
	}

	tags := map[string]string{
		"major_version": fmt.Sprintf("%d", report.MajorVersion),
	}

	point := write.NewPoint("node_telemetry", tags, fields, time.Now())
	s.writeAPI.WritePoint(point)
}

// WriteSubmission records the latency profile of one confirmed or failed
// submission.
func (s *Sink) WriteSubmission(account string, subtype string, attempts int, confirmed bool, duration time.Duration) {
	tags := map[string]string{
		"subtype":   subtype,
		"confirmed": fmt.Sprintf("%t", confirmed),
	}

	fields := map[string]interface{}{
		"account":     account,
		"attempts":    attempts,
		"duration_ms": duration.Milliseconds(),
	}

	point := write.NewPoint("submissions", tags, fields, time.Now())
	s.writeAPI.WritePoint(point)
}

// WriteWorkSearch records where a work value came from and how long the
// acquisition took.
func (s *Sink) WriteWorkSearch(source string, duration time.Duration) {
	tags := map[string]string{"source": source}
	fields := map[string]interface{}{"duration_ms": duration.Milliseconds()}

	point := write.NewPoint("work_search", tags, fields, time.Now())
	s.writeAPI.WritePoint(point)
}
