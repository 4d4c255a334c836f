// Package messaging relays submission outcomes to Kafka so downstream
// services (accounting, alerting, dashboards) can react to confirmed and
// failed blocks without polling the ledger.
package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nanoflow/nanoflow/internal/nano"
	"github.com/nanoflow/nanoflow/pkg/circuit"
	"github.com/nanoflow/nanoflow/pkg/errors"
	"github.com/nanoflow/nanoflow/pkg/log"
	"github.com/nanoflow/nanoflow/pkg/retry"
)

// Outcome is the terminal state of one submission, published as JSON.
type Outcome struct {
	Account      string       `json:"account"`
	BlockHash    string       `json:"block_hash"`
	Subtype      nano.Subtype `json:"subtype"`
	Attempts     int          `json:"attempts"`
	Confirmed    bool         `json:"confirmed"`
	ConfirmedVia string       `json:"confirmed_via,omitempty"`
	Error        string       `json:"error,omitempty"`
	DurationMs   int64        `json:"duration_ms"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Relay publishes outcomes to a single Kafka topic keyed by account, so
// one account's submissions stay ordered within a partition.
type Relay struct {
	writer         *kafka.Writer
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// NewRelay creates a relay writing to topic on brokers.
func NewRelay(brokers []string, topic string, logger *log.Logger) *Relay {
	cbConfig := &circuit.Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	return &Relay{
		writer:         writer,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DefaultConfig(),
		logger:         logger.WithComponent("messaging"),
	}
}

// Publish sends one outcome. The pipeline treats relay failures as
// non-fatal; this method still reports them for logging.
func (r *Relay) Publish(ctx context.Context, o *Outcome) error {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}

	data, err := json.Marshal(o)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "messaging.publish", "failed to encode outcome")
	}

	return r.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, r.retryConfig, func() error {
			msg := kafka.Message{
				Key:   []byte(o.Account),
				Value: data,
				Time:  time.Now(),
			}

			if err := r.writer.WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.KindNetwork, "messaging.publish", "failed to publish outcome").
					WithContext("block_hash", o.BlockHash)
			}

			r.logger.Debug("published outcome", "block_hash", o.BlockHash, "confirmed", o.Confirmed)
			return nil
		})
	})
}

// Close flushes and closes the writer.
func (r *Relay) Close() error {
	return r.writer.Close()
}
