package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/quake-consensus-service/internal/config"
	"github.com/couchcryptid/quake-consensus-service/internal/domain"
	"github.com/couchcryptid/quake-consensus-service/internal/events"
	"github.com/couchcryptid/quake-consensus-service/internal/observability"
)

// publishTimeout bounds a single sink write made from a bus handler.
const publishTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes verification results and discrepancies to their sink
// topics.
type Writer struct {
	results       messageWriter
	discrepancies messageWriter
	metrics       *observability.Metrics
	logger        *slog.Logger
}

// NewWriter creates Kafka producers for the results and discrepancy topics.
func NewWriter(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) *Writer {
	newProducer := func(topic string) *kafkago.Writer {
		return &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.KafkaBrokers...),
			Topic:        topic,
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireAll,
		}
	}
	return &Writer{
		results:       newProducer(cfg.KafkaResultsTopic),
		discrepancies: newProducer(cfg.KafkaDiscrepancyTopic),
		metrics:       metrics,
		logger:        logger,
	}
}

// PublishResult writes one verification result keyed by cycle id.
func (w *Writer) PublishResult(ctx context.Context, res domain.VerificationResult) error {
	msg, err := resultMessage(res)
	if err != nil {
		return err
	}
	return w.write(ctx, w.results, msg)
}

// PublishDiscrepancy writes one discrepancy keyed by its primary source, so
// a source's discrepancies stay ordered within a partition.
func (w *Writer) PublishDiscrepancy(ctx context.Context, d domain.Discrepancy) error {
	msg, err := discrepancyMessage(d)
	if err != nil {
		return err
	}
	return w.write(ctx, w.discrepancies, msg)
}

func (w *Writer) write(ctx context.Context, mw messageWriter, msg kafkago.Message) error {
	if err := mw.WriteMessages(ctx, msg); err != nil {
		w.metrics.SinkPublishes.WithLabelValues("kafka", "error").Inc()
		return fmt.Errorf("kafka publish: %w", err)
	}
	w.metrics.SinkPublishes.WithLabelValues("kafka", "success").Inc()
	return nil
}

// Attach subscribes the writer to both bus topics. Publish failures are
// logged; they never fail the verification cycle.
func (w *Writer) Attach(bus *events.Bus) (detach func()) {
	unsubResults := events.Subscribe(bus, events.VerificationComplete, func(res domain.VerificationResult) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := w.PublishResult(ctx, res); err != nil {
			w.logger.Error("publish verification result failed", "cycle_id", res.ID, "error", err)
		}
	})
	unsubDiscrepancies := events.Subscribe(bus, events.DiscrepancyDetected, func(d domain.Discrepancy) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := w.PublishDiscrepancy(ctx, d); err != nil {
			w.logger.Error("publish discrepancy failed", "discrepancy_id", d.ID, "error", err)
		}
	})
	return func() {
		unsubResults()
		unsubDiscrepancies()
	}
}

// Close flushes and closes both producers.
func (w *Writer) Close() error {
	errR := w.results.Close()
	errD := w.discrepancies.Close()
	if errR != nil {
		return errR
	}
	return errD
}

func resultMessage(res domain.VerificationResult) (kafkago.Message, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize verification result: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(res.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "status", Value: []byte(res.Status)},
			{Key: "agreement", Value: []byte(strconv.FormatFloat(res.Agreement, 'f', 4, 64))},
			{Key: "timestamp", Value: []byte(res.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}

func discrepancyMessage(d domain.Discrepancy) (kafkago.Message, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize discrepancy: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(d.SourceA),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "cause", Value: []byte(d.Cause)},
			{Key: "realtime", Value: []byte(strconv.FormatBool(d.Realtime))},
			{Key: "detected_at", Value: []byte(d.DetectedAt.Format(time.RFC3339))},
		},
	}, nil
}
