package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/quake-consensus-service/internal/config"
	"github.com/couchcryptid/quake-consensus-service/internal/domain"
	"github.com/couchcryptid/quake-consensus-service/internal/engine"
	"github.com/couchcryptid/quake-consensus-service/internal/observability"
)

// LiveVerifier checks a single live event against the other sources.
type LiveVerifier interface {
	VerifyRealtime(ctx context.Context, ev domain.Event) (engine.RealtimeResult, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Reader consumes the live event topic and verifies each event as it
// arrives.
type Reader struct {
	reader   messageReader
	verifier LiveVerifier
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewReader creates a consumer-group reader for the live topic.
func NewReader(cfg *config.Config, verifier LiveVerifier, metrics *observability.Metrics, logger *slog.Logger) *Reader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaLiveTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Reader{reader: r, verifier: verifier, metrics: metrics, logger: logger}
}

// Run consumes until ctx is cancelled. Malformed messages are committed and
// skipped; broker errors back off exponentially.
func (r *Reader) Run(ctx context.Context) error {
	r.logger.Info("live feed reader started")

	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("live feed reader stopping", "reason", ctx.Err())
				return nil
			}
			r.logger.Error("fetch live message failed", "error", err)
			if !sleepWithContext(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}
		backoff = 200 * time.Millisecond

		r.handle(ctx, msg)
		if err := r.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			r.logger.Warn("commit offset failed", "error", err,
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		}
	}
}

func (r *Reader) handle(ctx context.Context, msg kafkago.Message) {
	ev, err := mapMessageToEvent(msg)
	if err != nil {
		r.metrics.LiveEvents.WithLabelValues("kafka", "invalid").Inc()
		r.logger.Warn("malformed live event, skipping message",
			"error", err, "partition", msg.Partition, "offset", msg.Offset)
		return
	}

	res, err := r.verifier.VerifyRealtime(ctx, ev)
	r.metrics.LiveEvents.WithLabelValues("kafka", engine.LiveOutcome(res, err)).Inc()
	if err != nil {
		r.logger.Warn("live verification failed", "event_id", ev.ID, "error", err)
		return
	}
	r.logger.Debug("live event verified", "event_id", ev.ID, "agreement", res.Agreement, "compared", res.Compared)
}

// Close closes the underlying consumer.
func (r *Reader) Close() error {
	return r.reader.Close()
}

// mapMessageToEvent decodes a live event. The message key and source_id
// header fill in a missing id and source.
func mapMessageToEvent(msg kafkago.Message) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("decode live event: %w", err)
	}
	if ev.ID == "" {
		ev.ID = string(msg.Key)
	}
	if ev.SourceID == "" {
		for _, h := range msg.Headers {
			if h.Key == "source_id" {
				ev.SourceID = string(h.Value)
			}
		}
	}
	if ev.SourceID == "" {
		return domain.Event{}, errors.New("live event has no source")
	}
	return ev, nil
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
