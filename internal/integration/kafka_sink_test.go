//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/quake-consensus-service/internal/adapter/kafka"
	"github.com/couchcryptid/quake-consensus-service/internal/config"
	"github.com/couchcryptid/quake-consensus-service/internal/consensus"
	"github.com/couchcryptid/quake-consensus-service/internal/domain"
	"github.com/couchcryptid/quake-consensus-service/internal/engine"
	"github.com/couchcryptid/quake-consensus-service/internal/events"
	"github.com/couchcryptid/quake-consensus-service/internal/observability"
	"github.com/couchcryptid/quake-consensus-service/internal/registry"
	"github.com/couchcryptid/quake-consensus-service/internal/reliability"
)

const (
	testResultsTopic     = "test-results"
	testDiscrepancyTopic = "test-discrepancies"
	testLiveTopic        = "test-live"
)

var t0 = time.Date(2024, 1, 1, 7, 10, 0, 0, time.UTC)

type staticFetcher struct {
	mu     sync.Mutex
	events map[string][]domain.Event
}

func (f *staticFetcher) Fetch(_ context.Context, src domain.Source) (domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.Batch{SourceID: src.ID, Events: f.events[src.ID], FetchedAt: t0}, nil
}

type upProber struct{}

func (upProber) Probe(context.Context, domain.Source) error { return nil }

func newEngine(t *testing.T, fetcher domain.Fetcher, bus *events.Bus) *engine.Engine {
	t.Helper()
	logger := discardLogger()
	clock := clockwork.NewFakeClockAt(t0.Add(2 * time.Minute))
	metrics := observability.NewMetricsForTesting()

	reg := registry.New(clock, logger, time.Second)
	require.NoError(t, reg.Register([]domain.Source{
		{ID: "usgs", Category: domain.CategoryEarthquake, BaseReliability: 0.9},
		{ID: "emsc", Category: domain.CategorySeismic, BaseReliability: 0.8},
	}))

	e := engine.New(engine.DefaultConfig(), engine.Deps{
		Registry: reg,
		Prober:   upProber{},
		Fetcher:  fetcher,
		Scorer:   reliability.NewScorer(nil, metrics, logger),
		Builder:  consensus.NewBuilder(logger),
		Bus:      bus,
		Clock:    clock,
		Metrics:  metrics,
		Logger:   logger,
	})
	e.Initialize(context.Background())
	return e
}

func readOne(ctx context.Context, t *testing.T, broker, topic string) kafkago.Message {
	t.Helper()
	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       topic,
		GroupID:     fmt.Sprintf("test-consumer-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from %s", topic)
	return msg
}

// TestCycleResultsReachKafka runs a cycle with two disagreeing sources and
// verifies both the result and the discrepancy land on their topics.
func TestCycleResultsReachKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testResultsTopic)
	createTopic(t, broker, testDiscrepancyTopic)

	cfg := &config.Config{
		KafkaBrokers:          []string{broker},
		KafkaResultsTopic:     testResultsTopic,
		KafkaDiscrepancyTopic: testDiscrepancyTopic,
	}
	writer := kafka.NewWriter(cfg, observability.NewMetricsForTesting(), discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	bus := events.NewBus(discardLogger())
	writer.Attach(bus)

	fetcher := &staticFetcher{events: map[string][]domain.Event{
		"usgs": {{ID: "usgs:1", SourceID: "usgs", Time: t0, Magnitude: domain.Float(5.0), Coordinates: domain.Coordinates{Lat: 35, Lon: 139}}},
		"emsc": {{ID: "emsc:1", SourceID: "emsc", Time: t0, Magnitude: domain.Float(7.5), Coordinates: domain.Coordinates{Lat: 35, Lon: 139}}},
	}}
	res := newEngine(t, fetcher, bus).PerformCycle(ctx)
	require.Len(t, res.Discrepancies, 1)

	msg := readOne(ctx, t, broker, testResultsTopic)
	assert.Equal(t, res.ID, string(msg.Key))
	var got domain.VerificationResult
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, domain.CycleOK, got.Status)
	assert.Equal(t, 2, got.SourceCount)

	msg = readOne(ctx, t, broker, testDiscrepancyTopic)
	var d domain.Discrepancy
	require.NoError(t, json.Unmarshal(msg.Value, &d))
	assert.Equal(t, domain.CauseMagnitude, d.Cause)
	assert.Equal(t, res.Discrepancies[0].ID, d.ID)
}

// TestLiveFeedRaisesDiscrepancy publishes a contradicting live event and
// expects a realtime discrepancy on the sink topic.
func TestLiveFeedRaisesDiscrepancy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testLiveTopic)
	createTopic(t, broker, testResultsTopic)
	createTopic(t, broker, testDiscrepancyTopic)

	cfg := &config.Config{
		KafkaBrokers:          []string{broker},
		KafkaResultsTopic:     testResultsTopic,
		KafkaDiscrepancyTopic: testDiscrepancyTopic,
		KafkaLiveTopic:        testLiveTopic,
		KafkaGroupID:          fmt.Sprintf("test-live-%d", time.Now().UnixNano()),
	}
	metrics := observability.NewMetricsForTesting()

	writer := kafka.NewWriter(cfg, metrics, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })
	bus := events.NewBus(discardLogger())
	writer.Attach(bus)

	fetcher := &staticFetcher{events: map[string][]domain.Event{
		"emsc": {{ID: "emsc:1", SourceID: "emsc", Time: t0, Magnitude: domain.Float(5.0), Coordinates: domain.Coordinates{Lat: 35, Lon: 139}}},
	}}
	eng := newEngine(t, fetcher, bus)

	reader := kafka.NewReader(cfg, eng, metrics, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	readerCtx, readerCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- reader.Run(readerCtx) }()

	live, err := json.Marshal(domain.Event{
		ID:          "usgs:live",
		SourceID:    "usgs",
		Time:        t0,
		Magnitude:   domain.Float(7.5),
		Coordinates: domain.Coordinates{Lat: 35, Lon: 139},
	})
	require.NoError(t, err)
	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: testLiveTopic}
	t.Cleanup(func() { _ = producer.Close() })
	require.NoError(t, producer.WriteMessages(ctx, kafkago.Message{Key: []byte("usgs:live"), Value: live}))

	msg := readOne(ctx, t, broker, testDiscrepancyTopic)
	assert.Equal(t, "usgs", string(msg.Key))
	var d domain.Discrepancy
	require.NoError(t, json.Unmarshal(msg.Value, &d))
	assert.True(t, d.Realtime)
	require.NotNil(t, d.Event)
	assert.Equal(t, "usgs:live", d.Event.ID)

	readerCancel()
	require.NoError(t, <-errCh)
}
