package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	producerClientID = "promptmarket-economy"
	contentTypeJSON  = "application/json"
)

// Publisher writes one JSON document to a topic. Events about the same user
// share a key so they land on one partition in order.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

type ProducerMetrics struct {
	published    *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	deadLettered *prometheus.CounterVec
}

func NewProducerMetrics(registry prometheus.Registerer) *ProducerMetrics {
	m := &ProducerMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "economy_events_published_total",
			Help: "Domain events handed to Kafka, by topic and outcome.",
		}, []string{"topic", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "economy_events_publish_seconds",
			Help:    "Time spent waiting for the broker to acknowledge an event.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"topic"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "economy_events_dead_lettered_total",
			Help: "Events diverted to the dead-letter topic after a failed publish.",
		}, []string{"topic"}),
	}
	if registry != nil {
		registry.MustRegister(m.published, m.latency, m.deadLettered)
	}
	return m
}

func (m *ProducerMetrics) observePublish(topic string, err error, start time.Time) {
	if m == nil {
		return
	}
	outcome := "acked"
	if err != nil {
		outcome = "failed"
	}
	m.published.WithLabelValues(topic, outcome).Inc()
	m.latency.WithLabelValues(topic).Observe(time.Since(start).Seconds())
}

func (m *ProducerMetrics) observeDeadLetter(topic string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(topic).Inc()
}

// SyncProducer blocks until every in-sync replica has the event.
type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

func NewSyncProducer(brokers []string, logger *slog.Logger, metrics *ProducerMetrics) (*SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	producer, err := sarama.NewSyncProducer(brokers, producerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newSyncProducer(producer, logger, metrics), nil
}

// producerConfig enables idempotent writes, which sarama only allows with a
// single in-flight request per broker.
func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = producerClientID
	cfg.Version = sarama.V3_6_0_0
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

func newSyncProducer(producer sarama.SyncProducer, logger *slog.Logger, metrics *ProducerMetrics) *SyncProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncProducer{producer: producer, logger: logger, metrics: metrics}
}

func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	msg, err := encodeMessage(topic, key, value)
	if err != nil {
		return 0, 0, err
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	p.metrics.observePublish(topic, err, start)
	if err != nil {
		p.logger.Error("event publish failed", "topic", topic, "key", key, "error", err)
		return 0, 0, fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.logger.Debug("event published", "topic", topic, "key", key, "partition", partition, "offset", offset)
	return partition, offset, nil
}

func (p *SyncProducer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

func encodeMessage(topic, key string, value any) (*sarama.ProducerMessage, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode event for %s: %w", topic, err)
	}
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Value:     sarama.ByteEncoder(body),
		Headers:   []sarama.RecordHeader{{Key: []byte("content-type"), Value: []byte(contentTypeJSON)}},
		Timestamp: time.Now().UTC(),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	return msg, nil
}

// DLQPublisher copies an event that its primary publisher could not deliver
// onto the dead-letter topic. The caller still sees the original failure.
type DLQPublisher struct {
	primary  Publisher
	dlq      Publisher
	dlqTopic string
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

func NewDLQPublisher(primary Publisher, dlq Publisher, dlqTopic string, logger *slog.Logger) *DLQPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQPublisher{primary: primary, dlq: dlq, dlqTopic: dlqTopic, logger: logger}
}

func (p *DLQPublisher) WithMetrics(metrics *ProducerMetrics) *DLQPublisher {
	p.metrics = metrics
	return p
}

func (p *DLQPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if p == nil || p.primary == nil {
		return 0, 0, fmt.Errorf("kafka producer not configured")
	}
	partition, offset, err := p.primary.PublishJSON(ctx, topic, key, value)
	if err != nil {
		p.deadLetter(ctx, topic, key, value, err)
	}
	return partition, offset, err
}

func (p *DLQPublisher) deadLetter(ctx context.Context, topic, key string, value any, cause error) {
	if p.dlq == nil || p.dlqTopic == "" {
		return
	}
	payload := BuildPublishDLQPayload(topic, key, value, cause, "publish_failed", 1)
	if _, _, err := p.dlq.PublishJSON(ctx, p.dlqTopic, key, payload); err != nil {
		p.logger.Error("dead-letter publish failed", "topic", topic, "dlq_topic", p.dlqTopic, "error", err)
		return
	}
	p.metrics.observeDeadLetter(topic)
}

func (p *DLQPublisher) Close() error {
	if p == nil || p.primary == nil {
		return nil
	}
	return p.primary.Close()
}
