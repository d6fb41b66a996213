// Package audit fans side-effect records out to the configured sinks.
// Every sink is fire-and-forget: failures are logged and never reach the caller.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/tapguard/internal/domain"
)

const writeTimeout = 2 * time.Second

// Sink is an audit destination that can be closed.
type Sink interface {
	domain.AuditLogger
	Close() error
}

// RepositorySink stores audit events in the audit_events table.
type RepositorySink struct {
	repo domain.Repository
}

// NewRepositorySink creates a sink backed by the repository.
func NewRepositorySink(repo domain.Repository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

// LogAudit implements domain.AuditLogger.
func (s *RepositorySink) LogAudit(ctx context.Context, event *domain.AuditEvent) {
	ctx, cancel := detach(ctx)
	defer cancel()

	if err := s.repo.SaveAuditEvent(ctx, event); err != nil {
		slog.Warn("audit write failed", "sink", "repository", "action", event.Action, "error", err)
	}
}

// Close is a no-op; the repository is owned by the caller.
func (s *RepositorySink) Close() error { return nil }

// BusSink publishes audit events on the tapguard.audit topic.
type BusSink struct {
	bus domain.EventBus
}

// NewBusSink creates a sink that publishes to the event bus.
func NewBusSink(bus domain.EventBus) *BusSink {
	return &BusSink{bus: bus}
}

// LogAudit implements domain.AuditLogger.
func (s *BusSink) LogAudit(ctx context.Context, event *domain.AuditEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("audit encode failed", "sink", "bus", "action", event.Action, "error", err)
		return
	}

	ctx, cancel := detach(ctx)
	defer cancel()

	if err := s.bus.Publish(ctx, domain.TopicAudit, payload); err != nil {
		slog.Warn("audit publish failed", "sink", "bus", "action", event.Action, "error", err)
	}
}

// Close is a no-op; the bus is owned by the caller.
func (s *BusSink) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes audit events to a Kafka topic, keyed by entity ID so
// events for one card or member stay ordered.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a Kafka-backed sink.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka audit sink requires at least one broker")
	}
	if topic == "" {
		topic = domain.TopicAudit
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

// LogAudit implements domain.AuditLogger.
func (s *KafkaSink) LogAudit(ctx context.Context, event *domain.AuditEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("audit encode failed", "sink", "kafka", "action", event.Action, "error", err)
		return
	}

	ctx, cancel := detach(ctx)
	defer cancel()

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Topic: s.topic,
		Key:   []byte(event.EntityID),
		Value: payload,
		Time:  event.CreatedAt.UTC(),
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(event.Action)},
		},
	})
	if err != nil {
		slog.Warn("audit publish failed", "sink", "kafka", "action", event.Action, "error", err)
	}
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Multi writes every event to each sink in order.
type Multi []Sink

// LogAudit implements domain.AuditLogger.
func (m Multi) LogAudit(ctx context.Context, event *domain.AuditEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	for _, s := range m {
		s.LogAudit(ctx, event)
	}
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the sinks named in cfg. bus may be nil when the bus sink is
// not configured.
func New(cfg domain.AuditConfig, repo domain.Repository, bus domain.EventBus) (Multi, error) {
	var sinks Multi
	for _, name := range cfg.Sinks {
		switch name {
		case "repository":
			sinks = append(sinks, NewRepositorySink(repo))
		case "bus":
			if bus == nil {
				return nil, fmt.Errorf("audit sink %q requires an event bus", name)
			}
			sinks = append(sinks, NewBusSink(bus))
		case "kafka":
			k, err := NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, k)
		default:
			return nil, fmt.Errorf("unsupported audit sink: %s", name)
		}
	}
	return sinks, nil
}

// detach keeps request values but drops the caller's cancellation, so an
// audit write still lands after the tap response has been sent.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}
