package domain

import "context"

// AuditLogger records side effects. Calls are fire-and-forget: an
// implementation must never fail the caller.
type AuditLogger interface {
	LogAudit(ctx context.Context, event *AuditEvent)
}

// AuditConfig selects the audit sinks.
type AuditConfig struct {
	// Sinks is any of "repository", "bus", "kafka".
	Sinks        []string `yaml:"sinks"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}
