// Package notify delivers relevance-gated change alerts. The log sink is
// always available; the NATS sink fans alerts out to external consumers
// when an event bus is configured.
package notify

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/halcyonlab/persistguard/internal/models"
)

// LogSink writes alerts to the structured log. It never needs permission
// and never fails.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("alerts")}
}

func (s *LogSink) RequestPermission() error { return nil }

func (s *LogSink) Send(c models.Change, relevance int) error {
	fields := []zap.Field{
		zap.String("type", string(c.Type)),
		zap.String("identifier", c.Identifier),
		zap.String("category", string(c.Category)),
		zap.Int("relevance", relevance),
	}
	if c.Item != nil {
		fields = append(fields,
			zap.String("trust", string(c.Item.TrustLevel)),
			zap.Int("risk", c.Item.RiskScore))
	}
	for _, d := range c.Details {
		fields = append(fields, zap.String("field."+d.Field,
			fmt.Sprintf("%s -> %s", d.OldValue, d.NewValue)))
	}
	s.log.Warn("persistence change detected", fields...)
	return nil
}

func (s *LogSink) SendBatchSummary(changes []models.Change) error {
	s.log.Warn("multiple persistence changes detected", zap.Int("count", len(changes)))
	return nil
}

// MultiSink fans one alert out to several sinks. Permission is granted
// if any sink grants it; delivery errors are collected but delivery is
// attempted everywhere.
type MultiSink struct {
	sinks []Sink
}

// Sink mirrors the orchestrator's consumer interface so implementations
// compose.
type Sink interface {
	RequestPermission() error
	Send(c models.Change, relevance int) error
	SendBatchSummary(changes []models.Change) error
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) RequestPermission() error {
	var lastErr error
	granted := false
	for _, s := range m.sinks {
		if err := s.RequestPermission(); err != nil {
			lastErr = err
			continue
		}
		granted = true
	}
	if granted {
		return nil
	}
	return lastErr
}

func (m *MultiSink) Send(c models.Change, relevance int) error {
	var lastErr error
	for _, s := range m.sinks {
		if err := s.Send(c, relevance); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *MultiSink) SendBatchSummary(changes []models.Change) error {
	var lastErr error
	for _, s := range m.sinks {
		if err := s.SendBatchSummary(changes); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
