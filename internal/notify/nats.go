package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/halcyonlab/persistguard/internal/models"
)

const (
	subjectChange  = "persistguard.changes"
	subjectSummary = "persistguard.changes.summary"
)

// changeAlert is the wire shape published to the event bus
type changeAlert struct {
	Type       models.ChangeType     `json:"type"`
	Identifier string                `json:"identifier"`
	Category   models.Category       `json:"category"`
	Relevance  int                   `json:"relevance"`
	Timestamp  time.Time             `json:"timestamp"`
	Details    []models.ChangeDetail `json:"details,omitempty"`
	RiskScore  int                   `json:"risk_score,omitempty"`
	TrustLevel models.TrustLevel     `json:"trust_level,omitempty"`
}

// NATSSink publishes alerts to a NATS subject so external tooling can
// consume them.
type NATSSink struct {
	conn *nats.Conn
	log  *zap.Logger
}

// NewNATSSink connects with retry so a late-starting broker does not
// break monitor startup.
func NewNATSSink(natsURL string, log *zap.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to event bus: %w", err)
	}
	log.Info("connected to event bus", zap.String("url", natsURL))
	return &NATSSink{conn: conn, log: log.Named("nats")}, nil
}

// RequestPermission reports whether the bus is reachable
func (s *NATSSink) RequestPermission() error {
	if !s.conn.IsConnected() {
		return fmt.Errorf("event bus not connected")
	}
	return nil
}

func (s *NATSSink) Send(c models.Change, relevance int) error {
	alert := changeAlert{
		Type:       c.Type,
		Identifier: c.Identifier,
		Category:   c.Category,
		Relevance:  relevance,
		Timestamp:  c.Timestamp,
		Details:    c.Details,
	}
	if c.Item != nil {
		alert.RiskScore = c.Item.RiskScore
		alert.TrustLevel = c.Item.TrustLevel
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(subjectChange, data); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func (s *NATSSink) SendBatchSummary(changes []models.Change) error {
	identifiers := make([]string, 0, len(changes))
	for _, c := range changes {
		identifiers = append(identifiers, c.Identifier)
	}
	data, err := json.Marshal(map[string]interface{}{
		"count":       len(changes),
		"identifiers": identifiers,
		"timestamp":   time.Now(),
	})
	if err != nil {
		return err
	}
	if err := s.conn.Publish(subjectSummary, data); err != nil {
		return fmt.Errorf("publish summary: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}
