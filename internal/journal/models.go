// Package journal persists the outcome of every dispatched delivery to
// PostgreSQL.
package journal

import (
	"time"
)

// Outcome values stored in DeliveryOutcome.Outcome.
const (
	OutcomeAck         = "ack"
	OutcomeNackRequeue = "nack_requeue"
	OutcomeNackDiscard = "nack_discard"
)

// DeliveryOutcome is one settled delivery.
type DeliveryOutcome struct {
	SettledAt     time.Time `gorm:"index:idx_queue_settled;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	Queue         string    `gorm:"index:idx_queue_settled;not null"`
	ConsumerTag   string    `gorm:"index;not null"`
	Exchange      string
	RoutingKey    string
	MessageID     string `gorm:"index"`
	MessageType   string
	CorrelationID string
	Outcome       string `gorm:"not null"`
	Error         string
	DeliveryTag   uint64 `gorm:"not null"`
	ID            uint   `gorm:"primaryKey"`
	Redelivered   bool
}

// TableName specifies the table name for DeliveryOutcome.
func (DeliveryOutcome) TableName() string {
	return "delivery_outcomes"
}
