// Package bus implements the topic-based publish/subscribe message bus that
// wires nodes together.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Priority is the delivery priority carried on a Message. The bus itself
// does not reorder by priority; it is metadata for consumers.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Message is the unit of delivery on the bus.
type Message struct {
	Topic      string
	Data       any
	Timestamp  time.Time
	SourceNode string
	ID         string
	Priority   Priority
}

// NewMessage creates a properly formed Message, stamping the timestamp and a
// unique id.
func NewMessage(topic string, data any, sourceNode string, priority Priority) Message {
	return Message{
		Topic:      topic,
		Data:       data,
		Timestamp:  time.Now(),
		SourceNode: sourceNode,
		ID:         uuid.NewString(),
		Priority:   priority,
	}
}
