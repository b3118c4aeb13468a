// Package events announces pipeline outcomes to downstream consumers.
//
// Publishing is best-effort: it happens after the state change it describes has committed, and a
// failed publish is logged and counted, never propagated back into the state machine.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	EventTypeInvoiceGenerated = "invoice.generated"
	EventTypeFileRowFailed    = "file_row.failed"
)

// Event is one message for the bus. Key orders/partitions messages of the same aggregate.
type Event struct {
	Id      string
	Type    string
	Key     string
	Payload any
}

func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return b, nil
}

type InvoiceGenerated struct {
	EventId        string          `json:"eventId"`
	DebtExternalId string          `json:"debtExternalId"`
	Barcode        string          `json:"barcode"`
	DigitableLine  string          `json:"digitableLine"`
	Amount         decimal.Decimal `json:"amount"`
	DueDate        string          `json:"dueDate"`
	GeneratedAt    time.Time       `json:"generatedAt"`
	CorrelationId  string          `json:"correlationId,omitempty"`
}

type FileRowFailed struct {
	EventId        string    `json:"eventId"`
	FileMetadataId int       `json:"fileMetadataId"`
	FileRowId      int       `json:"fileRowId"`
	LineNumber     int       `json:"lineNumber"`
	ErrorKind      string    `json:"errorKind"`
	Message        string    `json:"message"`
	FailedAt       time.Time `json:"failedAt"`
	CorrelationId  string    `json:"correlationId,omitempty"`
}

func NewInvoiceGeneratedEvent(payload InvoiceGenerated) Event {
	if payload.EventId == "" {
		payload.EventId = uuid.NewString()
	}
	return Event{
		Id:      payload.EventId,
		Type:    EventTypeInvoiceGenerated,
		Key:     payload.DebtExternalId,
		Payload: payload,
	}
}

func NewFileRowFailedEvent(payload FileRowFailed) Event {
	if payload.EventId == "" {
		payload.EventId = uuid.NewString()
	}
	return Event{
		Id:      payload.EventId,
		Type:    EventTypeFileRowFailed,
		Key:     fmt.Sprintf("%d", payload.FileMetadataId),
		Payload: payload,
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "debts_events_published_total",
	Help: "Domain events handed to the bus, by event type and outcome.",
}, []string{"event_type", "outcome"})

// PublishBestEffort publishes and swallows the failure after logging it.
func PublishBestEffort(ctx context.Context, p Publisher, logger *logrus.Logger, event Event) {
	if p == nil {
		return
	}
	err := p.Publish(ctx, event)
	if err == nil {
		eventsPublished.WithLabelValues(event.Type, "ok").Inc()
		return
	}
	eventsPublished.WithLabelValues(event.Type, "error").Inc()
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":      "EventPublisher",
			"event_type": event.Type,
			"event_id":   event.Id,
			"event_key":  event.Key,
		}).Error("event publish failed: " + err.Error())
	}
}
