package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogPublisher writes events to the log instead of a bus (EVENT_BUS=log).
type LogPublisher struct {
	Logger *logrus.Logger
}

func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	return &LogPublisher{Logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"field":      "EventPublisher",
			"event_type": event.Type,
			"event_id":   event.Id,
			"event_key":  event.Key,
			"payload":    string(payload),
		}).Info("event published")
	}
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
