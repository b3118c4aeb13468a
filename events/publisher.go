package events

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/debts_backend/config"
	"github.com/sirupsen/logrus"
)

// NewPublisherFromConfig selects the bus named by EVENT_BUS.
func NewPublisherFromConfig(ctx context.Context, cfg config.PipelineConfig, logger *logrus.Logger) (Publisher, error) {
	switch cfg.EventBus {
	case config.EventBusPubSub:
		client, err := config.GetPubSubClient(ctx)
		if err != nil {
			return nil, err
		}
		return NewPubSubPublisher(client, cfg.PubSubTopicPrefix, config.EnvBool("PUBSUB_CREATE_TOPICS", false))
	case config.EventBusKafka:
		return NewKafkaPublisher(cfg.KafkaBrokers, map[string]string{
			EventTypeInvoiceGenerated: cfg.PubSubTopicPrefix + EventTypeInvoiceGenerated,
			EventTypeFileRowFailed:    cfg.PubSubTopicPrefix + EventTypeFileRowFailed,
		})
	case config.EventBusLog, "":
		return NewLogPublisher(logger), nil
	default:
		return nil, fmt.Errorf("unknown EVENT_BUS %q", cfg.EventBus)
	}
}
