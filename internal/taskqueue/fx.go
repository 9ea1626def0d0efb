package taskqueue

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/meterwatch/meterwatch/internal/config"
)

// Factory creates producers and consumers against one backing transport.
type Factory interface {
	Producer() Producer
	Consumer(topic, group string, opts ConsumerOptions) Consumer
}

type kafkaFactory struct {
	brokers []string
}

func (f *kafkaFactory) Producer() Producer {
	return NewKafkaProducer(f.brokers)
}

func (f *kafkaFactory) Consumer(topic, group string, opts ConsumerOptions) Consumer {
	return NewKafkaConsumer(f.brokers, topic, group, opts)
}

type Params struct {
	fx.In

	Config config.Config
	Logger *zap.Logger
}

// NewFactory picks the transport from configuration: kafka when brokers are
// configured, the in-process broker otherwise (local development).
func NewFactory(p Params) Factory {
	if len(p.Config.Kafka.Brokers) > 0 {
		p.Logger.Named("taskqueue").Info("using kafka transport",
			zap.Strings("brokers", p.Config.Kafka.Brokers),
		)
		return &kafkaFactory{brokers: p.Config.Kafka.Brokers}
	}
	p.Logger.Named("taskqueue").Info("using in-process transport")
	return NewBroker(p.Config.Kafka.Partitions)
}

var Module = fx.Module("taskqueue",
	fx.Provide(
		NewFactory,
		NewRegistry,
	),
)
