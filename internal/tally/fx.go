package tally

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meterwatch/meterwatch/internal/billing"
	"github.com/meterwatch/meterwatch/internal/clock"
	"github.com/meterwatch/meterwatch/internal/config"
	"github.com/meterwatch/meterwatch/internal/observability/metrics"
	"github.com/meterwatch/meterwatch/internal/product"
	"github.com/meterwatch/meterwatch/internal/taskqueue"
)

type Params struct {
	fx.In

	Config   config.Config
	Registry *product.Registry
}

func NewEngineFromParams(p Params) *Engine {
	return NewEngine(p.Registry, p.Config.FirstDayOfWeek)
}

type StoreParams struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
}

func NewSampleStoreFromParams(p StoreParams) SampleStore {
	return NewSampleStore(p.DB, p.GenID)
}

type ConsumerParams struct {
	fx.In

	Config   config.Config
	Factory  taskqueue.Factory
	Registry *taskqueue.Registry
	Engine   *Engine
	Samples  SampleStore
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func NewConsumerFromParams(p ConsumerParams) *Consumer {
	return NewConsumer(p.Config, p.Factory, p.Registry, p.Engine, p.Samples, p.Metrics, p.Logger)
}

type PublisherParams struct {
	fx.In

	Config     config.Config
	Samples    SampleStore
	Aggregates billing.AggregateStore
	Factory    taskqueue.Factory
	Clock      clock.Clock
	Logger     *zap.Logger
	Worker     PublisherConfig `optional:"true"`
}

func NewPublisherFromParams(p PublisherParams) *Publisher {
	return NewPublisher(
		p.Samples,
		p.Aggregates,
		p.Factory.Producer(),
		p.Clock,
		p.Config.Kafka.BillableUsageTopic,
		p.Worker,
		p.Logger,
	)
}

var Module = fx.Module("tally",
	fx.Provide(
		NewEngineFromParams,
		NewSampleStoreFromParams,
		NewConsumerFromParams,
		NewPublisherFromParams,
	),
)
