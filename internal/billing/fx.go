package billing

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meterwatch/meterwatch/internal/billing/marketplace"
	"github.com/meterwatch/meterwatch/internal/clock"
	"github.com/meterwatch/meterwatch/internal/config"
	"github.com/meterwatch/meterwatch/internal/observability/metrics"
	"github.com/meterwatch/meterwatch/internal/product"
	"github.com/meterwatch/meterwatch/internal/taskqueue"
)

type StoreParams struct {
	fx.In

	DB *gorm.DB
}

func NewAggregateStoreFromParams(p StoreParams) AggregateStore {
	return NewAggregateStore(p.DB)
}

type SubmitterParams struct {
	fx.In

	Config   config.Config
	Factory  taskqueue.Factory
	Registry *taskqueue.Registry
	Products *product.Registry
	Lookup   marketplace.ContextLookup
	Meterer  marketplace.Meterer
	Store    AggregateStore
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func NewSubmitterFromParams(p SubmitterParams) *Submitter {
	return NewSubmitter(
		p.Config,
		p.Factory,
		p.Registry,
		p.Products,
		p.Lookup,
		p.Meterer,
		p.Store,
		p.Clock,
		p.Metrics,
		p.Logger,
	)
}

type StatusConsumerParams struct {
	fx.In

	Config   config.Config
	Factory  taskqueue.Factory
	Registry *taskqueue.Registry
	Store    AggregateStore
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func NewStatusConsumerFromParams(p StatusConsumerParams) *StatusConsumer {
	return NewStatusConsumer(p.Config, p.Factory, p.Registry, p.Store, p.Metrics, p.Logger)
}

var Module = fx.Module("billing",
	fx.Provide(
		NewAggregateStoreFromParams,
		NewSubmitterFromParams,
		NewStatusConsumerFromParams,
	),
)
