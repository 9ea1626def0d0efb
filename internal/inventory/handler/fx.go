package handler

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/meterwatch/meterwatch/internal/clock"
	"github.com/meterwatch/meterwatch/internal/config"
	"github.com/meterwatch/meterwatch/internal/inventory/facts"
	"github.com/meterwatch/meterwatch/internal/inventory/relationship"
	"github.com/meterwatch/meterwatch/internal/observability/metrics"
	"github.com/meterwatch/meterwatch/internal/taskqueue"
)

type Params struct {
	fx.In

	Config     config.Config
	Normalizer *facts.Normalizer
	Store      relationship.Store
	Clock      clock.Clock
	Logger     *zap.Logger
}

func New(p Params) *Service {
	return NewService(p.Config, p.Normalizer, p.Store, p.Clock, p.Logger)
}

type DispatchParams struct {
	fx.In

	Config   config.Config
	Factory  taskqueue.Factory
	Registry *taskqueue.Registry
	Service  *Service
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func NewDispatchFromParams(p DispatchParams) *Dispatch {
	return NewDispatch(p.Config, p.Factory, p.Registry, p.Service, p.Metrics, p.Logger)
}

var Module = fx.Module("inventory.handler",
	fx.Provide(
		New,
		NewDispatchFromParams,
	),
)
